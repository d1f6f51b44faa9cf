// Package config loads serialhub configuration.
//
// Values are resolved in increasing order of precedence:
//
//	1. Default()
//	2. a YAML file (SERIALHUB_CONFIG_FILE or serialhub.yaml)
//	3. environment variables prefixed with SERIALHUB_
//
// Nested sections map to underscored names, for example
// SERIALHUB_SERVER_PORT or SERIALHUB_USAGE_LOCK_TIMEOUT.
//
// Secrets (crypto secret, pepper, signing key, admin token secret) have no
// defaults. Each may be given inline or through a *_FILE variable naming a
// mounted secret file.
package config
