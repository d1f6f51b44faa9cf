// Package shared holds helpers used across serialhub packages that belong to
// no single layer.
//
// The testutil subpackage provides a buffering slog handler so tests can
// assert on log records:
//
//	logger, logs := testutil.NewTestLogger(t)
//	registry := services.NewClientRegistry(clients, crypto, logger)
//	...
//	assert.True(t, logs.ContainsMessage("client created"))
package shared
