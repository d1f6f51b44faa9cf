// Package services holds the business operations of serialhub.
//
// SerialRegistry composes the codec, the crypto service and the usage
// tracker: it issues serials, validates activations against them and
// manages their lifecycle (revoke, renew, seat release, offline tokens).
// ClientRegistry manages the tenants serials are issued to. HealthService
// aggregates dependency readiness for the probes.
//
// Services depend on the repository and tracker interfaces in ports.go,
// which both the in-memory and the PostgreSQL stores satisfy.
package services
