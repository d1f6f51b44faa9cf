// Package app wires serialhub together and runs it.
//
// # Initialization Flow
//
//  1. Load configuration from defaults, an optional YAML file and the environment
//  2. Initialize logging and OpenTelemetry
//  3. Open storage (memory or postgres) and, when configured, redis
//  4. Build the usage event pipeline (websocket hub plus kafka or log)
//  5. Build the usage tracker, crypto, token authorities and registries
//  6. Mount the HTTP routes behind the middleware stack
//
// # Lifecycle
//
// Run starts the HTTP server, the websocket hub, the event buffer and the
// usage sweeper in one errgroup. Cancelling the context, or any of them
// failing, shuts the server down gracefully, releases brokers and storage,
// and flushes telemetry.
//
// The package never calls os.Exit; errors are returned to main.
package app
