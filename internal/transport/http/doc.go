// Package http implements the serialhub HTTP handlers.
//
// Handlers stay thin: they decode and validate the request body, call the
// registries in internal/services and render the result with go-chi/render.
// Operator failures become RFC 7807 problem documents through
// internal/errors. Serial validation is the exception: an invalid serial is
// business data, so /serials/validate answers 200 with isValid=false and a
// reason instead of an error status.
//
// Authentication and rate limiting are injected as Guards so the same
// routes can be mounted with or without them.
package http
