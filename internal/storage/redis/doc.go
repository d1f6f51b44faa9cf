// Package redis adapts Redis for multi-instance deployments: a lease lock
// that serializes activations of one serial across processes, and a shared
// cache of active seat counts.
package redis
