// Package memory holds in-process stores for serials, clients and the usage
// ledger. They back single-instance deployments and tests.
package memory
