// Package postgres stores serials, clients and the usage ledger in
// PostgreSQL through gorm. The schema ships as embedded SQL migrations.
package postgres
