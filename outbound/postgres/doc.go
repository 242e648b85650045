// Package postgres manages PostgreSQL connectivity for the outbound
// subsystem: a primary/replica resolver pool, schema migrations on
// connect, and credential-free error reporting.
package postgres
