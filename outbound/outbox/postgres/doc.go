// Package postgres provides the PostgreSQL ledger for outbox events and
// the integrations table that configures webhook sinks.
package postgres
