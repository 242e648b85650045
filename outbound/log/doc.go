// Package log defines the structured logging contract used across the
// outbound reliability packages. Implementations live elsewhere (see the
// zap adapter); callers depend only on this interface so delivery code
// stays decoupled from any concrete logging backend.
package log
