// Package circuitbreaker implements a consecutive-failure circuit breaker
// for a single logical remote dependency.
//
// The breaker opens after a configurable number of consecutive failures
// and closes again by itself once the reset window elapses, or
// immediately on the next recorded success. There is no half-open trial
// state: callers simply resume once the window has passed. State is owned
// by an explicit Breaker instance injected into whichever component talks
// to the dependency, never by package-level globals, so independent
// dependencies get independent breakers and tests get full control.
package circuitbreaker
