// Package engine wires the gate, rate limiter, scheduler and lifecycle
// manager into one instance exposing the caller operations.
//
// An Engine is constructed explicitly; nothing in this module keeps global
// state, so tests may run several engines side by side. The expected
// lifecycle is New, Start, serve requests, Stop.
package engine
