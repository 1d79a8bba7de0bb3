// Package governance throttles privileged operations.
//
// Limits are keyed by a caller-chosen string (a command endpoint, or an
// operation and dataset pair) so that one noisy key never starves another.
package governance
