// Package telemetry wires OpenTelemetry exporters and meters for polis-exec.
//
// It centralises trace provider setup and owns the metric instruments that
// describe pipeline executions, so the executor and the HTTP layer record
// against the same names.
package telemetry
