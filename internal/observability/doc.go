// Package observability provides structured logging and Prometheus metrics
// for the upgrade pipeline.
//
// This package implements:
//   - zap logger construction from configuration (json or console)
//   - Prometheus collectors for audits, proposals, pipeline steps,
//     backend dispatches and scheduler ticks
//
// All Metrics methods are safe to call on a nil receiver so services can be
// constructed without instrumentation in tests.
package observability
