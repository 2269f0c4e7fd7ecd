// Package api serves the HTTP control surface of the modem stack.
//
// Commands are JSON over HTTP under /api/v1 and answer with one envelope
// shape: {result, data | code, message, details, correlationId}. Telemetry
// streams as Server-Sent Events and metrics are exposed for Prometheus.
package api
