// Package metrics exposes Prometheus collectors for the modem control core.
//
// A nil *Metrics is valid and records nothing, so packages can accept one
// without checking whether metrics are enabled.
package metrics
