// Package adapter defines the southbound modem contract and the executor the
// dispatch worker uses to run envelopes against it.
//
// Device failures are normalized through deterministic token tables into the
// command error taxonomy; the device's own message is kept on DeviceError for
// diagnostics.
package adapter
