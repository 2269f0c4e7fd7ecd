// Package auth verifies bearer tokens for the control API and enforces its
// roles and scopes.
//
// viewer tokens may read state and subscribe to telemetry. controller
// tokens may additionally attach, detach and drive device services.
package auth
