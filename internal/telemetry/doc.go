// Package telemetry distributes modem events to Server-Sent Events clients.
//
// Events carry monotonic IDs and are kept in a bounded replay buffer so a
// reconnecting client can resume with Last-Event-ID. Publishing never blocks:
// a client whose queue is full misses the event.
package telemetry
