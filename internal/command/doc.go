// Package command implements the request submission protocol.
//
// Callers build an Envelope describing one device command and hand it to a
// Submitter. The Submitter pushes it onto the request mailbox consumed by the
// single dispatch worker and, for blocking envelopes, waits on a per-request
// semaphore until the worker calls Complete or the caller's budget runs out.
// Non-blocking envelopes are drawn from a bounded Pool and report through a
// Callback instead.
package command
