// Package dispatch runs the worker that owns the device channel.
//
// The producer thread drains the request mailbox in FIFO order and executes
// one envelope at a time. Completions of non-blocking envelopes are handed
// to the process thread, which runs their callbacks and recycles them.
package dispatch
