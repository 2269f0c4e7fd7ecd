// Package stack assembles one modem control stack: request mailbox,
// envelope pool, submitter, dispatch worker, attach coordinator and
// service builders around a single modem.
package stack
