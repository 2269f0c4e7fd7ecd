// Package sys provides the portable synchronization layer of the modem stack.
//
// The primitives mirror what a small RTOS offers: a binary mutex, a counting
// semaphore with a ceiling, a bounded FIFO mailbox and a thread start routine
// that binds work to one of a fixed set of pre-declared thread slots.
//
// Every primitive reports failure through bool or error returns. Timeouts are
// expressed with Timeout; Forever is the explicit "no bound" value and a zero
// Timeout keeps the historical meaning of waiting forever.
package sys
