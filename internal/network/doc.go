// Package network coordinates the packet data attach of the modem.
//
// Any number of callers may hold the attach at the same time. The
// Coordinator counts logical holders and talks to the device only on the
// 0 to 1 and 1 to 0 edges. The physical operation runs outside the lock;
// while it is in flight the state is Attaching or Detaching and other
// callers wait for it to settle before they decide anything.
package network
