// Package link owns the connection lifecycle to one remote research peripheral.
//
// Ownership boundary:
// - scan/match policy for discovery and re-acquisition
// - connect -> secure -> discover -> subscribe orchestration with retry budget
// - notification negotiation against stacks that misreport subscription state
//
// The package never inspects frame contents. Inbound notification bytes are
// handed to the NotifyFunc supplied by the caller.
//
// Lifecycle order:
// - IDLE -> SCANNING -> IDLE (ready to pair)
// - IDLE -> RESCAN_TARGET -> CONNECT_ATTEMPT -> CONNECTED_PENDING -> SECURING
//   -> SECURITY_SETTLE -> DISCOVERING -> SUBSCRIBING -> READY
// - failures re-enter RESCAN_TARGET through CONNECT_COOLDOWN until the budget is spent.
package link
