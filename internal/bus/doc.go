// Package bus broadcasts state-change events to any number of
// subscribers without ever blocking the publisher.
//
// Each subscriber owns a private buffered channel and sees events in
// publish order from its subscription point onward; there is no replay.
// When a subscriber falls behind its buffer, the oldest pending events
// are shed and the gap is reported as a *LagError on the next Recv, so
// data loss is always explicit.
//
// Two event kinds exist: EventNewCode announces (or re-announces) a
// code, EventExit signals shutdown and is terminal.
package bus
