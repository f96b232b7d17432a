// Package coordinator serializes all state access through a single
// goroutine that owns the store connection.
//
// # Model
//
// Start spins up the coordinator loop and hands back a Handle. Callers
// never touch the store directly: every operation becomes a request on a
// bounded queue, and the loop runs requests to completion in arrival
// order. Because only one goroutine ever holds the connection, compound
// operations such as the cookie capacity check-and-insert are atomic
// without database-level locking.
//
// # Shutdown
//
// Terminate (or a fatal store error) stops the loop. The coordinator
// closes the store, publishes an exit event on the bus and then closes
// Done. Handle methods called after shutdown fail with ErrUnavailable.
package coordinator
