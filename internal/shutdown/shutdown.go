// Package shutdown provides the cooperative stop flag shared by the batch
// controller and the network pipeline. Consumers poll between work units;
// in-flight encoder subprocesses always run to completion.
package shutdown

import "sync/atomic"

// Coordinator is a thread-safe stop flag. The zero value is ready to use.
// It is injected into the components that honor it rather than held as a
// process global so tests can supply their own.
type Coordinator struct {
	stopped atomic.Bool
}

// New returns a Coordinator in the running state.
func New() *Coordinator {
	return &Coordinator{}
}

// Stop requests a graceful shutdown. Safe to call from any goroutine and
// idempotent; signal handlers and key listeners both feed into it.
func (c *Coordinator) Stop() {
	c.stopped.Store(true)
}

// Stopped reports whether shutdown has been requested.
func (c *Coordinator) Stopped() bool {
	return c.stopped.Load()
}
