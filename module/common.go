package module

import (
	"errors"

	"github.com/interstate-labs/sidecar/module/irrecoverable"
)

// ErrMultipleStartup is returned when Start is called more than once on a
// single-use component.
var ErrMultipleStartup = errors.New("component may only be started once")

// ReadyDoneAware provides an interface to wait for module startup and
// shutdown. Modules implementing it support a single start-stop cycle.
type ReadyDoneAware interface {
	// Ready returns a channel that is closed once startup has completed.
	// Idempotent.
	Ready() <-chan struct{}

	// Done returns a channel that is closed once shutdown has completed.
	// Idempotent.
	Done() <-chan struct{}
}

// Startable is a module that can be started once. Irrecoverable errors are
// thrown through the signaler context rather than returned.
type Startable interface {
	Start(ctx irrecoverable.SignalerContext)
}

// NoopReadyDoneAware returns closed channels immediately; useful for modules
// without any background work.
type NoopReadyDoneAware struct{}

func (n *NoopReadyDoneAware) Ready() <-chan struct{} {
	ready := make(chan struct{})
	defer close(ready)
	return ready
}

func (n *NoopReadyDoneAware) Done() <-chan struct{} {
	done := make(chan struct{})
	defer close(done)
	return done
}
