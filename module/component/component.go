// Package component manages the worker goroutines of a long-running module:
// parallel startup, readiness aggregation, and shutdown via context
// cancellation, with irrecoverable errors escalated to the parent.
package component

import (
	"context"
	"sync"

	"go.uber.org/atomic"

	"github.com/interstate-labs/sidecar/module"
	"github.com/interstate-labs/sidecar/module/irrecoverable"
	"github.com/interstate-labs/sidecar/module/util"
)

// Component is a module that is started once and then reports readiness and
// completion through channels.
type Component interface {
	module.Startable
	module.ReadyDoneAware
}

// ReadyFunc is called by a worker to signal that it finished starting up.
// The manager's Ready channel closes once every worker has called it.
type ReadyFunc func()

// Worker is one goroutine of a component. It must call ready once started,
// return when the context ends, and throw irrecoverable errors through ctx.
type Worker func(ctx irrecoverable.SignalerContext, ready ReadyFunc)

// ManagerBuilder accumulates workers for a Manager.
type ManagerBuilder struct {
	workers []Worker
}

func NewManagerBuilder() *ManagerBuilder {
	return &ManagerBuilder{}
}

// AddWorker registers another worker goroutine. Not concurrency-safe.
func (b *ManagerBuilder) AddWorker(w Worker) *ManagerBuilder {
	b.workers = append(b.workers, w)
	return b
}

func (b *ManagerBuilder) Build() *Manager {
	return &Manager{
		started:        atomic.NewBool(false),
		ready:          make(chan struct{}),
		done:           make(chan struct{}),
		workersDone:    make(chan struct{}),
		shutdownSignal: make(chan struct{}),
		workers:        b.workers,
	}
}

var _ Component = (*Manager)(nil)

// Manager runs a component's workers and implements the Component interface
// on their behalf. Ready closes when all workers signalled readiness; Done
// closes after all workers returned. Shutdown begins when the context given
// to Start is cancelled or any worker throws.
type Manager struct {
	started        *atomic.Bool
	ready          chan struct{}
	done           chan struct{}
	workersDone    chan struct{}
	shutdownSignal chan struct{}

	workers []Worker
}

// Start launches all workers. It panics when called twice: a restarted
// manager would reuse closed channels.
func (m *Manager) Start(parent irrecoverable.SignalerContext) {
	if !m.started.CompareAndSwap(false, true) {
		panic(module.ErrMultipleStartup)
	}

	ctx, cancel := context.WithCancel(parent)
	signalerCtx, errChan := irrecoverable.WithSignaler(ctx)

	go func() {
		<-ctx.Done()
		close(m.shutdownSignal)
	}()

	// Propagate a worker's irrecoverable error to the parent, but only after
	// all workers have wound down, so the parent observes errors before done.
	go func() {
		defer func() {
			<-m.workersDone
			close(m.done)
		}()
		if err := util.WaitError(errChan, m.workersDone); err != nil {
			cancel()
			parent.Throw(err)
		}
	}()

	var workersReady sync.WaitGroup
	var workersDone sync.WaitGroup
	workersReady.Add(len(m.workers))
	workersDone.Add(len(m.workers))

	for _, worker := range m.workers {
		worker := worker
		go func() {
			defer workersDone.Done()
			var once sync.Once
			worker(signalerCtx, func() {
				once.Do(workersReady.Done)
			})
		}()
	}

	go func() {
		workersReady.Wait()
		close(m.ready)
	}()
	go func() {
		workersDone.Wait()
		close(m.workersDone)
	}()
}

// Ready closes once all workers are ready. If a worker returns without
// signalling readiness the channel never closes.
func (m *Manager) Ready() <-chan struct{} {
	return m.ready
}

// Done closes once the manager has fully shut down.
func (m *Manager) Done() <-chan struct{} {
	return m.done
}

// ShutdownSignal closes when shutdown has commenced. Nil before Start.
func (m *Manager) ShutdownSignal() <-chan struct{} {
	return m.shutdownSignal
}
