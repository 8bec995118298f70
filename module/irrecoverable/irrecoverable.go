// Package irrecoverable provides the error escalation path for failures no
// component can recover from locally. Throwing through a SignalerContext
// hands the error to whoever started the component tree instead of crashing
// the process from an arbitrary goroutine.
package irrecoverable

import (
	"context"
	"log"
	"runtime"
)

// Signaler transports one irrecoverable error out of a component. Only the
// first throw is delivered; the throwing goroutine never continues.
type Signaler struct {
	errors chan error
}

func NewSignaler() (*Signaler, <-chan error) {
	errors := make(chan error, 1)
	return &Signaler{errors: errors}, errors
}

// Throw delivers the error and terminates the calling goroutine. It is a
// drop-in replacement for panic or log.Fatal wherever a signaler is wired.
func (s *Signaler) Throw(err error) {
	select {
	case s.errors <- err:
	default:
		// a previous throw already delivered; this one is dropped
	}
	runtime.Goexit()
}

// SignalerContext is a context.Context that can also escalate irrecoverable
// errors. The sealed method constrains construction to WithSignaler.
type SignalerContext interface {
	context.Context
	Throw(err error)
	sealed()
}

type signalerCtx struct {
	context.Context
	signaler *Signaler
}

func (sc signalerCtx) sealed() {}

func (sc signalerCtx) Throw(err error) {
	sc.signaler.Throw(err)
}

// WithSignaler derives a SignalerContext from parent and returns the channel
// on which a thrown error is delivered.
func WithSignaler(parent context.Context) (SignalerContext, <-chan error) {
	sig, errChan := NewSignaler()
	return signalerCtx{parent, sig}, errChan
}

// Throw escalates err through ctx if it is a SignalerContext, and otherwise
// terminates the process: swallowing an irrecoverable error is worse than
// crashing.
func Throw(ctx context.Context, err error) {
	if sc, ok := ctx.(SignalerContext); ok {
		sc.Throw(err)
	}
	log.Fatalf("irrecoverable error thrown without a signaler in context: %v", err)
}
