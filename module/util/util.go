package util

import (
	"context"
	"sync"

	"github.com/interstate-labs/sidecar/module"
)

// AllReady returns a channel that is closed once every component is ready.
func AllReady(components ...module.ReadyDoneAware) <-chan struct{} {
	channels := make([]<-chan struct{}, len(components))
	for i, c := range components {
		channels[i] = c.Ready()
	}
	return AllClosed(channels...)
}

// AllDone returns a channel that is closed once every component is done.
func AllDone(components ...module.ReadyDoneAware) <-chan struct{} {
	channels := make([]<-chan struct{}, len(components))
	for i, c := range components {
		channels[i] = c.Done()
	}
	return AllClosed(channels...)
}

// AllClosed returns a channel that is closed when all input channels are
// closed.
func AllClosed(channels ...<-chan struct{}) <-chan struct{} {
	done := make(chan struct{})
	var wg sync.WaitGroup
	for _, ch := range channels {
		wg.Add(1)
		go func(ch <-chan struct{}) {
			defer wg.Done()
			<-ch
		}(ch)
	}
	go func() {
		wg.Wait()
		close(done)
	}()
	return done
}

// WaitError waits for either an error on errChan or for done to close.
// It prefers the error if both races are ready, since callers use it to
// decide whether a shutdown was clean.
func WaitError(errChan <-chan error, done <-chan struct{}) error {
	select {
	case err := <-errChan:
		return err
	case <-done:
		select {
		case err := <-errChan:
			return err
		default:
		}
		return nil
	}
}

// WaitClosed waits for ch to close or ctx to end, returning the context
// error in the latter case.
func WaitClosed(ctx context.Context, ch <-chan struct{}) error {
	select {
	case <-ctx.Done():
		select {
		case <-ch:
			return nil
		default:
		}
		return ctx.Err()
	case <-ch:
		return nil
	}
}
