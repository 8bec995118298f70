package irrecoverable

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestThrowDeliversError(t *testing.T) {
	ctx, errChan := WithSignaler(context.Background())

	boom := errors.New("boom")
	done := make(chan struct{})
	go func() {
		defer close(done)
		ctx.Throw(boom)
		t.Error("Throw must not return")
	}()

	select {
	case err := <-errChan:
		require.ErrorIs(t, err, boom)
	case <-time.After(time.Second):
		t.Fatal("error was not delivered")
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("throwing goroutine did not exit")
	}
}

func TestWithSignalerPropagatesCancellation(t *testing.T) {
	parent, cancel := context.WithCancel(context.Background())
	ctx, _ := WithSignaler(parent)

	cancel()
	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Fatal("cancellation did not propagate")
	}
}
