package permission

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atelier-ai/atelier/internal/event"
	"github.com/atelier-ai/atelier/pkg/types"
)

func TestRequestResolvedWithDecision(t *testing.T) {
	bus := event.NewBus()
	defer bus.Close()
	c := NewCorrelator(bus)

	requested := make(chan event.PermissionRequestedData, 1)
	bus.Subscribe(event.PermissionRequested, func(e event.Event) {
		requested <- e.Data.(event.PermissionRequestedData)
	})

	result := make(chan types.Decision, 1)
	go func() {
		d, err := c.Request(context.Background(), Request{
			ID:        "corr1",
			SessionID: "sess1",
			ToolName:  "write_file",
		})
		require.NoError(t, err)
		result <- d
	}()

	select {
	case data := <-requested:
		assert.Equal(t, "corr1", data.ID)
		assert.Equal(t, "write_file", data.ToolName)
	case <-time.After(time.Second):
		t.Fatal("permission.requested not published")
	}

	assert.True(t, c.Resolve("corr1", types.DecisionAllow))

	select {
	case d := <-result:
		assert.Equal(t, types.DecisionAllow, d)
	case <-time.After(time.Second):
		t.Fatal("Request did not unblock")
	}
}

func TestResolveUnknownIDIsBenign(t *testing.T) {
	bus := event.NewBus()
	defer bus.Close()
	c := NewCorrelator(bus)

	assert.False(t, c.Resolve("nope", types.DecisionDeny))
}

func TestResolveTwiceSecondIsMiss(t *testing.T) {
	bus := event.NewBus()
	defer bus.Close()
	c := NewCorrelator(bus)

	done := make(chan struct{})
	go func() {
		c.Request(context.Background(), Request{ID: "corr1", SessionID: "s"})
		close(done)
	}()

	// Wait until the request is registered.
	require.Eventually(t, func() bool {
		_, ok := c.Pending("s")
		return ok
	}, time.Second, 5*time.Millisecond)

	assert.True(t, c.Resolve("corr1", types.DecisionAllow))
	<-done
	assert.False(t, c.Resolve("corr1", types.DecisionAllow))
}

func TestSecondRequestForSessionRejected(t *testing.T) {
	bus := event.NewBus()
	defer bus.Close()
	c := NewCorrelator(bus)

	go c.Request(context.Background(), Request{ID: "corr1", SessionID: "s"})

	require.Eventually(t, func() bool {
		_, ok := c.Pending("s")
		return ok
	}, time.Second, 5*time.Millisecond)

	_, err := c.Request(context.Background(), Request{ID: "corr2", SessionID: "s"})
	assert.ErrorIs(t, err, ErrPending)

	c.Resolve("corr1", types.DecisionDeny)
}

func TestRequestCancelledByContext(t *testing.T) {
	bus := event.NewBus()
	defer bus.Close()
	c := NewCorrelator(bus)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := c.Request(ctx, Request{ID: "corr1", SessionID: "s"})
		errCh <- err
	}()

	require.Eventually(t, func() bool {
		_, ok := c.Pending("s")
		return ok
	}, time.Second, 5*time.Millisecond)

	cancel()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Request did not observe cancellation")
	}

	// Pending slot is released after cancellation.
	assert.Eventually(t, func() bool {
		_, ok := c.Pending("s")
		return !ok
	}, time.Second, 5*time.Millisecond)
}
