package events

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishSubscribe(t *testing.T) {
	b := NewBroadcaster()
	ch, _, cancel := b.Subscribe(context.Background(), "s1")
	defer cancel()

	b.Publish("s1", Event{Step: "analyzing", Message: "reading the requirement"})
	b.Publish("s1", Event{Step: "complete", Message: "done", Details: map[string]any{"agent_id": "a1"}})

	ev := <-ch
	assert.Equal(t, "analyzing", ev.Step)
	ev = <-ch
	assert.Equal(t, "complete", ev.Step)
	assert.True(t, ev.Terminal())

	_, open := <-ch
	assert.False(t, open, "terminal event closes the stream")
	assert.Equal(t, 0, b.Len())
}

func TestPublishNeverBlocks(t *testing.T) {
	b := NewBroadcaster()
	ch, _, cancel := b.Subscribe(context.Background(), "s1")
	defer cancel()

	// Nobody reading: far more events than the buffer holds.
	for i := range DefaultBuffer * 3 {
		b.Publish("s1", Event{Step: "creating_tool", Message: fmt.Sprintf("tool %d", i)})
	}
	b.Publish("s1", Event{Step: "complete", Message: "done"})

	// The terminal event survives the shedding.
	var last Event
	for ev := range ch {
		last = ev
	}
	assert.Equal(t, "complete", last.Step)
}

func TestSubscriberCancelStopsPipeline(t *testing.T) {
	b := NewBroadcaster()
	ch, ctx, cancel := b.Subscribe(context.Background(), "s1")

	require.NoError(t, ctx.Err())
	cancel()
	assert.Error(t, ctx.Err(), "cancel propagates to the producing pipeline")

	_, open := <-ch
	assert.False(t, open)
	assert.Equal(t, 0, b.Len())

	// Publishing after disconnect is a quiet no-op.
	b.Publish("s1", Event{Step: "analyzing", Message: "late"})
}

func TestResubscribeReplacesSession(t *testing.T) {
	b := NewBroadcaster()
	old, oldCtx, _ := b.Subscribe(context.Background(), "s1")
	fresh, _, cancel := b.Subscribe(context.Background(), "s1")
	defer cancel()

	assert.Error(t, oldCtx.Err(), "the replaced session's pipeline is cancelled")
	_, open := <-old
	assert.False(t, open)

	b.Publish("s1", Event{Step: "analyzing", Message: "new session"})
	ev := <-fresh
	assert.Equal(t, "analyzing", ev.Step)
}
