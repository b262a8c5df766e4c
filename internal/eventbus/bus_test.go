package eventbus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishFansOut(t *testing.T) {
	t.Parallel()
	b := New()
	a, unsubA := b.Subscribe(4)
	c, unsubC := b.Subscribe(4)
	defer unsubA()
	defer unsubC()

	b.Publish(Event{Type: PluginLoaded, Data: PluginEvent{PluginID: "echo"}})

	for _, ch := range []<-chan Event{a, c} {
		select {
		case e := <-ch:
			assert.Equal(t, PluginLoaded, e.Type)
			assert.False(t, e.Time.IsZero())
		case <-time.After(time.Second):
			t.Fatal("event not delivered")
		}
	}
}

func TestPublishDropsForSlowSubscriber(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Subscribe(1)
	b.Publish(Event{Type: "a"})
	b.Publish(Event{Type: "b"})
	require.Len(t, ch, 1)
	unsub()
	unsub()
	// Publishing after unsubscribe must not panic.
	b.Publish(Event{Type: "c"})
}

func TestSubscribeTypesFiltersAndCountsDrops(t *testing.T) {
	t.Parallel()
	b := New()
	only, unsub := b.SubscribeTypes(1, HookFailed)
	defer unsub()

	b.Publish(Event{Type: PluginLoaded})
	b.Publish(Event{Type: HookFailed})
	b.Publish(Event{Type: HookFailed})

	require.Len(t, only, 1)
	assert.Equal(t, HookFailed, (<-only).Type)
	assert.Equal(t, uint64(1), b.Dropped())
}
