// ABOUTME: Tests for the session fan-out registry
// ABOUTME: Covers subscription moves, slow-session drops, and teardown

package conversation

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/sage-gateway/internal/diff"
	"github.com/2389/sage-gateway/internal/store"
)

func newMessageEvent(id string) diff.Event {
	return diff.NewMessage{Message: &store.Message{ID: id}}
}

func TestRegistry_PublishReachesSubscribers(t *testing.T) {
	r := NewRegistry(nil)
	defer r.Close()

	ch1 := r.Register("session-1")
	ch2 := r.Register("session-2")
	r.Subscribe("session-1", "conv-a")
	r.Subscribe("session-2", "conv-a")

	r.Publish("conv-a", newMessageEvent("m1"))

	for _, ch := range []<-chan diff.Event{ch1, ch2} {
		select {
		case ev := <-ch:
			nm, ok := ev.(diff.NewMessage)
			require.True(t, ok)
			assert.Equal(t, "m1", nm.Message.ID)
		default:
			t.Fatal("expected event on subscribed session")
		}
	}
}

func TestRegistry_UnsubscribedSessionGetsNothing(t *testing.T) {
	r := NewRegistry(nil)
	defer r.Close()

	ch := r.Register("session-1")

	r.Publish("conv-a", newMessageEvent("m1"))

	select {
	case <-ch:
		t.Fatal("unsubscribed session received event")
	default:
	}
}

func TestRegistry_LastSubscribeWins(t *testing.T) {
	r := NewRegistry(nil)
	defer r.Close()

	ch := r.Register("session-1")
	r.Subscribe("session-1", "conv-a")
	r.Subscribe("session-1", "conv-b")

	r.Publish("conv-a", newMessageEvent("from-a"))
	r.Publish("conv-b", newMessageEvent("from-b"))

	select {
	case ev := <-ch:
		assert.Equal(t, "from-b", ev.(diff.NewMessage).Message.ID)
	default:
		t.Fatal("expected event from conv-b")
	}
	select {
	case ev := <-ch:
		t.Fatalf("unexpected extra event: %#v", ev)
	default:
	}
}

func TestRegistry_DeliveryOrderIsFIFO(t *testing.T) {
	r := NewRegistry(nil)
	defer r.Close()

	ch := r.Register("session-1")
	r.Subscribe("session-1", "conv-a")

	for i := 0; i < 10; i++ {
		r.Publish("conv-a", newMessageEvent(fmt.Sprintf("m%d", i)))
	}

	for i := 0; i < 10; i++ {
		ev := <-ch
		assert.Equal(t, fmt.Sprintf("m%d", i), ev.(diff.NewMessage).Message.ID)
	}
}

func TestRegistry_SlowSessionDropsInsteadOfBlocking(t *testing.T) {
	r := NewRegistry(nil)
	defer r.Close()

	ch := r.Register("session-1")
	r.Subscribe("session-1", "conv-a")

	for i := 0; i < sessionBufferSize+5; i++ {
		r.Publish("conv-a", newMessageEvent(fmt.Sprintf("m%d", i)))
	}

	// The buffer holds the first events; overflow was dropped
	assert.Len(t, ch, sessionBufferSize)
	ev := <-ch
	assert.Equal(t, "m0", ev.(diff.NewMessage).Message.ID)
}

func TestRegistry_RemoveClosesChannel(t *testing.T) {
	r := NewRegistry(nil)
	defer r.Close()

	ch := r.Register("session-1")
	r.Subscribe("session-1", "conv-a")
	r.Remove("session-1")
	r.Remove("session-1") // idempotent

	_, open := <-ch
	assert.False(t, open)

	// Publishing after removal must not panic
	r.Publish("conv-a", newMessageEvent("m1"))
}

func TestRegistry_RegisterIsIdempotent(t *testing.T) {
	r := NewRegistry(nil)
	defer r.Close()

	ch1 := r.Register("session-1")
	ch2 := r.Register("session-1")
	r.Subscribe("session-1", "conv-a")

	r.Publish("conv-a", newMessageEvent("m1"))

	assert.Len(t, ch1, 1)
	assert.Len(t, ch2, 1)
}

func TestRegistry_CloseShutsDownAllSessions(t *testing.T) {
	r := NewRegistry(nil)

	ch1 := r.Register("session-1")
	ch2 := r.Register("session-2")
	r.Close()
	r.Close() // idempotent

	_, open := <-ch1
	assert.False(t, open)
	_, open = <-ch2
	assert.False(t, open)

	r.Publish("conv-a", newMessageEvent("m1"))
}

func TestRegistry_ConcurrentPublishAndChurn(t *testing.T) {
	r := NewRegistry(nil)
	defer r.Close()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			id := fmt.Sprintf("session-%d", n)
			for j := 0; j < 50; j++ {
				ch := r.Register(id)
				r.Subscribe(id, "conv-a")
				r.Publish("conv-a", newMessageEvent("m"))
				select {
				case <-ch:
				default:
				}
				r.Remove(id)
			}
		}(i)
	}
	wg.Wait()
}

func TestRegistry_PublishRacingRemoveNeverSendsOnClosedChannel(t *testing.T) {
	r := NewRegistry(nil)
	defer r.Close()

	// Publishers flood sessions while other goroutines tear them down.
	// Removing a session must never close its channel out from under an
	// in-flight publish.
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			id := fmt.Sprintf("session-%d", n)
			for j := 0; j < 30; j++ {
				r.Register(id)
				r.Subscribe(id, "conv-a")
				for k := 0; k < sessionBufferSize; k++ {
					r.Publish("conv-a", newMessageEvent("m"))
				}
				r.Remove(id)
			}
		}(i)
	}
	wg.Wait()
}
