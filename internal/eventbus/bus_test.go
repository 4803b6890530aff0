package eventbus

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishFanOut(t *testing.T) {
	t.Parallel()
	b := New()
	a, unsubA := b.Subscribe(4)
	c, unsubC := b.Subscribe(4)
	defer unsubA()
	defer unsubC()

	b.Publish(Event{Type: JobSucceeded, Data: JobEvent{ID: "1"}})

	for _, ch := range []<-chan Event{a, c} {
		ev := <-ch
		assert.Equal(t, JobSucceeded, ev.Type)
		assert.False(t, ev.Time.IsZero())
		require.IsType(t, JobEvent{}, ev.Data)
	}
}

func TestPublishDropsWhenFull(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Subscribe(1)
	defer unsub()

	b.Publish(Event{Type: "a"})
	b.Publish(Event{Type: "b"})

	assert.Equal(t, "a", (<-ch).Type)
	assert.Equal(t, uint64(1), Dropped(b))
}

func TestUnsubscribeClosesAndIsIdempotent(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Subscribe(1)
	unsub()
	unsub()
	_, ok := <-ch
	assert.False(t, ok)
	b.Publish(Event{Type: "after"})
}

func TestConcurrentPublishAndUnsubscribe(t *testing.T) {
	t.Parallel()
	b := New()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		_, unsub := b.Subscribe(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				b.Publish(Event{Type: "x"})
			}
		}()
		go func() {
			defer wg.Done()
			unsub()
		}()
	}
	wg.Wait()
}

func TestNopBus(t *testing.T) {
	t.Parallel()
	b := Nop()
	b.Publish(Event{Type: "x"})
	ch, unsub := b.Subscribe(1)
	unsub()
	_, ok := <-ch
	assert.False(t, ok)
	assert.Zero(t, Dropped(b))
}
