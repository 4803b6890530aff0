package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func TestManualAfterFiresOnAdvance(t *testing.T) {
	t.Parallel()
	c := NewManual(t0)
	ch := c.After(10 * time.Second)
	require.Equal(t, 1, c.Waiters())

	c.Advance(5 * time.Second)
	select {
	case <-ch:
		t.Fatal("fired too early")
	default:
	}

	c.Advance(5 * time.Second)
	select {
	case got := <-ch:
		require.Equal(t, t0.Add(10*time.Second), got)
	default:
		t.Fatal("expected wake-up after 10s")
	}
	require.Zero(t, c.Waiters())
}

func TestManualAfterNonPositiveFiresImmediately(t *testing.T) {
	t.Parallel()
	c := NewManual(t0)
	select {
	case got := <-c.After(0):
		require.Equal(t, t0, got)
	default:
		t.Fatal("After(0) must fire immediately")
	}
}

func TestManualBlockUntil(t *testing.T) {
	t.Parallel()
	c := NewManual(t0)
	require.False(t, c.BlockUntil(1, 10*time.Millisecond))

	go func() { <-c.After(time.Minute) }()
	require.True(t, c.BlockUntil(1, time.Second))
	c.Advance(time.Minute)
}

func TestRealClockAfter(t *testing.T) {
	t.Parallel()
	c := Real()
	start := c.Now()
	<-c.After(5 * time.Millisecond)
	require.GreaterOrEqual(t, time.Since(start), 5*time.Millisecond)
	select {
	case <-c.After(-time.Second):
	case <-time.After(time.Second):
		t.Fatal("negative duration must fire immediately")
	}
}
