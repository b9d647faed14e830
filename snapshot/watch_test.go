package snapshot

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestWatcherWaitReturnsOnPublish(t *testing.T) {
	w := NewWatcher()
	defer w.Stop()

	done := make(chan string, 1)
	go func() {
		done <- w.Wait("part", "uuid-1", 5*time.Second)
	}()

	// Give Wait a moment to register as a listener before publishing.
	time.Sleep(50 * time.Millisecond)
	w.Publish("part", "uuid-2")

	select {
	case got := <-done:
		require.Equal(t, "uuid-2", got)
	case <-time.After(2 * time.Second):
		t.Fatal("Wait did not return after Publish")
	}
}

func TestWatcherWaitTimesOut(t *testing.T) {
	w := NewWatcher()
	defer w.Stop()

	start := time.Now()
	got := w.Wait("part", "uuid-1", 150*time.Millisecond)
	require.Equal(t, "uuid-1", got)
	require.GreaterOrEqual(t, time.Since(start), 150*time.Millisecond)
}

func TestWatcherPublishWithNoListenersIsNoop(t *testing.T) {
	w := NewWatcher()
	defer w.Stop()
	w.Publish("nobody-listening", "uuid-x") // must not panic
}
