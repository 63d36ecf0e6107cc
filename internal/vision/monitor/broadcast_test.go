package monitor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kestrel-vision/kestrel/internal/vision/behavior"
)

func event(trackID int64) behavior.SuspicionEvent {
	return behavior.SuspicionEvent{TrackID: trackID, Rule: "loiter", Kind: behavior.KindRaised}
}

// ---------------------------------------------------------------------------
// Broadcaster
// ---------------------------------------------------------------------------

func TestBroadcaster(t *testing.T) {
	t.Parallel()

	t.Run("publish with no subscribers succeeds", func(t *testing.T) {
		t.Parallel()
		b := NewBroadcaster()
		assert.NoError(t, b.Publish(event(1)))
		published, dropped := b.Counts()
		assert.Equal(t, int64(1), published)
		assert.Equal(t, int64(0), dropped)
	})

	t.Run("every subscriber receives each event", func(t *testing.T) {
		t.Parallel()
		b := NewBroadcaster()
		ch1, cancel1 := b.Subscribe()
		ch2, cancel2 := b.Subscribe()
		defer cancel1()
		defer cancel2()
		require.Equal(t, 2, b.SubscriberCount())

		require.NoError(t, b.Publish(event(7)))

		ev1 := <-ch1
		ev2 := <-ch2
		assert.Equal(t, int64(7), ev1.TrackID)
		assert.Equal(t, int64(7), ev2.TrackID)
	})

	t.Run("slow subscriber drops instead of blocking", func(t *testing.T) {
		t.Parallel()
		b := NewBroadcaster()
		_, cancel := b.Subscribe()
		defer cancel()

		// Never read: once the buffer fills, further events are dropped.
		for i := 0; i < subscriberBuffer+5; i++ {
			require.NoError(t, b.Publish(event(int64(i))))
		}
		_, dropped := b.Counts()
		assert.Equal(t, int64(5), dropped)
	})

	t.Run("cancel closes the channel and deregisters", func(t *testing.T) {
		t.Parallel()
		b := NewBroadcaster()
		ch, cancel := b.Subscribe()
		cancel()
		assert.Equal(t, 0, b.SubscriberCount())

		_, open := <-ch
		assert.False(t, open)

		// Cancelling twice is safe.
		cancel()
	})
}
