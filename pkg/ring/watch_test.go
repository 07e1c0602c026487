package ring

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWatcherPublishRejectsStaleVersion(t *testing.T) {
	members := threeZoneMembers()
	w := NewWatcher(Build(5, members, 2))
	require.False(t, w.Publish(Build(5, members, 2)))
	require.False(t, w.Publish(Build(3, members, 2)))
	require.True(t, w.Publish(Build(6, members, 2)))
	require.Equal(t, uint64(6), w.Current().Version())
}

func TestWatcherSubscribeReceivesPublishedRing(t *testing.T) {
	members := threeZoneMembers()
	w := NewWatcher(Build(1, members, 2))
	ch, cancel := w.Subscribe()
	defer cancel()

	next := Build(2, members, 2)
	require.True(t, w.Publish(next))

	select {
	case got := <-ch:
		require.Equal(t, next, got)
	default:
		t.Fatal("expected a buffered notification")
	}
}

func TestWatcherCancelStopsDelivery(t *testing.T) {
	members := threeZoneMembers()
	w := NewWatcher(Build(1, members, 2))
	ch, cancel := w.Subscribe()
	cancel()

	w.Publish(Build(2, members, 2))
	select {
	case v, ok := <-ch:
		if ok {
			t.Fatalf("unexpected value after cancel: %+v", v)
		}
	default:
	}
}
