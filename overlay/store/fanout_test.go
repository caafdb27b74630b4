package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestFanOutEachSubscriberSeesEveryItem(t *testing.T) {
	defer goleak.VerifyNone(t)

	f := NewFanOut[int]()
	subA := f.Subscribe()
	subB := f.Subscribe()
	defer subA.Close()
	defer subB.Close()

	f.Publish(1)
	f.Publish(2)

	require.Equal(t, 1, <-subA.C)
	require.Equal(t, 2, <-subA.C)
	require.Equal(t, 1, <-subB.C)
	require.Equal(t, 2, <-subB.C)
}

func TestFanOutDropsOldestOnOverflow(t *testing.T) {
	f := NewFanOut[int]()
	sub := f.Subscribe()
	defer sub.Close()

	for i := 0; i < fanoutBuffer+10; i++ {
		f.Publish(i)
	}

	// The channel never blocks the publisher and always holds the newest
	// fanoutBuffer items; the oldest surviving item should not be 0.
	first := <-sub.C
	require.NotEqual(t, 0, first)
}

func TestFanOutPublishNeverBlocksOnUnsubscribed(t *testing.T) {
	f := NewFanOut[int]()
	sub := f.Subscribe()
	sub.Close()

	done := make(chan struct{})
	go func() {
		f.Publish(1)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked after subscriber was closed")
	}
}

func TestFanOutSubscriberCount(t *testing.T) {
	f := NewFanOut[int]()
	require.Equal(t, 0, f.SubscriberCount())
	sub := f.Subscribe()
	require.Equal(t, 1, f.SubscriberCount())
	sub.Close()
	require.Equal(t, 0, f.SubscriberCount())
}
