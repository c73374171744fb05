package pubsub

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/yandex/tracemux/pkg/capture"
)

func TestPubSub_Simple(t *testing.T) {
	pubsub := NewPubSub[uint32]()

	sub := pubsub.Subscribe(1, nil)
	pubsub.Publish(42)

	require.Equal(t, uint32(42), <-sub.Chan())

	select {
	case value := <-sub.Chan():
		require.FailNow(t, "channel must be empty", "got %v", value)
	default:
	}

	sub.Close()
	_, ok := <-sub.Chan()
	require.False(t, ok)
	require.Zero(t, pubsub.Subscribers())

	pubsub.CloseAll()
}

func TestPubSub_MultipleSubscribers(t *testing.T) {
	pubsub := NewPubSub[uint32]()

	g, _ := errgroup.WithContext(context.Background())
	subscribed := &sync.WaitGroup{}

	for i := 0; i < 10; i++ {
		subscribed.Add(1)
		g.Go(func() error {
			sub := pubsub.Subscribe(1, nil)
			subscribed.Done()

			value := <-sub.Chan()
			sub.Close()
			if value != 42 {
				return errUnexpected(value)
			}
			return nil
		})
	}

	subscribed.Wait()
	pubsub.Publish(42)

	require.NoError(t, g.Wait())
	pubsub.CloseAll()
}

func TestPubSub_PublishOrder(t *testing.T) {
	pubsub := NewPubSub[uint32]()

	const items = 20
	sub := pubsub.Subscribe(4, nil)

	g, _ := errgroup.WithContext(context.Background())
	var received []uint32
	g.Go(func() error {
		for value := range sub.Chan() {
			received = append(received, value)
		}
		return nil
	})

	for i := 0; i < items; i++ {
		pubsub.Publish(uint32(i + 1))
	}
	pubsub.CloseAll()
	require.NoError(t, g.Wait())

	require.Len(t, received, items)
	for i, value := range received {
		require.Equal(t, uint32(i+1), value)
	}
}

func TestPubSub_Filter(t *testing.T) {
	pubsub := NewPubSub[int]()

	even := pubsub.Subscribe(10, func(v int) bool { return v%2 == 0 })
	all := pubsub.Subscribe(10, nil)

	for i := 0; i < 5; i++ {
		pubsub.Publish(i)
	}
	pubsub.CloseAll()

	var evens, alls []int
	for v := range even.Chan() {
		evens = append(evens, v)
	}
	for v := range all.Chan() {
		alls = append(alls, v)
	}
	require.Equal(t, []int{0, 2, 4}, evens)
	require.Equal(t, []int{0, 1, 2, 3, 4}, alls)
}

func TestEventBus(t *testing.T) {
	bus := NewEventBus()

	samples := bus.Subscribe(10, KindFilter(capture.KindCallstackSample, capture.KindInternedCallstack))
	everything := bus.Subscribe(10, KindFilter())

	bus.AddEvent(&capture.InternedCallstack{Key: 1})
	bus.AddEvent(&capture.SchedulingSlice{Pid: 1})
	bus.AddEvent(&capture.CallstackSample{CallstackID: 1})
	bus.CloseAll()

	var kinds []capture.Kind
	for event := range samples.Chan() {
		kinds = append(kinds, event.Kind())
	}
	require.Equal(t, []capture.Kind{capture.KindInternedCallstack, capture.KindCallstackSample}, kinds)

	count := 0
	for range everything.Chan() {
		count++
	}
	require.Equal(t, 3, count)
}

type errUnexpected uint32

func (e errUnexpected) Error() string {
	return "unexpected value"
}
