package pubsub

import (
	"github.com/yandex/tracemux/pkg/capture"
)

// EventBus distributes the merged capture stream to independent consumers.
type EventBus struct {
	*PubSub[capture.Event]
}

func NewEventBus() *EventBus {
	return &EventBus{PubSub: NewPubSub[capture.Event]()}
}

// AddEvent publishes the event. It lets the bus act as a merged stream sink.
func (b *EventBus) AddEvent(event capture.Event) {
	b.Publish(event)
}

// KindFilter accepts events of the listed kinds only.
func KindFilter(kinds ...capture.Kind) Filter[capture.Event] {
	if len(kinds) == 0 {
		return nil
	}

	accepted := make(map[capture.Kind]bool, len(kinds))
	for _, kind := range kinds {
		accepted[kind] = true
	}
	return func(event capture.Event) bool {
		return accepted[event.Kind()]
	}
}
