package pubsub

import "sync"

// Filter selects values delivered to a subscription. Nil accepts everything.
type Filter[T any] func(value T) bool

type subscriber[T any] struct {
	values chan<- T
	filter Filter[T]
}

// PubSub fans published values out to every matching subscription.
// Thread safe.
type PubSub[T any] struct {
	mutex sync.Mutex

	subscribers map[uint64]subscriber[T]
	lastID      uint64
}

func NewPubSub[T any]() *PubSub[T] {
	return &PubSub[T]{
		subscribers: make(map[uint64]subscriber[T]),
	}
}

// Publish blocks until every matching subscriber has accepted the value,
// so a stalled subscriber applies backpressure to the publisher.
func (p *PubSub[T]) Publish(value T) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	for _, sub := range p.subscribers {
		if sub.filter != nil && !sub.filter(value) {
			continue
		}
		sub.values <- value
	}
}

func (p *PubSub[T]) Subscribers() int {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return len(p.subscribers)
}

func (p *PubSub[T]) closeLocked(id uint64) {
	sub, ok := p.subscribers[id]
	if !ok {
		return
	}

	close(sub.values)
	delete(p.subscribers, id)
}

func (p *PubSub[T]) close(id uint64) {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	p.closeLocked(id)
}

// CloseAll closes every subscription channel. Subscribers observe the end
// of the stream after draining their channels.
func (p *PubSub[T]) CloseAll() {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	for id := range p.subscribers {
		p.closeLocked(id)
	}
}

type Subscription[T any] struct {
	values <-chan T
	id     uint64
	pubSub *PubSub[T]
}

func (s *Subscription[T]) Chan() <-chan T {
	return s.values
}

// Close must not be called while the subscriber is the one blocking Publish.
func (s *Subscription[T]) Close() {
	s.pubSub.close(s.id)
}

func (p *PubSub[T]) Subscribe(capacity uint32, filter Filter[T]) *Subscription[T] {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	values := make(chan T, capacity)
	p.lastID++
	id := p.lastID
	p.subscribers[id] = subscriber[T]{values: values, filter: filter}

	return &Subscription[T]{
		values: values,
		id:     id,
		pubSub: p,
	}
}
