package forwarder

import (
	"context"
	"sync"

	"github.com/yandex/tracemux/internal/xmetrics"
)

const (
	DefaultQueueCapacity = 10000
	DefaultMaxBatch      = 512
)

type Config struct {
	QueueCapacity int `yaml:"queue_capacity"`
	MaxBatch      int `yaml:"max_batch"`
}

func (c *Config) fillDefault() {
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = DefaultQueueCapacity
	}
	if c.MaxBatch <= 0 {
		c.MaxBatch = DefaultMaxBatch
	}
}

// DeliverFunc consumes one batch. The slice is reused after the call returns.
// A non-nil error stops the forwarder.
type DeliverFunc[T any] func(ctx context.Context, batch []T) error

type forwarderMetrics struct {
	enqueued  xmetrics.Counter
	dropped   xmetrics.Counter
	delivered xmetrics.Counter
	batches   xmetrics.Counter
}

// Forwarder decouples a latency sensitive producer from a slower consumer.
// Enqueue never blocks: events that do not fit are dropped and counted.
type Forwarder[T any] struct {
	conf    Config
	deliver DeliverFunc[T]
	metrics *forwarderMetrics

	mutex  sync.RWMutex
	closed bool
	queue  chan T
}

func New[T any](conf Config, r xmetrics.Registry, deliver DeliverFunc[T]) *Forwarder[T] {
	conf.fillDefault()

	return &Forwarder[T]{
		conf:    conf,
		deliver: deliver,
		queue:   make(chan T, conf.QueueCapacity),
		metrics: &forwarderMetrics{
			enqueued:  r.WithTags(xmetrics.Labels{"kind": "enqueued"}).Counter("forwarder.events.count"),
			dropped:   r.WithTags(xmetrics.Labels{"kind": "dropped"}).Counter("forwarder.events.count"),
			delivered: r.WithTags(xmetrics.Labels{"kind": "delivered"}).Counter("forwarder.events.count"),
			batches:   r.Counter("forwarder.batches.count"),
		},
	}
}

// Enqueue reports whether the event was accepted. Thread safe.
func (f *Forwarder[T]) Enqueue(event T) bool {
	f.mutex.RLock()
	defer f.mutex.RUnlock()

	if f.closed {
		f.metrics.dropped.Inc()
		return false
	}

	select {
	case f.queue <- event:
		f.metrics.enqueued.Inc()
		return true
	default:
		f.metrics.dropped.Inc()
		return false
	}
}

// Close stops accepting events. Run returns once the queue is drained.
func (f *Forwarder[T]) Close() {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	if !f.closed {
		f.closed = true
		close(f.queue)
	}
}

func (f *Forwarder[T]) Len() int {
	return len(f.queue)
}

// Run delivers queued events in enqueue order until the forwarder is closed
// or ctx is cancelled. Events queued at that point are still delivered.
func (f *Forwarder[T]) Run(ctx context.Context) error {
	batch := make([]T, 0, f.conf.MaxBatch)

	for {
		select {
		case <-ctx.Done():
			return f.drain(context.WithoutCancel(ctx), batch)
		case event, ok := <-f.queue:
			if !ok {
				return nil
			}
			batch = f.fill(append(batch[:0], event))
			if err := f.flush(ctx, batch); err != nil {
				return err
			}
		}
	}
}

// fill appends events which are already queued, without waiting.
func (f *Forwarder[T]) fill(batch []T) []T {
	for len(batch) < f.conf.MaxBatch {
		select {
		case event, ok := <-f.queue:
			if !ok {
				return batch
			}
			batch = append(batch, event)
		default:
			return batch
		}
	}
	return batch
}

func (f *Forwarder[T]) drain(ctx context.Context, batch []T) error {
	for {
		batch = f.fill(batch[:0])
		if len(batch) == 0 {
			return nil
		}
		if err := f.flush(ctx, batch); err != nil {
			return err
		}
	}
}

func (f *Forwarder[T]) flush(ctx context.Context, batch []T) error {
	if len(batch) == 0 {
		return nil
	}
	f.metrics.batches.Inc()
	f.metrics.delivered.Add(int64(len(batch)))
	return f.deliver(ctx, batch)
}
