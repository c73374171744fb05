package session

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/gofrs/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/yandex/tracemux/agent/collector/pkg/forwarder"
	"github.com/yandex/tracemux/internal/producerevents"
	"github.com/yandex/tracemux/internal/xmetrics"
	"github.com/yandex/tracemux/pkg/capture"
	"github.com/yandex/tracemux/pkg/xlog"
)

var (
	ErrSessionStarted = errors.New("capture session is already running")
)

type Config struct {
	Forwarder forwarder.Config `yaml:"forwarder"`

	// Panic on references to unknown interning keys.
	Strict bool `yaml:"strict"`
}

type sessionMetrics struct {
	producers xmetrics.IntGauge
	rejected  xmetrics.Counter
}

// Session is one capture: a set of producers whose streams are merged into a
// single stream with global interning keys and fanned out to the sinks.
type Session struct {
	id      uuid.UUID
	conf    Config
	log     xlog.Logger
	reg     xmetrics.Registry
	metrics *sessionMetrics
	tracer  trace.Tracer

	processor *producerevents.Processor
	sinks     []producerevents.EventSink

	mutex     sync.Mutex
	started   bool
	producers map[capture.ProducerID]*Producer
}

func New(l xlog.Logger, r xmetrics.Registry, conf Config, sinks ...producerevents.EventSink) (*Session, error) {
	id, err := uuid.NewV4()
	if err != nil {
		return nil, fmt.Errorf("failed to generate session id: %w", err)
	}

	l = l.WithName("session").With(zap.Stringer("session", id))
	r = r.WithPrefix("session")

	s := &Session{
		id:        id,
		conf:      conf,
		log:       l,
		reg:       r,
		tracer:    otel.Tracer("tracemux session"),
		sinks:     sinks,
		producers: make(map[capture.ProducerID]*Producer),
		metrics: &sessionMetrics{
			producers: r.IntGauge("producers.count"),
			rejected:  r.Counter("events.rejected.count"),
		},
	}
	s.processor = producerevents.NewProcessor(
		producerevents.EventSinkFunc(s.broadcast),
		producerevents.WithLogger(l),
		producerevents.WithMetrics(r),
		producerevents.WithStrict(conf.Strict),
	)
	return s, nil
}

func (s *Session) ID() uuid.UUID {
	return s.id
}

func (s *Session) Stats() producerevents.Stats {
	return s.processor.Stats()
}

// Producer returns the handle of the producer, registering it on first use.
// Producers must be registered before Run.
func (s *Session) Producer(id capture.ProducerID) (*Producer, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if p, ok := s.producers[id]; ok {
		return p, nil
	}
	if s.started {
		return nil, fmt.Errorf("failed to register producer %d: %w", id, ErrSessionStarted)
	}

	p := &Producer{id: id}
	p.forwarder = forwarder.New(
		s.conf.Forwarder,
		s.reg.WithTags(xmetrics.Labels{"producer": fmt.Sprint(uint64(id))}),
		func(ctx context.Context, batch []capture.Event) error {
			return s.deliver(ctx, id, batch)
		},
	)
	s.producers[id] = p
	s.metrics.producers.Set(int64(len(s.producers)))

	s.log.Debug(context.TODO(), "Registered producer", zap.Uint64("producer", uint64(id)))
	return p, nil
}

// Run merges the producer streams until every producer is closed or ctx is
// cancelled. A producer violating the interning protocol aborts the session
// with an error matching producerevents.ErrProtocolViolation, and no event of
// any producer reaches the sinks after the violation.
func (s *Session) Run(ctx context.Context) (err error) {
	s.mutex.Lock()
	if s.started {
		s.mutex.Unlock()
		return ErrSessionStarted
	}
	s.started = true
	producers := make([]*Producer, 0, len(s.producers))
	for _, p := range s.producers {
		producers = append(producers, p)
	}
	s.mutex.Unlock()

	ctx, span := s.tracer.Start(ctx, "session.(*Session).Run",
		trace.WithAttributes(
			attribute.String("session.id", s.id.String()),
			attribute.Int("session.producers", len(producers)),
		),
	)
	defer span.End()
	defer func() {
		if err != nil {
			span.SetStatus(otelcodes.Error, err.Error())
			span.RecordError(err)
		}
	}()

	ctx = xlog.WrapContext(ctx, zap.Stringer("session", s.id))
	s.log.Info(ctx, "Started capture session", zap.Int("producers", len(producers)))

	g, ctx := errgroup.WithContext(ctx)
	for _, p := range producers {
		p := p
		g.Go(func() error {
			return p.forwarder.Run(ctx)
		})
	}
	err = g.Wait()

	stats := s.processor.Stats()
	span.SetAttributes(
		attribute.Int64("session.events.forwarded", int64(stats.Forwarded)),
		attribute.Int64("session.definitions", int64(stats.Definitions)),
	)
	s.log.Info(ctx, "Finished capture session",
		zap.Uint64("forwarded", stats.Forwarded),
		zap.Uint64("definitions", stats.Definitions),
		zap.Uint64("deduplicated", stats.Deduplicated),
		zap.Uint64("unknown_keys", stats.UnknownKeys),
		zap.Error(err),
	)
	return err
}

// Close stops accepting events from every producer. Run returns once the
// queued events are merged.
func (s *Session) Close() {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	for _, p := range s.producers {
		p.forwarder.Close()
	}
}

func (s *Session) deliver(ctx context.Context, producer capture.ProducerID, batch []capture.Event) error {
	for _, event := range batch {
		err := s.processor.ProcessEvent(producer, event)
		switch {
		case err == nil:
		case errors.Is(err, producerevents.ErrProtocolViolation):
			return fmt.Errorf("session %s aborted: %w", s.id, err)
		default:
			s.metrics.rejected.Inc()
			s.log.Debug(ctx, "Rejected producer event", zap.Uint64("producer", uint64(producer)), zap.Error(err))
		}
	}
	return nil
}

func (s *Session) broadcast(event capture.Event) {
	for _, sink := range s.sinks {
		sink.AddEvent(event)
	}
}

////////////////////////////////////////////////////////////////////////////////

// Producer is the sending side of one event source.
type Producer struct {
	id        capture.ProducerID
	forwarder *forwarder.Forwarder[capture.Event]
}

func (p *Producer) ID() capture.ProducerID {
	return p.id
}

// Send enqueues the event without blocking. Returns false if the event was
// dropped because the producer queue is full or closed.
func (p *Producer) Send(event capture.Event) bool {
	return p.forwarder.Enqueue(event)
}

// Enqueue lets the producer act as the output of a tracer visitor.
func (p *Producer) Enqueue(event capture.Event) bool {
	return p.Send(event)
}

// Close marks the end of the producer stream.
func (p *Producer) Close() {
	p.forwarder.Close()
}
