package producerevents

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"go.uber.org/zap"

	"github.com/yandex/tracemux/internal/xmetrics"
	"github.com/yandex/tracemux/pkg/capture"
	"github.com/yandex/tracemux/pkg/xlog"
)

var (
	ErrProtocolViolation = errors.New("producer protocol violation")
	ErrUnknownKey        = errors.New("unknown interning key")
	ErrUnsupportedEvent  = errors.New("unsupported event")
)

// ProtocolViolationError is returned when a producer breaks the interning
// contract, e.g. by binding one of its keys to different content twice.
// Merged output cannot be trusted after that.
type ProtocolViolationError struct {
	Producer capture.ProducerID
	Kind     capture.Kind
	Key      uint64
	Reason   string
}

func (e *ProtocolViolationError) Error() string {
	return fmt.Sprintf("producer %d violated protocol on %s key %d: %s", e.Producer, e.Kind, e.Key, e.Reason)
}

func (e *ProtocolViolationError) Is(target error) bool {
	return target == ErrProtocolViolation
}

// EventSink receives the merged stream. Calls are serialized.
type EventSink interface {
	AddEvent(event capture.Event)
}

type EventSinkFunc func(event capture.Event)

func (f EventSinkFunc) AddEvent(event capture.Event) {
	f(event)
}

type Stats struct {
	Forwarded    uint64
	Definitions  uint64
	Deduplicated uint64
	UnknownKeys  uint64
	Violations   uint64
}

////////////////////////////////////////////////////////////////////////////////

type Option func(p *Processor)

func WithLogger(l xlog.Logger) Option {
	return func(p *Processor) {
		p.log = l.WithName("producerevents")
	}
}

func WithMetrics(r xmetrics.Registry) Option {
	return func(p *Processor) {
		p.metrics = newProcessorMetrics(r)
	}
}

// WithStrict makes unresolvable references panic instead of returning
// ErrUnknownKey.
func WithStrict(strict bool) Option {
	return func(p *Processor) {
		p.strict = strict
	}
}

type processorMetrics struct {
	forwarded    xmetrics.Counter
	definitions  xmetrics.Counter
	deduplicated xmetrics.Counter
	unknownKeys  xmetrics.Counter
	violations   xmetrics.Counter
}

func newProcessorMetrics(r xmetrics.Registry) *processorMetrics {
	r = r.WithPrefix("producerevents")
	return &processorMetrics{
		forwarded:    r.Counter("events.forwarded.count"),
		definitions:  r.Counter("definitions.count"),
		deduplicated: r.Counter("definitions.deduplicated.count"),
		unknownKeys:  r.Counter("keys.unknown.count"),
		violations:   r.Counter("protocol.violations.count"),
	}
}

type binding struct {
	producer capture.ProducerID
	key      uint64
}

// Processor merges event streams of several producers into one stream with
// a single global key space per kind of interned content. Every distinct
// content is defined exactly once in the output, and its definition always
// precedes the first event referencing it.
type Processor struct {
	log     xlog.Logger
	metrics *processorMetrics
	strict  bool
	sink    EventSink

	mutex sync.Mutex
	stats Stats
	// First protocol violation. Nothing is merged after it.
	failure error

	callstacks      *internTable[capture.Callstack]
	strings         *internTable[string]
	tracepointInfos *internTable[capture.TracepointInfo]

	callstackBindings      map[binding]uint64
	stringBindings         map[binding]uint64
	tracepointInfoBindings map[binding]uint64
}

func NewProcessor(sink EventSink, opts ...Option) *Processor {
	p := &Processor{
		log:  xlog.NewNop(),
		sink: sink,

		callstacks:      newInternTable(hashCallstack, equalCallstack, cloneCallstack),
		strings:         newInternTable(hashString, equalString, cloneString),
		tracepointInfos: newInternTable(hashTracepointInfo, equalTracepointInfo, cloneTracepointInfo),

		callstackBindings:      make(map[binding]uint64),
		stringBindings:         make(map[binding]uint64),
		tracepointInfoBindings: make(map[binding]uint64),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.metrics == nil {
		p.metrics = newProcessorMetrics(xmetrics.NewRegistry())
	}
	return p
}

func (p *Processor) Stats() Stats {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return p.stats
}

// ProcessEvent translates one producer event into zero or more output events.
// Either all output of the event is emitted or none of it. After a protocol
// violation every event of every producer is refused with an error matching
// ErrProtocolViolation.
func (p *Processor) ProcessEvent(producer capture.ProducerID, event capture.Event) error {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	if p.failure != nil {
		return fmt.Errorf("merged stream is aborted: %w", p.failure)
	}

	err := p.processEvent(producer, event)
	switch {
	case err == nil:
	case errors.Is(err, ErrProtocolViolation):
		p.failure = err
		p.stats.Violations++
		p.metrics.violations.Inc()
		p.log.Error(context.TODO(), "Producer protocol violation",
			zap.Uint64("producer", uint64(producer)),
			zap.Error(err),
		)
	case errors.Is(err, ErrUnknownKey):
		p.stats.UnknownKeys++
		p.metrics.unknownKeys.Inc()
		if p.strict {
			panic(err)
		}
		p.log.Warn(context.TODO(), "Dropped event referencing unknown key",
			zap.Uint64("producer", uint64(producer)),
			zap.Error(err),
		)
	}
	return err
}

func (p *Processor) processEvent(producer capture.ProducerID, event capture.Event) error {
	switch e := event.(type) {
	case *capture.SchedulingSlice,
		*capture.ThreadName,
		*capture.ThreadNamesSnapshot,
		*capture.ThreadStateSlice,
		*capture.FunctionCall,
		*capture.ModuleUpdateEvent,
		*capture.ModulesSnapshot,
		*capture.CaptureStarted,
		*capture.MetadataEvent,
		*capture.ClockResolutionEvent,
		*capture.ErrorsWithPerfEventOpen,
		*capture.LostPerfRecordsEvent:
		p.forward(event)
		return nil

	case *capture.InternedCallstack:
		return bindInterned(p, producer, e.Kind(), e.Key, &e.Intern, p.callstacks, p.callstackBindings,
			func(key uint64, value capture.Callstack) capture.Event {
				return &capture.InternedCallstack{Key: key, Intern: value}
			})

	case *capture.InternedString:
		return bindInterned(p, producer, e.Kind(), e.Key, &e.Intern, p.strings, p.stringBindings,
			func(key uint64, value string) capture.Event {
				return &capture.InternedString{Key: key, Intern: value}
			})

	case *capture.InternedTracepointInfo:
		return bindInterned(p, producer, e.Kind(), e.Key, &e.Intern, p.tracepointInfos, p.tracepointInfoBindings,
			func(key uint64, value capture.TracepointInfo) capture.Event {
				return &capture.InternedTracepointInfo{Key: key, Intern: value}
			})

	case *capture.CallstackSample:
		key, err := p.resolve(producer, e.Kind(), e.CallstackID, p.callstackBindings)
		if err != nil {
			return err
		}
		sample := *e
		sample.CallstackID = key
		p.forward(&sample)
		return nil

	case *capture.TracepointEvent:
		key, err := p.resolve(producer, e.Kind(), e.TracepointInfoKey, p.tracepointInfoBindings)
		if err != nil {
			return err
		}
		tracepoint := *e
		tracepoint.TracepointInfoKey = key
		p.forward(&tracepoint)
		return nil

	case *capture.GPUQueueSubmission:
		markers := slices.Clone(e.CompletedMarkers)
		for i := range markers {
			key, err := p.resolve(producer, e.Kind(), markers[i].TextKey, p.stringBindings)
			if err != nil {
				return err
			}
			markers[i].TextKey = key
		}
		submission := *e
		submission.CompletedMarkers = markers
		p.forward(&submission)
		return nil

	case *capture.FullCallstackSample:
		key := internAndDefine(p, p.callstacks, &e.Callstack, func(key uint64, value capture.Callstack) capture.Event {
			return &capture.InternedCallstack{Key: key, Intern: value}
		})
		p.forward(&capture.CallstackSample{
			Pid:         e.Pid,
			Tid:         e.Tid,
			TimestampNs: e.TimestampNs,
			CallstackID: key,
		})
		return nil

	case *capture.FullTracepointEvent:
		key := internAndDefine(p, p.tracepointInfos, &e.TracepointInfo, func(key uint64, value capture.TracepointInfo) capture.Event {
			return &capture.InternedTracepointInfo{Key: key, Intern: value}
		})
		p.forward(&capture.TracepointEvent{
			Pid:               e.Pid,
			Tid:               e.Tid,
			CPU:               e.CPU,
			TimestampNs:       e.TimestampNs,
			TracepointInfoKey: key,
		})
		return nil

	case *capture.FullGPUJob:
		key := internAndDefine(p, p.strings, &e.Timeline, newInternedString)
		p.forward(&capture.GPUJob{
			Pid:                     e.Pid,
			Tid:                     e.Tid,
			Context:                 e.Context,
			Seqno:                   e.Seqno,
			TimelineKey:             key,
			Depth:                   e.Depth,
			AmdgpuCsIoctlTimeNs:     e.AmdgpuCsIoctlTimeNs,
			AmdgpuSchedRunJobTimeNs: e.AmdgpuSchedRunJobTimeNs,
			GPUHardwareStartTimeNs:  e.GPUHardwareStartTimeNs,
			DmaFenceSignaledTimeNs:  e.DmaFenceSignaledTimeNs,
		})
		return nil

	case *capture.FullAddressInfo:
		functionKey := internAndDefine(p, p.strings, &e.FunctionName, newInternedString)
		moduleKey := internAndDefine(p, p.strings, &e.ModuleName, newInternedString)
		p.forward(&capture.AddressInfo{
			AbsoluteAddress:  e.AbsoluteAddress,
			OffsetInFunction: e.OffsetInFunction,
			FunctionNameKey:  functionKey,
			ModuleNameKey:    moduleKey,
		})
		return nil

	default:
		if event == nil {
			return fmt.Errorf("%w: nil event from producer %d", ErrUnsupportedEvent, producer)
		}
		return fmt.Errorf("%w: %s from producer %d", ErrUnsupportedEvent, event.Kind(), producer)
	}
}

func newInternedString(key uint64, value string) capture.Event {
	return &capture.InternedString{Key: key, Intern: value}
}

func (p *Processor) forward(event capture.Event) {
	p.sink.AddEvent(event)
	p.stats.Forwarded++
	p.metrics.forwarded.Inc()
}

// internAndDefine returns the global key of the content and emits its
// definition the first time the content is seen.
func internAndDefine[T any](p *Processor, table *internTable[T], value *T, define func(uint64, T) capture.Event) uint64 {
	key, created := table.intern(value)
	if created {
		p.sink.AddEvent(define(key, table.clone(value)))
		p.stats.Definitions++
		p.metrics.definitions.Inc()
	} else {
		p.stats.Deduplicated++
		p.metrics.deduplicated.Inc()
	}
	return key
}

func bindInterned[T any](
	p *Processor,
	producer capture.ProducerID,
	kind capture.Kind,
	localKey uint64,
	value *T,
	table *internTable[T],
	bindings map[binding]uint64,
	define func(uint64, T) capture.Event,
) error {
	if localKey == capture.InvalidKey {
		return &ProtocolViolationError{Producer: producer, Kind: kind, Key: localKey, Reason: "reserved key"}
	}

	b := binding{producer: producer, key: localKey}
	if bound, ok := bindings[b]; ok {
		if key, found := table.find(value); found && key == bound {
			return nil
		}
		return &ProtocolViolationError{Producer: producer, Kind: kind, Key: localKey, Reason: "key rebound to different content"}
	}

	bindings[b] = internAndDefine(p, table, value, define)
	return nil
}

func (p *Processor) resolve(producer capture.ProducerID, kind capture.Kind, localKey uint64, bindings map[binding]uint64) (uint64, error) {
	key, ok := bindings[binding{producer: producer, key: localKey}]
	if !ok {
		return capture.InvalidKey, fmt.Errorf("%w: %s references key %d of producer %d", ErrUnknownKey, kind, localKey, producer)
	}
	return key, nil
}
