package profile

import (
	"fmt"
	"sync"

	"github.com/google/pprof/profile"

	"github.com/yandex/tracemux/pkg/capture"
)

const (
	SampleTypeKind = "samples"
	SampleTypeUnit = "count"

	PidLabel           = "pid"
	CallstackTypeLabel = "callstack_type"
)

type symbol struct {
	function string
	module   string
}

type sampleKey struct {
	pid         int32
	callstackID uint64
}

type ids struct {
	location uint64
	function uint64
	mapping  uint64
}

// processCache deduplicates pprof entities of one process.
type processCache struct {
	ids       *ids
	locations map[uint64]*profile.Location
	functions map[string]*profile.Function
	mappings  map[string]*profile.Mapping
}

func newProcessCache(ids *ids) *processCache {
	return &processCache{
		ids:       ids,
		locations: make(map[uint64]*profile.Location),
		functions: make(map[string]*profile.Function),
		mappings:  make(map[string]*profile.Mapping),
	}
}

// Builder aggregates the merged capture stream into a pprof profile.
// Callstacks are resolved through interned definitions, so the builder can
// consume the output of a multiplexer directly. Locations stay unsymbolized
// unless the stream carries address infos for them.
// Thread safe.
type Builder struct {
	mu sync.Mutex

	callstacks map[uint64]capture.Callstack
	strings    map[uint64]string
	symbols    map[uint64]symbol

	counts    map[sampleKey]int64
	order     []sampleKey
	undefined int

	firstTimestampNs uint64
	lastTimestampNs  uint64
}

func NewBuilder() *Builder {
	return &Builder{
		callstacks: make(map[uint64]capture.Callstack),
		strings:    make(map[uint64]string),
		symbols:    make(map[uint64]symbol),
		counts:     make(map[sampleKey]int64),
	}
}

func (b *Builder) AddEvent(event capture.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch e := event.(type) {
	case *capture.InternedCallstack:
		b.callstacks[e.Key] = e.Intern.Clone()
	case *capture.InternedString:
		b.strings[e.Key] = e.Intern
	case *capture.AddressInfo:
		b.symbols[e.AbsoluteAddress] = symbol{
			function: b.strings[e.FunctionNameKey],
			module:   b.strings[e.ModuleNameKey],
		}
	case *capture.CallstackSample:
		if _, ok := b.callstacks[e.CallstackID]; !ok {
			b.undefined++
			return
		}
		key := sampleKey{pid: e.Pid, callstackID: e.CallstackID}
		if _, ok := b.counts[key]; !ok {
			b.order = append(b.order, key)
		}
		b.counts[key]++
		b.observeTimestamp(e.TimestampNs)
	}
}

// UndefinedCallstacks returns the number of samples skipped because their
// callstack was never defined.
func (b *Builder) UndefinedCallstacks() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.undefined
}

func (b *Builder) observeTimestamp(ts uint64) {
	if b.firstTimestampNs == 0 || ts < b.firstTimestampNs {
		b.firstTimestampNs = ts
	}
	if ts > b.lastTimestampNs {
		b.lastTimestampNs = ts
	}
}

// Finish builds the profile of everything seen so far and resets the samples.
// Definitions are kept: later samples may still reference them.
func (b *Builder) Finish() (*profile.Profile, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ids := &ids{}
	caches := NewDefaultMap(func(pid int32) *processCache {
		return newProcessCache(ids)
	})

	p := &profile.Profile{
		SampleType:    []*profile.ValueType{{Type: SampleTypeKind, Unit: SampleTypeUnit}},
		PeriodType:    &profile.ValueType{Type: SampleTypeKind, Unit: SampleTypeUnit},
		Period:        1,
		TimeNanos:     int64(b.firstTimestampNs),
		DurationNanos: int64(b.lastTimestampNs - b.firstTimestampNs),
	}

	for _, key := range b.order {
		callstack := b.callstacks[key.callstackID]
		cache := caches.Get(key.pid)

		sample := &profile.Sample{
			Value:    []int64{b.counts[key]},
			NumLabel: map[string][]int64{PidLabel: {int64(key.pid)}},
		}
		if callstack.Type != capture.CallstackComplete {
			sample.NumLabel[CallstackTypeLabel] = []int64{int64(callstack.Type)}
		}
		for _, pc := range callstack.PCs {
			sample.Location = append(sample.Location, b.location(p, cache, pc))
		}
		if len(sample.Location) > 0 {
			p.Sample = append(p.Sample, sample)
		}
	}

	b.counts = make(map[sampleKey]int64)
	b.order = nil
	b.firstTimestampNs, b.lastTimestampNs = 0, 0

	// Compactify profile.
	res, err := profile.Merge([]*profile.Profile{p})
	if err != nil {
		return nil, fmt.Errorf("failed to compact profile: %w", err)
	}
	return res, nil
}

func (b *Builder) location(p *profile.Profile, cache *processCache, address uint64) *profile.Location {
	if loc, ok := cache.locations[address]; ok {
		return loc
	}

	cache.ids.location++
	loc := &profile.Location{ID: cache.ids.location, Address: address}
	cache.locations[address] = loc
	p.Location = append(p.Location, loc)

	sym, ok := b.symbols[address]
	if !ok {
		return loc
	}

	if sym.module != "" {
		mapping, ok := cache.mappings[sym.module]
		if !ok {
			cache.ids.mapping++
			mapping = &profile.Mapping{ID: cache.ids.mapping, File: sym.module}
			cache.mappings[sym.module] = mapping
			p.Mapping = append(p.Mapping, mapping)
		}
		loc.Mapping = mapping
	}

	if sym.function != "" {
		function, ok := cache.functions[sym.function]
		if !ok {
			cache.ids.function++
			function = &profile.Function{ID: cache.ids.function, Name: sym.function, SystemName: sym.function}
			cache.functions[sym.function] = function
			p.Function = append(p.Function, function)
		}
		loc.Line = []profile.Line{{Function: function}}
	}

	return loc
}
