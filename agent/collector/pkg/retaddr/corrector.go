package retaddr

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/yandex/tracemux/internal/xmetrics"
	"github.com/yandex/tracemux/pkg/linux"
	"github.com/yandex/tracemux/pkg/xlog"
)

// DefaultTrampolineMapping is how the kernel names the uretprobe trampoline page.
const DefaultTrampolineMapping = "[uprobes]"

var (
	ErrNoPendingEntry = errors.New("exit intercepted without pending entry")
)

// MemoryMap resolves a virtual address to the name of its backing mapping.
type MemoryMap interface {
	MappingName(address uint64) (string, bool)
}

// Record is the original return address saved before the trampoline overwrote it.
type Record struct {
	StackAddress  uint64
	OriginalValue uint64
}

type Options struct {
	// Name of the mapping the instrumentation redirects returns through.
	TrampolineMapping string

	// Panic on caller-contract violations instead of reporting them.
	Strict bool
}

type correctorMetrics struct {
	entries            xmetrics.Counter
	exits              xmetrics.Counter
	unmatchedExits     xmetrics.Counter
	callchainPatched   xmetrics.Counter
	callchainUnpatched xmetrics.Counter
	rawStackPatched    xmetrics.Counter
}

// Corrector undoes the return address hijacking done by function exit
// instrumentation, so that stacks captured inside instrumented functions can
// be unwound past them.
//
// Not safe for concurrent use: calls for one thread must come from a single
// ordered observer.
type Corrector struct {
	log        xlog.Logger
	metrics    *correctorMetrics
	trampoline string
	strict     bool

	pending map[linux.ThreadID][]Record
}

func NewCorrector(l xlog.Logger, r xmetrics.Registry, opts Options) *Corrector {
	if opts.TrampolineMapping == "" {
		opts.TrampolineMapping = DefaultTrampolineMapping
	}

	r = r.WithPrefix("retaddr")
	return &Corrector{
		log:        l.WithName("retaddr"),
		trampoline: opts.TrampolineMapping,
		strict:     opts.Strict,
		pending:    make(map[linux.ThreadID][]Record),
		metrics: &correctorMetrics{
			entries:            r.Counter("entries.count"),
			exits:              r.Counter("exits.count"),
			unmatchedExits:     r.Counter("exits.unmatched.count"),
			callchainPatched:   r.WithTags(xmetrics.Labels{"status": "ok"}).Counter("callchain.patch.count"),
			callchainUnpatched: r.WithTags(xmetrics.Labels{"status": "unresolvable"}).Counter("callchain.patch.count"),
			rawStackPatched:    r.Counter("stack.patched_words.count"),
		},
	}
}

// OnEntryIntercepted must be called before the trampoline overwrites the
// return address stored at stackAddress.
func (c *Corrector) OnEntryIntercepted(tid linux.ThreadID, stackAddress, originalValue uint64) {
	c.pending[tid] = append(c.pending[tid], Record{
		StackAddress:  stackAddress,
		OriginalValue: originalValue,
	})
	c.metrics.entries.Inc()
}

// OnExitIntercepted removes the most recent pending record of the thread.
// Exactly one record is removed per call, even when the intercepted frame is
// already gone because it ended with a tail call.
func (c *Corrector) OnExitIntercepted(tid linux.ThreadID) error {
	records := c.pending[tid]
	if len(records) == 0 {
		c.metrics.unmatchedExits.Inc()
		err := fmt.Errorf("thread %d: %w", tid, ErrNoPendingEntry)
		if c.strict {
			panic(err)
		}
		c.log.Warn(context.TODO(), "Unmatched function exit", zap.Int32("tid", int32(tid)))
		return err
	}

	records = records[:len(records)-1]
	if len(records) == 0 {
		delete(c.pending, tid)
	} else {
		c.pending[tid] = records
	}
	c.metrics.exits.Inc()
	return nil
}

func (c *Corrector) PendingCount(tid linux.ThreadID) int {
	return len(c.pending[tid])
}

// PatchRawStack writes original return addresses into a copy of the thread
// stack starting at base. Records are applied newest first, so when several
// records share a stack address the oldest original value wins.
// Returns the number of patched words.
func (c *Corrector) PatchRawStack(tid linux.ThreadID, base uint64, stack []byte) int {
	records := c.pending[tid]
	size := uint64(len(stack))

	patched := 0
	for i := len(records) - 1; i >= 0; i-- {
		record := records[i]
		if record.StackAddress < base {
			continue
		}
		offset := record.StackAddress - base
		if offset >= size || size-offset < 8 {
			continue
		}
		binary.LittleEndian.PutUint64(stack[offset:offset+8], record.OriginalValue)
		patched++
	}

	c.metrics.rawStackPatched.Add(int64(patched))
	return patched
}

// PatchCallchain replaces frames pointing into the trampoline mapping,
// innermost first, with pending original values taken newest first.
// Returns false and leaves the callchain untouched when there are more
// trampoline frames than pending records: some entry was lost or the
// callchain cannot be resolved.
func (c *Corrector) PatchCallchain(tid linux.ThreadID, callchain []uint64, maps MemoryMap) bool {
	var frames []int
	for i, address := range callchain {
		if c.isTrampoline(address, maps) {
			frames = append(frames, i)
		}
	}
	if len(frames) == 0 {
		c.metrics.callchainPatched.Inc()
		return true
	}

	records := c.pending[tid]
	if len(frames) > len(records) {
		c.metrics.callchainUnpatched.Inc()
		return false
	}

	next := len(records) - 1
	for _, frame := range frames {
		callchain[frame] = records[next].OriginalValue
		next--
	}

	c.metrics.callchainPatched.Inc()
	return true
}

func (c *Corrector) isTrampoline(address uint64, maps MemoryMap) bool {
	if maps == nil {
		return false
	}
	name, ok := maps.MappingName(address)
	return ok && name == c.trampoline
}
