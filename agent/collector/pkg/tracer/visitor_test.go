package tracer

import (
	"encoding/binary"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yandex/tracemux/agent/collector/pkg/gpujob"
	"github.com/yandex/tracemux/internal/xmetrics"
	"github.com/yandex/tracemux/pkg/capture"
	"github.com/yandex/tracemux/pkg/linux"
	"github.com/yandex/tracemux/pkg/linux/procfs"
	"github.com/yandex/tracemux/pkg/xlog"
)

const testMaps = `55d0f260d000-55d0f260f000 r-xp 00001000 fe:00 3415204                    /usr/local/uprobes_target
7ffcae624000-7ffcae646000 rw-p 00000000 00:00 0                          [stack]
7fffffffe000-7ffffffff000 --xp 00000000 00:00 0                          [uprobes]
`

const (
	trampoline = 0x7fffffffe000
	target     = 0x55d0f260e000
)

type fakeMaps struct {
	maps        map[linux.ProcessID]*procfs.Maps
	invalidated []linux.ProcessID
}

func newFakeMaps(t *testing.T, pid linux.ProcessID) *fakeMaps {
	maps, err := procfs.ParseMaps(strings.NewReader(testMaps), "test")
	require.NoError(t, err)
	return &fakeMaps{maps: map[linux.ProcessID]*procfs.Maps{pid: maps}}
}

func (m *fakeMaps) Get(pid linux.ProcessID) (*procfs.Maps, error) {
	maps, ok := m.maps[pid]
	if !ok {
		return nil, errors.New("no such process")
	}
	return maps, nil
}

func (m *fakeMaps) Invalidate(pid linux.ProcessID) {
	m.invalidated = append(m.invalidated, pid)
}

// wordUnwinder reads the stack as a plain list of return addresses.
type wordUnwinder struct{}

func (wordUnwinder) Unwind(_ linux.ProcessID, ip, _ uint64, stack []byte) ([]uint64, error) {
	if len(stack) == 0 {
		return nil, errors.New("empty stack")
	}
	pcs := []uint64{ip}
	for i := 0; i+8 <= len(stack); i += 8 {
		pcs = append(pcs, binary.LittleEndian.Uint64(stack[i:]))
	}
	return pcs, nil
}

type eventQueue struct {
	events []capture.Event
	full   bool
}

func (q *eventQueue) Enqueue(event capture.Event) bool {
	if q.full {
		return false
	}
	q.events = append(q.events, event)
	return true
}

func newTestVisitor(t *testing.T) (*Visitor, *eventQueue, *fakeMaps) {
	queue := &eventQueue{}
	maps := newFakeMaps(t, 10)
	v := NewVisitor(xlog.NewNop(), xmetrics.NewRegistry(), Options{}, queue, maps, wordUnwinder{})
	return v, queue, maps
}

func requireSample(t *testing.T, event capture.Event) *capture.FullCallstackSample {
	sample, ok := event.(*capture.FullCallstackSample)
	require.True(t, ok, "unexpected event %T", event)
	return sample
}

func TestVisitor_CallchainPatched(t *testing.T) {
	v, queue, _ := newTestVisitor(t)

	v.OnUprobe(11, 0x7ffcae640000, target+0x10)
	v.OnCallchainSample(10, 11, 100, []uint64{target, trampoline + 5, target + 0x20})

	require.Len(t, queue.events, 1)
	sample := requireSample(t, queue.events[0])
	assert.Equal(t, capture.CallstackComplete, sample.Callstack.Type)
	assert.Equal(t, []uint64{target, target + 0x10, target + 0x20}, sample.Callstack.PCs)
	assert.Equal(t, int32(10), sample.Pid)
	assert.Equal(t, int32(11), sample.Tid)
	assert.Equal(t, uint64(100), sample.TimestampNs)

	require.NoError(t, v.OnUretprobe(11))
	require.Error(t, v.OnUretprobe(12))
}

func TestVisitor_CallchainBufferReused(t *testing.T) {
	v, queue, _ := newTestVisitor(t)

	v.OnUprobe(11, 0x7ffcae640000, target+0x10)
	buf := []uint64{target, trampoline + 5, target + 0x20}
	v.OnCallchainSample(10, 11, 100, buf)

	assert.Equal(t, []uint64{target, trampoline + 5, target + 0x20}, buf)
	for i := range buf {
		buf[i] = 0
	}

	sample := requireSample(t, queue.events[0])
	assert.Equal(t, []uint64{target, target + 0x10, target + 0x20}, sample.Callstack.PCs)
}

func TestVisitor_CallchainPatchingFailed(t *testing.T) {
	v, queue, _ := newTestVisitor(t)

	v.OnCallchainSample(10, 11, 100, []uint64{target, trampoline, target + 0x20})

	sample := requireSample(t, queue.events[0])
	assert.Equal(t, capture.CallstackTrampolinePatchingFailed, sample.Callstack.Type)
	assert.Equal(t, []uint64{target, trampoline, target + 0x20}, sample.Callstack.PCs)
}

func TestVisitor_CallchainInTrampoline(t *testing.T) {
	v, queue, _ := newTestVisitor(t)

	v.OnUprobe(11, 0x7ffcae640000, target+0x10)
	v.OnCallchainSample(10, 11, 100, []uint64{trampoline, target})

	sample := requireSample(t, queue.events[0])
	assert.Equal(t, capture.CallstackInTrampoline, sample.Callstack.Type)
	assert.Equal(t, []uint64{trampoline, target}, sample.Callstack.PCs)
}

func TestVisitor_CallchainUnknownProcess(t *testing.T) {
	v, queue, _ := newTestVisitor(t)

	v.OnCallchainSample(99, 1, 100, []uint64{target})
	assert.Equal(t, capture.CallstackComplete, requireSample(t, queue.events[0]).Callstack.Type)

	v.OnUprobe(1, 0x7ffcae640000, target+0x10)
	v.OnCallchainSample(99, 1, 100, []uint64{target})
	assert.Equal(t, capture.CallstackTrampolinePatchingFailed, requireSample(t, queue.events[1]).Callstack.Type)
}

func TestVisitor_StackSample(t *testing.T) {
	v, queue, _ := newTestVisitor(t)

	const sp = 0x7ffcae640000
	stack := make([]byte, 16)
	binary.LittleEndian.PutUint64(stack[0:], trampoline)
	binary.LittleEndian.PutUint64(stack[8:], target+0x30)

	v.OnUprobe(11, sp, target+0x10)
	v.OnStackSample(10, 11, 200, target, sp, stack)

	sample := requireSample(t, queue.events[0])
	assert.Equal(t, capture.CallstackComplete, sample.Callstack.Type)
	assert.Equal(t, []uint64{target, target + 0x10, target + 0x30}, sample.Callstack.PCs)
}

func TestVisitor_StackSampleFailures(t *testing.T) {
	v, queue, _ := newTestVisitor(t)

	v.OnStackSample(10, 11, 200, target, 0x7ffcae640000, nil)
	sample := requireSample(t, queue.events[0])
	assert.Equal(t, capture.CallstackDwarfUnwindingError, sample.Callstack.Type)
	assert.Equal(t, []uint64{target}, sample.Callstack.PCs)

	v.OnStackSample(10, 11, 200, trampoline+8, 0x7ffcae640000, make([]byte, 8))
	sample = requireSample(t, queue.events[1])
	assert.Equal(t, capture.CallstackInTrampoline, sample.Callstack.Type)
}

func TestVisitor_StackSampleWithoutUnwinder(t *testing.T) {
	queue := &eventQueue{}
	v := NewVisitor(xlog.NewNop(), xmetrics.NewRegistry(), Options{}, queue, newFakeMaps(t, 10), nil)

	v.OnStackSample(10, 11, 300, target, 0x7ffcae640000, make([]byte, 16))
	sample := requireSample(t, queue.events[0])
	assert.Equal(t, capture.CallstackDwarfUnwindingError, sample.Callstack.Type)
	assert.Equal(t, []uint64{target}, sample.Callstack.PCs)
}

func TestVisitor_GpuJobs(t *testing.T) {
	v, queue, _ := newTestVisitor(t)

	key := gpujob.Key{Context: 43, Seqno: 53, Timeline: "gfx0"}
	v.OnGpuFenceSignaled(gpujob.FenceSignaledEvent{Key: key, TimestampNs: 1500})
	v.OnGpuSubmit(gpujob.SubmitEvent{Key: key, Pid: 10, Tid: 11, TimestampNs: 1000})
	require.Empty(t, queue.events)
	v.OnGpuSchedule(gpujob.ScheduleEvent{Key: key, TimestampNs: 1010})

	require.Len(t, queue.events, 1)
	require.Equal(t, &capture.FullGPUJob{
		Pid:                     10,
		Tid:                     11,
		Context:                 43,
		Seqno:                   53,
		Timeline:                "gfx0",
		Depth:                   0,
		AmdgpuCsIoctlTimeNs:     1000,
		AmdgpuSchedRunJobTimeNs: 1010,
		GPUHardwareStartTimeNs:  1010,
		DmaFenceSignaledTimeNs:  1500,
	}, queue.events[0])

	v.OnGpuSubmit(gpujob.SubmitEvent{Key: gpujob.Key{Context: 1, Seqno: 1, Timeline: "gfx0"}})
	require.Equal(t, 1, v.Finish())
}

func TestVisitor_MmapAndDrops(t *testing.T) {
	v, queue, maps := newTestVisitor(t)

	v.OnMmap(10)
	require.Equal(t, []linux.ProcessID{10}, maps.invalidated)

	queue.full = true
	v.OnCallchainSample(10, 11, 100, []uint64{target})
	require.Empty(t, queue.events)
}
