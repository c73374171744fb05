package tracer

import (
	"context"
	"errors"
	"slices"

	"go.uber.org/zap"

	"github.com/yandex/tracemux/agent/collector/pkg/gpujob"
	"github.com/yandex/tracemux/agent/collector/pkg/retaddr"
	"github.com/yandex/tracemux/internal/xmetrics"
	"github.com/yandex/tracemux/pkg/capture"
	"github.com/yandex/tracemux/pkg/linux"
	"github.com/yandex/tracemux/pkg/linux/procfs"
	"github.com/yandex/tracemux/pkg/xlog"
)

var ErrNoUnwinder = errors.New("stack unwinder is not configured")

// EventEnqueuer accepts produced events without blocking.
type EventEnqueuer interface {
	Enqueue(event capture.Event) bool
}

// MapsProvider returns the current memory layout of a process.
// Implemented by *procfs.MapsCache.
type MapsProvider interface {
	Get(pid linux.ProcessID) (*procfs.Maps, error)
	Invalidate(pid linux.ProcessID)
}

// Unwinder turns a copy of the thread stack into a callchain, innermost first.
// Without one every raw stack sample is reported as an unwinding error.
type Unwinder interface {
	Unwind(pid linux.ProcessID, ip, sp uint64, stack []byte) ([]uint64, error)
}

type Options struct {
	TrampolineMapping string
	Strict            bool
}

type visitorMetrics struct {
	samples         xmetrics.Counter
	inTrampoline    xmetrics.Counter
	patchingFailed  xmetrics.Counter
	unwindingFailed xmetrics.Counter
	mapsFailed      xmetrics.Counter
	enqueueFailed   xmetrics.Counter
}

// Visitor turns raw observations of one traced system into capture events.
// Observations must be delivered in timestamp order per thread, from a single
// goroutine.
type Visitor struct {
	log      xlog.Logger
	metrics  *visitorMetrics
	events   EventEnqueuer
	maps     MapsProvider
	unwinder Unwinder

	trampoline string
	corrector  *retaddr.Corrector
	correlator *gpujob.Correlator
}

func NewVisitor(
	l xlog.Logger,
	r xmetrics.Registry,
	opts Options,
	events EventEnqueuer,
	maps MapsProvider,
	unwinder Unwinder,
) *Visitor {
	if opts.TrampolineMapping == "" {
		opts.TrampolineMapping = retaddr.DefaultTrampolineMapping
	}

	v := &Visitor{
		log:        l.WithName("tracer"),
		events:     events,
		maps:       maps,
		unwinder:   unwinder,
		trampoline: opts.TrampolineMapping,
		corrector: retaddr.NewCorrector(l, r, retaddr.Options{
			TrampolineMapping: opts.TrampolineMapping,
			Strict:            opts.Strict,
		}),
	}
	v.correlator = gpujob.NewCorrelator(l, r, v)

	r = r.WithPrefix("tracer")
	v.metrics = &visitorMetrics{
		samples:         r.WithTags(xmetrics.Labels{"kind": "total"}).Counter("samples.count"),
		inTrampoline:    r.WithTags(xmetrics.Labels{"kind": "in_trampoline"}).Counter("samples.count"),
		patchingFailed:  r.WithTags(xmetrics.Labels{"kind": "patching_failed"}).Counter("samples.count"),
		unwindingFailed: r.WithTags(xmetrics.Labels{"kind": "unwinding_failed"}).Counter("samples.count"),
		mapsFailed:      r.Counter("maps.errors.count"),
		enqueueFailed:   r.Counter("events.dropped.count"),
	}
	return v
}

func (v *Visitor) OnUprobe(tid linux.ThreadID, sp, returnAddress uint64) {
	v.corrector.OnEntryIntercepted(tid, sp, returnAddress)
}

func (v *Visitor) OnUretprobe(tid linux.ThreadID) error {
	return v.corrector.OnExitIntercepted(tid)
}

// OnMmap drops the cached layout of the process.
func (v *Visitor) OnMmap(pid linux.ProcessID) {
	v.maps.Invalidate(pid)
}

// OnCallchainSample handles a frame pointer callchain, innermost first.
// The callchain is copied, so the caller may reuse its buffer.
func (v *Visitor) OnCallchainSample(pid linux.ProcessID, tid linux.ThreadID, timestampNs uint64, callchain []uint64) {
	v.metrics.samples.Inc()
	callchain = slices.Clone(callchain)

	callstackType := capture.CallstackComplete
	maps, err := v.maps.Get(pid)
	switch {
	case err != nil:
		v.metrics.mapsFailed.Inc()
		v.log.Debug(context.TODO(), "Failed to read process maps", zap.Int32("pid", int32(pid)), zap.Error(err))
		if v.corrector.PendingCount(tid) > 0 {
			callstackType = capture.CallstackTrampolinePatchingFailed
		}
	case len(callchain) > 0 && v.inTrampoline(maps, callchain[0]):
		v.metrics.inTrampoline.Inc()
		callstackType = capture.CallstackInTrampoline
	case !v.corrector.PatchCallchain(tid, callchain, maps):
		v.metrics.patchingFailed.Inc()
		callstackType = capture.CallstackTrampolinePatchingFailed
	}

	v.enqueue(&capture.FullCallstackSample{
		Pid:         int32(pid),
		Tid:         int32(tid),
		TimestampNs: timestampNs,
		Callstack:   capture.Callstack{PCs: callchain, Type: callstackType},
	})
}

// OnStackSample handles a raw copy of the user stack starting at sp.
// The stack is patched in place before unwinding.
func (v *Visitor) OnStackSample(pid linux.ProcessID, tid linux.ThreadID, timestampNs uint64, ip, sp uint64, stack []byte) {
	v.metrics.samples.Inc()

	if maps, err := v.maps.Get(pid); err == nil && v.inTrampoline(maps, ip) {
		v.metrics.inTrampoline.Inc()
		v.enqueue(&capture.FullCallstackSample{
			Pid:         int32(pid),
			Tid:         int32(tid),
			TimestampNs: timestampNs,
			Callstack:   capture.Callstack{PCs: []uint64{ip}, Type: capture.CallstackInTrampoline},
		})
		return
	}

	v.corrector.PatchRawStack(tid, sp, stack)

	callstack := capture.Callstack{Type: capture.CallstackComplete}
	pcs, err := v.unwind(pid, ip, sp, stack)
	if err != nil || len(pcs) == 0 {
		v.metrics.unwindingFailed.Inc()
		v.log.Debug(context.TODO(), "Failed to unwind stack",
			zap.Int32("pid", int32(pid)),
			zap.Int32("tid", int32(tid)),
			zap.Error(err),
		)
		callstack.Type = capture.CallstackDwarfUnwindingError
		pcs = []uint64{ip}
	}
	callstack.PCs = pcs

	v.enqueue(&capture.FullCallstackSample{
		Pid:         int32(pid),
		Tid:         int32(tid),
		TimestampNs: timestampNs,
		Callstack:   callstack,
	})
}

func (v *Visitor) OnGpuSubmit(event gpujob.SubmitEvent) {
	v.correlator.OnSubmit(event)
}

func (v *Visitor) OnGpuSchedule(event gpujob.ScheduleEvent) {
	v.correlator.OnSchedule(event)
}

func (v *Visitor) OnGpuFenceSignaled(event gpujob.FenceSignaledEvent) {
	v.correlator.OnFenceSignaled(event)
}

// OnGpuJob implements gpujob.Listener.
func (v *Visitor) OnGpuJob(job gpujob.Job) {
	v.enqueue(&capture.FullGPUJob{
		Pid:                     int32(job.Pid),
		Tid:                     int32(job.Tid),
		Context:                 job.Context,
		Seqno:                   job.Seqno,
		Timeline:                job.Timeline,
		Depth:                   int32(job.Depth),
		AmdgpuCsIoctlTimeNs:     job.SubmitTimeNs,
		AmdgpuSchedRunJobTimeNs: job.ScheduleTimeNs,
		GPUHardwareStartTimeNs:  job.HardwareStartTimeNs,
		DmaFenceSignaledTimeNs:  job.FenceSignaledTimeNs,
	})
}

// Finish is called once the tracer stops. Returns the number of GPU jobs
// dropped because some of their parts never arrived.
func (v *Visitor) Finish() int {
	return v.correlator.Finish()
}

func (v *Visitor) unwind(pid linux.ProcessID, ip, sp uint64, stack []byte) ([]uint64, error) {
	if v.unwinder == nil {
		return nil, ErrNoUnwinder
	}
	return v.unwinder.Unwind(pid, ip, sp, stack)
}

func (v *Visitor) inTrampoline(maps *procfs.Maps, address uint64) bool {
	name, ok := maps.MappingName(address)
	return ok && name == v.trampoline
}

func (v *Visitor) enqueue(event capture.Event) {
	if !v.events.Enqueue(event) {
		v.metrics.enqueueFailed.Inc()
	}
}
