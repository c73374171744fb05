package gpujob

import (
	"context"

	"go.uber.org/zap"

	"github.com/yandex/tracemux/internal/xmetrics"
	"github.com/yandex/tracemux/pkg/linux"
	"github.com/yandex/tracemux/pkg/xlog"
)

// Key identifies one GPU job across the three driver tracepoints.
type Key struct {
	Context  uint32
	Seqno    uint32
	Timeline string
}

// SubmitEvent is recorded on amdgpu_cs_ioctl.
type SubmitEvent struct {
	Key
	Pid         linux.ProcessID
	Tid         linux.ThreadID
	TimestampNs uint64
}

// ScheduleEvent is recorded on amdgpu_sched_run_job.
type ScheduleEvent struct {
	Key
	TimestampNs uint64
}

// FenceSignaledEvent is recorded on dma_fence_signaled.
type FenceSignaledEvent struct {
	Key
	TimestampNs uint64
}

type Job struct {
	Pid      linux.ProcessID
	Tid      linux.ThreadID
	Context  uint32
	Seqno    uint32
	Timeline string
	Depth    int

	SubmitTimeNs        uint64
	ScheduleTimeNs      uint64
	HardwareStartTimeNs uint64
	FenceSignaledTimeNs uint64
}

type Listener interface {
	OnGpuJob(job Job)
}

type ListenerFunc func(job Job)

func (f ListenerFunc) OnGpuJob(job Job) {
	f(job)
}

////////////////////////////////////////////////////////////////////////////////

type pendingJob struct {
	submit   *SubmitEvent
	schedule *ScheduleEvent
	fence    *FenceSignaledEvent
}

func (p *pendingJob) complete() bool {
	return p.submit != nil && p.schedule != nil && p.fence != nil
}

type correlatorMetrics struct {
	completed  xmetrics.Counter
	duplicates xmetrics.Counter
	dropped    xmetrics.Counter
	pending    xmetrics.IntGauge
}

// Correlator joins the three partial observations of a GPU job, which come
// from independently polled buffers and may arrive in any order.
// A job is reported exactly once, as soon as its last part arrives.
//
// Not safe for concurrent use.
type Correlator struct {
	log      xlog.Logger
	metrics  *correlatorMetrics
	listener Listener

	pending map[Key]*pendingJob

	// Jobs on one timeline execute serially, so none can start on hardware
	// before the latest fence seen on its timeline.
	latestFence map[string]uint64
	lanes       map[string]*laneAllocator
}

func NewCorrelator(l xlog.Logger, r xmetrics.Registry, listener Listener) *Correlator {
	r = r.WithPrefix("gpujob")
	return &Correlator{
		log:      l.WithName("gpujob"),
		listener: listener,
		metrics: &correlatorMetrics{
			completed:  r.Counter("jobs.completed.count"),
			duplicates: r.Counter("observations.duplicate.count"),
			dropped:    r.Counter("jobs.dropped.count"),
			pending:    r.IntGauge("jobs.pending"),
		},
		pending:     make(map[Key]*pendingJob),
		latestFence: make(map[string]uint64),
		lanes:       make(map[string]*laneAllocator),
	}
}

func (c *Correlator) OnSubmit(event SubmitEvent) {
	job := c.getPending(event.Key)
	if job.submit != nil {
		c.metrics.duplicates.Inc()
		return
	}
	job.submit = &event
	c.tryComplete(event.Key, job)
}

func (c *Correlator) OnSchedule(event ScheduleEvent) {
	job := c.getPending(event.Key)
	if job.schedule != nil {
		c.metrics.duplicates.Inc()
		return
	}
	job.schedule = &event
	c.tryComplete(event.Key, job)
}

func (c *Correlator) OnFenceSignaled(event FenceSignaledEvent) {
	job := c.getPending(event.Key)
	if job.fence != nil {
		c.metrics.duplicates.Inc()
		return
	}
	job.fence = &event
	c.tryComplete(event.Key, job)
}

// PendingCount returns the number of jobs still waiting for some part.
func (c *Correlator) PendingCount() int {
	return len(c.pending)
}

// Finish drops incomplete jobs and returns how many were dropped.
func (c *Correlator) Finish() int {
	dropped := len(c.pending)
	if dropped > 0 {
		c.log.Debug(context.TODO(), "Dropped incomplete GPU jobs", zap.Int("count", dropped))
		c.metrics.dropped.Add(int64(dropped))
	}

	c.pending = make(map[Key]*pendingJob)
	c.metrics.pending.Add(-int64(dropped))
	return dropped
}

func (c *Correlator) getPending(key Key) *pendingJob {
	job, ok := c.pending[key]
	if !ok {
		job = &pendingJob{}
		c.pending[key] = job
		c.metrics.pending.Add(1)
	}
	return job
}

func (c *Correlator) tryComplete(key Key, job *pendingJob) {
	if !job.complete() {
		return
	}
	delete(c.pending, key)
	c.metrics.pending.Add(-1)

	latestFence := c.latestFence[key.Timeline]
	hardwareStart := max(job.schedule.TimestampNs, latestFence)

	lanes, ok := c.lanes[key.Timeline]
	if !ok {
		lanes = &laneAllocator{}
		c.lanes[key.Timeline] = lanes
	}
	depth := lanes.assign(job.submit.TimestampNs, job.fence.TimestampNs)

	c.listener.OnGpuJob(Job{
		Pid:                 job.submit.Pid,
		Tid:                 job.submit.Tid,
		Context:             key.Context,
		Seqno:               key.Seqno,
		Timeline:            key.Timeline,
		Depth:               depth,
		SubmitTimeNs:        job.submit.TimestampNs,
		ScheduleTimeNs:      job.schedule.TimestampNs,
		HardwareStartTimeNs: hardwareStart,
		FenceSignaledTimeNs: job.fence.TimestampNs,
	})
	c.metrics.completed.Inc()

	c.latestFence[key.Timeline] = max(latestFence, job.fence.TimestampNs)
}
