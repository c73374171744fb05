package gpujob

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yandex/tracemux/internal/xmetrics"
	"github.com/yandex/tracemux/pkg/xlog"
)

type jobRecorder struct {
	jobs []Job
}

func (r *jobRecorder) OnGpuJob(job Job) {
	r.jobs = append(r.jobs, job)
}

func newTestCorrelator() (*Correlator, *jobRecorder) {
	rec := &jobRecorder{}
	return NewCorrelator(xlog.NewNop(), xmetrics.NewRegistry(), rec), rec
}

type observation func(c *Correlator)

func observations(key Key, submit, schedule, fence uint64) []observation {
	return []observation{
		func(c *Correlator) {
			c.OnSubmit(SubmitEvent{Key: key, Pid: 41, Tid: 42, TimestampNs: submit})
		},
		func(c *Correlator) {
			c.OnSchedule(ScheduleEvent{Key: key, TimestampNs: schedule})
		},
		func(c *Correlator) {
			c.OnFenceSignaled(FenceSignaledEvent{Key: key, TimestampNs: fence})
		},
	}
}

func TestCorrelator_AllPermutations(t *testing.T) {
	key := Key{Context: 43, Seqno: 53, Timeline: "gfx0"}
	expected := Job{
		Pid:                 41,
		Tid:                 42,
		Context:             43,
		Seqno:               53,
		Timeline:            "gfx0",
		Depth:               0,
		SubmitTimeNs:        1000,
		ScheduleTimeNs:      1010,
		HardwareStartTimeNs: 1010,
		FenceSignaledTimeNs: 1500,
	}

	for _, order := range [][3]int{
		{0, 1, 2}, {0, 2, 1}, {1, 0, 2}, {1, 2, 0}, {2, 0, 1}, {2, 1, 0},
	} {
		c, rec := newTestCorrelator()
		obs := observations(key, 1000, 1010, 1500)

		obs[order[0]](c)
		require.Empty(t, rec.jobs)
		obs[order[1]](c)
		require.Empty(t, rec.jobs)
		require.Equal(t, 1, c.PendingCount())
		obs[order[2]](c)

		require.Equal(t, []Job{expected}, rec.jobs, "order %v", order)
		require.Zero(t, c.PendingCount())
	}
}

func TestCorrelator_HardwareStartWaitsForPreviousFence(t *testing.T) {
	c, rec := newTestCorrelator()

	for _, obs := range observations(Key{1, 1, "gfx0"}, 100, 110, 5000) {
		obs(c)
	}
	// Scheduled while the first job still runs.
	for _, obs := range observations(Key{1, 2, "gfx0"}, 200, 210, 6000) {
		obs(c)
	}
	// Other timelines are independent.
	for _, obs := range observations(Key{1, 3, "sdma0"}, 300, 310, 400) {
		obs(c)
	}

	require.Len(t, rec.jobs, 3)
	assert.Equal(t, uint64(110), rec.jobs[0].HardwareStartTimeNs)
	assert.Equal(t, uint64(5000), rec.jobs[1].HardwareStartTimeNs)
	assert.Equal(t, uint64(310), rec.jobs[2].HardwareStartTimeNs)

	assert.Equal(t, 0, rec.jobs[0].Depth)
	assert.Equal(t, 1, rec.jobs[1].Depth)
	assert.Equal(t, 0, rec.jobs[2].Depth)
}

func TestCorrelator_FenceWatermarkIsMonotonic(t *testing.T) {
	c, rec := newTestCorrelator()

	// Completes out of timeline order: the later job's fence is seen first.
	for _, obs := range observations(Key{1, 2, "gfx0"}, 200, 210, 9000) {
		obs(c)
	}
	for _, obs := range observations(Key{1, 1, "gfx0"}, 100, 110, 5000) {
		obs(c)
	}
	for _, obs := range observations(Key{1, 3, "gfx0"}, 300, 310, 9500) {
		obs(c)
	}

	require.Len(t, rec.jobs, 3)
	assert.Equal(t, uint64(9000), rec.jobs[1].HardwareStartTimeNs)
	assert.Equal(t, uint64(9000), rec.jobs[2].HardwareStartTimeNs)
}

func TestCorrelator_DuplicateObservation(t *testing.T) {
	c, rec := newTestCorrelator()
	key := Key{7, 7, "gfx0"}

	c.OnSchedule(ScheduleEvent{Key: key, TimestampNs: 20})
	c.OnSchedule(ScheduleEvent{Key: key, TimestampNs: 999})
	c.OnSubmit(SubmitEvent{Key: key, TimestampNs: 10})
	c.OnFenceSignaled(FenceSignaledEvent{Key: key, TimestampNs: 30})

	require.Len(t, rec.jobs, 1)
	require.Equal(t, uint64(20), rec.jobs[0].ScheduleTimeNs)
}

func TestCorrelator_Finish(t *testing.T) {
	c, rec := newTestCorrelator()

	c.OnSubmit(SubmitEvent{Key: Key{1, 1, "gfx0"}, TimestampNs: 10})
	c.OnSchedule(ScheduleEvent{Key: Key{1, 2, "gfx0"}, TimestampNs: 10})
	c.OnFenceSignaled(FenceSignaledEvent{Key: Key{1, 2, "gfx0"}, TimestampNs: 20})
	require.Equal(t, 2, c.PendingCount())

	require.Equal(t, 2, c.Finish())
	require.Zero(t, c.PendingCount())
	require.Empty(t, rec.jobs)

	// Late parts start a fresh pending job.
	c.OnSubmit(SubmitEvent{Key: Key{1, 2, "gfx0"}, TimestampNs: 5})
	require.Empty(t, rec.jobs)
	require.Equal(t, 1, c.Finish())
}

func TestCorrelator_SharedPendingGauge(t *testing.T) {
	r := xmetrics.NewRegistry()
	first := NewCorrelator(xlog.NewNop(), r, &jobRecorder{})
	second := NewCorrelator(xlog.NewNop(), r, &jobRecorder{})

	first.OnSubmit(SubmitEvent{Key: Key{1, 1, "gfx0"}, TimestampNs: 10})
	second.OnSubmit(SubmitEvent{Key: Key{1, 1, "gfx0"}, TimestampNs: 10})
	second.OnSubmit(SubmitEvent{Key: Key{1, 2, "gfx0"}, TimestampNs: 20})

	values, err := r.Gather()
	require.NoError(t, err)
	require.Equal(t, 3.0, values["gpujob_jobs_pending"])

	require.Equal(t, 1, first.Finish())

	values, err = r.Gather()
	require.NoError(t, err)
	require.Equal(t, 2.0, values["gpujob_jobs_pending"])
}

func TestCorrelator_Randomized(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	c, rec := newTestCorrelator()

	timelines := []string{"gfx0", "sdma0", "comp_1.0.0"}
	var all []observation
	for seqno := uint32(0); seqno < 300; seqno++ {
		submit := uint64(rng.Int63n(1_000_000_000))
		schedule := submit + uint64(rng.Int63n(10_000_000))
		fence := schedule + uint64(rng.Int63n(10_000_000))
		key := Key{Context: seqno % 4, Seqno: seqno, Timeline: timelines[rng.Intn(len(timelines))]}
		all = append(all, observations(key, submit, schedule, fence)...)
	}
	rng.Shuffle(len(all), func(i, j int) { all[i], all[j] = all[j], all[i] })
	for _, obs := range all {
		obs(c)
	}

	require.Len(t, rec.jobs, 300)
	require.Zero(t, c.PendingCount())

	type interval struct{ begin, end uint64 }
	lanes := map[string]map[int][]interval{}
	for _, job := range rec.jobs {
		require.GreaterOrEqual(t, job.HardwareStartTimeNs, job.ScheduleTimeNs)

		if lanes[job.Timeline] == nil {
			lanes[job.Timeline] = map[int][]interval{}
		}
		lanes[job.Timeline][job.Depth] = append(lanes[job.Timeline][job.Depth], interval{job.SubmitTimeNs, job.FenceSignaledTimeNs})
	}

	// Jobs placed on one lane follow each other with slack, in emission order.
	for timeline, byDepth := range lanes {
		for depth, intervals := range byDepth {
			for i := 1; i < len(intervals); i++ {
				require.GreaterOrEqual(t, intervals[i].begin, intervals[i-1].end+LaneSlackNs,
					"timeline %s depth %d", timeline, depth)
			}
		}
	}
}

func TestLaneAllocator(t *testing.T) {
	var a laneAllocator
	require.Equal(t, 0, a.assign(0, 100))
	require.Equal(t, 1, a.assign(50, 200))
	require.Equal(t, 2, a.assign(1_000_099, 1_000_500))
	require.Equal(t, 0, a.assign(1_000_100, 1_000_200))
	require.Equal(t, 1, a.assign(1_000_200, 1_000_300))
	require.Equal(t, 3, a.size())
}
