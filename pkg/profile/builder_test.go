package profile

import (
	"bytes"
	"testing"

	"github.com/google/pprof/profile"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yandex/tracemux/pkg/capture"
)

func sampleValues(p *profile.Profile) map[int64]int64 {
	res := map[int64]int64{}
	for _, s := range p.Sample {
		res[s.NumLabel[PidLabel][0]] += s.Value[0]
	}
	return res
}

func TestBuilder_Aggregates(t *testing.T) {
	b := NewBuilder()

	b.AddEvent(&capture.InternedCallstack{Key: 1, Intern: capture.Callstack{PCs: []uint64{0x10, 0x20, 0x30}}})
	b.AddEvent(&capture.InternedCallstack{Key: 2, Intern: capture.Callstack{PCs: []uint64{0x11, 0x20, 0x30}}})
	b.AddEvent(&capture.CallstackSample{Pid: 1, TimestampNs: 100, CallstackID: 1})
	b.AddEvent(&capture.CallstackSample{Pid: 1, TimestampNs: 300, CallstackID: 1})
	b.AddEvent(&capture.CallstackSample{Pid: 1, TimestampNs: 200, CallstackID: 2})
	b.AddEvent(&capture.CallstackSample{Pid: 2, TimestampNs: 250, CallstackID: 2})
	b.AddEvent(&capture.SchedulingSlice{Pid: 1})

	p, err := b.Finish()
	require.NoError(t, err)
	require.NoError(t, p.CheckValid())

	require.Equal(t, "samples", p.SampleType[0].Type)
	require.Equal(t, "count", p.SampleType[0].Unit)
	require.Equal(t, int64(100), p.TimeNanos)
	require.Equal(t, int64(200), p.DurationNanos)

	require.Len(t, p.Sample, 3)
	require.Equal(t, map[int64]int64{1: 3, 2: 1}, sampleValues(p))

	for _, s := range p.Sample {
		require.Len(t, s.Location, 3)
		assert.Equal(t, uint64(0x30), s.Location[2].Address)
	}

	var buf bytes.Buffer
	require.NoError(t, p.Write(&buf))
	parsed, err := profile.Parse(&buf)
	require.NoError(t, err)
	require.Len(t, parsed.Sample, 3)
}

func TestBuilder_UndefinedCallstack(t *testing.T) {
	b := NewBuilder()

	b.AddEvent(&capture.CallstackSample{Pid: 1, CallstackID: 7})
	b.AddEvent(&capture.InternedCallstack{Key: 7, Intern: capture.Callstack{PCs: []uint64{0x10}}})
	b.AddEvent(&capture.CallstackSample{Pid: 1, CallstackID: 7})

	require.Equal(t, 1, b.UndefinedCallstacks())

	p, err := b.Finish()
	require.NoError(t, err)
	require.Len(t, p.Sample, 1)
	require.Equal(t, int64(1), p.Sample[0].Value[0])
}

func TestBuilder_Symbolized(t *testing.T) {
	b := NewBuilder()

	b.AddEvent(&capture.InternedString{Key: 1, Intern: "main"})
	b.AddEvent(&capture.InternedString{Key: 2, Intern: "/usr/bin/app"})
	b.AddEvent(&capture.AddressInfo{AbsoluteAddress: 0x20, FunctionNameKey: 1, ModuleNameKey: 2})
	b.AddEvent(&capture.InternedCallstack{Key: 1, Intern: capture.Callstack{
		PCs:  []uint64{0x10, 0x20},
		Type: capture.CallstackTrampolinePatchingFailed,
	}})
	b.AddEvent(&capture.CallstackSample{Pid: 3, CallstackID: 1})

	p, err := b.Finish()
	require.NoError(t, err)
	require.Len(t, p.Sample, 1)

	sample := p.Sample[0]
	require.Equal(t, []int64{int64(capture.CallstackTrampolinePatchingFailed)}, sample.NumLabel[CallstackTypeLabel])
	require.Empty(t, sample.Location[0].Line)
	require.Len(t, sample.Location[1].Line, 1)
	require.Equal(t, "main", sample.Location[1].Line[0].Function.Name)
	require.Equal(t, "/usr/bin/app", sample.Location[1].Mapping.File)

	// Samples are reset, definitions are kept.
	b.AddEvent(&capture.CallstackSample{Pid: 3, CallstackID: 1})
	p, err = b.Finish()
	require.NoError(t, err)
	require.Len(t, p.Sample, 1)
	require.Zero(t, b.UndefinedCallstacks())
}

func TestDefaultMap(t *testing.T) {
	created := 0
	m := NewDefaultMap(func(k int) *string {
		created++
		s := "value"
		return &s
	})

	first := m.Get(1)
	require.Same(t, first, m.Get(1))
	m.Get(2)
	require.Equal(t, 2, created)
	require.Equal(t, 2, m.Len())

	m.Clear()
	require.Zero(t, m.Len())
}
