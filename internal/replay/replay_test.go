package replay

import (
	"context"
	"os"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yandex/tracemux/agent/collector/pkg/config"
	"github.com/yandex/tracemux/internal/producerevents"
	"github.com/yandex/tracemux/internal/xmetrics"
	"github.com/yandex/tracemux/pkg/capture"
	"github.com/yandex/tracemux/pkg/profile"
	"github.com/yandex/tracemux/pkg/xlog"
)

type callstacks struct {
	mutex  sync.Mutex
	values []capture.Callstack
}

func (c *callstacks) AddEvent(event capture.Event) {
	if e, ok := event.(*capture.InternedCallstack); ok {
		c.mutex.Lock()
		defer c.mutex.Unlock()
		c.values = append(c.values, e.Intern)
	}
}

func defaultConfig() *config.Config {
	conf := &config.Config{}
	conf.FillDefault()
	return conf
}

func parseFile(t *testing.T, path string) *Script {
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	script, err := Parse(f)
	require.NoError(t, err)
	return script
}

func TestReplay_Capture(t *testing.T) {
	script := parseFile(t, "testdata/capture.yaml")
	require.Len(t, script.Producers, 3)

	builder := profile.NewBuilder()
	defined := &callstacks{}
	res, err := Run(context.Background(), xlog.NewNop(), xmetrics.NewRegistry(), defaultConfig(), script, builder, defined)
	require.NoError(t, err)

	assert.Equal(t, uint64(1), res.Kinds[capture.KindCaptureStarted])
	assert.Equal(t, uint64(1), res.Kinds[capture.KindThreadName])
	assert.Equal(t, uint64(2), res.Kinds[capture.KindInternedString])
	assert.Equal(t, uint64(2), res.Kinds[capture.KindInternedCallstack])
	assert.Equal(t, uint64(3), res.Kinds[capture.KindCallstackSample])
	assert.Equal(t, uint64(1), res.Kinds[capture.KindGPUJob])

	assert.Equal(t, 1, res.UnmatchedExits)
	assert.Equal(t, 1, res.IncompleteGpuJobs)
	assert.Equal(t, uint64(4), res.Stats.Definitions)
	assert.Equal(t, uint64(1), res.Stats.Deduplicated)

	require.Len(t, defined.values, 2)
	assert.Contains(t, defined.values, capture.Callstack{
		PCs:  []uint64{0x55d0f260e000, 0x55d0f260e010},
		Type: capture.CallstackComplete,
	})

	p, err := builder.Finish()
	require.NoError(t, err)
	require.Len(t, p.Sample, 2)

	total := int64(0)
	for _, sample := range p.Sample {
		total += sample.Value[0]
	}
	assert.Equal(t, int64(3), total)
}

func TestReplay_ProtocolViolation(t *testing.T) {
	script, err := Parse(strings.NewReader(`
producers:
  - id: 1
    events:
      - interned_string: {key: 1, intern: main}
      - interned_string: {key: 1, intern: worker}
  - id: 2
    events:
      - thread_name: {pid: 1, tid: 2, name: worker}
`))
	require.NoError(t, err)

	_, err = Run(context.Background(), xlog.NewNop(), xmetrics.NewRegistry(), defaultConfig(), script)
	require.ErrorIs(t, err, producerevents.ErrProtocolViolation)
}

func TestReplay_SmallQueue(t *testing.T) {
	var b strings.Builder
	b.WriteString("producers:\n  - id: 1\n    events:\n")
	for i := 0; i < 100; i++ {
		b.WriteString("      - clock_resolution_event: {timestamp_ns: 1, clock_resolution_ns: 10}\n")
	}
	script, err := Parse(strings.NewReader(b.String()))
	require.NoError(t, err)

	conf := defaultConfig()
	conf.Forwarder.QueueCapacity = 4
	conf.Forwarder.MaxBatch = 2

	res, err := Run(context.Background(), xlog.NewNop(), xmetrics.NewRegistry(), conf, script)
	require.NoError(t, err)
	assert.Equal(t, uint64(100), res.Kinds[capture.KindClockResolutionEvent])
}

func TestParse_Errors(t *testing.T) {
	for _, test := range []struct {
		name   string
		script string
		err    string
	}{
		{
			name:   "unknown_kind",
			script: "producers:\n  - id: 1\n    events:\n      - no_such_event: {}\n",
			err:    `unknown event kind "no_such_event"`,
		},
		{
			name:   "two_kinds",
			script: "producers:\n  - id: 1\n    events:\n      - thread_name: {}\n        function_call: {}\n",
			err:    "exactly one kind",
		},
		{
			name:   "duplicate_producer",
			script: "producers:\n  - id: 1\n  - id: 1\n",
			err:    "listed twice",
		},
		{
			name:   "unknown_field",
			script: "producers:\n  - id: 1\n    unknown: 1\n",
			err:    "unknown",
		},
	} {
		t.Run(test.name, func(t *testing.T) {
			_, err := Parse(strings.NewReader(test.script))
			require.Error(t, err)
			require.Contains(t, err.Error(), test.err)
		})
	}
}
