package replay

import (
	"fmt"
	"io"

	"gopkg.in/yaml.v3"

	"github.com/yandex/tracemux/agent/collector/pkg/gpujob"
	"github.com/yandex/tracemux/agent/collector/pkg/tracer"
	"github.com/yandex/tracemux/pkg/capture"
	"github.com/yandex/tracemux/pkg/linux"
)

// Script is a debugging input describing what each producer sends during a
// capture. Producers either send ready capture events or feed raw tracer
// observations through a tracer visitor.
type Script struct {
	// Root of a procfs-like tree holding <pid>/maps files. "/proc" by default.
	Procfs    string     `yaml:"procfs"`
	Producers []Producer `yaml:"producers"`
}

type Producer struct {
	ID     capture.ProducerID `yaml:"id"`
	Events []Event            `yaml:"events"`
	Tracer []TracerStep       `yaml:"tracer"`
}

func Parse(r io.Reader) (*Script, error) {
	script := &Script{}

	decoder := yaml.NewDecoder(r)
	decoder.KnownFields(true)
	if err := decoder.Decode(script); err != nil {
		return nil, fmt.Errorf("failed to parse replay script: %w", err)
	}

	seen := make(map[capture.ProducerID]bool, len(script.Producers))
	for _, producer := range script.Producers {
		if seen[producer.ID] {
			return nil, fmt.Errorf("producer %d is listed twice", producer.ID)
		}
		seen[producer.ID] = true
	}
	return script, nil
}

////////////////////////////////////////////////////////////////////////////////

// Event is a capture event written as a single-key mapping from the kind name
// to the event body, e.g. `interned_string: {key: 1, intern: main}`.
type Event struct {
	capture.Event
}

func (e *Event) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode || len(node.Content) != 2 {
		return fmt.Errorf("line %d: event must be a mapping with exactly one kind", node.Line)
	}

	name := node.Content[0].Value
	kind, ok := capture.ParseKind(name)
	if !ok {
		return fmt.Errorf("line %d: unknown event kind %q", node.Line, name)
	}

	event, _ := capture.NewEvent(kind)
	if err := node.Content[1].Decode(event); err != nil {
		return fmt.Errorf("line %d: malformed %s: %w", node.Line, name, err)
	}
	e.Event = event
	return nil
}

////////////////////////////////////////////////////////////////////////////////

type UprobeStep struct {
	Tid           linux.ThreadID `yaml:"tid"`
	SP            uint64         `yaml:"sp"`
	ReturnAddress uint64         `yaml:"return_address"`
}

type UretprobeStep struct {
	Tid linux.ThreadID `yaml:"tid"`
}

type MmapStep struct {
	Pid linux.ProcessID `yaml:"pid"`
}

type CallchainStep struct {
	Pid         linux.ProcessID `yaml:"pid"`
	Tid         linux.ThreadID  `yaml:"tid"`
	TimestampNs uint64          `yaml:"timestamp_ns"`
	Callchain   []uint64        `yaml:"callchain"`
}

type GpuStep struct {
	Context     uint32          `yaml:"context"`
	Seqno       uint32          `yaml:"seqno"`
	Timeline    string          `yaml:"timeline"`
	Pid         linux.ProcessID `yaml:"pid"`
	Tid         linux.ThreadID  `yaml:"tid"`
	TimestampNs uint64          `yaml:"timestamp_ns"`
}

func (s *GpuStep) key() gpujob.Key {
	return gpujob.Key{Context: s.Context, Seqno: s.Seqno, Timeline: s.Timeline}
}

// TracerStep is one raw observation. Exactly one field is set.
type TracerStep struct {
	Uprobe           *UprobeStep    `yaml:"uprobe"`
	Uretprobe        *UretprobeStep `yaml:"uretprobe"`
	Mmap             *MmapStep      `yaml:"mmap"`
	CallchainSample  *CallchainStep `yaml:"callchain_sample"`
	GpuSubmit        *GpuStep       `yaml:"gpu_submit"`
	GpuSchedule      *GpuStep       `yaml:"gpu_schedule"`
	GpuFenceSignaled *GpuStep       `yaml:"gpu_fence_signaled"`
}

func (s *TracerStep) apply(v *tracer.Visitor) error {
	switch {
	case s.Uprobe != nil:
		v.OnUprobe(s.Uprobe.Tid, s.Uprobe.SP, s.Uprobe.ReturnAddress)
	case s.Uretprobe != nil:
		return v.OnUretprobe(s.Uretprobe.Tid)
	case s.Mmap != nil:
		v.OnMmap(s.Mmap.Pid)
	case s.CallchainSample != nil:
		step := s.CallchainSample
		v.OnCallchainSample(step.Pid, step.Tid, step.TimestampNs, step.Callchain)
	case s.GpuSubmit != nil:
		v.OnGpuSubmit(gpujob.SubmitEvent{
			Key:         s.GpuSubmit.key(),
			Pid:         s.GpuSubmit.Pid,
			Tid:         s.GpuSubmit.Tid,
			TimestampNs: s.GpuSubmit.TimestampNs,
		})
	case s.GpuSchedule != nil:
		v.OnGpuSchedule(gpujob.ScheduleEvent{Key: s.GpuSchedule.key(), TimestampNs: s.GpuSchedule.TimestampNs})
	case s.GpuFenceSignaled != nil:
		v.OnGpuFenceSignaled(gpujob.FenceSignaledEvent{Key: s.GpuFenceSignaled.key(), TimestampNs: s.GpuFenceSignaled.TimestampNs})
	default:
		return fmt.Errorf("empty tracer step")
	}
	return nil
}
