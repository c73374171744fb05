package capture

import "fmt"

// ProducerID identifies a logical event source. Each producer owns a private
// namespace of interning keys.
type ProducerID uint64

// SystemProducerID tags events without an external origin.
const SystemProducerID ProducerID = 0

// InvalidKey is never assigned to interned content.
const InvalidKey uint64 = 0

////////////////////////////////////////////////////////////////////////////////

type Kind int

const (
	KindUnknown Kind = iota

	KindSchedulingSlice
	KindThreadName
	KindThreadNamesSnapshot
	KindThreadStateSlice
	KindFunctionCall
	KindModuleUpdateEvent
	KindModulesSnapshot
	KindCaptureStarted
	KindMetadataEvent
	KindClockResolutionEvent
	KindErrorsWithPerfEventOpen
	KindLostPerfRecordsEvent

	KindInternedCallstack
	KindInternedString
	KindInternedTracepointInfo

	KindCallstackSample
	KindTracepointEvent
	KindGPUQueueSubmission
	KindGPUJob
	KindAddressInfo

	KindFullCallstackSample
	KindFullTracepointEvent
	KindFullGPUJob
	KindFullAddressInfo
)

var kindNames = map[Kind]string{
	KindSchedulingSlice:         "scheduling_slice",
	KindThreadName:              "thread_name",
	KindThreadNamesSnapshot:     "thread_names_snapshot",
	KindThreadStateSlice:        "thread_state_slice",
	KindFunctionCall:            "function_call",
	KindModuleUpdateEvent:       "module_update_event",
	KindModulesSnapshot:         "modules_snapshot",
	KindCaptureStarted:          "capture_started",
	KindMetadataEvent:           "metadata_event",
	KindClockResolutionEvent:    "clock_resolution_event",
	KindErrorsWithPerfEventOpen: "errors_with_perf_event_open",
	KindLostPerfRecordsEvent:    "lost_perf_records_event",
	KindInternedCallstack:       "interned_callstack",
	KindInternedString:          "interned_string",
	KindInternedTracepointInfo:  "interned_tracepoint_info",
	KindCallstackSample:         "callstack_sample",
	KindTracepointEvent:         "tracepoint_event",
	KindGPUQueueSubmission:      "gpu_queue_submission",
	KindGPUJob:                  "gpu_job",
	KindAddressInfo:             "address_info",
	KindFullCallstackSample:     "full_callstack_sample",
	KindFullTracepointEvent:     "full_tracepoint_event",
	KindFullGPUJob:              "full_gpu_job",
	KindFullAddressInfo:         "full_address_info",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Event is one discrete unit of profiling data.
// The set of implementations is closed; see the Kind constants.
type Event interface {
	Kind() Kind
}

// ParseKind is the inverse of Kind.String.
func ParseKind(name string) (Kind, bool) {
	for kind, kindName := range kindNames {
		if kindName == name {
			return kind, true
		}
	}
	return KindUnknown, false
}

var constructors = map[Kind]func() Event{
	KindSchedulingSlice:         func() Event { return &SchedulingSlice{} },
	KindThreadName:              func() Event { return &ThreadName{} },
	KindThreadNamesSnapshot:     func() Event { return &ThreadNamesSnapshot{} },
	KindThreadStateSlice:        func() Event { return &ThreadStateSlice{} },
	KindFunctionCall:            func() Event { return &FunctionCall{} },
	KindModuleUpdateEvent:       func() Event { return &ModuleUpdateEvent{} },
	KindModulesSnapshot:         func() Event { return &ModulesSnapshot{} },
	KindCaptureStarted:          func() Event { return &CaptureStarted{} },
	KindMetadataEvent:           func() Event { return &MetadataEvent{} },
	KindClockResolutionEvent:    func() Event { return &ClockResolutionEvent{} },
	KindErrorsWithPerfEventOpen: func() Event { return &ErrorsWithPerfEventOpen{} },
	KindLostPerfRecordsEvent:    func() Event { return &LostPerfRecordsEvent{} },
	KindInternedCallstack:       func() Event { return &InternedCallstack{} },
	KindInternedString:          func() Event { return &InternedString{} },
	KindInternedTracepointInfo:  func() Event { return &InternedTracepointInfo{} },
	KindCallstackSample:         func() Event { return &CallstackSample{} },
	KindTracepointEvent:         func() Event { return &TracepointEvent{} },
	KindGPUQueueSubmission:      func() Event { return &GPUQueueSubmission{} },
	KindGPUJob:                  func() Event { return &GPUJob{} },
	KindAddressInfo:             func() Event { return &AddressInfo{} },
	KindFullCallstackSample:     func() Event { return &FullCallstackSample{} },
	KindFullTracepointEvent:     func() Event { return &FullTracepointEvent{} },
	KindFullGPUJob:              func() Event { return &FullGPUJob{} },
	KindFullAddressInfo:         func() Event { return &FullAddressInfo{} },
}

// NewEvent returns a zero event of the given kind.
func NewEvent(kind Kind) (Event, bool) {
	construct, ok := constructors[kind]
	if !ok {
		return nil, false
	}
	return construct(), true
}
