package capture

import "slices"

////////////////////////////////////////////////////////////////////////////////
// Pass-through events.

type SchedulingSlice struct {
	Pid            int32  `yaml:"pid"`
	Tid            int32  `yaml:"tid"`
	Core           int32  `yaml:"core"`
	DurationNs     uint64 `yaml:"duration_ns"`
	OutTimestampNs uint64 `yaml:"out_timestamp_ns"`
}

type ThreadName struct {
	Pid         int32  `yaml:"pid"`
	Tid         int32  `yaml:"tid"`
	Name        string `yaml:"name"`
	TimestampNs uint64 `yaml:"timestamp_ns"`
}

type ThreadNamesSnapshot struct {
	TimestampNs uint64       `yaml:"timestamp_ns"`
	ThreadNames []ThreadName `yaml:"thread_names"`
}

type ThreadState int

const (
	ThreadStateUnknown ThreadState = iota
	ThreadStateRunning
	ThreadStateRunnable
	ThreadStateInterruptibleSleep
	ThreadStateUninterruptibleSleep
	ThreadStateStopped
	ThreadStateTraced
	ThreadStateDead
	ThreadStateZombie
	ThreadStateParked
	ThreadStateIdle
)

type ThreadStateSlice struct {
	Pid            int32       `yaml:"pid"`
	Tid            int32       `yaml:"tid"`
	ThreadState    ThreadState `yaml:"thread_state"`
	DurationNs     uint64      `yaml:"duration_ns"`
	EndTimestampNs uint64      `yaml:"end_timestamp_ns"`
}

type FunctionCall struct {
	Pid            int32    `yaml:"pid"`
	Tid            int32    `yaml:"tid"`
	FunctionID     uint64   `yaml:"function_id"`
	DurationNs     uint64   `yaml:"duration_ns"`
	EndTimestampNs uint64   `yaml:"end_timestamp_ns"`
	Depth          int32    `yaml:"depth"`
	ReturnValue    uint64   `yaml:"return_value"`
	Registers      []uint64 `yaml:"registers"`
}

type ModuleInfo struct {
	Name         string `yaml:"name"`
	FilePath     string `yaml:"file_path"`
	FileSize     uint64 `yaml:"file_size"`
	AddressStart uint64 `yaml:"address_start"`
	AddressEnd   uint64 `yaml:"address_end"`
	BuildID      string `yaml:"build_id"`
	LoadBias     uint64 `yaml:"load_bias"`
}

type ModuleUpdateEvent struct {
	Pid         int32      `yaml:"pid"`
	TimestampNs uint64     `yaml:"timestamp_ns"`
	Module      ModuleInfo `yaml:"module"`
}

type ModulesSnapshot struct {
	Pid         int32        `yaml:"pid"`
	TimestampNs uint64       `yaml:"timestamp_ns"`
	Modules     []ModuleInfo `yaml:"modules"`
}

type InstrumentedFunction struct {
	FunctionID   uint64 `yaml:"function_id"`
	FunctionName string `yaml:"function_name"`
	FilePath     string `yaml:"file_path"`
	FileOffset   uint64 `yaml:"file_offset"`
	FileBuildID  string `yaml:"file_build_id"`
}

type UnwindingMethod string

const (
	UnwindingMethodDwarf         UnwindingMethod = "dwarf"
	UnwindingMethodFramePointers UnwindingMethod = "frame_pointers"
)

type CaptureOptions struct {
	TraceContextSwitches  bool                   `yaml:"trace_context_switches"`
	TraceThreadState      bool                   `yaml:"trace_thread_state"`
	TraceGPUDriver        bool                   `yaml:"trace_gpu_driver"`
	SamplesPerSecond      float64                `yaml:"samples_per_second"`
	UnwindingMethod       UnwindingMethod        `yaml:"unwinding_method"`
	InstrumentedFunctions []InstrumentedFunction `yaml:"instrumented_functions"`
}

type CaptureStarted struct {
	ProcessID               int32          `yaml:"process_id"`
	ExecutablePath          string         `yaml:"executable_path"`
	ExecutableBuildID       string         `yaml:"executable_build_id"`
	CaptureStartTimestampNs uint64         `yaml:"capture_start_timestamp_ns"`
	Options                 CaptureOptions `yaml:"capture_options"`
}

type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
)

type MetadataEvent struct {
	Severity    Severity `yaml:"severity"`
	TimestampNs uint64   `yaml:"timestamp_ns"`
	Message     string   `yaml:"message"`
}

type ClockResolutionEvent struct {
	TimestampNs       uint64 `yaml:"timestamp_ns"`
	ClockResolutionNs uint64 `yaml:"clock_resolution_ns"`
}

type ErrorsWithPerfEventOpen struct {
	TimestampNs  uint64   `yaml:"timestamp_ns"`
	FailedToOpen []string `yaml:"failed_to_open"`
}

type LostPerfRecordsEvent struct {
	DurationNs     uint64 `yaml:"duration_ns"`
	EndTimestampNs uint64 `yaml:"end_timestamp_ns"`
}

////////////////////////////////////////////////////////////////////////////////
// Interned content and definitions.

type CallstackType int

const (
	CallstackComplete CallstackType = iota
	CallstackDwarfUnwindingError
	CallstackFramePointerUnwindingError
	CallstackInTrampoline
	CallstackTrampolinePatchingFailed
)

// Callstack frames are innermost first.
type Callstack struct {
	PCs  []uint64      `yaml:"pcs"`
	Type CallstackType `yaml:"type"`
}

func (c *Callstack) Equal(other *Callstack) bool {
	return c.Type == other.Type && slices.Equal(c.PCs, other.PCs)
}

func (c Callstack) Clone() Callstack {
	return Callstack{PCs: slices.Clone(c.PCs), Type: c.Type}
}

type TracepointInfo struct {
	Category string `yaml:"category"`
	Name     string `yaml:"name"`
}

type InternedCallstack struct {
	Key    uint64    `yaml:"key"`
	Intern Callstack `yaml:"intern"`
}

type InternedString struct {
	Key    uint64 `yaml:"key"`
	Intern string `yaml:"intern"`
}

type InternedTracepointInfo struct {
	Key    uint64         `yaml:"key"`
	Intern TracepointInfo `yaml:"intern"`
}

////////////////////////////////////////////////////////////////////////////////
// Events referencing interned content by key.

type CallstackSample struct {
	Pid         int32  `yaml:"pid"`
	Tid         int32  `yaml:"tid"`
	TimestampNs uint64 `yaml:"timestamp_ns"`
	CallstackID uint64 `yaml:"callstack_id"`
}

type TracepointEvent struct {
	Pid               int32  `yaml:"pid"`
	Tid               int32  `yaml:"tid"`
	CPU               int32  `yaml:"cpu"`
	TimestampNs       uint64 `yaml:"timestamp_ns"`
	TracepointInfoKey uint64 `yaml:"tracepoint_info_key"`
}

type GPUQueueSubmissionMetaInfo struct {
	Pid                        int32  `yaml:"pid"`
	Tid                        int32  `yaml:"tid"`
	PreSubmissionCPUTimestamp  uint64 `yaml:"pre_submission_cpu_timestamp"`
	PostSubmissionCPUTimestamp uint64 `yaml:"post_submission_cpu_timestamp"`
}

type GPUCommandBuffer struct {
	BeginGPUTimestampNs uint64 `yaml:"begin_gpu_timestamp_ns"`
	EndGPUTimestampNs   uint64 `yaml:"end_gpu_timestamp_ns"`
}

type GPUSubmitInfo struct {
	CommandBuffers []GPUCommandBuffer `yaml:"command_buffers"`
}

type Color struct {
	Red   float32 `yaml:"red"`
	Green float32 `yaml:"green"`
	Blue  float32 `yaml:"blue"`
	Alpha float32 `yaml:"alpha"`
}

type GPUDebugMarkerBeginInfo struct {
	MetaInfo       GPUQueueSubmissionMetaInfo `yaml:"meta_info"`
	GPUTimestampNs uint64                     `yaml:"gpu_timestamp_ns"`
}

type GPUDebugMarker struct {
	// Nil when the marker was begun in an earlier submission.
	BeginMarker       *GPUDebugMarkerBeginInfo `yaml:"begin_marker"`
	EndGPUTimestampNs uint64                   `yaml:"end_gpu_timestamp_ns"`
	TextKey           uint64                   `yaml:"text_key"`
	Depth             int32                    `yaml:"depth"`
	Color             Color                    `yaml:"color"`
}

type GPUQueueSubmission struct {
	MetaInfo         GPUQueueSubmissionMetaInfo `yaml:"meta_info"`
	SubmitInfos      []GPUSubmitInfo            `yaml:"submit_infos"`
	NumBeginMarkers  int32                      `yaml:"num_begin_markers"`
	CompletedMarkers []GPUDebugMarker           `yaml:"completed_markers"`
}

type GPUJob struct {
	Pid                     int32  `yaml:"pid"`
	Tid                     int32  `yaml:"tid"`
	Context                 uint32 `yaml:"context"`
	Seqno                   uint32 `yaml:"seqno"`
	TimelineKey             uint64 `yaml:"timeline_key"`
	Depth                   int32  `yaml:"depth"`
	AmdgpuCsIoctlTimeNs     uint64 `yaml:"amdgpu_cs_ioctl_time_ns"`
	AmdgpuSchedRunJobTimeNs uint64 `yaml:"amdgpu_sched_run_job_time_ns"`
	GPUHardwareStartTimeNs  uint64 `yaml:"gpu_hardware_start_time_ns"`
	DmaFenceSignaledTimeNs  uint64 `yaml:"dma_fence_signaled_time_ns"`
}

type AddressInfo struct {
	AbsoluteAddress  uint64 `yaml:"absolute_address"`
	OffsetInFunction uint64 `yaml:"offset_in_function"`
	FunctionNameKey  uint64 `yaml:"function_name_key"`
	ModuleNameKey    uint64 `yaml:"module_name_key"`
}

////////////////////////////////////////////////////////////////////////////////
// Events embedding heavy content inline.

type FullCallstackSample struct {
	Pid         int32     `yaml:"pid"`
	Tid         int32     `yaml:"tid"`
	TimestampNs uint64    `yaml:"timestamp_ns"`
	Callstack   Callstack `yaml:"callstack"`
}

type FullTracepointEvent struct {
	Pid            int32          `yaml:"pid"`
	Tid            int32          `yaml:"tid"`
	CPU            int32          `yaml:"cpu"`
	TimestampNs    uint64         `yaml:"timestamp_ns"`
	TracepointInfo TracepointInfo `yaml:"tracepoint_info"`
}

type FullGPUJob struct {
	Pid                     int32  `yaml:"pid"`
	Tid                     int32  `yaml:"tid"`
	Context                 uint32 `yaml:"context"`
	Seqno                   uint32 `yaml:"seqno"`
	Timeline                string `yaml:"timeline"`
	Depth                   int32  `yaml:"depth"`
	AmdgpuCsIoctlTimeNs     uint64 `yaml:"amdgpu_cs_ioctl_time_ns"`
	AmdgpuSchedRunJobTimeNs uint64 `yaml:"amdgpu_sched_run_job_time_ns"`
	GPUHardwareStartTimeNs  uint64 `yaml:"gpu_hardware_start_time_ns"`
	DmaFenceSignaledTimeNs  uint64 `yaml:"dma_fence_signaled_time_ns"`
}

type FullAddressInfo struct {
	AbsoluteAddress  uint64 `yaml:"absolute_address"`
	OffsetInFunction uint64 `yaml:"offset_in_function"`
	FunctionName     string `yaml:"function_name"`
	ModuleName       string `yaml:"module_name"`
}

////////////////////////////////////////////////////////////////////////////////

func (*SchedulingSlice) Kind() Kind         { return KindSchedulingSlice }
func (*ThreadName) Kind() Kind              { return KindThreadName }
func (*ThreadNamesSnapshot) Kind() Kind     { return KindThreadNamesSnapshot }
func (*ThreadStateSlice) Kind() Kind        { return KindThreadStateSlice }
func (*FunctionCall) Kind() Kind            { return KindFunctionCall }
func (*ModuleUpdateEvent) Kind() Kind       { return KindModuleUpdateEvent }
func (*ModulesSnapshot) Kind() Kind         { return KindModulesSnapshot }
func (*CaptureStarted) Kind() Kind          { return KindCaptureStarted }
func (*MetadataEvent) Kind() Kind           { return KindMetadataEvent }
func (*ClockResolutionEvent) Kind() Kind    { return KindClockResolutionEvent }
func (*ErrorsWithPerfEventOpen) Kind() Kind { return KindErrorsWithPerfEventOpen }
func (*LostPerfRecordsEvent) Kind() Kind    { return KindLostPerfRecordsEvent }
func (*InternedCallstack) Kind() Kind       { return KindInternedCallstack }
func (*InternedString) Kind() Kind          { return KindInternedString }
func (*InternedTracepointInfo) Kind() Kind  { return KindInternedTracepointInfo }
func (*CallstackSample) Kind() Kind         { return KindCallstackSample }
func (*TracepointEvent) Kind() Kind         { return KindTracepointEvent }
func (*GPUQueueSubmission) Kind() Kind      { return KindGPUQueueSubmission }
func (*GPUJob) Kind() Kind                  { return KindGPUJob }
func (*AddressInfo) Kind() Kind             { return KindAddressInfo }
func (*FullCallstackSample) Kind() Kind     { return KindFullCallstackSample }
func (*FullTracepointEvent) Kind() Kind     { return KindFullTracepointEvent }
func (*FullGPUJob) Kind() Kind              { return KindFullGPUJob }
func (*FullAddressInfo) Kind() Kind         { return KindFullAddressInfo }
