package linux

// ProcessID and ThreadID are OS-assigned ids. Reuse across process lifetimes
// is not tracked.
type ProcessID int32

type ThreadID int32
