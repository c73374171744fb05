package gpujob

// LaneSlackNs keeps consecutive jobs on one lane visibly apart.
const LaneSlackNs uint64 = 1_000_000

// laneAllocator assigns jobs of a single timeline to rows so that jobs
// sharing a row never overlap. Rows only grow.
type laneAllocator struct {
	ends []uint64
}

func (a *laneAllocator) assign(begin, end uint64) int {
	for lane, laneEnd := range a.ends {
		if begin >= laneEnd+LaneSlackNs {
			a.ends[lane] = end
			return lane
		}
	}

	a.ends = append(a.ends, end)
	return len(a.ends) - 1
}

func (a *laneAllocator) size() int {
	return len(a.ends)
}
