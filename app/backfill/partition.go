package backfill

import "fmt"

// Range is a half-open range [Start, End) of milestone indexes or bucket positions.
type Range struct {
	Start uint32
	End   uint32
}

func (r Range) Len() uint32 {
	if r.End <= r.Start {
		return 0
	}
	return r.End - r.Start
}

func (r Range) String() string {
	return fmt.Sprintf("[%d, %d)", r.Start, r.End)
}

// TaskPartition is the slice of a backfill range handled by one worker.
type TaskPartition struct {
	WorkerID int
	Range    Range
}

// Partition splits r into at most n contiguous partitions of ceil(len/n)
// items each. The last partition may be shorter; empty ones are not returned.
// Sizes are computed in 64 bits so ranges ending at math.MaxUint32 and
// oversized n stay well defined.
func Partition(r Range, n int) []TaskPartition {
	total := uint64(r.Len())
	if total == 0 {
		return nil
	}
	workers := uint64(1)
	if n > 1 {
		workers = min(uint64(n), total)
	}
	size := (total + workers - 1) / workers

	parts := make([]TaskPartition, 0, workers)
	for start := uint64(r.Start); start < uint64(r.End); start += size {
		end := min(start+size, uint64(r.End))
		parts = append(parts, TaskPartition{
			WorkerID: len(parts),
			Range:    Range{Start: uint32(start), End: uint32(end)},
		})
	}
	return parts
}
