package rangehttp

import (
	"github.com/tanq16/rangedl/internal/utils"
)

// ChunkPlan is an inclusive byte range [Start, End] of the resource. When the
// resource has fewer bytes than chunks some plans are empty (End < Start).
type ChunkPlan struct {
	Index int
	Start int64
	End   int64
}

func (p ChunkPlan) Empty() bool {
	return p.End < p.Start
}

func (p ChunkPlan) Len() int64 {
	return max(0, p.End-p.Start+1)
}

// PlanChunks splits size bytes into n contiguous ranges. The first chunk starts
// at 0, later chunks start one past the previous end, and the last chunk absorbs
// the remainder of size/n and ends at size-1.
func PlanChunks(size int64, n int) ([]ChunkPlan, error) {
	if n <= 0 {
		return nil, utils.NewError(utils.KindInvalidArgument, nil, "chunk count must be positive, got %d", n)
	}
	if size < 0 {
		return nil, utils.NewError(utils.KindInvalidArgument, nil, "total size must not be negative, got %d", size)
	}
	chunkSize, remainder := size/int64(n), size%int64(n)
	plans := make([]ChunkPlan, n)
	for i := range n {
		start := chunkSize * int64(i)
		if i > 0 {
			start++
		}
		end := chunkSize * int64(i+1)
		if i == n-1 {
			end += remainder
		}
		plans[i] = ChunkPlan{
			Index: i,
			Start: start,
			End:   min(end, size-1),
		}
	}
	return plans, nil
}
