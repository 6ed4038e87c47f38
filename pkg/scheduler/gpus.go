package scheduler

import (
	"sort"

	"github.com/curious-containers/ccagency/pkg/types"
)

// assignGPUs picks distinct physical devices for a request using best-fit:
// free devices are considered smallest VRAM first, so large devices stay
// available for larger requests. Returns the chosen device ids and whether
// the request is satisfiable.
func assignGPUs(free []types.GPU, req *types.GPURequirement) ([]int, bool) {
	if req == nil || req.Count <= 0 {
		return nil, true
	}

	candidates := make([]types.GPU, 0, len(free))
	for _, gpu := range free {
		if gpu.VRAM >= req.VRAMMin {
			candidates = append(candidates, gpu)
		}
	}
	if len(candidates) < req.Count {
		return nil, false
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].VRAM != candidates[j].VRAM {
			return candidates[i].VRAM < candidates[j].VRAM
		}
		return candidates[i].ID < candidates[j].ID
	})

	ids := make([]int, req.Count)
	for i := 0; i < req.Count; i++ {
		ids[i] = candidates[i].ID
	}
	return ids, true
}

// removeGPUs drops the assigned devices from the free list.
func removeGPUs(free []types.GPU, assigned []int) []types.GPU {
	taken := make(map[int]bool, len(assigned))
	for _, id := range assigned {
		taken[id] = true
	}
	remaining := free[:0]
	for _, gpu := range free {
		if !taken[gpu.ID] {
			remaining = append(remaining, gpu)
		}
	}
	return remaining
}
