package scheduler

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/curious-containers/ccagency/pkg/types"
)

// TestAssignGPUs tests best-fit device selection
func TestAssignGPUs(t *testing.T) {
	free := []types.GPU{
		{ID: 0, VRAM: 16384},
		{ID: 1, VRAM: 8192},
		{ID: 2, VRAM: 8192},
		{ID: 3, VRAM: 4096},
	}

	tests := []struct {
		name     string
		req      *types.GPURequirement
		expected []int
		ok       bool
	}{
		{"nil requirement", nil, nil, true},
		{"zero count", &types.GPURequirement{Count: 0}, nil, true},
		{"single smallest", &types.GPURequirement{Count: 1}, []int{3}, true},
		{"vram floor skips small devices", &types.GPURequirement{Count: 1, VRAMMin: 8192}, []int{1}, true},
		{"two devices, smallest feasible first", &types.GPURequirement{Count: 2, VRAMMin: 8192}, []int{1, 2}, true},
		{"large request keeps large device", &types.GPURequirement{Count: 1, VRAMMin: 16000}, []int{0}, true},
		{"too many devices", &types.GPURequirement{Count: 5}, nil, false},
		{"vram floor unsatisfiable", &types.GPURequirement{Count: 2, VRAMMin: 16000}, nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ids, ok := assignGPUs(free, tt.req)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.expected, ids)
		})
	}
}

// TestRemoveGPUs tests that assigned devices leave the free list
func TestRemoveGPUs(t *testing.T) {
	free := []types.GPU{{ID: 0, VRAM: 8192}, {ID: 1, VRAM: 8192}, {ID: 2, VRAM: 4096}}
	remaining := removeGPUs(free, []int{1})
	assert.Len(t, remaining, 2)
	for _, gpu := range remaining {
		assert.NotEqual(t, 1, gpu.ID)
	}
}
