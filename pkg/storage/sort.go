package storage

import (
	"sort"

	"github.com/curious-containers/ccagency/pkg/types"
)

// sortExperiments orders by registration time, then id for stability.
func sortExperiments(experiments []*types.Experiment) {
	sort.Slice(experiments, func(i, j int) bool {
		a, b := experiments[i], experiments[j]
		if !a.RegistrationTime.Equal(b.RegistrationTime) {
			return a.RegistrationTime.Before(b.RegistrationTime)
		}
		return a.ID < b.ID
	})
}

// sortBatches orders FIFO: registration time, then batch index within the
// experiment, then id.
func sortBatches(batches []*types.Batch) {
	sort.Slice(batches, func(i, j int) bool {
		a, b := batches[i], batches[j]
		if !a.RegistrationTime.Equal(b.RegistrationTime) {
			return a.RegistrationTime.Before(b.RegistrationTime)
		}
		if a.Index != b.Index {
			return a.Index < b.Index
		}
		return a.ID < b.ID
	})
}
