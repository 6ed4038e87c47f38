package scheduler

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/curious-containers/ccagency/pkg/agent"
	"github.com/curious-containers/ccagency/pkg/log"
	"github.com/curious-containers/ccagency/pkg/metrics"
	"github.com/curious-containers/ccagency/pkg/red"
	"github.com/curious-containers/ccagency/pkg/types"
)

// runcRuntime and nvidiaRuntime are the container runtimes an agent may be
// asked to use.
const (
	runcRuntime   = "runc"
	nvidiaRuntime = "nvidia"
)

// admit places registered batches onto nodes. Phase A.
//
// Users are served in FIFO order of their earliest pending batch and each
// user's backlog is drained before the next user is considered. Within one
// user, batches are taken round-robin across experiments (fewest in-flight
// first) and in index order within an experiment. An experiment that is
// concurrency-blocked or does not fit any node loses its remaining pending
// batches for this pass.
func (s *Scheduler) admit(ctx context.Context, p *pass) error {
	registered, err := s.store.ListBatchesByState(types.BatchRegistered)
	if err != nil {
		return err
	}
	if len(registered) == 0 {
		return nil
	}

	pending := make(map[string][]*types.Batch)
	expsByUser := make(map[string][]string)
	earliest := make(map[string]time.Time)
	for _, b := range registered {
		if _, ok := pending[b.ExperimentID]; !ok {
			expsByUser[b.Username] = append(expsByUser[b.Username], b.ExperimentID)
		}
		pending[b.ExperimentID] = append(pending[b.ExperimentID], b)
		if t, ok := earliest[b.Username]; !ok || b.RegistrationTime.Before(t) {
			earliest[b.Username] = b.RegistrationTime
		}
	}
	for _, batches := range pending {
		sort.Slice(batches, func(i, j int) bool {
			return batches[i].Index < batches[j].Index
		})
	}

	users := make([]string, 0, len(earliest))
	for user := range earliest {
		users = append(users, user)
	}
	sort.Slice(users, func(i, j int) bool {
		if !earliest[users[i]].Equal(earliest[users[j]]) {
			return earliest[users[i]].Before(earliest[users[j]])
		}
		return users[i] < users[j]
	})

	// Nodes that failed a launch over transport are not retried this pass.
	badNodes := make(map[string]bool)

	for _, user := range users {
		for s.admitOne(ctx, p, expsByUser[user], pending, badNodes) {
		}
	}
	return nil
}

// admitOne attempts one launch for a user. It reports whether any pending
// work was consumed; a false return means the user has nothing placeable
// left this pass.
func (s *Scheduler) admitOne(ctx context.Context, p *pass, expIDs []string, pending map[string][]*types.Batch, badNodes map[string]bool) bool {
	logger := log.WithComponent("scheduler")

	for {
		exp := s.nextExperiment(p, expIDs, pending)
		if exp == nil {
			return false
		}

		limit := exp.Execution.BatchConcurrencyLimit
		if limit > 0 && p.inFlight[exp.ID] >= limit {
			delete(pending, exp.ID)
			continue
		}

		view, gpuIDs := s.place(p, exp, badNodes)
		if view == nil {
			logger.Debug().Str("experiment_id", exp.ID).
				Msg("no node fits experiment demand")
			delete(pending, exp.ID)
			continue
		}

		batch := pending[exp.ID][0]
		pending[exp.ID] = pending[exp.ID][1:]
		if len(pending[exp.ID]) == 0 {
			delete(pending, exp.ID)
		}
		s.launch(ctx, p, view, gpuIDs, exp, batch, badNodes)
		return true
	}
}

// nextExperiment picks the user's experiment with pending batches and the
// fewest in-flight batches, tie-broken by registration time then id.
func (s *Scheduler) nextExperiment(p *pass, expIDs []string, pending map[string][]*types.Batch) *types.Experiment {
	var best *types.Experiment
	for _, id := range expIDs {
		if len(pending[id]) == 0 {
			continue
		}
		exp, err := s.experiment(p, id)
		if err != nil {
			logger := log.WithComponent("scheduler")
			logger.Error().Err(err).
				Str("experiment_id", id).Msg("failed to load experiment")
			delete(pending, id)
			continue
		}
		if best == nil || less(p, exp, best) {
			best = exp
		}
	}
	return best
}

func less(p *pass, a, b *types.Experiment) bool {
	if p.inFlight[a.ID] != p.inFlight[b.ID] {
		return p.inFlight[a.ID] < p.inFlight[b.ID]
	}
	if !a.RegistrationTime.Equal(b.RegistrationTime) {
		return a.RegistrationTime.Before(b.RegistrationTime)
	}
	return a.ID < b.ID
}

// place finds the first node, in stable name order, with enough free RAM and
// assignable GPUs for the experiment's demand.
func (s *Scheduler) place(p *pass, exp *types.Experiment, badNodes map[string]bool) (*nodeView, []int) {
	for _, name := range sortedNodeNames(p) {
		if badNodes[name] {
			continue
		}
		view := p.nodes[name]
		if view.ramFree < exp.Container.RAM {
			continue
		}
		gpuIDs, ok := assignGPUs(view.gpusFree, exp.Container.GPUs)
		if !ok {
			continue
		}
		return view, gpuIDs
	}
	return nil, nil
}

// launch verifies secrets, issues a callback token and submits the batch to
// the node. It reports whether the node accepted the batch.
func (s *Scheduler) launch(ctx context.Context, p *pass, view *nodeView, gpuIDs []int, exp *types.Experiment, b *types.Batch, badNodes map[string]bool) bool {
	logger := log.WithBatchID(b.ID)

	if ok, err := s.verifySecrets(ctx, b); !ok {
		if err != nil {
			var f *types.Failure
			if asFailure(err, &f) && !f.Retryable() {
				s.failBatch(p, b, f)
			} else {
				logger.Warn().Err(err).Msg("secret verification unavailable, deferring launch")
			}
		}
		return false
	}

	token, err := newCallbackToken()
	if err != nil {
		logger.Error().Err(err).Msg("failed to generate callback token")
		return false
	}
	if err := s.store.PutCallbackToken(&types.CallbackToken{
		BatchID: b.ID,
		Token:   token,
		Issued:  s.now(),
	}); err != nil {
		logger.Error().Err(err).Msg("failed to persist callback token")
		return false
	}

	spec := s.buildSpec(exp, b, gpuIDs, token)
	outcome, launchErr := s.agents.Launch(ctx, view.node, spec)

	switch outcome {
	case agent.Accepted:
		view.node.State = types.NodeOnline
		view.node.LastSeen = s.now()

		updated, err := s.store.UpdateBatchCAS(b.ID, types.BatchRegistered, func(batch *types.Batch) error {
			batch.Attempts++
			batch.GPUIDs = gpuIDs
			batch.AddHistory(types.BatchScheduled, view.node.NodeName)
			return nil
		})
		if err != nil {
			// Raced with a cancel. The node holds a batch the store no
			// longer wants launched; tear it down again.
			logger.Warn().Err(err).Msg("batch changed state during launch, cancelling")
			_ = s.agents.Cancel(ctx, view.node, b.ID)
			return false
		}

		view.ramFree -= exp.Container.RAM
		view.gpusFree = removeGPUs(view.gpusFree, gpuIDs)
		p.inFlight[exp.ID]++
		metrics.BatchesLaunched.Inc()
		logger.Info().Str("node", view.node.NodeName).Int("attempts", updated.Attempts).
			Msg("batch scheduled")
		return true

	case agent.TransportFailure:
		badNodes[view.node.NodeName] = true
		view.node.State = types.NodeOffline

		exhausted := false
		_, err := s.store.UpdateBatchCAS(b.ID, types.BatchRegistered, func(batch *types.Batch) error {
			batch.Attempts++
			if batch.Attempts >= s.cfg.MaxLaunchAttempts {
				exhausted = true
				batch.AddHistory(types.BatchFailed, "", "max_launch_attempts")
			} else {
				batch.AddHistory(types.BatchRegistered, "", "launch transport failure")
			}
			return nil
		})
		if err != nil {
			logger.Warn().Err(err).Msg("batch changed state during launch")
			return false
		}
		if exhausted {
			metrics.BatchesFailed.WithLabelValues("max_launch_attempts").Inc()
			logger.Warn().Str("node", view.node.NodeName).
				Msg("launch attempts exhausted, batch failed")
		} else {
			logger.Warn().Err(launchErr).Str("node", view.node.NodeName).
				Msg("node unreachable during launch")
		}
		return false

	default: // agent.Rejected
		var f *types.Failure
		if !asFailure(launchErr, &f) {
			f = &types.Failure{
				Kind:         types.FailureAgent,
				Reason:       "launch_rejected",
				DisableRetry: true,
				Err:          launchErr,
			}
		}
		s.failBatch(p, b, f)
		return false
	}
}

// verifySecrets confirms every hoisted reference of the batch resolves at
// the trustee. A missing secret fails the batch; an unreachable trustee
// defers the launch to a later pass.
func (s *Scheduler) verifySecrets(ctx context.Context, b *types.Batch) (bool, error) {
	refs := red.SecretRefs(b.Inputs)
	refs = append(refs, red.SecretRefs(b.Outputs)...)
	refs = append(refs, red.SecretRefs(b.ImageAuth)...)
	if len(refs) == 0 {
		return true, nil
	}

	keys := make([]string, 0, len(refs))
	for _, ref := range refs {
		keys = append(keys, strings.TrimPrefix(ref, b.ID+"/"))
	}
	if _, err := s.trustee.Get(ctx, b.ID, keys); err != nil {
		return false, err
	}
	return true, nil
}

// buildSpec assembles the launch request for one batch.
func (s *Scheduler) buildSpec(exp *types.Experiment, b *types.Batch, gpuIDs []int, token string) *agent.Spec {
	runtime := runcRuntime
	if exp.Container.GPUs != nil && exp.Container.GPUs.Count > 0 {
		runtime = nvidiaRuntime
	}

	base := strings.TrimRight(s.cfg.ExternalURL, "/")
	return &agent.Spec{
		BatchID:   b.ID,
		Image:     exp.Container.Image,
		ImageAuth: b.ImageAuth,
		RAM:       exp.Container.RAM,
		GPUIDs:    gpuIDs,
		Runtime:   runtime,
		Command:   red.BuildCommand(exp.CLI, b.Inputs),
		Inputs:    b.Inputs,
		Outputs:   b.Outputs,
		Mount:     b.Mount,
		CallbackURLs: agent.CallbackURLs{
			Input:  base + "/callback/" + b.ID + "/" + string(types.PhaseInput),
			Main:   base + "/callback/" + b.ID + "/" + string(types.PhaseMain),
			Output: base + "/callback/" + b.ID + "/" + string(types.PhaseOutput),
		},
		CallbackToken: token,
	}
}

// asFailure unwraps err into a *types.Failure if it carries one.
func asFailure(err error, target **types.Failure) bool {
	return err != nil && errors.As(err, target)
}
