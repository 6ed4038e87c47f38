package scheduler

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/curious-containers/ccagency/pkg/agent"
	"github.com/curious-containers/ccagency/pkg/log"
	"github.com/curious-containers/ccagency/pkg/metrics"
	"github.com/curious-containers/ccagency/pkg/notifier"
	"github.com/curious-containers/ccagency/pkg/storage"
	"github.com/curious-containers/ccagency/pkg/types"
)

// TrusteeClient is the slice of the trustee API the scheduler needs.
type TrusteeClient interface {
	Get(ctx context.Context, bundleID string, keys []string) (map[string]string, error)
	Delete(ctx context.Context, bundleID string, keys []string) error
}

// AgentClient is the slice of the node agent API the scheduler needs.
type AgentClient interface {
	Launch(ctx context.Context, node *types.Node, spec *agent.Spec) (agent.LaunchOutcome, error)
	Probe(ctx context.Context, node *types.Node, batchID string) (*agent.ProbeResult, error)
	Cancel(ctx context.Context, node *types.Node, batchID string) error
}

// NotifyQueue accepts webhook delivery jobs.
type NotifyQueue interface {
	Enqueue(job notifier.Job)
}

// Config tunes the schedule pass.
type Config struct {
	NodeTimeout       time.Duration
	MaxLaunchAttempts int
	RetryLimit        int
	// ExternalURL is the broker base URL agents post callbacks to.
	ExternalURL string
}

// Scheduler runs the schedule pass: reap dead batches, cancel, admit
// pending batches onto nodes, progress callback results into transitions,
// and hand terminal batches to the notifier. It is driven by the controller
// and is the sole writer of cross-batch state transitions.
type Scheduler struct {
	store   storage.Store
	trustee TrusteeClient
	agents  AgentClient
	notify  NotifyQueue
	cfg     Config
	now     func() time.Time
}

// New creates a Scheduler.
func New(store storage.Store, trustee TrusteeClient, agents AgentClient, notify NotifyQueue, cfg Config) *Scheduler {
	if cfg.NodeTimeout <= 0 {
		cfg.NodeTimeout = 30 * time.Second
	}
	if cfg.MaxLaunchAttempts <= 0 {
		cfg.MaxLaunchAttempts = 5
	}
	if cfg.RetryLimit <= 0 {
		cfg.RetryLimit = 2
	}
	return &Scheduler{
		store:   store,
		trustee: trustee,
		agents:  agents,
		notify:  notify,
		cfg:     cfg,
		now:     time.Now,
	}
}

// pass is the in-memory working state of one schedule pass. Reservations
// taken here live only until commit; the store is the source of truth.
type pass struct {
	nodes       map[string]*nodeView
	experiments map[string]*types.Experiment
	inFlight    map[string]int // experiment id -> scheduled+processing
}

type nodeView struct {
	node     *types.Node
	ramFree  int
	gpusFree []types.GPU
}

// RunPass executes one R -> C -> A -> P -> N pass. Errors affecting a
// single batch are contained; only infrastructure failures abort the pass.
func (s *Scheduler) RunPass(ctx context.Context) error {
	logger := log.WithComponent("scheduler")
	start := s.now()

	p, err := s.loadPass()
	if err != nil {
		return fmt.Errorf("failed to load pass state: %w", err)
	}

	if err := s.reap(ctx, p); err != nil {
		return err
	}
	if err := s.cancel(ctx, p); err != nil {
		return err
	}
	if err := s.admit(ctx, p); err != nil {
		return err
	}
	if err := s.progress(p); err != nil {
		return err
	}
	if err := s.notifyTerminal(p); err != nil {
		return err
	}
	if err := s.commit(p); err != nil {
		return err
	}

	metrics.SchedulePasses.Inc()
	metrics.ScheduleLatency.Observe(s.now().Sub(start).Seconds())
	logger.Debug().Dur("duration", s.now().Sub(start)).Msg("schedule pass complete")
	return nil
}

// loadPass snapshots nodes and in-flight accounting.
func (s *Scheduler) loadPass() (*pass, error) {
	nodes, err := s.store.ListNodes()
	if err != nil {
		return nil, err
	}
	active, err := s.store.ListBatchesByState(types.BatchScheduled, types.BatchProcessing)
	if err != nil {
		return nil, err
	}

	p := &pass{
		nodes:       make(map[string]*nodeView, len(nodes)),
		experiments: make(map[string]*types.Experiment),
		inFlight:    make(map[string]int),
	}
	for _, node := range nodes {
		p.nodes[node.NodeName] = &nodeView{
			node:     node,
			ramFree:  node.Hardware.RAM,
			gpusFree: append([]types.GPU(nil), node.Hardware.GPUs...),
		}
	}
	for _, b := range active {
		p.inFlight[b.ExperimentID]++
		s.reserve(p, b)
	}
	return p, nil
}

// reserve subtracts a batch's demand from its node's free view.
func (s *Scheduler) reserve(p *pass, b *types.Batch) {
	view, ok := p.nodes[b.Node]
	if !ok {
		return
	}
	if exp, err := s.experiment(p, b.ExperimentID); err == nil {
		view.ramFree -= exp.Container.RAM
	}
	view.gpusFree = removeGPUs(view.gpusFree, b.GPUIDs)
}

// release returns a batch's demand to its node's free view.
func (s *Scheduler) release(p *pass, b *types.Batch) {
	view, ok := p.nodes[b.Node]
	if !ok {
		return
	}
	if exp, err := s.experiment(p, b.ExperimentID); err == nil {
		view.ramFree += exp.Container.RAM
	}
	for _, id := range b.GPUIDs {
		for _, gpu := range view.node.Hardware.GPUs {
			if gpu.ID == id {
				view.gpusFree = append(view.gpusFree, gpu)
				break
			}
		}
	}
}

func (s *Scheduler) experiment(p *pass, id string) (*types.Experiment, error) {
	if exp, ok := p.experiments[id]; ok {
		return exp, nil
	}
	exp, err := s.store.GetExperiment(id)
	if err != nil {
		return nil, err
	}
	p.experiments[id] = exp
	return exp, nil
}

// reap fails batches whose node is lost and voids secret bundles of
// terminal batches. Phase R.
func (s *Scheduler) reap(ctx context.Context, p *pass) error {
	logger := log.WithComponent("scheduler")

	active, err := s.store.ListBatchesByState(types.BatchScheduled, types.BatchProcessing)
	if err != nil {
		return err
	}

	for _, b := range active {
		view, ok := p.nodes[b.Node]
		if !ok {
			// Node disappeared from configuration.
			s.failBatch(p, b, &types.Failure{Kind: types.FailureNodeLost, Reason: "node_lost"})
			continue
		}

		probe, err := s.agents.Probe(ctx, view.node, b.ID)
		if err != nil {
			continue
		}
		if probe.Alive {
			view.node.State = types.NodeOnline
			view.node.LastSeen = s.now()
			if !probe.Known {
				logger.Warn().Str("batch_id", b.ID).Str("node", b.Node).
					Msg("node no longer knows batch")
				s.failBatch(p, b, &types.Failure{Kind: types.FailureNodeLost, Reason: "node_lost"})
			}
			continue
		}

		view.node.State = types.NodeOffline
		deadline := view.node.LastSeen
		if last := lastTransition(b); last.After(deadline) {
			deadline = last
		}
		if s.now().Sub(deadline) > s.cfg.NodeTimeout {
			logger.Warn().Str("batch_id", b.ID).Str("node", b.Node).
				Msg("node timed out, reaping batch")
			s.failBatch(p, b, &types.Failure{Kind: types.FailureNodeLost, Reason: "node_lost"})
		}
	}

	// Void secret bundles of terminal batches. Idempotent: the delete is
	// replayed until confirmed, then the flag flips exactly once.
	unvoided, err := s.store.ListUnvoided()
	if err != nil {
		return err
	}
	for _, b := range unvoided {
		if err := s.trustee.Delete(ctx, b.ID, nil); err != nil {
			logger.Warn().Err(err).Str("batch_id", b.ID).Msg("secret delete failed, will retry")
			continue
		}
		_, err := s.store.UpdateBatchCAS(b.ID, b.State, func(batch *types.Batch) error {
			batch.ProtectedKeysVoided = true
			return nil
		})
		if err != nil && !errors.Is(err, storage.ErrStateConflict) {
			return err
		}
		_ = s.store.DeleteCallbackToken(b.ID)
	}
	return nil
}

// cancel sends best-effort terminations for cancelled batches still shown
// as launched. Phase C.
func (s *Scheduler) cancel(ctx context.Context, p *pass) error {
	cancelled, err := s.store.ListBatchesByState(types.BatchCancelled)
	if err != nil {
		return err
	}
	for _, b := range cancelled {
		if b.Node == "" {
			continue
		}
		view, ok := p.nodes[b.Node]
		if ok {
			if err := s.agents.Cancel(ctx, view.node, b.ID); err != nil {
				// Keep the node reference so the next pass retries; a lost
				// cancel is eventually covered by the node timeout.
				continue
			}
		}
		_, err := s.store.UpdateBatchCAS(b.ID, types.BatchCancelled, func(batch *types.Batch) error {
			batch.Node = ""
			batch.GPUIDs = nil
			return nil
		})
		if err != nil && !errors.Is(err, storage.ErrStateConflict) {
			return err
		}
	}
	return nil
}

// progress turns recorded callback results into state transitions. Phase P.
func (s *Scheduler) progress(p *pass) error {
	active, err := s.store.ListBatchesByState(types.BatchScheduled, types.BatchProcessing)
	if err != nil {
		return err
	}

	for _, b := range active {
		if cb, reason := failedCallback(b); cb != nil {
			s.failBatch(p, b, &types.Failure{
				Kind:         types.FailureAgent,
				Reason:       reason,
				DisableRetry: cb.DisableRetry,
			})
			continue
		}

		if cb, ok := b.Callbacks[string(types.PhaseOutput)]; ok && cb.Succeeded() {
			old := *b
			_, err := s.store.UpdateBatchCAS(b.ID, b.State, func(batch *types.Batch) error {
				if cb.Outputs != nil {
					batch.Outputs = cb.Outputs
				}
				batch.AddHistory(types.BatchSucceeded, "")
				batch.GPUIDs = nil
				return nil
			})
			if err == nil {
				s.release(p, &old)
				p.inFlight[b.ExperimentID]--
			} else if !errors.Is(err, storage.ErrStateConflict) {
				return err
			}
			continue
		}

		if b.State == types.BatchScheduled {
			if cb, ok := b.Callbacks[string(types.PhaseInput)]; ok && cb.Succeeded() {
				_, err := s.store.UpdateBatchCAS(b.ID, types.BatchScheduled, func(batch *types.Batch) error {
					if cb.Inputs != nil {
						batch.Inputs = cb.Inputs
					}
					batch.AddHistory(types.BatchProcessing, batch.Node)
					return nil
				})
				if err != nil && !errors.Is(err, storage.ErrStateConflict) {
					return err
				}
			}
		}
	}
	return nil
}

// failedCallback returns the first failed phase result of a batch.
func failedCallback(b *types.Batch) (*types.CallbackResult, string) {
	for _, phase := range []types.CallbackPhase{types.PhaseInput, types.PhaseMain, types.PhaseOutput} {
		if cb, ok := b.Callbacks[string(phase)]; ok && !cb.Succeeded() {
			return &cb, string(phase) + "_failed"
		}
	}
	return nil, ""
}

// notifyTerminal hands unnotified terminal batches to the notifier,
// grouped by experiment. Phase N.
func (s *Scheduler) notifyTerminal(p *pass) error {
	unnotified, err := s.store.ListUnnotified()
	if err != nil {
		return err
	}

	byExperiment := make(map[string][]notifier.BatchResult)
	for _, b := range unnotified {
		byExperiment[b.ExperimentID] = append(byExperiment[b.ExperimentID], notifier.BatchResult{
			BatchID: b.ID,
			State:   b.State,
		})
	}

	for expID, results := range byExperiment {
		exp, err := s.experiment(p, expID)
		if err != nil {
			continue
		}
		if len(exp.Notifications) == 0 {
			// No URLs declared: nothing to deliver, the flag stays false.
			continue
		}
		s.notify.Enqueue(notifier.Job{
			ExperimentID: expID,
			URLs:         exp.Notifications,
			Batches:      results,
		})
	}
	return nil
}

// failBatch transitions a batch to failed, or rewrites it to registered
// when the experiment opted into retries and the failure is retryable.
func (s *Scheduler) failBatch(p *pass, b *types.Batch, f *types.Failure) {
	logger := log.WithComponent("scheduler")
	exp, expErr := s.experiment(p, b.ExperimentID)

	wasActive := b.State == types.BatchScheduled || b.State == types.BatchProcessing
	old := *b

	_, err := s.store.UpdateBatchCAS(b.ID, b.State, func(batch *types.Batch) error {
		retry := expErr == nil &&
			exp.Execution.RetryIfFailed &&
			f.Retryable() &&
			batch.Attempts < s.cfg.RetryLimit

		debug := []string{f.Reason}
		if f.Err != nil {
			debug = append(debug, f.Err.Error())
		}

		if retry {
			batch.GPUIDs = nil
			// Stale phase results must not fail the next attempt.
			batch.Callbacks = nil
			batch.AddHistory(types.BatchRegistered, "", append(debug, "retrying")...)
			metrics.BatchesRetried.Inc()
		} else {
			batch.GPUIDs = nil
			batch.AddHistory(types.BatchFailed, "", debug...)
			metrics.BatchesFailed.WithLabelValues(f.Reason).Inc()
		}
		return nil
	})
	if err != nil {
		if !errors.Is(err, storage.ErrStateConflict) {
			logger.Error().Err(err).Str("batch_id", b.ID).Msg("failed to transition batch")
		}
		return
	}

	if wasActive {
		s.release(p, &old)
		p.inFlight[b.ExperimentID]--
	}
}

// commit writes recomputed node commitments and refreshes gauges.
func (s *Scheduler) commit(p *pass) error {
	active, err := s.store.ListBatchesByState(types.BatchScheduled, types.BatchProcessing)
	if err != nil {
		return err
	}

	ramByNode := make(map[string]int)
	gpusByNode := make(map[string][]int)
	for _, b := range active {
		exp, err := s.experiment(p, b.ExperimentID)
		if err != nil {
			continue
		}
		ramByNode[b.Node] += exp.Container.RAM
		gpusByNode[b.Node] = append(gpusByNode[b.Node], b.GPUIDs...)
	}

	for name, view := range p.nodes {
		view.node.RAMCommitted = ramByNode[name]
		view.node.GPUsCommitted = gpusByNode[name]
		if err := s.store.PutNode(view.node); err != nil {
			return err
		}
		metrics.NodeRAMCommitted.WithLabelValues(name).Set(float64(view.node.RAMCommitted))
	}

	states := make(map[types.BatchState]int)
	all, err := s.store.ListBatches(storage.BatchFilter{})
	if err != nil {
		return err
	}
	for _, b := range all {
		states[b.State]++
	}
	for _, st := range []types.BatchState{
		types.BatchRegistered, types.BatchScheduled, types.BatchProcessing,
		types.BatchSucceeded, types.BatchFailed, types.BatchCancelled,
	} {
		metrics.BatchesTotal.WithLabelValues(string(st)).Set(float64(states[st]))
	}

	online, offline := 0, 0
	for _, view := range p.nodes {
		if view.node.State == types.NodeOnline {
			online++
		} else {
			offline++
		}
	}
	metrics.NodesTotal.WithLabelValues(string(types.NodeOnline)).Set(float64(online))
	metrics.NodesTotal.WithLabelValues(string(types.NodeOffline)).Set(float64(offline))
	return nil
}

// Recover runs the startup sequence: re-baseline node liveness so the reap
// grace starts now, then replay secret deletes for terminal batches. The
// controller raises a self-trigger afterwards.
func (s *Scheduler) Recover(ctx context.Context) error {
	nodes, err := s.store.ListNodes()
	if err != nil {
		return err
	}
	for _, node := range nodes {
		probe, err := s.agents.Probe(ctx, node, "")
		if err == nil && probe.Alive {
			node.State = types.NodeOnline
		} else {
			node.State = types.NodeOffline
		}
		node.LastSeen = s.now()
		if err := s.store.PutNode(node); err != nil {
			return err
		}
	}

	unvoided, err := s.store.ListUnvoided()
	if err != nil {
		return err
	}
	for _, b := range unvoided {
		if err := s.trustee.Delete(ctx, b.ID, nil); err != nil {
			continue
		}
		_, err := s.store.UpdateBatchCAS(b.ID, b.State, func(batch *types.Batch) error {
			batch.ProtectedKeysVoided = true
			return nil
		})
		if err != nil && !errors.Is(err, storage.ErrStateConflict) {
			return err
		}
	}
	return nil
}

// lastTransition returns the time of the batch's most recent history entry.
func lastTransition(b *types.Batch) time.Time {
	if len(b.History) == 0 {
		return b.RegistrationTime
	}
	return b.History[len(b.History)-1].Time
}

// newCallbackToken returns 128 random bits, hex encoded.
func newCallbackToken() (string, error) {
	buf := make([]byte, 16)
	if _, err := io.ReadFull(rand.Reader, buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// sortedNodeNames returns node names in stable order for deterministic
// placement.
func sortedNodeNames(p *pass) []string {
	names := make([]string, 0, len(p.nodes))
	for name := range p.nodes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
