package types

import (
	"time"
)

// User is a broker account. Users are created by the admin tooling and never
// mutated by the core.
type User struct {
	Username string `json:"username"`
	// Verifier is the encoded password verifier:
	// pbkdf2-sha256$<iterations>$<b64 salt>$<b64 digest>
	Verifier string `json:"verifier"`
	IsAdmin  bool   `json:"isAdmin"`
}

// BlockEntry records one failed authentication attempt for (ip, username).
// Entries are TTL-pruned opportunistically.
type BlockEntry struct {
	IP        string    `json:"ip"`
	Username  string    `json:"username"`
	Timestamp time.Time `json:"timestamp"`
}

// Experiment is one accepted RED submission. Immutable after creation.
type Experiment struct {
	ID               string            `json:"id"`
	Username         string            `json:"username"`
	Container        ContainerSettings `json:"container"`
	Execution        ExecutionSettings `json:"execution"`
	CLI              map[string]any    `json:"cli,omitempty"`
	Notifications    []string          `json:"notifications,omitempty"`
	RegistrationTime time.Time         `json:"registrationTime"`
}

// ContainerSettings describe the image and resource demand shared by all
// batches of an experiment.
type ContainerSettings struct {
	Image string          `json:"image"`
	RAM   int             `json:"ram"` // MiB
	GPUs  *GPURequirement `json:"gpus,omitempty"`
}

// GPURequirement is the GPU demand of a batch: Count distinct physical
// devices, each with at least VRAMMin MiB.
type GPURequirement struct {
	Count   int `json:"count"`
	VRAMMin int `json:"vramMin,omitempty"`
}

// ExecutionSettings control retry and concurrency behavior.
type ExecutionSettings struct {
	RetryIfFailed         bool   `json:"retryIfFailed"`
	BatchConcurrencyLimit int    `json:"batchConcurrencyLimit"`
	AccessURL             string `json:"accessUrl,omitempty"`
}

// BatchState is the lifecycle state of a batch.
type BatchState string

const (
	BatchRegistered BatchState = "registered"
	BatchScheduled  BatchState = "scheduled"
	BatchProcessing BatchState = "processing"
	BatchSucceeded  BatchState = "succeeded"
	BatchFailed     BatchState = "failed"
	BatchCancelled  BatchState = "cancelled"
)

// IsTerminal reports whether the state is sticky.
func (s BatchState) IsTerminal() bool {
	return s == BatchSucceeded || s == BatchFailed || s == BatchCancelled
}

// Valid reports whether s is a known batch state.
func (s BatchState) Valid() bool {
	switch s {
	case BatchRegistered, BatchScheduled, BatchProcessing,
		BatchSucceeded, BatchFailed, BatchCancelled:
		return true
	}
	return false
}

// HistoryEntry records one state transition of a batch.
type HistoryEntry struct {
	State     BatchState `json:"state"`
	Time      time.Time  `json:"time"`
	Node      string     `json:"node,omitempty"`
	DebugInfo []string   `json:"debugInfo,omitempty"`
}

// Batch is one concrete execution, the unit of scheduling.
type Batch struct {
	ID                  string         `json:"id"`
	ExperimentID        string         `json:"experimentId"`
	Username            string         `json:"username"`
	Index               int            `json:"index"` // position in the RED batches array
	State               BatchState     `json:"state"`
	Node                string         `json:"node,omitempty"`
	GPUIDs              []int          `json:"gpuIds,omitempty"`
	Mount               bool           `json:"mount"`
	History             []HistoryEntry `json:"history"`
	ProtectedKeysVoided bool           `json:"protectedKeysVoided"`
	NotificationsSent   bool           `json:"notificationsSent"`
	Attempts            int            `json:"attempts"`
	Inputs              map[string]any `json:"inputs,omitempty"`
	Outputs             map[string]any `json:"outputs,omitempty"`
	// ImageAuth holds hoisted registry credentials, secret references only.
	ImageAuth map[string]any `json:"imageAuth,omitempty"`
	// Callbacks records the last accepted result per phase. The broker
	// writes them; the scheduler turns them into state transitions.
	Callbacks        map[string]CallbackResult `json:"callbacks,omitempty"`
	RegistrationTime time.Time                 `json:"registrationTime"`
}

// AddHistory appends a transition record and moves the batch to state.
func (b *Batch) AddHistory(state BatchState, node string, debug ...string) {
	b.State = state
	b.Node = node
	b.History = append(b.History, HistoryEntry{
		State:     state,
		Time:      time.Now().UTC(),
		Node:      node,
		DebugInfo: debug,
	})
}

// GPU is one physical device on a node.
type GPU struct {
	ID   int `json:"id"`
	VRAM int `json:"vram"` // MiB
}

// Hardware is the declared capacity of a node.
type Hardware struct {
	RAM  int   `json:"ram"` // MiB
	GPUs []GPU `json:"gpus,omitempty"`
}

// NodeState is the observed liveness of a container host.
type NodeState string

const (
	NodeOnline  NodeState = "online"
	NodeOffline NodeState = "offline"
)

// Node mirrors one configured container host plus its last observed
// liveness and commitment. Committed figures are recomputed by the
// scheduler at the end of every pass.
type Node struct {
	NodeName      string    `json:"nodeName"`
	URL           string    `json:"url"`
	Hardware      Hardware  `json:"hardware"`
	State         NodeState `json:"state"`
	LastSeen      time.Time `json:"lastSeen"`
	RAMCommitted  int       `json:"ramCommitted"`
	GPUsCommitted []int     `json:"gpusCommitted,omitempty"`
}

// CallbackToken authorizes agent callbacks for one batch. Issued at
// scheduling time; each phase accepts it once.
type CallbackToken struct {
	BatchID string    `json:"batchId"`
	Token   string    `json:"token"`
	Issued  time.Time `json:"issued"`
	// UsedPhases records phases that already accepted a callback, making
	// repeated posts idempotent.
	UsedPhases []string `json:"usedPhases,omitempty"`
}

// FailureKind enumerates error classes that affect batch handling.
type FailureKind string

const (
	FailureValidation FailureKind = "validation"
	FailureAuth       FailureKind = "auth"
	FailureTransport  FailureKind = "transport"
	FailureSecret     FailureKind = "secret"
	FailureNodeLost   FailureKind = "node_lost"
	FailureAgent      FailureKind = "agent"
	FailureInternal   FailureKind = "internal"
)

// Failure is the enumerated error carried through batch handling. Reason is
// a short machine tag recorded in the batch history; DisableRetry marks the
// failure sticky regardless of the experiment's retry setting.
type Failure struct {
	Kind         FailureKind
	Reason       string
	DisableRetry bool
	Err          error
}

func (f *Failure) Error() string {
	if f.Err != nil {
		return f.Reason + ": " + f.Err.Error()
	}
	return f.Reason
}

func (f *Failure) Unwrap() error { return f.Err }

// Retryable reports whether the scheduler may rewrite a failed batch back to
// registered, assuming the experiment opted in.
func (f *Failure) Retryable() bool {
	if f.DisableRetry {
		return false
	}
	switch f.Kind {
	case FailureTransport, FailureNodeLost, FailureAgent, FailureSecret:
		return true
	}
	return false
}

// CallbackPhase names the three agent callback phases.
type CallbackPhase string

const (
	PhaseInput  CallbackPhase = "input"
	PhaseMain   CallbackPhase = "main"
	PhaseOutput CallbackPhase = "output"
)

// ValidPhase reports whether p is a known callback phase.
func ValidPhase(p CallbackPhase) bool {
	return p == PhaseInput || p == PhaseMain || p == PhaseOutput
}

// CallbackResult is the payload an agent posts for one phase.
type CallbackResult struct {
	State        string         `json:"state" validate:"required,oneof=succeeded failed"`
	Inputs       map[string]any `json:"inputs,omitempty"`
	Outputs      map[string]any `json:"outputs,omitempty"`
	DebugInfo    []string       `json:"debugInfo,omitempty"`
	ReturnCode   *int           `json:"returnCode,omitempty"`
	Stdout       string         `json:"stdout,omitempty"`
	Stderr       string         `json:"stderr,omitempty"`
	Executed     bool           `json:"executed"`
	DisableRetry bool           `json:"disableRetry,omitempty"`
}

// Succeeded reports whether the callback carries a successful phase result.
func (r *CallbackResult) Succeeded() bool { return r.State == "succeeded" }
