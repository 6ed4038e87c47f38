package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/curious-containers/ccagency/pkg/types"
)

const defaultTimeout = 10 * time.Second

// LaunchOutcome classifies the agent's answer to a launch request.
type LaunchOutcome int

const (
	// Accepted: the agent took the batch; progress arrives via callbacks.
	Accepted LaunchOutcome = iota
	// Rejected: the agent refused the spec; the batch fails permanently.
	Rejected
	// TransportFailure: the agent was unreachable; the launch may be
	// retried on a later pass.
	TransportFailure
)

// Spec is the launch request body sent to a node agent. Secret values stay
// opaque references; the agent resolves them against the trustee itself.
type Spec struct {
	BatchID string `json:"batchId"`
	Image   string `json:"image"`
	// ImageAuth carries registry credentials as secret references the
	// agent resolves against the trustee.
	ImageAuth     map[string]any `json:"imageAuth,omitempty"`
	RAM           int            `json:"ram"`
	GPUIDs        []int          `json:"gpuIds,omitempty"`
	Runtime       string         `json:"runtime"` // "runc" or "nvidia"
	Command       []string       `json:"command,omitempty"`
	Inputs        map[string]any `json:"inputs,omitempty"`
	Outputs       map[string]any `json:"outputs,omitempty"`
	Mount         bool           `json:"mount"`
	CallbackURLs  CallbackURLs   `json:"callbackUrls"`
	CallbackToken string         `json:"callbackToken"`
}

// CallbackURLs are the broker endpoints the agent posts phase results to.
type CallbackURLs struct {
	Input  string `json:"input"`
	Main   string `json:"main"`
	Output string `json:"output"`
}

// ProbeResult is a node liveness answer.
type ProbeResult struct {
	Alive    bool   `json:"alive"`
	RAMFree  int    `json:"ramFree,omitempty"`
	GPUsFree []int  `json:"gpusFree,omitempty"`
	BatchID  string `json:"batchId,omitempty"`
	Known    bool   `json:"known"`
}

// Client launches batches on container hosts and probes their liveness.
// It only initiates runs; progress comes back through broker callbacks.
type Client struct {
	http *http.Client
}

// New creates a node agent client with a bounded per-RPC timeout.
func New() *Client {
	return &Client{http: &http.Client{Timeout: defaultTimeout}}
}

// Launch submits a batch to the node. The returned outcome separates the
// agent's decision from transport problems.
func (c *Client) Launch(ctx context.Context, node *types.Node, spec *Spec) (LaunchOutcome, error) {
	body, err := json.Marshal(spec)
	if err != nil {
		return Rejected, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		nodeURL(node, "/batch"), bytes.NewReader(body))
	if err != nil {
		return Rejected, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return TransportFailure, &types.Failure{
			Kind:   types.FailureTransport,
			Reason: "node unreachable",
			Err:    err,
		}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusAccepted:
		return Accepted, nil
	case resp.StatusCode >= 500:
		return TransportFailure, &types.Failure{
			Kind:   types.FailureTransport,
			Reason: fmt.Sprintf("node returned %d", resp.StatusCode),
		}
	default:
		return Rejected, &types.Failure{
			Kind:         types.FailureAgent,
			Reason:       "launch_rejected",
			DisableRetry: true,
			Err:          fmt.Errorf("node returned %d", resp.StatusCode),
		}
	}
}

// Probe asks the node whether it is alive and whether it still knows the
// given batch. An unreachable node reports Alive=false without error so the
// reap phase can treat both cases uniformly.
func (c *Client) Probe(ctx context.Context, node *types.Node, batchID string) (*ProbeResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		nodeURL(node, "/batch/"+batchID), nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return &ProbeResult{Alive: false}, nil
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return &ProbeResult{Alive: true, Known: false}, nil
	}
	if resp.StatusCode != http.StatusOK {
		return &ProbeResult{Alive: false}, nil
	}

	var result ProbeResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return &ProbeResult{Alive: false}, nil
	}
	result.Alive = true
	result.Known = true
	return &result, nil
}

// Cancel asks the node to terminate a launched batch. Best-effort: a lost
// cancel is recovered by the reap phase via node timeout.
func (c *Client) Cancel(ctx context.Context, node *types.Node, batchID string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete,
		nodeURL(node, "/batch/"+batchID), nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return &types.Failure{
			Kind:   types.FailureTransport,
			Reason: "node unreachable",
			Err:    err,
		}
	}
	resp.Body.Close()
	return nil
}

func nodeURL(node *types.Node, path string) string {
	return strings.TrimRight(node.URL, "/") + path
}
