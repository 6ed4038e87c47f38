package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/curious-containers/ccagency/pkg/log"
	"github.com/curious-containers/ccagency/pkg/metrics"
	"github.com/curious-containers/ccagency/pkg/types"
)

const (
	backoffBase = 2 * time.Second
	backoffCap  = 60 * time.Second
	maxAttempts = 5
	httpTimeout = 10 * time.Second
)

// BatchResult is one line of a webhook body.
type BatchResult struct {
	BatchID string           `json:"batchId"`
	State   types.BatchState `json:"state"`
}

type payload struct {
	ExperimentID string        `json:"experimentId"`
	Batches      []BatchResult `json:"batches"`
}

// Job is one delivery request: every configured URL of the experiment gets
// a POST listing the terminal batches.
type Job struct {
	ExperimentID string
	URLs         []string
	Batches      []BatchResult
}

// Notifier delivers terminal-state webhooks with at-least-once semantics.
// Jobs run asynchronously; the Done callback fires once every URL has
// received its attempt set (success or exhaustion), at which point the
// caller flips notificationsSent.
type Notifier struct {
	http *http.Client
	done func(batchIDs []string)

	mu       sync.Mutex
	inFlight map[string]bool
	wg       sync.WaitGroup

	// sleep is replaceable in tests.
	sleep func(time.Duration)
}

// New creates a Notifier. done is called with the affected batch ids after
// a job's attempt set completes.
func New(done func(batchIDs []string)) *Notifier {
	return &Notifier{
		http:     &http.Client{Timeout: httpTimeout},
		done:     done,
		inFlight: make(map[string]bool),
		sleep:    time.Sleep,
	}
}

// Enqueue starts delivery for a job unless the same experiment already has
// a job in flight. Duplicate enqueues during delivery coalesce; the next
// schedule pass re-selects anything still unnotified.
func (n *Notifier) Enqueue(job Job) {
	n.mu.Lock()
	if n.inFlight[job.ExperimentID] {
		n.mu.Unlock()
		return
	}
	n.inFlight[job.ExperimentID] = true
	n.mu.Unlock()

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		defer func() {
			n.mu.Lock()
			delete(n.inFlight, job.ExperimentID)
			n.mu.Unlock()
		}()
		n.deliver(job)
	}()
}

// Wait blocks until all in-flight jobs finish. Used on shutdown and in
// tests.
func (n *Notifier) Wait() {
	n.wg.Wait()
}

func (n *Notifier) deliver(job Job) {
	logger := log.WithComponent("notifier")

	// Within one attempt the batch list is sorted by id; delivery order
	// across batches is not guaranteed.
	sort.Slice(job.Batches, func(i, j int) bool {
		return job.Batches[i].BatchID < job.Batches[j].BatchID
	})

	body, err := json.Marshal(payload{
		ExperimentID: job.ExperimentID,
		Batches:      job.Batches,
	})
	if err != nil {
		logger.Error().Err(err).Str("experiment_id", job.ExperimentID).
			Msg("failed to encode webhook payload")
		return
	}

	for _, url := range job.URLs {
		n.deliverURL(url, body, job.ExperimentID)
	}

	if n.done != nil {
		ids := make([]string, 0, len(job.Batches))
		for _, b := range job.Batches {
			ids = append(ids, b.BatchID)
		}
		n.done(ids)
	}
}

// deliverURL posts to one URL with exponential backoff until success or
// attempt exhaustion. Either way the attempt set counts as made.
func (n *Notifier) deliverURL(url string, body []byte, experimentID string) {
	logger := log.WithComponent("notifier")
	delay := backoffBase

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if n.post(url, body) {
			metrics.WebhookAttempts.WithLabelValues("success").Inc()
			logger.Debug().Str("url", url).Str("experiment_id", experimentID).
				Int("attempt", attempt).Msg("webhook delivered")
			return
		}
		metrics.WebhookAttempts.WithLabelValues("failure").Inc()

		if attempt == maxAttempts {
			break
		}
		n.sleep(delay)
		delay *= 2
		if delay > backoffCap {
			delay = backoffCap
		}
	}
	logger.Warn().Str("url", url).Str("experiment_id", experimentID).
		Int("attempts", maxAttempts).Msg("webhook delivery exhausted")
}

func (n *Notifier) post(url string, body []byte) bool {
	ctx, cancel := context.WithTimeout(context.Background(), httpTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return false
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.http.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}
