package red

import (
	"encoding/json"
	"fmt"

	"github.com/go-playground/validator/v10"

	"github.com/curious-containers/ccagency/pkg/types"
)

// Container engines the agency can launch. nvidia-docker implies the GPU
// runtime on the host agent.
const (
	EngineDocker       = "docker"
	EngineNvidiaDocker = "nvidia-docker"
)

// ExecutionEngine is the only execution engine this agency accepts.
const ExecutionEngine = "ccagency"

var validate = validator.New(validator.WithRequiredStructEnabled())

// Document is a decoded RED submission.
type Document struct {
	RedVersion string           `json:"redVersion" validate:"required"`
	CLI        map[string]any   `json:"cli" validate:"required"`
	Container  ContainerSection `json:"container" validate:"required"`
	Execution  ExecutionSection `json:"execution" validate:"required"`

	// Single-batch documents carry inputs/outputs at the top level;
	// multi-batch documents carry a batches array instead.
	Inputs  map[string]any `json:"inputs,omitempty"`
	Outputs map[string]any `json:"outputs,omitempty"`
	Batches []BatchSection `json:"batches,omitempty" validate:"dive"`
}

// ContainerSection selects the container engine and its settings.
type ContainerSection struct {
	Engine   string            `json:"engine" validate:"required"`
	Settings ContainerSettings `json:"settings" validate:"required"`
}

// ContainerSettings mirror types.ContainerSettings plus the image reference
// shape used on the wire.
type ContainerSettings struct {
	Image ImageRef              `json:"image" validate:"required"`
	RAM   int                   `json:"ram" validate:"required,gt=0"`
	GPUs  *types.GPURequirement `json:"gpus,omitempty"`
}

// ImageRef is the image reference, optionally with registry credentials.
// Credentials are protected keys and are hoisted before persistence.
type ImageRef struct {
	URL  string         `json:"url" validate:"required"`
	Auth map[string]any `json:"auth,omitempty"`
}

// ExecutionSection selects the execution engine and its settings.
type ExecutionSection struct {
	Engine   string            `json:"engine" validate:"required"`
	Settings ExecutionSettings `json:"settings"`
}

// ExecutionSettings on the wire.
type ExecutionSettings struct {
	RetryIfFailed         bool               `json:"retryIfFailed,omitempty"`
	BatchConcurrencyLimit int                `json:"batchConcurrencyLimit,omitempty" validate:"omitempty,gt=0"`
	Access                *AccessSettings    `json:"access,omitempty"`
	Notifications         []NotificationHook `json:"notifications,omitempty" validate:"dive"`
}

// AccessSettings carry the URL users reach the agency under.
type AccessSettings struct {
	URL string `json:"url,omitempty"`
}

// NotificationHook is one webhook destination for terminal batch states.
type NotificationHook struct {
	URL string `json:"url" validate:"required,url"`
}

// BatchSection is one entry of a multi-batch document.
type BatchSection struct {
	Inputs  map[string]any `json:"inputs" validate:"required"`
	Outputs map[string]any `json:"outputs,omitempty"`
	Mount   bool           `json:"mount,omitempty"`
}

// Parse decodes and validates a RED document. Unsupported engines are
// rejected here, before anything is persisted.
func Parse(data []byte) (*Document, error) {
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, &types.Failure{
			Kind:         types.FailureValidation,
			Reason:       "malformed RED document",
			DisableRetry: true,
			Err:          err,
		}
	}

	if err := validate.Struct(&doc); err != nil {
		return nil, &types.Failure{
			Kind:         types.FailureValidation,
			Reason:       "RED schema violation",
			DisableRetry: true,
			Err:          err,
		}
	}

	if doc.Execution.Engine != ExecutionEngine {
		return nil, &types.Failure{
			Kind:         types.FailureValidation,
			Reason:       fmt.Sprintf("unsupported execution engine %q", doc.Execution.Engine),
			DisableRetry: true,
		}
	}
	switch doc.Container.Engine {
	case EngineDocker, EngineNvidiaDocker:
	default:
		return nil, &types.Failure{
			Kind:         types.FailureValidation,
			Reason:       fmt.Sprintf("unsupported container engine %q", doc.Container.Engine),
			DisableRetry: true,
		}
	}

	if len(doc.Batches) == 0 && doc.Inputs == nil {
		return nil, &types.Failure{
			Kind:         types.FailureValidation,
			Reason:       "RED document has neither inputs nor batches",
			DisableRetry: true,
		}
	}
	if len(doc.Batches) > 0 && doc.Inputs != nil {
		return nil, &types.Failure{
			Kind:         types.FailureValidation,
			Reason:       "RED document mixes top-level inputs with a batches array",
			DisableRetry: true,
		}
	}

	// The cli section is persisted verbatim on the experiment and is never
	// hoisted, so protected keys in it would leak into the store.
	if ContainsProtected(doc.CLI) {
		return nil, &types.Failure{
			Kind:         types.FailureValidation,
			Reason:       "protected keys are not allowed in the cli section",
			DisableRetry: true,
		}
	}

	if doc.Container.Engine == EngineNvidiaDocker &&
		(doc.Container.Settings.GPUs == nil || doc.Container.Settings.GPUs.Count <= 0) {
		return nil, &types.Failure{
			Kind:         types.FailureValidation,
			Reason:       "nvidia-docker requires container.settings.gpus with a positive count",
			DisableRetry: true,
		}
	}

	return &doc, nil
}

// NeedsGPURuntime reports whether batches of this document must run under
// the nvidia runtime.
func (d *Document) NeedsGPURuntime() bool {
	return d.Container.Engine == EngineNvidiaDocker ||
		(d.Container.Settings.GPUs != nil && d.Container.Settings.GPUs.Count > 0)
}

// BatchSections returns the normalized batch list: the batches array as-is,
// or the top-level inputs/outputs as a single entry.
func (d *Document) BatchSections() []BatchSection {
	if len(d.Batches) > 0 {
		return d.Batches
	}
	return []BatchSection{{Inputs: d.Inputs, Outputs: d.Outputs}}
}

// NotificationURLs flattens the declared webhook destinations.
func (d *Document) NotificationURLs() []string {
	hooks := d.Execution.Settings.Notifications
	urls := make([]string, 0, len(hooks))
	for _, h := range hooks {
		urls = append(urls, h.URL)
	}
	return urls
}

// ExperimentSettings converts the wire settings into the stored experiment
// attributes, applying the implicit defaults (one concurrent batch unless a
// limit is declared).
func (d *Document) ExperimentSettings() (types.ContainerSettings, types.ExecutionSettings) {
	container := types.ContainerSettings{
		Image: d.Container.Settings.Image.URL,
		RAM:   d.Container.Settings.RAM,
		GPUs:  d.Container.Settings.GPUs,
	}

	execution := types.ExecutionSettings{
		RetryIfFailed:         d.Execution.Settings.RetryIfFailed,
		BatchConcurrencyLimit: d.Execution.Settings.BatchConcurrencyLimit,
	}
	if execution.BatchConcurrencyLimit <= 0 {
		execution.BatchConcurrencyLimit = 1
	}
	if d.Execution.Settings.Access != nil {
		execution.AccessURL = d.Execution.Settings.Access.URL
	}
	return container, execution
}
