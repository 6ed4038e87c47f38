package storage

import (
	"errors"
	"time"

	"github.com/curious-containers/ccagency/pkg/types"
)

var (
	// ErrNotFound is returned when a document does not exist.
	ErrNotFound = errors.New("not found")

	// ErrStateConflict is returned by UpdateBatchCAS when the stored batch
	// state differs from the expected state.
	ErrStateConflict = errors.New("batch state conflict")

	// ErrAlreadyExists is returned when creating a document whose key is
	// already taken.
	ErrAlreadyExists = errors.New("already exists")
)

// BatchFilter narrows batch listings. Zero values match everything.
type BatchFilter struct {
	State        types.BatchState
	ExperimentID string
	Username     string
}

// ExperimentFilter narrows experiment listings.
type ExperimentFilter struct {
	Username string
	Limit    int
	Skip     int
}

// Store is the durable persistence layer shared by broker and controller.
// Reads are snapshot-level; writes are single-document atomic.
type Store interface {
	// Users
	CreateUser(user *types.User) error
	GetUser(username string) (*types.User, error)
	PutUser(user *types.User) error
	DeleteUser(username string) error
	ListUsers() ([]*types.User, error)

	// Experiments
	CreateExperiment(experiment *types.Experiment) error
	GetExperiment(id string) (*types.Experiment, error)
	ListExperiments(filter ExperimentFilter) ([]*types.Experiment, error)

	// Batches
	CreateBatch(batch *types.Batch) error
	GetBatch(id string) (*types.Batch, error)
	PutBatch(batch *types.Batch) error
	ListBatches(filter BatchFilter) ([]*types.Batch, error)
	ListBatchesByState(states ...types.BatchState) ([]*types.Batch, error)
	ListUnnotified() ([]*types.Batch, error)
	ListUnvoided() ([]*types.Batch, error)

	// MarkNotificationsSent flips the monotonic notificationsSent flag on
	// each batch without touching any other field.
	MarkNotificationsSent(batchIDs []string) error

	// UpdateBatchCAS applies mutate to the stored batch only if its state
	// equals expected, all inside one write transaction. It returns
	// ErrStateConflict when the stored state differs and ErrNotFound when
	// the batch does not exist.
	UpdateBatchCAS(id string, expected types.BatchState, mutate func(*types.Batch) error) (*types.Batch, error)

	// Nodes
	PutNode(node *types.Node) error
	GetNode(name string) (*types.Node, error)
	DeleteNode(name string) error
	ListNodes() ([]*types.Node, error)

	// Block entries
	AppendBlockEntry(entry *types.BlockEntry) error
	CountBlockEntries(ip, username string, since time.Time) (int, error)
	PurgeBlockEntries(ip, username string) error
	PruneBlockEntries(olderThan time.Time) error

	// Callback tokens
	PutCallbackToken(token *types.CallbackToken) error
	GetCallbackToken(batchID string) (*types.CallbackToken, error)
	DeleteCallbackToken(batchID string) error

	// DropCollections removes all stored documents. Used by tooling only.
	DropCollections() error

	Close() error
}
