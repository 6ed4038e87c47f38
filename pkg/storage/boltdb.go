package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/curious-containers/ccagency/pkg/types"
)

var (
	// Bucket names, one per collection
	bucketUsers          = []byte("users")
	bucketExperiments    = []byte("experiments")
	bucketBatches        = []byte("batches")
	bucketNodes          = []byte("nodes")
	bucketBlockEntries   = []byte("block_entries")
	bucketCallbackTokens = []byte("callback_tokens")
)

// BoltStore implements Store using BoltDB
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (or creates) the agency database in dataDir
func NewBoltStore(dataDir string) (*BoltStore, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	dbPath := filepath.Join(dataDir, "ccagency.db")

	db, err := bolt.Open(dbPath, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketUsers,
			bucketExperiments,
			bucketBatches,
			bucketNodes,
			bucketBlockEntries,
			bucketCallbackTokens,
		}
		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

func put(tx *bolt.Tx, bucket []byte, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return tx.Bucket(bucket).Put([]byte(key), data)
}

func get(tx *bolt.Tx, bucket []byte, key string, v any) error {
	data := tx.Bucket(bucket).Get([]byte(key))
	if data == nil {
		return fmt.Errorf("%s/%s: %w", bucket, key, ErrNotFound)
	}
	return json.Unmarshal(data, v)
}

// User operations

func (s *BoltStore) CreateUser(user *types.User) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket(bucketUsers).Get([]byte(user.Username)) != nil {
			return fmt.Errorf("user %s: %w", user.Username, ErrAlreadyExists)
		}
		return put(tx, bucketUsers, user.Username, user)
	})
}

func (s *BoltStore) GetUser(username string) (*types.User, error) {
	var user types.User
	err := s.db.View(func(tx *bolt.Tx) error {
		return get(tx, bucketUsers, username, &user)
	})
	if err != nil {
		return nil, err
	}
	return &user, nil
}

func (s *BoltStore) PutUser(user *types.User) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return put(tx, bucketUsers, user.Username, user)
	})
}

func (s *BoltStore) DeleteUser(username string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketUsers).Delete([]byte(username))
	})
}

func (s *BoltStore) ListUsers() ([]*types.User, error) {
	var users []*types.User
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketUsers).ForEach(func(k, v []byte) error {
			var user types.User
			if err := json.Unmarshal(v, &user); err != nil {
				return err
			}
			users = append(users, &user)
			return nil
		})
	})
	return users, err
}

// Experiment operations

func (s *BoltStore) CreateExperiment(experiment *types.Experiment) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket(bucketExperiments).Get([]byte(experiment.ID)) != nil {
			return fmt.Errorf("experiment %s: %w", experiment.ID, ErrAlreadyExists)
		}
		return put(tx, bucketExperiments, experiment.ID, experiment)
	})
}

func (s *BoltStore) GetExperiment(id string) (*types.Experiment, error) {
	var experiment types.Experiment
	err := s.db.View(func(tx *bolt.Tx) error {
		return get(tx, bucketExperiments, id, &experiment)
	})
	if err != nil {
		return nil, err
	}
	return &experiment, nil
}

func (s *BoltStore) ListExperiments(filter ExperimentFilter) ([]*types.Experiment, error) {
	var experiments []*types.Experiment
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketExperiments).ForEach(func(k, v []byte) error {
			var experiment types.Experiment
			if err := json.Unmarshal(v, &experiment); err != nil {
				return err
			}
			if filter.Username != "" && experiment.Username != filter.Username {
				return nil
			}
			experiments = append(experiments, &experiment)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	sortExperiments(experiments)
	if filter.Skip > 0 {
		if filter.Skip >= len(experiments) {
			return nil, nil
		}
		experiments = experiments[filter.Skip:]
	}
	if filter.Limit > 0 && filter.Limit < len(experiments) {
		experiments = experiments[:filter.Limit]
	}
	return experiments, nil
}

// Batch operations

func (s *BoltStore) CreateBatch(batch *types.Batch) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket(bucketBatches).Get([]byte(batch.ID)) != nil {
			return fmt.Errorf("batch %s: %w", batch.ID, ErrAlreadyExists)
		}
		return put(tx, bucketBatches, batch.ID, batch)
	})
}

func (s *BoltStore) GetBatch(id string) (*types.Batch, error) {
	var batch types.Batch
	err := s.db.View(func(tx *bolt.Tx) error {
		return get(tx, bucketBatches, id, &batch)
	})
	if err != nil {
		return nil, err
	}
	return &batch, nil
}

func (s *BoltStore) PutBatch(batch *types.Batch) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return put(tx, bucketBatches, batch.ID, batch)
	})
}

func (s *BoltStore) ListBatches(filter BatchFilter) ([]*types.Batch, error) {
	batches, err := s.scanBatches(func(b *types.Batch) bool {
		if filter.State != "" && b.State != filter.State {
			return false
		}
		if filter.ExperimentID != "" && b.ExperimentID != filter.ExperimentID {
			return false
		}
		if filter.Username != "" && b.Username != filter.Username {
			return false
		}
		return true
	})
	if err != nil {
		return nil, err
	}
	sortBatches(batches)
	return batches, nil
}

func (s *BoltStore) ListBatchesByState(states ...types.BatchState) ([]*types.Batch, error) {
	want := make(map[types.BatchState]bool, len(states))
	for _, st := range states {
		want[st] = true
	}
	batches, err := s.scanBatches(func(b *types.Batch) bool {
		return want[b.State]
	})
	if err != nil {
		return nil, err
	}
	sortBatches(batches)
	return batches, nil
}

func (s *BoltStore) ListUnnotified() ([]*types.Batch, error) {
	return s.scanBatches(func(b *types.Batch) bool {
		return b.State.IsTerminal() && !b.NotificationsSent
	})
}

func (s *BoltStore) ListUnvoided() ([]*types.Batch, error) {
	return s.scanBatches(func(b *types.Batch) bool {
		return b.State.IsTerminal() && !b.ProtectedKeysVoided
	})
}

func (s *BoltStore) scanBatches(match func(*types.Batch) bool) ([]*types.Batch, error) {
	var batches []*types.Batch
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketBatches).ForEach(func(k, v []byte) error {
			var batch types.Batch
			if err := json.Unmarshal(v, &batch); err != nil {
				return err
			}
			if match(&batch) {
				batches = append(batches, &batch)
			}
			return nil
		})
	})
	return batches, err
}

// MarkNotificationsSent flips the notificationsSent flag on freshly read
// documents, one write transaction per batch, so concurrent field updates
// are not clobbered.
func (s *BoltStore) MarkNotificationsSent(batchIDs []string) error {
	for _, id := range batchIDs {
		err := s.db.Update(func(tx *bolt.Tx) error {
			var batch types.Batch
			if err := get(tx, bucketBatches, id, &batch); err != nil {
				return err
			}
			if batch.NotificationsSent {
				return nil
			}
			batch.NotificationsSent = true
			return put(tx, bucketBatches, id, &batch)
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// UpdateBatchCAS re-reads the batch inside the write transaction and applies
// mutate only when the stored state matches expected. Racing writers observe
// ErrStateConflict and back off.
func (s *BoltStore) UpdateBatchCAS(id string, expected types.BatchState, mutate func(*types.Batch) error) (*types.Batch, error) {
	var batch types.Batch
	err := s.db.Update(func(tx *bolt.Tx) error {
		if err := get(tx, bucketBatches, id, &batch); err != nil {
			return err
		}
		if batch.State != expected {
			return fmt.Errorf("batch %s is %s, expected %s: %w",
				id, batch.State, expected, ErrStateConflict)
		}
		if err := mutate(&batch); err != nil {
			return err
		}
		return put(tx, bucketBatches, id, &batch)
	})
	if err != nil {
		return nil, err
	}
	return &batch, nil
}

// Node operations

func (s *BoltStore) PutNode(node *types.Node) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return put(tx, bucketNodes, node.NodeName, node)
	})
}

func (s *BoltStore) GetNode(name string) (*types.Node, error) {
	var node types.Node
	err := s.db.View(func(tx *bolt.Tx) error {
		return get(tx, bucketNodes, name, &node)
	})
	if err != nil {
		return nil, err
	}
	return &node, nil
}

func (s *BoltStore) DeleteNode(name string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketNodes).Delete([]byte(name))
	})
}

func (s *BoltStore) ListNodes() ([]*types.Node, error) {
	var nodes []*types.Node
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketNodes).ForEach(func(k, v []byte) error {
			var node types.Node
			if err := json.Unmarshal(v, &node); err != nil {
				return err
			}
			nodes = append(nodes, &node)
			return nil
		})
	})
	return nodes, err
}

// Block entry operations. Keys are "<ip>/<username>/<nanotime>" so one
// (ip, username) pair groups under a common prefix.

func blockKey(ip, username string, ts time.Time) []byte {
	return []byte(fmt.Sprintf("%s/%s/%020d", ip, username, ts.UnixNano()))
}

func blockPrefix(ip, username string) []byte {
	return []byte(fmt.Sprintf("%s/%s/", ip, username))
}

func (s *BoltStore) AppendBlockEntry(entry *types.BlockEntry) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(entry)
		if err != nil {
			return err
		}
		key := blockKey(entry.IP, entry.Username, entry.Timestamp)
		return tx.Bucket(bucketBlockEntries).Put(key, data)
	})
}

func (s *BoltStore) CountBlockEntries(ip, username string, since time.Time) (int, error) {
	count := 0
	prefix := blockPrefix(ip, username)
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketBlockEntries).Cursor()
		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			var entry types.BlockEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				continue
			}
			if !entry.Timestamp.Before(since) {
				count++
			}
		}
		return nil
	})
	return count, err
}

func (s *BoltStore) PurgeBlockEntries(ip, username string) error {
	prefix := blockPrefix(ip, username)
	return s.db.Update(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketBlockEntries).Cursor()
		for k, _ := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, _ = c.Next() {
			if err := c.Delete(); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BoltStore) PruneBlockEntries(olderThan time.Time) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketBlockEntries).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var entry types.BlockEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				continue
			}
			if entry.Timestamp.Before(olderThan) {
				if err := c.Delete(); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

// Callback token operations

func (s *BoltStore) PutCallbackToken(token *types.CallbackToken) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return put(tx, bucketCallbackTokens, token.BatchID, token)
	})
}

func (s *BoltStore) GetCallbackToken(batchID string) (*types.CallbackToken, error) {
	var token types.CallbackToken
	err := s.db.View(func(tx *bolt.Tx) error {
		return get(tx, bucketCallbackTokens, batchID, &token)
	})
	if err != nil {
		return nil, err
	}
	return &token, nil
}

func (s *BoltStore) DeleteCallbackToken(batchID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketCallbackTokens).Delete([]byte(batchID))
	})
}

// DropCollections empties every bucket. Tooling only.
func (s *BoltStore) DropCollections() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketUsers,
			bucketExperiments,
			bucketBatches,
			bucketNodes,
			bucketBlockEntries,
			bucketCallbackTokens,
		}
		for _, bucket := range buckets {
			if err := tx.DeleteBucket(bucket); err != nil {
				return err
			}
			if _, err := tx.CreateBucket(bucket); err != nil {
				return err
			}
		}
		return nil
	})
}

func hasPrefix(k, prefix []byte) bool {
	if len(k) < len(prefix) {
		return false
	}
	for i := range prefix {
		if k[i] != prefix[i] {
			return false
		}
	}
	return true
}
