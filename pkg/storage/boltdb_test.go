package storage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/curious-containers/ccagency/pkg/types"
)

func newTestStore(t *testing.T) *BoltStore {
	t.Helper()
	store, err := NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func testBatch(id, expID, username string, state types.BatchState) *types.Batch {
	b := &types.Batch{
		ID:               id,
		ExperimentID:     expID,
		Username:         username,
		RegistrationTime: time.Now().UTC(),
	}
	b.AddHistory(state, "")
	return b
}

// TestUserCRUD tests user create/get/update/delete round trips
func TestUserCRUD(t *testing.T) {
	store := newTestStore(t)

	user := &types.User{Username: "alice", Verifier: "v1", IsAdmin: true}
	require.NoError(t, store.CreateUser(user))

	got, err := store.GetUser("alice")
	require.NoError(t, err)
	assert.Equal(t, "v1", got.Verifier)
	assert.True(t, got.IsAdmin)

	// Duplicate creation is rejected.
	err = store.CreateUser(&types.User{Username: "alice"})
	assert.ErrorIs(t, err, ErrAlreadyExists)

	got.Verifier = "v2"
	require.NoError(t, store.PutUser(got))
	got, err = store.GetUser("alice")
	require.NoError(t, err)
	assert.Equal(t, "v2", got.Verifier)

	require.NoError(t, store.DeleteUser("alice"))
	_, err = store.GetUser("alice")
	assert.ErrorIs(t, err, ErrNotFound)
}

// TestUpdateBatchCAS tests that the compare-and-swap update only applies
// when the stored state matches the expectation
func TestUpdateBatchCAS(t *testing.T) {
	store := newTestStore(t)

	batch := testBatch("b1", "e1", "alice", types.BatchRegistered)
	require.NoError(t, store.CreateBatch(batch))

	// Matching expectation applies the mutation.
	updated, err := store.UpdateBatchCAS("b1", types.BatchRegistered, func(b *types.Batch) error {
		b.Attempts++
		b.AddHistory(types.BatchScheduled, "node-1")
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, types.BatchScheduled, updated.State)
	assert.Equal(t, 1, updated.Attempts)
	assert.Equal(t, "node-1", updated.Node)

	// Stale expectation is rejected and nothing changes.
	_, err = store.UpdateBatchCAS("b1", types.BatchRegistered, func(b *types.Batch) error {
		b.Attempts = 99
		return nil
	})
	assert.ErrorIs(t, err, ErrStateConflict)

	got, err := store.GetBatch("b1")
	require.NoError(t, err)
	assert.Equal(t, 1, got.Attempts)
	assert.Len(t, got.History, 2)

	// Unknown batch id.
	_, err = store.UpdateBatchCAS("missing", types.BatchRegistered, func(b *types.Batch) error {
		return nil
	})
	assert.ErrorIs(t, err, ErrNotFound)
}

// TestListBatchesFiltering tests state, experiment and username filters
func TestListBatchesFiltering(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.CreateBatch(testBatch("b1", "e1", "alice", types.BatchRegistered)))
	require.NoError(t, store.CreateBatch(testBatch("b2", "e1", "alice", types.BatchSucceeded)))
	require.NoError(t, store.CreateBatch(testBatch("b3", "e2", "bob", types.BatchRegistered)))

	tests := []struct {
		name     string
		filter   BatchFilter
		expected []string
	}{
		{"no filter", BatchFilter{}, []string{"b1", "b2", "b3"}},
		{"by state", BatchFilter{State: types.BatchRegistered}, []string{"b1", "b3"}},
		{"by experiment", BatchFilter{ExperimentID: "e1"}, []string{"b1", "b2"}},
		{"by username", BatchFilter{Username: "bob"}, []string{"b3"}},
		{"combined", BatchFilter{State: types.BatchRegistered, Username: "alice"}, []string{"b1"}},
		{"no match", BatchFilter{ExperimentID: "e9"}, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			batches, err := store.ListBatches(tt.filter)
			require.NoError(t, err)
			var ids []string
			for _, b := range batches {
				ids = append(ids, b.ID)
			}
			assert.ElementsMatch(t, tt.expected, ids)
		})
	}
}

// TestListBatchesByState tests the multi-state listing used by the scheduler
func TestListBatchesByState(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.CreateBatch(testBatch("b1", "e1", "alice", types.BatchScheduled)))
	require.NoError(t, store.CreateBatch(testBatch("b2", "e1", "alice", types.BatchProcessing)))
	require.NoError(t, store.CreateBatch(testBatch("b3", "e1", "alice", types.BatchFailed)))

	active, err := store.ListBatchesByState(types.BatchScheduled, types.BatchProcessing)
	require.NoError(t, err)
	assert.Len(t, active, 2)
}

// TestNotificationFlags tests the unnotified listing and the monotonic flag
func TestNotificationFlags(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.CreateBatch(testBatch("b1", "e1", "alice", types.BatchSucceeded)))
	require.NoError(t, store.CreateBatch(testBatch("b2", "e1", "alice", types.BatchFailed)))
	require.NoError(t, store.CreateBatch(testBatch("b3", "e1", "alice", types.BatchProcessing)))

	unnotified, err := store.ListUnnotified()
	require.NoError(t, err)
	assert.Len(t, unnotified, 2, "only terminal batches are selected")

	require.NoError(t, store.MarkNotificationsSent([]string{"b1", "b2"}))

	unnotified, err = store.ListUnnotified()
	require.NoError(t, err)
	assert.Empty(t, unnotified)

	// The flag only flips; other fields stay untouched.
	got, err := store.GetBatch("b1")
	require.NoError(t, err)
	assert.True(t, got.NotificationsSent)
	assert.Equal(t, types.BatchSucceeded, got.State)
}

// TestBlockEntries tests counting within a window, purge and prune
func TestBlockEntries(t *testing.T) {
	store := newTestStore(t)
	now := time.Now()

	for _, age := range []time.Duration{10 * time.Second, 30 * time.Second, 3 * time.Minute} {
		require.NoError(t, store.AppendBlockEntry(&types.BlockEntry{
			IP: "10.0.0.1", Username: "alice", Timestamp: now.Add(-age),
		}))
	}
	require.NoError(t, store.AppendBlockEntry(&types.BlockEntry{
		IP: "10.0.0.2", Username: "alice", Timestamp: now,
	}))

	count, err := store.CountBlockEntries("10.0.0.1", "alice", now.Add(-time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 2, count, "entries outside the window are not counted")

	// Purge only clears the given (ip, username) pair.
	require.NoError(t, store.PurgeBlockEntries("10.0.0.1", "alice"))
	count, err = store.CountBlockEntries("10.0.0.1", "alice", now.Add(-time.Hour))
	require.NoError(t, err)
	assert.Zero(t, count)
	count, err = store.CountBlockEntries("10.0.0.2", "alice", now.Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	require.NoError(t, store.PruneBlockEntries(now.Add(time.Second)))
	count, err = store.CountBlockEntries("10.0.0.2", "alice", now.Add(-time.Hour))
	require.NoError(t, err)
	assert.Zero(t, count)
}

// TestExperimentListing tests username filtering and pagination ordering
func TestExperimentListing(t *testing.T) {
	store := newTestStore(t)
	base := time.Now().UTC()

	for i, exp := range []*types.Experiment{
		{ID: "e1", Username: "alice", RegistrationTime: base},
		{ID: "e2", Username: "alice", RegistrationTime: base.Add(time.Second)},
		{ID: "e3", Username: "bob", RegistrationTime: base.Add(2 * time.Second)},
	} {
		require.NoError(t, store.CreateExperiment(exp), "experiment %d", i)
	}

	all, err := store.ListExperiments(ExperimentFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "e1", all[0].ID, "oldest first")

	alice, err := store.ListExperiments(ExperimentFilter{Username: "alice"})
	require.NoError(t, err)
	assert.Len(t, alice, 2)

	page, err := store.ListExperiments(ExperimentFilter{Skip: 1, Limit: 1})
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, "e2", page[0].ID)
}

// TestCallbackTokens tests token round trips and deletion
func TestCallbackTokens(t *testing.T) {
	store := newTestStore(t)

	token := &types.CallbackToken{BatchID: "b1", Token: "tok", Issued: time.Now().UTC()}
	require.NoError(t, store.PutCallbackToken(token))

	got, err := store.GetCallbackToken("b1")
	require.NoError(t, err)
	assert.Equal(t, "tok", got.Token)

	got.UsedPhases = append(got.UsedPhases, "input")
	require.NoError(t, store.PutCallbackToken(got))
	got, err = store.GetCallbackToken("b1")
	require.NoError(t, err)
	assert.Equal(t, []string{"input"}, got.UsedPhases)

	require.NoError(t, store.DeleteCallbackToken("b1"))
	_, err = store.GetCallbackToken("b1")
	assert.ErrorIs(t, err, ErrNotFound)
}

// TestNodeRoundTrip tests node persistence and removal
func TestNodeRoundTrip(t *testing.T) {
	store := newTestStore(t)

	node := &types.Node{
		NodeName: "node-1",
		URL:      "http://node-1:8000",
		Hardware: types.Hardware{RAM: 4096, GPUs: []types.GPU{{ID: 0, VRAM: 8192}}},
		State:    types.NodeOffline,
	}
	require.NoError(t, store.PutNode(node))

	got, err := store.GetNode("node-1")
	require.NoError(t, err)
	assert.Equal(t, 4096, got.Hardware.RAM)

	nodes, err := store.ListNodes()
	require.NoError(t, err)
	assert.Len(t, nodes, 1)

	require.NoError(t, store.DeleteNode("node-1"))
	nodes, err = store.ListNodes()
	require.NoError(t, err)
	assert.Empty(t, nodes)
}

// TestDropCollections tests that all buckets are emptied but stay usable
func TestDropCollections(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.CreateUser(&types.User{Username: "alice"}))
	require.NoError(t, store.CreateBatch(testBatch("b1", "e1", "alice", types.BatchRegistered)))

	require.NoError(t, store.DropCollections())

	_, err := store.GetUser("alice")
	assert.ErrorIs(t, err, ErrNotFound)

	// The store accepts new writes after the drop.
	require.NoError(t, store.CreateUser(&types.User{Username: "bob"}))
}
