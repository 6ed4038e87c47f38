package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/curious-containers/ccagency/pkg/auth"
	"github.com/curious-containers/ccagency/pkg/red"
	"github.com/curious-containers/ccagency/pkg/storage"
	"github.com/curious-containers/ccagency/pkg/types"
)

type fakeTrustee struct {
	bundles map[string]map[string]string
	putErr  error
	deleted []string
}

func (f *fakeTrustee) Put(ctx context.Context, bundleID string, data map[string]string) error {
	if f.putErr != nil {
		return f.putErr
	}
	if f.bundles == nil {
		f.bundles = make(map[string]map[string]string)
	}
	f.bundles[bundleID] = data
	return nil
}

func (f *fakeTrustee) Delete(ctx context.Context, bundleID string, keys []string) error {
	f.deleted = append(f.deleted, bundleID)
	return nil
}

type testEnv struct {
	server  *Server
	handler http.Handler
	store   storage.Store
	trustee *fakeTrustee
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	authn := auth.New(store, auth.Config{
		SigningKey: []byte("0123456789abcdef0123456789abcdef"),
	})
	require.NoError(t, authn.CreateUser("alice", "password1", false))
	require.NoError(t, authn.CreateUser("bob", "password2", false))
	require.NoError(t, authn.CreateUser("root", "password3", true))

	trustee := &fakeTrustee{}
	server := New(store, authn, trustee, Config{BindAddr: "127.0.0.1:0"})
	return &testEnv{
		server:  server,
		handler: server.routes(),
		store:   store,
		trustee: trustee,
	}
}

func (e *testEnv) do(t *testing.T, method, path, user, pass string, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *strings.Reader
	if body != "" {
		reader = strings.NewReader(body)
	} else {
		reader = strings.NewReader("")
	}
	r := httptest.NewRequest(method, path, reader)
	if user != "" {
		r.SetBasicAuth(user, pass)
	}
	w := httptest.NewRecorder()
	e.handler.ServeHTTP(w, r)
	return w
}

const testRED = `{
	"redVersion": "9",
	"cli": {"baseCommand": "grep"},
	"container": {
		"engine": "docker",
		"settings": {"image": {"url": "docker.io/library/alpine"}, "ram": 256}
	},
	"execution": {
		"engine": "ccagency",
		"settings": {"notifications": [{"url": "http://hook.example.org/done"}]}
	},
	"batches": [
		{"inputs": {"pattern": "a", "access": {"_token": "s3cret"}}},
		{"inputs": {"pattern": "b"}}
	]
}`

// TestRedIntake tests the full submission path: hoisting, bundles, batches
func TestRedIntake(t *testing.T) {
	e := newTestEnv(t)

	w := e.do(t, http.MethodPost, "/red", "alice", "password1", testRED)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var resp redResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.BatchIDs, 2)

	exp, err := e.store.GetExperiment(resp.ExperimentID)
	require.NoError(t, err)
	assert.Equal(t, "alice", exp.Username)
	assert.Equal(t, 256, exp.Container.RAM)
	assert.Equal(t, []string{"http://hook.example.org/done"}, exp.Notifications)

	// The first batch's secret was hoisted into its bundle.
	b0, err := e.store.GetBatch(resp.BatchIDs[0])
	require.NoError(t, err)
	assert.Equal(t, types.BatchRegistered, b0.State)
	assert.False(t, b0.ProtectedKeysVoided)

	access := b0.Inputs["access"].(map[string]any)
	ref := access["_token"].(map[string]any)[red.SecretRefKey].(string)
	assert.Equal(t, b0.ID+"/inputs.access._token", ref)

	bundle := e.trustee.bundles[b0.ID]
	assert.Equal(t, map[string]string{"inputs.access._token": "s3cret"}, bundle)

	// The second batch carries no secrets and starts voided.
	b1, err := e.store.GetBatch(resp.BatchIDs[1])
	require.NoError(t, err)
	assert.True(t, b1.ProtectedKeysVoided)
	assert.NotContains(t, e.trustee.bundles, b1.ID)
}

// TestRedHoistsImageAuth tests that registry credentials never persist raw
func TestRedHoistsImageAuth(t *testing.T) {
	e := newTestEnv(t)

	body := `{
		"redVersion": "9",
		"cli": {"baseCommand": "grep"},
		"container": {
			"engine": "docker",
			"settings": {
				"image": {
					"url": "registry.example.org/private/tool",
					"auth": {"_username": "alice", "_password": "hunter2"}
				},
				"ram": 256
			}
		},
		"execution": {"engine": "ccagency", "settings": {}},
		"inputs": {"pattern": "a"}
	}`

	w := e.do(t, http.MethodPost, "/red", "alice", "password1", body)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var resp redResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.BatchIDs, 1)

	b, err := e.store.GetBatch(resp.BatchIDs[0])
	require.NoError(t, err)
	assert.False(t, b.ProtectedKeysVoided)

	// The stored batch carries only references.
	require.NotNil(t, b.ImageAuth)
	ref := b.ImageAuth["_password"].(map[string]any)[red.SecretRefKey].(string)
	assert.Equal(t, b.ID+"/imageAuth._password", ref)
	assert.NotContains(t, w.Body.String(), "hunter2")

	bundle := e.trustee.bundles[b.ID]
	assert.Equal(t, map[string]string{
		"imageAuth._username": "alice",
		"imageAuth._password": "hunter2",
	}, bundle)

	data, err := json.Marshal(b)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "hunter2")
}

// TestRedRejectsProtectedCLI tests that protected keys in the cli section
// are rejected before anything persists
func TestRedRejectsProtectedCLI(t *testing.T) {
	e := newTestEnv(t)

	body := `{
		"redVersion": "9",
		"cli": {"inputs": {"token": {"_default": "hunter2"}}},
		"container": {
			"engine": "docker",
			"settings": {"image": {"url": "docker.io/library/alpine"}, "ram": 256}
		},
		"execution": {"engine": "ccagency", "settings": {}},
		"inputs": {"pattern": "a"}
	}`

	w := e.do(t, http.MethodPost, "/red", "alice", "password1", body)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	experiments, err := e.store.ListExperiments(storage.ExperimentFilter{})
	require.NoError(t, err)
	assert.Empty(t, experiments)
}

// TestRedRejectsInvalid tests validation errors surface as 400
func TestRedRejectsInvalid(t *testing.T) {
	e := newTestEnv(t)

	w := e.do(t, http.MethodPost, "/red", "alice", "password1", `{"redVersion": "9"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

// TestRedTrusteeDown tests that a failed bundle put aborts the submission
func TestRedTrusteeDown(t *testing.T) {
	e := newTestEnv(t)
	e.trustee.putErr = &types.Failure{Kind: types.FailureTransport, Reason: "trustee unreachable"}

	w := e.do(t, http.MethodPost, "/red", "alice", "password1", testRED)
	assert.Equal(t, http.StatusBadGateway, w.Code)

	experiments, err := e.store.ListExperiments(storage.ExperimentFilter{})
	require.NoError(t, err)
	assert.Empty(t, experiments, "nothing persists when the trustee is down")
}

// TestAuthRequired tests the 401 path and the cookie issued on success
func TestAuthRequired(t *testing.T) {
	e := newTestEnv(t)

	w := e.do(t, http.MethodGet, "/experiments", "", "", "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Header().Get("WWW-Authenticate"), "Basic")

	w = e.do(t, http.MethodGet, "/experiments", "alice", "wrong", "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = e.do(t, http.MethodGet, "/experiments", "alice", "password1", "")
	assert.Equal(t, http.StatusOK, w.Code)

	cookie := w.Result().Cookies()
	require.Len(t, cookie, 1)
	assert.Equal(t, auth.CookieName, cookie[0].Name)
}

// TestOwnership tests that users only see their own documents
func TestOwnership(t *testing.T) {
	e := newTestEnv(t)

	w := e.do(t, http.MethodPost, "/red", "alice", "password1", testRED)
	require.Equal(t, http.StatusCreated, w.Code)
	var resp redResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))

	// bob cannot read alice's experiment or batch.
	w = e.do(t, http.MethodGet, "/experiments/"+resp.ExperimentID, "bob", "password2", "")
	assert.Equal(t, http.StatusForbidden, w.Code)
	w = e.do(t, http.MethodGet, "/batches/"+resp.BatchIDs[0], "bob", "password2", "")
	assert.Equal(t, http.StatusForbidden, w.Code)
	w = e.do(t, http.MethodDelete, "/batches/"+resp.BatchIDs[0], "bob", "password2", "")
	assert.Equal(t, http.StatusForbidden, w.Code)

	// bob's listings are empty, alice's are not.
	w = e.do(t, http.MethodGet, "/batches", "bob", "password2", "")
	require.Equal(t, http.StatusOK, w.Code)
	var bobBatches []types.Batch
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &bobBatches))
	assert.Empty(t, bobBatches)

	// The admin sees everything.
	w = e.do(t, http.MethodGet, "/experiments/"+resp.ExperimentID, "root", "password3", "")
	assert.Equal(t, http.StatusOK, w.Code)
}

// TestCancelBatch tests cancellation semantics including idempotency
func TestCancelBatch(t *testing.T) {
	e := newTestEnv(t)

	w := e.do(t, http.MethodPost, "/red", "alice", "password1", testRED)
	require.Equal(t, http.StatusCreated, w.Code)
	var resp redResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	id := resp.BatchIDs[0]

	w = e.do(t, http.MethodDelete, "/batches/"+id, "alice", "password1", "")
	require.Equal(t, http.StatusOK, w.Code)
	got, err := e.store.GetBatch(id)
	require.NoError(t, err)
	assert.Equal(t, types.BatchCancelled, got.State)

	// Cancelling again is idempotent.
	w = e.do(t, http.MethodDelete, "/batches/"+id, "alice", "password1", "")
	assert.Equal(t, http.StatusOK, w.Code)

	// A succeeded batch cannot be cancelled.
	other := resp.BatchIDs[1]
	_, err = e.store.UpdateBatchCAS(other, types.BatchRegistered, func(b *types.Batch) error {
		b.AddHistory(types.BatchSucceeded, "")
		return nil
	})
	require.NoError(t, err)
	w = e.do(t, http.MethodDelete, "/batches/"+other, "alice", "password1", "")
	assert.Equal(t, http.StatusConflict, w.Code)
}

// TestCallback tests token auth, recording and phase idempotency
func TestCallback(t *testing.T) {
	e := newTestEnv(t)

	batch := &types.Batch{
		ID: "b1", ExperimentID: "e1", Username: "alice",
		RegistrationTime: time.Now().UTC(),
	}
	batch.AddHistory(types.BatchScheduled, "node-1")
	require.NoError(t, e.store.CreateBatch(batch))
	require.NoError(t, e.store.PutCallbackToken(&types.CallbackToken{
		BatchID: "b1", Token: "tok", Issued: time.Now().UTC(),
	}))

	post := func(phase, token, body string) *httptest.ResponseRecorder {
		r := httptest.NewRequest(http.MethodPost, "/callback/b1/"+phase, bytes.NewReader([]byte(body)))
		r.Header.Set("X-Callback-Token", token)
		w := httptest.NewRecorder()
		e.handler.ServeHTTP(w, r)
		return w
	}

	// Wrong token and unknown phase.
	assert.Equal(t, http.StatusUnauthorized, post("input", "wrong", `{"state":"succeeded"}`).Code)
	assert.Equal(t, http.StatusBadRequest, post("setup", "tok", `{"state":"succeeded"}`).Code)
	assert.Equal(t, http.StatusBadRequest, post("input", "tok", `{"state":"exploded"}`).Code)

	// Accepted result is recorded, without a state transition.
	w := post("input", "tok", `{"state":"succeeded","inputs":{"resolved":true}}`)
	require.Equal(t, http.StatusOK, w.Code)
	got, err := e.store.GetBatch("b1")
	require.NoError(t, err)
	assert.Equal(t, types.BatchScheduled, got.State)
	require.Contains(t, got.Callbacks, "input")
	assert.Equal(t, "succeeded", got.Callbacks["input"].State)

	// Replaying the phase succeeds but does not overwrite.
	w = post("input", "tok", `{"state":"failed"}`)
	assert.Equal(t, http.StatusOK, w.Code)
	got, err = e.store.GetBatch("b1")
	require.NoError(t, err)
	assert.Equal(t, "succeeded", got.Callbacks["input"].State)

	// Terminal batches reject further results.
	_, err = e.store.UpdateBatchCAS("b1", types.BatchScheduled, func(b *types.Batch) error {
		b.AddHistory(types.BatchCancelled, "")
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusConflict, post("main", "tok", `{"state":"succeeded"}`).Code)
}

// TestAdminEndpoints tests the admin gate and user management
func TestAdminEndpoints(t *testing.T) {
	e := newTestEnv(t)

	w := e.do(t, http.MethodGet, "/admin/users", "alice", "password1", "")
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = e.do(t, http.MethodPost, "/admin/users", "root", "password3",
		`{"username": "carol", "password": "password4", "isAdmin": false}`)
	require.Equal(t, http.StatusCreated, w.Code)

	// Short passwords and duplicates are rejected.
	w = e.do(t, http.MethodPost, "/admin/users", "root", "password3",
		`{"username": "dave", "password": "short"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = e.do(t, http.MethodPost, "/admin/users", "root", "password3",
		`{"username": "carol", "password": "password4"}`)
	assert.Equal(t, http.StatusConflict, w.Code)

	// The new account works.
	w = e.do(t, http.MethodGet, "/experiments", "carol", "password4", "")
	assert.Equal(t, http.StatusOK, w.Code)

	// Listings never leak verifiers.
	w = e.do(t, http.MethodGet, "/admin/users", "root", "password3", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotContains(t, w.Body.String(), "pbkdf2")

	// Password resets take effect immediately.
	w = e.do(t, http.MethodPut, "/admin/users/carol/password", "root", "password3",
		`{"password": "password5"}`)
	require.Equal(t, http.StatusOK, w.Code)
	w = e.do(t, http.MethodGet, "/experiments", "carol", "password4", "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	w = e.do(t, http.MethodGet, "/experiments", "carol", "password5", "")
	assert.Equal(t, http.StatusOK, w.Code)

	// Self-deletion is refused, deleting others works.
	w = e.do(t, http.MethodDelete, "/admin/users/root", "root", "password3", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = e.do(t, http.MethodDelete, "/admin/users/carol", "root", "password3", "")
	assert.Equal(t, http.StatusOK, w.Code)
	w = e.do(t, http.MethodGet, "/experiments", "carol", "password4", "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

// TestListNodes tests the currentBatches augmentation
func TestListNodes(t *testing.T) {
	e := newTestEnv(t)

	require.NoError(t, e.store.PutNode(&types.Node{
		NodeName: "node-1", URL: "http://node-1:8000",
		Hardware: types.Hardware{RAM: 1024},
	}))
	require.NoError(t, e.store.CreateExperiment(&types.Experiment{
		ID: "e1", Username: "alice",
		Container:        types.ContainerSettings{RAM: 256},
		RegistrationTime: time.Now().UTC(),
	}))
	running := &types.Batch{
		ID: "b1", ExperimentID: "e1", Username: "alice",
		RegistrationTime: time.Now().UTC(),
	}
	running.AddHistory(types.BatchProcessing, "node-1")
	require.NoError(t, e.store.CreateBatch(running))

	w := e.do(t, http.MethodGet, "/nodes", "alice", "password1", "")
	require.Equal(t, http.StatusOK, w.Code)

	var nodes []struct {
		NodeName       string `json:"nodeName"`
		CurrentBatches []struct {
			BatchID string `json:"batchId"`
			RAM     int    `json:"ram"`
		} `json:"currentBatches"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &nodes))
	require.Len(t, nodes, 1)
	assert.Equal(t, "node-1", nodes[0].NodeName)
	require.Len(t, nodes[0].CurrentBatches, 1)
	assert.Equal(t, "b1", nodes[0].CurrentBatches[0].BatchID)
	assert.Equal(t, 256, nodes[0].CurrentBatches[0].RAM)
}

// TestRemoteIP tests that forwarded headers only count behind a trusted proxy
func TestRemoteIP(t *testing.T) {
	tests := []struct {
		name       string
		trustProxy bool
		forwarded  string
		remoteAddr string
		want       string
	}{
		{"direct", false, "", "10.0.0.7:49152", "10.0.0.7"},
		{"spoofed header ignored", false, "203.0.113.9", "10.0.0.7:49152", "10.0.0.7"},
		{"trusted proxy", true, "203.0.113.9", "10.0.0.1:49152", "203.0.113.9"},
		{"trusted proxy chain", true, "203.0.113.9, 10.0.0.1", "10.0.0.1:49152", "203.0.113.9"},
		{"trusted proxy without header", true, "", "10.0.0.7:49152", "10.0.0.7"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := &Server{cfg: Config{TrustProxyHeaders: tt.trustProxy}}
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			r.RemoteAddr = tt.remoteAddr
			if tt.forwarded != "" {
				r.Header.Set("X-Forwarded-For", tt.forwarded)
			}
			assert.Equal(t, tt.want, s.remoteIP(r))
		})
	}
}

// TestListBatchesFilters tests state and experiment query filters
func TestListBatchesFilters(t *testing.T) {
	e := newTestEnv(t)

	w := e.do(t, http.MethodPost, "/red", "alice", "password1", testRED)
	require.Equal(t, http.StatusCreated, w.Code)
	var resp redResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))

	w = e.do(t, http.MethodGet, "/batches?state=registered", "alice", "password1", "")
	require.Equal(t, http.StatusOK, w.Code)
	var batches []types.Batch
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &batches))
	assert.Len(t, batches, 2)

	w = e.do(t, http.MethodGet, "/batches?state=bogus", "alice", "password1", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = e.do(t, http.MethodGet, "/batches?experimentId="+resp.ExperimentID+"&state=succeeded",
		"alice", "password1", "")
	require.Equal(t, http.StatusOK, w.Code)
	batches = nil
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &batches))
	assert.Empty(t, batches)
}
