package broker

import (
	"crypto/hmac"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/curious-containers/ccagency/pkg/log"
	"github.com/curious-containers/ccagency/pkg/metrics"
	"github.com/curious-containers/ccagency/pkg/red"
	"github.com/curious-containers/ccagency/pkg/storage"
	"github.com/curious-containers/ccagency/pkg/trustee"
	"github.com/curious-containers/ccagency/pkg/types"
)

// maxRedBytes bounds the accepted RED document size.
const maxRedBytes = 16 << 20

var validate = validator.New(validator.WithRequiredStructEnabled())

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"Hello": "World"})
}

type redResponse struct {
	ExperimentID string   `json:"experimentId"`
	BatchIDs     []string `json:"batchIds"`
}

// handleRed accepts a RED document, hoists protected values into per-batch
// trustee bundles and persists the experiment with all its batches in the
// registered state. Nothing protected ever reaches the store.
func (s *Server) handleRed(w http.ResponseWriter, r *http.Request) {
	user := userFrom(r)
	logger := log.WithComponent("broker")

	body, err := io.ReadAll(io.LimitReader(r.Body, maxRedBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read request body")
		return
	}

	doc, err := red.Parse(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	now := time.Now().UTC()
	container, execution := doc.ExperimentSettings()
	exp := &types.Experiment{
		ID:               uuid.New().String(),
		Username:         user.Username,
		Container:        container,
		Execution:        execution,
		CLI:              doc.CLI,
		Notifications:    doc.NotificationURLs(),
		RegistrationTime: now,
	}

	sections := doc.BatchSections()
	batches := make([]*types.Batch, 0, len(sections))
	bundles := make(map[string]map[string]string)
	for i, sec := range sections {
		id := uuid.New().String()

		raw := map[string]any{"inputs": sec.Inputs}
		if sec.Outputs != nil {
			raw["outputs"] = sec.Outputs
		}
		if doc.Container.Settings.Image.Auth != nil {
			raw["imageAuth"] = doc.Container.Settings.Image.Auth
		}
		clean, bundle := red.HoistProtected(raw, id)

		b := &types.Batch{
			ID:                  id,
			ExperimentID:        exp.ID,
			Username:            user.Username,
			Index:               i,
			Mount:               sec.Mount,
			Inputs:              asMap(clean["inputs"]),
			Outputs:             asMap(clean["outputs"]),
			ImageAuth:           asMap(clean["imageAuth"]),
			ProtectedKeysVoided: len(bundle) == 0,
			RegistrationTime:    now,
		}
		b.AddHistory(types.BatchRegistered, "")
		batches = append(batches, b)
		if len(bundle) > 0 {
			bundles[id] = bundle
		}
	}

	// Bundles go to the trustee before anything is persisted, so a stored
	// batch can always resolve its references. A failed put rolls back the
	// bundles already delivered.
	stored := make([]string, 0, len(bundles))
	for id, bundle := range bundles {
		err := s.trustee.Put(r.Context(), id, bundle)
		if err != nil && !errors.Is(err, trustee.ErrAlreadyExists) {
			for _, prev := range stored {
				_ = s.trustee.Delete(r.Context(), prev, nil)
			}
			logger.Error().Err(err).Msg("failed to store secret bundle")
			writeError(w, http.StatusBadGateway, "secret store unavailable")
			return
		}
		stored = append(stored, id)
	}

	if err := s.store.CreateExperiment(exp); err != nil {
		s.rollbackBundles(r, stored)
		writeStoreError(w, err)
		return
	}
	ids := make([]string, 0, len(batches))
	for _, b := range batches {
		if err := s.store.CreateBatch(b); err != nil {
			s.rollbackBundles(r, stored)
			writeStoreError(w, err)
			return
		}
		ids = append(ids, b.ID)
	}

	metrics.ExperimentsAccepted.Inc()
	logger.Info().Str("experiment_id", exp.ID).Str("username", user.Username).
		Int("batches", len(ids)).Msg("experiment accepted")
	s.trigger()
	writeJSON(w, http.StatusCreated, redResponse{ExperimentID: exp.ID, BatchIDs: ids})
}

func (s *Server) rollbackBundles(r *http.Request, ids []string) {
	for _, id := range ids {
		_ = s.trustee.Delete(r.Context(), id, nil)
	}
}

func asMap(v any) map[string]any {
	m, _ := v.(map[string]any)
	return m
}

func (s *Server) handleListExperiments(w http.ResponseWriter, r *http.Request) {
	user := userFrom(r)

	filter := storage.ExperimentFilter{Username: user.Username}
	if user.IsAdmin {
		filter.Username = r.URL.Query().Get("username")
	}
	if limit := r.URL.Query().Get("limit"); limit != "" {
		n, err := parsePositive(limit)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		filter.Limit = n
	}
	if skip := r.URL.Query().Get("skip"); skip != "" {
		n, err := parsePositive(skip)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid skip")
			return
		}
		filter.Skip = n
	}

	experiments, err := s.store.ListExperiments(filter)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, experiments)
}

func (s *Server) handleGetExperiment(w http.ResponseWriter, r *http.Request) {
	user := userFrom(r)
	exp, err := s.store.GetExperiment(chi.URLParam(r, "experimentId"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if exp.Username != user.Username && !user.IsAdmin {
		writeError(w, http.StatusForbidden, "forbidden")
		return
	}
	writeJSON(w, http.StatusOK, exp)
}

func (s *Server) handleListBatches(w http.ResponseWriter, r *http.Request) {
	user := userFrom(r)

	filter := storage.BatchFilter{Username: user.Username}
	if user.IsAdmin {
		filter.Username = r.URL.Query().Get("username")
	}
	filter.ExperimentID = r.URL.Query().Get("experimentId")
	if state := r.URL.Query().Get("state"); state != "" {
		if !types.BatchState(state).Valid() {
			writeError(w, http.StatusBadRequest, "unknown batch state")
			return
		}
		filter.State = types.BatchState(state)
	}

	batches, err := s.store.ListBatches(filter)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, batches)
}

func (s *Server) handleGetBatch(w http.ResponseWriter, r *http.Request) {
	user := userFrom(r)
	batch, err := s.store.GetBatch(chi.URLParam(r, "batchId"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if batch.Username != user.Username && !user.IsAdmin {
		writeError(w, http.StatusForbidden, "forbidden")
		return
	}
	writeJSON(w, http.StatusOK, batch)
}

// handleCancelBatch marks a batch cancelled. Cancelling an already cancelled
// batch is idempotent; succeeded and failed batches stay what they are.
func (s *Server) handleCancelBatch(w http.ResponseWriter, r *http.Request) {
	user := userFrom(r)
	id := chi.URLParam(r, "batchId")

	batch, err := s.store.GetBatch(id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if batch.Username != user.Username && !user.IsAdmin {
		writeError(w, http.StatusForbidden, "forbidden")
		return
	}

	// The read and the CAS race with the scheduler; a handful of re-reads
	// resolves any interleaving.
	for attempt := 0; attempt < 3; attempt++ {
		if batch.State == types.BatchCancelled {
			writeJSON(w, http.StatusOK, batch)
			return
		}
		if batch.State.IsTerminal() {
			writeError(w, http.StatusConflict, "batch is "+string(batch.State))
			return
		}

		updated, err := s.store.UpdateBatchCAS(id, batch.State, func(b *types.Batch) error {
			b.AddHistory(types.BatchCancelled, b.Node, "cancelled by "+user.Username)
			return nil
		})
		if err == nil {
			logger := log.WithBatchID(id)
			logger.Info().Str("username", user.Username).Msg("batch cancelled")
			s.trigger()
			writeJSON(w, http.StatusOK, updated)
			return
		}
		if !errors.Is(err, storage.ErrStateConflict) {
			writeStoreError(w, err)
			return
		}
		if batch, err = s.store.GetBatch(id); err != nil {
			writeStoreError(w, err)
			return
		}
	}
	writeError(w, http.StatusConflict, "state conflict")
}

type currentBatch struct {
	BatchID string `json:"batchId"`
	RAM     int    `json:"ram"`
}

type nodeDocument struct {
	*types.Node
	CurrentBatches []currentBatch `json:"currentBatches"`
}

// handleListNodes lists the fleet, each node augmented with the batches it
// currently runs and their RAM demand.
func (s *Server) handleListNodes(w http.ResponseWriter, r *http.Request) {
	nodes, err := s.store.ListNodes()
	if err != nil {
		writeStoreError(w, err)
		return
	}
	active, err := s.store.ListBatchesByState(types.BatchScheduled, types.BatchProcessing)
	if err != nil {
		writeStoreError(w, err)
		return
	}

	ramByExperiment := make(map[string]int)
	byNode := make(map[string][]currentBatch)
	for _, b := range active {
		ram, ok := ramByExperiment[b.ExperimentID]
		if !ok {
			exp, err := s.store.GetExperiment(b.ExperimentID)
			if err != nil {
				continue
			}
			ram = exp.Container.RAM
			ramByExperiment[b.ExperimentID] = ram
		}
		byNode[b.Node] = append(byNode[b.Node], currentBatch{BatchID: b.ID, RAM: ram})
	}

	out := make([]nodeDocument, 0, len(nodes))
	for _, node := range nodes {
		batches := byNode[node.NodeName]
		if batches == nil {
			batches = []currentBatch{}
		}
		out = append(out, nodeDocument{Node: node, CurrentBatches: batches})
	}
	writeJSON(w, http.StatusOK, out)
}

// handleCallback records one phase result posted by a node agent. The call
// authenticates with the per-batch token; a replay of an already accepted
// phase succeeds without changing anything.
func (s *Server) handleCallback(w http.ResponseWriter, r *http.Request) {
	batchID := chi.URLParam(r, "batchId")
	phase := types.CallbackPhase(chi.URLParam(r, "phase"))
	logger := log.WithBatchID(batchID)

	if !types.ValidPhase(phase) {
		writeError(w, http.StatusBadRequest, "unknown callback phase")
		return
	}

	token, err := s.store.GetCallbackToken(batchID)
	if err != nil || !hmac.Equal([]byte(token.Token), []byte(r.Header.Get("X-Callback-Token"))) {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	for _, used := range token.UsedPhases {
		if used == string(phase) {
			writeJSON(w, http.StatusOK, map[string]string{"status": "already recorded"})
			return
		}
	}

	var result types.CallbackResult
	if err := json.NewDecoder(io.LimitReader(r.Body, maxRedBytes)).Decode(&result); err != nil {
		writeError(w, http.StatusBadRequest, "malformed callback payload")
		return
	}
	if err := validate.Struct(&result); err != nil {
		writeError(w, http.StatusBadRequest, "invalid callback payload")
		return
	}

	batch, err := s.store.GetBatch(batchID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if batch.State.IsTerminal() {
		writeError(w, http.StatusConflict, "batch is "+string(batch.State))
		return
	}

	// Recording never transitions the batch; the scheduler converts the
	// result on its next pass.
	_, err = s.store.UpdateBatchCAS(batchID, batch.State, func(b *types.Batch) error {
		if b.Callbacks == nil {
			b.Callbacks = make(map[string]types.CallbackResult)
		}
		b.Callbacks[string(phase)] = result
		return nil
	})
	if err != nil {
		writeStoreError(w, err)
		return
	}

	token.UsedPhases = append(token.UsedPhases, string(phase))
	if err := s.store.PutCallbackToken(token); err != nil {
		logger.Error().Err(err).Msg("failed to update callback token")
	}

	logger.Debug().Str("phase", string(phase)).Str("state", result.State).
		Msg("callback recorded")
	s.trigger()
	writeJSON(w, http.StatusOK, map[string]string{"status": "recorded"})
}

type createUserRequest struct {
	Username string `json:"username" validate:"required"`
	Password string `json:"password" validate:"required,min=8"`
	IsAdmin  bool   `json:"isAdmin"`
}

func (s *Server) handleListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := s.store.ListUsers()
	if err != nil {
		writeStoreError(w, err)
		return
	}
	type entry struct {
		Username string `json:"username"`
		IsAdmin  bool   `json:"isAdmin"`
	}
	out := make([]entry, 0, len(users))
	for _, u := range users {
		out = append(out, entry{Username: u.Username, IsAdmin: u.IsAdmin})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	var req createUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if err := validate.Struct(&req); err != nil {
		writeError(w, http.StatusBadRequest, "username and a password of at least 8 characters are required")
		return
	}
	if err := s.auth.CreateUser(req.Username, req.Password, req.IsAdmin); err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"username": req.Username})
}

type setPasswordRequest struct {
	Password string `json:"password" validate:"required,min=8"`
}

func (s *Server) handleSetPassword(w http.ResponseWriter, r *http.Request) {
	var req setPasswordRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if err := validate.Struct(&req); err != nil {
		writeError(w, http.StatusBadRequest, "a password of at least 8 characters is required")
		return
	}
	username := chi.URLParam(r, "username")
	if err := s.auth.SetPassword(username, req.Password); err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"username": username})
}

func (s *Server) handleDeleteUser(w http.ResponseWriter, r *http.Request) {
	username := chi.URLParam(r, "username")
	if username == userFrom(r).Username {
		writeError(w, http.StatusBadRequest, "cannot delete the requesting user")
		return
	}
	if err := s.auth.RemoveUser(username); err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"username": username})
}

func parsePositive(s string) (int, error) {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, err
	}
	if n < 0 {
		return 0, errors.New("negative value")
	}
	return n, nil
}
