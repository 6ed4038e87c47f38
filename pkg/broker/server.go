package broker

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/curious-containers/ccagency/pkg/auth"
	"github.com/curious-containers/ccagency/pkg/log"
	"github.com/curious-containers/ccagency/pkg/mailbox"
	"github.com/curious-containers/ccagency/pkg/metrics"
	"github.com/curious-containers/ccagency/pkg/storage"
	"github.com/curious-containers/ccagency/pkg/types"
)

// TrusteeClient is the slice of the trustee API the broker needs.
type TrusteeClient interface {
	Put(ctx context.Context, bundleID string, data map[string]string) error
	Delete(ctx context.Context, bundleID string, keys []string) error
}

// Config tunes the HTTP API.
type Config struct {
	BindAddr string
	// ControllerSocket is the controller mailbox the broker pokes after
	// intake, cancellation and callbacks.
	ControllerSocket string
	// TrustProxyHeaders makes X-Forwarded-For authoritative for the client
	// address. Only safe behind a proxy that strips the inbound header.
	TrustProxyHeaders bool
}

// Server is the HTTP API process surface: RED intake, read endpoints,
// agent callbacks and admin tooling. It never transitions batches between
// lifecycle states itself; it records intent and triggers the controller.
type Server struct {
	store   storage.Store
	auth    *auth.Authenticator
	trustee TrusteeClient
	cfg     Config
	http    *http.Server
}

// New assembles the server and its routes.
func New(store storage.Store, authn *auth.Authenticator, trustee TrusteeClient, cfg Config) *Server {
	s := &Server{
		store:   store,
		auth:    authn,
		trustee: trustee,
		cfg:     cfg,
	}
	s.http = &http.Server{
		Addr:              cfg.BindAddr,
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(s.countRequests)

	r.Get("/", s.handleRoot)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())
	r.Post("/callback/{batchId}/{phase}", s.handleCallback)

	r.Group(func(r chi.Router) {
		r.Use(s.authenticate)
		r.Post("/red", s.handleRed)
		r.Get("/experiments", s.handleListExperiments)
		r.Get("/experiments/{experimentId}", s.handleGetExperiment)
		r.Get("/batches", s.handleListBatches)
		r.Get("/batches/{batchId}", s.handleGetBatch)
		r.Delete("/batches/{batchId}", s.handleCancelBatch)
		r.Get("/nodes", s.handleListNodes)

		r.Route("/admin", func(r chi.Router) {
			r.Use(s.requireAdmin)
			r.Get("/users", s.handleListUsers)
			r.Post("/users", s.handleCreateUser)
			r.Put("/users/{username}/password", s.handleSetPassword)
			r.Delete("/users/{username}", s.handleDeleteUser)
		})
	})
	return r
}

// ListenAndServe blocks until the listener fails or Shutdown is called.
func (s *Server) ListenAndServe() error {
	logger := log.WithComponent("broker")
	logger.Info().Str("addr", s.cfg.BindAddr).Msg("broker listening")
	err := s.http.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

type ctxKey int

const userKey ctxKey = 0

// authenticate verifies Basic credentials or the session cookie and stores
// the user on the request context. Verification over Basic credentials
// yields a fresh cookie.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, freshCookie, err := s.auth.VerifyRequest(r, s.remoteIP(r))
		if err != nil {
			w.Header().Set("WWW-Authenticate", `Basic realm="ccagency"`)
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		if freshCookie != "" {
			http.SetCookie(w, &http.Cookie{
				Name:     auth.CookieName,
				Value:    freshCookie,
				Path:     "/",
				HttpOnly: true,
				SameSite: http.SameSiteStrictMode,
			})
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userKey, user)))
	})
}

func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !userFrom(r).IsAdmin {
			writeError(w, http.StatusForbidden, "admin privileges required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func userFrom(r *http.Request) *types.User {
	return r.Context().Value(userKey).(*types.User)
}

// countRequests records one counter sample per finished request.
func (s *Server) countRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		metrics.APIRequestsTotal.WithLabelValues(r.Method, strconv.Itoa(rec.status)).Inc()
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// remoteIP resolves the client address used as the throttling key. The
// X-Forwarded-For header counts only when the deployment declares a trusted
// proxy; otherwise any client could rotate its blocklist key per request.
func (s *Server) remoteIP(r *http.Request) string {
	if s.cfg.TrustProxyHeaders {
		if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
			if i := strings.IndexByte(fwd, ','); i >= 0 {
				fwd = fwd[:i]
			}
			return strings.TrimSpace(fwd)
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// trigger pokes the controller mailbox. Best-effort: the controller also
// runs passes on its interval, so a lost trigger only adds latency.
func (s *Server) trigger() {
	if s.cfg.ControllerSocket == "" {
		return
	}
	if err := mailbox.Send(s.cfg.ControllerSocket, mailbox.DestinationScheduler); err != nil {
		logger := log.WithComponent("broker")
		logger.Warn().Err(err).Msg("failed to trigger controller")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger := log.WithComponent("broker")
		logger.Error().Err(err).Msg("failed to encode response")
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// writeStoreError maps store sentinels onto HTTP statuses.
func writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, storage.ErrAlreadyExists):
		writeError(w, http.StatusConflict, "already exists")
	case errors.Is(err, storage.ErrStateConflict):
		writeError(w, http.StatusConflict, "state conflict")
	default:
		logger := log.WithComponent("broker")
		logger.Error().Err(err).Msg("store operation failed")
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
