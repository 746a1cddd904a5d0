// Package rpc exposes the librarian's HTTP API. Every operation lives at
// /api/<name>, takes a JSON payload in a `request` form or query field, and
// answers with a JSON object carrying a boolean `success`. Business and
// authentication failures both answer 400 so that callers only ever branch
// on the decoded body.
package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hera-team/librarian/internal/catalog"
	"github.com/hera-team/librarian/internal/config"
	"github.com/hera-team/librarian/internal/logging"
	"github.com/hera-team/librarian/internal/obsid"
	"github.com/hera-team/librarian/internal/offload"
	"github.com/hera-team/librarian/internal/replication"
	"github.com/hera-team/librarian/internal/staging"
	"github.com/hera-team/librarian/internal/store"
	"github.com/hera-team/librarian/internal/tasks"
)

// maxRequestBytes bounds a single request payload. rec_info bundles for big
// directory trees are the largest legitimate payloads.
const maxRequestBytes = 16 << 20

// handlerFunc runs one operation for an authenticated source.
type handlerFunc func(ctx context.Context, source string, a args) (map[string]any, error)

// opSpec couples a handler with whether it mutates state; mutating operations
// are refused on read-only librarians.
type opSpec struct {
	fn      handlerFunc
	mutates bool
}

// Deps collects the collaborators the handlers call into. Staging and
// Replication may be nil when the deployment does not configure them.
type Deps struct {
	Config      *config.Config
	Catalog     *catalog.Catalog
	Stores      *store.Registry
	Tasks       *tasks.Manager
	Replication *replication.Engine
	Offload     *offload.Offloader
	Staging     *staging.Stager
	Obsid       *obsid.Inferrer
}

// Server is the librarian's HTTP front end.
type Server struct {
	logger *slog.Logger
	deps   Deps
	ops    map[string]opSpec

	mu         sync.Mutex
	httpServer *http.Server
	listener   net.Listener
	addr       string
}

// New builds a server over the given collaborators.
func New(deps Deps, logger *slog.Logger) *Server {
	s := &Server{
		logger: logging.Default(logger).With("component", "rpc"),
		deps:   deps,
	}
	s.ops = map[string]opSpec{
		"ping":                                 {fn: s.handlePing},
		"create_file_event":                    {fn: s.handleCreateFileEvent, mutates: true},
		"locate_file_instance":                 {fn: s.handleLocateFileInstance},
		"set_one_file_deletion_policy":         {fn: s.handleSetOneDeletionPolicy, mutates: true},
		"delete_file_instances":                {fn: s.handleDeleteFileInstances, mutates: true},
		"delete_file_instances_matching_query": {fn: s.handleDeleteMatchingQuery, mutates: true},
		"register_instances":                   {fn: s.handleRegisterInstances, mutates: true},
		"create_file_record":                   {fn: s.handleCreateFileRecord, mutates: true},
		"gather_file_record":                   {fn: s.handleGatherFileRecord},
		"launch_file_copy":                     {fn: s.handleLaunchFileCopy, mutates: true},
		"initiate_offload":                     {fn: s.handleInitiateOffload, mutates: true},
		"recommended_store":                    {fn: s.handleRecommendedStore},
		"create_or_update_observation":         {fn: s.handleUpsertObservation, mutates: true},
		"assign_observing_sessions":            {fn: s.handleAssignSessions, mutates: true},
		"describe_session_without_event":       {fn: s.handleDescribeSession},
		"search":                               {fn: s.handleSearch},
		"initiate_upload":                      {fn: s.handleInitiateUpload, mutates: true},
		"complete_upload":                      {fn: s.handleCompleteUpload, mutates: true},
		"create_standing_order":                {fn: s.handleCreateStandingOrder, mutates: true},
		"update_standing_order":                {fn: s.handleUpdateStandingOrder, mutates: true},
		"delete_standing_order":                {fn: s.handleDeleteStandingOrder, mutates: true},
		"list_standing_orders":                 {fn: s.handleListStandingOrders},
		"task_status":                          {fn: s.handleTaskStatus},
		"list_stores":                          {fn: s.handleListStores},
		"set_store_availability":               {fn: s.handleSetStoreAvailability, mutates: true},
		"probe_stores":                         {fn: s.handleProbeStores},
	}
	return s
}

// Start binds the address and serves until ctx is cancelled. It returns as
// soon as the listener is up; use Addr for the bound address.
func (s *Server) Start(ctx context.Context, addr string) error {
	mux := s.Handler()

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	s.mu.Lock()
	s.listener = listener
	s.addr = listener.Addr().String()
	s.httpServer = &http.Server{
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	srv := s.httpServer
	s.mu.Unlock()

	go func() {
		if err := srv.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.logger.Error("http server failed", "error", err)
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("http shutdown incomplete", "error", err)
		}
	}()

	s.logger.Info("rpc server listening", "addr", s.addr)
	return nil
}

// Addr returns the bound listen address, valid after Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Stop shuts the server down outside of context cancellation.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv := s.httpServer
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

// Handler exposes the API routes for tests and embedding.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/api/", s.handleAPI)
	return mux
}

// handleHealth answers unauthenticated liveness probes.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleAPI(w http.ResponseWriter, r *http.Request) {
	op := strings.TrimPrefix(r.URL.Path, "/api/")
	spec, ok := s.ops[op]
	if !ok {
		s.fail(w, kindBadRequest, fmt.Sprintf("unknown operation %q", op))
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBytes)
	reqText := r.FormValue("request")
	if reqText == "" {
		s.fail(w, kindBadRequest, "no request payload provided")
		return
	}
	var a args
	if err := json.Unmarshal([]byte(reqText), &a); err != nil {
		s.fail(w, kindBadRequest, fmt.Sprintf("request payload is not a JSON object: %v", err))
		return
	}

	// The authenticator maps to a source name and never reaches handlers.
	auth, _ := a["authenticator"].(string)
	delete(a, "authenticator")
	source := s.deps.Config.SourceForAuthenticator(auth)
	if source == "" {
		s.fail(w, kindAuthFailed, "authentication failed")
		return
	}

	if spec.mutates && s.deps.Config.ReadOnly() {
		s.fail(w, kindAuthFailed, "this librarian is read-only")
		return
	}

	reqID := uuid.NewString()[:8]
	s.logger.Debug("rpc request", "op", op, "source", source, "id", reqID)

	result, err := spec.fn(r.Context(), source, a)
	if err != nil {
		kind := classify(err)
		msg := err.Error()
		if kind == kindInternal {
			// Internals stay in the logs; callers get a reference id.
			s.logger.Error("rpc operation failed", "op", op, "source", source,
				"id", reqID, "error", err)
			msg = fmt.Sprintf("internal error (reference %s)", reqID)
		} else {
			s.logger.Info("rpc operation rejected", "op", op, "source", source,
				"id", reqID, "kind", kind, "error", err)
		}
		s.fail(w, kind, msg)
		return
	}

	if result == nil {
		result = map[string]any{}
	}
	if _, ok := result["success"]; !ok {
		result["success"] = true
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) fail(w http.ResponseWriter, kind, message string) {
	writeJSON(w, http.StatusBadRequest, map[string]any{
		"success": false,
		"kind":    kind,
		"message": message,
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
