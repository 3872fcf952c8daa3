package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"raftcore/pkg/kv"
	"raftcore/pkg/metrics"
	"raftcore/pkg/raftadapter"
	"raftcore/pkg/replication"

	"github.com/go-chi/chi/v5"
	"go.etcd.io/etcd/raft/v3/raftpb"
)

const (
	contentTypeJSON          = "application/json"
	defaultHTTPPort          = 8080
	defaultShutdownTimeout   = time.Second * 5
	defaultReadHeaderTimeout = time.Second
	defaultEntriesLimit      = 100
	maxEntriesLimit          = 1000
	maxBodySize              = 16 << 20
)

type iReplicator interface {
	Replicate(ctx context.Context, content []byte, trackResult bool) (replication.Result, error)
}

type iRaftNode interface {
	Propose(ctx context.Context, op replication.Operation) error
	Handle(ctx context.Context, message raftpb.Message) error
	ReadJournal(from uint64, limit int) ([]raftadapter.JournalEntry, error)
	PruneJournal(safeIndex uint64) (uint64, error)
}

type iStateMachine interface {
	Get(key string) (string, bool)
}

type iMetrics interface {
	Snapshot() metrics.Snapshot
}

// Deps are the collaborators behind the HTTP API.
type Deps struct {
	Replicator   iReplicator
	Node         iRaftNode
	StateMachine iStateMachine
	Metrics      iMetrics
}

// Server represents the HTTP server of a raft member
type Server struct {
	deps              Deps
	httpServer        *http.Server
	URL               string
	addr              string
	readHeaderTimeout time.Duration
}

// NewServer creates a new server instance
func NewServer(deps Deps, port int, readHeaderTimeout time.Duration) *Server {
	if port == 0 {
		port = defaultHTTPPort
	}
	if readHeaderTimeout <= 0 {
		readHeaderTimeout = defaultReadHeaderTimeout
	}
	return &Server{
		deps:              deps,
		URL:               "http://localhost:" + strconv.Itoa(port),
		addr:              ":" + strconv.Itoa(port),
		readHeaderTimeout: readHeaderTimeout,
	}
}

// Start starts the server
func (s *Server) Start() error {
	if err := s.startHTTPServer(); err != nil {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}
	return nil
}

// Stop stops the server
func (s *Server) Stop() error {
	if s.httpServer == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}
	return nil
}

// createRouter builds chi router
func (s *Server) createRouter() http.Handler {
	r := chi.NewRouter()

	r.Get("/health", s.handleHealth)
	r.Get("/api/metrics", s.handleMetrics)

	r.Post("/api/replicate", s.handleReplicate)
	r.Put("/api/string", s.handlePut)
	r.Get("/api/string", s.handleGet)
	r.Delete("/api", s.handleDelete)

	r.Get("/api/log/entries", s.handleLogEntries)
	r.Post("/api/log/prune", s.handleLogPrune)

	r.Route("/api/internal", func(r chi.Router) {
		r.Post("/replicate", s.handleInternalReplicate)
		r.Post("/raft", s.handleRaft)
	})

	return r
}

func (s *Server) startHTTPServer() error {
	s.httpServer = &http.Server{
		Addr:              s.addr,
		Handler:           s.createRouter(),
		ReadHeaderTimeout: s.readHeaderTimeout,
	}

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("HTTP server error", "error", err)
		}
	}()

	slog.Info("HTTP server started", "addr", s.URL)
	return nil
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Warn("Error encoding response", "error", err)
	}
}

// writeReplicationError maps replication failures onto 503 so that clients may retry elsewhere.
func (s *Server) writeReplicationError(w http.ResponseWriter, err error) {
	var rf *replication.ReplicationFailure
	if errors.As(err, &rf) {
		s.writeJSON(w, http.StatusServiceUnavailable, retryableResponse(err))
		return
	}
	s.writeJSON(w, http.StatusInternalServerError, errorResponse(err.Error()))
}

func (s *Server) writeResult(w http.ResponseWriter, res replication.Result) {
	if res.Err != nil {
		s.writeJSON(w, http.StatusUnprocessableEntity, errorResponse(res.Err.Error()))
		return
	}
	if res.Value == nil {
		s.writeJSON(w, http.StatusOK, successResponse())
		return
	}
	s.writeJSON(w, http.StatusOK, valueResponse(string(res.Value)))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, healthResponse())
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if s.deps.Metrics == nil {
		s.writeJSON(w, http.StatusOK, metrics.Snapshot{})
		return
	}
	s.writeJSON(w, http.StatusOK, s.deps.Metrics.Snapshot())
}

// handleReplicate replicates the raw request body. With track=false the call returns as soon
// as the leader has the operation.
func (s *Server) handleReplicate(w http.ResponseWriter, r *http.Request) {
	content, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodySize))
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorResponse("Failed to read body"))
		return
	}

	track := true
	if v := r.URL.Query().Get("track"); v != "" {
		if track, err = strconv.ParseBool(v); err != nil {
			s.writeJSON(w, http.StatusBadRequest, errorResponse("Invalid track flag"))
			return
		}
	}

	res, err := s.deps.Replicator.Replicate(r.Context(), content, track)
	if err != nil {
		s.writeReplicationError(w, err)
		return
	}
	s.writeResult(w, res)
}

func (s *Server) replicateCommand(w http.ResponseWriter, r *http.Request, cmd kv.Command) {
	content, err := cmd.Encode()
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorResponse(err.Error()))
		return
	}
	res, err := s.deps.Replicator.Replicate(r.Context(), content, true)
	if err != nil {
		s.writeReplicationError(w, err)
		return
	}
	s.writeResult(w, res)
}

func (s *Server) handlePut(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorResponse("Failed to parse form"))
		return
	}

	key := r.FormValue("key")
	value := r.FormValue("value")
	if key == "" || value == "" {
		s.writeJSON(w, http.StatusBadRequest, errorResponse("Missing key or value"))
		return
	}

	s.replicateCommand(w, r, kv.Command{Op: kv.PutOp, Key: key, Value: value})
}

// handleGet читает локальную копию state machine (может отставать от лидера)
func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("key")
	if key == "" {
		s.writeJSON(w, http.StatusBadRequest, errorResponse("Missing key"))
		return
	}

	value, found := s.deps.StateMachine.Get(key)
	if !found {
		s.writeJSON(w, http.StatusNotFound, errorResponse("Key not found"))
		return
	}
	s.writeJSON(w, http.StatusOK, valueResponse(value))
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("key")
	if key == "" {
		s.writeJSON(w, http.StatusBadRequest, errorResponse("Missing key"))
		return
	}

	s.replicateCommand(w, r, kv.Command{Op: kv.DeleteOp, Key: key})
}

func (s *Server) handleLogEntries(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	from, err := strconv.ParseUint(q.Get("from"), 10, 64)
	if err != nil || from == 0 {
		s.writeJSON(w, http.StatusBadRequest, errorResponse("Invalid from index"))
		return
	}
	limit := defaultEntriesLimit
	if v := q.Get("limit"); v != "" {
		if limit, err = strconv.Atoi(v); err != nil || limit <= 0 {
			s.writeJSON(w, http.StatusBadRequest, errorResponse("Invalid limit"))
			return
		}
	}
	limit = min(limit, maxEntriesLimit)

	entries, err := s.deps.Node.ReadJournal(from, limit)
	if err != nil {
		s.writeJSON(w, http.StatusInternalServerError, errorResponse(err.Error()))
		return
	}
	if entries == nil {
		entries = []raftadapter.JournalEntry{}
	}
	s.writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleLogPrune(w http.ResponseWriter, r *http.Request) {
	index, err := strconv.ParseUint(r.URL.Query().Get("index"), 10, 64)
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorResponse("Invalid index"))
		return
	}

	prevIndex, err := s.deps.Node.PruneJournal(index)
	if err != nil {
		s.writeJSON(w, http.StatusInternalServerError, errorResponse(err.Error()))
		return
	}
	s.writeJSON(w, http.StatusOK, pruneResponse(prevIndex))
}

// handleInternalReplicate принимает NewEntry-запрос от другой ноды и предлагает операцию в raft
func (s *Server) handleInternalReplicate(w http.ResponseWriter, r *http.Request) {
	var req replication.NewEntryRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize)).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorResponse(err.Error()))
		return
	}

	if err := s.deps.Node.Propose(r.Context(), req.Operation); err != nil {
		if errors.Is(err, raftadapter.ErrNodeStopped) {
			s.writeJSON(w, http.StatusServiceUnavailable, errorResponse(err.Error()))
			return
		}
		s.writeJSON(w, http.StatusInternalServerError, errorResponse(err.Error()))
		return
	}
	s.writeJSON(w, http.StatusOK, successResponse())
}

func (s *Server) handleRaft(w http.ResponseWriter, r *http.Request) {
	var msg raftpb.Message
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorResponse(err.Error()))
		return
	}
	if err := s.deps.Node.Handle(r.Context(), msg); err != nil {
		s.writeJSON(w, http.StatusInternalServerError, errorResponse(err.Error()))
		return
	}

	s.writeJSON(w, http.StatusOK, successResponse())
}
