// Package api exposes a small operational HTTP surface on the device:
// queue inspection, manual sync triggering, and operator conflict controls.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/fabworks/floorsync/internal/engine"
	"github.com/fabworks/floorsync/internal/queue"
)

// Server is the local HTTP API server.
type Server struct {
	port       int
	eng        *engine.Engine
	store      *queue.Store
	logger     *slog.Logger
	httpServer *http.Server
}

// NewServer creates an API server bound to the given engine and queue.
func NewServer(port int, eng *engine.Engine, store *queue.Store, logger *slog.Logger) *Server {
	return &Server{
		port:   port,
		eng:    eng,
		store:  store,
		logger: logger.With("component", "api"),
	}
}

// Handler builds the route table. Split out so tests can drive it
// through httptest without binding a port.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/api/sync", s.handleSync)
	mux.HandleFunc("/api/queue", s.handleQueue)
	mux.HandleFunc("/api/queue/", s.handleQueueItem)
	mux.HandleFunc("/ws/progress", s.handleProgressWS)
	return s.loggingMiddleware(mux)
}

// Start runs the server until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", s.port),
		Handler:      s.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("API server starting", "port", s.port)

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("shutting down API server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

// handleStatus reports the engine state and queue depth by status.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	stats, err := s.store.Stats(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	prog := s.eng.Progress()
	writeJSON(w, http.StatusOK, map[string]any{
		"syncing": s.eng.Syncing(),
		"progress": map[string]any{
			"total":     prog.Total,
			"processed": prog.Processed,
			"status":    string(prog.Status),
		},
		"queue": stats,
	})
}

// handleSync triggers a sync run in the background. Responds 409 if a run
// is already in flight.
func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	if s.eng.Syncing() {
		writeError(w, http.StatusConflict, "sync already in progress")
		return
	}

	go func() {
		result, err := s.eng.RunSync(context.Background())
		if err != nil {
			if errors.Is(err, engine.ErrSyncInProgress) {
				return
			}
			s.logger.Error("triggered sync failed", "error", err)
			return
		}
		s.logger.Info("triggered sync finished",
			"processed", result.Processed,
			"succeeded", result.Succeeded,
			"failed", result.Failed,
		)
	}()

	writeJSON(w, http.StatusAccepted, map[string]string{"status": "started"})
}

// handleQueue lists queue counts; payloads stay encrypted at rest and are
// never returned in full here.
func (s *Server) handleQueue(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	stats, err := s.store.Stats(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// itemView is the JSON shape for a single queue item.
type itemView struct {
	ID             string `json:"id"`
	Operation      string `json:"operation"`
	Table          string `json:"table"`
	Priority       string `json:"priority"`
	Status         string `json:"status"`
	CreatedAt      string `json:"createdAt"`
	RetryCount     int    `json:"retryCount"`
	LastError      string `json:"lastError,omitempty"`
	NextEligibleAt string `json:"nextEligibleAt,omitempty"`
}

func viewOf(item *queue.Item) itemView {
	v := itemView{
		ID:         item.ID,
		Operation:  string(item.Operation),
		Table:      item.Table,
		Priority:   string(item.Priority),
		Status:     string(item.Status),
		CreatedAt:  item.CreatedAt.UTC().Format(time.RFC3339),
		RetryCount: item.RetryCount,
		LastError:  item.LastError,
	}
	if !item.NextEligibleAt.IsZero() {
		v.NextEligibleAt = item.NextEligibleAt.UTC().Format(time.RFC3339)
	}
	return v
}

// handleQueueItem routes /api/queue/{id} and the operator actions
// /api/queue/{id}/retry and /api/queue/{id}/resolve.
func (s *Server) handleQueueItem(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/queue/")
	parts := strings.SplitN(rest, "/", 2)
	id := parts[0]
	if id == "" {
		writeError(w, http.StatusNotFound, "missing item id")
		return
	}

	action := ""
	if len(parts) == 2 {
		action = parts[1]
	}

	switch action {
	case "":
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		s.getItem(w, r, id)
	case "retry":
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		s.retryItem(w, r, id)
	case "resolve":
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		s.resolveItem(w, r, id)
	default:
		writeError(w, http.StatusNotFound, "unknown action")
	}
}

func (s *Server) getItem(w http.ResponseWriter, r *http.Request, id string) {
	item, err := s.store.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, queue.ErrNotFound) {
			writeError(w, http.StatusNotFound, "item not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, viewOf(item))
}

// retryItem puts a failed, manual, or quarantined item back in the pending
// queue with a fresh retry budget.
func (s *Server) retryItem(w http.ResponseWriter, r *http.Request, id string) {
	if err := s.store.Requeue(r.Context(), id); err != nil {
		if errors.Is(err, queue.ErrNotFound) {
			writeError(w, http.StatusNotFound, "item not found or not retryable")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.logger.Info("operator requeued item", "item", id)
	writeJSON(w, http.StatusOK, map[string]string{"status": "requeued"})
}

// resolveRequest is the operator's decision for a parked conflict.
type resolveRequest struct {
	Strategy string `json:"strategy"` // "use_local" or "use_remote"
}

// resolveItem settles an item parked for manual review. use_local pushes
// the local mutation again; use_remote abandons it.
func (s *Server) resolveItem(w http.ResponseWriter, r *http.Request, id string) {
	var req resolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	item, err := s.store.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, queue.ErrNotFound) {
			writeError(w, http.StatusNotFound, "item not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if item.Status != queue.StatusManual {
		writeError(w, http.StatusConflict, "item is not awaiting manual resolution")
		return
	}

	switch req.Strategy {
	case "use_local":
		if err := s.store.Requeue(r.Context(), id); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
	case "use_remote":
		if err := s.store.MarkSynced(r.Context(), id); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
	default:
		writeError(w, http.StatusBadRequest, "strategy must be use_local or use_remote")
		return
	}

	s.logger.Info("operator resolved conflict", "item", id, "strategy", req.Strategy)
	writeJSON(w, http.StatusOK, map[string]string{"status": "resolved", "strategy": req.Strategy})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
