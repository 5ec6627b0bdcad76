// Package api exposes the session over HTTP and streams bus events over
// WebSocket.
//
// Routes:
//   - GET  /api/health
//   - GET  /api/agents
//   - GET  /api/tasks
//   - POST /api/project/start          {"description": "..."}
//   - POST /api/project/stop
//   - GET  /api/project/status
//   - GET  /api/project/files
//   - GET  /api/project/files/{path...}
//   - GET  /api/project/download       zip of every file
//   - GET  /api/messages               ?limit=N keeps the newest N
//   - GET  /api/metrics
//   - POST /api/system/reset
//   - GET  /metrics                    Prometheus exposition
//   - GET  /ws                         event stream
package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/ethank2222/TriniTeam/internal/scheduler"
	"github.com/ethank2222/TriniTeam/internal/session"
	"github.com/ethank2222/TriniTeam/internal/storage"
)

const maxRequestBody = 1 << 20

// Server holds the HTTP handlers
type Server struct {
	logger  *zap.Logger
	session *session.Manager
	metrics http.Handler
	hub     *EventHub
}

// NewServer creates the API server. metrics and hub may be nil, which
// leaves /metrics and /ws unrouted.
func NewServer(mgr *session.Manager, metrics http.Handler, hub *EventHub, logger *zap.Logger) *Server {
	return &Server{
		logger:  logger.Named("api"),
		session: mgr,
		metrics: metrics,
		hub:     hub,
	}
}

// Router builds the route table
func (s *Server) Router() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/health", s.Health)
	mux.HandleFunc("GET /api/agents", s.ListAgents)
	mux.HandleFunc("GET /api/tasks", s.ListTasks)

	mux.HandleFunc("POST /api/project/start", s.StartProject)
	mux.HandleFunc("POST /api/project/stop", s.StopProject)
	mux.HandleFunc("GET /api/project/status", s.ProjectStatus)
	mux.HandleFunc("GET /api/project/files", s.ListFiles)
	mux.HandleFunc("GET /api/project/files/{path...}", s.GetFile)
	mux.HandleFunc("GET /api/project/download", s.Download)

	mux.HandleFunc("GET /api/messages", s.ListMessages)
	mux.HandleFunc("GET /api/metrics", s.SessionMetrics)
	mux.HandleFunc("POST /api/system/reset", s.Reset)

	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics)
	}

	// WebSocket bypasses the middleware so the connection can be hijacked
	top := http.NewServeMux()
	if s.hub != nil {
		top.HandleFunc("GET /ws", s.hub.HandleWebSocket)
	}
	top.Handle("/", corsMiddleware(s.logRequests(mux)))
	return top
}

// Health reports liveness
func (s *Server) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "ok",
		"running": s.session.Status().Running,
		"time":    time.Now().UTC(),
	})
}

// ListAgents returns the roster summaries
func (s *Server) ListAgents(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"agents": s.session.Agents()})
}

// ListTasks returns every task of the current project
func (s *Server) ListTasks(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"tasks": s.session.Tasks()})
}

type startRequest struct {
	Description string `json:"description"`
}

// StartProject starts a project from the posted description
func (s *Server) StartProject(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	project, err := s.session.StartProject(r.Context(), req.Description)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, project)
}

// StopProject stops the running project
func (s *Server) StopProject(w http.ResponseWriter, r *http.Request) {
	res, err := s.session.StopProject(r.Context())
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// ProjectStatus reports state, task counts, agents and artifact count
func (s *Server) ProjectStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.session.Status())
}

// ListFiles describes every produced file
func (s *Server) ListFiles(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"files": s.session.ListArtifacts()})
}

// GetFile returns one file's content
func (s *Server) GetFile(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("path")
	content, err := s.session.GetArtifact(name)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"name":    name,
		"type":    storage.FileType(name),
		"content": content,
	})
}

// Download streams every file as a zip archive
func (s *Server) Download(w http.ResponseWriter, r *http.Request) {
	var buf bytes.Buffer
	if err := s.session.Archive(&buf); err != nil {
		s.writeServiceError(w, err)
		return
	}

	name := "project.zip"
	if p := s.session.Project(); p != nil {
		name = "project-" + p.ID + ".zip"
	}
	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", `attachment; filename="`+name+`"`)
	w.Header().Set("Content-Length", strconv.Itoa(buf.Len()))
	w.WriteHeader(http.StatusOK)
	if _, err := buf.WriteTo(w); err != nil {
		s.logger.Warn("Failed to write archive", zap.Error(err))
	}
}

// ListMessages returns the conversation log, oldest first
func (s *Server) ListMessages(w http.ResponseWriter, r *http.Request) {
	messages := s.session.Messages()
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		if limit < len(messages) {
			messages = messages[len(messages)-limit:]
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"messages": messages})
}

// SessionMetrics returns the session counters and host stats
func (s *Server) SessionMetrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.session.Metrics())
}

// Reset returns the session to its initial state
func (s *Server) Reset(w http.ResponseWriter, r *http.Request) {
	if err := s.session.Reset(); err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

func (s *Server) writeServiceError(w http.ResponseWriter, err error) {
	var verr *session.ValidationError
	switch {
	case errors.As(err, &verr):
		writeError(w, http.StatusBadRequest, verr.Error())
	case errors.Is(err, storage.ErrInvalidArtifactName):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, storage.ErrArtifactNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, scheduler.ErrProjectRunning), errors.Is(err, scheduler.ErrNoProject):
		writeError(w, http.StatusConflict, err.Error())
	default:
		s.logger.Error("Request failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Debug("Handled request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.status),
			zap.Duration("duration", time.Since(start)))
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

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
