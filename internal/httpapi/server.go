package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/fieldpunch/agent/internal/punch/gate"
	"github.com/fieldpunch/agent/internal/punch/service"
	"github.com/fieldpunch/agent/internal/punch/store"
	"github.com/fieldpunch/agent/internal/punch/types"
)

// SyncTrigger requests an immediate drain pass from the sync worker.
type SyncTrigger interface {
	Trigger()
}

type Dependencies struct {
	Logger *log.Logger
	Addr   string
	Punch  *service.PunchService
	Syncer SyncTrigger
	Gate   *gate.Gate
}

// Server is the agent's local observer surface: the on-device UI shell polls
// it for pending counts and session state, submits punches through it, and
// reports platform connectivity transitions to it.
type Server struct {
	httpServer *http.Server
	logger     *log.Logger
	punch      *service.PunchService
	syncer     SyncTrigger
	gate       *gate.Gate
}

func NewServer(d Dependencies) *Server {
	mux := http.NewServeMux()

	s := &Server{
		logger: d.Logger,
		punch:  d.Punch,
		syncer: d.Syncer,
		gate:   d.Gate,
	}

	mux.HandleFunc("POST /v1/clock_in", s.handleClockIn)
	mux.HandleFunc("POST /v1/clock_out", s.handleClockOut)
	mux.HandleFunc("POST /v1/rate", s.handleRateChange)
	mux.HandleFunc("POST /v1/retry", s.handleRetry)
	mux.HandleFunc("POST /v1/sync", s.handleSync)
	mux.HandleFunc("POST /v1/connectivity", s.handleConnectivity)
	mux.HandleFunc("GET /v1/status", s.handleStatus)
	mux.HandleFunc("GET /v1/sessions", s.handleSessions)
	mux.HandleFunc("GET /v1/sessions/{local_id}", s.handleSession)

	handler := loggingMiddleware(d.Logger, mux)

	s.httpServer = &http.Server{
		Addr:              d.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	return s
}

func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

func (s *Server) Start() error {
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleClockIn(w http.ResponseWriter, r *http.Request) {
	var req types.ClockInRequest
	if !decodeBody(w, r, &req) {
		return
	}

	sess, itemID, err := s.punch.ClockIn(r.Context(), req)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, punchResultView{
		QueueItemID: itemID,
		Session:     sessionToView(sess),
	})
}

func (s *Server) handleClockOut(w http.ResponseWriter, r *http.Request) {
	var req types.ClockOutRequest
	if !decodeBody(w, r, &req) {
		return
	}

	sess, itemID, err := s.punch.ClockOut(r.Context(), req)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, punchResultView{
		QueueItemID: itemID,
		Session:     sessionToView(sess),
	})
}

func (s *Server) handleRateChange(w http.ResponseWriter, r *http.Request) {
	var req types.RateChangeRequest
	if !decodeBody(w, r, &req) {
		return
	}

	sess, itemID, err := s.punch.ChangeRate(r.Context(), req)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, punchResultView{
		QueueItemID: itemID,
		Session:     sessionToView(sess),
	})
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	var req retryRequest
	if !decodeBody(w, r, &req) {
		return
	}

	if err := s.punch.Retry(r.Context(), req.QueueItemID); err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, okResponse{OK: true})
}

func (s *Server) handleSync(w http.ResponseWriter, _ *http.Request) {
	s.syncer.Trigger()
	writeJSON(w, http.StatusAccepted, okResponse{OK: true})
}

func (s *Server) handleConnectivity(w http.ResponseWriter, r *http.Request) {
	var req connectivityRequest
	if !decodeBody(w, r, &req) {
		return
	}
	s.gate.SetReachable(req.Reachable)
	writeJSON(w, http.StatusOK, okResponse{OK: true})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	pending, err := s.punch.PendingCount(ctx)
	if err != nil {
		s.internalError(w, "status pending count", err)
		return
	}
	failed, err := s.punch.FailedItems(ctx)
	if err != nil {
		s.internalError(w, "status failed items", err)
		return
	}
	cursor, err := s.punch.Cursor(ctx)
	if err != nil {
		s.internalError(w, "status cursor", err)
		return
	}

	writeJSON(w, http.StatusOK, statusToView(pending, s.gate.Reachable(), cursor, failed))
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.punch.Sessions(r.Context(), 0)
	if err != nil {
		s.internalError(w, "list sessions", err)
		return
	}

	out := make([]sessionView, 0, len(sessions))
	for _, sess := range sessions {
		out = append(out, sessionToView(sess))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.punch.Session(r.Context(), r.PathValue("local_id"))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionToView(sess))
}

// writeServiceError maps service/store errors onto HTTP statuses.
func (s *Server) writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, service.ErrMissingEmployeeID),
		errors.Is(err, service.ErrMissingWorkOrderID),
		errors.Is(err, service.ErrMissingRateType),
		errors.Is(err, service.ErrMissingSessionID),
		errors.Is(err, service.ErrBadTimestamp):
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
	case errors.Is(err, store.ErrInvalidOperation):
		writeError(w, http.StatusConflict, "invalid_operation", err.Error())
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", "no such record")
	default:
		s.logger.Printf("request error: %v", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "unexpected agent error")
	}
}

func (s *Server) internalError(w http.ResponseWriter, what string, err error) {
	s.logger.Printf("%s: %v", what, err)
	writeError(w, http.StatusInternalServerError, "internal_error", "unexpected agent error")
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "bad_json", "invalid JSON body")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorResponse{Error: code, Message: message})
}
