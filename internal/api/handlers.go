package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/shehryarbajwa/session-plane/internal/session"
	"github.com/shehryarbajwa/session-plane/internal/store"
	"github.com/shehryarbajwa/session-plane/pkg/models"
)

// Sessions is the session manager surface exposed over HTTP.
type Sessions interface {
	StartSession(ctx context.Context, userID string, opts session.StartOptions) (*models.Session, *models.ContainerInstance, error)
	CompleteSession(ctx context.Context, id string) (*models.Session, error)
	ImportSession(ctx context.Context, userID string, req models.ImportSessionRequest) (*models.Session, error)
	HibernateSession(ctx context.Context, id string) (*models.Session, error)
	ResumeSession(ctx context.Context, id string) (*models.Session, error)
	Get(ctx context.Context, id string) (*models.Session, error)
	List(ctx context.Context, filter store.SessionFilter) ([]*models.Session, error)
	Status(ctx context.Context, id string) (*session.ViewerStatus, error)
}

// Jobs is the job queue surface exposed over HTTP.
type Jobs interface {
	Enqueue(ctx context.Context, req models.EnqueueJobRequest) (*models.Job, error)
	Get(ctx context.Context, id string) (*models.Job, error)
}

// Pinger reports whether the backing store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler holds dependencies for HTTP handlers
type Handler struct {
	sessions Sessions
	jobs     Jobs
	store    Pinger
	log      *zap.Logger
}

// NewHandler creates a new HTTP handler
func NewHandler(sessions Sessions, jobs Jobs, db Pinger, logger *zap.Logger) *Handler {
	return &Handler{
		sessions: sessions,
		jobs:     jobs,
		store:    db,
		log:      logger.Named("api"),
	}
}

// StartSession handles POST /session/start
func (h *Handler) StartSession(w http.ResponseWriter, r *http.Request) {
	var req models.StartSessionRequest
	if !h.decode(w, r, &req) {
		return
	}

	s, c, err := h.sessions.StartSession(r.Context(), userID(r), session.StartOptions{
		StreamMode: req.StreamMode,
		Engine:     req.Engine,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, models.StartSessionResponse{SessionID: s.ID, StreamURL: c.StreamURL})
}

// CompleteSession handles POST /session/complete
func (h *Handler) CompleteSession(w http.ResponseWriter, r *http.Request) {
	var req models.CompleteSessionRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.SessionID == "" {
		h.writeError(w, errors.Join(models.ErrInvalidArgument, errors.New("sessionId is required")))
		return
	}
	if _, ok := h.owned(w, r, req.SessionID); !ok {
		return
	}

	if _, err := h.sessions.CompleteSession(r.Context(), req.SessionID); err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// ImportSession handles POST /session/import
func (h *Handler) ImportSession(w http.ResponseWriter, r *http.Request) {
	var req models.ImportSessionRequest
	if !h.decode(w, r, &req) {
		return
	}

	s, err := h.sessions.ImportSession(r.Context(), userID(r), req)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, s)
}

// HibernateSession handles POST /session/{id}/hibernate
func (h *Handler) HibernateSession(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.sessions.HibernateSession)
}

// ResumeSession handles POST /session/{id}/resume
func (h *Handler) ResumeSession(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.sessions.ResumeSession)
}

func (h *Handler) transition(w http.ResponseWriter, r *http.Request, fn func(context.Context, string) (*models.Session, error)) {
	id := mux.Vars(r)["id"]
	if _, ok := h.owned(w, r, id); !ok {
		return
	}
	s, err := fn(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

// GetSession handles GET /session/{id}
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	s, ok := h.owned(w, r, mux.Vars(r)["id"])
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, s)
}

// GetSessionStatus handles GET /session/{id}/status
func (h *Handler) GetSessionStatus(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if _, ok := h.owned(w, r, id); !ok {
		return
	}
	vs, err := h.sessions.Status(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, vs)
}

// ListSessions handles GET /sessions
func (h *Handler) ListSessions(w http.ResponseWriter, r *http.Request) {
	filter := store.SessionFilter{
		UserID: userID(r),
		Status: models.SessionStatus(r.URL.Query().Get("status")),
	}
	list, err := h.sessions.List(r.Context(), filter)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if list == nil {
		list = []*models.Session{}
	}
	writeJSON(w, http.StatusOK, list)
}

// EnqueueJob handles POST /jobs
func (h *Handler) EnqueueJob(w http.ResponseWriter, r *http.Request) {
	var req models.EnqueueJobRequest
	if !h.decode(w, r, &req) {
		return
	}
	// The header identity wins over whatever the body claims.
	req.UserID = userID(r)

	job, err := h.jobs.Enqueue(r.Context(), req)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"jobId": job.ID})
}

// GetJob handles GET /jobs/{id}
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	job, err := h.jobs.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.writeError(w, err)
		return
	}
	if job.UserID != userID(r) {
		h.writeError(w, models.ErrJobNotFound)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// Health handles GET /healthz
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if h.store != nil {
		if err := h.store.Ping(r.Context()); err != nil {
			h.log.Warn("health check failed", zap.Error(err))
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// owned loads a session and hides it from anyone but its owner.
func (h *Handler) owned(w http.ResponseWriter, r *http.Request, id string) (*models.Session, bool) {
	s, err := h.sessions.Get(r.Context(), id)
	if err == nil && s.UserID != userID(r) {
		err = models.ErrSessionNotFound
	}
	if err != nil {
		h.writeError(w, err)
		return nil, false
	}
	return s, true
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid request body: " + err.Error()})
		return false
	}
	return true
}

type errorBody struct {
	Error string `json:"error"`
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	code := statusFor(err)
	if code >= http.StatusInternalServerError {
		h.log.Error("request failed", zap.Int("status", code), zap.Error(err))
	}
	writeJSON(w, code, errorBody{Error: err.Error()})
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, models.ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrSessionNotFound),
		errors.Is(err, models.ErrJobNotFound),
		errors.Is(err, models.ErrContainerNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrSessionConflict),
		errors.Is(err, models.ErrInvalidTransition),
		errors.Is(err, models.ErrSessionNotReady):
		return http.StatusConflict
	case errors.Is(err, models.ErrSessionUnusable),
		errors.Is(err, models.ErrSnapshotNotFound):
		return http.StatusGone
	case errors.Is(err, models.ErrLoginNotDetected):
		return http.StatusUnprocessableEntity
	case errors.Is(err, models.ErrProvisionTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, models.ErrNoProxyAvailable),
		errors.Is(err, models.ErrEngineUnavailable),
		errors.Is(err, models.ErrProvisioning):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
