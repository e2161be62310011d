package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/ent0n29/parlo/internal/config"
	"github.com/ent0n29/parlo/internal/lesson"
	"github.com/ent0n29/parlo/internal/observability"
	"github.com/ent0n29/parlo/internal/session"
	"github.com/ent0n29/parlo/internal/tutor"
)

type Tutor interface {
	RunConnection(ctx context.Context, s *session.Session, hints tutor.Hints, inbound <-chan any, outbound chan<- any) error
}

type Server struct {
	cfg      config.Config
	sessions *session.Manager
	lessons  lesson.Store
	tutor    Tutor
	metrics  *observability.Metrics
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

func New(cfg config.Config, sessions *session.Manager, lessons lesson.Store, rt Tutor, metrics *observability.Metrics, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:      cfg,
		sessions: sessions,
		lessons:  lessons,
		tutor:    rt,
		metrics:  metrics,
		logger:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				return cfg.AllowAnyOrigin || sameOrigin(r)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.Post("/v1/tutor/session", s.handleCreateSession)
	r.Post("/v1/tutor/session/{id}/end", s.handleEndSession)
	r.Get("/v1/tutor/session/ws", s.handleSessionWS)
	r.Get("/v1/ui/settings", s.handleClientSettings)
	r.Get("/v1/perf/phases", s.handlePerfPhases)

	r.Get("/v1/lessons", s.handleListLessons)
	r.Get("/v1/lessons/{key}", s.handleGetLesson)
	r.Get("/v1/lessons/{key}/progress", s.handleLessonProgress)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"voice_provider": s.cfg.VoiceProvider,
		"lesson_store":   s.lessonStoreMode(),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if _, err := s.lessons.Lessons(ctx); err != nil {
		respondError(w, http.StatusServiceUnavailable, "lesson_store_unavailable", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"status":       "ready",
		"lesson_store": s.lessonStoreMode(),
	})
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req session.CreateRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if strings.TrimSpace(req.UserID) == "" {
		req.UserID = "anonymous"
	}
	if strings.TrimSpace(req.LessonKey) == "" {
		req.LessonKey = s.cfg.LessonDefaultKey
	}
	if strings.TrimSpace(req.CaptureLocale) == "" {
		req.CaptureLocale = s.cfg.VoiceCaptureLocale
	}
	if strings.TrimSpace(req.RenderLocale) == "" {
		req.RenderLocale = s.cfg.VoiceRenderLocale
	}

	if _, err := s.lessons.Lesson(r.Context(), req.LessonKey); err != nil {
		if errors.Is(err, lesson.ErrLessonNotFound) {
			respondError(w, http.StatusNotFound, "lesson_not_found", err.Error())
			return
		}
		respondError(w, http.StatusServiceUnavailable, "lesson_store_unavailable", err.Error())
		return
	}

	if req.UserID != "anonymous" {
		if sess, ok := s.resumableSession(req); ok {
			s.metrics.ObserveSessionEvent("resumed")
			s.logger.Info("session resumed", "session_id", sess.ID, "user_id", sess.UserID, "lesson", sess.LessonKey)
			respondJSON(w, http.StatusOK, s.createResponse(sess))
			return
		}
	}

	sess := s.sessions.Create(req.UserID, req.LessonKey, req.CaptureLocale, req.RenderLocale)
	s.metrics.ActiveSessions.Set(float64(s.sessions.ActiveCount()))
	s.metrics.ObserveSessionEvent("created")
	s.logger.Info("session created", "session_id", sess.ID, "user_id", sess.UserID, "lesson", sess.LessonKey)

	respondJSON(w, http.StatusCreated, s.createResponse(sess))
}

// resumableSession returns the user's active session when it was opened
// for the same lesson and locales.
func (s *Server) resumableSession(req session.CreateRequest) (*session.Session, bool) {
	sess, err := s.sessions.ForUser(req.UserID)
	if err != nil || sess.Status != session.StatusActive {
		return nil, false
	}
	if sess.LessonKey != req.LessonKey || sess.CaptureLocale != req.CaptureLocale || sess.RenderLocale != req.RenderLocale {
		return nil, false
	}
	if err := s.sessions.Touch(sess.ID); err != nil {
		return nil, false
	}
	return sess, true
}

func (s *Server) createResponse(sess *session.Session) session.CreateResponse {
	return session.CreateResponse{
		SessionID:       sess.ID,
		UserID:          sess.UserID,
		Status:          sess.Status,
		LessonKey:       sess.LessonKey,
		CaptureLocale:   sess.CaptureLocale,
		RenderLocale:    sess.RenderLocale,
		StartedAt:       sess.StartedAt,
		LastActivityAt:  sess.LastActivityAt,
		InactivityTTLMS: s.cfg.SessionInactivityTimeout.Milliseconds(),
	}
}

func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if strings.TrimSpace(id) == "" {
		respondError(w, http.StatusBadRequest, "invalid_session_id", "missing session id")
		return
	}

	sess, err := s.sessions.End(id)
	if err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}
	s.metrics.ActiveSessions.Set(float64(s.sessions.ActiveCount()))
	s.metrics.ObserveSessionEvent("ended")
	respondJSON(w, http.StatusOK, sess)
}

func (s *Server) handleListLessons(w http.ResponseWriter, r *http.Request) {
	lessons, err := s.lessons.Lessons(r.Context())
	if err != nil {
		respondError(w, http.StatusServiceUnavailable, "lesson_store_unavailable", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"lessons": lessons})
}

func (s *Server) handleGetLesson(w http.ResponseWriter, r *http.Request) {
	l, err := s.lessons.Lesson(r.Context(), chi.URLParam(r, "key"))
	if err != nil {
		s.respondLessonError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, l)
}

func (s *Server) handleLessonProgress(w http.ResponseWriter, r *http.Request) {
	userID := strings.TrimSpace(r.URL.Query().Get("user_id"))
	if userID == "" {
		respondError(w, http.StatusBadRequest, "missing_user_id", "query parameter user_id is required")
		return
	}
	p, err := s.lessons.Progress(r.Context(), userID, chi.URLParam(r, "key"))
	if err != nil {
		s.respondLessonError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, p)
}

func (s *Server) respondLessonError(w http.ResponseWriter, err error) {
	if errors.Is(err, lesson.ErrLessonNotFound) {
		respondError(w, http.StatusNotFound, "lesson_not_found", err.Error())
		return
	}
	respondError(w, http.StatusServiceUnavailable, "lesson_store_unavailable", err.Error())
}

func (s *Server) lessonStoreMode() string {
	switch s.lessons.(type) {
	case *lesson.PostgresStore:
		return "postgres"
	case *lesson.InMemoryStore:
		return "in-memory"
	default:
		return "custom"
	}
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}

// sameOrigin accepts requests without an Origin header (CLI and test
// clients) and browser requests whose origin host matches the request host.
func sameOrigin(r *http.Request) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return false
	}
	return strings.EqualFold(u.Host, r.Host)
}

func queryFlag(q url.Values, key string, fallback bool) bool {
	switch strings.ToLower(strings.TrimSpace(q.Get(key))) {
	case "":
		return fallback
	case "0", "false", "no", "off":
		return false
	default:
		return true
	}
}
