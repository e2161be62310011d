package session

import "time"

// CreateRequest defines payload for creating a new tutor session.
type CreateRequest struct {
	UserID        string `json:"user_id"`
	LessonKey     string `json:"lesson_key"`
	CaptureLocale string `json:"capture_locale"`
	RenderLocale  string `json:"render_locale"`
}

// CreateResponse returns created session metadata.
type CreateResponse struct {
	SessionID       string    `json:"session_id"`
	UserID          string    `json:"user_id"`
	Status          Status    `json:"status"`
	LessonKey       string    `json:"lesson_key"`
	CaptureLocale   string    `json:"capture_locale"`
	RenderLocale    string    `json:"render_locale"`
	StartedAt       time.Time `json:"started_at"`
	LastActivityAt  time.Time `json:"last_activity_at"`
	InactivityTTLMS int64     `json:"inactivity_ttl_ms"`
}
