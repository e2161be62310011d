package httpapi

import "net/http"

// clientSettings tells the browser client how the server is configured.
type clientSettings struct {
	VoiceProvider          string `json:"voice_provider"`
	CaptureLocale          string `json:"capture_locale"`
	RenderLocale           string `json:"render_locale"`
	DebounceWindowMS       int64  `json:"debounce_window_ms"`
	CapabilityTimeoutMS    int64  `json:"capability_timeout_ms"`
	DefaultLesson          string `json:"default_lesson"`
	SessionInactivityTTLMS int64  `json:"session_inactivity_ttl_ms"`
}

func (s *Server) handleClientSettings(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, clientSettings{
		VoiceProvider:          s.cfg.VoiceProvider,
		CaptureLocale:          s.cfg.VoiceCaptureLocale,
		RenderLocale:           s.cfg.VoiceRenderLocale,
		DebounceWindowMS:       s.cfg.VoiceDebounceWindow.Milliseconds(),
		CapabilityTimeoutMS:    s.cfg.VoiceCapabilityTimeout.Milliseconds(),
		DefaultLesson:          s.cfg.LessonDefaultKey,
		SessionInactivityTTLMS: s.cfg.SessionInactivityTimeout.Milliseconds(),
	})
}
