package voice

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ent0n29/parlo/internal/session"
)

// ErrorKind names an error class on the event sink and the wire.
type ErrorKind string

const (
	KindInvalidTransition     ErrorKind = "invalid_transition"
	KindNotIdle               ErrorKind = "not_idle"
	KindNotProcessing         ErrorKind = "not_processing"
	KindCaptureUnavailable    ErrorKind = "capture_unavailable"
	KindRenderUnavailable     ErrorKind = "render_unavailable"
	KindNoSpeech              ErrorKind = "no_speech"
	KindNoMicrophone          ErrorKind = "no_microphone"
	KindPermissionDenied      ErrorKind = "permission_denied"
	KindCaptureFailure        ErrorKind = "capture_failure"
	KindRenderFailure         ErrorKind = "render_failure"
	KindInternalInconsistency ErrorKind = "internal_inconsistency"
)

var (
	ErrNotIdle               = errors.New("session is not idle")
	ErrNotProcessing         = errors.New("session is not processing")
	ErrCaptureUnavailable    = errors.New("speech capture unavailable")
	ErrRenderUnavailable     = errors.New("speech rendering unavailable")
	ErrNoSpeechDetected      = errors.New("no speech detected")
	ErrNoMicrophone          = errors.New("no microphone")
	ErrPermissionDenied      = errors.New("microphone permission denied")
	ErrCaptureFailure        = errors.New("speech capture failed")
	ErrRenderFailure         = errors.New("speech rendering failed")
	ErrRenderCancelled       = errors.New("speech rendering cancelled")
	ErrCaptureAborted        = errors.New("speech capture aborted")
	ErrInternalInconsistency = errors.New("internal inconsistency")
)

// CaptureError carries a recognizer error code as reported by the capture
// backend (browser speech recognition codes are understood as-is).
type CaptureError struct {
	Code   string
	Detail string
}

func (e *CaptureError) Error() string {
	if e.Detail == "" {
		return "capture error: " + e.Code
	}
	return fmt.Sprintf("capture error: %s: %s", e.Code, e.Detail)
}

// ClassifyCaptureError maps a capture failure onto no-speech, no-microphone,
// permission-denied or capture-failure.
func ClassifyCaptureError(err error) ErrorKind {
	switch {
	case err == nil:
		return KindCaptureFailure
	case errors.Is(err, ErrNoSpeechDetected):
		return KindNoSpeech
	case errors.Is(err, ErrNoMicrophone):
		return KindNoMicrophone
	case errors.Is(err, ErrPermissionDenied):
		return KindPermissionDenied
	}

	var ce *CaptureError
	if errors.As(err, &ce) {
		switch normalizeCode(ce.Code) {
		case "no-speech", "no_speech", "nospeech", "speech-timeout":
			return KindNoSpeech
		case "audio-capture", "audio_capture", "no-microphone", "no_microphone", "not-found":
			return KindNoMicrophone
		case "not-allowed", "not_allowed", "service-not-allowed", "permission-denied", "permission_denied":
			return KindPermissionDenied
		}
	}
	return KindCaptureFailure
}

// isCaptureCancellation reports user or context cancellation, which ends a
// turn like silence does.
func isCaptureCancellation(err error) bool {
	if errors.Is(err, ErrCaptureAborted) || errors.Is(err, context.Canceled) {
		return true
	}
	var ce *CaptureError
	return errors.As(err, &ce) && normalizeCode(ce.Code) == "aborted"
}

// KindOf maps an error returned by the coordinator or state machine to its kind.
func KindOf(err error) ErrorKind {
	switch {
	case errors.Is(err, session.ErrInvalidTransition):
		return KindInvalidTransition
	case errors.Is(err, ErrNotIdle):
		return KindNotIdle
	case errors.Is(err, ErrNotProcessing):
		return KindNotProcessing
	case errors.Is(err, ErrCaptureUnavailable):
		return KindCaptureUnavailable
	case errors.Is(err, ErrRenderUnavailable):
		return KindRenderUnavailable
	case errors.Is(err, ErrRenderFailure), errors.Is(err, ErrRenderCancelled):
		return KindRenderFailure
	case errors.Is(err, ErrInternalInconsistency):
		return KindInternalInconsistency
	default:
		return ClassifyCaptureError(err)
	}
}

func sentinelFor(kind ErrorKind) error {
	switch kind {
	case KindNoSpeech:
		return ErrNoSpeechDetected
	case KindNoMicrophone:
		return ErrNoMicrophone
	case KindPermissionDenied:
		return ErrPermissionDenied
	case KindRenderFailure:
		return ErrRenderFailure
	case KindInternalInconsistency:
		return ErrInternalInconsistency
	default:
		return ErrCaptureFailure
	}
}

func normalizeCode(code string) string {
	return strings.ToLower(strings.TrimSpace(code))
}
