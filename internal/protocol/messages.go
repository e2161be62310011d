package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// MessageType identifies websocket payload variants.
type MessageType string

const (
	TypeClientControl MessageType = "client_control"
	TypeCaptureResult MessageType = "capture_result"
	TypeRenderResult  MessageType = "render_result"

	TypePhaseChanged   MessageType = "phase_changed"
	TypeTranscript     MessageType = "transcript"
	TypeTutorResponse  MessageType = "tutor_response"
	TypeCaptureRequest MessageType = "capture_request"
	TypeCaptureStop    MessageType = "capture_stop"
	TypeRenderRequest  MessageType = "render_request"
	TypeRenderCancel   MessageType = "render_cancel"
	TypeLessonState    MessageType = "lesson_state"
	TypeSystemEvent    MessageType = "system_event"
	TypeErrorEvent     MessageType = "error_event"
)

// Client control actions.
const (
	ActionStartTurn        = "start_turn"
	ActionCancelTurn       = "cancel_turn"
	ActionCancelSpeech     = "cancel_speech"
	ActionEndTurn          = "end_turn"
	ActionReset            = "reset"
	ActionSetCaptureLocale = "set_capture_locale"
	ActionSetRenderLocale  = "set_render_locale"
	ActionSwitchLesson     = "switch_lesson"
)

// Capture and render result outcomes reported by the client.
const (
	CaptureTranscript = "transcript"
	CaptureSilence    = "silence"
	CaptureError      = "error"

	RenderDone      = "done"
	RenderCancelled = "cancelled"
	RenderError     = "error"
)

var ErrUnsupportedType = errors.New("unsupported message type")

type Envelope struct {
	Type MessageType `json:"type"`
}

type ClientControl struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Action    string      `json:"action"`
	Value     string      `json:"value,omitempty"`
}

type CaptureResult struct {
	Type       MessageType `json:"type"`
	SessionID  string      `json:"session_id"`
	RequestID  string      `json:"request_id"`
	Outcome    string      `json:"outcome"`
	Text       string      `json:"text,omitempty"`
	Confidence float64     `json:"confidence,omitempty"`
	Code       string      `json:"code,omitempty"`
	Detail     string      `json:"detail,omitempty"`
	TSMs       int64       `json:"ts_ms,omitempty"`
}

type RenderResult struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	RequestID string      `json:"request_id"`
	Outcome   string      `json:"outcome"`
	Detail    string      `json:"detail,omitempty"`
}

type PhaseChanged struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Seq       uint64      `json:"seq"`
	From      string      `json:"from"`
	To        string      `json:"to"`
	Forced    bool        `json:"forced,omitempty"`
	TSMs      int64       `json:"ts_ms"`
}

type Transcript struct {
	Type       MessageType `json:"type"`
	SessionID  string      `json:"session_id"`
	Text       string      `json:"text"`
	Confidence float64     `json:"confidence"`
	TSMs       int64       `json:"ts_ms"`
}

type TutorResponse struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	LessonKey string      `json:"lesson_key"`
	Text      string      `json:"text"`
	Locale    string      `json:"locale"`
	Expected  string      `json:"expected,omitempty"`
	Score     float64     `json:"score"`
	Matched   bool        `json:"matched"`
	Passed    bool        `json:"passed"`
}

type CaptureRequest struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	RequestID string      `json:"request_id"`
	Locale    string      `json:"locale"`
}

type CaptureStop struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	RequestID string      `json:"request_id"`
}

type RenderRequest struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	RequestID string      `json:"request_id"`
	Text      string      `json:"text"`
	Locale    string      `json:"locale"`
}

type RenderCancel struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	RequestID string      `json:"request_id"`
}

type LessonState struct {
	Type          MessageType `json:"type"`
	SessionID     string      `json:"session_id"`
	LessonKey     string      `json:"lesson_key"`
	Title         string      `json:"title"`
	Prompt        string      `json:"prompt"`
	CaptureLocale string      `json:"capture_locale"`
	RenderLocale  string      `json:"render_locale"`
	Attempts      int         `json:"attempts"`
	Passed        int         `json:"passed"`
}

type SystemEvent struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Code      string      `json:"code"`
	Detail    string      `json:"detail,omitempty"`
}

type ErrorEvent struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Code      string      `json:"code"`
	Source    string      `json:"source"`
	Retryable bool        `json:"retryable"`
	Detail    string      `json:"detail"`
}

func ParseClientMessage(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeClientControl:
		var msg ClientControl
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		msg.Action = strings.TrimSpace(msg.Action)
		if msg.SessionID == "" || msg.Action == "" {
			return nil, errors.New("invalid client_control")
		}
		return msg, nil
	case TypeCaptureResult:
		var msg CaptureResult
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.SessionID == "" || msg.RequestID == "" {
			return nil, errors.New("invalid capture_result")
		}
		switch msg.Outcome {
		case CaptureTranscript, CaptureSilence, CaptureError:
		default:
			return nil, fmt.Errorf("invalid capture_result outcome %q", msg.Outcome)
		}
		return msg, nil
	case TypeRenderResult:
		var msg RenderResult
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.SessionID == "" || msg.RequestID == "" {
			return nil, errors.New("invalid render_result")
		}
		switch msg.Outcome {
		case RenderDone, RenderCancelled, RenderError:
		default:
			return nil, fmt.Errorf("invalid render_result outcome %q", msg.Outcome)
		}
		return msg, nil
	default:
		return nil, ErrUnsupportedType
	}
}

// MessageTypeOf reports the type tag of a known protocol message.
func MessageTypeOf(v any) (MessageType, bool) {
	switch m := v.(type) {
	case ClientControl:
		return m.Type, true
	case CaptureResult:
		return m.Type, true
	case RenderResult:
		return m.Type, true
	case PhaseChanged:
		return m.Type, true
	case Transcript:
		return m.Type, true
	case TutorResponse:
		return m.Type, true
	case CaptureRequest:
		return m.Type, true
	case CaptureStop:
		return m.Type, true
	case RenderRequest:
		return m.Type, true
	case RenderCancel:
		return m.Type, true
	case LessonState:
		return m.Type, true
	case SystemEvent:
		return m.Type, true
	case ErrorEvent:
		return m.Type, true
	default:
		return "", false
	}
}
