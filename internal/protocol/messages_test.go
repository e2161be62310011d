package protocol

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func TestParseClientMessageControl(t *testing.T) {
	raw := []byte(`{"type":"client_control","session_id":"s1","action":" switch_lesson ","value":"restaurant"}`)
	msg, err := ParseClientMessage(raw)
	if err != nil {
		t.Fatalf("ParseClientMessage() error = %v", err)
	}

	control, ok := msg.(ClientControl)
	if !ok {
		t.Fatalf("message type = %T, want ClientControl", msg)
	}
	if control.Action != ActionSwitchLesson || control.Value != "restaurant" {
		t.Fatalf("unexpected client control: %+v", control)
	}
}

func TestParseClientMessageRejectsUnknownType(t *testing.T) {
	_, err := ParseClientMessage([]byte(`{"type":"client_audio_chunk"}`))
	if !errors.Is(err, ErrUnsupportedType) {
		t.Fatalf("error = %v, want ErrUnsupportedType", err)
	}
}

func TestParseClientMessageRejectsBadEnvelope(t *testing.T) {
	if _, err := ParseClientMessage([]byte(`not json`)); err == nil {
		t.Fatalf("expected envelope error")
	}
}

func TestParseClientMessageCaptureResult(t *testing.T) {
	raw := []byte(`{"type":"capture_result","session_id":"s1","request_id":"r1","outcome":"transcript","text":"hola","confidence":0.92}`)
	msg, err := ParseClientMessage(raw)
	if err != nil {
		t.Fatalf("ParseClientMessage() error = %v", err)
	}
	res, ok := msg.(CaptureResult)
	if !ok {
		t.Fatalf("message type = %T, want CaptureResult", msg)
	}
	if res.RequestID != "r1" || res.Text != "hola" || res.Confidence != 0.92 {
		t.Fatalf("unexpected capture result: %+v", res)
	}
}

func TestParseClientMessageValidation(t *testing.T) {
	cases := []struct {
		name string
		raw  string
	}{
		{name: "control without action", raw: `{"type":"client_control","session_id":"s1"}`},
		{name: "control without session", raw: `{"type":"client_control","action":"start_turn"}`},
		{name: "capture without request id", raw: `{"type":"capture_result","session_id":"s1","outcome":"silence"}`},
		{name: "capture bad outcome", raw: `{"type":"capture_result","session_id":"s1","request_id":"r1","outcome":"maybe"}`},
		{name: "render bad outcome", raw: `{"type":"render_result","session_id":"s1","request_id":"r1","outcome":"paused"}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := ParseClientMessage([]byte(tc.raw)); err == nil {
				t.Fatalf("ParseClientMessage(%s) expected error", tc.raw)
			}
		})
	}
}

func TestParseClientMessageRenderResult(t *testing.T) {
	raw := []byte(`{"type":"render_result","session_id":"s1","request_id":"r9","outcome":"error","detail":"synthesis-failed"}`)
	msg, err := ParseClientMessage(raw)
	if err != nil {
		t.Fatalf("ParseClientMessage() error = %v", err)
	}
	res, ok := msg.(RenderResult)
	if !ok || res.Outcome != RenderError || res.Detail != "synthesis-failed" {
		t.Fatalf("unexpected render result: %#v", msg)
	}
}

func TestPhaseChangedOmitsForcedWhenFalse(t *testing.T) {
	raw, err := json.Marshal(PhaseChanged{Type: TypePhaseChanged, SessionID: "s1", Seq: 3, From: "idle", To: "listening"})
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	if strings.Contains(string(raw), "forced") {
		t.Fatalf("payload %s should omit forced=false", raw)
	}
}

func TestMessageTypeOf(t *testing.T) {
	if got, ok := MessageTypeOf(RenderCancel{Type: TypeRenderCancel}); !ok || got != TypeRenderCancel {
		t.Fatalf("MessageTypeOf(RenderCancel) = %q, %v", got, ok)
	}
	if _, ok := MessageTypeOf(struct{}{}); ok {
		t.Fatalf("MessageTypeOf(struct{}) should not be recognized")
	}
}
