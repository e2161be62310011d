package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ent0n29/parlo/internal/config"
	"github.com/ent0n29/parlo/internal/lesson"
	"github.com/ent0n29/parlo/internal/observability"
	"github.com/ent0n29/parlo/internal/protocol"
	"github.com/ent0n29/parlo/internal/session"
	"github.com/ent0n29/parlo/internal/tutor"
)

// echoTutor answers every inbound message with a system_event naming its type.
type echoTutor struct {
	mu    sync.Mutex
	hints tutor.Hints
}

func (e *echoTutor) RunConnection(ctx context.Context, s *session.Session, hints tutor.Hints, inbound <-chan any, outbound chan<- any) error {
	e.mu.Lock()
	e.hints = hints
	e.mu.Unlock()

	outbound <- protocol.SystemEvent{Type: protocol.TypeSystemEvent, SessionID: s.ID, Code: "ready"}
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-inbound:
			if !ok {
				return nil
			}
			t, _ := protocol.MessageTypeOf(msg)
			outbound <- protocol.SystemEvent{Type: protocol.TypeSystemEvent, SessionID: s.ID, Code: "echo", Detail: string(t)}
		}
	}
}

func (e *echoTutor) lastHints() tutor.Hints {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.hints
}

func newTestServer(t *testing.T, tut Tutor) (*httptest.Server, *session.Manager, lesson.Store) {
	t.Helper()
	cfg := config.Config{
		SessionInactivityTimeout: 2 * time.Minute,
		VoiceProvider:            "remote",
		VoiceCaptureLocale:       "es-ES",
		VoiceRenderLocale:        "es-ES",
		VoiceDebounceWindow:      1500 * time.Millisecond,
		VoiceCapabilityTimeout:   30 * time.Second,
		LessonDefaultKey:         "greetings",
	}
	sessions := session.NewManager(cfg.SessionInactivityTimeout)
	lessons := lesson.NewInMemoryStore()
	metrics := observability.NewMetrics("parlo_test_httpapi_" + strings.ToLower(t.Name()))
	srv := New(cfg, sessions, lessons, tut, metrics, nil)

	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return ts, sessions, lessons
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	res, err := http.Post(url, "application/json", &buf)
	if err != nil {
		t.Fatalf("POST %s error = %v", url, err)
	}
	return res
}

func decodeBody(t *testing.T, res *http.Response, out any) {
	t.Helper()
	defer res.Body.Close()
	if err := json.NewDecoder(res.Body).Decode(out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func TestCreateAndEndSession(t *testing.T) {
	ts, sessions, _ := newTestServer(t, nil)

	res := postJSON(t, ts.URL+"/v1/tutor/session", map[string]string{
		"user_id":    "user-1",
		"lesson_key": "restaurant",
	})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d, want %d", res.StatusCode, http.StatusCreated)
	}
	var created session.CreateResponse
	decodeBody(t, res, &created)
	if created.SessionID == "" {
		t.Fatalf("missing session_id in create response: %+v", created)
	}
	if created.LessonKey != "restaurant" || created.CaptureLocale != "es-ES" {
		t.Fatalf("create response = %+v, want restaurant lesson with es-ES capture", created)
	}
	if created.InactivityTTLMS != (2 * time.Minute).Milliseconds() {
		t.Fatalf("inactivity_ttl_ms = %d", created.InactivityTTLMS)
	}

	endRes := postJSON(t, ts.URL+"/v1/tutor/session/"+created.SessionID+"/end", nil)
	if endRes.StatusCode != http.StatusOK {
		t.Fatalf("end status = %d, want %d", endRes.StatusCode, http.StatusOK)
	}
	endRes.Body.Close()

	s, err := sessions.Get(created.SessionID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if s.Status != session.StatusEnded {
		t.Fatalf("status = %q, want %q", s.Status, session.StatusEnded)
	}
}

func TestCreateSessionResumesActiveSessionForUser(t *testing.T) {
	ts, sessions, _ := newTestServer(t, nil)
	body := map[string]string{"user_id": "user-2", "lesson_key": "restaurant"}

	res := postJSON(t, ts.URL+"/v1/tutor/session", body)
	var first session.CreateResponse
	decodeBody(t, res, &first)

	res = postJSON(t, ts.URL+"/v1/tutor/session", body)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("second create status = %d, want %d", res.StatusCode, http.StatusOK)
	}
	var again session.CreateResponse
	decodeBody(t, res, &again)
	if again.SessionID != first.SessionID {
		t.Fatalf("session_id = %q, want resumed %q", again.SessionID, first.SessionID)
	}
	if sessions.ActiveCount() != 1 {
		t.Fatalf("active sessions = %d, want 1", sessions.ActiveCount())
	}

	res = postJSON(t, ts.URL+"/v1/tutor/session", map[string]string{"user_id": "user-2", "lesson_key": "greetings"})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("other lesson status = %d, want %d", res.StatusCode, http.StatusCreated)
	}
	var other session.CreateResponse
	decodeBody(t, res, &other)
	if other.SessionID == first.SessionID {
		t.Fatalf("different lesson reused session %q", other.SessionID)
	}
}

func TestCreateSessionDefaults(t *testing.T) {
	ts, _, _ := newTestServer(t, nil)

	res, err := http.Post(ts.URL+"/v1/tutor/session", "application/json", nil)
	if err != nil {
		t.Fatalf("POST error = %v", err)
	}
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d, want %d", res.StatusCode, http.StatusCreated)
	}
	var created session.CreateResponse
	decodeBody(t, res, &created)
	if created.UserID != "anonymous" || created.LessonKey != "greetings" || created.RenderLocale != "es-ES" {
		t.Fatalf("defaults not applied: %+v", created)
	}
}

func TestCreateSessionUnknownLesson(t *testing.T) {
	ts, _, _ := newTestServer(t, nil)

	res := postJSON(t, ts.URL+"/v1/tutor/session", map[string]string{"lesson_key": "nope"})
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusNotFound)
	}
	var body errorResponse
	decodeBody(t, res, &body)
	if body.Code != "lesson_not_found" {
		t.Fatalf("code = %q, want lesson_not_found", body.Code)
	}
}

func TestEndUnknownSession(t *testing.T) {
	ts, _, _ := newTestServer(t, nil)

	res := postJSON(t, ts.URL+"/v1/tutor/session/missing/end", nil)
	defer res.Body.Close()
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusNotFound)
	}
}

func TestLessonRoutes(t *testing.T) {
	ts, _, lessons := newTestServer(t, nil)

	res, err := http.Get(ts.URL + "/v1/lessons")
	if err != nil {
		t.Fatalf("GET /v1/lessons error = %v", err)
	}
	var list struct {
		Lessons []lesson.Lesson `json:"lessons"`
	}
	decodeBody(t, res, &list)
	if len(list.Lessons) != len(lesson.Builtin()) {
		t.Fatalf("lessons = %d, want %d", len(list.Lessons), len(lesson.Builtin()))
	}

	res, err = http.Get(ts.URL + "/v1/lessons/greetings")
	if err != nil {
		t.Fatalf("GET lesson error = %v", err)
	}
	var l lesson.Lesson
	decodeBody(t, res, &l)
	if l.Key != "greetings" || len(l.Phrases) == 0 {
		t.Fatalf("lesson = %+v", l)
	}

	res, err = http.Get(ts.URL + "/v1/lessons/unknown")
	if err != nil {
		t.Fatalf("GET unknown lesson error = %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown lesson status = %d, want %d", res.StatusCode, http.StatusNotFound)
	}

	ctx := context.Background()
	for _, passed := range []bool{true, false} {
		if err := lessons.RecordAttempt(ctx, lesson.Attempt{
			UserID:    "user-1",
			LessonKey: "greetings",
			Utterance: "hola",
			Score:     1,
			Passed:    passed,
			CreatedAt: time.Now(),
		}); err != nil {
			t.Fatalf("RecordAttempt() error = %v", err)
		}
	}

	res, err = http.Get(ts.URL + "/v1/lessons/greetings/progress?user_id=user-1")
	if err != nil {
		t.Fatalf("GET progress error = %v", err)
	}
	var p lesson.Progress
	decodeBody(t, res, &p)
	if p.Attempts != 2 || p.Passed != 1 {
		t.Fatalf("progress = %+v, want 2 attempts 1 passed", p)
	}

	res, err = http.Get(ts.URL + "/v1/lessons/greetings/progress")
	if err != nil {
		t.Fatalf("GET progress without user error = %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("progress without user status = %d, want %d", res.StatusCode, http.StatusBadRequest)
	}
}

func TestSettingsAndHealthChecks(t *testing.T) {
	ts, _, _ := newTestServer(t, nil)

	res, err := http.Get(ts.URL + "/v1/ui/settings")
	if err != nil {
		t.Fatalf("GET settings error = %v", err)
	}
	var settings clientSettings
	decodeBody(t, res, &settings)
	if settings.VoiceProvider != "remote" || settings.DebounceWindowMS != 1500 || settings.DefaultLesson != "greetings" {
		t.Fatalf("settings = %+v", settings)
	}

	for _, path := range []string{"/healthz", "/readyz", "/v1/perf/phases", "/metrics"} {
		res, err := http.Get(ts.URL + path)
		if err != nil {
			t.Fatalf("GET %s error = %v", path, err)
		}
		res.Body.Close()
		if res.StatusCode != http.StatusOK {
			t.Fatalf("GET %s status = %d, want %d", path, res.StatusCode, http.StatusOK)
		}
	}
}

func TestSessionWSRequiresSession(t *testing.T) {
	ts, _, _ := newTestServer(t, &echoTutor{})

	res, err := http.Get(ts.URL + "/v1/tutor/session/ws")
	if err != nil {
		t.Fatalf("GET ws error = %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusBadRequest)
	}

	res, err = http.Get(ts.URL + "/v1/tutor/session/ws?session_id=missing")
	if err != nil {
		t.Fatalf("GET ws error = %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusNotFound)
	}
}

func TestSessionWSRoundTrip(t *testing.T) {
	tut := &echoTutor{}
	ts, sessions, _ := newTestServer(t, tut)
	sess := sessions.Create("user-1", "greetings", "es-ES", "es-ES")

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/tutor/session/ws?session_id=" + sess.ID + "&render=false"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial error = %v", err)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	var ready protocol.SystemEvent
	if err := conn.ReadJSON(&ready); err != nil {
		t.Fatalf("read ready: %v", err)
	}
	if ready.Code != "ready" || ready.SessionID != sess.ID {
		t.Fatalf("first message = %+v, want ready", ready)
	}

	hints := tut.lastHints()
	if !hints.CaptureAvailable || hints.RenderAvailable {
		t.Fatalf("hints = %+v, want capture only", hints)
	}

	if err := conn.WriteJSON(protocol.ClientControl{
		Type:      protocol.TypeClientControl,
		SessionID: sess.ID,
		Action:    protocol.ActionStartTurn,
	}); err != nil {
		t.Fatalf("write control: %v", err)
	}
	var echo protocol.SystemEvent
	if err := conn.ReadJSON(&echo); err != nil {
		t.Fatalf("read echo: %v", err)
	}
	if echo.Code != "echo" || echo.Detail != string(protocol.TypeClientControl) {
		t.Fatalf("echo = %+v", echo)
	}

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"client_control"}`)); err != nil {
		t.Fatalf("write invalid: %v", err)
	}
	var errEvent protocol.ErrorEvent
	if err := conn.ReadJSON(&errEvent); err != nil {
		t.Fatalf("read error event: %v", err)
	}
	if errEvent.Type != protocol.TypeErrorEvent || errEvent.Code != "invalid_client_message" {
		t.Fatalf("error event = %+v", errEvent)
	}
}

func TestSessionWSRejectsEndedSession(t *testing.T) {
	ts, sessions, _ := newTestServer(t, &echoTutor{})
	sess := sessions.Create("user-1", "greetings", "es-ES", "es-ES")
	if _, err := sessions.End(sess.ID); err != nil {
		t.Fatalf("End() error = %v", err)
	}

	res, err := http.Get(ts.URL + "/v1/tutor/session/ws?session_id=" + sess.ID)
	if err != nil {
		t.Fatalf("GET ws error = %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusGone {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusGone)
	}
}

func TestQueryFlag(t *testing.T) {
	cases := map[string]bool{"": true, "0": false, "false": false, "off": false, "1": true, "yes": true}
	for raw, want := range cases {
		q := map[string][]string{"capture": {raw}}
		if got := queryFlag(q, "capture", true); got != want {
			t.Fatalf("queryFlag(%q) = %v, want %v", raw, got, want)
		}
	}
}
