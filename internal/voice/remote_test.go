package voice

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type linkCall struct {
	op     string
	id     string
	text   string
	locale string
}

type fakeLink struct {
	mu    sync.Mutex
	calls []linkCall
	sent  chan linkCall
	err   error
}

func newFakeLink() *fakeLink {
	return &fakeLink{sent: make(chan linkCall, 16)}
}

func (l *fakeLink) record(c linkCall) error {
	l.mu.Lock()
	l.calls = append(l.calls, c)
	err := l.err
	l.mu.Unlock()
	l.sent <- c
	return err
}

func (l *fakeLink) RequestCapture(id, locale string) error {
	return l.record(linkCall{op: "capture", id: id, locale: locale})
}

func (l *fakeLink) StopCapture(id string) error {
	return l.record(linkCall{op: "stop", id: id})
}

func (l *fakeLink) RequestRender(id, text, locale string) error {
	return l.record(linkCall{op: "render", id: id, text: text, locale: locale})
}

func (l *fakeLink) CancelRender(id string) error {
	return l.record(linkCall{op: "cancel", id: id})
}

func (l *fakeLink) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.calls)
}

func nextCall(t *testing.T, l *fakeLink) linkCall {
	t.Helper()
	select {
	case c := <-l.sent:
		return c
	case <-time.After(2 * time.Second):
		t.Fatalf("no link call")
		return linkCall{}
	}
}

func TestRemoteCaptureResolvesMatchingRequest(t *testing.T) {
	link := newFakeLink()
	capture := NewRemoteCapture(link, true, time.Second)

	out := make(chan CaptureOutcome, 1)
	go func() { out <- capture.Listen(context.Background(), "es-ES") }()

	req := nextCall(t, link)
	if req.op != "capture" || req.locale != "es-ES" || req.id == "" {
		t.Fatalf("unexpected request: %+v", req)
	}
	if capture.Resolve("stale-id", SilenceOutcome()) {
		t.Fatalf("Resolve() accepted an unknown id")
	}
	if !capture.Resolve(req.id, TranscriptOutcome("hola", 1.4, time.Now())) {
		t.Fatalf("Resolve() rejected the pending id")
	}
	if capture.Resolve(req.id, SilenceOutcome()) {
		t.Fatalf("Resolve() accepted the same id twice")
	}

	got := <-out
	if got.Kind != OutcomeTranscript || got.Transcript.Text != "hola" || got.Transcript.Confidence != 1 {
		t.Fatalf("Listen() = %+v, want clamped transcript", got)
	}
}

func TestRemoteCaptureStopEndsWithSilence(t *testing.T) {
	link := newFakeLink()
	capture := NewRemoteCapture(link, true, time.Second)

	if err := capture.Stop(); err != nil {
		t.Fatalf("Stop() without pending error = %v", err)
	}
	if link.count() != 0 {
		t.Fatalf("idle Stop() reached the client")
	}

	out := make(chan CaptureOutcome, 1)
	go func() { out <- capture.Listen(context.Background(), "es-ES") }()
	req := nextCall(t, link)

	if err := capture.Stop(); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if got := <-out; got.Kind != OutcomeSilence {
		t.Fatalf("Listen() after Stop = %+v, want silence", got)
	}
	stop := nextCall(t, link)
	if stop.op != "stop" || stop.id != req.id {
		t.Fatalf("stop call = %+v, want stop for %s", stop, req.id)
	}
	if capture.Resolve(req.id, TranscriptOutcome("tarde", 0.9, time.Now())) {
		t.Fatalf("late result after Stop should be dropped")
	}
}

func TestRemoteCaptureTimeoutIsSilence(t *testing.T) {
	link := newFakeLink()
	capture := NewRemoteCapture(link, true, 20*time.Millisecond)
	got := capture.Listen(context.Background(), "es-ES")
	if got.Kind != OutcomeSilence {
		t.Fatalf("Listen() = %+v, want silence on timeout", got)
	}
	if capture.PendingID() != "" {
		t.Fatalf("pending id not cleared after timeout")
	}
}

func TestRemoteCaptureLinkFailure(t *testing.T) {
	link := newFakeLink()
	link.err = errors.New("socket closed")
	capture := NewRemoteCapture(link, true, time.Second)
	got := capture.Listen(context.Background(), "es-ES")
	if got.Kind != OutcomeError || ClassifyCaptureError(got.Err) != KindCaptureFailure {
		t.Fatalf("Listen() = %+v, want capture failure", got)
	}
}

func TestRemoteRendererLifecycle(t *testing.T) {
	link := newFakeLink()
	renderer := NewRemoteRenderer(link, true, time.Second)

	if err := renderer.Cancel(); err != nil {
		t.Fatalf("Cancel() without pending error = %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- renderer.Render(context.Background(), "¡Muy bien!", "es-ES") }()
	req := nextCall(t, link)
	if req.op != "render" || req.text != "¡Muy bien!" {
		t.Fatalf("unexpected request: %+v", req)
	}
	if !renderer.Resolve(req.id, nil) {
		t.Fatalf("Resolve() rejected the pending id")
	}
	if err := <-done; err != nil {
		t.Fatalf("Render() error = %v", err)
	}

	go func() { done <- renderer.Render(context.Background(), "otra", "es-ES") }()
	req = nextCall(t, link)
	if err := renderer.Cancel(); err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}
	if err := <-done; !errors.Is(err, ErrRenderCancelled) {
		t.Fatalf("Render() after Cancel error = %v, want ErrRenderCancelled", err)
	}
	if cancel := nextCall(t, link); cancel.op != "cancel" || cancel.id != req.id {
		t.Fatalf("cancel call = %+v", cancel)
	}
}

func TestRemoteCapabilitiesDriveCoordinator(t *testing.T) {
	link := newFakeLink()
	capture := NewRemoteCapture(link, true, time.Second)
	renderer := NewRemoteRenderer(link, true, time.Second)
	sink := &recordingSink{}
	coord := NewCoordinator(capture, renderer, sink, Config{CaptureLocale: "es-ES", RenderLocale: "es-ES"})

	results, err := coord.StartTurn(context.Background())
	if err != nil {
		t.Fatalf("StartTurn() error = %v", err)
	}
	req := nextCall(t, link)
	capture.Resolve(req.id, TranscriptOutcome("buenos días", 0.9, time.Now()))
	if res := waitTurn(t, results); res.Outcome != TurnTranscript {
		t.Fatalf("turn outcome = %q", res.Outcome)
	}

	done, err := coord.SpeakResponse(context.Background(), "¡Muy bien!", "")
	if err != nil {
		t.Fatalf("SpeakResponse() error = %v", err)
	}
	render := nextCall(t, link)
	if render.op != "render" {
		t.Fatalf("first call after speak = %+v, want render (capture was already idle)", render)
	}
	renderer.Resolve(render.id, nil)
	if err := waitErr(t, done); err != nil {
		t.Fatalf("render result = %v", err)
	}
}

func TestRemoteAvailabilityIsChecked(t *testing.T) {
	link := newFakeLink()
	coord := NewCoordinator(NewRemoteCapture(link, false, 0), NewRemoteRenderer(link, true, 0), nil, Config{})
	if got := coord.Availability(); got.Capture || !got.Render {
		t.Fatalf("Availability() = %+v, want render only", got)
	}
}
