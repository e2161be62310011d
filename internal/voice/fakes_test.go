package voice

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/ent0n29/parlo/internal/session"
)

type fakeCapture struct {
	unavailable bool
	outcomes    chan CaptureOutcome
	started     chan string

	mu        sync.Mutex
	stop      chan struct{}
	stopCalls int
	locales   []string
}

func newFakeCapture() *fakeCapture {
	return &fakeCapture{
		outcomes: make(chan CaptureOutcome, 4),
		started:  make(chan string, 4),
	}
}

func (f *fakeCapture) Available() bool { return !f.unavailable }

func (f *fakeCapture) Listen(ctx context.Context, locale string) CaptureOutcome {
	stop := make(chan struct{})
	f.mu.Lock()
	f.stop = stop
	f.locales = append(f.locales, locale)
	f.mu.Unlock()
	f.started <- locale

	select {
	case out := <-f.outcomes:
		return out
	case <-stop:
		return SilenceOutcome()
	case <-ctx.Done():
		return SilenceOutcome()
	}
}

func (f *fakeCapture) Stop() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopCalls++
	if f.stop != nil {
		close(f.stop)
		f.stop = nil
	}
	return nil
}

func (f *fakeCapture) stops() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stopCalls
}

type renderCall struct {
	text   string
	locale string
}

type fakeRenderer struct {
	unavailable bool
	results     chan error
	started     chan renderCall
	onStart     func()

	mu     sync.Mutex
	cancel chan struct{}
	calls  []renderCall
}

func newFakeRenderer() *fakeRenderer {
	return &fakeRenderer{
		results: make(chan error, 4),
		started: make(chan renderCall, 4),
	}
}

func (f *fakeRenderer) Available() bool { return !f.unavailable }

func (f *fakeRenderer) Render(ctx context.Context, text, locale string) error {
	cancel := make(chan struct{})
	call := renderCall{text: text, locale: locale}
	f.mu.Lock()
	f.cancel = cancel
	f.calls = append(f.calls, call)
	onStart := f.onStart
	f.mu.Unlock()
	if onStart != nil {
		onStart()
	}
	f.started <- call

	select {
	case err := <-f.results:
		return err
	case <-cancel:
		return ErrRenderCancelled
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *fakeRenderer) Cancel() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cancel != nil {
		close(f.cancel)
		f.cancel = nil
	}
	return nil
}

type sinkError struct {
	kind    ErrorKind
	message string
}

type recordingSink struct {
	mu          sync.Mutex
	transcripts []Transcript
	errs        []sinkError

	// hold parks Error after recording until it is closed. entered
	// receives once per parked call.
	hold    chan struct{}
	entered chan struct{}
}

func (s *recordingSink) Transcript(t Transcript) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transcripts = append(s.transcripts, t)
}

func (s *recordingSink) Error(kind ErrorKind, message string) {
	s.mu.Lock()
	s.errs = append(s.errs, sinkError{kind: kind, message: message})
	hold, entered := s.hold, s.entered
	s.mu.Unlock()
	if hold != nil {
		entered <- struct{}{}
		<-hold
	}
}

func (s *recordingSink) snapshot() ([]Transcript, []sinkError) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Transcript(nil), s.transcripts...), append([]sinkError(nil), s.errs...)
}

type transitionLog struct {
	mu  sync.Mutex
	all []session.Transition
}

func (l *transitionLog) observe(tr session.Transition) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.all = append(l.all, tr)
}

func (l *transitionLog) snapshot() []session.Transition {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]session.Transition(nil), l.all...)
}

type harness struct {
	coord    *Coordinator
	capture  *fakeCapture
	renderer *fakeRenderer
	sink     *recordingSink
	log      *transitionLog
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		capture:  newFakeCapture(),
		renderer: newFakeRenderer(),
		sink:     &recordingSink{},
		log:      &transitionLog{},
	}
	h.coord = NewCoordinator(h.capture, h.renderer, h.sink, Config{
		CaptureLocale: "es-ES",
		RenderLocale:  "es-ES",
		Logger:        slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	h.coord.View().AddObserver(h.log.observe)
	return h
}

func (h *harness) startTurn(t *testing.T) <-chan TurnResult {
	t.Helper()
	results, err := h.coord.StartTurn(context.Background())
	if err != nil {
		t.Fatalf("StartTurn() error = %v", err)
	}
	select {
	case <-h.capture.started:
	case <-time.After(2 * time.Second):
		t.Fatalf("capture was not started")
	}
	return results
}

// toProcessing runs one turn that accepts text observed at at.
func (h *harness) toProcessing(t *testing.T, text string, at time.Time) Transcript {
	t.Helper()
	results := h.startTurn(t)
	h.capture.outcomes <- TranscriptOutcome(text, 0.9, at)
	res := waitTurn(t, results)
	if res.Outcome != TurnTranscript {
		t.Fatalf("turn outcome = %q (err %v), want transcript", res.Outcome, res.Err)
	}
	return res.Transcript
}

// toSpeaking drives the coordinator into Speaking and waits for Render to start.
func (h *harness) toSpeaking(t *testing.T) <-chan error {
	t.Helper()
	h.toProcessing(t, "buenos días", time.Now())
	done, err := h.coord.SpeakResponse(context.Background(), "¡Muy bien!", "")
	if err != nil {
		t.Fatalf("SpeakResponse() error = %v", err)
	}
	select {
	case <-h.renderer.started:
	case <-time.After(2 * time.Second):
		t.Fatalf("render was not started")
	}
	return done
}

func waitTurn(t *testing.T, results <-chan TurnResult) TurnResult {
	t.Helper()
	select {
	case res := <-results:
		return res
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for turn result")
		return TurnResult{}
	}
}

func waitErr(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for render result")
		return nil
	}
}
