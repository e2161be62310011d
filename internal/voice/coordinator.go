package voice

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/ent0n29/parlo/internal/session"
)

type TurnOutcome string

const (
	TurnTranscript TurnOutcome = "transcript"
	TurnSilence    TurnOutcome = "silence"
	TurnDuplicate  TurnOutcome = "duplicate"
	TurnFailed     TurnOutcome = "failed"
	TurnStale      TurnOutcome = "stale"
)

// TurnResult is delivered exactly once per successful StartTurn.
type TurnResult struct {
	Outcome    TurnOutcome
	Transcript Transcript
	Err        error
}

// Availability reports which capabilities were found at construction.
type Availability struct {
	Capture bool `json:"capture"`
	Render  bool `json:"render"`
}

// Activity reports which capability calls are in flight. At most one is true.
type Activity struct {
	CaptureActive bool `json:"capture_active"`
	RenderActive  bool `json:"render_active"`
}

type Config struct {
	CaptureLocale  string
	RenderLocale   string
	DebounceWindow time.Duration
	Logger         *slog.Logger
}

// Coordinator owns the capture and rendering capabilities and the session
// state machine. Capture and rendering never run at the same time: a turn
// only reaches Speaking through Processing, and SpeakResponse stops capture
// and waits for it to return before rendering starts.
type Coordinator struct {
	machine  *session.Machine
	capture  Capture
	renderer Renderer
	events   EventSink
	logger   *slog.Logger
	now      func() time.Time

	available Availability

	// turnMu makes each generation check atomic with the phase commit it
	// guards. It is never held while waiting on a capability or the sink.
	turnMu sync.Mutex

	mu            sync.Mutex
	captureLocale string
	renderLocale  string
	generation    uint64
	captureActive bool
	captureDone   chan struct{}
	renderActive  bool
	renderDone    chan struct{}
	filter        *duplicateFilter
}

// failure is a capability error already committed to the machine and not
// yet reported to the sink.
type failure struct {
	kind ErrorKind
	err  error
}

func NewCoordinator(capture Capture, renderer Renderer, events EventSink, cfg Config) *Coordinator {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if events == nil {
		events = discardSink{}
	}
	c := &Coordinator{
		machine:       session.NewMachine(logger),
		capture:       capture,
		renderer:      renderer,
		events:        events,
		logger:        logger,
		now:           time.Now,
		captureLocale: strings.TrimSpace(cfg.CaptureLocale),
		renderLocale:  strings.TrimSpace(cfg.RenderLocale),
		filter:        newDuplicateFilter(cfg.DebounceWindow),
	}
	c.available = Availability{
		Capture: capture != nil && isAvailable(capture),
		Render:  renderer != nil && isAvailable(renderer),
	}
	return c
}

// View exposes the state machine read-only.
func (c *Coordinator) View() session.View { return c.machine.View() }

func (c *Coordinator) Phase() session.Phase { return c.machine.CurrentPhase() }

func (c *Coordinator) Availability() Availability { return c.available }

func (c *Coordinator) Activity() Activity {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Activity{CaptureActive: c.captureActive, RenderActive: c.renderActive}
}

// SetCaptureLocale applies from the next Listen call.
func (c *Coordinator) SetCaptureLocale(locale string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.captureLocale = strings.TrimSpace(locale)
}

// SetRenderLocale applies from the next Render call.
func (c *Coordinator) SetRenderLocale(locale string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.renderLocale = strings.TrimSpace(locale)
}

// StartTurn moves Idle -> Listening and starts one capture. The returned
// channel receives exactly one TurnResult.
func (c *Coordinator) StartTurn(ctx context.Context) (<-chan TurnResult, error) {
	if phase := c.machine.CurrentPhase(); phase != session.PhaseIdle {
		return nil, fmt.Errorf("%w: phase is %s", ErrNotIdle, phase)
	}
	if !c.available.Capture {
		return nil, ErrCaptureUnavailable
	}

	c.turnMu.Lock()
	defer c.turnMu.Unlock()

	if act := c.Activity(); act.CaptureActive || act.RenderActive {
		return nil, fmt.Errorf("%w: previous capability call still draining", ErrNotIdle)
	}
	if _, err := c.machine.TransitionFrom(session.PhaseIdle, session.PhaseListening); err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.generation++
	gen := c.generation
	locale := c.captureLocale
	done := make(chan struct{})
	c.captureActive = true
	c.captureDone = done
	c.mu.Unlock()

	results := make(chan TurnResult, 1)
	go func() {
		outcome := c.capture.Listen(ctx, locale)
		c.mu.Lock()
		if c.captureDone == done {
			c.captureActive = false
			c.captureDone = nil
		}
		c.mu.Unlock()
		close(done)
		results <- c.handleCapture(gen, outcome)
	}()
	return results, nil
}

func (c *Coordinator) handleCapture(gen uint64, outcome CaptureOutcome) TurnResult {
	c.turnMu.Lock()
	if !c.isCurrent(gen) {
		c.turnMu.Unlock()
		c.logger.Info("stale capture outcome ignored", "outcome", outcome.Kind)
		return TurnResult{Outcome: TurnStale, Err: outcome.Err}
	}
	res, f := c.settleCaptureLocked(outcome)
	c.turnMu.Unlock()

	if res.Outcome == TurnTranscript {
		c.events.Transcript(res.Transcript)
	}
	c.report(f)
	return res
}

// settleCaptureLocked commits the phase change for a current capture
// outcome. turnMu must be held.
func (c *Coordinator) settleCaptureLocked(outcome CaptureOutcome) (TurnResult, *failure) {
	switch outcome.Kind {
	case OutcomeTranscript:
		return c.acceptTranscriptLocked(outcome.Transcript)
	case OutcomeError:
		err := outcome.Err
		if err == nil {
			err = ErrCaptureFailure
		}
		if isCaptureCancellation(err) {
			c.endListening("cancelled")
			return TurnResult{Outcome: TurnSilence}, nil
		}
		kind := ClassifyCaptureError(err)
		if kind == KindNoSpeech {
			c.endListening("no speech")
			return TurnResult{Outcome: TurnSilence, Err: fmt.Errorf("%w: %v", ErrNoSpeechDetected, err)}, nil
		}
		f := c.forceIdleLocked(kind, err)
		return TurnResult{Outcome: TurnFailed, Err: wrapKind(kind, err)}, f
	default:
		c.endListening("silence")
		return TurnResult{Outcome: TurnSilence}, nil
	}
}

func (c *Coordinator) acceptTranscriptLocked(t Transcript) (TurnResult, *failure) {
	if t.ObservedAt.IsZero() {
		t.ObservedAt = c.now()
	}
	t.Text = strings.TrimSpace(t.Text)
	if NormalizeTranscript(t.Text) == "" {
		c.endListening("empty transcript")
		return TurnResult{Outcome: TurnSilence}, nil
	}

	c.mu.Lock()
	duplicate := c.filter.isDuplicate(t)
	c.mu.Unlock()
	if duplicate {
		c.logger.Debug("duplicate transcript dropped", "text", t.Text)
		c.endListening("duplicate transcript")
		return TurnResult{Outcome: TurnDuplicate, Transcript: t}, nil
	}

	if _, err := c.machine.TransitionFrom(session.PhaseListening, session.PhaseProcessing); err != nil {
		err = fmt.Errorf("%w: accepting transcript: %v", ErrInternalInconsistency, err)
		f := c.forceIdleLocked(KindInternalInconsistency, err)
		return TurnResult{Outcome: TurnFailed, Transcript: t, Err: err}, f
	}

	c.mu.Lock()
	c.filter.remember(t)
	c.mu.Unlock()
	return TurnResult{Outcome: TurnTranscript, Transcript: t}, nil
}

// CancelTurn asks capture to stop. The capture outcome moves the phase.
func (c *Coordinator) CancelTurn() error {
	if c.machine.CurrentPhase() != session.PhaseListening {
		return nil
	}
	if !c.Activity().CaptureActive {
		return nil
	}
	return c.capture.Stop()
}

// SpeakResponse renders text once a transcript has been accepted. locale
// falls back to the configured render locale. The returned channel receives
// exactly one value: nil on completion, otherwise an error wrapping
// ErrRenderCancelled or ErrRenderFailure.
func (c *Coordinator) SpeakResponse(ctx context.Context, text, locale string) (<-chan error, error) {
	if phase := c.machine.CurrentPhase(); phase != session.PhaseProcessing {
		return nil, fmt.Errorf("%w: phase is %s", ErrNotProcessing, phase)
	}
	if !c.available.Render {
		return nil, ErrRenderUnavailable
	}

	c.mu.Lock()
	turnGen := c.generation
	renderActive, renderDone := c.renderActive, c.renderDone
	captureDone := c.captureDone
	c.mu.Unlock()

	if renderActive {
		if err := c.renderer.Cancel(); err != nil {
			c.logger.Warn("cancel previous rendering failed", "error", err)
		}
		if err := waitDone(ctx, renderDone); err != nil {
			return nil, err
		}
	}

	if c.capture != nil {
		if err := c.capture.Stop(); err != nil {
			c.logger.Warn("stop capture before speaking failed", "error", err)
		}
	}
	if err := waitDone(ctx, captureDone); err != nil {
		return nil, err
	}

	c.turnMu.Lock()
	if !c.isCurrent(turnGen) {
		c.turnMu.Unlock()
		return nil, fmt.Errorf("%w: turn reset while stopping capture", ErrNotProcessing)
	}
	if _, err := c.machine.TransitionFrom(session.PhaseProcessing, session.PhaseSpeaking); err != nil {
		c.turnMu.Unlock()
		return nil, err
	}

	c.mu.Lock()
	if c.captureActive {
		c.mu.Unlock()
		err := fmt.Errorf("%w: capture active while entering speaking", ErrInternalInconsistency)
		f := c.forceIdleLocked(KindInternalInconsistency, err)
		c.turnMu.Unlock()
		c.report(f)
		return nil, err
	}
	c.generation++
	gen := c.generation
	if strings.TrimSpace(locale) == "" {
		locale = c.renderLocale
	}
	done := make(chan struct{})
	c.renderActive = true
	c.renderDone = done
	c.mu.Unlock()
	c.turnMu.Unlock()

	results := make(chan error, 1)
	go func() {
		err := c.renderer.Render(ctx, text, locale)
		c.mu.Lock()
		if c.renderDone == done {
			c.renderActive = false
			c.renderDone = nil
		}
		c.mu.Unlock()
		close(done)
		results <- c.handleRender(gen, err)
	}()
	return results, nil
}

func (c *Coordinator) handleRender(gen uint64, err error) error {
	c.turnMu.Lock()
	if !c.isCurrent(gen) {
		c.turnMu.Unlock()
		c.logger.Info("stale render completion ignored", "error", err)
		return fmt.Errorf("%w: superseded by reset", ErrRenderCancelled)
	}

	var (
		out error
		f   *failure
	)
	switch {
	case err == nil:
		if _, terr := c.machine.TransitionFrom(session.PhaseSpeaking, session.PhaseIdle); terr != nil {
			c.logger.Info("render finished after phase moved on", "error", terr)
		}
	case errors.Is(err, ErrRenderCancelled), errors.Is(err, context.Canceled):
		if _, terr := c.machine.TransitionFrom(session.PhaseSpeaking, session.PhaseIdle); terr != nil {
			c.logger.Info("render cancelled after phase moved on", "error", terr)
		}
		out = fmt.Errorf("%w: %v", ErrRenderCancelled, err)
	default:
		f = c.forceIdleLocked(KindRenderFailure, err)
		out = wrapKind(KindRenderFailure, err)
	}
	c.turnMu.Unlock()

	c.report(f)
	return out
}

// CancelSpeech asks the renderer to stop. The render outcome moves the phase.
func (c *Coordinator) CancelSpeech() error {
	if !c.Activity().RenderActive {
		return nil
	}
	return c.renderer.Cancel()
}

// EndTurn closes a processed turn without speaking.
func (c *Coordinator) EndTurn() error {
	c.turnMu.Lock()
	defer c.turnMu.Unlock()
	if phase := c.machine.CurrentPhase(); phase != session.PhaseProcessing {
		return fmt.Errorf("%w: phase is %s", ErrNotProcessing, phase)
	}
	_, err := c.machine.TransitionFrom(session.PhaseProcessing, session.PhaseIdle)
	return err
}

// Reset forces the session to idle, stops both capabilities and turns any
// in-flight capability outcome into a no-op. changed is false when the
// session was already idle.
func (c *Coordinator) Reset() (tr session.Transition, changed bool) {
	c.turnMu.Lock()
	c.mu.Lock()
	c.generation++
	captureActive, renderActive := c.captureActive, c.renderActive
	c.mu.Unlock()
	tr, changed = c.machine.Reset()
	c.turnMu.Unlock()

	if captureActive {
		if err := c.capture.Stop(); err != nil {
			c.logger.Warn("stop capture on reset failed", "error", err)
		}
	}
	if renderActive {
		if err := c.renderer.Cancel(); err != nil {
			c.logger.Warn("cancel rendering on reset failed", "error", err)
		}
	}
	return tr, changed
}

func (c *Coordinator) isCurrent(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.generation == gen
}

// endListening returns to idle after a capture that produced nothing usable.
func (c *Coordinator) endListening(reason string) {
	if _, err := c.machine.TransitionFrom(session.PhaseListening, session.PhaseIdle); err != nil {
		c.logger.Info("capture ended after phase moved on", "reason", reason, "error", err)
	}
}

// forceIdleLocked forces the session to idle after a capability failure.
// turnMu must be held. The caller reports the returned failure after
// releasing turnMu.
func (c *Coordinator) forceIdleLocked(kind ErrorKind, err error) *failure {
	c.logger.Warn("voice capability failed", "kind", kind, "error", err)
	c.machine.Reset()
	return &failure{kind: kind, err: err}
}

func (c *Coordinator) report(f *failure) {
	if f == nil {
		return
	}
	c.events.Error(f.kind, f.err.Error())
}

func wrapKind(kind ErrorKind, err error) error {
	sentinel := sentinelFor(kind)
	if errors.Is(err, sentinel) {
		return err
	}
	return fmt.Errorf("%w: %v", sentinel, err)
}

func waitDone(ctx context.Context, done <-chan struct{}) error {
	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type discardSink struct{}

func (discardSink) Transcript(Transcript)   {}
func (discardSink) Error(ErrorKind, string) {}
