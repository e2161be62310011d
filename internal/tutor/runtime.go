package tutor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ent0n29/parlo/internal/lesson"
	"github.com/ent0n29/parlo/internal/observability"
	"github.com/ent0n29/parlo/internal/policy"
	"github.com/ent0n29/parlo/internal/protocol"
	"github.com/ent0n29/parlo/internal/reliability"
	"github.com/ent0n29/parlo/internal/session"
	"github.com/ent0n29/parlo/internal/voice"
)

const (
	criticalSendTimeout  = 600 * time.Millisecond
	attemptRecordTimeout = 3 * time.Second
)

var errOutboundFull = errors.New("outbound queue full")

// Hints are what the client says it can do when it connects.
type Hints struct {
	CaptureAvailable bool
	RenderAvailable  bool
}

// CapabilityFactory builds the capture and render pair for one connection.
// link reaches the connected client.
type CapabilityFactory func(link voice.RemoteLink, hints Hints) (voice.Capture, voice.Renderer)

type Config struct {
	DefaultLesson  string
	DebounceWindow time.Duration
	Policy         lesson.PassPolicy
	Logger         *slog.Logger
}

// Runtime drives one voice coordinator per websocket connection and turns
// accepted transcripts into tutor replies.
type Runtime struct {
	sessions     *session.Manager
	lessons      lesson.Store
	metrics      *observability.Metrics
	capabilities CapabilityFactory
	policy       lesson.PassPolicy
	defaultKey   string
	debounce     time.Duration
	logger       *slog.Logger
}

func New(sessions *session.Manager, lessons lesson.Store, metrics *observability.Metrics, capabilities CapabilityFactory, cfg Config) *Runtime {
	pass := cfg.Policy
	if pass == nil {
		pass = lesson.DefaultPolicy()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	defaultKey := strings.TrimSpace(cfg.DefaultLesson)
	if defaultKey == "" {
		defaultKey = "greetings"
	}
	return &Runtime{
		sessions:     sessions,
		lessons:      lessons,
		metrics:      metrics,
		capabilities: capabilities,
		policy:       pass,
		defaultKey:   defaultKey,
		debounce:     cfg.DebounceWindow,
		logger:       logger,
	}
}

// RunConnection serves one client until ctx ends or inbound is closed. The
// session is forced back to idle on the way out.
func (r *Runtime) RunConnection(ctx context.Context, s *session.Session, hints Hints, inbound <-chan any, outbound chan<- any) error {
	c := &conn{
		rt:        r,
		sessionID: s.ID,
		userID:    s.UserID,
		outbound:  outbound,
		logger:    r.logger.With("session_id", s.ID),
	}

	l, err := r.loadLesson(ctx, s.LessonKey)
	if err != nil {
		c.sendError("lesson_unavailable", "lesson", false, err.Error())
		return err
	}
	c.lesson = l
	if l.Key != s.LessonKey {
		_ = r.sessions.SetLesson(s.ID, l.Key)
	}

	capture, renderer := r.capabilities(c, hints)
	c.capture = capture
	c.renderer = renderer
	c.coord = voice.NewCoordinator(capture, renderer, c, voice.Config{
		CaptureLocale:  s.CaptureLocale,
		RenderLocale:   s.RenderLocale,
		DebounceWindow: r.debounce,
		Logger:         c.logger,
	})
	c.captureLocale, c.renderLocale = s.CaptureLocale, s.RenderLocale

	observerID := c.coord.View().AddObserver(c.onTransition)
	defer c.coord.View().RemoveObserver(observerID)
	defer c.coord.Reset()

	avail := c.coord.Availability()
	c.send(protocol.SystemEvent{
		Type:      protocol.TypeSystemEvent,
		SessionID: s.ID,
		Code:      "ready",
		Detail:    fmt.Sprintf("capture=%t render=%t", avail.Capture, avail.Render),
	})
	c.sendLessonState(ctx)

	var (
		turns  <-chan voice.TurnResult
		speech <-chan error
	)
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-inbound:
			if !ok {
				return nil
			}
			_ = r.sessions.Touch(s.ID)
			switch m := msg.(type) {
			case protocol.ClientControl:
				if ch := c.handleControl(ctx, m); ch != nil {
					turns = ch
				}
			case protocol.CaptureResult:
				c.resolveCapture(m)
			case protocol.RenderResult:
				c.resolveRender(m)
			}
		case res := <-turns:
			turns = nil
			if ch := c.handleTurn(ctx, res); ch != nil {
				speech = ch
			}
		case err := <-speech:
			speech = nil
			c.handleSpeech(err)
		}
	}
}

func (r *Runtime) loadLesson(ctx context.Context, key string) (lesson.Lesson, error) {
	key = strings.TrimSpace(key)
	if key != "" {
		l, err := r.lessons.Lesson(ctx, key)
		if err == nil {
			return l, nil
		}
		if !errors.Is(err, lesson.ErrLessonNotFound) {
			return lesson.Lesson{}, err
		}
	}
	return r.lessons.Lesson(ctx, r.defaultKey)
}

type captureResolver interface {
	Resolve(requestID string, out voice.CaptureOutcome) bool
}

type renderResolver interface {
	Resolve(requestID string, err error) bool
}

// conn is the per-connection state. lesson and the locales are owned by the
// RunConnection loop; everything else is safe from coordinator goroutines.
type conn struct {
	rt        *Runtime
	sessionID string
	userID    string
	outbound  chan<- any
	logger    *slog.Logger

	coord    *voice.Coordinator
	capture  voice.Capture
	renderer voice.Renderer

	lesson        lesson.Lesson
	captureLocale string
	renderLocale  string

	// Touched only from the machine observer, which is serialized.
	lastTransitionAt time.Time
	listeningAt      time.Time
}

func (c *conn) handleControl(ctx context.Context, m protocol.ClientControl) <-chan voice.TurnResult {
	value := strings.TrimSpace(m.Value)
	switch m.Action {
	case protocol.ActionStartTurn:
		ch, err := c.coord.StartTurn(ctx)
		if err != nil {
			c.sendCoordinatorError(err)
			return nil
		}
		return ch
	case protocol.ActionCancelTurn:
		if err := c.coord.CancelTurn(); err != nil {
			c.logger.Warn("cancel turn failed", "error", err)
		}
	case protocol.ActionCancelSpeech:
		if err := c.coord.CancelSpeech(); err != nil {
			c.logger.Warn("cancel speech failed", "error", err)
		}
	case protocol.ActionEndTurn:
		if err := c.coord.EndTurn(); err != nil {
			c.sendCoordinatorError(err)
		}
	case protocol.ActionReset:
		c.coord.Reset()
		c.rt.metrics.ObserveSessionEvent("reset")
	case protocol.ActionSetCaptureLocale:
		if value == "" {
			c.sendError("invalid_locale", "gateway", false, "set_capture_locale requires a value")
			return nil
		}
		c.coord.SetCaptureLocale(value)
		c.captureLocale = value
		_ = c.rt.sessions.SetCaptureLocale(c.sessionID, value)
		c.sendLessonState(ctx)
	case protocol.ActionSetRenderLocale:
		if value == "" {
			c.sendError("invalid_locale", "gateway", false, "set_render_locale requires a value")
			return nil
		}
		c.coord.SetRenderLocale(value)
		c.renderLocale = value
		_ = c.rt.sessions.SetRenderLocale(c.sessionID, value)
		c.sendLessonState(ctx)
	case protocol.ActionSwitchLesson:
		c.switchLesson(ctx, value)
	default:
		c.sendError("unknown_action", "gateway", false, fmt.Sprintf("unknown client_control action %q", m.Action))
	}
	return nil
}

func (c *conn) switchLesson(ctx context.Context, key string) {
	if phase := c.coord.Phase(); phase != session.PhaseIdle {
		c.sendError(string(voice.KindNotIdle), "lesson", true, fmt.Sprintf("cannot switch lesson while %s", phase))
		return
	}
	l, err := c.rt.lessons.Lesson(ctx, key)
	if err != nil {
		code := "lesson_unavailable"
		if errors.Is(err, lesson.ErrLessonNotFound) {
			code = "lesson_not_found"
		}
		c.sendError(code, "lesson", false, err.Error())
		return
	}
	c.lesson = l
	_ = c.rt.sessions.SetLesson(c.sessionID, l.Key)
	c.rt.metrics.ObserveSessionEvent("lesson_switched")
	c.sendLessonState(ctx)
}

func (c *conn) handleTurn(ctx context.Context, res voice.TurnResult) <-chan error {
	c.rt.metrics.ObserveTranscript(string(res.Outcome))
	switch res.Outcome {
	case voice.TurnTranscript:
		return c.respond(ctx, res.Transcript)
	case voice.TurnDuplicate:
		c.send(protocol.SystemEvent{
			Type:      protocol.TypeSystemEvent,
			SessionID: c.sessionID,
			Code:      "duplicate_transcript",
			Detail:    res.Transcript.Text,
		})
	case voice.TurnSilence:
		code := "silence"
		if errors.Is(res.Err, voice.ErrNoSpeechDetected) {
			code = "no_speech"
		}
		c.send(protocol.SystemEvent{Type: protocol.TypeSystemEvent, SessionID: c.sessionID, Code: code})
	case voice.TurnFailed:
		_ = c.rt.sessions.RecordError(c.sessionID)
	}
	return nil
}

// respond evaluates an accepted transcript, records the attempt and speaks
// the reply. It ends the turn without speaking when rendering is unavailable.
func (c *conn) respond(ctx context.Context, t voice.Transcript) <-chan error {
	ev := lesson.Evaluate(t.Text, c.lesson)
	passed := c.rt.policy.Passed(ev, t.Confidence)
	c.rt.metrics.ObserveLessonAttempt(passed)
	_ = c.rt.sessions.RecordTurn(c.sessionID)

	utterance, redacted := policy.RedactUtterance(t.Text)
	if redacted {
		c.logger.Debug("redacted personal data from attempt", "lesson", c.lesson.Key)
	}

	go c.recordAttempt(ctx, lesson.Attempt{
		UserID:     c.userID,
		SessionID:  c.sessionID,
		LessonKey:  c.lesson.Key,
		Utterance:  utterance,
		Confidence: t.Confidence,
		Score:      ev.Score,
		Passed:     passed,
		CreatedAt:  t.ObservedAt,
	}, c.lesson, c.captureLocale, c.renderLocale)

	c.send(protocol.TutorResponse{
		Type:      protocol.TypeTutorResponse,
		SessionID: c.sessionID,
		LessonKey: c.lesson.Key,
		Text:      ev.Response.Text,
		Locale:    ev.Response.Locale,
		Expected:  ev.Phrase.Text,
		Score:     ev.Score,
		Matched:   ev.Matched,
		Passed:    passed,
	})

	text := voice.SanitizeSpeechText(ev.Response.Text)
	if text == "" || !c.coord.Availability().Render {
		if err := c.coord.EndTurn(); err != nil {
			c.sendCoordinatorError(err)
		}
		return nil
	}
	ch, err := c.coord.SpeakResponse(ctx, text, "")
	if err != nil {
		c.sendCoordinatorError(err)
		if c.coord.Phase() == session.PhaseProcessing {
			_ = c.coord.EndTurn()
		}
		return nil
	}
	return ch
}

func (c *conn) recordAttempt(ctx context.Context, a lesson.Attempt, l lesson.Lesson, captureLocale, renderLocale string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), attemptRecordTimeout)
	defer cancel()
	if err := c.rt.lessons.RecordAttempt(ctx, a); err != nil {
		c.logger.Warn("record lesson attempt failed", "lesson", a.LessonKey, "error", err)
		return
	}
	c.sendLessonStateFor(ctx, l, captureLocale, renderLocale)
}

func (c *conn) handleSpeech(err error) {
	switch {
	case err == nil:
	case errors.Is(err, voice.ErrRenderCancelled):
		c.rt.metrics.ObserveSessionEvent("speech_cancelled")
	default:
		// Already reported through the event sink.
		_ = c.rt.sessions.RecordError(c.sessionID)
	}
}

func (c *conn) resolveCapture(m protocol.CaptureResult) {
	resolver, ok := c.capture.(captureResolver)
	if !ok {
		return
	}
	var out voice.CaptureOutcome
	switch m.Outcome {
	case protocol.CaptureTranscript:
		at := time.Now()
		if m.TSMs > 0 {
			at = time.UnixMilli(m.TSMs)
		}
		out = voice.TranscriptOutcome(m.Text, m.Confidence, at)
	case protocol.CaptureSilence:
		out = voice.SilenceOutcome()
	default:
		out = voice.ErrorOutcome(&voice.CaptureError{Code: m.Code, Detail: m.Detail})
	}
	if !resolver.Resolve(m.RequestID, out) {
		c.rt.metrics.ObserveSessionEvent("stale_capture_result")
	}
}

func (c *conn) resolveRender(m protocol.RenderResult) {
	resolver, ok := c.renderer.(renderResolver)
	if !ok {
		return
	}
	var err error
	switch m.Outcome {
	case protocol.RenderDone:
	case protocol.RenderCancelled:
		err = voice.ErrRenderCancelled
	default:
		err = fmt.Errorf("%w: %s", voice.ErrRenderFailure, m.Detail)
	}
	if !resolver.Resolve(m.RequestID, err) {
		c.rt.metrics.ObserveSessionEvent("stale_render_result")
	}
}

func (c *conn) onTransition(tr session.Transition) {
	var dwell time.Duration
	if !c.lastTransitionAt.IsZero() {
		dwell = tr.At.Sub(c.lastTransitionAt)
	}
	c.lastTransitionAt = tr.At
	c.rt.metrics.ObserveTransition(string(tr.From), string(tr.To), tr.Forced, dwell)

	switch tr.To {
	case session.PhaseListening:
		c.listeningAt = tr.At
	case session.PhaseSpeaking:
		if !c.listeningAt.IsZero() {
			c.rt.metrics.ObserveTurnLatency(tr.At.Sub(c.listeningAt))
		}
	case session.PhaseIdle:
		c.listeningAt = time.Time{}
	}

	c.send(protocol.PhaseChanged{
		Type:      protocol.TypePhaseChanged,
		SessionID: c.sessionID,
		Seq:       tr.Seq,
		From:      string(tr.From),
		To:        string(tr.To),
		Forced:    tr.Forced,
		TSMs:      tr.At.UnixMilli(),
	})
}

// Transcript and Error implement voice.EventSink.
func (c *conn) Transcript(t voice.Transcript) {
	c.send(protocol.Transcript{
		Type:       protocol.TypeTranscript,
		SessionID:  c.sessionID,
		Text:       t.Text,
		Confidence: t.Confidence,
		TSMs:       t.ObservedAt.UnixMilli(),
	})
}

func (c *conn) Error(kind voice.ErrorKind, detail string) {
	c.rt.metrics.ObserveCoordinatorError(string(kind))
	c.sendError(string(kind), "voice", reliability.IsRetryableErrorKind(string(kind)), detail)
}

// RequestCapture, StopCapture, RequestRender and CancelRender implement
// voice.RemoteLink.
func (c *conn) RequestCapture(requestID, locale string) error {
	return c.deliver(protocol.CaptureRequest{
		Type:      protocol.TypeCaptureRequest,
		SessionID: c.sessionID,
		RequestID: requestID,
		Locale:    locale,
	})
}

func (c *conn) StopCapture(requestID string) error {
	return c.deliver(protocol.CaptureStop{Type: protocol.TypeCaptureStop, SessionID: c.sessionID, RequestID: requestID})
}

func (c *conn) RequestRender(requestID, text, locale string) error {
	return c.deliver(protocol.RenderRequest{
		Type:      protocol.TypeRenderRequest,
		SessionID: c.sessionID,
		RequestID: requestID,
		Text:      text,
		Locale:    locale,
	})
}

func (c *conn) CancelRender(requestID string) error {
	return c.deliver(protocol.RenderCancel{Type: protocol.TypeRenderCancel, SessionID: c.sessionID, RequestID: requestID})
}

func (c *conn) deliver(msg any) error {
	if !c.send(msg) {
		return errOutboundFull
	}
	return nil
}

func (c *conn) sendLessonState(ctx context.Context) {
	c.sendLessonStateFor(ctx, c.lesson, c.captureLocale, c.renderLocale)
}

func (c *conn) sendLessonStateFor(ctx context.Context, l lesson.Lesson, captureLocale, renderLocale string) {
	state := protocol.LessonState{
		Type:          protocol.TypeLessonState,
		SessionID:     c.sessionID,
		LessonKey:     l.Key,
		Title:         l.Title,
		Prompt:        l.Prompt,
		CaptureLocale: captureLocale,
		RenderLocale:  renderLocale,
	}
	p, err := c.rt.lessons.Progress(ctx, c.userID, l.Key)
	if err != nil {
		c.logger.Warn("load lesson progress failed", "lesson", l.Key, "error", err)
	} else {
		state.Attempts = p.Attempts
		state.Passed = p.Passed
	}
	c.send(state)
}

func (c *conn) sendCoordinatorError(err error) {
	kind := voice.KindOf(err)
	c.rt.metrics.ObserveCoordinatorError(string(kind))
	c.sendError(string(kind), "coordinator", reliability.IsRetryableErrorKind(string(kind)), err.Error())
}

func (c *conn) sendError(code, source string, retry bool, detail string) {
	c.send(protocol.ErrorEvent{
		Type:      protocol.TypeErrorEvent,
		SessionID: c.sessionID,
		Code:      code,
		Source:    source,
		Retryable: retry,
		Detail:    detail,
	})
}

// send delivers critical messages with a bounded wait and drops the rest
// when the outbound queue is full.
func (c *conn) send(msg any) bool {
	msgType, critical := outboundMessageMeta(msg)
	if !critical {
		select {
		case c.outbound <- msg:
			c.rt.metrics.ObserveOutboundMessage(msgType, "delivered")
			return true
		default:
			c.rt.metrics.ObserveOutboundMessage(msgType, "dropped")
			c.rt.metrics.ObserveSessionEvent("outbound_drop")
			return false
		}
	}

	timer := time.NewTimer(criticalSendTimeout)
	defer timer.Stop()
	select {
	case c.outbound <- msg:
		c.rt.metrics.ObserveOutboundMessage(msgType, "delivered")
		return true
	case <-timer.C:
		c.rt.metrics.ObserveOutboundMessage(msgType, "timeout")
		c.rt.metrics.ObserveSessionEvent("outbound_timeout_critical")
		return false
	}
}

func outboundMessageMeta(msg any) (msgType string, critical bool) {
	t, ok := protocol.MessageTypeOf(msg)
	if !ok {
		return "unknown", false
	}
	switch t {
	case protocol.TypeTranscript, protocol.TypeLessonState:
		return string(t), false
	default:
		return string(t), true
	}
}
