package voice

import (
	"context"
	"strings"
	"sync"
	"time"
)

// MockCapture is a local stand-in used when no client microphone is wired.
// Each Listen "hears" the next scripted phrase after Delay.
type MockCapture struct {
	Delay      time.Duration
	Confidence float64

	mu     sync.Mutex
	script []string
	next   int
	stop   chan struct{}
}

func NewMockCapture(script []string, delay time.Duration) *MockCapture {
	if len(script) == 0 {
		script = []string{"hola"}
	}
	return &MockCapture{Delay: delay, Confidence: 0.9, script: append([]string(nil), script...)}
}

func (m *MockCapture) Listen(ctx context.Context, _ string) CaptureOutcome {
	stop := make(chan struct{})
	m.mu.Lock()
	m.stop = stop
	text := m.script[m.next%len(m.script)]
	m.next++
	m.mu.Unlock()

	timer := time.NewTimer(m.Delay)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-stop:
		return SilenceOutcome()
	case <-ctx.Done():
		return SilenceOutcome()
	}

	m.mu.Lock()
	if m.stop == stop {
		m.stop = nil
	}
	m.mu.Unlock()
	if strings.TrimSpace(text) == "" {
		return SilenceOutcome()
	}
	return TranscriptOutcome(text, m.Confidence, time.Now())
}

func (m *MockCapture) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stop == nil {
		return nil
	}
	close(m.stop)
	m.stop = nil
	return nil
}

// MockRenderer pretends to speak for PerRune per character of text.
type MockRenderer struct {
	PerRune time.Duration

	mu     sync.Mutex
	cancel chan struct{}
	spoken []string
}

func NewMockRenderer(perRune time.Duration) *MockRenderer {
	return &MockRenderer{PerRune: perRune}
}

func (m *MockRenderer) Render(ctx context.Context, text, _ string) error {
	cancel := make(chan struct{})
	m.mu.Lock()
	m.cancel = cancel
	m.mu.Unlock()

	timer := time.NewTimer(time.Duration(len([]rune(text))) * m.PerRune)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-cancel:
		return ErrRenderCancelled
	case <-ctx.Done():
		return ctx.Err()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel == cancel {
		m.cancel = nil
	}
	m.spoken = append(m.spoken, text)
	return nil
}

func (m *MockRenderer) Cancel() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel == nil {
		return nil
	}
	close(m.cancel)
	m.cancel = nil
	return nil
}

// Spoken returns every text rendered to completion.
func (m *MockRenderer) Spoken() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.spoken...)
}
