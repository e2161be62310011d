package voice

import (
	"context"
	"time"
)

// Transcript is one final recognition result.
type Transcript struct {
	Text       string    `json:"text"`
	Confidence float64   `json:"confidence"`
	ObservedAt time.Time `json:"observed_at"`
}

type OutcomeKind string

const (
	OutcomeTranscript OutcomeKind = "transcript"
	OutcomeSilence    OutcomeKind = "silence"
	OutcomeError      OutcomeKind = "error"
)

// CaptureOutcome is the single result of one Listen call.
type CaptureOutcome struct {
	Kind       OutcomeKind
	Transcript Transcript
	Err        error
}

func TranscriptOutcome(text string, confidence float64, observedAt time.Time) CaptureOutcome {
	return CaptureOutcome{
		Kind: OutcomeTranscript,
		Transcript: Transcript{
			Text:       text,
			Confidence: clampFloat(confidence, 0, 1),
			ObservedAt: observedAt,
		},
	}
}

func SilenceOutcome() CaptureOutcome {
	return CaptureOutcome{Kind: OutcomeSilence}
}

func ErrorOutcome(err error) CaptureOutcome {
	return CaptureOutcome{Kind: OutcomeError, Err: err}
}

// Capture turns live audio into at most one transcript per Listen call.
// Listen blocks until a transcript, silence or an error; Stop makes an
// in-flight Listen return and is a no-op when nothing is listening.
type Capture interface {
	Listen(ctx context.Context, locale string) CaptureOutcome
	Stop() error
}

// Renderer speaks text. Render blocks until playback finishes, fails, or is
// cancelled (ErrRenderCancelled). Cancel is a no-op when nothing is rendering.
type Renderer interface {
	Render(ctx context.Context, text, locale string) error
	Cancel() error
}

// AvailabilityReporter is implemented by capabilities that can report whether the
// underlying device or service exists. Capabilities without it are assumed
// available.
type AvailabilityReporter interface {
	Available() bool
}

// EventSink receives the coordinator's outbound events.
type EventSink interface {
	Transcript(t Transcript)
	Error(kind ErrorKind, message string)
}

func isAvailable(v any) bool {
	if v == nil {
		return false
	}
	if p, ok := v.(AvailabilityReporter); ok {
		return p.Available()
	}
	return true
}

func clampFloat(v, min, max float64) float64 {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}
