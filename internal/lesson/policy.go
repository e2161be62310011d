package lesson

// DefaultPassConfidence is the recognizer confidence an attempt must exceed
// to count as passed.
const DefaultPassConfidence = 0.7

// PassPolicy decides whether an evaluated attempt counts toward progress.
type PassPolicy interface {
	Passed(ev Evaluation, confidence float64) bool
}

// ConfidencePolicy passes attempts whose recognizer confidence is strictly
// above MinConfidence. A non-zero MinScore additionally requires the
// utterance to resemble a lesson phrase that closely.
type ConfidencePolicy struct {
	MinConfidence float64
	MinScore      float64
}

func DefaultPolicy() ConfidencePolicy {
	return ConfidencePolicy{MinConfidence: DefaultPassConfidence}
}

func (p ConfidencePolicy) Passed(ev Evaluation, confidence float64) bool {
	if confidence <= p.MinConfidence {
		return false
	}
	return p.MinScore <= 0 || ev.Score >= p.MinScore
}

// PolicyFunc adapts a function to PassPolicy.
type PolicyFunc func(ev Evaluation, confidence float64) bool

func (f PolicyFunc) Passed(ev Evaluation, confidence float64) bool { return f(ev, confidence) }
