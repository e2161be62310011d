package lesson

import (
	"context"
	"errors"
	"time"
)

var ErrLessonNotFound = errors.New("lesson not found")

// Phrase is one target utterance in a lesson and what the tutor says back
// when the learner gets it right.
type Phrase struct {
	Text        string `json:"text"`
	Translation string `json:"translation,omitempty"`
	Reply       string `json:"reply,omitempty"`
}

type Lesson struct {
	Key     string   `json:"key"`
	Title   string   `json:"title"`
	Locale  string   `json:"locale"`
	Prompt  string   `json:"prompt"`
	Phrases []Phrase `json:"phrases"`
}

// Attempt records a single evaluated learner utterance.
type Attempt struct {
	ID         string    `json:"id"`
	UserID     string    `json:"user_id"`
	SessionID  string    `json:"session_id"`
	LessonKey  string    `json:"lesson_key"`
	Utterance  string    `json:"utterance"`
	Confidence float64   `json:"confidence"`
	Score      float64   `json:"score"`
	Passed     bool      `json:"passed"`
	CreatedAt  time.Time `json:"created_at"`
}

// Progress aggregates attempts for one user and lesson.
type Progress struct {
	UserID    string    `json:"user_id"`
	LessonKey string    `json:"lesson_key"`
	Attempts  int       `json:"attempts"`
	Passed    int       `json:"passed"`
	LastScore float64   `json:"last_score"`
	UpdatedAt time.Time `json:"updated_at,omitempty"`
}

// Store persists lessons and learner progress.
type Store interface {
	Lesson(ctx context.Context, key string) (Lesson, error)
	Lessons(ctx context.Context) ([]Lesson, error)
	RecordAttempt(ctx context.Context, attempt Attempt) error
	Progress(ctx context.Context, userID, lessonKey string) (Progress, error)
	Close() error
}

func cloneLesson(l Lesson) Lesson {
	l.Phrases = append([]Phrase(nil), l.Phrases...)
	return l
}
