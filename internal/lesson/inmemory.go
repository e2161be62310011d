package lesson

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// InMemoryStore keeps lessons and attempts in process, for local/dev use.
type InMemoryStore struct {
	mu       sync.RWMutex
	lessons  map[string]Lesson
	attempts map[string][]Attempt
}

func NewInMemoryStore(lessons ...Lesson) *InMemoryStore {
	if len(lessons) == 0 {
		lessons = Builtin()
	}
	s := &InMemoryStore{
		lessons:  make(map[string]Lesson, len(lessons)),
		attempts: make(map[string][]Attempt),
	}
	for _, l := range lessons {
		s.lessons[l.Key] = cloneLesson(l)
	}
	return s
}

func (s *InMemoryStore) Lesson(_ context.Context, key string) (Lesson, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	l, ok := s.lessons[strings.TrimSpace(key)]
	if !ok {
		return Lesson{}, ErrLessonNotFound
	}
	return cloneLesson(l), nil
}

func (s *InMemoryStore) Lessons(_ context.Context) ([]Lesson, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Lesson, 0, len(s.lessons))
	for _, l := range s.lessons {
		out = append(out, cloneLesson(l))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (s *InMemoryStore) RecordAttempt(_ context.Context, attempt Attempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.lessons[attempt.LessonKey]; !ok {
		return ErrLessonNotFound
	}
	if attempt.ID == "" {
		attempt.ID = uuid.NewString()
	}
	if attempt.CreatedAt.IsZero() {
		attempt.CreatedAt = time.Now().UTC()
	}
	k := progressKey(attempt.UserID, attempt.LessonKey)
	s.attempts[k] = append(s.attempts[k], attempt)
	return nil
}

func (s *InMemoryStore) Progress(_ context.Context, userID, lessonKey string) (Progress, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.lessons[lessonKey]; !ok {
		return Progress{}, ErrLessonNotFound
	}
	p := Progress{UserID: userID, LessonKey: lessonKey}
	for _, a := range s.attempts[progressKey(userID, lessonKey)] {
		p.Attempts++
		if a.Passed {
			p.Passed++
		}
		p.LastScore = a.Score
		p.UpdatedAt = a.CreatedAt
	}
	return p, nil
}

func (s *InMemoryStore) Close() error { return nil }

func progressKey(userID, lessonKey string) string {
	return userID + "\x00" + lessonKey
}
