package lesson

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ent0n29/parlo/internal/reliability"
)

const (
	connectAttempts    = 5
	connectBackoffBase = 250 * time.Millisecond
	connectBackoffCap  = 4 * time.Second
)

// PostgresStore persists lessons and attempts in PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, strings.TrimSpace(databaseURL))
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	// The database often comes up after the server in local compose setups.
	if err := reliability.Retry(ctx, connectAttempts, connectBackoffBase, connectBackoffCap, pool.Ping); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	s := &PostgresStore{pool: pool}
	for _, l := range Builtin() {
		if err := s.seedLesson(ctx, l); err != nil {
			pool.Close()
			return nil, err
		}
	}
	return s, nil
}

func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS lessons (
			key TEXT PRIMARY KEY,
			title TEXT NOT NULL,
			locale TEXT NOT NULL,
			prompt TEXT NOT NULL DEFAULT ''
		);`,
		`CREATE TABLE IF NOT EXISTS lesson_phrases (
			lesson_key TEXT NOT NULL REFERENCES lessons(key) ON DELETE CASCADE,
			seq INTEGER NOT NULL,
			text TEXT NOT NULL,
			translation TEXT NOT NULL DEFAULT '',
			reply TEXT NOT NULL DEFAULT '',
			PRIMARY KEY (lesson_key, seq)
		);`,
		`CREATE TABLE IF NOT EXISTS lesson_attempts (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			session_id TEXT NOT NULL,
			lesson_key TEXT NOT NULL REFERENCES lessons(key) ON DELETE CASCADE,
			utterance TEXT NOT NULL,
			confidence DOUBLE PRECISION NOT NULL,
			score DOUBLE PRECISION NOT NULL,
			passed BOOLEAN NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE INDEX IF NOT EXISTS idx_lesson_attempts_user_lesson ON lesson_attempts (user_id, lesson_key, created_at);`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init lesson schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

// seedLesson inserts a lesson and its phrases unless the key already exists.
func (s *PostgresStore) seedLesson(ctx context.Context, l Lesson) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx,
		`INSERT INTO lessons (key, title, locale, prompt) VALUES ($1,$2,$3,$4)
		 ON CONFLICT (key) DO NOTHING`,
		l.Key, l.Title, l.Locale, l.Prompt,
	)
	if err != nil {
		return fmt.Errorf("seed lesson %s: %w", l.Key, err)
	}
	if tag.RowsAffected() == 0 {
		return nil
	}
	for i, p := range l.Phrases {
		if _, err := tx.Exec(ctx,
			`INSERT INTO lesson_phrases (lesson_key, seq, text, translation, reply) VALUES ($1,$2,$3,$4,$5)`,
			l.Key, i, p.Text, p.Translation, p.Reply,
		); err != nil {
			return fmt.Errorf("seed phrase %s/%d: %w", l.Key, i, err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func (s *PostgresStore) Lesson(ctx context.Context, key string) (Lesson, error) {
	var l Lesson
	err := s.pool.QueryRow(ctx,
		`SELECT key, title, locale, prompt FROM lessons WHERE key=$1`,
		strings.TrimSpace(key),
	).Scan(&l.Key, &l.Title, &l.Locale, &l.Prompt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Lesson{}, ErrLessonNotFound
		}
		return Lesson{}, fmt.Errorf("get lesson: %w", err)
	}
	l.Phrases, err = s.loadPhrases(ctx, l.Key)
	if err != nil {
		return Lesson{}, err
	}
	return l, nil
}

func (s *PostgresStore) Lessons(ctx context.Context) ([]Lesson, error) {
	rows, err := s.pool.Query(ctx, `SELECT key, title, locale, prompt FROM lessons ORDER BY key`)
	if err != nil {
		return nil, fmt.Errorf("list lessons: %w", err)
	}
	var out []Lesson
	for rows.Next() {
		var l Lesson
		if err := rows.Scan(&l.Key, &l.Title, &l.Locale, &l.Prompt); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan lesson row: %w", err)
		}
		out = append(out, l)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate lesson rows: %w", err)
	}

	for i := range out {
		out[i].Phrases, err = s.loadPhrases(ctx, out[i].Key)
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (s *PostgresStore) loadPhrases(ctx context.Context, key string) ([]Phrase, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT text, translation, reply FROM lesson_phrases WHERE lesson_key=$1 ORDER BY seq`,
		key,
	)
	if err != nil {
		return nil, fmt.Errorf("query phrases: %w", err)
	}
	defer rows.Close()

	var out []Phrase
	for rows.Next() {
		var p Phrase
		if err := rows.Scan(&p.Text, &p.Translation, &p.Reply); err != nil {
			return nil, fmt.Errorf("scan phrase row: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate phrase rows: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) RecordAttempt(ctx context.Context, attempt Attempt) error {
	if attempt.ID == "" {
		attempt.ID = uuid.NewString()
	}
	if attempt.CreatedAt.IsZero() {
		attempt.CreatedAt = time.Now().UTC()
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO lesson_attempts (id, user_id, session_id, lesson_key, utterance, confidence, score, passed, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		attempt.ID,
		attempt.UserID,
		attempt.SessionID,
		attempt.LessonKey,
		attempt.Utterance,
		attempt.Confidence,
		attempt.Score,
		attempt.Passed,
		attempt.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("record attempt: %w", err)
	}
	return nil
}

func (s *PostgresStore) Progress(ctx context.Context, userID, lessonKey string) (Progress, error) {
	var exists bool
	if err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM lessons WHERE key=$1)`, lessonKey,
	).Scan(&exists); err != nil {
		return Progress{}, fmt.Errorf("check lesson: %w", err)
	}
	if !exists {
		return Progress{}, ErrLessonNotFound
	}

	p := Progress{UserID: userID, LessonKey: lessonKey}
	var (
		lastScore *float64
		updatedAt *time.Time
	)
	err := s.pool.QueryRow(ctx,
		`SELECT count(*),
		        count(*) FILTER (WHERE passed),
		        (array_agg(score ORDER BY created_at DESC))[1],
		        max(created_at)
		   FROM lesson_attempts WHERE user_id=$1 AND lesson_key=$2`,
		userID, lessonKey,
	).Scan(&p.Attempts, &p.Passed, &lastScore, &updatedAt)
	if err != nil {
		return Progress{}, fmt.Errorf("query progress: %w", err)
	}
	if lastScore != nil {
		p.LastScore = *lastScore
	}
	if updatedAt != nil {
		p.UpdatedAt = *updatedAt
	}
	return p, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
