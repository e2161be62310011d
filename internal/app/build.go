package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ent0n29/parlo/internal/config"
	"github.com/ent0n29/parlo/internal/httpapi"
	"github.com/ent0n29/parlo/internal/lesson"
	"github.com/ent0n29/parlo/internal/observability"
	"github.com/ent0n29/parlo/internal/session"
	"github.com/ent0n29/parlo/internal/tutor"
)

type VoiceInfo struct {
	Provider string
	Detail   string
}

type BuildResult struct {
	Config   config.Config
	API      *httpapi.Server
	Sessions *session.Manager
	Tutor    *tutor.Runtime
	Lessons  lesson.Store
	Metrics  *observability.Metrics
	Voice    VoiceInfo

	// Cleanup should be called on shutdown to release external resources.
	Cleanup func() error
}

func Build(ctx context.Context, cfg config.Config, logger *slog.Logger) (*BuildResult, error) {
	if logger == nil {
		logger = slog.Default()
	}
	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	lessonStore, err := lesson.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("lesson store init failed: %w", err)
	}
	if _, err := lessonStore.Lesson(ctx, cfg.LessonDefaultKey); err != nil {
		_ = lessonStore.Close()
		return nil, fmt.Errorf("default lesson %q: %w", cfg.LessonDefaultKey, err)
	}

	voiceSetup, err := resolveVoiceCapabilities(cfg)
	if err != nil {
		_ = lessonStore.Close()
		return nil, err
	}
	cfg.VoiceProvider = voiceSetup.resolvedProvider

	sessions := session.NewManager(cfg.SessionInactivityTimeout)
	sessions.SetExpireHook(func(s *session.Session) {
		logger.Info("session expired", "session_id", s.ID, "user_id", s.UserID)
		metrics.ObserveSessionEvent("expired")
		metrics.ActiveSessions.Set(float64(sessions.ActiveCount()))
	})

	runtime := tutor.New(sessions, lessonStore, metrics, voiceSetup.factory, tutor.Config{
		DefaultLesson:  cfg.LessonDefaultKey,
		DebounceWindow: cfg.VoiceDebounceWindow,
		Policy: lesson.ConfidencePolicy{
			MinConfidence: cfg.LessonPassConfidence,
			MinScore:      cfg.LessonPassScore,
		},
		Logger: logger,
	})

	api := httpapi.New(cfg, sessions, lessonStore, runtime, metrics, logger)

	cleanup := func() error {
		var errs []string
		if err := lessonStore.Close(); err != nil {
			errs = append(errs, err.Error())
		}
		if len(errs) > 0 {
			return fmt.Errorf("%s", strings.Join(errs, "; "))
		}
		return nil
	}

	return &BuildResult{
		Config:   cfg,
		API:      api,
		Sessions: sessions,
		Tutor:    runtime,
		Lessons:  lessonStore,
		Metrics:  metrics,
		Voice: VoiceInfo{
			Provider: cfg.VoiceProvider,
			Detail:   voiceSetup.detail,
		},
		Cleanup: cleanup,
	}, nil
}
