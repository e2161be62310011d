package app

import (
	"fmt"
	"strings"
	"time"

	"github.com/ent0n29/parlo/internal/config"
	"github.com/ent0n29/parlo/internal/tutor"
	"github.com/ent0n29/parlo/internal/voice"
)

const (
	mockCaptureDelay  = 800 * time.Millisecond
	mockRenderPerRune = 40 * time.Millisecond
)

type voiceSetup struct {
	factory          tutor.CapabilityFactory
	resolvedProvider string
	detail           string
}

// resolveVoiceCapabilities picks how each connection captures and renders
// speech: through the connected browser, or with local mocks.
func resolveVoiceCapabilities(cfg config.Config) (voiceSetup, error) {
	mode := strings.ToLower(strings.TrimSpace(cfg.VoiceProvider))
	if mode == "" {
		mode = "remote"
	}

	switch mode {
	case "remote":
		timeout := cfg.VoiceCapabilityTimeout
		return voiceSetup{
			factory: func(link voice.RemoteLink, hints tutor.Hints) (voice.Capture, voice.Renderer) {
				return voice.NewRemoteCapture(link, hints.CaptureAvailable, timeout),
					voice.NewRemoteRenderer(link, hints.RenderAvailable, timeout)
			},
			resolvedProvider: "remote",
			detail:           fmt.Sprintf("browser speech (timeout %s)", timeout),
		}, nil
	case "mock":
		phrases := append([]string(nil), cfg.VoiceMockPhrases...)
		return voiceSetup{
			factory: func(voice.RemoteLink, tutor.Hints) (voice.Capture, voice.Renderer) {
				return voice.NewMockCapture(phrases, mockCaptureDelay), voice.NewMockRenderer(mockRenderPerRune)
			},
			resolvedProvider: "mock",
			detail:           fmt.Sprintf("mock (%d scripted phrases)", len(phrases)),
		}, nil
	default:
		return voiceSetup{}, fmt.Errorf("unsupported VOICE_PROVIDER %q", cfg.VoiceProvider)
	}
}
