// Package sessionconfig builds the session-initialization payload sent to the
// active realtime backend. A canonical SessionConfig is built once per session
// and serialized by the backend's own serializer.
package sessionconfig

import (
	"encoding/json"
	"fmt"

	"github.com/ent0n29/voicerag/internal/backend"
)

const (
	DefaultAudioFormat        = "pcm16"
	DefaultTranscriptionModel = "whisper-1"
	DefaultThreshold          = 0.5
	DefaultPrefixPaddingMS    = 300
	DefaultSilenceDurationMS  = 500
	DefaultTimeoutMS          = 2000
	DefaultSystemMessage      = "You are a helpful assistant."
)

var (
	thresholdRange   = floatRange{Min: 0, Max: 1}
	temperatureRange = floatRange{Min: 0.6, Max: 1.2}
	maxTokensRange   = backend.Range{Min: 1, Max: 4096}
)

// TurnDetection is the backend-neutral turn detection setting.
type TurnDetection struct {
	Mode              backend.TurnDetectionMode
	Threshold         float64
	PrefixPaddingMS   int
	SilenceDurationMS int
	TimeoutMS         int
}

// SessionConfig is the canonical representation of one session's
// configuration. It is not mutated after it has been sent.
type SessionConfig struct {
	Backend backend.Kind

	TurnDetection      TurnDetection
	InputAudioFormat   string
	OutputAudioFormat  string
	TranscriptionModel string
	Voice              string
	Instructions       string
	DisableAudio       bool

	Temperature             *float64
	MaxResponseOutputTokens *int

	// Nil when the backend has no such capability.
	NoiseSuppression *bool
	EchoCancellation *bool

	Tools      []json.RawMessage
	ToolChoice string

	// Warnings lists every adjustment made while building. Not serialized.
	Warnings []string
}

// Build resolves the canonical configuration for profile. Out-of-range
// overrides are clamped and recorded in Warnings; they never fail the build.
// The only errors are tool declarations that are not valid JSON.
func Build(profile backend.Profile, tools []json.RawMessage, overrides Overrides) (SessionConfig, error) {
	cfg := SessionConfig{
		Backend:           profile.Kind(),
		InputAudioFormat:  DefaultAudioFormat,
		OutputAudioFormat: DefaultAudioFormat,
		Voice:             profile.DefaultVoice(),
		Tools:             make([]json.RawMessage, 0, len(tools)),
		ToolChoice:        "none",
	}

	for i, decl := range tools {
		if !json.Valid(decl) {
			return SessionConfig{}, fmt.Errorf("tool declaration %d is not valid JSON", i)
		}
		cfg.Tools = append(cfg.Tools, append(json.RawMessage(nil), decl...))
	}
	if len(cfg.Tools) > 0 {
		cfg.ToolChoice = "auto"
	}

	cfg.TurnDetection = buildTurnDetection(profile, overrides, &cfg.Warnings)

	caps := profile.Capabilities()
	if caps.Transcription {
		cfg.TranscriptionModel = DefaultTranscriptionModel
		if overrides.TranscriptionModel != nil {
			cfg.TranscriptionModel = *overrides.TranscriptionModel
			if cfg.TranscriptionModel == "none" {
				cfg.TranscriptionModel = ""
			}
		}
	}
	if caps.NoiseSuppression {
		cfg.NoiseSuppression = boolPtr(true)
		if overrides.NoiseSuppression != nil {
			cfg.NoiseSuppression = boolPtr(*overrides.NoiseSuppression)
		}
	}
	if caps.EchoCancellation {
		cfg.EchoCancellation = boolPtr(true)
		if overrides.EchoCancellation != nil {
			cfg.EchoCancellation = boolPtr(*overrides.EchoCancellation)
		}
	}

	if overrides.Voice != nil && *overrides.Voice != "" {
		cfg.Voice = *overrides.Voice
	}
	if overrides.Instructions != nil {
		cfg.Instructions = *overrides.Instructions
	}
	if overrides.DisableAudio != nil {
		cfg.DisableAudio = *overrides.DisableAudio
	}
	if overrides.Temperature != nil {
		t, clamped := temperatureRange.Clamp(*overrides.Temperature)
		if clamped {
			cfg.warnf("temperature %.2f clamped to %.2f", *overrides.Temperature, t)
		}
		cfg.Temperature = &t
	}
	if overrides.MaxResponseOutputTokens != nil {
		n, clamped := maxTokensRange.Clamp(*overrides.MaxResponseOutputTokens)
		if clamped {
			cfg.warnf("max_response_output_tokens %d clamped to %d", *overrides.MaxResponseOutputTokens, n)
		}
		cfg.MaxResponseOutputTokens = &n
	}
	return cfg, nil
}

func buildTurnDetection(profile backend.Profile, overrides Overrides, warnings *[]string) TurnDetection {
	td := TurnDetection{
		Mode:              profile.DefaultTurnDetection(),
		Threshold:         DefaultThreshold,
		PrefixPaddingMS:   DefaultPrefixPaddingMS,
		SilenceDurationMS: DefaultSilenceDurationMS,
		TimeoutMS:         DefaultTimeoutMS,
	}
	if overrides.TurnDetection != nil {
		mode := *overrides.TurnDetection
		if profile.SupportsTurnDetection(mode) {
			td.Mode = mode
		} else {
			*warnings = append(*warnings, fmt.Sprintf("turn detection %q not supported by %s, using %q", mode, profile.Kind(), td.Mode))
		}
	}

	if overrides.Threshold != nil {
		td.Threshold = *overrides.Threshold
	}
	if v, clamped := thresholdRange.Clamp(td.Threshold); clamped {
		*warnings = append(*warnings, fmt.Sprintf("threshold %g clamped to %g", td.Threshold, v))
		td.Threshold = v
	}

	limits := profile.Limits()
	td.PrefixPaddingMS = clampMS("prefix_padding_ms", overrides.PrefixPaddingMS, td.PrefixPaddingMS, limits.PrefixPaddingMS, warnings)
	td.SilenceDurationMS = clampMS("silence_duration_ms", overrides.SilenceDurationMS, td.SilenceDurationMS, limits.SilenceDurationMS, warnings)
	td.TimeoutMS = clampMS("timeout_ms", overrides.TimeoutMS, td.TimeoutMS, limits.TimeoutMS, warnings)
	return td
}

func clampMS(name string, override *int, fallback int, r backend.Range, warnings *[]string) int {
	v := fallback
	if override != nil {
		v = *override
	}
	out, clamped := r.Clamp(v)
	if clamped {
		*warnings = append(*warnings, fmt.Sprintf("%s %d clamped to %d", name, v, out))
	}
	return out
}

func (c *SessionConfig) warnf(format string, args ...any) {
	c.Warnings = append(c.Warnings, fmt.Sprintf(format, args...))
}

type floatRange struct {
	Min float64
	Max float64
}

func (r floatRange) Clamp(v float64) (float64, bool) {
	if v < r.Min {
		return r.Min, true
	}
	if v > r.Max {
		return r.Max, true
	}
	return v, false
}

func boolPtr(b bool) *bool { return &b }
