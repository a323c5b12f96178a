package sessionconfig

import (
	"math"
	"strconv"
	"strings"

	"github.com/ent0n29/voicerag/internal/backend"
	"github.com/ent0n29/voicerag/internal/config"
	"github.com/ent0n29/voicerag/internal/reliability"
)

// Flat configuration keys read by ParseOverrides.
const (
	KeyTurnDetection      = "SESSION_TURN_DETECTION"
	KeyThreshold          = "SESSION_VAD_THRESHOLD"
	KeyPrefixPaddingMS    = "SESSION_PREFIX_PADDING_MS"
	KeySilenceDurationMS  = "SESSION_SILENCE_DURATION_MS"
	KeyTimeoutMS          = "SESSION_TURN_TIMEOUT_MS"
	KeyNoiseSuppression   = "SESSION_NOISE_SUPPRESSION"
	KeyEchoCancellation   = "SESSION_ECHO_CANCELLATION"
	KeyTranscriptionModel = "SESSION_TRANSCRIPTION_MODEL"
	KeyVoice              = "SESSION_VOICE"
	KeyInstructions       = "SESSION_INSTRUCTIONS"
	KeyTemperature        = "SESSION_TEMPERATURE"
	KeyMaxOutputTokens    = "SESSION_MAX_OUTPUT_TOKENS"
	KeyDisableAudio       = "SESSION_DISABLE_AUDIO"
)

// Overrides are operator adjustments to the profile defaults. Nil fields keep
// the default.
type Overrides struct {
	TurnDetection      *backend.TurnDetectionMode
	Threshold          *float64
	PrefixPaddingMS    *int
	SilenceDurationMS  *int
	TimeoutMS          *int
	NoiseSuppression   *bool
	EchoCancellation   *bool
	TranscriptionModel *string
	Voice              *string
	Instructions       *string
	Temperature        *float64
	// MaxResponseOutputTokens accepts "inf" as no limit.
	MaxResponseOutputTokens *int
	DisableAudio            *bool
}

// ParseOverrides reads overrides from the flat configuration map. Values that
// do not parse are configuration errors; values that parse but are out of
// range are accepted here and clamped by Build.
func ParseOverrides(values map[string]string) (Overrides, error) {
	var o Overrides

	if s := get(values, KeyTurnDetection); s != "" {
		mode, err := backend.ParseTurnDetectionMode(s)
		if err != nil {
			return Overrides{}, &reliability.ConfigurationError{Key: KeyTurnDetection, Reason: err.Error()}
		}
		o.TurnDetection = &mode
	}

	var err error
	if o.Threshold, err = parseFloat(values, KeyThreshold); err != nil {
		return Overrides{}, err
	}
	if o.Temperature, err = parseFloat(values, KeyTemperature); err != nil {
		return Overrides{}, err
	}
	if o.PrefixPaddingMS, err = parseInt(values, KeyPrefixPaddingMS); err != nil {
		return Overrides{}, err
	}
	if o.SilenceDurationMS, err = parseInt(values, KeySilenceDurationMS); err != nil {
		return Overrides{}, err
	}
	if o.TimeoutMS, err = parseInt(values, KeyTimeoutMS); err != nil {
		return Overrides{}, err
	}
	if strings.EqualFold(get(values, KeyMaxOutputTokens), "inf") {
		n := maxTokensRange.Max
		o.MaxResponseOutputTokens = &n
	} else if o.MaxResponseOutputTokens, err = parseInt(values, KeyMaxOutputTokens); err != nil {
		return Overrides{}, err
	}
	if o.NoiseSuppression, err = parseBool(values, KeyNoiseSuppression); err != nil {
		return Overrides{}, err
	}
	if o.EchoCancellation, err = parseBool(values, KeyEchoCancellation); err != nil {
		return Overrides{}, err
	}
	if o.DisableAudio, err = parseBool(values, KeyDisableAudio); err != nil {
		return Overrides{}, err
	}

	o.TranscriptionModel = optionalString(values, KeyTranscriptionModel)
	o.Voice = optionalString(values, KeyVoice)
	o.Instructions = optionalString(values, KeyInstructions)
	return o, nil
}

func get(values map[string]string, key string) string {
	return strings.TrimSpace(values[key])
}

func optionalString(values map[string]string, key string) *string {
	s := get(values, key)
	if s == "" {
		return nil
	}
	return &s
}

func parseFloat(values map[string]string, key string) (*float64, error) {
	s := get(values, key)
	if s == "" {
		return nil, nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(f) {
		return nil, &reliability.ConfigurationError{Key: key, Reason: "expected a number, got " + strconv.Quote(s)}
	}
	return &f, nil
}

func parseInt(values map[string]string, key string) (*int, error) {
	s := get(values, key)
	if s == "" {
		return nil, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return nil, &reliability.ConfigurationError{Key: key, Reason: "expected an integer, got " + strconv.Quote(s)}
	}
	return &n, nil
}

func parseBool(values map[string]string, key string) (*bool, error) {
	s := get(values, key)
	if s == "" {
		return nil, nil
	}
	b, ok := config.ParseBool(s)
	if !ok {
		return nil, &reliability.ConfigurationError{Key: key, Reason: "expected a boolean, got " + strconv.Quote(s)}
	}
	return &b, nil
}
