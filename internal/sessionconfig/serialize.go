package sessionconfig

import (
	"encoding/json"
	"fmt"

	"github.com/ent0n29/voicerag/internal/backend"
)

// Serialize renders cfg as the initialization message of profile's backend.
// Output only depends on its inputs; struct field order fixes key order.
func Serialize(profile backend.Profile, cfg SessionConfig) ([]byte, error) {
	if cfg.Backend != profile.Kind() {
		return nil, fmt.Errorf("session config built for %s cannot be sent to %s", cfg.Backend, profile.Kind())
	}
	switch profile.Kind() {
	case backend.KindRealtimeA:
		return json.Marshal(realtimeAMessage(cfg))
	case backend.KindRealtimeB:
		return json.Marshal(realtimeBMessage(cfg))
	default:
		return nil, fmt.Errorf("no session serializer for backend %q", profile.Kind())
	}
}

type realtimeASessionUpdate struct {
	Type    string           `json:"type"`
	Session realtimeASession `json:"session"`
}

type realtimeASession struct {
	Modalities              []string                `json:"modalities"`
	Instructions            string                  `json:"instructions,omitempty"`
	Voice                   string                  `json:"voice,omitempty"`
	InputAudioFormat        string                  `json:"input_audio_format"`
	OutputAudioFormat       string                  `json:"output_audio_format"`
	InputAudioTranscription *realtimeATranscription `json:"input_audio_transcription,omitempty"`
	TurnDetection           *realtimeATurnDetection `json:"turn_detection"`
	Tools                   []json.RawMessage       `json:"tools"`
	ToolChoice              string                  `json:"tool_choice"`
	Temperature             *float64                `json:"temperature,omitempty"`
	MaxResponseOutputTokens *int                    `json:"max_response_output_tokens,omitempty"`
}

type realtimeATranscription struct {
	Model string `json:"model"`
}

// realtimeATurnDetection carries the VAD tuning only for server_vad;
// semantic_vad takes none of it.
type realtimeATurnDetection struct {
	Type              string   `json:"type"`
	Threshold         *float64 `json:"threshold,omitempty"`
	PrefixPaddingMS   *int     `json:"prefix_padding_ms,omitempty"`
	SilenceDurationMS *int     `json:"silence_duration_ms,omitempty"`
}

func realtimeAMessage(cfg SessionConfig) realtimeASessionUpdate {
	s := realtimeASession{
		Modalities:              []string{"text", "audio"},
		Instructions:            cfg.Instructions,
		Voice:                   cfg.Voice,
		InputAudioFormat:        cfg.InputAudioFormat,
		OutputAudioFormat:       cfg.OutputAudioFormat,
		Tools:                   toolsOrEmpty(cfg.Tools),
		ToolChoice:              cfg.ToolChoice,
		Temperature:             cfg.Temperature,
		MaxResponseOutputTokens: cfg.MaxResponseOutputTokens,
	}
	if cfg.DisableAudio {
		s.Modalities = []string{"text"}
	}
	if cfg.TranscriptionModel != "" {
		s.InputAudioTranscription = &realtimeATranscription{Model: cfg.TranscriptionModel}
	}
	switch td := cfg.TurnDetection; td.Mode {
	case backend.TurnDetectionServerVAD:
		s.TurnDetection = &realtimeATurnDetection{
			Type:              string(td.Mode),
			Threshold:         &td.Threshold,
			PrefixPaddingMS:   &td.PrefixPaddingMS,
			SilenceDurationMS: &td.SilenceDurationMS,
		}
	case backend.TurnDetectionSemanticVAD:
		s.TurnDetection = &realtimeATurnDetection{Type: string(td.Mode)}
	}
	return realtimeASessionUpdate{Type: "session.update", Session: s}
}

type realtimeBConfiguration struct {
	Type   string          `json:"type"`
	Config realtimeBConfig `json:"config"`
}

type realtimeBConfig struct {
	Conversation            realtimeBConversation `json:"conversation"`
	Voice                   string                `json:"voice"`
	SystemMessage           string                `json:"system_message"`
	InputAudioFormat        string                `json:"input_audio_format"`
	OutputAudioFormat       string                `json:"output_audio_format"`
	Modalities              []string              `json:"modalities"`
	Tools                   []json.RawMessage     `json:"tools"`
	ToolChoice              string                `json:"tool_choice"`
	Temperature             *float64              `json:"temperature,omitempty"`
	MaxResponseOutputTokens *int                  `json:"max_response_output_tokens,omitempty"`
}

type realtimeBConversation struct {
	TurnDetection    realtimeBTurnDetection `json:"turn_detection"`
	NoiseSuppression *realtimeBToggle       `json:"noise_suppression,omitempty"`
	EchoCancellation *realtimeBToggle       `json:"echo_cancellation,omitempty"`
}

type realtimeBTurnDetection struct {
	Enabled           bool     `json:"enabled"`
	Type              string   `json:"type,omitempty"`
	Threshold         *float64 `json:"threshold,omitempty"`
	PrefixPaddingMS   int      `json:"prefix_padding_ms,omitempty"`
	SilenceDurationMS int      `json:"silence_duration_ms,omitempty"`
	TimeoutMS         int      `json:"timeout_ms,omitempty"`
}

type realtimeBToggle struct {
	Enabled bool `json:"enabled"`
}

var realtimeBTurnTypes = map[backend.TurnDetectionMode]string{
	backend.TurnDetectionServerVAD:   "server_vad",
	backend.TurnDetectionSemanticVAD: "azure_semantic_vad",
}

func realtimeBMessage(cfg SessionConfig) realtimeBConfiguration {
	c := realtimeBConfig{
		Voice:                   cfg.Voice,
		SystemMessage:           cfg.Instructions,
		InputAudioFormat:        cfg.InputAudioFormat,
		OutputAudioFormat:       cfg.OutputAudioFormat,
		Modalities:              []string{"text", "audio"},
		Tools:                   toolsOrEmpty(cfg.Tools),
		ToolChoice:              cfg.ToolChoice,
		Temperature:             cfg.Temperature,
		MaxResponseOutputTokens: cfg.MaxResponseOutputTokens,
	}
	if c.SystemMessage == "" {
		c.SystemMessage = DefaultSystemMessage
	}
	if cfg.DisableAudio {
		c.Modalities = []string{"text"}
	}

	td := cfg.TurnDetection
	if typ, ok := realtimeBTurnTypes[td.Mode]; ok {
		threshold := td.Threshold
		c.Conversation.TurnDetection = realtimeBTurnDetection{
			Enabled:           true,
			Type:              typ,
			Threshold:         &threshold,
			PrefixPaddingMS:   td.PrefixPaddingMS,
			SilenceDurationMS: td.SilenceDurationMS,
			TimeoutMS:         td.TimeoutMS,
		}
	}
	if cfg.NoiseSuppression != nil {
		c.Conversation.NoiseSuppression = &realtimeBToggle{Enabled: *cfg.NoiseSuppression}
	}
	if cfg.EchoCancellation != nil {
		c.Conversation.EchoCancellation = &realtimeBToggle{Enabled: *cfg.EchoCancellation}
	}
	return realtimeBConfiguration{Type: "configuration", Config: c}
}

func toolsOrEmpty(tools []json.RawMessage) []json.RawMessage {
	if tools == nil {
		return []json.RawMessage{}
	}
	return tools
}
