package backend

import (
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/ent0n29/voicerag/internal/reliability"
)

// Credential and option keys read from the flat configuration map.
const (
	KeyUseVoiceLive = "USE_VOICE_LIVE"

	KeyOpenAIEndpoint    = "AZURE_OPENAI_ENDPOINT"
	KeyOpenAIDeployment  = "AZURE_OPENAI_REALTIME_DEPLOYMENT"
	KeyOpenAIAPIKey      = "AZURE_OPENAI_API_KEY"
	KeyOpenAIAPIVersion  = "AZURE_OPENAI_API_VERSION"
	KeyOpenAIVoiceChoice = "AZURE_OPENAI_REALTIME_VOICE_CHOICE"
	KeyOpenAIToken       = "AZURE_OPENAI_TOKEN"
	KeyTenantID          = "AZURE_TENANT_ID"
	KeyClientID          = "AZURE_CLIENT_ID"
	KeyClientSecret      = "AZURE_CLIENT_SECRET"

	KeyFoundryEndpoint     = "AI_FOUNDRY_ENDPOINT"
	KeyFoundryAPIKey       = "AI_FOUNDRY_API_KEY"
	KeyVoiceLiveVoice      = "VOICE_LIVE_VOICE"
	KeyVoiceLiveModel      = "VOICE_LIVE_MODEL"
	KeyVoiceLiveAPIVersion = "VOICE_LIVE_API_VERSION"
)

// Select resolves the active backend profile once per process start. With
// flag set the Voice Live backend is chosen and its credentials must all be
// present; otherwise the default realtime backend is chosen and Voice Live
// keys are never consulted. Failures are *reliability.ConfigurationError.
func Select(flag bool, credentials map[string]string) (Profile, error) {
	var (
		p   Profile
		err error
	)
	if flag {
		p, err = realtimeBProfile(credentials)
	} else {
		p, err = realtimeAProfile(credentials)
	}
	if err != nil {
		return Profile{}, err
	}

	log.Info().
		Str("backend", string(p.kind)).
		Str("host", p.Host()).
		Str("auth", string(p.authMode)).
		Str("voice", p.defaultVoice).
		Msg("realtime backend selected")
	return p, nil
}

func realtimeAProfile(creds map[string]string) (Profile, error) {
	endpoint, err := requireValue(creds, KeyOpenAIEndpoint)
	if err != nil {
		return Profile{}, err
	}
	deployment, err := requireValue(creds, KeyOpenAIDeployment)
	if err != nil {
		return Profile{}, err
	}

	authMode := AuthAPIKey
	apiKey := value(creds, KeyOpenAIAPIKey)
	if apiKey == "" {
		if !hasTokenCredentials(creds) {
			return Profile{}, &reliability.ConfigurationError{
				Key:    KeyOpenAIAPIKey,
				Reason: "is required unless AZURE_OPENAI_TOKEN or AZURE_TENANT_ID/AZURE_CLIENT_ID/AZURE_CLIENT_SECRET are set",
			}
		}
		authMode = AuthBearerToken
	}

	resolved, err := ResolveEndpoint(realtimeATemplate, map[string]string{
		"endpoint":    endpoint,
		"api_version": valueOr(creds, KeyOpenAIAPIVersion, defaultRealtimeAAPIVersion),
		"deployment":  deployment,
	})
	if err != nil {
		return Profile{}, &reliability.ConfigurationError{Key: KeyOpenAIEndpoint, Reason: err.Error()}
	}

	return Profile{
		kind:             KindRealtimeA,
		endpointTemplate: realtimeATemplate,
		endpointURL:      resolved,
		authMode:         authMode,
		apiKey:           apiKey,
		defaultVoice:     valueOr(creds, KeyOpenAIVoiceChoice, defaultRealtimeAVoice),
		model:            deployment,
		turnModes:        []TurnDetectionMode{TurnDetectionServerVAD, TurnDetectionSemanticVAD, TurnDetectionNone},
		defaultTurnMode:  TurnDetectionServerVAD,
		limits: TurnDetectionLimits{
			PrefixPaddingMS:   Range{Min: 0, Max: 2000},
			SilenceDurationMS: Range{Min: 1, Max: 5000},
			TimeoutMS:         Range{Min: 1, Max: 30000},
		},
		capabilities: Capabilities{
			Transcription:           true,
			ContinueAfterToolOutput: true,
		},
		ackEventType: "session.updated",
	}, nil
}

func realtimeBProfile(creds map[string]string) (Profile, error) {
	endpoint, err := requireValue(creds, KeyFoundryEndpoint)
	if err != nil {
		return Profile{}, err
	}
	apiKey, err := requireValue(creds, KeyFoundryAPIKey)
	if err != nil {
		return Profile{}, err
	}

	model := valueOr(creds, KeyVoiceLiveModel, defaultRealtimeBModel)
	resolved, err := ResolveEndpoint(realtimeBTemplate, map[string]string{
		"endpoint":    endpoint,
		"api_version": valueOr(creds, KeyVoiceLiveAPIVersion, defaultRealtimeBAPIVersion),
		"model":       model,
	})
	if err != nil {
		return Profile{}, &reliability.ConfigurationError{Key: KeyFoundryEndpoint, Reason: err.Error()}
	}

	return Profile{
		kind:             KindRealtimeB,
		endpointTemplate: realtimeBTemplate,
		endpointURL:      resolved,
		authMode:         AuthAPIKey,
		apiKey:           apiKey,
		defaultVoice:     valueOr(creds, KeyVoiceLiveVoice, defaultRealtimeBVoice),
		model:            model,
		turnModes:        []TurnDetectionMode{TurnDetectionServerVAD, TurnDetectionSemanticVAD, TurnDetectionNone},
		defaultTurnMode:  TurnDetectionServerVAD,
		limits: TurnDetectionLimits{
			PrefixPaddingMS:   Range{Min: 0, Max: 1000},
			SilenceDurationMS: Range{Min: 1, Max: 5000},
			TimeoutMS:         Range{Min: 1, Max: 10000},
		},
		capabilities: Capabilities{
			NoiseSuppression: true,
			EchoCancellation: true,
			Transcription:    false,
		},
		ackEventType: "configuration.updated",
	}, nil
}

func hasTokenCredentials(creds map[string]string) bool {
	if value(creds, KeyOpenAIToken) != "" {
		return true
	}
	return value(creds, KeyTenantID) != "" && value(creds, KeyClientID) != "" && value(creds, KeyClientSecret) != ""
}

func requireValue(creds map[string]string, key string) (string, error) {
	v := value(creds, key)
	if v == "" {
		return "", reliability.MissingKey(key)
	}
	return v, nil
}

func value(creds map[string]string, key string) string {
	return strings.TrimSpace(creds[key])
}

func valueOr(creds map[string]string, key, fallback string) string {
	if v := value(creds, key); v != "" {
		return v
	}
	return fallback
}
