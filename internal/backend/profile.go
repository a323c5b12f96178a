// Package backend describes the realtime speech backends the middle tier can
// route to and selects the active one at process start.
package backend

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

// Kind identifies a realtime backend.
type Kind string

const (
	// KindRealtimeA is the Azure OpenAI realtime endpoint (default).
	KindRealtimeA Kind = "realtime-a"
	// KindRealtimeB is the AI Foundry Voice Live endpoint (feature flagged).
	KindRealtimeB Kind = "realtime-b"
)

// AuthMode selects how the backend socket authenticates.
type AuthMode string

const (
	AuthAPIKey      AuthMode = "api-key"
	AuthBearerToken AuthMode = "bearer-token"
)

// TurnDetectionMode is the backend-neutral turn detection selector.
type TurnDetectionMode string

const (
	TurnDetectionServerVAD   TurnDetectionMode = "server_vad"
	TurnDetectionSemanticVAD TurnDetectionMode = "semantic_vad"
	TurnDetectionNone        TurnDetectionMode = "none"
)

// ParseTurnDetectionMode accepts the canonical names case-insensitively.
func ParseTurnDetectionMode(s string) (TurnDetectionMode, error) {
	switch TurnDetectionMode(strings.ToLower(strings.TrimSpace(s))) {
	case TurnDetectionServerVAD:
		return TurnDetectionServerVAD, nil
	case TurnDetectionSemanticVAD:
		return TurnDetectionSemanticVAD, nil
	case TurnDetectionNone, "":
		return TurnDetectionNone, nil
	default:
		return "", fmt.Errorf("unknown turn detection mode %q", s)
	}
}

// Range is an inclusive integer range.
type Range struct {
	Min int
	Max int
}

// Clamp returns v forced into r and whether it had to change.
func (r Range) Clamp(v int) (int, bool) {
	if v < r.Min {
		return r.Min, true
	}
	if v > r.Max {
		return r.Max, true
	}
	return v, false
}

// Capabilities lists optional backend features.
type Capabilities struct {
	NoiseSuppression bool
	EchoCancellation bool
	Transcription    bool
	// ContinueAfterToolOutput means the backend needs an explicit
	// `response.create` once tool outputs have been delivered.
	ContinueAfterToolOutput bool
}

// TurnDetectionLimits bounds turn detection parameters in milliseconds.
type TurnDetectionLimits struct {
	PrefixPaddingMS   Range
	SilenceDurationMS Range
	TimeoutMS         Range
}

// Profile is the immutable connection contract of one backend.
type Profile struct {
	kind             Kind
	endpointTemplate string
	endpointURL      string
	authMode         AuthMode
	apiKey           string
	defaultVoice     string
	model            string
	turnModes        []TurnDetectionMode
	defaultTurnMode  TurnDetectionMode
	limits           TurnDetectionLimits
	capabilities     Capabilities
	ackEventType     string
}

func (p Profile) Kind() Kind { return p.kind }
func (p Profile) EndpointTemplate() string { return p.endpointTemplate }
func (p Profile) EndpointURL() string { return p.endpointURL }
func (p Profile) AuthMode() AuthMode { return p.authMode }
func (p Profile) APIKey() string { return p.apiKey }
func (p Profile) DefaultVoice() string { return p.defaultVoice }
func (p Profile) Model() string { return p.model }
func (p Profile) DefaultTurnDetection() TurnDetectionMode { return p.defaultTurnMode }
func (p Profile) Limits() TurnDetectionLimits { return p.limits }
func (p Profile) Capabilities() Capabilities { return p.capabilities }

// AckEventType is the backend event that acknowledges the session configuration.
func (p Profile) AckEventType() string { return p.ackEventType }

// SupportsTurnDetection reports whether mode is accepted by the backend.
func (p Profile) SupportsTurnDetection(mode TurnDetectionMode) bool {
	for _, m := range p.turnModes {
		if m == mode {
			return true
		}
	}
	return false
}

// TurnDetectionModes returns a copy of the supported modes.
func (p Profile) TurnDetectionModes() []TurnDetectionMode {
	return append([]TurnDetectionMode(nil), p.turnModes...)
}

// Host returns the backend host for logs and status pages.
func (p Profile) Host() string {
	u, err := url.Parse(p.endpointURL)
	if err != nil {
		return ""
	}
	return u.Host
}

const (
	realtimeATemplate = "{endpoint}/openai/realtime?api-version={api_version}&deployment={deployment}"
	realtimeBTemplate = "{endpoint}/voice-live/realtime?api-version={api_version}&model={model}"

	defaultRealtimeAAPIVersion = "2024-10-01-preview"
	defaultRealtimeBAPIVersion = "2025-05-01-preview"
	defaultRealtimeBModel      = "gpt-4o-realtime-preview"
	defaultRealtimeAVoice      = "alloy"
	defaultRealtimeBVoice      = "en-US-AvaNeural"
)

var placeholderPattern = regexp.MustCompile(`\{[a-z_]+\}`)

// ResolveEndpoint substitutes {name} placeholders with query-escaped values
// (the endpoint itself is inserted verbatim without a trailing slash) and
// converts the scheme to a websocket scheme. Unresolved placeholders are an error.
func ResolveEndpoint(template string, values map[string]string) (string, error) {
	var missing []string
	out := placeholderPattern.ReplaceAllStringFunc(template, func(ph string) string {
		name := strings.Trim(ph, "{}")
		v := strings.TrimSpace(values[name])
		if v == "" {
			missing = append(missing, name)
			return ph
		}
		if name == "endpoint" {
			return strings.TrimRight(v, "/")
		}
		return url.QueryEscape(v)
	})
	if len(missing) > 0 {
		return "", fmt.Errorf("endpoint template has unresolved placeholders: %s", strings.Join(missing, ", "))
	}

	u, err := url.Parse(out)
	if err != nil {
		return "", fmt.Errorf("parse endpoint: %w", err)
	}
	switch u.Scheme {
	case "https", "wss":
		u.Scheme = "wss"
	case "http", "ws":
		u.Scheme = "ws"
	default:
		return "", fmt.Errorf("endpoint scheme %q is not http(s) or ws(s)", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("endpoint %q has no host", out)
	}
	return u.String(), nil
}
