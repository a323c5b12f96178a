package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/ent0n29/voicerag/internal/backend"
)

// EventKind classifies a decoded backend event.
type EventKind int

const (
	// EventContent is audio, text or transcript content relayed to the client.
	EventContent EventKind = iota
	// EventLifecycle is a turn or response lifecycle event relayed to the client.
	EventLifecycle
	// EventAck acknowledges the session configuration.
	EventAck
	// EventSessionCreated must be scrubbed before it reaches the client.
	EventSessionCreated
	// EventFunctionCall asks the middle tier to run a tool.
	EventFunctionCall
	// EventCallAnnounced registers a function call item ahead of its arguments.
	EventCallAnnounced
	// EventError is a backend error relayed as a structured error event.
	EventError
	// EventUserText is recognized user speech that the middle tier grounds
	// in the knowledge base itself.
	EventUserText
	// EventHidden is never relayed.
	EventHidden
)

func (k EventKind) String() string {
	switch k {
	case EventContent:
		return "content"
	case EventLifecycle:
		return "lifecycle"
	case EventAck:
		return "ack"
	case EventSessionCreated:
		return "session_created"
	case EventFunctionCall:
		return "function_call"
	case EventCallAnnounced:
		return "call_announced"
	case EventError:
		return "error"
	case EventUserText:
		return "user_text"
	default:
		return "hidden"
	}
}

// FunctionCall is a tool invocation requested by the model.
type FunctionCall struct {
	CallID         string
	Name           string
	Arguments      json.RawMessage
	PreviousItemID string
}

// BackendEvent is one backend message mapped into the client vocabulary.
// Payload is what gets relayed to the client, nil when nothing is.
type BackendEvent struct {
	Kind    EventKind
	Type    string
	Payload []byte
	Call    *FunctionCall
	Error   *ErrorDetail
	// Text is the recognized speech of an EventUserText.
	Text string
	// ResponseDone marks the end of a model response.
	ResponseDone bool
}

// Codec translates between the client vocabulary and one backend's wire
// format. Implementations are stateless and safe for concurrent use.
type Codec interface {
	Backend() backend.Kind
	// DecodeBackend maps one backend text frame.
	DecodeBackend(raw []byte) (BackendEvent, error)
	// EncodeClient maps a client message for the backend. ok is false when
	// the backend has no equivalent and the message must be dropped.
	EncodeClient(msg ClientMessage) (out []byte, ok bool, err error)
	// EncodeToolOutput answers a function call. toClient results are only
	// acknowledged to backends that require every call to be answered.
	EncodeToolOutput(callID, output string, toClient bool) ([]byte, error)
	// EncodeContinue asks the model to respond after tool outputs. ok is
	// false when the backend continues on its own.
	EncodeContinue() (out []byte, ok bool)
	// EncodeContextUpdate sends retrieved knowledge for query. ok is false
	// when the backend only learns about knowledge through tool calls.
	EncodeContextUpdate(query, context string) (out []byte, ok bool, err error)
}

// NewCodec returns the codec of the profile's backend.
func NewCodec(p backend.Profile) (Codec, error) {
	switch p.Kind() {
	case backend.KindRealtimeA:
		return realtimeACodec{}, nil
	case backend.KindRealtimeB:
		return realtimeBCodec{}, nil
	default:
		return nil, fmt.Errorf("no codec for backend %q", p.Kind())
	}
}

// ScrubSessionCreated hides server-owned settings from a session event before
// it reaches the client and reports the configured voice instead.
func ScrubSessionCreated(raw []byte, voice string) ([]byte, error) {
	var msg map[string]json.RawMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, err
	}
	var session map[string]json.RawMessage
	if s, ok := msg["session"]; ok && string(s) != "null" {
		if err := json.Unmarshal(s, &session); err != nil {
			return nil, fmt.Errorf("session: %w", err)
		}
	}
	if session == nil {
		session = map[string]json.RawMessage{}
	}

	voiceJSON, err := json.Marshal(voice)
	if err != nil {
		return nil, err
	}
	session["instructions"] = json.RawMessage(`""`)
	session["tools"] = json.RawMessage(`[]`)
	session["tool_choice"] = json.RawMessage(`"none"`)
	session["max_response_output_tokens"] = json.RawMessage(`null`)
	session["voice"] = voiceJSON

	scrubbed, err := json.Marshal(session)
	if err != nil {
		return nil, err
	}
	msg["session"] = scrubbed
	return json.Marshal(msg)
}

func decodeType(raw []byte) (string, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return "", fmt.Errorf("invalid envelope: %w", err)
	}
	if env.Type == "" {
		return "", fmt.Errorf("missing event type")
	}
	return env.Type, nil
}
