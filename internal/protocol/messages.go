package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Client-facing event types. The browser speaks the default backend's
// vocabulary regardless of which backend is active.
const (
	TypeInputAudioAppend = "input_audio_buffer.append"
	TypeInputAudioCommit = "input_audio_buffer.commit"
	TypeInputAudioClear  = "input_audio_buffer.clear"
	TypeResponseCreate   = "response.create"
	TypeResponseCancel   = "response.cancel"
	TypeSessionUpdate    = "session.update"
	TypeItemCreate       = "conversation.item.create"
	TypeItemTruncate     = "conversation.item.truncate"
	TypeItemDelete       = "conversation.item.delete"
	TypeClientInterrupt  = "extension.interrupt"

	TypeError          = "error"
	TypeSessionClosed  = "extension.session_closed"
	TypeToolResponse   = "extension.middle_tier_tool_response"
	TypeResponseAudio  = "response.audio.delta"
	TypeResponseText   = "response.text.delta"
	TypeSessionCreated = "session.created"
	TypeResponseDone   = "response.done"
)

var (
	ErrUnsupportedType = errors.New("unsupported message type")
	ErrBinaryFrame     = errors.New("binary frames are not supported")
)

// ClientKind classifies an inbound client message for the router.
type ClientKind int

const (
	ClientAudio ClientKind = iota
	ClientInterrupt
	ClientSessionUpdate
	ClientControl
)

type Envelope struct {
	Type string `json:"type"`
}

// ClientMessage is a validated inbound client message. Raw is the original
// frame and is forwarded unmodified where the backend accepts it.
type ClientMessage struct {
	Type  string
	Kind  ClientKind
	Audio string
	Raw   []byte
}

var clientKinds = map[string]ClientKind{
	TypeInputAudioAppend: ClientAudio,
	TypeResponseCancel:   ClientInterrupt,
	TypeClientInterrupt:  ClientInterrupt,
	TypeSessionUpdate:    ClientSessionUpdate,
	TypeInputAudioCommit: ClientControl,
	TypeInputAudioClear:  ClientControl,
	TypeResponseCreate:   ClientControl,
	TypeItemCreate:       ClientControl,
	TypeItemTruncate:     ClientControl,
	TypeItemDelete:       ClientControl,
}

func ParseClientMessage(raw []byte) (ClientMessage, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return ClientMessage{}, fmt.Errorf("invalid envelope: %w", err)
	}
	kind, ok := clientKinds[env.Type]
	if !ok {
		return ClientMessage{Type: env.Type}, fmt.Errorf("%w: %q", ErrUnsupportedType, env.Type)
	}

	msg := ClientMessage{Type: env.Type, Kind: kind, Raw: raw}
	if kind == ClientAudio {
		var body struct {
			Audio string `json:"audio"`
		}
		if err := json.Unmarshal(raw, &body); err != nil {
			return ClientMessage{Type: env.Type}, err
		}
		if body.Audio == "" {
			return ClientMessage{Type: env.Type}, errors.New("invalid input_audio_buffer.append: empty audio")
		}
		msg.Audio = body.Audio
	}
	return msg, nil
}

// ErrorDetail is the body of a client-facing error event.
type ErrorDetail struct {
	Type      string `json:"type"`
	Code      string `json:"code,omitempty"`
	Message   string `json:"message"`
	Source    string `json:"source,omitempty"`
	Retryable bool   `json:"retryable"`
}

type ErrorEvent struct {
	Type  string      `json:"type"`
	Error ErrorDetail `json:"error"`
}

func NewErrorEvent(detail ErrorDetail) ErrorEvent {
	return ErrorEvent{Type: TypeError, Error: detail}
}

type SessionClosed struct {
	Type   string `json:"type"`
	Reason string `json:"reason"`
}

func NewSessionClosed(reason string) SessionClosed {
	return SessionClosed{Type: TypeSessionClosed, Reason: reason}
}

// ToolResponse delivers a client-directed tool result, such as grounding
// sources, outside the model conversation.
type ToolResponse struct {
	Type           string `json:"type"`
	PreviousItemID string `json:"previous_item_id,omitempty"`
	ToolName       string `json:"tool_name"`
	ToolResult     string `json:"tool_result"`
}

func NewToolResponse(previousItemID, toolName, result string) ToolResponse {
	return ToolResponse{
		Type:           TypeToolResponse,
		PreviousItemID: previousItemID,
		ToolName:       toolName,
		ToolResult:     result,
	}
}
