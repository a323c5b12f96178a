package protocol

import (
	"encoding/json"
	"errors"
	"strings"

	"github.com/ent0n29/voicerag/internal/backend"
	"github.com/ent0n29/voicerag/internal/reliability"
)

// realtimeACodec speaks the realtime event vocabulary the client already
// uses, so most frames pass through untouched.
type realtimeACodec struct{}

type realtimeAItem struct {
	Type      string `json:"type"`
	CallID    string `json:"call_id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type realtimeAItemEvent struct {
	PreviousItemID string         `json:"previous_item_id"`
	Item           *realtimeAItem `json:"item"`
}

type realtimeAItemCreate struct {
	Type string                  `json:"type"`
	Item realtimeAFunctionOutput `json:"item"`
}

type realtimeAFunctionOutput struct {
	Type   string `json:"type"`
	CallID string `json:"call_id"`
	Output string `json:"output"`
}

type realtimeAError struct {
	Error struct {
		Type    string `json:"type"`
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (realtimeACodec) Backend() backend.Kind { return backend.KindRealtimeA }

func (c realtimeACodec) DecodeBackend(raw []byte) (BackendEvent, error) {
	typ, err := decodeType(raw)
	if err != nil {
		return BackendEvent{}, &reliability.ProtocolError{Source: "backend", Err: err}
	}
	ev := BackendEvent{Kind: EventLifecycle, Type: typ, Payload: raw}

	switch typ {
	case TypeSessionCreated:
		ev.Kind = EventSessionCreated
	case "session.updated":
		ev.Kind = EventAck
	case "response.function_call_arguments.delta", "response.function_call_arguments.done":
		ev.Kind, ev.Payload = EventHidden, nil
	case "response.output_item.added", "conversation.item.created", "response.output_item.done":
		item, err := decodeItemEvent(raw, typ)
		if err != nil {
			return BackendEvent{}, err
		}
		if item.Item == nil {
			break
		}
		switch item.Item.Type {
		case "function_call_output":
			ev.Kind, ev.Payload = EventHidden, nil
		case "function_call":
			ev.Payload = nil
			ev.Kind = EventHidden
			if item.Item.CallID == "" {
				return BackendEvent{}, &reliability.ProtocolError{Source: "backend", Type: typ, Err: errors.New("function_call item without call_id")}
			}
			call := &FunctionCall{CallID: item.Item.CallID, Name: item.Item.Name, PreviousItemID: item.PreviousItemID}
			switch typ {
			case "conversation.item.created":
				ev.Kind, ev.Call = EventCallAnnounced, call
			case "response.output_item.done":
				call.Arguments = argumentsJSON(item.Item.Arguments)
				ev.Kind, ev.Call = EventFunctionCall, call
			}
		}
	case TypeResponseDone:
		stripped, err := stripFunctionCallOutputs(raw)
		if err != nil {
			return BackendEvent{}, &reliability.ProtocolError{Source: "backend", Type: typ, Err: err}
		}
		ev.Payload = stripped
		ev.ResponseDone = true
	case TypeError:
		var body realtimeAError
		if err := json.Unmarshal(raw, &body); err != nil {
			return BackendEvent{}, &reliability.ProtocolError{Source: "backend", Type: typ, Err: err}
		}
		code := body.Error.Code
		if code == "" {
			code = body.Error.Type
		}
		ev.Kind, ev.Payload = EventError, nil
		ev.Error = &ErrorDetail{
			Type:      "backend_error",
			Code:      code,
			Message:   body.Error.Message,
			Source:    string(backend.KindRealtimeA),
			Retryable: reliability.IsRetryableRealtimeMessageType(code),
		}
	default:
		if isContentType(typ) {
			ev.Kind = EventContent
		}
	}
	return ev, nil
}

func (realtimeACodec) EncodeClient(msg ClientMessage) ([]byte, bool, error) {
	switch {
	case msg.Kind == ClientSessionUpdate:
		return nil, false, nil
	case msg.Type == TypeClientInterrupt:
		return []byte(`{"type":"response.cancel"}`), true, nil
	default:
		return msg.Raw, true, nil
	}
}

func (realtimeACodec) EncodeToolOutput(callID, output string, toClient bool) ([]byte, error) {
	if toClient {
		output = ""
	}
	return json.Marshal(realtimeAItemCreate{
		Type: TypeItemCreate,
		Item: realtimeAFunctionOutput{Type: "function_call_output", CallID: callID, Output: output},
	})
}

func (realtimeACodec) EncodeContinue() ([]byte, bool) {
	return []byte(`{"type":"response.create"}`), true
}

func (realtimeACodec) EncodeContextUpdate(string, string) ([]byte, bool, error) {
	return nil, false, nil
}

func decodeItemEvent(raw []byte, typ string) (realtimeAItemEvent, error) {
	var ev realtimeAItemEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		return realtimeAItemEvent{}, &reliability.ProtocolError{Source: "backend", Type: typ, Err: err}
	}
	return ev, nil
}

// argumentsJSON turns the arguments string of a function call into JSON,
// treating an empty string as an empty object.
func argumentsJSON(args string) json.RawMessage {
	if strings.TrimSpace(args) == "" {
		return json.RawMessage(`{}`)
	}
	return json.RawMessage(args)
}

func stripFunctionCallOutputs(raw []byte) ([]byte, error) {
	var msg map[string]json.RawMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, err
	}
	respRaw, ok := msg["response"]
	if !ok || string(respRaw) == "null" {
		return raw, nil
	}
	var resp map[string]json.RawMessage
	if err := json.Unmarshal(respRaw, &resp); err != nil {
		return nil, err
	}
	var outputs []json.RawMessage
	if out, ok := resp["output"]; ok && string(out) != "null" {
		if err := json.Unmarshal(out, &outputs); err != nil {
			return nil, err
		}
	}

	kept := make([]json.RawMessage, 0, len(outputs))
	for _, o := range outputs {
		var env Envelope
		if err := json.Unmarshal(o, &env); err != nil {
			return nil, err
		}
		if env.Type != "function_call" {
			kept = append(kept, o)
		}
	}
	if len(kept) == len(outputs) {
		return raw, nil
	}

	out, err := json.Marshal(kept)
	if err != nil {
		return nil, err
	}
	resp["output"] = out
	if respRaw, err = json.Marshal(resp); err != nil {
		return nil, err
	}
	msg["response"] = respRaw
	return json.Marshal(msg)
}

func isContentType(typ string) bool {
	for _, prefix := range []string{
		"response.audio.",
		"response.audio_transcript.",
		"response.text.",
		"response.content_part.",
		"conversation.item.input_audio_transcription.",
	} {
		if strings.HasPrefix(typ, prefix) {
			return true
		}
	}
	return false
}
