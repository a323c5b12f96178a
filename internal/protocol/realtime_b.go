package protocol

import (
	"encoding/json"
	"errors"
	"strings"

	"github.com/ent0n29/voicerag/internal/backend"
	"github.com/ent0n29/voicerag/internal/reliability"
)

// realtimeBCodec translates the Voice Live vocabulary. Only audio input and
// interruptions have an equivalent on the way in. On the way out, events
// that already use the realtime vocabulary are relayed unmodified.
type realtimeBCodec struct{}

type realtimeBFunctionCall struct {
	CallID    string          `json:"call_id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

type realtimeBError struct {
	Message string `json:"message"`
	Code    string `json:"code"`
	Error   *struct {
		Type    string `json:"type"`
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (realtimeBCodec) Backend() backend.Kind { return backend.KindRealtimeB }

func (realtimeBCodec) DecodeBackend(raw []byte) (BackendEvent, error) {
	typ, err := decodeType(raw)
	if err != nil {
		return BackendEvent{}, &reliability.ProtocolError{Source: "backend", Err: err}
	}
	protoErr := func(err error) error {
		return &reliability.ProtocolError{Source: "backend", Type: typ, Err: err}
	}

	switch typ {
	case "configuration.updated", "session.updated":
		return BackendEvent{Kind: EventAck, Type: typ}, nil
	case TypeSessionCreated:
		return BackendEvent{Kind: EventSessionCreated, Type: typ, Payload: raw}, nil
	case "audio_output":
		var body struct {
			Audio string `json:"audio"`
		}
		if err := json.Unmarshal(raw, &body); err != nil {
			return BackendEvent{}, protoErr(err)
		}
		payload, err := json.Marshal(struct {
			Type  string `json:"type"`
			Delta string `json:"delta"`
		}{TypeResponseAudio, body.Audio})
		if err != nil {
			return BackendEvent{}, err
		}
		return BackendEvent{Kind: EventContent, Type: typ, Payload: payload}, nil
	case "text_response":
		var body struct {
			Text string `json:"text"`
		}
		if err := json.Unmarshal(raw, &body); err != nil {
			return BackendEvent{}, protoErr(err)
		}
		return BackendEvent{Kind: EventUserText, Type: typ, Text: strings.TrimSpace(body.Text)}, nil
	case "function_call":
		var body realtimeBFunctionCall
		if err := json.Unmarshal(raw, &body); err != nil {
			return BackendEvent{}, protoErr(err)
		}
		if body.CallID == "" || body.Name == "" {
			return BackendEvent{}, protoErr(errors.New("function_call without call_id or name"))
		}
		args, err := normalizeArguments(body.Arguments)
		if err != nil {
			return BackendEvent{}, protoErr(err)
		}
		return BackendEvent{
			Kind: EventFunctionCall,
			Type: typ,
			Call: &FunctionCall{CallID: body.CallID, Name: body.Name, Arguments: args},
		}, nil
	case TypeError:
		var body realtimeBError
		if err := json.Unmarshal(raw, &body); err != nil {
			return BackendEvent{}, protoErr(err)
		}
		detail := &ErrorDetail{Type: "backend_error", Code: body.Code, Message: body.Message, Source: string(backend.KindRealtimeB)}
		if body.Error != nil {
			detail.Message = body.Error.Message
			detail.Code = body.Error.Code
			if detail.Code == "" {
				detail.Code = body.Error.Type
			}
		}
		detail.Retryable = reliability.IsRetryableRealtimeMessageType(detail.Code)
		return BackendEvent{Kind: EventError, Type: typ, Error: detail}, nil
	case TypeResponseDone:
		stripped, err := stripFunctionCallOutputs(raw)
		if err != nil {
			return BackendEvent{}, protoErr(err)
		}
		return BackendEvent{Kind: EventLifecycle, Type: typ, Payload: stripped, ResponseDone: true}, nil
	case "response.output_item.added", "conversation.item.created", "response.output_item.done":
		item, err := decodeItemEvent(raw, typ)
		if err != nil {
			return BackendEvent{}, err
		}
		if item.Item != nil && (item.Item.Type == "function_call" || item.Item.Type == "function_call_output") {
			return BackendEvent{Kind: EventHidden, Type: typ}, nil
		}
		return BackendEvent{Kind: EventLifecycle, Type: typ, Payload: raw}, nil
	}

	switch {
	case realtimeBInternal(typ):
		return BackendEvent{Kind: EventHidden, Type: typ}, nil
	case isContentType(typ):
		return BackendEvent{Kind: EventContent, Type: typ, Payload: raw}, nil
	case realtimeBLifecycle(typ):
		return BackendEvent{Kind: EventLifecycle, Type: typ, Payload: raw}, nil
	default:
		return BackendEvent{Kind: EventHidden, Type: typ}, nil
	}
}

func (realtimeBCodec) EncodeClient(msg ClientMessage) ([]byte, bool, error) {
	switch msg.Kind {
	case ClientAudio:
		out, err := json.Marshal(struct {
			Type  string `json:"type"`
			Audio string `json:"audio"`
		}{"audio_input", msg.Audio})
		return out, err == nil, err
	case ClientInterrupt:
		return []byte(`{"type":"interrupt"}`), true, nil
	default:
		return nil, false, nil
	}
}

func (realtimeBCodec) EncodeToolOutput(callID, output string, _ bool) ([]byte, error) {
	return json.Marshal(struct {
		Type   string `json:"type"`
		CallID string `json:"call_id"`
		Result string `json:"result"`
	}{"function_result", callID, output})
}

func (realtimeBCodec) EncodeContinue() ([]byte, bool) { return nil, false }

// EncodeContextUpdate hands retrieved knowledge to Voice Live for the reply
// it is composing for query.
func (realtimeBCodec) EncodeContextUpdate(query, context string) ([]byte, bool, error) {
	out, err := json.Marshal(struct {
		Type    string `json:"type"`
		Context string `json:"context"`
		Query   string `json:"query"`
	}{"context_update", context, query})
	return out, err == nil, err
}

// realtimeBInternal lists the middle tier's own conversation with Voice
// Live, which the client never sees.
func realtimeBInternal(typ string) bool {
	switch typ {
	case "configuration", "context_update", "function_result", "ping", "pong":
		return true
	}
	return strings.HasPrefix(typ, "response.function_call_arguments.") ||
		strings.HasPrefix(typ, "context_update.") ||
		strings.HasPrefix(typ, "function_result.")
}

func realtimeBLifecycle(typ string) bool {
	for _, prefix := range []string{
		"response.",
		"input_audio_buffer.",
		"conversation.",
		"turn_",
		"speech_",
		"rate_limits.",
	} {
		if strings.HasPrefix(typ, prefix) {
			return true
		}
	}
	return false
}

// normalizeArguments accepts arguments either as a JSON object or as a JSON
// string holding one.
func normalizeArguments(raw json.RawMessage) (json.RawMessage, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return json.RawMessage(`{}`), nil
	}
	if raw[0] != '"' {
		return raw, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, err
	}
	return argumentsJSON(s), nil
}
