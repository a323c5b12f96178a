package protocol

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ent0n29/voicerag/internal/reliability"
)

func TestRealtimeAFunctionCallFlow(t *testing.T) {
	c := realtimeACodec{}

	ev, err := c.DecodeBackend([]byte(`{"type":"conversation.item.created","previous_item_id":"item_0","item":{"type":"function_call","call_id":"call_1","name":"search"}}`))
	require.NoError(t, err)
	assert.Equal(t, EventCallAnnounced, ev.Kind)
	assert.Nil(t, ev.Payload)
	require.NotNil(t, ev.Call)
	assert.Equal(t, "item_0", ev.Call.PreviousItemID)

	ev, err = c.DecodeBackend([]byte(`{"type":"response.function_call_arguments.delta","delta":"{\"q"}`))
	require.NoError(t, err)
	assert.Equal(t, EventHidden, ev.Kind)

	ev, err = c.DecodeBackend([]byte(`{"type":"response.output_item.done","item":{"type":"function_call","call_id":"call_1","name":"search","arguments":"{\"query\":\"vacation policy\"}"}}`))
	require.NoError(t, err)
	assert.Equal(t, EventFunctionCall, ev.Kind)
	require.NotNil(t, ev.Call)
	assert.Equal(t, "call_1", ev.Call.CallID)
	assert.JSONEq(t, `{"query":"vacation policy"}`, string(ev.Call.Arguments))
	assert.Nil(t, ev.Payload)

	out, err := c.EncodeToolOutput("call_1", "[doc1]: text", false)
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"conversation.item.create","item":{"type":"function_call_output","call_id":"call_1","output":"[doc1]: text"}}`, string(out))

	out, err = c.EncodeToolOutput("call_2", `{"sources":[]}`, true)
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"conversation.item.create","item":{"type":"function_call_output","call_id":"call_2","output":""}}`, string(out))

	cont, ok := c.EncodeContinue()
	assert.True(t, ok)
	assert.JSONEq(t, `{"type":"response.create"}`, string(cont))
}

func TestRealtimeAResponseDoneStripsFunctionCalls(t *testing.T) {
	raw := []byte(`{"type":"response.done","response":{"id":"r1","output":[{"type":"function_call","call_id":"c"},{"type":"message","id":"m"}]}}`)
	ev, err := realtimeACodec{}.DecodeBackend(raw)
	require.NoError(t, err)
	assert.True(t, ev.ResponseDone)
	assert.Equal(t, EventLifecycle, ev.Kind)
	assert.JSONEq(t, `{"type":"response.done","response":{"id":"r1","output":[{"type":"message","id":"m"}]}}`, string(ev.Payload))

	plain := []byte(`{"type":"response.done","response":{"output":[{"type":"message"}]}}`)
	ev, err = realtimeACodec{}.DecodeBackend(plain)
	require.NoError(t, err)
	assert.Equal(t, string(plain), string(ev.Payload))
}

func TestRealtimeAContentPassesThrough(t *testing.T) {
	raw := []byte(`{"type":"response.audio.delta","response_id":"r","item_id":"i","delta":"AAAA"}`)
	ev, err := realtimeACodec{}.DecodeBackend(raw)
	require.NoError(t, err)
	assert.Equal(t, EventContent, ev.Kind)
	assert.Equal(t, string(raw), string(ev.Payload))

	ev, err = realtimeACodec{}.DecodeBackend([]byte(`{"type":"input_audio_buffer.speech_started"}`))
	require.NoError(t, err)
	assert.Equal(t, EventLifecycle, ev.Kind)
}

func TestRealtimeAError(t *testing.T) {
	ev, err := realtimeACodec{}.DecodeBackend([]byte(`{"type":"error","error":{"type":"server_error","code":"rate_limit_exceeded","message":"slow down"}}`))
	require.NoError(t, err)
	assert.Equal(t, EventError, ev.Kind)
	require.NotNil(t, ev.Error)
	assert.Equal(t, "rate_limit_exceeded", ev.Error.Code)
	assert.True(t, ev.Error.Retryable)
}

func TestRealtimeAClientEncoding(t *testing.T) {
	c := realtimeACodec{}
	audio := ClientMessage{Type: TypeInputAudioAppend, Kind: ClientAudio, Audio: "AQID", Raw: []byte(`{"type":"input_audio_buffer.append","audio":"AQID"}`)}
	out, ok, err := c.EncodeClient(audio)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, string(audio.Raw), string(out))

	out, ok, err = c.EncodeClient(ClientMessage{Type: TypeClientInterrupt, Kind: ClientInterrupt})
	require.NoError(t, err)
	assert.True(t, ok)
	assert.JSONEq(t, `{"type":"response.cancel"}`, string(out))

	_, ok, err = c.EncodeClient(ClientMessage{Type: TypeSessionUpdate, Kind: ClientSessionUpdate})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRealtimeBTranslation(t *testing.T) {
	c := realtimeBCodec{}

	out, ok, err := c.EncodeClient(ClientMessage{Type: TypeInputAudioAppend, Kind: ClientAudio, Audio: "AQID"})
	require.NoError(t, err)
	assert.True(t, ok)
	assert.JSONEq(t, `{"type":"audio_input","audio":"AQID"}`, string(out))

	_, ok, err = c.EncodeClient(ClientMessage{Type: TypeInputAudioCommit, Kind: ClientControl})
	require.NoError(t, err)
	assert.False(t, ok)

	ev, err := c.DecodeBackend([]byte(`{"type":"audio_output","audio":"BBBB"}`))
	require.NoError(t, err)
	assert.Equal(t, EventContent, ev.Kind)
	assert.JSONEq(t, `{"type":"response.audio.delta","delta":"BBBB"}`, string(ev.Payload))

	ev, err = c.DecodeBackend([]byte(`{"type":"configuration.updated"}`))
	require.NoError(t, err)
	assert.Equal(t, EventAck, ev.Kind)
	assert.Nil(t, ev.Payload)

	_, ok = c.EncodeContinue()
	assert.False(t, ok)

	res, err := c.EncodeToolOutput("call_9", "[a]: b", true)
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"function_result","call_id":"call_9","result":"[a]: b"}`, string(res))
}

func TestRealtimeBRelaysLifecycleAndTranscripts(t *testing.T) {
	c := realtimeBCodec{}
	cases := []struct {
		raw  string
		kind EventKind
	}{
		{`{"type":"turn_end"}`, EventLifecycle},
		{`{"type":"input_audio_buffer.speech_started","audio_start_ms":120}`, EventLifecycle},
		{`{"type":"response.created","response":{"id":"resp_1"}}`, EventLifecycle},
		{`{"type":"conversation.item.input_audio_transcription.completed","transcript":"hello"}`, EventContent},
		{`{"type":"response.audio_transcript.delta","delta":"Hi"}`, EventContent},
	}
	for _, tc := range cases {
		ev, err := c.DecodeBackend([]byte(tc.raw))
		require.NoError(t, err, tc.raw)
		assert.Equal(t, tc.kind, ev.Kind, tc.raw)
		assert.JSONEq(t, tc.raw, string(ev.Payload))
	}

	ev, err := c.DecodeBackend([]byte(`{"type":"response.done","response":{"output":[{"type":"function_call","call_id":"fc_1"},{"type":"message"}]}}`))
	require.NoError(t, err)
	assert.Equal(t, EventLifecycle, ev.Kind)
	assert.True(t, ev.ResponseDone)
	assert.JSONEq(t, `{"type":"response.done","response":{"output":[{"type":"message"}]}}`, string(ev.Payload))

	for _, raw := range []string{
		`{"type":"context_update.ack"}`,
		`{"type":"response.function_call_arguments.delta","delta":"{"}`,
		`{"type":"conversation.item.created","item":{"type":"function_call","call_id":"fc_1"}}`,
		`{"type":"vendor.diagnostics","cpu":3}`,
	} {
		ev, err := c.DecodeBackend([]byte(raw))
		require.NoError(t, err, raw)
		assert.Equal(t, EventHidden, ev.Kind, raw)
		assert.Nil(t, ev.Payload, raw)
	}
}

func TestRealtimeBUserTextAndContextUpdate(t *testing.T) {
	c := realtimeBCodec{}
	ev, err := c.DecodeBackend([]byte(`{"type":"text_response","text":"  how many vacation days do I get? "}`))
	require.NoError(t, err)
	assert.Equal(t, EventUserText, ev.Kind)
	assert.Equal(t, "how many vacation days do I get?", ev.Text)
	assert.Nil(t, ev.Payload)

	out, ok, err := c.EncodeContextUpdate("vacation days", "[doc_1]: 15 days\n-----\n")
	require.NoError(t, err)
	require.True(t, ok)
	assert.JSONEq(t, `{"type":"context_update","context":"[doc_1]: 15 days\n-----\n","query":"vacation days"}`, string(out))

	_, ok, err = realtimeACodec{}.EncodeContextUpdate("q", "ctx")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRealtimeBFunctionCallArguments(t *testing.T) {
	c := realtimeBCodec{}
	for _, raw := range []string{
		`{"type":"function_call","name":"search","call_id":"c1","arguments":{"query":"q"}}`,
		`{"type":"function_call","name":"search","call_id":"c1","arguments":"{\"query\":\"q\"}"}`,
	} {
		ev, err := c.DecodeBackend([]byte(raw))
		require.NoError(t, err)
		require.Equal(t, EventFunctionCall, ev.Kind)
		assert.JSONEq(t, `{"query":"q"}`, string(ev.Call.Arguments))
	}

	_, err := c.DecodeBackend([]byte(`{"type":"function_call","name":"search"}`))
	assert.True(t, reliability.IsProtocolError(err))
}

func TestDecodeRejectsMalformedFrames(t *testing.T) {
	for _, c := range []Codec{realtimeACodec{}, realtimeBCodec{}} {
		for _, raw := range []string{`{`, `{"no_type":1}`, `[]`} {
			_, err := c.DecodeBackend([]byte(raw))
			assert.True(t, reliability.IsProtocolError(err), "%s: %q -> %v", c.Backend(), raw, err)
		}
	}
}

func TestScrubSessionCreated(t *testing.T) {
	raw := []byte(`{"type":"session.created","event_id":"e1","session":{"id":"s","instructions":"secret prompt","tools":[{"name":"search"}],"voice":"alloy","tool_choice":"auto","max_response_output_tokens":512}}`)
	out, err := ScrubSessionCreated(raw, "coral")
	require.NoError(t, err)
	assert.NotContains(t, string(out), "secret prompt")
	assert.NotContains(t, string(out), "search")

	var msg struct {
		EventID string `json:"event_id"`
		Session struct {
			ID         string `json:"id"`
			Voice      string `json:"voice"`
			ToolChoice string `json:"tool_choice"`
			Tools      []any  `json:"tools"`
		} `json:"session"`
	}
	require.NoError(t, json.Unmarshal(out, &msg))
	assert.Equal(t, "e1", msg.EventID)
	assert.Equal(t, "s", msg.Session.ID)
	assert.Equal(t, "coral", msg.Session.Voice)
	assert.Equal(t, "none", msg.Session.ToolChoice)
	assert.Empty(t, msg.Session.Tools)
	assert.True(t, strings.Contains(string(out), `"max_response_output_tokens":null`), string(out))
}
