package translator

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"streamrelay/internal/models"
)

func TestChatStreamRequestDecode(t *testing.T) {
	payload := `{
		"access": {"dialect": "anthropic", "apiKey": " k ", "headers": {"X-A": "1"}},
		"model": {"id": "claude-sonnet-4", "temperature": 0.2, "maxOutputTokens": 100, "vendorOptions": {"top_k": 5}},
		"history": [
			{"role": "system", "content": "be brief"},
			{"role": "user", "parts": [
				{"type": "text", "text": "what is this?"},
				{"type": "binary", "mimeType": "image/png", "data": "AAAA"}
			]},
			{"role": "assistant", "parts": [{"type": "tool-call", "id": "t1", "name": "lookup", "args": "{\"q\":1}"}]},
			{"role": "user", "parts": [{"type": "tool-result", "id": "t1", "result": "found"}]}
		]
	}`

	var req ChatStreamRequest
	require.NoError(t, json.Unmarshal([]byte(payload), &req))

	chat := req.ToChatRequest()
	assert.Equal(t, models.DialectAnthropic, chat.Access.Dialect)
	assert.Equal(t, "k", chat.Access.APIKey)
	assert.Equal(t, "claude-sonnet-4", chat.Model.ID)
	assert.Equal(t, 0.2, *chat.Model.Temperature)
	assert.Equal(t, 100, *chat.Model.MaxOutputTokens)
	require.Len(t, chat.History, 4)
	assert.Equal(t, models.RoleSystem, chat.History[0].Role)
	assert.Equal(t, models.Part{Kind: models.PartBinary, MimeType: "image/png", Data: "AAAA"}, chat.History[1].Parts[1])
	assert.Equal(t, models.Part{Kind: models.PartToolCall, ToolCallID: "t1", ToolName: "lookup", ToolArgs: `{"q":1}`}, chat.History[2].Parts[0])
	assert.Equal(t, "found", chat.History[3].Parts[0].ToolResult)
}

func TestChatStreamRequestModelString(t *testing.T) {
	var req ChatStreamRequest
	require.NoError(t, json.Unmarshal([]byte(`{"model":"sonnet","history":[{"role":"user","content":"hi"}]}`), &req))
	assert.Nil(t, req.Access)
	assert.Equal(t, "sonnet", req.Model.ID)
	assert.Empty(t, req.ToChatRequest().Access.Dialect)
}

func TestChatStreamRequestErrors(t *testing.T) {
	cases := map[string]struct {
		payload string
		want    error
	}{
		"missing model":   {`{"history":[{"role":"user","content":"hi"}]}`, errEmptyModel},
		"blank model":     {`{"model":{"id":" "},"history":[{"role":"user","content":"hi"}]}`, errEmptyModel},
		"no history":      {`{"model":"m","history":[]}`, errEmptyHistory},
		"bad role":        {`{"model":"m","history":[{"role":"tool","content":"hi"}]}`, errInvalidRole},
		"empty turn":      {`{"model":"m","history":[{"role":"user","content":""}]}`, errInvalidContent},
		"bad part":        {`{"model":"m","history":[{"role":"user","parts":[{"type":"video"}]}]}`, errInvalidContent},
		"binary no data":  {`{"model":"m","history":[{"role":"user","parts":[{"type":"binary","mimeType":"image/png"}]}]}`, errInvalidContent},
		"unknown dialect": {`{"access":{"dialect":"nope"},"model":"m","history":[{"role":"user","content":"hi"}]}`, errInvalidAccess},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			var req ChatStreamRequest
			assert.ErrorIs(t, json.Unmarshal([]byte(tc.payload), &req), tc.want)
		})
	}
}

func TestChatCompletionRequestDecode(t *testing.T) {
	payload := `{
		"model": "gpt-4o",
		"stream": true,
		"max_completion_tokens": 64,
		"temperature": 0.5,
		"top_p": 0.9,
		"stop": "END",
		"messages": [
			{"role": "system", "content": "sys"},
			{"role": "user", "content": [
				{"type": "text", "text": "look"},
				{"type": "image_url", "image_url": {"url": "data:image/jpeg;base64,QUJD"}}
			]},
			{"role": "assistant", "content": null, "tool_calls": [{"id": "c1", "type": "function", "function": {"name": "f", "arguments": "{}"}}]},
			{"role": "tool", "tool_call_id": "c1", "content": "42"}
		]
	}`

	var req ChatCompletionRequest
	require.NoError(t, json.Unmarshal([]byte(payload), &req))
	assert.True(t, req.Stream)

	chat := req.ToChatRequest()
	assert.Equal(t, "gpt-4o", chat.Model.ID)
	assert.Equal(t, 64, *chat.Model.MaxOutputTokens)
	assert.Equal(t, map[string]any{"top_p": 0.9, "stop": []string{"END"}}, chat.Model.VendorOptions)
	require.Len(t, chat.History, 4)
	assert.Equal(t, models.Part{Kind: models.PartBinary, MimeType: "image/jpeg", Data: "QUJD"}, chat.History[1].Parts[1])
	assert.Equal(t, models.PartToolCall, chat.History[2].Parts[0].Kind)
	assert.Equal(t, models.RoleUser, chat.History[3].Role)
	assert.Equal(t, models.Part{Kind: models.PartToolResult, ToolCallID: "c1", ToolResult: "42"}, chat.History[3].Parts[0])
}

func TestChatCompletionRequestErrors(t *testing.T) {
	cases := map[string]struct {
		payload string
		want    error
	}{
		"missing model": {`{"messages":[{"role":"user","content":"hi"}]}`, errEmptyModel},
		"no messages":   {`{"model":"m","messages":[]}`, errEmptyHistory},
		"blank stop":    {`{"model":"m","stop":" ","messages":[{"role":"user","content":"hi"}]}`, errUnsupportedStop},
		"bad role":      {`{"model":"m","messages":[{"role":"robot","content":"hi"}]}`, errInvalidRole},
		"remote image":  {`{"model":"m","messages":[{"role":"user","content":[{"type":"image_url","image_url":{"url":"https://x/y.png"}}]}]}`, errInvalidContent},
		"tool no id":    {`{"model":"m","messages":[{"role":"tool","content":"x"}]}`, errInvalidContent},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			var req ChatCompletionRequest
			assert.ErrorIs(t, json.Unmarshal([]byte(tc.payload), &req), tc.want)
		})
	}
}

func TestChunkEncoder(t *testing.T) {
	enc := NewChunkEncoder("chatcmpl-1", 1700000000, "gpt")

	chunk, ok := enc.Encode(models.StartEvent())
	require.True(t, ok)
	assert.Equal(t, "assistant", chunk.Choices[0].Delta.Role)
	assert.Equal(t, "chat.completion.chunk", chunk.Object)

	_, ok = enc.Encode(models.SetEvent(models.Metadata{Model: "gpt-4o-2024", InputTokens: 3, OutputTokens: 4}))
	assert.False(t, ok)

	chunk, ok = enc.Encode(models.TextEvent("Hi"))
	require.True(t, ok)
	assert.Equal(t, "Hi", chunk.Choices[0].Delta.Content)
	assert.Equal(t, "gpt-4o-2024", chunk.Model)
	assert.Nil(t, chunk.Choices[0].FinishReason)

	chunk, ok = enc.Encode(models.IssueEvent("vendor-warning", "careful"))
	require.True(t, ok)
	assert.Equal(t, "\n\ncareful", chunk.Choices[0].Delta.Content)

	chunk, ok = enc.Encode(models.DoneEvent(models.Termination{Reason: models.ReasonParserClose}))
	require.True(t, ok)
	require.NotNil(t, chunk.Choices[0].FinishReason)
	assert.Equal(t, "stop", *chunk.Choices[0].FinishReason)
	assert.Equal(t, &OpenAIUsage{PromptTokens: 3, CompletionTokens: 4, TotalTokens: 7}, chunk.Usage)

	data, err := json.Marshal(chunk)
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"chatcmpl-1","object":"chat.completion.chunk","created":1700000000,"model":"gpt-4o-2024",
		"choices":[{"index":0,"delta":{},"finish_reason":"stop"}],
		"usage":{"prompt_tokens":3,"completion_tokens":4,"total_tokens":7}}`, string(data))
}

func TestChunkEncoderFinishReasons(t *testing.T) {
	enc := NewChunkEncoder("id", 0, "m")
	enc.Encode(models.SetEvent(models.Metadata{StopReason: "length"}))
	chunk, _ := enc.Encode(models.DoneEvent(models.Termination{Reason: models.ReasonParserClose}))
	assert.Equal(t, "length", *chunk.Choices[0].FinishReason)

	enc = NewChunkEncoder("id", 0, "m")
	enc.Encode(models.SetEvent(models.Metadata{StopReason: "MAX_TOKENS"}))
	chunk, _ = enc.Encode(models.DoneEvent(models.Termination{Reason: models.ReasonParserClose}))
	assert.Equal(t, "length", *chunk.Choices[0].FinishReason)

	enc = NewChunkEncoder("id", 0, "m")
	chunk, _ = enc.Encode(models.IssueEvent("upstream-fetch", "[OpenAI Issue] down"))
	assert.Equal(t, "[OpenAI Issue] down", chunk.Choices[0].Delta.Content)
	chunk, _ = enc.Encode(models.DoneEvent(models.Failed(models.ErrorUpstreamFetch)))
	assert.Equal(t, "error", *chunk.Choices[0].FinishReason)
	assert.Nil(t, chunk.Usage)
}

func TestClaudeMessageRequestDecode(t *testing.T) {
	payload := `{
		"model": "sonnet",
		"max_tokens": 256,
		"stream": true,
		"system": [{"type": "text", "text": "rules"}],
		"top_k": 7,
		"stop_sequences": ["\n\nHuman:"],
		"metadata": {"user_id": "u1"},
		"messages": [
			{"role": "user", "content": [
				{"type": "text", "text": "see"},
				{"type": "image", "source": {"type": "base64", "media_type": "image/png", "data": "AAA"}}
			]},
			{"role": "assistant", "content": [{"type": "tool_use", "id": "tu1", "name": "calc", "input": {"x": 1}}]},
			{"role": "user", "content": [{"type": "tool_result", "tool_use_id": "tu1", "content": [{"type": "text", "text": "2"}]}]}
		]
	}`

	var req ClaudeMessageRequest
	require.NoError(t, json.Unmarshal([]byte(payload), &req))

	chat := req.ToChatRequest()
	assert.Equal(t, 256, *chat.Model.MaxOutputTokens)
	assert.Equal(t, map[string]any{"top_k": 7, "stop": []string{"\n\nHuman:"}, "user": "u1"}, chat.Model.VendorOptions)
	require.Len(t, chat.History, 4)
	assert.Equal(t, models.HistoryTurn{Role: models.RoleSystem, Parts: []models.Part{{Kind: models.PartText, Text: "rules"}}}, chat.History[0])
	assert.Equal(t, models.PartBinary, chat.History[1].Parts[1].Kind)
	assert.Equal(t, models.Part{Kind: models.PartToolCall, ToolCallID: "tu1", ToolName: "calc", ToolArgs: `{"x": 1}`}, chat.History[2].Parts[0])
	assert.Equal(t, models.Part{Kind: models.PartToolResult, ToolCallID: "tu1", ToolResult: "2"}, chat.History[3].Parts[0])
}

func TestClaudeMessageRequestErrors(t *testing.T) {
	cases := map[string]struct {
		payload string
		want    error
	}{
		"missing model": {`{"messages":[{"role":"user","content":"hi"}]}`, errEmptyModel},
		"system role":   {`{"model":"m","messages":[{"role":"system","content":"hi"}]}`, errInvalidRole},
		"empty content": {`{"model":"m","messages":[{"role":"user","content":"  "}]}`, errInvalidContent},
		"bad stops":     {`{"model":"m","stop_sequences":"x","messages":[{"role":"user","content":"hi"}]}`, errClaudeUnsupportedStop},
		"bad system":    {`{"model":"m","system":[{"type":"image"}],"messages":[{"role":"user","content":"hi"}]}`, errClaudeInvalidSystem},
		"url image":     {`{"model":"m","messages":[{"role":"user","content":[{"type":"image","source":{"type":"url"}}]}]}`, errInvalidContent},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			var req ClaudeMessageRequest
			assert.ErrorIs(t, json.Unmarshal([]byte(tc.payload), &req), tc.want)
		})
	}
}

func eventNames(events []ClaudeStreamEvent) []string {
	names := make([]string, 0, len(events))
	for _, ev := range events {
		names = append(names, ev.Name)
	}
	return names
}

func TestClaudeEncoderSuccess(t *testing.T) {
	enc := NewClaudeEncoder("msg_1", "sonnet")

	var all []ClaudeStreamEvent
	for _, ev := range []models.Event{
		models.StartEvent(),
		models.SetEvent(models.Metadata{InputTokens: 5}),
		models.TextEvent("Hel"),
		models.TextEvent("lo"),
		models.SetEvent(models.Metadata{OutputTokens: 2, StopReason: "max_tokens"}),
		models.DoneEvent(models.Termination{Reason: models.ReasonParserClose}),
	} {
		all = append(all, enc.Encode(ev)...)
	}

	assert.Equal(t, []string{
		"message_start", "content_block_start", "content_block_delta", "content_block_delta",
		"content_block_stop", "message_delta", "message_stop",
	}, eventNames(all))

	data, err := json.Marshal(all[5].Data)
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"message_delta","delta":{"stop_reason":"max_tokens"},"usage":{"input_tokens":5,"output_tokens":2}}`, string(data))

	data, err = json.Marshal(all[3].Data)
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"lo"}}`, string(data))
}

func TestClaudeEncoderWarningsAndErrors(t *testing.T) {
	enc := NewClaudeEncoder("msg_2", "m")
	var all []ClaudeStreamEvent
	for _, ev := range []models.Event{
		models.StartEvent(),
		models.TextEvent("partial"),
		models.IssueEvent("vendor-warning", "slow down"),
		models.TextEvent(" more"),
		models.IssueEvent(string(models.ErrorUpstreamRead), "[Gemini Issue] The stream was interrupted: request canceled."),
		models.DoneEvent(models.Failed(models.ErrorUpstreamRead)),
	} {
		all = append(all, enc.Encode(ev)...)
	}

	assert.Equal(t, []string{
		"message_start", "content_block_start", "content_block_delta",
		"content_block_delta", "content_block_delta",
		"content_block_stop", "error",
	}, eventNames(all))

	warning := all[3].Data.(claudeBlockDelta)
	assert.Equal(t, "\n\nslow down", warning.Delta.Text)

	data, err := json.Marshal(all[6].Data)
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"error","error":{"type":"api_error","message":"[Gemini Issue] The stream was interrupted: request canceled."}}`, string(data))
}

func TestClaudeEncoderPrepareFailure(t *testing.T) {
	enc := NewClaudeEncoder("msg_3", "m")
	assert.Empty(t, enc.Encode(models.IssueEvent("upstream-prepare", "[Upstream Issue] nope")))
	out := enc.Encode(models.DoneEvent(models.Failed(models.ErrorUpstreamPrepare)))
	assert.Equal(t, []string{"error"}, eventNames(out))
}
