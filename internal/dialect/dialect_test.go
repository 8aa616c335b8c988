package dialect

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"streamrelay/internal/demux"
	"streamrelay/internal/models"
)

func event(name, data string) demux.WireEvent {
	return demux.WireEvent{Kind: demux.KindEvent, Name: name, Data: data}
}

// run feeds events until the first error and returns every action emitted.
func run(t *testing.T, p Parser, events ...demux.WireEvent) ([]Action, error) {
	t.Helper()
	var all []Action
	for _, ev := range events {
		actions, err := p.Parse(ev)
		if err != nil {
			return all, err
		}
		all = append(all, actions...)
	}
	return all, nil
}

func TestNewParserPerFamily(t *testing.T) {
	for family, want := range map[models.Family]Parser{
		models.FamilyOpenAI:    &OpenAI{},
		models.FamilyAnthropic: &Anthropic{},
		models.FamilyGemini:    &Gemini{},
		models.FamilyOllama:    &Ollama{},
	} {
		p, err := New(family, "m")
		require.NoError(t, err)
		assert.IsType(t, want, p)
	}

	_, err := New("cobol", "m")
	assert.Error(t, err)
}

func TestMalformedJSONIsParseError(t *testing.T) {
	for _, p := range []Parser{NewOpenAI(), NewAnthropic(), NewGemini("g"), NewOllama()} {
		_, err := p.Parse(event("message_start", `{"type":`))
		assert.ErrorIs(t, err, ErrParse)

		_, err = p.Parse(event("message_start", `[1,2]`))
		assert.ErrorIs(t, err, ErrParse)
	}
}

func TestOpenAIStream(t *testing.T) {
	actions, err := run(t, NewOpenAI(),
		event("", `{"model":"gpt-x","choices":[{"delta":{"role":"assistant","content":""},"index":0,"finish_reason":null}]}`),
		event("", `{"model":"gpt-x","choices":[{"delta":{"content":"Hi"},"index":0,"finish_reason":null}]}`),
		event("", `{"model":"gpt-x","choices":[{"delta":{"content":" there"},"index":0,"finish_reason":null}]}`),
		event("", `{"choices":[{"delta":{},"index":0,"finish_reason":"stop"}],"usage":{"prompt_tokens":5,"completion_tokens":2}}`),
	)
	require.NoError(t, err)

	assert.Equal(t, []Action{
		SetMetadata{Fields: models.Metadata{Model: "gpt-x"}},
		Text{Delta: "Hi"},
		Text{Delta: " there"},
		SetMetadata{Fields: models.Metadata{InputTokens: 5, OutputTokens: 2, StopReason: "stop"}},
		Close{},
	}, actions)
}

func TestOpenAIErrorField(t *testing.T) {
	actions, err := NewOpenAI().Parse(event("", `{"error":{"message":"Rate limit reached","type":"rate_limit"}}`))
	require.NoError(t, err)

	assert.Equal(t, []Action{
		Issue{Message: "rate_limit: Rate limit reached", Severity: SeverityError},
		Close{},
	}, actions)
}

func TestOpenAITruncation(t *testing.T) {
	actions, err := NewOpenAI().Parse(event("", `{"model":"m","choices":[{"delta":{"content":"x"},"finish_reason":"length"}]}`))
	require.NoError(t, err)

	require.Len(t, actions, 5)
	assert.Equal(t, Text{Delta: "x"}, actions[1])
	assert.Equal(t, SetMetadata{Fields: models.Metadata{StopReason: "length"}}, actions[2])
	assert.IsType(t, Issue{}, actions[3])
	assert.Equal(t, Close{}, actions[4])
}

func TestOpenAIRejectsNonArrayChoices(t *testing.T) {
	_, err := NewOpenAI().Parse(event("", `{"choices":{"delta":{}}}`))
	assert.ErrorIs(t, err, ErrParse)
}

func TestAnthropicStream(t *testing.T) {
	p := NewAnthropic()
	actions, err := run(t, p,
		event("message_start", `{"type":"message_start","message":{"id":"msg_1","model":"claude-x","usage":{"input_tokens":12,"output_tokens":1}}}`),
		event("content_block_start", `{"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}`),
		event("ping", `{"type":"ping"}`),
		event("content_block_delta", `{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Hello"}}`),
		event("content_block_delta", `{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":" world"}}`),
		event("content_block_stop", `{"type":"content_block_stop","index":0}`),
		event("content_block_start", `{"type":"content_block_start","index":1,"content_block":{"type":"tool_use","id":"t1","name":"search"}}`),
		event("content_block_delta", `{"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"{\"q\":"}}`),
		event("content_block_stop", `{"type":"content_block_stop","index":1}`),
		event("message_delta", `{"type":"message_delta","delta":{"stop_reason":"end_turn"},"usage":{"output_tokens":9}}`),
		event("message_stop", `{"type":"message_stop"}`),
	)
	require.NoError(t, err)

	assert.Equal(t, []Action{
		SetMetadata{Fields: models.Metadata{Model: "claude-x", InputTokens: 12}},
		Text{Delta: "Hello"},
		Text{Delta: " world"},
		SetMetadata{Fields: models.Metadata{OutputTokens: 9, StopReason: "end_turn"}},
		Close{},
	}, actions)
	assert.Equal(t, "Hello world", p.message.blocks[0].text.String())
	assert.Equal(t, `{"q":`, p.message.blocks[1].input.String())
}

func TestAnthropicMetadataOnlyOnFirstMessage(t *testing.T) {
	p := NewAnthropic()
	start := event("message_start", `{"message":{"model":"claude-x"}}`)

	first, err := p.Parse(start)
	require.NoError(t, err)
	require.Len(t, first, 1)

	second, err := p.Parse(start)
	require.NoError(t, err)
	assert.Empty(t, second)
}

func TestAnthropicNameFromPayloadType(t *testing.T) {
	actions, err := NewAnthropic().Parse(event("", `{"type":"message_start","message":{"model":"claude-x"}}`))
	require.NoError(t, err)
	assert.Equal(t, []Action{SetMetadata{Fields: models.Metadata{Model: "claude-x"}}}, actions)
}

func TestAnthropicMaxTokens(t *testing.T) {
	actions, err := run(t, NewAnthropic(),
		event("message_start", `{"message":{"model":"claude-x"}}`),
		event("message_delta", `{"delta":{"stop_reason":"max_tokens"}}`),
		event("message_stop", `{}`),
	)
	require.NoError(t, err)

	require.Len(t, actions, 4)
	assert.Equal(t, SetMetadata{Fields: models.Metadata{StopReason: "max_tokens"}}, actions[1])
	assert.IsType(t, Issue{}, actions[2])
	assert.Equal(t, Close{}, actions[3])
}

func TestAnthropicErrorEvent(t *testing.T) {
	actions, err := NewAnthropic().Parse(event("error", `{"type":"error","error":{"type":"overloaded_error","message":"Overloaded"}}`))
	require.NoError(t, err)

	assert.Equal(t, []Action{
		Issue{Message: "overloaded_error: Overloaded", Severity: SeverityError},
		Close{},
	}, actions)
}

func TestAnthropicFailsLoud(t *testing.T) {
	tests := []struct {
		name   string
		events []demux.WireEvent
	}{
		{"unknown event name", []demux.WireEvent{event("message_teleport", `{}`)}},
		{"delta before start", []demux.WireEvent{event("content_block_delta", `{"index":0,"delta":{"type":"text_delta","text":"x"}}`)}},
		{"delta for unknown block", []demux.WireEvent{
			event("message_start", `{"message":{"model":"m"}}`),
			event("content_block_delta", `{"index":3,"delta":{"type":"text_delta","text":"x"}}`),
		}},
		{"delta after block stop", []demux.WireEvent{
			event("message_start", `{"message":{"model":"m"}}`),
			event("content_block_start", `{"index":0,"content_block":{"type":"text"}}`),
			event("content_block_stop", `{"index":0}`),
			event("content_block_delta", `{"index":0,"delta":{"type":"text_delta","text":"x"}}`),
		}},
		{"unknown block type", []demux.WireEvent{
			event("message_start", `{"message":{"model":"m"}}`),
			event("content_block_start", `{"index":0,"content_block":{"type":"hologram"}}`),
		}},
		{"unknown delta type", []demux.WireEvent{
			event("message_start", `{"message":{"model":"m"}}`),
			event("content_block_start", `{"index":0,"content_block":{"type":"text"}}`),
			event("content_block_delta", `{"index":0,"delta":{"type":"smell_delta"}}`),
		}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := run(t, NewAnthropic(), tc.events...)
			assert.ErrorIs(t, err, ErrParse)
		})
	}
}

func TestGeminiStream(t *testing.T) {
	actions, err := run(t, NewGemini("gemini-pro"),
		event("", `{"candidates":[{"content":{"parts":[{"text":"Hel"}],"role":"model"}}],"modelVersion":"gemini-pro-002"}`),
		event("", `{"candidates":[{"content":{"parts":[{"text":"lo"}],"role":"model"},"finishReason":"STOP"}],"usageMetadata":{"promptTokenCount":4,"candidatesTokenCount":2}}`),
	)
	require.NoError(t, err)

	assert.Equal(t, []Action{
		SetMetadata{Fields: models.Metadata{Model: "gemini-pro"}},
		Text{Delta: "Hel"},
		SetMetadata{Fields: models.Metadata{InputTokens: 4, OutputTokens: 2, StopReason: "STOP"}},
		Text{Delta: "lo"},
	}, actions)
}

func TestGeminiPromptBlocked(t *testing.T) {
	actions, err := NewGemini("gemini-pro").Parse(event("", `{"promptFeedback":{"blockReason":"SAFETY","safetyRatings":[]}}`))
	require.NoError(t, err)

	require.Len(t, actions, 2)
	issue, ok := actions[0].(Issue)
	require.True(t, ok)
	assert.Contains(t, issue.Message, "Input not allowed: SAFETY")
	assert.Equal(t, Close{}, actions[1])
}

func TestGeminiMissingContent(t *testing.T) {
	tests := []struct {
		name   string
		finish string
		want   Action
	}{
		{"max tokens", "MAX_TOKENS", Text{Delta: TruncationMarker}},
		{"recitation", "RECITATION", Issue{Message: "Generation stopped: the response resembled existing material (RECITATION).", Severity: SeverityWarning}},
		{"safety", "SAFETY", Issue{Message: "Generation stopped by the vendor safety filters (SAFETY: HARM_CATEGORY_HARASSMENT).", Severity: SeverityWarning}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			data := `{"candidates":[{"finishReason":"` + tc.finish + `","safetyRatings":[{"category":"HARM_CATEGORY_HARASSMENT","blocked":true}]}]}`
			actions, err := NewGemini("g").Parse(event("", data))
			require.NoError(t, err)

			require.Len(t, actions, 4)
			assert.Equal(t, SetMetadata{Fields: models.Metadata{StopReason: tc.finish}}, actions[1])
			assert.Equal(t, tc.want, actions[2])
			assert.Equal(t, Close{}, actions[3])
		})
	}

	_, err := NewGemini("g").Parse(event("", `{"candidates":[{"finishReason":"OTHER"}]}`))
	assert.ErrorIs(t, err, ErrParse)
}

func TestGeminiCandidateCount(t *testing.T) {
	for _, data := range []string{
		`{"candidates":[]}`,
		`{}`,
		`{"candidates":[{"content":{"parts":[{"text":"a"}]}},{"content":{"parts":[{"text":"b"}]}}]}`,
	} {
		_, err := NewGemini("g").Parse(event("", data))
		assert.ErrorIs(t, err, ErrParse, data)
	}
}

func TestGeminiPartCount(t *testing.T) {
	_, err := NewGemini("g").Parse(event("", `{"candidates":[{"content":{"parts":[{"text":"a"},{"text":"b"}]}}]}`))
	assert.ErrorIs(t, err, ErrParse)

	_, err = NewGemini("g").Parse(event("", `{"candidates":[{"content":{"parts":[{"functionCall":{"name":"f"}}]}}]}`))
	assert.ErrorIs(t, err, ErrParse)
}

func TestOllamaStream(t *testing.T) {
	actions, err := run(t, NewOllama(),
		event("", `{"model":"llama3","message":{"role":"assistant","content":"Hi"},"done":false}`),
		event("", `{"model":"llama3","message":{"role":"assistant","content":"!"},"done":false}`),
		event("", `{"model":"llama3","message":{"role":"assistant","content":""},"done":true,"done_reason":"stop","prompt_eval_count":8,"eval_count":2}`),
	)
	require.NoError(t, err)

	assert.Equal(t, []Action{
		SetMetadata{Fields: models.Metadata{Model: "llama3"}},
		Text{Delta: "Hi"},
		Text{Delta: "!"},
		SetMetadata{Fields: models.Metadata{InputTokens: 8, OutputTokens: 2, StopReason: "stop"}},
		Close{},
	}, actions)
}

func TestOllamaErrorIsFatal(t *testing.T) {
	_, err := NewOllama().Parse(event("", `{"error":"model 'nope' not found"}`))
	require.ErrorIs(t, err, ErrParse)
	assert.Contains(t, err.Error(), "model 'nope' not found")
}
