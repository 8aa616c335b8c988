package anthropic

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"streamrelay/internal/models"
	"streamrelay/internal/provider"
)

func text(role models.Role, s string) models.HistoryTurn {
	return models.HistoryTurn{Role: role, Parts: []models.Part{{Kind: models.PartText, Text: s}}}
}

func TestBuildRequest(t *testing.T) {
	temp := 0.5
	req, err := BuildRequest(
		models.AccessDescriptor{Dialect: models.DialectAnthropic, APIKey: "ak"},
		models.ModelDescriptor{ID: "claude-sonnet-4", Temperature: &temp, VendorOptions: map[string]any{"top_k": 40}},
		[]models.HistoryTurn{
			text(models.RoleSystem, "be kind"),
			text(models.RoleUser, "hi"),
			text(models.RoleUser, "are you there?"),
			text(models.RoleAssistant, "yes"),
			text(models.RoleUser, "good"),
		},
	)
	require.NoError(t, err)

	assert.Equal(t, "https://api.anthropic.com/v1/messages", req.URL)
	assert.Equal(t, "ak", req.Headers.Get("x-api-key"))
	assert.Equal(t, "2023-06-01", req.Headers.Get("anthropic-version"))
	assert.Empty(t, req.Headers.Get("Authorization"))

	var payload messagePayload
	require.NoError(t, json.Unmarshal(req.Body, &payload))
	assert.Equal(t, "claude-sonnet-4", payload.Model)
	assert.Equal(t, "be kind", payload.System)
	assert.Equal(t, 8192, payload.MaxTokens)
	assert.True(t, payload.Stream)
	require.NotNil(t, payload.TopK)
	assert.Equal(t, 40, *payload.TopK)

	require.Len(t, payload.Messages, 3)
	assert.Equal(t, "user", payload.Messages[0].Role)
	assert.Len(t, payload.Messages[0].Content, 2, "consecutive user turns merge")
	assert.Equal(t, "assistant", payload.Messages[1].Role)
}

func TestBuildRequestMaxTokensAndVersion(t *testing.T) {
	maxTokens := 1000
	req, err := BuildRequest(
		models.AccessDescriptor{Dialect: models.DialectAnthropic, APIKey: "ak", APIVersion: "2024-01-01", Host: "https://proxy.example/"},
		models.ModelDescriptor{ID: "claude", MaxOutputTokens: &maxTokens},
		[]models.HistoryTurn{text(models.RoleUser, "hi")},
	)
	require.NoError(t, err)

	assert.Equal(t, "https://proxy.example/v1/messages", req.URL)
	assert.Equal(t, "2024-01-01", req.Headers.Get("anthropic-version"))

	var payload messagePayload
	require.NoError(t, json.Unmarshal(req.Body, &payload))
	assert.Equal(t, 1000, payload.MaxTokens)
}

func TestBuildRequestToolsAndImages(t *testing.T) {
	history := []models.HistoryTurn{
		{Role: models.RoleUser, Parts: []models.Part{
			{Kind: models.PartText, Text: "describe"},
			{Kind: models.PartBinary, MimeType: "image/jpeg", Data: "/9j/"},
		}},
		{Role: models.RoleAssistant, Parts: []models.Part{
			{Kind: models.PartToolCall, ToolCallID: "toolu_1", ToolName: "zoom", ToolArgs: "not json"},
		}},
		{Role: models.RoleUser, Parts: []models.Part{
			{Kind: models.PartToolResult, ToolCallID: "toolu_1", ToolResult: "zoomed"},
		}},
	}

	req, err := BuildRequest(models.AccessDescriptor{Dialect: models.DialectAnthropic, APIKey: "ak"}, models.ModelDescriptor{ID: "claude"}, history)
	require.NoError(t, err)

	var payload messagePayload
	require.NoError(t, json.Unmarshal(req.Body, &payload))
	require.Len(t, payload.Messages, 3)

	image := payload.Messages[0].Content[1]
	assert.Equal(t, "image", image.Type)
	assert.Equal(t, &imageSource{Type: "base64", MediaType: "image/jpeg", Data: "/9j/"}, image.Source)

	use := payload.Messages[1].Content[0]
	assert.Equal(t, "tool_use", use.Type)
	assert.JSONEq(t, `{}`, string(use.Input))

	result := payload.Messages[2].Content[0]
	assert.Equal(t, "tool_result", result.Type)
	assert.Equal(t, "toolu_1", result.ToolUseID)
	assert.Equal(t, "zoomed", result.Content)
}

func TestBuildRequestRejectsInvalidHistory(t *testing.T) {
	access := models.AccessDescriptor{Dialect: models.DialectAnthropic, APIKey: "ak"}
	model := models.ModelDescriptor{ID: "claude"}

	_, err := BuildRequest(access, model, []models.HistoryTurn{text(models.RoleAssistant, "I start")})
	assert.ErrorIs(t, err, provider.ErrInvalidHistory)

	_, err = BuildRequest(access, model, []models.HistoryTurn{text(models.RoleSystem, "only system")})
	assert.ErrorIs(t, err, provider.ErrInvalidHistory)

	_, err = BuildRequest(models.AccessDescriptor{Dialect: models.DialectAnthropic}, model, []models.HistoryTurn{text(models.RoleUser, "hi")})
	assert.ErrorIs(t, err, provider.ErrMissingAPIKey)
}
