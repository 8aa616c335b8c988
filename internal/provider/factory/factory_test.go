package factory

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"streamrelay/internal/config"
	"streamrelay/internal/models"
	"streamrelay/internal/provider"
)

func TestRegisterConfiguredProfiles(t *testing.T) {
	temp := 0.4
	cfg := config.Config{Profiles: []config.ProfileConfig{
		{
			ID:      "claude",
			Dialect: "Anthropic",
			APIKey:  "ak",
			Headers: config.Headers{"X-Trace": "1"},
			Models:  []config.ModelConfig{{ID: "claude-sonnet-4", Temperature: &temp, Options: map[string]any{"top_k": 20}}},
			Aliases: map[string]string{"sonnet": "claude-sonnet-4"},
		},
		{
			ID:      "local",
			Dialect: "ollama",
			Models:  []config.ModelConfig{{ID: "llama3"}},
		},
	}}

	registry := provider.NewRegistry()
	require.NoError(t, RegisterConfiguredProfiles(cfg, registry))

	profile, model, err := registry.LookupModel("sonnet")
	require.NoError(t, err)
	assert.Equal(t, models.DialectAnthropic, profile.Access.Dialect)
	assert.Equal(t, "ak", profile.Access.APIKey)
	assert.Equal(t, "1", profile.Access.Headers["X-Trace"])
	assert.Equal(t, "claude-sonnet-4", model.ID)
	assert.Equal(t, 0.4, *model.Temperature)
	assert.Equal(t, 20, model.VendorOptions["top_k"])

	assert.Len(t, registry.ListModels(), 2)
}

func TestRegisterConfiguredProfilesErrors(t *testing.T) {
	assert.Error(t, RegisterConfiguredProfiles(config.Config{}, nil))

	cfg := config.Config{Profiles: []config.ProfileConfig{{ID: "x", Dialect: "nope"}}}
	assert.Error(t, RegisterConfiguredProfiles(cfg, provider.NewRegistry()))

	dup := config.Config{Profiles: []config.ProfileConfig{
		{ID: "a", Dialect: "ollama", Models: []config.ModelConfig{{ID: "m"}}},
		{ID: "b", Dialect: "ollama", Models: []config.ModelConfig{{ID: "m"}}},
	}}
	assert.ErrorIs(t, RegisterConfiguredProfiles(dup, provider.NewRegistry()), provider.ErrDuplicateModel)
}

func TestNewHTTPClient(t *testing.T) {
	plain := NewHTTPClient(config.UpstreamConfig{Timeout: 5 * time.Second, DialTimeout: time.Second}, false)
	assert.Zero(t, plain.Timeout)
	transport, ok := plain.Transport.(*http.Transport)
	require.True(t, ok)
	assert.Equal(t, 5*time.Second, transport.ResponseHeaderTimeout)

	traced := NewHTTPClient(config.UpstreamConfig{}, true)
	_, ok = traced.Transport.(*http.Transport)
	assert.False(t, ok, "traced client wraps the transport")
}
