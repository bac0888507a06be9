package router

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relayr/modelgate/internal/config"
)

func testTable() []config.RouteRule {
	return []config.RouteRule{
		{
			Pattern:        "/v1/chat",
			Provider:       "openai",
			Protocol:       config.ProtocolOpenAI,
			CredentialRef:  "OPENAI_API_KEY",
			RequestTimeout: 5 * time.Minute,
			IdleGapTimeout: time.Minute,
		},
		{
			Pattern:        "/v1/anthropic/**",
			Provider:       "anthropic",
			Protocol:       config.ProtocolAnthropic,
			RequestTimeout: 5 * time.Minute,
			IdleGapTimeout: time.Minute,
		},
		{
			Pattern:        "/v1/local/*",
			Provider:       "ollama",
			Model:          "llama3.1",
			Protocol:       config.ProtocolOllama,
			RequestTimeout: 10 * time.Minute,
			IdleGapTimeout: 2 * time.Minute,
		},
	}
}

func testDirectory() *Directory {
	return NewStaticDirectory([]Instance{
		{Provider: "openai", BaseURL: "https://api.openai.com/", Healthy: true},
		{Provider: "anthropic", BaseURL: "https://anthropic-a.internal", Healthy: false},
		{Provider: "anthropic", BaseURL: "https://anthropic-b.internal", Healthy: true},
		{Provider: "anthropic", BaseURL: "https://anthropic-c.internal", Healthy: true},
	})
}

// =============================================================================
// PATTERN MATCHING
// =============================================================================

func TestMatchPattern(t *testing.T) {
	tests := []struct {
		pattern string
		path    string
		want    bool
	}{
		{"/v1/chat", "/v1/chat", true},
		{"/v1/chat", "/v1/chat/extra", false},
		{"/v1/chat", "/v1", false},
		{"/v1/*", "/v1/chat", true},
		{"/v1/*", "/v1/chat/extra", false},
		{"/v1/*/messages", "/v1/beta/messages", true},
		{"/v1/*/messages", "/v1/beta/other", false},
		{"/v1/**", "/v1", true},
		{"/v1/**", "/v1/a/b/c", true},
		{"/v1/**", "/v2/a", false},
		{"/**", "/anything/at/all", true},
	}

	for _, tt := range tests {
		t.Run(tt.pattern+" vs "+tt.path, func(t *testing.T) {
			assert.Equal(t, tt.want, MatchPattern(tt.pattern, tt.path))
		})
	}
}

// =============================================================================
// RESOLUTION
// =============================================================================

func TestResolve_FirstMatchWins(t *testing.T) {
	r := New(testTable(), testDirectory())

	target, err := r.Resolve("/v1/chat", "gpt-5")
	require.NoError(t, err)
	assert.Equal(t, "openai", target.Provider)
	assert.Equal(t, "gpt-5", target.Model)
	assert.Equal(t, "openai/gpt-5", target.Key())
	assert.Equal(t, "https://api.openai.com", target.BaseURL, "trailing slash trimmed")
	assert.Equal(t, config.ProtocolOpenAI, target.Protocol)
}

func TestResolve_ModelOverride(t *testing.T) {
	r := New(testTable(), NewStaticDirectory([]Instance{
		{Provider: "ollama", BaseURL: "http://127.0.0.1:11434", Healthy: true},
	}))

	target, err := r.Resolve("/v1/local/anything", "requested-model")
	require.NoError(t, err)
	assert.Equal(t, "llama3.1", target.Model, "rule model overrides the requested one")
}

func TestResolve_FirstHealthyInstanceDeterministic(t *testing.T) {
	r := New(testTable(), testDirectory())

	// The unhealthy first instance is skipped; resolution is stable.
	for i := 0; i < 10; i++ {
		target, err := r.Resolve("/v1/anthropic/messages", "claude")
		require.NoError(t, err)
		assert.Equal(t, "https://anthropic-b.internal", target.BaseURL)
	}
}

func TestResolve_NoRoute(t *testing.T) {
	r := New(testTable(), testDirectory())

	_, err := r.Resolve("/v2/unknown", "gpt-5")
	assert.ErrorIs(t, err, ErrNoRoute)
}

func TestResolve_NoHealthyInstance(t *testing.T) {
	dir := NewStaticDirectory([]Instance{
		{Provider: "openai", BaseURL: "https://api.openai.com", Healthy: false},
	})
	r := New(testTable(), dir)

	// The pattern matches but every instance is ineligible.
	_, err := r.Resolve("/v1/chat", "gpt-5")
	assert.ErrorIs(t, err, ErrNoHealthyInstance)
}

func TestResolve_DirectoryReplaceIsVisible(t *testing.T) {
	dir := NewStaticDirectory(nil)
	r := New(testTable(), dir)

	_, err := r.Resolve("/v1/chat", "gpt-5")
	require.ErrorIs(t, err, ErrNoHealthyInstance)

	dir.Replace([]Instance{{Provider: "openai", BaseURL: "https://api.openai.com", Healthy: true}})

	target, err := r.Resolve("/v1/chat", "gpt-5")
	require.NoError(t, err)
	assert.Equal(t, "https://api.openai.com", target.BaseURL)
}
