package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	require.Equal(t, "0.0.0.0:8000", cfg.Addr())
	require.True(t, cfg.StreamEnabled)
	require.Equal(t, "doubao", cfg.DefaultProvider)
	require.Equal(t, 1024, cfg.MaxOutputTokens)
	require.Equal(t, 100, cfg.RateLimitRequests)
	require.Equal(t, time.Minute, cfg.RateLimitWindow)
	require.Equal(t, 500*time.Millisecond, cfg.RateLimitStoreTimeout)
	require.Equal(t, 90*time.Second, cfg.IdleTimeout)
	require.Equal(t, 3, cfg.AuthFailureLimit)
}

func TestLoad_Environment(t *testing.T) {
	t.Setenv("PORT", "9100")
	t.Setenv("AI_STREAM_ENABLED", "false")
	t.Setenv("RATE_LIMIT_WINDOW", "30s")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, 9100, cfg.Port)
	require.False(t, cfg.StreamEnabled)
	require.Equal(t, 30*time.Second, cfg.RateLimitWindow)
}

func TestTokenList(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want []string
	}{
		{"empty", "", nil},
		{"csv", "tok-a, tok-b ,,tok-c", []string{"tok-a", "tok-b", "tok-c"}},
		{"json array", `["tok-a", "tok-b"]`, []string{"tok-a", "tok-b"}},
		{"json with blanks", `["tok-a", "", " "]`, []string{"tok-a"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{APITokens: tt.raw}
			require.Equal(t, tt.want, cfg.TokenList())
		})
	}
}

func TestAliases_Merge(t *testing.T) {
	cfg := &Config{
		DefaultProvider: "doubao",
		ModelAliases:    `{"smart": {"provider": "openai", "model": "gpt-4o"}, "fast": {"model": "light"}}`,
		ProviderOverrides: `{
			// per-provider alias blocks merge into the global map
			"doubao": {"aliases": {"roleplay": {"model": "ep-roleplay", "max_tokens": 2048}}}
		}`,
	}

	aliases, err := cfg.Aliases()
	require.NoError(t, err)
	require.Len(t, aliases, 3)

	require.Equal(t, "openai", aliases["smart"].Provider)
	// Aliases without a provider inherit the default provider.
	require.Equal(t, "doubao", aliases["fast"].Provider)
	// Override-block aliases inherit their provider block.
	require.Equal(t, "doubao", aliases["roleplay"].Provider)
	require.Equal(t, 2048, aliases["roleplay"].MaxTokens)
}

func TestAliases_Invalid(t *testing.T) {
	cfg := &Config{ModelAliases: `{"broken":`}
	_, err := cfg.Aliases()
	require.Error(t, err)
}

func TestOverrides(t *testing.T) {
	cfg := &Config{ProviderOverrides: `{"openai": {"api_key": "k", "base_url": "https://proxy.example", "model": "gpt-x"}}`}

	overrides, err := cfg.Overrides()
	require.NoError(t, err)
	require.Equal(t, "k", overrides["openai"].APIKey)
	require.Equal(t, "https://proxy.example", overrides["openai"].BaseURL)
	require.Equal(t, "gpt-x", overrides["openai"].Model)
}
