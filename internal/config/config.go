// Package config loads the gateway configuration from the environment.
//
// The configuration is read once at process start and treated as immutable
// for the process lifetime; components receive it by injection rather than
// reading ambient state per call.
package config

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/tidwall/jsonc"

	"github.com/BlackBearCC/mbti-gateway/pkg/types"
)

// Config is the full configuration surface of the gateway.
type Config struct {
	Host      string `env:"HOST" envDefault:"0.0.0.0"`
	Port      int    `env:"PORT" envDefault:"8000"`
	Debug     bool   `env:"DEBUG" envDefault:"false"`
	LogLevel  string `env:"LOG_LEVEL" envDefault:"INFO"`
	LogPretty bool   `env:"LOG_PRETTY" envDefault:"false"`

	CORSOrigins []string `env:"BACKEND_CORS_ORIGINS" envSeparator:","`

	// APITokens is the accepted-token allow-list, either comma-separated or
	// a JSON array. Empty means development mode (see internal/auth).
	APITokens string `env:"API_TOKENS"`

	StreamEnabled     bool   `env:"AI_STREAM_ENABLED" envDefault:"true"`
	DefaultProvider   string `env:"AI_DEFAULT_PROVIDER" envDefault:"doubao"`
	DefaultModelAlias string `env:"AI_DEFAULT_MODEL_ALIAS"`
	// ModelAliases is a JSONC object mapping alias -> {provider, model,
	// max_tokens, temperature, metadata}.
	ModelAliases string `env:"AI_MODEL_ALIASES"`
	// ProviderOverrides is a JSONC object mapping provider -> {api_key,
	// base_url, model, aliases}.
	ProviderOverrides string        `env:"AI_PROVIDER_OVERRIDES"`
	MaxOutputTokens   int           `env:"AI_MAX_OUTPUT_TOKENS" envDefault:"1024"`
	ResponseTimeout   time.Duration `env:"AI_RESPONSE_TIMEOUT" envDefault:"30s"`
	StreamTimeout     time.Duration `env:"AI_STREAM_TIMEOUT" envDefault:"5m"`

	OpenAIAPIKey  string `env:"OPENAI_API_KEY"`
	OpenAIBaseURL string `env:"OPENAI_BASE_URL" envDefault:"https://api.openai.com/v1"`
	OpenAIModel   string `env:"OPENAI_MODEL" envDefault:"gpt-3.5-turbo"`
	DoubaoAPIKey  string `env:"DOUBAO_API_KEY"`
	DoubaoBaseURL string `env:"DOUBAO_BASE_URL" envDefault:"https://ark.cn-beijing.volces.com/api/v3"`
	DoubaoModel   string `env:"DOUBAO_MODEL"`

	RateLimitEnabled      bool          `env:"RATE_LIMIT_ENABLED" envDefault:"true"`
	RateLimitRequests     int           `env:"RATE_LIMIT_REQUESTS" envDefault:"100"`
	RateLimitWindow       time.Duration `env:"RATE_LIMIT_WINDOW" envDefault:"60s"`
	RateLimitStoreTimeout time.Duration `env:"RATE_LIMIT_STORE_TIMEOUT" envDefault:"500ms"`

	RedisAddr     string `env:"REDIS_ADDR"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB" envDefault:"0"`

	HeartbeatInterval time.Duration `env:"WS_HEARTBEAT_INTERVAL" envDefault:"30s"`
	IdleTimeout       time.Duration `env:"WS_IDLE_TIMEOUT" envDefault:"90s"`
	AuthFailureLimit  int           `env:"WS_AUTH_FAILURE_LIMIT" envDefault:"3"`
}

// Load parses the environment into a Config.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}
	return cfg, nil
}

// Addr returns the listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// TokenList parses APITokens, accepting a JSON array or a comma-separated
// list. Blank entries are dropped.
func (c *Config) TokenList() []string {
	raw := strings.TrimSpace(c.APITokens)
	if raw == "" {
		return nil
	}
	if strings.HasPrefix(raw, "[") {
		var list []string
		if err := json.Unmarshal(jsonc.ToJSON([]byte(raw)), &list); err == nil {
			out := make([]string, 0, len(list))
			for _, t := range list {
				if t = strings.TrimSpace(t); t != "" {
					out = append(out, t)
				}
			}
			return out
		}
	}
	var out []string
	for _, t := range strings.Split(raw, ",") {
		if t = strings.TrimSpace(t); t != "" {
			out = append(out, t)
		}
	}
	return out
}

// Aliases parses AI_MODEL_ALIASES plus any per-provider alias blocks from
// AI_PROVIDER_OVERRIDES into a single alias map. Aliases naming a provider
// the process has no credentials for are kept; the registry rejects them at
// resolution time.
func (c *Config) Aliases() (map[string]types.ModelAlias, error) {
	out := make(map[string]types.ModelAlias)

	if raw := strings.TrimSpace(c.ModelAliases); raw != "" {
		if err := json.Unmarshal(jsonc.ToJSON([]byte(raw)), &out); err != nil {
			return nil, fmt.Errorf("parse AI_MODEL_ALIASES: %w", err)
		}
	}

	overrides, err := c.Overrides()
	if err != nil {
		return nil, err
	}
	for providerID, ov := range overrides {
		for name, spec := range ov.Aliases {
			if spec.Provider == "" {
				spec.Provider = providerID
			}
			out[name] = spec
		}
	}

	for name, spec := range out {
		if spec.Provider == "" {
			spec.Provider = c.DefaultProvider
			out[name] = spec
		}
	}
	return out, nil
}

// ProviderOverride carries per-provider configuration overrides.
type ProviderOverride struct {
	APIKey  string                      `json:"api_key"`
	BaseURL string                      `json:"base_url"`
	Model   string                      `json:"model"`
	Aliases map[string]types.ModelAlias `json:"aliases"`
}

// Overrides parses AI_PROVIDER_OVERRIDES.
func (c *Config) Overrides() (map[string]ProviderOverride, error) {
	out := make(map[string]ProviderOverride)
	raw := strings.TrimSpace(c.ProviderOverrides)
	if raw == "" {
		return out, nil
	}
	if err := json.Unmarshal(jsonc.ToJSON([]byte(raw)), &out); err != nil {
		return nil, fmt.Errorf("parse AI_PROVIDER_OVERRIDES: %w", err)
	}
	return out, nil
}
