package provider

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/BlackBearCC/mbti-gateway/internal/logging"
	"github.com/BlackBearCC/mbti-gateway/pkg/types"
)

// OpenAIConfig holds configuration for the OpenAI-compatible provider.
type OpenAIConfig struct {
	// ID overrides the provider identifier for OpenAI-compatible vendors
	// served through the same wire format. Defaults to "openai".
	ID      string
	APIKey  string
	BaseURL string
	Model   string
	Timeout time.Duration
}

// OpenAIProvider speaks the OpenAI chat-completions wire format.
type OpenAIProvider struct {
	id      string
	apiKey  string
	baseURL string
	model   string
	client  *http.Client
	// streamClient has no overall timeout; stream lifetime is bounded by
	// the caller's context, not the transport.
	streamClient *http.Client
}

// NewOpenAIProvider creates the provider. The API key must be non-empty.
func NewOpenAIProvider(cfg *OpenAIConfig) (*OpenAIProvider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("openai provider: API key not set")
	}
	id := cfg.ID
	if id == "" {
		id = "openai"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &OpenAIProvider{
		id:           id,
		apiKey:       cfg.APIKey,
		baseURL:      strings.TrimRight(cfg.BaseURL, "/"),
		model:        cfg.Model,
		client:       &http.Client{Timeout: timeout},
		streamClient: &http.Client{},
	}, nil
}

// ID implements Provider.
func (p *OpenAIProvider) ID() string { return p.id }

func (p *OpenAIProvider) payload(req *CompletionRequest, stream bool) map[string]any {
	model := req.Model
	if model == "" {
		model = p.model
	}
	body := map[string]any{
		"model":    model,
		"messages": req.Messages,
	}
	if req.MaxTokens > 0 {
		body["max_tokens"] = req.MaxTokens
	}
	if req.Temperature != nil {
		body["temperature"] = *req.Temperature
	}
	if stream {
		body["stream"] = true
	}
	return body
}

// Complete implements Provider. Transient failures (network errors, 5xx) are
// retried briefly before the uniform upstream error is reported.
func (p *OpenAIProvider) Complete(ctx context.Context, req *CompletionRequest) (*CompletionResponse, error) {
	var out *CompletionResponse
	op := func() error {
		resp, err := postJSON(ctx, p.client, p.baseURL+"/chat/completions", p.apiKey, p.payload(req, false))
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return httpStatusError(resp)
		}
		out, err = decodeCompletion(resp.Body, p.model)
		if err != nil {
			return backoff.Permanent(err)
		}
		return nil
	}
	if err := retryTransient(ctx, op); err != nil {
		logging.Error().Err(err).Str("provider", p.id).Msg("completion failed")
		return nil, ErrUpstream
	}
	return out, nil
}

// Stream implements Provider.
func (p *OpenAIProvider) Stream(ctx context.Context, req *CompletionRequest) (*CompletionStream, error) {
	resp, err := postJSON(ctx, p.streamClient, p.baseURL+"/chat/completions", p.apiKey, p.payload(req, true))
	if err != nil {
		logging.Error().Err(err).Str("provider", p.id).Msg("stream open failed")
		return nil, ErrUpstream
	}
	if resp.StatusCode != http.StatusOK {
		err := httpStatusError(resp)
		resp.Body.Close()
		logging.Error().Err(err).Str("provider", p.id).Msg("stream open failed")
		return nil, ErrUpstream
	}
	return newSSEStream(p.id, resp.Body, parseOpenAIDelta), nil
}

// parseOpenAIDelta extracts the text increment from one SSE data payload.
func parseOpenAIDelta(data []byte) (string, error) {
	var chunk struct {
		Choices []struct {
			Delta struct {
				Content string `json:"content"`
			} `json:"delta"`
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(data, &chunk); err != nil {
		return "", err
	}
	var b strings.Builder
	for _, c := range chunk.Choices {
		if c.Delta.Content != "" {
			b.WriteString(c.Delta.Content)
		} else if c.Message.Content != "" {
			b.WriteString(c.Message.Content)
		}
	}
	return b.String(), nil
}

// ---- shared HTTP/SSE plumbing ----

func postJSON(ctx context.Context, client *http.Client, url, apiKey string, body any) (*http.Response, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, backoff.Permanent(err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(raw))
	if err != nil {
		return nil, backoff.Permanent(err)
	}
	req.Header.Set("Authorization", "Bearer "+apiKey)
	req.Header.Set("Content-Type", "application/json")
	return client.Do(req)
}

// httpStatusError drains the body for the log line and classifies the status
// for retry purposes. 4xx is permanent; 5xx and 429 are transient.
func httpStatusError(resp *http.Response) error {
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	err := fmt.Errorf("status %d: %s", resp.StatusCode, string(snippet))
	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return err
	}
	return backoff.Permanent(err)
}

func retryTransient(ctx context.Context, op func() error) error {
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 2), ctx)
	return backoff.Retry(op, policy)
}

func decodeCompletion(r io.Reader, fallbackModel string) (*CompletionResponse, error) {
	var data struct {
		Model   string `json:"model"`
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
		Usage types.Usage `json:"usage"`
	}
	if err := json.NewDecoder(r).Decode(&data); err != nil {
		return nil, fmt.Errorf("decode completion: %w", err)
	}
	if len(data.Choices) == 0 {
		return nil, fmt.Errorf("completion has no choices")
	}
	model := data.Model
	if model == "" {
		model = fallbackModel
	}
	return &CompletionResponse{
		Text:  data.Choices[0].Message.Content,
		Model: model,
		Usage: data.Usage,
	}, nil
}

// newSSEStream adapts an SSE response body into a CompletionStream. parse
// turns one `data:` payload into a text increment; empty increments are
// skipped by the caller, not here, to keep ordering visible.
func newSSEStream(providerID string, body io.ReadCloser, parse func([]byte) (string, error)) *CompletionStream {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	recv := func() (string, error) {
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if !strings.HasPrefix(line, "data:") {
				continue
			}
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if data == "" {
				continue
			}
			if data == "[DONE]" {
				return "", io.EOF
			}
			text, err := parse([]byte(data))
			if err != nil {
				// Skip unparseable keep-alive payloads rather than
				// aborting the stream.
				logging.Debug().Err(err).Str("provider", providerID).Msg("skipping malformed stream payload")
				continue
			}
			return text, nil
		}
		if err := scanner.Err(); err != nil {
			logging.Error().Err(err).Str("provider", providerID).Msg("stream read failed")
			return "", ErrUpstream
		}
		// Upstream closed without the end marker; treat as a clean end.
		return "", io.EOF
	}
	return NewCompletionStream(recv, func() { body.Close() })
}
