package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/BlackBearCC/mbti-gateway/internal/logging"
)

// DoubaoConfig holds configuration for the Doubao (Ark) provider.
type DoubaoConfig struct {
	APIKey  string
	BaseURL string
	Model   string
	Timeout time.Duration
}

// DoubaoProvider speaks the ByteDance Doubao chat wire format. It follows
// the OpenAI shape with a `parameters` block for generation knobs and may
// deliver segmented content in stream deltas.
type DoubaoProvider struct {
	apiKey  string
	baseURL string
	model   string
	client  *http.Client
	// streamClient has no overall timeout; stream lifetime is bounded by
	// the caller's context, not the transport.
	streamClient *http.Client
}

// NewDoubaoProvider creates the provider. The API key must be non-empty.
func NewDoubaoProvider(cfg *DoubaoConfig) (*DoubaoProvider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("doubao provider: API key not set")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &DoubaoProvider{
		apiKey:       cfg.APIKey,
		baseURL:      strings.TrimRight(cfg.BaseURL, "/"),
		model:        cfg.Model,
		client:       &http.Client{Timeout: timeout},
		streamClient: &http.Client{},
	}, nil
}

// ID implements Provider.
func (p *DoubaoProvider) ID() string { return "doubao" }

func (p *DoubaoProvider) payload(req *CompletionRequest, stream bool) map[string]any {
	model := req.Model
	if model == "" {
		model = p.model
	}
	body := map[string]any{
		"model":    model,
		"messages": req.Messages,
	}
	parameters := map[string]any{}
	if req.MaxTokens > 0 {
		parameters["max_output_tokens"] = req.MaxTokens
	}
	if req.Temperature != nil {
		parameters["temperature"] = *req.Temperature
	}
	if len(parameters) > 0 {
		body["parameters"] = parameters
	}
	if len(req.Metadata) > 0 {
		body["metadata"] = req.Metadata
	}
	if stream {
		body["stream"] = true
	}
	return body
}

// Complete implements Provider.
func (p *DoubaoProvider) Complete(ctx context.Context, req *CompletionRequest) (*CompletionResponse, error) {
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
		logging.Error().Err(err).Str("provider", p.ID()).Msg("completion failed")
		return nil, ErrUpstream
	}
	return out, nil
}

// Stream implements Provider.
func (p *DoubaoProvider) Stream(ctx context.Context, req *CompletionRequest) (*CompletionStream, error) {
	resp, err := postJSON(ctx, p.streamClient, p.baseURL+"/chat/completions", p.apiKey, p.payload(req, true))
	if err != nil {
		logging.Error().Err(err).Str("provider", p.ID()).Msg("stream open failed")
		return nil, ErrUpstream
	}
	if resp.StatusCode != http.StatusOK {
		err := httpStatusError(resp)
		resp.Body.Close()
		logging.Error().Err(err).Str("provider", p.ID()).Msg("stream open failed")
		return nil, ErrUpstream
	}
	return newSSEStream(p.ID(), resp.Body, parseDoubaoDelta), nil
}

// parseDoubaoDelta extracts text from one stream payload. Content may be a
// plain string or a list of typed segments.
func parseDoubaoDelta(data []byte) (string, error) {
	var chunk struct {
		Choices []struct {
			Delta   deltaContent `json:"delta"`
			Message deltaContent `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(data, &chunk); err != nil {
		return "", err
	}
	var b strings.Builder
	for _, c := range chunk.Choices {
		if c.Delta.text != "" {
			b.WriteString(c.Delta.text)
		} else {
			b.WriteString(c.Message.text)
		}
	}
	return b.String(), nil
}

type deltaContent struct {
	text string
}

func (d *deltaContent) UnmarshalJSON(data []byte) error {
	var wrapper struct {
		Content json.RawMessage `json:"content"`
	}
	if err := json.Unmarshal(data, &wrapper); err != nil {
		return err
	}
	if len(wrapper.Content) == 0 {
		return nil
	}

	var plain string
	if err := json.Unmarshal(wrapper.Content, &plain); err == nil {
		d.text = plain
		return nil
	}

	var segments []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(wrapper.Content, &segments); err == nil {
		var b strings.Builder
		for _, s := range segments {
			if s.Type == "text" {
				b.WriteString(s.Text)
			}
		}
		d.text = b.String()
	}
	return nil
}
