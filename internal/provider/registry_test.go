package provider

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/BlackBearCC/mbti-gateway/pkg/types"
)

// mockProvider implements Provider for testing
type mockProvider struct {
	id     string
	text   string
	chunks []string
	err    error

	lastReq *CompletionRequest
}

func (m *mockProvider) ID() string { return m.id }

func (m *mockProvider) Complete(ctx context.Context, req *CompletionRequest) (*CompletionResponse, error) {
	m.lastReq = req
	if m.err != nil {
		return nil, m.err
	}
	return &CompletionResponse{Text: m.text, Model: req.Model}, nil
}

func (m *mockProvider) Stream(ctx context.Context, req *CompletionRequest) (*CompletionStream, error) {
	m.lastReq = req
	if m.err != nil {
		return nil, m.err
	}
	i := 0
	return NewCompletionStream(func() (string, error) {
		if i >= len(m.chunks) {
			return "", io.EOF
		}
		c := m.chunks[i]
		i++
		return c, nil
	}, func() {}), nil
}

func TestRegistry_RegisterAndGet(t *testing.T) {
	registry := NewRegistry(nil, "", "mock")
	registry.Register(&mockProvider{id: "mock"})

	got, err := registry.Get("mock")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.ID() != "mock" {
		t.Errorf("Got provider ID %q, want 'mock'", got.ID())
	}

	if _, err := registry.Get("nonexistent"); err == nil {
		t.Error("Expected error for nonexistent provider")
	}
}

func TestRegistry_ResolveAlias(t *testing.T) {
	temp := 0.4
	aliases := map[string]types.ModelAlias{
		"smart": {Provider: "mock", Model: "mock-large", MaxTokens: 2048, Temperature: &temp},
	}
	registry := NewRegistry(aliases, "smart", "mock")
	registry.Register(&mockProvider{id: "mock"})

	res, err := registry.Resolve("smart")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if res.Model != "mock-large" || res.MaxTokens != 2048 {
		t.Errorf("Resolved = %+v, want mock-large/2048", res)
	}
	if res.Temperature == nil || *res.Temperature != 0.4 {
		t.Errorf("Temperature = %v, want 0.4", res.Temperature)
	}
}

func TestRegistry_UnknownAliasFallsBackToDefault(t *testing.T) {
	aliases := map[string]types.ModelAlias{
		"smart": {Provider: "mock", Model: "mock-large"},
	}
	registry := NewRegistry(aliases, "smart", "mock")
	registry.Register(&mockProvider{id: "mock"})

	res, err := registry.Resolve("no-such-alias")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if res.Alias != "smart" {
		t.Errorf("Alias = %q, want fallback to smart", res.Alias)
	}

	// Empty alias takes the same fallback.
	res, err = registry.Resolve("")
	if err != nil {
		t.Fatalf("Resolve of empty alias failed: %v", err)
	}
	if res.Alias != "smart" {
		t.Errorf("Alias = %q, want smart", res.Alias)
	}
}

func TestRegistry_UnknownAliasWithoutDefault(t *testing.T) {
	aliases := map[string]types.ModelAlias{
		"smart": {Provider: "mock"},
	}
	registry := NewRegistry(aliases, "", "mock")
	registry.Register(&mockProvider{id: "mock"})

	if _, err := registry.Resolve("no-such-alias"); !errors.Is(err, ErrUnknownAlias) {
		t.Errorf("err = %v, want ErrUnknownAlias", err)
	}
}

func TestRegistry_AliasToUnregisteredProvider(t *testing.T) {
	aliases := map[string]types.ModelAlias{
		"smart": {Provider: "ghost"},
	}
	registry := NewRegistry(aliases, "smart", "ghost")

	if _, err := registry.Resolve("smart"); !errors.Is(err, ErrUnknownAlias) {
		t.Errorf("err = %v, want ErrUnknownAlias for unregistered provider", err)
	}
}

func TestRegistry_SynthesizedDefaultAlias(t *testing.T) {
	registry := NewRegistry(nil, "", "mock")
	registry.Register(&mockProvider{id: "mock"})

	res, err := registry.Resolve("")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if res.Provider.ID() != "mock" {
		t.Errorf("Provider = %q, want mock", res.Provider.ID())
	}
}
