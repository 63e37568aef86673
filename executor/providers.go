// ABOUTME: LLM provider detection from environment variables and per-step client resolution.
// ABOUTME: Builds and caches mux clients per provider/model pair; contributes provider preflight checks.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"

	muxllm "github.com/2389-research/mux/llm"

	"github.com/2389-research/drover/conductor"
	"github.com/2389-research/drover/pipeline"
)

// ProviderInfo describes the status of a single LLM provider. API keys are
// never stored here; only whether one is present.
type ProviderInfo struct {
	Name      string  `json:"name"`
	HasAPIKey bool    `json:"has_api_key"`
	Model     string  `json:"model"`
	BaseURL   *string `json:"base_url,omitempty"`
}

// ProviderStatus is the aggregated provider availability.
type ProviderStatus struct {
	DefaultProvider string         `json:"default_provider"`
	DefaultModel    *string        `json:"default_model,omitempty"`
	Providers       []ProviderInfo `json:"providers"`
	AnyAvailable    bool           `json:"any_available"`
}

// DetectProviders checks environment variables to determine which LLM
// providers are configured.
func DetectProviders() ProviderStatus {
	defaultProvider := nonEmptyEnvOr("DROVER_DEFAULT_PROVIDER", "anthropic")
	defaultModel := nonEmptyEnv("DROVER_DEFAULT_MODEL")

	providers := []ProviderInfo{
		checkProvider("anthropic", "ANTHROPIC_API_KEY", "ANTHROPIC_MODEL", "ANTHROPIC_BASE_URL", "claude-sonnet-4-5-20250929"),
		checkProvider("openai", "OPENAI_API_KEY", "OPENAI_MODEL", "OPENAI_BASE_URL", "gpt-4o"),
		checkProvider("gemini", "GEMINI_API_KEY", "GEMINI_MODEL", "GEMINI_BASE_URL", "gemini-2.0-flash"),
	}

	anyAvailable := false
	for _, p := range providers {
		if p.HasAPIKey {
			anyAvailable = true
			break
		}
	}

	var modelPtr *string
	if defaultModel != "" {
		modelPtr = &defaultModel
	}

	return ProviderStatus{
		DefaultProvider: defaultProvider,
		DefaultModel:    modelPtr,
		Providers:       providers,
		AnyAvailable:    anyAvailable,
	}
}

func checkProvider(name, keyVar, modelVar, baseURLVar, defaultModel string) ProviderInfo {
	hasKey := nonEmptyEnv(keyVar) != ""
	model := nonEmptyEnvOr(modelVar, defaultModel)
	baseURL := nonEmptyEnv(baseURLVar)

	var baseURLPtr *string
	if baseURL != "" {
		baseURLPtr = &baseURL
	}

	return ProviderInfo{
		Name:      name,
		HasAPIKey: hasKey,
		Model:     model,
		BaseURL:   baseURLPtr,
	}
}

// Resolve picks the ProviderInfo serving the given provider name. An empty
// name resolves to the default provider when it has a key, otherwise the
// first provider with a key.
func (s ProviderStatus) Resolve(name string) (ProviderInfo, error) {
	if name == "" {
		for _, p := range s.Providers {
			if p.Name == s.DefaultProvider && p.HasAPIKey {
				return p, nil
			}
		}
		for _, p := range s.Providers {
			if p.HasAPIKey {
				return p, nil
			}
		}
		return ProviderInfo{}, errors.New("no LLM provider configured: set ANTHROPIC_API_KEY, OPENAI_API_KEY, or GEMINI_API_KEY")
	}

	for _, p := range s.Providers {
		if p.Name == name {
			if !p.HasAPIKey {
				return ProviderInfo{}, fmt.Errorf("provider %s: no API key configured", name)
			}
			return p, nil
		}
	}
	return ProviderInfo{}, fmt.Errorf("unknown provider %q", name)
}

// ClientPool builds and caches mux clients per provider/model pair. It is the
// production ClientSource behind the Agent executor.
type ClientPool struct {
	status ProviderStatus

	mu      sync.Mutex
	clients map[string]muxllm.Client
}

// NewClientPool creates a pool over the detected provider status.
func NewClientPool(status ProviderStatus) *ClientPool {
	return &ClientPool{
		status:  status,
		clients: make(map[string]muxllm.Client),
	}
}

// ClientFor resolves a provider name and model override into a client bound
// to that model. Clients are cached per provider/model pair.
func (p *ClientPool) ClientFor(provider, model string) (muxllm.Client, string, error) {
	info, err := p.status.Resolve(provider)
	if err != nil {
		return nil, "", err
	}
	if model == "" {
		model = info.Model
	}

	key := info.Name + "/" + model

	p.mu.Lock()
	defer p.mu.Unlock()

	if client, ok := p.clients[key]; ok {
		return client, model, nil
	}

	client, err := newProviderClient(info, model)
	if err != nil {
		return nil, "", err
	}
	p.clients[key] = client
	return client, model, nil
}

// newProviderClient constructs a mux client for the provider. The API key is
// read from the environment at construction time so it never sits in a
// struct. An OpenAI base URL override switches to the Chat Completions
// compat client, which is what OpenAI-compatible gateways speak.
func newProviderClient(info ProviderInfo, model string) (muxllm.Client, error) {
	apiKey := os.Getenv(strings.ToUpper(info.Name) + "_API_KEY")

	switch info.Name {
	case "anthropic":
		return muxllm.NewAnthropicClient(apiKey, model), nil
	case "openai":
		if info.BaseURL != nil {
			return NewCompatClient(apiKey, model, *info.BaseURL), nil
		}
		return muxllm.NewOpenAIClient(apiKey, model), nil
	case "gemini":
		client, err := muxllm.NewGeminiClient(context.Background(), apiKey, model)
		if err != nil {
			return nil, fmt.Errorf("gemini client: %w", err)
		}
		return client, nil
	default:
		return nil, fmt.Errorf("unknown provider %q", info.Name)
	}
}

// ProviderPlanner contributes one preflight check per distinct provider the
// pipeline's steps name, plus one for the default when any step leaves the
// provider unset. A check fails when no API key can serve that provider.
func ProviderPlanner(status ProviderStatus) conductor.PreflightPlanner {
	return conductor.PreflightPlannerFunc(func(ctx context.Context, p *pipeline.Pipeline) []conductor.PreflightCheck {
		if !status.AnyAvailable {
			log.Printf("component=executor action=no_providers_detected pipeline=%s", p.ID)
		}

		seen := make(map[string]bool)
		var checks []conductor.PreflightCheck
		for _, step := range p.Steps {
			provider := step.Provider
			label := provider
			if label == "" {
				label = "default"
			}
			if seen[label] {
				continue
			}
			seen[label] = true

			checks = append(checks, conductor.PreflightCheck{
				Name: "provider-" + label,
				Check: func(ctx context.Context) error {
					_, err := status.Resolve(provider)
					return err
				},
			})
		}
		return checks
	})
}

func nonEmptyEnv(key string) string {
	return os.Getenv(key)
}

func nonEmptyEnvOr(key, defaultVal string) string {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	return v
}

// Compile-time interface assertion.
var _ ClientSource = (*ClientPool)(nil)
