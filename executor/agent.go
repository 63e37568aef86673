// ABOUTME: Agent step executor: resolves a provider client per step and runs direct or delegated completions.
// ABOUTME: Direct steps are a single completion; delegated steps run a mux agent with bridged tools.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	muxagent "github.com/2389-research/mux/agent"
	muxllm "github.com/2389-research/mux/llm"

	"github.com/2389-research/drover/conductor"
)

// defaultMaxTurns caps a delegated agent's think-act iterations per step.
const defaultMaxTurns = 10

// Rate limit backoff: exponential from rateLimitBaseDelay with a 3x
// multiplier, capped at rateLimitMaxDelay.
const (
	rateLimitMaxRetries = 4
	rateLimitBaseDelay  = 2 * time.Second
	rateLimitMaxDelay   = 60 * time.Second
)

// ClientSource resolves a provider name and model override into a ready mux
// client. Empty provider means the configured default; empty model means the
// provider's configured model. The returned model is what the client will
// actually serve.
type ClientSource interface {
	ClientFor(provider, model string) (muxllm.Client, string, error)
}

// AgentOptions configures an Agent executor.
type AgentOptions struct {
	// Clients resolves per-step providers. Required.
	Clients ClientSource
	// Tools bridges external tool servers into delegated steps. Optional;
	// nil leaves delegated agents with only the capture tools.
	Tools ToolInvoker
	// MaxTurns caps delegated agent iterations. Zero means the default.
	MaxTurns int
}

// Agent executes pipeline steps against LLM providers. Non-delegated steps
// are a single completion call; delegated steps run a mux agent loop with
// bridged tools and capture what it publishes.
type Agent struct {
	clients  ClientSource
	tools    ToolInvoker
	maxTurns int

	// runAgent runs one delegated agent loop. Swapped in tests so the loop
	// itself stays out of the seam.
	runAgent func(ctx context.Context, cfg muxagent.Config, task string) error

	// retryBase overrides the rate limit backoff base. Tests shrink it.
	retryBase time.Duration
}

// NewAgent creates an Agent executor.
func NewAgent(opts AgentOptions) (*Agent, error) {
	if opts.Clients == nil {
		return nil, errors.New("executor: client source is required")
	}
	maxTurns := opts.MaxTurns
	if maxTurns <= 0 {
		maxTurns = defaultMaxTurns
	}
	a := &Agent{
		clients:   opts.Clients,
		tools:     opts.Tools,
		maxTurns:  maxTurns,
		retryBase: rateLimitBaseDelay,
	}
	a.runAgent = runMuxAgent
	return a, nil
}

// runMuxAgent runs one delegated agent loop to completion.
func runMuxAgent(ctx context.Context, cfg muxagent.Config, task string) error {
	return muxagent.New(cfg).Run(ctx, task)
}

// ExecuteStep runs one step attempt. The execution profile's effort maps to
// the output token budget and its degraded flag adjusts the system prompt;
// timeout and context trimming are the caller's concern.
func (a *Agent) ExecuteStep(ctx context.Context, req conductor.ExecRequest) (conductor.ExecResult, error) {
	step := req.Step

	client, model, err := a.clients.ClientFor(step.Provider, step.Model)
	if err != nil {
		return conductor.ExecResult{}, fmt.Errorf("step %s: %w", step.ID, err)
	}

	system := buildSystemPrompt(req)

	if step.Delegate {
		output, err := a.runDelegate(ctx, client, req, system)
		if err != nil {
			return conductor.ExecResult{}, err
		}
		return conductor.ExecResult{Output: output, Model: model}, nil
	}

	return a.complete(ctx, client, model, req, system)
}

// complete performs a single direct completion for a non-delegated step.
func (a *Agent) complete(ctx context.Context, client muxllm.Client, model string, req conductor.ExecRequest, system string) (conductor.ExecResult, error) {
	llmReq := &muxllm.Request{
		Model:  model,
		System: system,
		Messages: []muxllm.Message{
			{Role: muxllm.RoleUser, Content: req.Input},
		},
		MaxTokens: effortMaxTokens(req.Profile.Effort),
	}

	var resp *muxllm.Response
	err := a.retryOnRateLimit(ctx, func() error {
		var callErr error
		resp, callErr = client.CreateMessage(ctx, llmReq)
		return callErr
	})
	if err != nil {
		return conductor.ExecResult{}, fmt.Errorf("step %s attempt %d: %w", req.Step.ID, req.Attempt, err)
	}

	served := resp.Model
	if served == "" {
		served = model
	}

	if resp.StopReason == muxllm.StopReasonMaxTokens {
		log.Printf("component=executor action=output_truncated run_id=%s step=%s model=%s max_tokens=%d",
			req.RunID, req.Step.ID, served, llmReq.MaxTokens)
	}

	output := textContent(resp)
	if strings.TrimSpace(output) == "" {
		return conductor.ExecResult{}, fmt.Errorf("step %s: model %s returned no text output", req.Step.ID, served)
	}

	log.Printf("component=executor action=completed run_id=%s step=%s attempt=%d model=%s input_tokens=%d output_tokens=%d",
		req.RunID, req.Step.ID, req.Attempt, served, resp.Usage.InputTokens, resp.Usage.OutputTokens)

	return conductor.ExecResult{Output: output, Model: served}, nil
}

// runDelegate runs a delegated step as a mux agent loop. The step output is
// whatever the agent publishes plus its recorded notes.
func (a *Agent) runDelegate(ctx context.Context, client muxllm.Client, req conductor.ExecRequest, system string) (string, error) {
	step := req.Step

	var defs []ToolDef
	if a.tools != nil && len(step.ToolServers) > 0 {
		var err error
		defs, err = a.tools.Tools(ctx, step.ToolServers)
		if err != nil {
			return "", fmt.Errorf("step %s: listing tools: %w", step.ID, err)
		}
	}

	toolNames := make([]string, 0, len(defs))
	for _, def := range defs {
		toolNames = append(toolNames, qualifiedName(def.Server, def.Name))
	}

	rec := &noteRecorder{}
	registry := buildDelegateRegistry(rec, defs, a.tools)

	cfg := muxagent.Config{
		Name:          step.DisplayName(),
		Registry:      registry,
		LLMClient:     client,
		SystemPrompt:  system + delegateToolGuide(toolNames),
		MaxIterations: a.maxTurns,
	}

	if err := a.runAgent(ctx, cfg, req.Input); err != nil {
		return "", fmt.Errorf("step %s: delegate agent: %w", step.ID, err)
	}

	if !rec.hasResult() {
		log.Printf("component=executor action=delegate_unpublished run_id=%s step=%s", req.RunID, step.ID)
	}

	log.Printf("component=executor action=delegate_completed run_id=%s step=%s attempt=%d tools=%d",
		req.RunID, step.ID, req.Attempt, len(defs))

	return rec.output(), nil
}

// retryOnRateLimit retries fn when it fails with a rate limit error, backing
// off exponentially. Other errors return immediately. A done context aborts
// the backoff sleep; the engine classifies the context error afterward.
func (a *Agent) retryOnRateLimit(ctx context.Context, fn func() error) error {
	delay := a.retryBase
	var lastErr error
	for attempt := 0; ; attempt++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if !isRateLimitError(lastErr) || attempt >= rateLimitMaxRetries {
			return lastErr
		}

		log.Printf("component=executor action=rate_limit_retry attempt=%d delay=%s err=%v", attempt+1, delay, lastErr)

		select {
		case <-ctx.Done():
			return lastErr
		case <-time.After(delay):
		}

		delay *= 3
		if delay > rateLimitMaxDelay {
			delay = rateLimitMaxDelay
		}
	}
}

// isRateLimitError detects 429 rate limit errors from the provider SDKs,
// which surface the status code in their error messages.
func isRateLimitError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "429") || strings.Contains(msg, "rate limit") || strings.Contains(msg, "rate_limit")
}

// effortMaxTokens maps a step's effort level to an output token budget.
func effortMaxTokens(effort string) int {
	switch strings.ToLower(effort) {
	case "high":
		return 16384
	case "low":
		return 4096
	default:
		return 8192
	}
}

// textContent concatenates the text blocks of a response.
func textContent(resp *muxllm.Response) string {
	var b strings.Builder
	for _, block := range resp.Content {
		if block.Type == muxllm.ContentTypeText {
			b.WriteString(block.Text)
		}
	}
	return b.String()
}

// Compile-time interface assertion.
var _ conductor.StepExecutor = (*Agent)(nil)
