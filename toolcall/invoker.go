// ABOUTME: Invoker surfaces configured MCP tool servers to delegated agent steps.
// ABOUTME: Sessions are dialed lazily on first use and cached until Close.
package toolcall

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os/exec"
	"sync"

	"github.com/2389-research/drover/conductor"
	"github.com/2389-research/drover/executor"
	"github.com/2389-research/drover/pipeline"
)

// toolSession is one live connection to a tool server. The MCP stdio
// implementation lives in mcp.go; tests substitute fakes through the
// Invoker's dial seam.
type toolSession interface {
	ListTools(ctx context.Context) ([]executor.ToolDef, error)
	CallTool(ctx context.Context, tool string, args map[string]any) (string, error)
	Close() error
}

// Invoker implements the executor's tool capability over MCP stdio servers.
// Each configured server is started at most once; its session is reused for
// every listing and call until Close shuts the invoker down.
type Invoker struct {
	cfg *Config

	mu       sync.Mutex
	sessions map[string]toolSession
	closed   bool

	dial func(ctx context.Context, cfg ServerConfig) (toolSession, error)
}

// NewInvoker builds an invoker over the given server configuration. A nil
// config is treated as having no servers.
func NewInvoker(cfg *Config) *Invoker {
	if cfg == nil {
		cfg = &Config{}
	}
	return &Invoker{
		cfg:      cfg,
		sessions: make(map[string]toolSession),
		dial:     dialServer,
	}
}

// session returns the cached session for a server, dialing it on first use.
func (inv *Invoker) session(ctx context.Context, id string) (toolSession, error) {
	inv.mu.Lock()
	defer inv.mu.Unlock()

	if inv.closed {
		return nil, fmt.Errorf("tool invoker is closed")
	}
	if s, ok := inv.sessions[id]; ok {
		return s, nil
	}

	cfg, ok := inv.cfg.Server(id)
	if !ok {
		return nil, fmt.Errorf("tool server %q is not configured", id)
	}
	if !cfg.IsEnabled() {
		return nil, fmt.Errorf("tool server %q is disabled", id)
	}

	s, err := inv.dial(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("tool server %s: %w", id, err)
	}
	log.Printf("component=toolcall action=session_opened server=%s command=%s", id, cfg.Command)
	inv.sessions[id] = s
	return s, nil
}

// Tools lists every tool offered by the named servers, in server order.
// Repeated server ids are listed once.
func (inv *Invoker) Tools(ctx context.Context, servers []string) ([]executor.ToolDef, error) {
	seen := make(map[string]bool, len(servers))
	var defs []executor.ToolDef
	for _, id := range servers {
		if seen[id] {
			continue
		}
		seen[id] = true

		s, err := inv.session(ctx, id)
		if err != nil {
			return nil, err
		}
		list, err := s.ListTools(ctx)
		if err != nil {
			return nil, err
		}
		defs = append(defs, list...)
	}
	return defs, nil
}

// Call invokes a named tool on a server and returns its text output.
func (inv *Invoker) Call(ctx context.Context, server, name string, args map[string]any) (string, error) {
	s, err := inv.session(ctx, server)
	if err != nil {
		return "", err
	}
	return s.CallTool(ctx, name, args)
}

// Close shuts down every open session. The invoker refuses new sessions
// afterward so shutdown does not leave stray subprocesses behind.
func (inv *Invoker) Close() error {
	inv.mu.Lock()
	defer inv.mu.Unlock()

	if inv.closed {
		return nil
	}
	inv.closed = true

	var errs []error
	for id, s := range inv.sessions {
		if err := s.Close(); err != nil {
			errs = append(errs, fmt.Errorf("tool server %s: %w", id, err))
		}
	}
	inv.sessions = make(map[string]toolSession)
	return errors.Join(errs...)
}

// ServerPlanner contributes one preflight check per tool server the
// pipeline's steps reference. A check fails when the server is unknown or
// disabled; a missing binary is logged but does not block admission, since
// PATH may differ between the admitting process and the moment of use.
func ServerPlanner(cfg *Config) conductor.PreflightPlanner {
	return conductor.PreflightPlannerFunc(func(ctx context.Context, p *pipeline.Pipeline) []conductor.PreflightCheck {
		var checks []conductor.PreflightCheck
		for _, id := range p.ToolServerIDs() {
			checks = append(checks, conductor.PreflightCheck{
				Name: "tool-server-" + id,
				Check: func(ctx context.Context) error {
					s, ok := cfg.Server(id)
					if !ok {
						return fmt.Errorf("tool server %q is not configured", id)
					}
					if !s.IsEnabled() {
						return fmt.Errorf("tool server %q is disabled", id)
					}
					if _, err := exec.LookPath(s.Command); err != nil {
						log.Printf("component=toolcall action=binary_missing server=%s command=%s", id, s.Command)
					}
					return nil
				},
			})
		}
		return checks
	})
}

// Compile-time interface assertion.
var _ executor.ToolInvoker = (*Invoker)(nil)
