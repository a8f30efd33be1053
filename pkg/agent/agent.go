// Package agent is the generative collaborator behind the bridge: a thin
// provider layer (Anthropic or any OpenAI-compatible endpoint) plus a bounded
// per-thread transcript so consecutive turns in the same conversation share
// context.
package agent

import (
	"context"
	"strings"

	"github.com/waclaw/waclaw/pkg/config"
	"github.com/waclaw/waclaw/pkg/logger"
	"github.com/waclaw/waclaw/pkg/utils"
)

// DefaultResourceID tags every thread produced by this application.
const DefaultResourceID = "coworker"

// Request is one generation call. Ctx cancellation is the abort signal; a
// cancelled call returns ctx's error.
type Request struct {
	ThreadID    string
	ThreadTitle string
	ThreadMeta  map[string]string
	ResourceID  string
	Content     string
}

// Agent produces a reply for a thread-scoped message.
type Agent interface {
	Generate(ctx context.Context, req Request) (string, error)
}

// Message is a single transcript turn handed to a provider.
type Message struct {
	Role    string // "user" | "assistant"
	Content string
}

// Provider is a model backend. It receives the full transcript including the
// new user turn.
type Provider interface {
	Complete(ctx context.Context, system string, messages []Message) (string, error)
}

// Runtime implements Agent over a Provider with per-thread history.
type Runtime struct {
	provider Provider
	system   string
	history  *historyStore
}

// New builds a Runtime from config. Unknown providers fall back to the
// OpenAI-compatible client so self-hosted endpoints keep working.
func New(cfg config.AgentConfig) *Runtime {
	var p Provider
	switch cfg.Provider {
	case "anthropic", "":
		p = newAnthropicProvider(cfg)
	default:
		p = newOpenAIProvider(cfg)
	}
	return &Runtime{
		provider: p,
		system:   cfg.SystemPrompt,
		history:  newHistoryStore(defaultHistoryTurns),
	}
}

// NewWithProvider is the test seam.
func NewWithProvider(p Provider, system string) *Runtime {
	return &Runtime{provider: p, system: system, history: newHistoryStore(defaultHistoryTurns)}
}

func (r *Runtime) Generate(ctx context.Context, req Request) (string, error) {
	messages := r.history.snapshot(req.ThreadID)
	messages = append(messages, Message{Role: "user", Content: req.Content})

	logger.DebugCF("agent", "Generating reply", map[string]any{
		"thread":  req.ThreadID,
		"turns":   len(messages),
		"content": utils.Truncate(req.Content, 80),
	})

	reply, err := r.provider.Complete(ctx, r.system, messages)
	if err != nil {
		return "", err
	}

	reply = strings.TrimSpace(reply)
	r.history.append(req.ThreadID,
		Message{Role: "user", Content: req.Content},
		Message{Role: "assistant", Content: reply},
	)
	return reply, nil
}
