package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/mahoushoujyo-eee/eshell/internal/agent"
)

const plannerInstructions = `You are an operations agent planner. Decide whether a tool call is needed.
Return STRICT JSON only without markdown:
{"reply":"...","tool":{"kind":"none|read_shell|write_shell","command":"...","reason":"..."}}
Rules:
1) read_shell: use only for safe read-only diagnostics like ls/cat/grep/df/free/ps/top/uptime.
2) write_shell: use for any command that mutates system state.
3) If no command needed, set kind to "none" and command empty.
4) reply must be concise and user-facing.`

const summaryInstructions = `Given shell tool execution result, provide a concise operations answer in markdown.
Include: what happened, key evidence, and safe next step command when useful.`

// ConfigSource returns the provider settings in effect for the next call.
type ConfigSource func() (Config, error)

// Planner implements agent.Planner on top of a chat completion Client.
type Planner struct {
	client *Client
	config ConfigSource
}

func NewPlanner(client *Client, config ConfigSource) *Planner {
	return &Planner{client: client, config: config}
}

var _ agent.Planner = (*Planner)(nil)

func (p *Planner) Plan(ctx context.Context, req agent.PlanRequest) (string, error) {
	cfg, err := p.config()
	if err != nil {
		return "", err
	}
	session := strings.TrimSpace(req.SessionID)
	if session == "" {
		session = "unavailable"
	}
	system := fmt.Sprintf("%s\n\n%s\nCurrent SSH session id: %s", basePrompt(cfg), plannerInstructions, session)

	messages := append([]ChatMessage{{Role: "system", Content: system}}, convertHistory(req.History)...)
	messages = append(messages, ChatMessage{Role: "user", Content: req.Question})
	return p.client.Complete(ctx, cfg, messages)
}

func (p *Planner) Summarize(ctx context.Context, req agent.SummaryRequest) (string, error) {
	cfg, err := p.config()
	if err != nil {
		return "", err
	}
	system := basePrompt(cfg) + "\n\n" + summaryInstructions
	result := fmt.Sprintf("Tool execution result\nkind: %s\ncommand: %s\nexitCode: %d\noutput:\n%s",
		req.Kind, req.Command, req.ExitCode, req.Output)

	messages := append([]ChatMessage{{Role: "system", Content: system}}, convertHistory(req.History)...)
	messages = append(messages, ChatMessage{Role: "user", Content: result})
	return p.client.Complete(ctx, cfg, messages)
}

func basePrompt(cfg Config) string {
	if s := strings.TrimSpace(cfg.SystemPrompt); s != "" {
		return s
	}
	return DefaultSystemPrompt
}

// convertHistory maps agent messages onto chat roles. Tool results are
// replayed as user messages since the endpoint has no matching tool call.
func convertHistory(history []agent.Message) []ChatMessage {
	out := make([]ChatMessage, 0, len(history))
	for _, m := range history {
		switch m.Role {
		case agent.RoleTool:
			out = append(out, ChatMessage{Role: "user", Content: "[tool-result]\n" + m.Content})
		case agent.RoleSystem, agent.RoleUser, agent.RoleAssistant:
			out = append(out, ChatMessage{Role: string(m.Role), Content: m.Content})
		}
	}
	return out
}
