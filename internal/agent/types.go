// Package agent implements the operations agent: durable conversations with
// pending shell actions (Store), and the chat-turn runner that plans,
// executes read-only commands and queues mutating ones for approval
// (Orchestrator).
package agent

import (
	"strings"
	"time"
)

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ToolKind is the tool a planner decision asks for.
type ToolKind string

const (
	ToolNone       ToolKind = "none"
	ToolReadShell  ToolKind = "read_shell"
	ToolWriteShell ToolKind = "write_shell"
)

type ActionStatus string

const (
	ActionPending  ActionStatus = "pending"
	ActionRejected ActionStatus = "rejected"
	ActionExecuted ActionStatus = "executed"
	ActionFailed   ActionStatus = "failed"
)

// Stage tags a stream event.
type Stage string

const (
	StageStarted          Stage = "started"
	StageDelta            Stage = "delta"
	StageToolRead         Stage = "tool_read"
	StageRequiresApproval Stage = "requires_approval"
	StageCompleted        Stage = "completed"
	StageError            Stage = "error"
)

// Message is immutable once appended to a conversation.
type Message struct {
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
	ToolKind  ToolKind  `json:"toolKind,omitempty"`
}

type Conversation struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	SessionID string    `json:"sessionId,omitempty"`
	Messages  []Message `json:"messages"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// ConversationSummary is the index entry for a conversation.
type ConversationSummary struct {
	ID                 string    `json:"id"`
	Title              string    `json:"title"`
	SessionID          string    `json:"sessionId,omitempty"`
	MessageCount       int       `json:"messageCount"`
	LastMessagePreview string    `json:"lastMessagePreview,omitempty"`
	CreatedAt          time.Time `json:"createdAt"`
	UpdatedAt          time.Time `json:"updatedAt"`
}

// PendingAction is a mutating command held for approval. Only the
// transition out of ActionPending is allowed, and it is final.
type PendingAction struct {
	ID                string       `json:"id"`
	ConversationID    string       `json:"conversationId"`
	SessionID         string       `json:"sessionId,omitempty"`
	Command           string       `json:"command"`
	Reason            string       `json:"reason"`
	Status            ActionStatus `json:"status"`
	CreatedAt         time.Time    `json:"createdAt"`
	UpdatedAt         time.Time    `json:"updatedAt"`
	ResolvedAt        *time.Time   `json:"resolvedAt,omitempty"`
	ExecutionOutput   string       `json:"executionOutput,omitempty"`
	ExecutionExitCode *int         `json:"executionExitCode,omitempty"`
}

// StreamEvent is published for every step of a chat run.
type StreamEvent struct {
	RunID          string         `json:"runId"`
	ConversationID string         `json:"conversationId"`
	Stage          Stage          `json:"stage"`
	Chunk          string         `json:"chunk,omitempty"`
	FullAnswer     string         `json:"fullAnswer,omitempty"`
	PendingAction  *PendingAction `json:"pendingAction,omitempty"`
	Error          string         `json:"error,omitempty"`
	CreatedAt      time.Time      `json:"createdAt"`
}

type ChatInput struct {
	ConversationID string `json:"conversationId,omitempty"`
	SessionID      string `json:"sessionId,omitempty"`
	Question       string `json:"question"`
}

type ChatAccepted struct {
	RunID          string    `json:"runId"`
	ConversationID string    `json:"conversationId"`
	StartedAt      time.Time `json:"startedAt"`
}

type ResolveResult struct {
	Action PendingAction `json:"action"`
	Note   string        `json:"note"`
}

func summarize(c *Conversation) ConversationSummary {
	s := ConversationSummary{
		ID:           c.ID,
		Title:        c.Title,
		SessionID:    c.SessionID,
		MessageCount: len(c.Messages),
		CreatedAt:    c.CreatedAt,
		UpdatedAt:    c.UpdatedAt,
	}
	if n := len(c.Messages); n > 0 {
		preview := strings.ReplaceAll(strings.TrimSpace(c.Messages[n-1].Content), "\n", " ")
		s.LastMessagePreview = truncateChars(preview, previewMaxChars)
	}
	return s
}
