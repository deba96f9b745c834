package agent

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rivo/uniseg"

	"github.com/mahoushoujyo-eee/eshell/internal/apperr"
	"github.com/mahoushoujyo-eee/eshell/internal/events"
	"github.com/mahoushoujyo-eee/eshell/internal/logutil"
	"github.com/mahoushoujyo-eee/eshell/internal/sshaudit"
	"github.com/mahoushoujyo-eee/eshell/internal/sshexec"
)

const (
	deltaChunkChars = 36
	defaultReason   = "requested by agent"

	replyNoTool          = "Got it, I'll help with this operations question."
	replyNoSession       = "No SSH session is available, so read_shell cannot run."
	replyReadDone        = "The command was executed and its result returned."
	replyAwaitingConfirm = "I generated a write_shell action. It is awaiting your confirmation before it runs."
)

// PlanRequest is what the planner sees for one turn. History excludes the
// question being asked.
type PlanRequest struct {
	SessionID string
	History   []Message
	Question  string
}

// SummaryRequest carries a tool execution back to the model.
type SummaryRequest struct {
	History  []Message
	Kind     ToolKind
	Command  string
	ExitCode int
	Output   string
}

// Planner is the language model behind the agent. Plan returns the raw
// model reply, decoded with ParsePlan.
type Planner interface {
	Plan(ctx context.Context, req PlanRequest) (string, error)
	Summarize(ctx context.Context, req SummaryRequest) (string, error)
}

// Executor runs one command in a session.
type Executor interface {
	Execute(ctx context.Context, sessionID, command string) (sshexec.Result, error)
}

// EventSink receives stream events. events.Hub satisfies it.
type EventSink interface {
	Publish(typ string, payload interface{})
}

// Orchestrator runs chat turns and resolves pending actions. Read-only
// commands run immediately; mutating commands wait for ResolveAction.
type Orchestrator struct {
	store    *Store
	planner  Planner
	executor Executor
	sink     EventSink
	auditor  *sshaudit.Auditor

	resolving sync.Map // action id -> struct{}
	runs      sync.WaitGroup
	now       func() time.Time
}

func NewOrchestrator(store *Store, planner Planner, executor Executor, sink EventSink, auditor *sshaudit.Auditor) *Orchestrator {
	return &Orchestrator{
		store:    store,
		planner:  planner,
		executor: executor,
		sink:     sink,
		auditor:  auditor,
		now:      time.Now,
	}
}

func (o *Orchestrator) Store() *Store { return o.store }

// Wait blocks until every started run has finished.
func (o *Orchestrator) Wait() { o.runs.Wait() }

// StartChat records the question and starts the turn in the background.
// Progress is reported through the event sink under the returned run id.
func (o *Orchestrator) StartChat(ctx context.Context, in ChatInput) (ChatAccepted, error) {
	question := strings.TrimSpace(in.Question)
	if question == "" {
		return ChatAccepted{}, apperr.Validation("question cannot be empty")
	}

	conv, err := o.store.EnsureConversation(strings.TrimSpace(in.ConversationID), in.SessionID)
	if err != nil {
		return ChatAccepted{}, err
	}
	history := conv.Messages
	if _, err := o.store.AppendMessage(conv.ID, RoleUser, question, ""); err != nil {
		return ChatAccepted{}, err
	}

	sessionID := strings.TrimSpace(in.SessionID)
	if sessionID == "" {
		sessionID = conv.SessionID
	}

	accepted := ChatAccepted{
		RunID:          uuid.New().String(),
		ConversationID: conv.ID,
		StartedAt:      o.now(),
	}
	log.Printf("[agent] run %s started for conversation %s", accepted.RunID, conv.ID)

	// The run outlives the request that started it.
	runCtx := context.WithoutCancel(ctx)
	o.runs.Add(1)
	go func() {
		defer o.runs.Done()
		r := &run{o: o, id: accepted.RunID, conversationID: conv.ID, sessionID: sessionID}
		if err := r.execute(runCtx, history, question); err != nil {
			log.Printf("[agent] run %s failed: %v", r.id, err)
			r.emit(StreamEvent{Stage: StageError, Error: err.Error()})
		}
	}()
	return accepted, nil
}

// run is the state of one chat turn.
type run struct {
	o              *Orchestrator
	id             string
	conversationID string
	sessionID      string
}

func (r *run) emit(ev StreamEvent) {
	ev.RunID = r.id
	ev.ConversationID = r.conversationID
	ev.CreatedAt = r.o.now()
	if r.o.sink != nil {
		r.o.sink.Publish(events.TypeAgentStream, ev)
	}
}

func (r *run) execute(ctx context.Context, history []Message, question string) error {
	r.emit(StreamEvent{Stage: StageStarted})

	raw, err := r.o.planner.Plan(ctx, PlanRequest{SessionID: r.sessionID, History: history, Question: question})
	if err != nil {
		return err
	}
	d := ParsePlan(raw)
	if d.Kind == ToolReadShell && IsMutating(d.Command) {
		log.Printf("[agent] run %s: escalating %q to write_shell", r.id, logutil.Command(d.Command, 80))
		d.Kind = ToolWriteShell
	}

	var pending *PendingAction
	var answer string
	switch {
	case d.Requested != ToolNone && d.Command == "":
		answer = fmt.Sprintf("I did not get a usable %s command. Please add details and retry.", d.Requested)
	case d.Kind == ToolNone:
		answer = normalizedReply(d.Reply, replyNoTool)
	case d.Kind == ToolReadShell:
		answer, err = r.readShell(ctx, d)
		if err != nil {
			return err
		}
	case d.Kind == ToolWriteShell:
		reason := d.Reason
		if reason == "" {
			reason = defaultReason
		}
		action, err := r.o.store.CreatePendingAction(r.conversationID, r.sessionID, d.Command, reason)
		if err != nil {
			return err
		}
		pending = &action
		r.emit(StreamEvent{Stage: StageRequiresApproval, PendingAction: &action})
		answer = normalizedReply(d.Reply, replyAwaitingConfirm)
	}

	if _, err := r.o.store.AppendMessage(r.conversationID, RoleAssistant, answer, ""); err != nil {
		return err
	}
	for _, chunk := range chunkText(answer, deltaChunkChars) {
		r.emit(StreamEvent{Stage: StageDelta, Chunk: chunk})
	}
	r.emit(StreamEvent{Stage: StageCompleted, FullAnswer: answer, PendingAction: pending})
	log.Printf("[agent] run %s completed", r.id)
	return nil
}

// readShell runs a read-only command and returns the summarized answer.
// Connection and authentication failures end the run.
func (r *run) readShell(ctx context.Context, d Decision) (string, error) {
	if r.sessionID == "" {
		return normalizedReply(d.Reply, replyNoSession), nil
	}

	res, err := r.o.executor.Execute(ctx, r.sessionID, d.Command)
	if err != nil {
		switch apperr.KindOf(err) {
		case apperr.KindTransport, apperr.KindAuth:
			return "", err
		}
		return normalizedReply(d.Reply, "read_shell failed: "+err.Error()), nil
	}

	output := formatExecutionOutput(res.Stdout, res.Stderr, res.ExitCode)
	note := fmt.Sprintf("read_shell executed.\nCommand: %s\nExit: %d\n%s", d.Command, res.ExitCode, output)
	if _, err := r.o.store.AppendMessage(r.conversationID, RoleTool, note, ToolReadShell); err != nil {
		return "", err
	}
	r.emit(StreamEvent{Stage: StageToolRead, Chunk: "read_shell: " + d.Command})

	conv, err := r.o.store.GetConversation(r.conversationID)
	if err != nil {
		return "", err
	}
	summary, err := r.o.planner.Summarize(ctx, SummaryRequest{
		History:  conv.Messages,
		Kind:     ToolReadShell,
		Command:  d.Command,
		ExitCode: res.ExitCode,
		Output:   output,
	})
	if err != nil {
		log.Printf("[agent] run %s: summarize failed: %v", r.id, err)
		return normalizedReply(d.Reply, replyReadDone), nil
	}
	return normalizedReply(summary, replyReadDone), nil
}

// ResolveAction approves or rejects a pending action. Approval runs the
// command in the action's session. An action is resolved at most once,
// including under concurrent calls.
func (o *Orchestrator) ResolveAction(ctx context.Context, actionID string, approve bool) (ResolveResult, error) {
	if _, busy := o.resolving.LoadOrStore(actionID, struct{}{}); busy {
		return ResolveResult{}, apperr.Validation("action %s is already being resolved", actionID)
	}
	defer o.resolving.Delete(actionID)

	action, err := o.store.GetPendingAction(actionID)
	if err != nil {
		return ResolveResult{}, err
	}
	if action.Status != ActionPending {
		return ResolveResult{}, apperr.Validation("action is not pending and cannot be resolved again")
	}

	result, err := o.resolve(ctx, action, approve)
	if err != nil {
		return ResolveResult{}, err
	}
	if logErr := o.auditor.Log(sshaudit.Entry{
		SessionID: action.SessionID,
		EventType: sshaudit.EventActionResolved,
		Details:   fmt.Sprintf("action=%s status=%s command=%s", action.ID, result.Action.Status, logutil.Command(action.Command, 200)),
	}); logErr != nil {
		log.Printf("[agent] audit action %s: %v", action.ID, logErr)
	}
	log.Printf("[agent] action %s resolved: %s", action.ID, result.Action.Status)
	return result, nil
}

func (o *Orchestrator) resolve(ctx context.Context, action PendingAction, approve bool) (ResolveResult, error) {
	if !approve {
		updated, err := o.store.MarkRejected(action.ID)
		if err != nil {
			return ResolveResult{}, err
		}
		notice := fmt.Sprintf("Write-shell action rejected.\nCommand: %s\nReason: %s", updated.Command, updated.Reason)
		if _, err := o.store.AppendMessage(updated.ConversationID, RoleAssistant, notice, ToolWriteShell); err != nil {
			log.Printf("[agent] record rejection of %s: %v", action.ID, err)
		}
		return ResolveResult{Action: updated, Note: "Action rejected"}, nil
	}

	if action.SessionID == "" {
		updated, err := o.store.MarkFailed(action.ID, "missing session id for write_shell")
		if err != nil {
			return ResolveResult{}, err
		}
		return ResolveResult{Action: updated, Note: "Action failed: missing session id"}, nil
	}

	res, execErr := o.executor.Execute(ctx, action.SessionID, action.Command)
	if execErr != nil {
		updated, err := o.store.MarkFailed(action.ID, execErr.Error())
		if err != nil {
			return ResolveResult{}, err
		}
		return ResolveResult{Action: updated, Note: "Action approved but execution failed"}, nil
	}

	output := formatExecutionOutput(res.Stdout, res.Stderr, res.ExitCode)
	updated, err := o.store.MarkExecuted(action.ID, output, res.ExitCode)
	if err != nil {
		return ResolveResult{}, err
	}
	note := fmt.Sprintf("write_shell executed.\nCommand: %s\nExit: %d\n%s", updated.Command, res.ExitCode, output)
	if _, err := o.store.AppendMessage(updated.ConversationID, RoleTool, note, ToolWriteShell); err != nil {
		log.Printf("[agent] record execution of %s: %v", action.ID, err)
	}
	return ResolveResult{Action: updated, Note: "Action approved and executed"}, nil
}

func (o *Orchestrator) ListPendingActions(sessionID string, onlyPending bool) []PendingAction {
	return o.store.ListPendingActions(sessionID, onlyPending)
}

func normalizedReply(reply, fallback string) string {
	if strings.TrimSpace(reply) == "" {
		return fallback
	}
	return reply
}

func formatExecutionOutput(stdout, stderr string, exitCode int) string {
	var sections []string
	if strings.TrimSpace(stdout) != "" {
		sections = append(sections, "stdout:\n"+strings.TrimRight(stdout, " \t\r\n"))
	}
	if strings.TrimSpace(stderr) != "" {
		sections = append(sections, "stderr:\n"+strings.TrimRight(stderr, " \t\r\n"))
	}
	if len(sections) == 0 {
		sections = append(sections, "<empty output>")
	}
	sections = append(sections, fmt.Sprintf("exitCode: %d", exitCode))
	return strings.Join(sections, "\n\n")
}

// chunkText splits s into pieces of at most n grapheme clusters.
func chunkText(s string, n int) []string {
	if s == "" || n <= 0 {
		return nil
	}
	var out []string
	g := uniseg.NewGraphemes(s)
	start, count := 0, 0
	for g.Next() {
		count++
		if count == n {
			_, end := g.Positions()
			out = append(out, s[start:end])
			start, count = end, 0
		}
	}
	if start < len(s) {
		out = append(out, s[start:])
	}
	return out
}
