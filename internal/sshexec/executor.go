// Package sshexec runs one-shot commands against a session's target with the
// session's working directory applied, and tracks cd across calls.
package sshexec

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/mahoushoujyo-eee/eshell/internal/apperr"
	"github.com/mahoushoujyo-eee/eshell/internal/database"
	"github.com/mahoushoujyo-eee/eshell/internal/logutil"
	"github.com/mahoushoujyo-eee/eshell/internal/session"
	"github.com/mahoushoujyo-eee/eshell/internal/sshaudit"
	"github.com/mahoushoujyo-eee/eshell/internal/sshconn"
)

// Result describes one command execution. Exit code and timings are set
// even when the command exits non-zero.
type Result struct {
	SessionID  string    `json:"sessionId"`
	Command    string    `json:"command"`
	Stdout     string    `json:"stdout"`
	Stderr     string    `json:"stderr"`
	ExitCode   int       `json:"exitCode"`
	CurrentDir string    `json:"currentDir"`
	StartedAt  time.Time `json:"startedAt"`
	FinishedAt time.Time `json:"finishedAt"`
	DurationMs int64     `json:"durationMs"`
}

// ScriptSource resolves saved scripts.
type ScriptSource interface {
	Script(id string) (database.Script, error)
}

// ScriptResult is the outcome of RunScript.
type ScriptResult struct {
	ScriptID   string `json:"scriptId"`
	ScriptName string `json:"scriptName"`
	Execution  Result `json:"execution"`
}

// Executor opens a fresh connection per command.
type Executor struct {
	registry *session.Registry
	targets  sshconn.TargetSource
	dialer   sshconn.Dialer
	scripts  ScriptSource
	auditor  *sshaudit.Auditor
	now      func() time.Time
}

func NewExecutor(registry *session.Registry, targets sshconn.TargetSource, dialer sshconn.Dialer,
	scripts ScriptSource, auditor *sshaudit.Auditor) *Executor {
	return &Executor{
		registry: registry,
		targets:  targets,
		dialer:   dialer,
		scripts:  scripts,
		auditor:  auditor,
		now:      time.Now,
	}
}

// Execute runs command in the session's current directory. A cd updates the
// session's directory when the remote cd succeeds; any other command leaves
// it untouched. Only validation, lookup and transport problems are errors.
func (e *Executor) Execute(ctx context.Context, sessionID, command string) (Result, error) {
	command = strings.TrimSpace(command)
	if command == "" {
		return Result{}, apperr.Validation("command cannot be empty")
	}

	s, err := e.registry.Get(sessionID)
	if err != nil {
		return Result{}, err
	}
	target, err := e.targets.Target(s.TargetID)
	if err != nil {
		return Result{}, err
	}

	client, err := e.dialer.Connect(ctx, target)
	if err != nil {
		return Result{}, err
	}
	defer client.Close()

	started := e.now()
	cdTarget, isCd := ParseCdTarget(command)
	remote := fmt.Sprintf("cd %s && %s", ShellQuote(s.CurrentDir), command)
	if isCd {
		if cdTarget == "" {
			cdTarget = "~"
		}
		remote = fmt.Sprintf("cd %s && cd %s && pwd", ShellQuote(s.CurrentDir), cdTarget)
	}

	stdout, stderr, exitCode, err := Run(client, remote)
	if err != nil {
		return Result{}, apperr.Transport(err, "execute command on %s", target.Label())
	}
	finished := e.now()

	currentDir := s.CurrentDir
	if isCd {
		if exitCode == 0 {
			dir := NormalizePath(strings.TrimSpace(stdout))
			e.registry.Mutate(sessionID, func(s *session.Session) {
				s.CurrentDir = dir
				s.Output = strings.TrimSpace(stdout)
			})
		}
		if latest, err := e.registry.Get(sessionID); err == nil {
			currentDir = latest.CurrentDir
		}
	} else {
		e.registry.Mutate(sessionID, func(s *session.Session) {
			s.Output = CombineOutput(stdout, stderr)
		})
	}

	res := Result{
		SessionID:  sessionID,
		Command:    command,
		Stdout:     stdout,
		Stderr:     stderr,
		ExitCode:   exitCode,
		CurrentDir: currentDir,
		StartedAt:  started,
		FinishedAt: finished,
		DurationMs: finished.Sub(started).Milliseconds(),
	}

	e.auditor.Log(sshaudit.Entry{
		SessionID:  sessionID,
		TargetID:   target.ID,
		TargetName: target.Name,
		EventType:  sshaudit.EventCommandExecution,
		Username:   target.Username,
		Details:    fmt.Sprintf("exit=%d cmd=%s", exitCode, command),
		DurationMs: res.DurationMs,
	})
	log.Printf("[sshexec] session %s: %q exited %d in %dms",
		sessionID, logutil.Command(command, 80), exitCode, res.DurationMs)
	return res, nil
}

// RunScript executes a saved script through Execute. A script without a
// command runs its path with bash.
func (e *Executor) RunScript(ctx context.Context, sessionID, scriptID string) (ScriptResult, error) {
	if e.scripts == nil {
		return ScriptResult{}, apperr.NotFound("script %s not found", scriptID)
	}
	script, err := e.scripts.Script(scriptID)
	if err != nil {
		return ScriptResult{}, err
	}

	command := strings.TrimSpace(script.Command)
	if command == "" {
		if strings.TrimSpace(script.Path) == "" {
			return ScriptResult{}, apperr.Validation("script %s has neither a command nor a path", script.Name)
		}
		command = "bash " + ShellQuote(script.Path)
	}

	res, err := e.Execute(ctx, sessionID, command)
	if err != nil {
		return ScriptResult{}, err
	}
	return ScriptResult{ScriptID: script.ID, ScriptName: script.Name, Execution: res}, nil
}
