package sshterminal

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mahoushoujyo-eee/eshell/internal/apperr"
	"github.com/mahoushoujyo-eee/eshell/internal/logutil"
	"github.com/mahoushoujyo-eee/eshell/internal/session"
	"github.com/mahoushoujyo-eee/eshell/internal/sshaudit"
	"github.com/mahoushoujyo-eee/eshell/internal/sshconn"
	"github.com/mahoushoujyo-eee/eshell/internal/sshexec"
)

// ManagerConfig holds the viewport and poll loop settings for new sessions.
type ManagerConfig struct {
	Cols   int
	Rows   int
	Worker WorkerOptions
}

// SessionManager opens and closes interactive sessions. Session state lives
// in the registry; the manager only tracks the workers it started.
type SessionManager struct {
	registry *session.Registry
	targets  sshconn.TargetSource
	dialer   sshconn.Dialer
	sink     OutputSink
	auditor  *sshaudit.Auditor
	cfg      ManagerConfig

	mu      sync.Mutex
	workers map[string]*Worker
}

func NewSessionManager(registry *session.Registry, targets sshconn.TargetSource, dialer sshconn.Dialer,
	sink OutputSink, auditor *sshaudit.Auditor, cfg ManagerConfig) *SessionManager {
	if cfg.Cols <= 0 {
		cfg.Cols = DefaultCols
	}
	if cfg.Rows <= 0 {
		cfg.Rows = DefaultRows
	}
	return &SessionManager{
		registry: registry,
		targets:  targets,
		dialer:   dialer,
		sink:     sink,
		auditor:  auditor,
		cfg:      cfg,
		workers:  make(map[string]*Worker),
	}
}

// Open connects to the target, records the shell's initial directory,
// registers the session and starts its worker on the same connection.
func (sm *SessionManager) Open(ctx context.Context, targetID string) (session.Session, error) {
	target, err := sm.targets.Target(targetID)
	if err != nil {
		return session.Session{}, err
	}

	client, err := sm.dialer.Connect(ctx, target)
	if err != nil {
		sm.auditor.Log(sshaudit.Entry{
			TargetID:   target.ID,
			TargetName: target.Name,
			EventType:  sshaudit.EventConnectionFailed,
			Username:   target.Username,
			Details:    err.Error(),
		})
		return session.Session{}, err
	}

	stdout, _, exitCode, err := sshexec.Run(client, "pwd")
	if err != nil {
		client.Close()
		return session.Session{}, apperr.Runtime(err, "failed to initialize shell cwd for %s", target.Name)
	}
	if exitCode != 0 {
		client.Close()
		return session.Session{}, apperr.Runtime(nil, "failed to initialize shell cwd for %s", target.Name)
	}

	now := time.Now()
	s := session.Session{
		ID:         uuid.New().String(),
		TargetID:   target.ID,
		TargetName: target.Name,
		CurrentDir: sshexec.NormalizePath(strings.TrimSpace(stdout)),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	sm.registry.Put(s)

	pty, err := CreateInteractiveSession(client, sm.cfg.Cols, sm.cfg.Rows)
	if err != nil {
		sm.registry.Remove(s.ID)
		client.Close()
		return session.Session{}, apperr.Runtime(err, "open interactive shell on %s", target.Name)
	}

	inbox := session.NewInbox()
	if err := sm.registry.Attach(s.ID, inbox); err != nil {
		pty.Close()
		client.Close()
		return session.Session{}, err
	}

	w := NewWorker(s.ID, pty, client, inbox, sm.registry, sm.sink, sm.cfg.Worker)
	opened := now
	w.OnExit(func(id string, exitErr error) {
		sm.mu.Lock()
		delete(sm.workers, id)
		sm.mu.Unlock()
		details := "closed"
		if exitErr != nil {
			details = exitErr.Error()
		}
		sm.auditor.Log(sshaudit.Entry{
			SessionID:  id,
			TargetID:   target.ID,
			TargetName: target.Name,
			EventType:  sshaudit.EventTerminalSessionEnd,
			Username:   target.Username,
			Details:    details,
			DurationMs: time.Since(opened).Milliseconds(),
		})
	})

	sm.mu.Lock()
	sm.workers[s.ID] = w
	sm.mu.Unlock()
	w.Start()

	sm.auditor.Log(sshaudit.Entry{
		SessionID:  s.ID,
		TargetID:   target.ID,
		TargetName: target.Name,
		EventType:  sshaudit.EventTerminalSessionStart,
		Username:   target.Username,
		Details:    fmt.Sprintf("cwd=%s", s.CurrentDir),
	})
	log.Printf("[session-mgr] opened session %s on %s (cwd %s)",
		s.ID, logutil.SanitizeForLog(target.Label()), logutil.SanitizeForLog(s.CurrentDir))

	return sm.registry.Get(s.ID)
}

// Close evicts the session and asks its worker to stop. It does not wait for
// teardown, and closing an unknown session succeeds.
func (sm *SessionManager) Close(sessionID string) error {
	if sm.registry.Remove(sessionID) {
		log.Printf("[session-mgr] close requested for session %s", sessionID)
	}
	return nil
}

// WriteInput queues raw input for the session's shell. Empty input is a
// no-op for live sessions.
func (sm *SessionManager) WriteInput(sessionID string, data []byte) error {
	if _, err := sm.registry.Get(sessionID); err != nil {
		return err
	}
	if len(data) == 0 {
		return nil
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	return sm.registry.Send(sessionID, session.Input(buf))
}

// Resize queues a best-effort PTY resize. Dimensions are clamped by the worker.
func (sm *SessionManager) Resize(sessionID string, cols, rows int) error {
	return sm.registry.Send(sessionID, session.Resize(cols, rows))
}

func (sm *SessionManager) List() []session.Session {
	return sm.registry.List()
}

// Get returns a snapshot of one session.
func (sm *SessionManager) Get(sessionID string) (session.Session, error) {
	return sm.registry.Get(sessionID)
}

// Shutdown closes every session and waits for the workers to finish or for
// ctx to expire.
func (sm *SessionManager) Shutdown(ctx context.Context) {
	sm.mu.Lock()
	workers := make([]*Worker, 0, len(sm.workers))
	for id, w := range sm.workers {
		sm.registry.Remove(id)
		workers = append(workers, w)
	}
	sm.mu.Unlock()

	for _, w := range workers {
		select {
		case <-w.Done():
		case <-ctx.Done():
			log.Printf("[session-mgr] shutdown: %d workers still running", len(workers))
			return
		}
	}
	log.Printf("[session-mgr] all sessions closed")
}
