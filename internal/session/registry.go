package session

import (
	"sort"
	"sync"
	"time"

	"github.com/mahoushoujyo-eee/eshell/internal/apperr"
)

type entry struct {
	session Session
	inbox   *Inbox
}

// Registry is a concurrency-safe map of open sessions and their worker
// inboxes. Lookups take the read lock, mutations the write lock; callers
// must not perform network I/O inside a Mutate callback.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*entry
	maxChars int

	hooksMu  sync.RWMutex
	onRemove []func(id string)

	now func() time.Time
}

// NewRegistry returns an empty registry whose output buffers keep at most
// maxChars characters. A non-positive maxChars selects DefaultMaxOutputChars.
func NewRegistry(maxChars int) *Registry {
	if maxChars <= 0 {
		maxChars = DefaultMaxOutputChars
	}
	return &Registry{
		sessions: make(map[string]*entry),
		maxChars: maxChars,
		now:      time.Now,
	}
}

// OnRemove registers fn to run after a session is removed, for example to
// evict cached state keyed by session id.
func (r *Registry) OnRemove(fn func(id string)) {
	r.hooksMu.Lock()
	r.onRemove = append(r.onRemove, fn)
	r.hooksMu.Unlock()
}

// Put stores s, replacing any session with the same id.
func (r *Registry) Put(s Session) {
	s.Output = TrimToLastChars(s.Output, r.maxChars)
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.sessions[s.ID]; ok {
		e.session = s
		return
	}
	r.sessions[s.ID] = &entry{session: s}
}

func (r *Registry) Get(id string) (Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.sessions[id]
	if !ok {
		return Session{}, notFound(id)
	}
	return e.session, nil
}

// Mutate applies fn to the stored session exactly once under the write lock
// and returns the result. UpdatedAt is bumped and Output re-trimmed.
func (r *Registry) Mutate(id string, fn func(*Session)) (Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.sessions[id]
	if !ok {
		return Session{}, notFound(id)
	}
	s := e.session
	fn(&s)
	s.ID = id
	s.Output = TrimToLastChars(s.Output, r.maxChars)
	s.UpdatedAt = r.now()
	e.session = s
	return s, nil
}

// AppendOutput appends chunk to the session's rolling output buffer.
func (r *Registry) AppendOutput(id, chunk string) (Session, error) {
	return r.Mutate(id, func(s *Session) {
		s.Output += chunk
	})
}

// Remove deletes the session, tells its worker to close and runs the
// OnRemove hooks. It reports whether the session existed; removing an
// absent id is not an error.
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	e, ok := r.sessions[id]
	delete(r.sessions, id)
	r.mu.Unlock()
	if !ok {
		return false
	}

	if e.inbox != nil {
		e.inbox.Push(Close())
	}

	r.hooksMu.RLock()
	hooks := append([]func(string){}, r.onRemove...)
	r.hooksMu.RUnlock()
	for _, fn := range hooks {
		fn(id)
	}
	return true
}

// List returns every session, oldest first.
func (r *Registry) List() []Session {
	r.mu.RLock()
	out := make([]Session, 0, len(r.sessions))
	for _, e := range r.sessions {
		out = append(out, e.session)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Attach binds a worker inbox to the session.
func (r *Registry) Attach(id string, inbox *Inbox) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.sessions[id]
	if !ok {
		return notFound(id)
	}
	e.inbox = inbox
	return nil
}

// Send queues cmd for the session's worker. It fails with NotFound when the
// session is gone or has no live worker.
func (r *Registry) Send(id string, cmd Command) error {
	r.mu.RLock()
	e, ok := r.sessions[id]
	var inbox *Inbox
	if ok {
		inbox = e.inbox
	}
	r.mu.RUnlock()

	if inbox == nil || !inbox.Push(cmd) {
		return apperr.NotFound("no interactive worker for session %s", id)
	}
	return nil
}

func notFound(id string) error {
	return apperr.NotFound("session %s not found", id)
}
