package session

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mahoushoujyo-eee/eshell/internal/apperr"
)

func newSession(id string) Session {
	now := time.Now()
	return Session{ID: id, TargetID: "t1", CurrentDir: "/root", CreatedAt: now, UpdatedAt: now}
}

func TestRegistry_GetUnknown(t *testing.T) {
	r := NewRegistry(0)
	if _, err := r.Get("nope"); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("expected NotFound, got %v", err)
	}
	if _, err := r.Mutate("nope", func(*Session) {}); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("expected NotFound from Mutate, got %v", err)
	}
}

func TestRegistry_MutateReturnsPostState(t *testing.T) {
	r := NewRegistry(0)
	r.Put(newSession("s1"))

	calls := 0
	got, err := r.Mutate("s1", func(s *Session) {
		calls++
		s.CurrentDir = "/var/log"
	})
	if err != nil {
		t.Fatalf("Mutate: %v", err)
	}
	if calls != 1 {
		t.Errorf("fn called %d times, want 1", calls)
	}
	if got.CurrentDir != "/var/log" {
		t.Errorf("returned CurrentDir = %q", got.CurrentDir)
	}
	stored, _ := r.Get("s1")
	if stored.CurrentDir != "/var/log" {
		t.Errorf("stored CurrentDir = %q", stored.CurrentDir)
	}
}

func TestRegistry_MutateCannotChangeID(t *testing.T) {
	r := NewRegistry(0)
	r.Put(newSession("s1"))
	got, _ := r.Mutate("s1", func(s *Session) { s.ID = "other" })
	if got.ID != "s1" {
		t.Errorf("ID changed to %q", got.ID)
	}
}

func TestRegistry_ConcurrentAppend(t *testing.T) {
	r := NewRegistry(100000)
	r.Put(newSession("s1"))

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				if _, err := r.AppendOutput("s1", "x"); err != nil {
					t.Errorf("AppendOutput: %v", err)
				}
			}
		}()
	}
	wg.Wait()

	s, _ := r.Get("s1")
	if len(s.Output) != 1000 {
		t.Errorf("output length = %d, want 1000", len(s.Output))
	}
}

func TestRegistry_OutputIsTrimmed(t *testing.T) {
	r := NewRegistry(5)
	r.Put(newSession("s1"))
	r.AppendOutput("s1", "abc")
	s, _ := r.AppendOutput("s1", "defgh")
	if s.Output != "defgh" {
		t.Errorf("Output = %q, want %q", s.Output, "defgh")
	}
}

func TestRegistry_RemoveIsIdempotent(t *testing.T) {
	r := NewRegistry(0)
	r.Put(newSession("s1"))

	var evicted []string
	r.OnRemove(func(id string) { evicted = append(evicted, id) })

	if !r.Remove("s1") {
		t.Fatal("first Remove should report true")
	}
	if r.Remove("s1") {
		t.Fatal("second Remove should report false")
	}
	if len(evicted) != 1 || evicted[0] != "s1" {
		t.Errorf("OnRemove calls = %v", evicted)
	}
	if _, err := r.Get("s1"); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("expected NotFound after remove, got %v", err)
	}
}

func TestRegistry_RemoveSignalsWorker(t *testing.T) {
	r := NewRegistry(0)
	r.Put(newSession("s1"))
	inbox := NewInbox()
	if err := r.Attach("s1", inbox); err != nil {
		t.Fatalf("Attach: %v", err)
	}

	r.Remove("s1")

	select {
	case <-inbox.Notify():
	case <-time.After(time.Second):
		t.Fatal("inbox was not notified")
	}
	cmds := inbox.Drain()
	if len(cmds) != 1 || cmds[0].Kind != CommandClose {
		t.Fatalf("expected a single Close, got %v", cmds)
	}
}

func TestRegistry_SendWithoutWorker(t *testing.T) {
	r := NewRegistry(0)
	r.Put(newSession("s1"))

	if err := r.Send("s1", Input([]byte("ls\n"))); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("expected NotFound without worker, got %v", err)
	}
	if err := r.Send("missing", Resize(80, 24)); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("expected NotFound for unknown session, got %v", err)
	}

	inbox := NewInbox()
	r.Attach("s1", inbox)
	if err := r.Send("s1", Input([]byte("ls\n"))); err != nil {
		t.Fatalf("Send: %v", err)
	}
	inbox.Shut()
	if err := r.Send("s1", Input([]byte("ls\n"))); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("expected NotFound after inbox shut, got %v", err)
	}
}

func TestRegistry_ListOrderedByCreation(t *testing.T) {
	r := NewRegistry(0)
	base := time.Now()
	for i := 3; i >= 1; i-- {
		s := newSession(fmt.Sprintf("s%d", i))
		s.CreatedAt = base.Add(time.Duration(i) * time.Second)
		r.Put(s)
	}
	var ids []string
	for _, s := range r.List() {
		ids = append(ids, s.ID)
	}
	if strings.Join(ids, ",") != "s1,s2,s3" {
		t.Errorf("List order = %v", ids)
	}
}
