package sshterminal

import (
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/mahoushoujyo-eee/eshell/internal/apperr"
	"github.com/mahoushoujyo-eee/eshell/internal/session"
)

// Worker states.
type State string

const (
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateClosing  State = "closing"
	StateClosed   State = "closed"
)

// OutputSink receives every output chunk of every session.
type OutputSink interface {
	PublishOutput(sessionID, chunk string)
}

// WorkerOptions tunes the poll loop.
type WorkerOptions struct {
	// PollInterval is the idle wait between polls when nothing was read.
	PollInterval time.Duration
	// WriteBackoff is the pause before retrying a write that made no progress.
	WriteBackoff time.Duration
	// CloseTimeout bounds the wait for the remote side to close the channel.
	CloseTimeout time.Duration
}

func (o WorkerOptions) withDefaults() WorkerOptions {
	if o.PollInterval <= 0 {
		o.PollInterval = 12 * time.Millisecond
	}
	if o.WriteBackoff <= 0 {
		o.WriteBackoff = 4 * time.Millisecond
	}
	if o.CloseTimeout <= 0 {
		o.CloseTimeout = 2 * time.Second
	}
	return o
}

const readBufferSize = 32 * 1024

// Worker owns one session's PTY. Only its own goroutine touches the PTY
// write side; a helper goroutine owns the blocking reads.
type Worker struct {
	sessionID string
	pty       PTY
	conn      io.Closer
	inbox     *session.Inbox
	registry  *session.Registry
	sink      OutputSink
	opts      WorkerOptions
	onExit    func(sessionID string, err error)

	mu    sync.Mutex
	state State
	quit  chan struct{}
	done  chan struct{}
}

// NewWorker wires a worker for an already registered session. conn, if
// non-nil, is closed after the PTY during teardown.
func NewWorker(sessionID string, pty PTY, conn io.Closer, inbox *session.Inbox,
	registry *session.Registry, sink OutputSink, opts WorkerOptions) *Worker {
	w := &Worker{
		sessionID: sessionID,
		pty:       pty,
		conn:      conn,
		inbox:     inbox,
		registry:  registry,
		sink:      sink,
		opts:      opts.withDefaults(),
		state:     StateStarting,
		quit:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	return w
}

// OnExit registers fn to run once the worker has torn down.
func (w *Worker) OnExit(fn func(sessionID string, err error)) {
	w.onExit = fn
}

// State returns the current lifecycle state.
func (w *Worker) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

func (w *Worker) setState(s State) {
	w.mu.Lock()
	w.state = s
	w.mu.Unlock()
}

// Done is closed when the worker has fully torn down.
func (w *Worker) Done() <-chan struct{} {
	return w.done
}

// Start launches the worker goroutine.
func (w *Worker) Start() {
	go w.run()
}

type readResult struct {
	data []byte
	err  error
}

func (w *Worker) pump(out chan<- readResult) {
	defer close(out)
	buf := make([]byte, readBufferSize)
	for {
		n, err := w.pty.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			if !w.deliver(out, readResult{data: data}) {
				return
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				w.deliver(out, readResult{err: err})
			}
			return
		}
	}
}

func (w *Worker) deliver(out chan<- readResult, r readResult) bool {
	select {
	case out <- r:
		return true
	case <-w.quit:
		return false
	}
}

func (w *Worker) run() {
	w.setState(StateRunning)
	reads := make(chan readResult, 64)
	go w.pump(reads)

	var (
		exitErr error
		pending []byte
		timer   = time.NewTimer(w.opts.PollInterval)
	)
	defer timer.Stop()

loop:
	for {
		for _, cmd := range w.inbox.Drain() {
			stop, err := w.apply(cmd)
			if err != nil {
				exitErr = err
			}
			if stop {
				break loop
			}
		}

		select {
		case r, ok := <-reads:
			if !ok {
				w.emit(flushUTF8(pending))
				break loop
			}
			if r.err != nil {
				exitErr = fmt.Errorf("read pty: %w", r.err)
				break loop
			}
			var text string
			text, pending = decodeUTF8(pending, r.data)
			if !w.emit(text) {
				break loop
			}
			continue
		default:
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(w.opts.PollInterval)
		select {
		case <-timer.C:
		case <-w.inbox.Notify():
		}
	}

	w.teardown(exitErr)
}

// apply executes one inbox command and reports whether the loop must stop.
func (w *Worker) apply(cmd session.Command) (bool, error) {
	switch cmd.Kind {
	case session.CommandInput:
		if err := w.write(cmd.Data); err != nil {
			return true, err
		}
	case session.CommandResize:
		cols, rows := ClampSize(cmd.Cols, cmd.Rows)
		if err := w.pty.Resize(cols, rows); err != nil {
			log.Printf("[session-mgr] resize session %s to %dx%d: %v", w.sessionID, cols, rows, err)
		}
	case session.CommandClose:
		return true, nil
	}
	return false, nil
}

// write blocks until data is fully written, backing off when the channel
// accepts nothing.
func (w *Worker) write(data []byte) error {
	for len(data) > 0 {
		n, err := w.pty.Write(data)
		data = data[n:]
		if err != nil {
			if errors.Is(err, io.EOF) {
				return apperr.Runtime(err, "pty channel closed while writing")
			}
			return apperr.Runtime(err, "write pty")
		}
		if n == 0 {
			time.Sleep(w.opts.WriteBackoff)
		}
	}
	return nil
}

// emit appends text to the session buffer and publishes it. It reports
// false when the session is no longer registered.
func (w *Worker) emit(text string) bool {
	if text == "" {
		return true
	}
	if _, err := w.registry.AppendOutput(w.sessionID, text); err != nil {
		return false
	}
	if w.sink != nil {
		w.sink.PublishOutput(w.sessionID, text)
	}
	return true
}

func (w *Worker) teardown(exitErr error) {
	w.setState(StateClosing)
	close(w.quit)
	w.inbox.Shut()

	w.pty.Close()
	waited := make(chan struct{})
	go func() {
		w.pty.Wait()
		close(waited)
	}()
	select {
	case <-waited:
	case <-time.After(w.opts.CloseTimeout):
		log.Printf("[session-mgr] session %s: channel did not close within %s", w.sessionID, w.opts.CloseTimeout)
	}
	if w.conn != nil {
		w.conn.Close()
	}

	w.registry.Remove(w.sessionID)
	w.setState(StateClosed)

	if exitErr != nil {
		log.Printf("[session-mgr] session %s worker stopped: %v", w.sessionID, exitErr)
	} else {
		log.Printf("[session-mgr] session %s closed", w.sessionID)
	}
	if w.onExit != nil {
		w.onExit(w.sessionID, exitErr)
	}
	close(w.done)
}

// decodeUTF8 joins pending with chunk and splits off a trailing incomplete
// UTF-8 sequence, which is returned for the next call.
func decodeUTF8(pending, chunk []byte) (string, []byte) {
	data := append(pending, chunk...)
	cut := len(data)
	for i := len(data) - 1; i >= 0 && i >= len(data)-utf8.UTFMax; i-- {
		if utf8.RuneStart(data[i]) {
			if !utf8.FullRune(data[i:]) {
				cut = i
			}
			break
		}
	}
	rest := append([]byte(nil), data[cut:]...)
	return strings.ToValidUTF8(string(data[:cut]), "\uFFFD"), rest
}

func flushUTF8(pending []byte) string {
	return strings.ToValidUTF8(string(pending), "\uFFFD")
}
