package session

import "sync"

// CommandKind enumerates the commands a worker accepts.
type CommandKind int

const (
	CommandInput CommandKind = iota
	CommandResize
	CommandClose
)

func (k CommandKind) String() string {
	switch k {
	case CommandInput:
		return "input"
	case CommandResize:
		return "resize"
	case CommandClose:
		return "close"
	}
	return "unknown"
}

// Command is one entry in a worker inbox.
type Command struct {
	Kind CommandKind
	Data []byte
	Cols int
	Rows int
}

func Input(data []byte) Command {
	return Command{Kind: CommandInput, Data: data}
}

func Resize(cols, rows int) Command {
	return Command{Kind: CommandResize, Cols: cols, Rows: rows}
}

func Close() Command {
	return Command{Kind: CommandClose}
}

// Inbox is an unbounded FIFO of commands for one worker. Push never blocks;
// the worker drains it between polls and waits on Notify when idle.
type Inbox struct {
	mu     sync.Mutex
	queue  []Command
	closed bool
	notify chan struct{}
}

func NewInbox() *Inbox {
	return &Inbox{notify: make(chan struct{}, 1)}
}

// Push appends cmd. It reports false once the inbox has been shut.
func (in *Inbox) Push(cmd Command) bool {
	in.mu.Lock()
	if in.closed {
		in.mu.Unlock()
		return false
	}
	in.queue = append(in.queue, cmd)
	in.mu.Unlock()

	select {
	case in.notify <- struct{}{}:
	default:
	}
	return true
}

// Drain removes and returns every queued command in push order.
func (in *Inbox) Drain() []Command {
	in.mu.Lock()
	defer in.mu.Unlock()
	cmds := in.queue
	in.queue = nil
	return cmds
}

// Notify is signalled after a Push.
func (in *Inbox) Notify() <-chan struct{} {
	return in.notify
}

// Shut rejects further pushes and discards anything still queued.
func (in *Inbox) Shut() {
	in.mu.Lock()
	in.closed = true
	in.queue = nil
	in.mu.Unlock()
}
