// Package sshterminal runs interactive PTY sessions over SSH.
//
// Each open session owns one SSH connection and one worker goroutine. The
// worker drains a command inbox (input, resize, close), forwards shell output
// to the session registry and the event sink, and tears itself down when the
// channel ends or the session is closed.
package sshterminal

import (
	"fmt"
	"io"

	"golang.org/x/crypto/ssh"
)

// Default viewport for new sessions.
const (
	DefaultCols = 120
	DefaultRows = 36
)

// Resize bounds. Requests outside them are clamped.
const (
	MinResizeCols = 20
	MinResizeRows = 8
	MaxResizeCols = 500
	MaxResizeRows = 500
)

// PTY is the live interactive channel a worker drives.
type PTY interface {
	io.Reader
	io.Writer
	Resize(cols, rows int) error
	Close() error
	// Wait blocks until the remote side has fully closed the channel.
	Wait() error
}

// TerminalSession wraps an SSH session with a PTY and a running shell.
type TerminalSession struct {
	Stdin   io.WriteCloser
	Stdout  io.Reader
	Session *ssh.Session
}

func (ts *TerminalSession) Read(p []byte) (int, error) {
	return ts.Stdout.Read(p)
}

func (ts *TerminalSession) Write(p []byte) (int, error) {
	return ts.Stdin.Write(p)
}

// Resize changes the terminal dimensions of the PTY.
func (ts *TerminalSession) Resize(cols, rows int) error {
	return ts.Session.WindowChange(rows, cols)
}

// Close terminates the SSH session.
func (ts *TerminalSession) Close() error {
	ts.Stdin.Close()
	return ts.Session.Close()
}

func (ts *TerminalSession) Wait() error {
	return ts.Session.Wait()
}

// CreateInteractiveSession opens a session on client, requests an
// xterm-256color PTY of cols x rows and starts the login shell.
func CreateInteractiveSession(client *ssh.Client, cols, rows int) (*TerminalSession, error) {
	session, err := client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("create ssh session: %w", err)
	}

	modes := ssh.TerminalModes{
		ssh.ECHO:          1,
		ssh.TTY_OP_ISPEED: 14400,
		ssh.TTY_OP_OSPEED: 14400,
	}

	if err := session.RequestPty("xterm-256color", rows, cols, modes); err != nil {
		session.Close()
		return nil, fmt.Errorf("request pty: %w", err)
	}

	stdin, err := session.StdinPipe()
	if err != nil {
		session.Close()
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}

	stdout, err := session.StdoutPipe()
	if err != nil {
		session.Close()
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}

	if err := session.Shell(); err != nil {
		session.Close()
		return nil, fmt.Errorf("start shell: %w", err)
	}

	return &TerminalSession{
		Stdin:   stdin,
		Stdout:  stdout,
		Session: session,
	}, nil
}

// ClampSize bounds a resize request to the supported range.
func ClampSize(cols, rows int) (int, int) {
	return clamp(cols, MinResizeCols, MaxResizeCols), clamp(rows, MinResizeRows, MaxResizeRows)
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
