// Package sshtest runs an in-process SSH server for tests. It accepts password
// auth, answers exec requests through a pluggable handler and serves a PTY
// shell that echoes its input.
package sshtest

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/crypto/ssh"
)

// ExecResult is what an exec request answers with.
type ExecResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// ExecHandler answers one exec request. stdin is everything the client sent
// before closing its write side.
type ExecHandler func(cmd string, stdin []byte) ExecResult

// Options configures a Server. Zero values get sensible defaults.
type Options struct {
	User     string
	Password string
	Exec     ExecHandler
	// KeyExchanges restricts the server's KEX algorithms.
	KeyExchanges []string
}

// Server is a running test SSH server.
type Server struct {
	Host     string
	Port     int
	User     string
	Password string

	listener net.Listener
	config   *ssh.ServerConfig
	exec     ExecHandler

	mu       sync.Mutex
	commands []string
	ptys     []string
	conns    []*ssh.ServerConn

	wg sync.WaitGroup
}

// Start listens on a random loopback port and serves until Close.
func Start(opts Options) (*Server, error) {
	if opts.User == "" {
		opts.User = "ops"
	}
	if opts.Password == "" {
		opts.Password = "secret"
	}
	if opts.Exec == nil {
		opts.Exec = NewFakeShell("/home/"+opts.User).Exec
	}

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate host key: %w", err)
	}
	hostSigner, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		return nil, fmt.Errorf("host signer: %w", err)
	}

	s := &Server{User: opts.User, Password: opts.Password, exec: opts.Exec}
	s.config = &ssh.ServerConfig{
		PasswordCallback: func(conn ssh.ConnMetadata, password []byte) (*ssh.Permissions, error) {
			if conn.User() == s.User && string(password) == s.Password {
				return &ssh.Permissions{}, nil
			}
			return nil, fmt.Errorf("password rejected for %q", conn.User())
		},
	}
	if len(opts.KeyExchanges) > 0 {
		s.config.KeyExchanges = opts.KeyExchanges
	}
	s.config.AddHostKey(hostSigner)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, fmt.Errorf("listen: %w", err)
	}
	s.listener = listener
	addr := listener.Addr().(*net.TCPAddr)
	s.Host = addr.IP.String()
	s.Port = addr.Port

	s.wg.Add(1)
	go s.acceptLoop()
	return s, nil
}

// Addr returns host:port.
func (s *Server) Addr() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

// Close stops accepting and drops every live connection.
func (s *Server) Close() {
	s.listener.Close()
	s.mu.Lock()
	for _, c := range s.conns {
		c.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
}

// Commands returns every exec command received so far, in order.
func (s *Server) Commands() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.commands...)
}

// PTYEvents returns pty-req and window-change events as "WxH" strings.
func (s *Server) PTYEvents() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.ptys...)
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		netConn, err := s.listener.Accept()
		if err != nil {
			return
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(netConn)
		}()
	}
}

func (s *Server) handleConn(netConn net.Conn) {
	sshConn, chans, reqs, err := ssh.NewServerConn(netConn, s.config)
	if err != nil {
		netConn.Close()
		return
	}
	s.mu.Lock()
	s.conns = append(s.conns, sshConn)
	s.mu.Unlock()
	defer sshConn.Close()

	go ssh.DiscardRequests(reqs)

	for newChan := range chans {
		if newChan.ChannelType() != "session" {
			newChan.Reject(ssh.UnknownChannelType, "unknown channel type")
			continue
		}
		ch, requests, err := newChan.Accept()
		if err != nil {
			continue
		}
		go s.handleSession(ch, requests)
	}
}

func (s *Server) handleSession(ch ssh.Channel, requests <-chan *ssh.Request) {
	for req := range requests {
		switch req.Type {
		case "pty-req":
			// string term, uint32 cols, uint32 rows, ...
			if len(req.Payload) >= 4 {
				termLen := binary.BigEndian.Uint32(req.Payload[0:4])
				off := 4 + int(termLen)
				if len(req.Payload) >= off+8 {
					cols := binary.BigEndian.Uint32(req.Payload[off : off+4])
					rows := binary.BigEndian.Uint32(req.Payload[off+4 : off+8])
					s.recordPTY(fmt.Sprintf("%dx%d", cols, rows))
				}
			}
			if req.WantReply {
				req.Reply(true, nil)
			}

		case "window-change":
			if len(req.Payload) >= 8 {
				cols := binary.BigEndian.Uint32(req.Payload[0:4])
				rows := binary.BigEndian.Uint32(req.Payload[4:8])
				s.recordPTY(fmt.Sprintf("%dx%d", cols, rows))
			}
			if req.WantReply {
				req.Reply(true, nil)
			}

		case "exec":
			var payload struct{ Command string }
			if err := ssh.Unmarshal(req.Payload, &payload); err != nil {
				req.Reply(false, nil)
				continue
			}
			if req.WantReply {
				req.Reply(true, nil)
			}
			go s.runExec(ch, payload.Command)

		case "shell":
			if req.WantReply {
				req.Reply(true, nil)
			}
			go runShell(ch)

		default:
			if req.WantReply {
				req.Reply(false, nil)
			}
		}
	}
}

func (s *Server) recordPTY(ev string) {
	s.mu.Lock()
	s.ptys = append(s.ptys, ev)
	s.mu.Unlock()
}

func (s *Server) runExec(ch ssh.Channel, cmd string) {
	defer ch.Close()

	s.mu.Lock()
	s.commands = append(s.commands, cmd)
	s.mu.Unlock()

	stdin, _ := io.ReadAll(ch)
	res := s.exec(cmd, stdin)
	if res.Stdout != "" {
		io.WriteString(ch, res.Stdout)
	}
	if res.Stderr != "" {
		io.WriteString(ch.Stderr(), res.Stderr)
	}
	sendExitStatus(ch, res.ExitCode)
}

// runShell echoes input back. A line "exit" ends the shell with status 0.
func runShell(ch ssh.Channel) {
	defer ch.Close()
	io.WriteString(ch, "$ ")

	var line strings.Builder
	buf := make([]byte, 4096)
	for {
		n, err := ch.Read(buf)
		if n > 0 {
			ch.Write(buf[:n])
			for _, b := range buf[:n] {
				if b != '\r' && b != '\n' {
					line.WriteByte(b)
					continue
				}
				if strings.TrimSpace(line.String()) == "exit" {
					sendExitStatus(ch, 0)
					return
				}
				line.Reset()
			}
		}
		if err != nil {
			return
		}
	}
}

func sendExitStatus(ch ssh.Channel, code int) {
	ch.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{uint32(code)}))
}
