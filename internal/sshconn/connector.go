// Package sshconn opens authenticated SSH connections to saved targets.
//
// The connector is a stateless factory: every exec, file operation and
// interactive session dials its own connection, there is no pooling and no
// retry. Failures are classified into apperr kinds so callers can tell a bad
// password from an unreachable host or an algorithm mismatch.
package sshconn

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/mahoushoujyo-eee/eshell/internal/apperr"
	"github.com/mahoushoujyo-eee/eshell/internal/logutil"
	"golang.org/x/crypto/ssh"
)

// DefaultTimeout bounds the TCP connect and the SSH handshake.
const DefaultTimeout = 20 * time.Second

// Target is a decrypted, read-only view of a saved host.
type Target struct {
	ID       string
	Name     string
	Host     string
	Port     int
	Username string
	Password string
}

// Addr returns host:port.
func (t Target) Addr() string {
	return net.JoinHostPort(t.Host, strconv.Itoa(t.Port))
}

// Label identifies the target in error messages as user@host:port.
func (t Target) Label() string {
	return fmt.Sprintf("%s@%s", t.Username, t.Addr())
}

// TargetSource resolves saved target ids.
type TargetSource interface {
	Target(id string) (Target, error)
}

// Dialer opens an authenticated connection to a target.
type Dialer interface {
	Connect(ctx context.Context, t Target) (*ssh.Client, error)
}

// Connector dials targets with password authentication.
type Connector struct {
	Timeout         time.Duration
	HostKeyCallback ssh.HostKeyCallback
}

// NewConnector returns a Connector using timeout for both dial and handshake.
// A non-positive timeout selects DefaultTimeout.
func NewConnector(timeout time.Duration) *Connector {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Connector{
		Timeout:         timeout,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
	}
}

func (c *Connector) clientConfig(t Target) *ssh.ClientConfig {
	password := t.Password
	return &ssh.ClientConfig{
		User: t.Username,
		Auth: []ssh.AuthMethod{
			ssh.Password(password),
			ssh.KeyboardInteractive(func(user, instruction string, questions []string, echos []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range answers {
					answers[i] = password
				}
				return answers, nil
			}),
		},
		HostKeyCallback: c.HostKeyCallback,
		Timeout:         c.Timeout,
	}
}

// Connect dials t and completes the SSH handshake. Cancelling ctx aborts a
// dial or handshake in progress.
func (c *Connector) Connect(ctx context.Context, t Target) (*ssh.Client, error) {
	if strings.TrimSpace(t.Host) == "" {
		return nil, apperr.Validation("target host cannot be empty")
	}
	if t.Port <= 0 || t.Port > 65535 {
		return nil, apperr.Validation("target port %d is out of range", t.Port)
	}
	if strings.TrimSpace(t.Username) == "" {
		return nil, apperr.Validation("target username cannot be empty")
	}

	addr := t.Addr()
	start := time.Now()

	dialer := net.Dialer{Timeout: c.Timeout}
	netConn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		log.Printf("[ssh] dial %s failed: %v", logutil.SanitizeForLog(t.Label()), err)
		return nil, apperr.Transport(err, "failed to connect to %s", t.Label())
	}

	// The handshake has no context of its own: bound it with a deadline and
	// tear the socket down if ctx is cancelled first.
	netConn.SetDeadline(time.Now().Add(c.Timeout))
	stop := context.AfterFunc(ctx, func() { netConn.Close() })
	defer stop()

	sshConn, chans, reqs, err := ssh.NewClientConn(netConn, addr, c.clientConfig(t))
	if err != nil {
		netConn.Close()
		if ctx.Err() != nil {
			err = ctx.Err()
		}
		log.Printf("[ssh] handshake with %s failed: %v", logutil.SanitizeForLog(t.Label()), err)
		return nil, classifyHandshakeError(err, t)
	}
	netConn.SetDeadline(time.Time{})

	log.Printf("[ssh] connected to %s (%s) in %s",
		logutil.SanitizeForLog(t.Name), logutil.SanitizeForLog(t.Label()), time.Since(start).Round(time.Millisecond))
	return ssh.NewClient(sshConn, chans, reqs), nil
}

func classifyHandshakeError(err error, t Target) error {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "unable to authenticate"):
		return apperr.Auth("authentication failed for %s", t.Label())
	case strings.Contains(msg, "no common algorithm"):
		return apperr.Transport(err,
			"SSH key exchange failed for %s: client and server could not negotiate compatible algorithms "+
				"(KEX/Cipher/HostKey/MAC); check the server's sshd algorithm settings or use a host with modern SSH settings",
			t.Label())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return apperr.Transport(err, "connection to %s cancelled", t.Label())
	}
	return apperr.Transport(err, "SSH handshake with %s failed", t.Label())
}
