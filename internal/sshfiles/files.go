// Package sshfiles provides file operations on a session's target. Every call
// opens its own connection and runs plain shell commands over exec channels,
// so the target needs nothing beyond a POSIX shell and coreutils.
package sshfiles

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/mahoushoujyo-eee/eshell/internal/apperr"
	"github.com/mahoushoujyo-eee/eshell/internal/logutil"
	"github.com/mahoushoujyo-eee/eshell/internal/session"
	"github.com/mahoushoujyo-eee/eshell/internal/sshaudit"
	"github.com/mahoushoujyo-eee/eshell/internal/sshconn"
	"github.com/mahoushoujyo-eee/eshell/internal/sshexec"
)

// MaxTransferBytes bounds the size of a single read, write, upload or
// download.
const MaxTransferBytes = 16 << 20

// Entry types.
const (
	TypeDirectory = "directory"
	TypeFile      = "file"
	TypeSymlink   = "symlink"
	TypeOther     = "other"
)

// Entry is one item of a directory listing.
type Entry struct {
	Name        string `json:"name"`
	Path        string `json:"path"`
	Type        string `json:"type"`
	Size        int64  `json:"size"`
	Permissions string `json:"permissions"`
	ModifiedAt  *int64 `json:"modifiedAt,omitempty"`
	LinkTarget  string `json:"linkTarget,omitempty"`
}

// Listing is the result of List.
type Listing struct {
	Path    string  `json:"path"`
	Entries []Entry `json:"entries"`
}

// FileContent is a text file read for editing.
type FileContent struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

// Download is a file returned as base64.
type Download struct {
	Path          string `json:"path"`
	FileName      string `json:"fileName"`
	ContentBase64 string `json:"contentBase64"`
	Size          int    `json:"size"`
}

// Service runs file operations for registered sessions.
type Service struct {
	registry *session.Registry
	targets  sshconn.TargetSource
	dialer   sshconn.Dialer
	auditor  *sshaudit.Auditor
}

func NewService(registry *session.Registry, targets sshconn.TargetSource, dialer sshconn.Dialer, auditor *sshaudit.Auditor) *Service {
	return &Service{registry: registry, targets: targets, dialer: dialer, auditor: auditor}
}

// List returns the entries of dir, directories first, then by name ignoring
// case. An empty dir lists the session's current directory.
func (s *Service) List(ctx context.Context, sessionID, dir string) (Listing, error) {
	var listing Listing
	err := s.withClient(ctx, sessionID, dir, "list", func(client *ssh.Client, p string) (string, error) {
		cmd := "ls -la --color=never --time-style=+%s " + sshexec.ShellQuote(p)
		stdout, stderr, exitCode, err := sshexec.Run(client, cmd)
		if err != nil {
			return "", err
		}
		if exitCode != 0 {
			return "", commandFailed("list directory", p, stderr)
		}
		listing = Listing{Path: p, Entries: ParseLsOutput(p, stdout)}
		return fmt.Sprintf("list %s (%d entries)", p, len(listing.Entries)), nil
	})
	return listing, err
}

// Read returns the file at p as text. Invalid UTF-8 is replaced.
func (s *Service) Read(ctx context.Context, sessionID, p string) (FileContent, error) {
	if strings.TrimSpace(p) == "" {
		return FileContent{}, apperr.Validation("path cannot be empty")
	}
	var fc FileContent
	err := s.withClient(ctx, sessionID, p, "read", func(client *ssh.Client, p string) (string, error) {
		data, err := readFile(client, p)
		if err != nil {
			return "", err
		}
		fc = FileContent{Path: p, Content: strings.ToValidUTF8(string(data), "\uFFFD")}
		return fmt.Sprintf("read %s (%d bytes)", p, len(data)), nil
	})
	return fc, err
}

// Write replaces the file at p with content, creating it if needed.
func (s *Service) Write(ctx context.Context, sessionID, p, content string) error {
	if strings.TrimSpace(p) == "" {
		return apperr.Validation("path cannot be empty")
	}
	return s.writeBytes(ctx, sessionID, p, []byte(content), "write")
}

// Upload decodes contentBase64 and stores it at remotePath.
func (s *Service) Upload(ctx context.Context, sessionID, remotePath, contentBase64 string) error {
	if strings.TrimSpace(remotePath) == "" {
		return apperr.Validation("remote path cannot be empty")
	}
	data, err := base64.StdEncoding.DecodeString(strings.TrimSpace(contentBase64))
	if err != nil {
		return apperr.Validation("invalid base64 content: %v", err)
	}
	return s.writeBytes(ctx, sessionID, remotePath, data, "upload")
}

// Download reads remotePath and returns it base64-encoded along with the
// file name to save it under.
func (s *Service) Download(ctx context.Context, sessionID, remotePath string) (Download, error) {
	if strings.TrimSpace(remotePath) == "" {
		return Download{}, apperr.Validation("remote path cannot be empty")
	}
	var dl Download
	err := s.withClient(ctx, sessionID, remotePath, "download", func(client *ssh.Client, p string) (string, error) {
		data, err := readFile(client, p)
		if err != nil {
			return "", err
		}
		dl = Download{
			Path:          p,
			FileName:      fileName(p),
			ContentBase64: base64.StdEncoding.EncodeToString(data),
			Size:          len(data),
		}
		return fmt.Sprintf("download %s (%d bytes)", p, len(data)), nil
	})
	return dl, err
}

func (s *Service) writeBytes(ctx context.Context, sessionID, p string, data []byte, op string) error {
	if len(data) > MaxTransferBytes {
		return apperr.Validation("content exceeds %d bytes", MaxTransferBytes)
	}
	return s.withClient(ctx, sessionID, p, op, func(client *ssh.Client, p string) (string, error) {
		_, stderr, exitCode, err := sshexec.RunWithStdin(client, "cat > "+sshexec.ShellQuote(p), data)
		if err != nil {
			return "", err
		}
		if exitCode != 0 {
			return "", commandFailed("write file", p, stderr)
		}
		return fmt.Sprintf("%s %s (%d bytes)", op, p, len(data)), nil
	})
}

// withClient resolves p against the session, connects to its target and
// runs fn. fn returns the audit detail on success.
func (s *Service) withClient(ctx context.Context, sessionID, p, op string, fn func(*ssh.Client, string) (string, error)) error {
	sess, err := s.registry.Get(sessionID)
	if err != nil {
		return err
	}
	target, err := s.targets.Target(sess.TargetID)
	if err != nil {
		return err
	}
	resolved := ResolvePath(sess.CurrentDir, p)

	client, err := s.dialer.Connect(ctx, target)
	if err != nil {
		return err
	}
	defer client.Close()

	start := time.Now()
	detail, err := fn(client, resolved)
	if err != nil {
		var classified *apperr.Error
		if !errors.As(err, &classified) {
			err = apperr.Transport(err, "%s %s on %s", op, resolved, target.Label())
		}
		return err
	}
	elapsed := time.Since(start)

	s.auditor.Log(sshaudit.Entry{
		SessionID:  sessionID,
		TargetID:   target.ID,
		TargetName: target.Name,
		EventType:  sshaudit.EventFileOperation,
		Username:   target.Username,
		Details:    detail,
		DurationMs: elapsed.Milliseconds(),
	})
	log.Printf("[sshfiles] %s completed in %s", logutil.SanitizeForLog(detail), elapsed)
	return nil
}

func readFile(client *ssh.Client, p string) ([]byte, error) {
	cmd := fmt.Sprintf("head -c %d %s", MaxTransferBytes+1, sshexec.ShellQuote(p))
	stdout, stderr, exitCode, err := sshexec.Run(client, cmd)
	if err != nil {
		return nil, err
	}
	if exitCode != 0 {
		return nil, commandFailed("read file", p, stderr)
	}
	if len(stdout) > MaxTransferBytes {
		return nil, apperr.Validation("%s exceeds %d bytes", p, MaxTransferBytes)
	}
	return []byte(stdout), nil
}

func commandFailed(op, p, stderr string) error {
	msg := strings.TrimSpace(stderr)
	if msg == "" {
		msg = "command failed"
	}
	return apperr.Runtime(nil, "%s %s: %s", op, p, msg)
}

// ResolvePath makes p absolute against cwd. "~" and "~/..." are left for
// the remote shell to expand; an empty p means cwd.
func ResolvePath(cwd, p string) string {
	p = strings.ReplaceAll(strings.TrimSpace(p), `\`, "/")
	switch {
	case p == "":
		return sshexec.NormalizePath(cwd)
	case strings.HasPrefix(p, "/"):
		return sshexec.NormalizePath(path.Clean(p))
	}
	if cwd == "" {
		cwd = "/"
	}
	return sshexec.NormalizePath(path.Join(cwd, p))
}

// fileName returns the last non-empty segment of p.
func fileName(p string) string {
	trimmed := strings.TrimRight(p, "/")
	name := trimmed[strings.LastIndex(trimmed, "/")+1:]
	if name == "" {
		return "download.bin"
	}
	return name
}

// ParseLsOutput parses `ls -la --time-style=+%s` output for dir. The
// "total" line and the . and .. entries are skipped; unparseable lines are
// ignored.
func ParseLsOutput(dir, output string) []Entry {
	var entries []Entry
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimRight(line, "\r")
		if line == "" || strings.HasPrefix(line, "total ") {
			continue
		}
		e, ok := parseLsLine(line)
		if !ok || e.Name == "." || e.Name == ".." {
			continue
		}
		e.Path = joinPath(dir, e.Name)
		entries = append(entries, e)
	}
	sort.SliceStable(entries, func(i, j int) bool {
		di, dj := entries[i].Type == TypeDirectory, entries[j].Type == TypeDirectory
		if di != dj {
			return di
		}
		return strings.ToLower(entries[i].Name) < strings.ToLower(entries[j].Name)
	})
	if entries == nil {
		entries = []Entry{}
	}
	return entries
}

// parseLsLine reads "perms links owner group size mtime name". Device files
// print "major, minor" in place of the size.
func parseLsLine(line string) (Entry, bool) {
	rest := line
	var fields []string
	for len(fields) < 5 {
		f, r, ok := nextField(rest)
		if !ok {
			return Entry{}, false
		}
		fields = append(fields, f)
		rest = r
	}
	perms := fields[0]
	if len(perms) < 10 {
		return Entry{}, false
	}

	var size int64
	if strings.HasSuffix(fields[4], ",") {
		if _, r, ok := nextField(rest); ok {
			rest = r
		}
	} else {
		n, err := strconv.ParseInt(fields[4], 10, 64)
		if err != nil {
			return Entry{}, false
		}
		size = n
	}

	mtimeField, rest, ok := nextField(rest)
	if !ok {
		return Entry{}, false
	}
	name := strings.TrimPrefix(rest, " ")
	if name == "" {
		return Entry{}, false
	}

	e := Entry{Size: size, Permissions: perms}
	if ts, err := strconv.ParseInt(mtimeField, 10, 64); err == nil {
		e.ModifiedAt = &ts
	}

	switch perms[0] {
	case 'd':
		e.Type = TypeDirectory
	case '-':
		e.Type = TypeFile
	case 'l':
		e.Type = TypeSymlink
		if n, target, found := strings.Cut(name, " -> "); found {
			name, e.LinkTarget = n, target
		}
	default:
		e.Type = TypeOther
	}
	e.Name = name
	return e, true
}

// nextField returns the next space-separated field and the remainder, which
// keeps exactly one leading separator stripped.
func nextField(s string) (field, rest string, ok bool) {
	s = strings.TrimLeft(s, " ")
	if s == "" {
		return "", "", false
	}
	i := strings.IndexByte(s, ' ')
	if i < 0 {
		return s, "", true
	}
	return s[:i], s[i:], true
}

func joinPath(dir, name string) string {
	dir = sshexec.NormalizePath(dir)
	if dir == "/" {
		return "/" + strings.TrimLeft(name, "/")
	}
	return dir + "/" + strings.TrimLeft(name, "/")
}
