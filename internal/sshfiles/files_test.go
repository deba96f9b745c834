package sshfiles

import (
	"context"
	"encoding/base64"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/mahoushoujyo-eee/eshell/internal/apperr"
	"github.com/mahoushoujyo-eee/eshell/internal/session"
	"github.com/mahoushoujyo-eee/eshell/internal/sshconn"
	"github.com/mahoushoujyo-eee/eshell/internal/sshtest"
)

const sampleLs = `total 24
drwxr-xr-x 4 ops ops 4096 1700000000 .
drwxr-xr-x 3 root root 4096 1690000000 ..
-rw-r--r-- 1 ops ops   12 1700000100 Notes.txt
lrwxrwxrwx 1 ops ops   11 1700000200 current -> releases/v1
drwxr-xr-x 2 ops ops 4096 1700000300 src
-rw-r--r-- 1 ops ops  512 1700000400 my file.txt
crw-rw-rw- 1 root root 1,   3 1700000500 null
garbage line
`

type staticTargets map[string]sshconn.Target

func (s staticTargets) Target(id string) (sshconn.Target, error) {
	t, ok := s[id]
	if !ok {
		return sshconn.Target{}, apperr.NotFound("target %s not found", id)
	}
	return t, nil
}

type fixture struct {
	srv   *sshtest.Server
	shell *sshtest.FakeShell
	svc   *Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	shell := sshtest.NewFakeShell("/home/ops")
	shell.AddDir("/srv/app")

	srv, err := sshtest.Start(sshtest.Options{User: "ops", Password: "pw", Exec: shell.Exec})
	if err != nil {
		t.Fatalf("start ssh server: %v", err)
	}
	t.Cleanup(srv.Close)

	targets := staticTargets{"t1": {ID: "t1", Name: "test", Host: srv.Host, Port: srv.Port, Username: "ops", Password: "pw"}}
	registry := session.NewRegistry(0)
	now := time.Now()
	registry.Put(session.Session{ID: "s1", TargetID: "t1", CurrentDir: "/home/ops", CreatedAt: now, UpdatedAt: now})

	return &fixture{
		srv:   srv,
		shell: shell,
		svc:   NewService(registry, targets, sshconn.NewConnector(5*time.Second), nil),
	}
}

func TestParseLsOutput(t *testing.T) {
	entries := ParseLsOutput("/srv/app/", sampleLs)

	wantNames := []string{"src", "current", "my file.txt", "Notes.txt", "null"}
	if len(entries) != len(wantNames) {
		t.Fatalf("expected %d entries, got %d: %+v", len(wantNames), len(entries), entries)
	}
	for i, name := range wantNames {
		if entries[i].Name != name {
			t.Errorf("entry %d: expected %q, got %q", i, name, entries[i].Name)
		}
	}

	src := entries[0]
	if src.Type != TypeDirectory || src.Path != "/srv/app/src" || src.Permissions != "drwxr-xr-x" {
		t.Errorf("unexpected directory entry: %+v", src)
	}
	if src.ModifiedAt == nil || *src.ModifiedAt != 1700000300 {
		t.Errorf("expected mtime 1700000300, got %v", src.ModifiedAt)
	}

	link := entries[1]
	if link.Type != TypeSymlink || link.LinkTarget != "releases/v1" {
		t.Errorf("unexpected symlink entry: %+v", link)
	}

	spaced := entries[2]
	if spaced.Type != TypeFile || spaced.Size != 512 || spaced.Path != "/srv/app/my file.txt" {
		t.Errorf("unexpected file entry: %+v", spaced)
	}

	dev := entries[4]
	if dev.Type != TypeOther || dev.Size != 0 {
		t.Errorf("unexpected device entry: %+v", dev)
	}
}

func TestParseLsOutput_Empty(t *testing.T) {
	entries := ParseLsOutput("/", "total 0\n")
	if entries == nil || len(entries) != 0 {
		t.Fatalf("expected empty non-nil slice, got %#v", entries)
	}
}

func TestResolvePath(t *testing.T) {
	tests := []struct {
		cwd, in, want string
	}{
		{"/home/ops", "", "/home/ops"},
		{"/home/ops", "notes.txt", "/home/ops/notes.txt"},
		{"/home/ops", "../srv/./app/", "/home/srv/app"},
		{"/home/ops", "/etc//hosts", "/etc/hosts"},
		{"/home/ops", `C:\tmp`, "/home/ops/C:/tmp"},
		{"", "x", "/x"},
		{"/", "..", "/"},
	}
	for _, tt := range tests {
		if got := ResolvePath(tt.cwd, tt.in); got != tt.want {
			t.Errorf("ResolvePath(%q, %q) = %q, want %q", tt.cwd, tt.in, got, tt.want)
		}
	}
}

func TestFileName(t *testing.T) {
	tests := map[string]string{
		"/var/log/syslog": "syslog",
		"/var/log/":       "log",
		"/":               "download.bin",
	}
	for in, want := range tests {
		if got := fileName(in); got != want {
			t.Errorf("fileName(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestWriteThenRead(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if err := f.svc.Write(ctx, "s1", "notes.txt", "hello\nworld\n"); err != nil {
		t.Fatalf("write: %v", err)
	}
	if got, ok := f.shell.File("/home/ops/notes.txt"); !ok || got != "hello\nworld\n" {
		t.Fatalf("remote file = %q (exists=%v)", got, ok)
	}

	fc, err := f.svc.Read(ctx, "s1", "/home/ops/notes.txt")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if fc.Path != "/home/ops/notes.txt" || fc.Content != "hello\nworld\n" {
		t.Errorf("unexpected content: %+v", fc)
	}
}

func TestRead_InvalidUTF8Replaced(t *testing.T) {
	f := newFixture(t)
	f.shell.AddFile("/home/ops/bin.dat", "ok\xff")

	fc, err := f.svc.Read(context.Background(), "s1", "bin.dat")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if fc.Content != "ok\uFFFD" {
		t.Errorf("expected replacement character, got %q", fc.Content)
	}
}

func TestRead_MissingFile(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Read(context.Background(), "s1", "missing.txt")
	if !errors.Is(err, apperr.ErrRuntime) {
		t.Fatalf("expected runtime error, got %v", err)
	}
	if !strings.Contains(err.Error(), "No such file") {
		t.Errorf("expected remote stderr in message, got %q", err.Error())
	}
}

func TestUploadThenDownload(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	payload := []byte{0x00, 0x01, 'e', 's', 'h'}

	if err := f.svc.Upload(ctx, "s1", "/srv/app/blob.bin", base64.StdEncoding.EncodeToString(payload)); err != nil {
		t.Fatalf("upload: %v", err)
	}

	dl, err := f.svc.Download(ctx, "s1", "/srv/app/blob.bin")
	if err != nil {
		t.Fatalf("download: %v", err)
	}
	if dl.FileName != "blob.bin" || dl.Size != len(payload) {
		t.Errorf("unexpected download: %+v", dl)
	}
	decoded, err := base64.StdEncoding.DecodeString(dl.ContentBase64)
	if err != nil || string(decoded) != string(payload) {
		t.Errorf("round trip mismatch: %q (%v)", decoded, err)
	}
}

func TestUpload_InvalidBase64(t *testing.T) {
	f := newFixture(t)
	err := f.svc.Upload(context.Background(), "s1", "/tmp/x", "not base64!")
	if !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if len(f.srv.Commands()) != 0 {
		t.Error("invalid upload must not reach the server")
	}
}

func TestEmptyPathsRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if _, err := f.svc.Read(ctx, "s1", " "); !errors.Is(err, apperr.ErrValidation) {
		t.Errorf("read: expected validation error, got %v", err)
	}
	if err := f.svc.Write(ctx, "s1", "", "x"); !errors.Is(err, apperr.ErrValidation) {
		t.Errorf("write: expected validation error, got %v", err)
	}
	if _, err := f.svc.Download(ctx, "s1", ""); !errors.Is(err, apperr.ErrValidation) {
		t.Errorf("download: expected validation error, got %v", err)
	}
}

func TestList(t *testing.T) {
	f := newFixture(t)
	var gotArgs []string
	f.shell.Handle("ls", func(args []string, cwd string, stdin []byte) sshtest.ExecResult {
		gotArgs = args
		return sshtest.ExecResult{Stdout: sampleLs}
	})

	listing, err := f.svc.List(context.Background(), "s1", "")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if listing.Path != "/home/ops" || len(listing.Entries) != 5 {
		t.Fatalf("unexpected listing: %+v", listing)
	}
	if listing.Entries[0].Path != "/home/ops/src" {
		t.Errorf("expected entries joined to listed dir, got %q", listing.Entries[0].Path)
	}
	if len(gotArgs) == 0 || gotArgs[len(gotArgs)-1] != "/home/ops" {
		t.Errorf("expected quoted cwd as last argument, got %v", gotArgs)
	}
}

func TestList_Failure(t *testing.T) {
	f := newFixture(t)
	f.shell.Handle("ls", func(args []string, cwd string, stdin []byte) sshtest.ExecResult {
		return sshtest.ExecResult{Stderr: "ls: cannot access '/nope': No such file or directory\n", ExitCode: 2}
	})
	if _, err := f.svc.List(context.Background(), "s1", "/nope"); !errors.Is(err, apperr.ErrRuntime) {
		t.Fatalf("expected runtime error, got %v", err)
	}
}

func TestUnknownSession(t *testing.T) {
	f := newFixture(t)
	if _, err := f.svc.List(context.Background(), "missing", ""); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}
