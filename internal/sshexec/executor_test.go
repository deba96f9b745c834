package sshexec

import (
	"context"
	"errors"
	"path"
	"testing"
	"time"

	"github.com/mahoushoujyo-eee/eshell/internal/apperr"
	"github.com/mahoushoujyo-eee/eshell/internal/database"
	"github.com/mahoushoujyo-eee/eshell/internal/session"
	"github.com/mahoushoujyo-eee/eshell/internal/sshconn"
	"github.com/mahoushoujyo-eee/eshell/internal/sshtest"
)

type staticTargets map[string]sshconn.Target

func (s staticTargets) Target(id string) (sshconn.Target, error) {
	t, ok := s[id]
	if !ok {
		return sshconn.Target{}, apperr.NotFound("target %s not found", id)
	}
	return t, nil
}

type staticScripts map[string]database.Script

func (s staticScripts) Script(id string) (database.Script, error) {
	sc, ok := s[id]
	if !ok {
		return database.Script{}, apperr.NotFound("script %s not found", id)
	}
	return sc, nil
}

type fixture struct {
	srv      *sshtest.Server
	shell    *sshtest.FakeShell
	registry *session.Registry
	exec     *Executor
}

func newFixture(t *testing.T, scripts staticScripts) *fixture {
	t.Helper()
	shell := sshtest.NewFakeShell("/home/ops")
	shell.AddDir("/srv/app/releases/v1")
	shell.AddDir("/srv/app/shared")
	shell.AddDir("/data/it's here")

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
		srv:      srv,
		shell:    shell,
		registry: registry,
		exec:     NewExecutor(registry, targets, sshconn.NewConnector(5*time.Second), scripts, nil),
	}
}

func TestExecute_BlankCommand(t *testing.T) {
	f := newFixture(t, nil)
	if _, err := f.exec.Execute(context.Background(), "s1", "   "); !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if len(f.srv.Commands()) != 0 {
		t.Error("blank command must not reach the server")
	}
}

func TestExecute_UnknownSession(t *testing.T) {
	f := newFixture(t, nil)
	if _, err := f.exec.Execute(context.Background(), "nope", "ls"); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("expected NotFound, got %v", err)
	}
}

func TestExecute_CdChainMatchesRemotePwd(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	steps := []string{"/srv", "app", "releases/v1", "..", "../shared", "'/data/it'\"'\"'s here'"}
	want := "/home/ops"
	for _, step := range steps {
		res, err := f.exec.Execute(ctx, "s1", "cd "+step)
		if err != nil {
			t.Fatalf("cd %s: %v", step, err)
		}
		if res.ExitCode != 0 {
			t.Fatalf("cd %s exited %d: %s", step, res.ExitCode, res.Stderr)
		}
		words := sshtest.SplitWords(step)
		if path.IsAbs(words[0]) {
			want = path.Clean(words[0])
		} else {
			want = path.Join(want, words[0])
		}
		if res.CurrentDir != want {
			t.Fatalf("after cd %s: CurrentDir = %q, want %q", step, res.CurrentDir, want)
		}
	}

	s, _ := f.registry.Get("s1")
	if s.CurrentDir != "/data/it's here" {
		t.Errorf("registry CurrentDir = %q", s.CurrentDir)
	}
	if s.Output != "/data/it's here" {
		t.Errorf("registry Output = %q", s.Output)
	}
}

func TestExecute_FailedCdLeavesDirectoryUnchanged(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	if _, err := f.exec.Execute(ctx, "s1", "cd /srv"); err != nil {
		t.Fatalf("cd /srv: %v", err)
	}
	res, err := f.exec.Execute(ctx, "s1", "cd does-not-exist")
	if err != nil {
		t.Fatalf("non-zero exit must not be an error: %v", err)
	}
	if res.ExitCode == 0 {
		t.Fatal("expected non-zero exit")
	}
	if res.CurrentDir != "/srv" {
		t.Errorf("CurrentDir = %q, want /srv", res.CurrentDir)
	}
	if res.Stderr == "" || res.FinishedAt.Before(res.StartedAt) {
		t.Errorf("result not fully populated: %+v", res)
	}
}

func TestExecute_BareCdGoesHome(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	f.exec.Execute(ctx, "s1", "cd /srv/app")
	res, err := f.exec.Execute(ctx, "s1", "cd")
	if err != nil {
		t.Fatalf("cd: %v", err)
	}
	if res.CurrentDir != "/home/ops" {
		t.Errorf("CurrentDir = %q, want /home/ops", res.CurrentDir)
	}

	cmds := f.srv.Commands()
	if last := cmds[len(cmds)-1]; last != "cd '/srv/app' && cd ~ && pwd" {
		t.Errorf("remote command = %q", last)
	}
}

func TestExecute_PlainCommandRunsInCurrentDir(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	f.exec.Execute(ctx, "s1", "cd /srv/app")
	res, err := f.exec.Execute(ctx, "s1", "pwd")
	if err != nil {
		t.Fatalf("pwd: %v", err)
	}
	if res.Stdout != "/srv/app\n" || res.ExitCode != 0 {
		t.Errorf("unexpected result: %+v", res)
	}
	if res.CurrentDir != "/srv/app" {
		t.Errorf("CurrentDir = %q", res.CurrentDir)
	}

	res, err = f.exec.Execute(ctx, "s1", "cat missing.txt")
	if err != nil {
		t.Fatalf("cat: %v", err)
	}
	if res.ExitCode != 1 {
		t.Errorf("exit = %d, want 1", res.ExitCode)
	}
	s, _ := f.registry.Get("s1")
	if s.Output != res.Stderr {
		t.Errorf("Output = %q, want stderr %q", s.Output, res.Stderr)
	}
	if s.CurrentDir != "/srv/app" {
		t.Errorf("plain command changed CurrentDir to %q", s.CurrentDir)
	}
}

func TestExecute_AuthFailure(t *testing.T) {
	f := newFixture(t, nil)
	bad := staticTargets{"t1": {ID: "t1", Host: f.srv.Host, Port: f.srv.Port, Username: "ops", Password: "wrong"}}
	exec := NewExecutor(f.registry, bad, sshconn.NewConnector(5*time.Second), nil, nil)

	if _, err := exec.Execute(context.Background(), "s1", "ls"); !errors.Is(err, apperr.ErrAuth) {
		t.Fatalf("expected auth error, got %v", err)
	}
}

func TestRunScript(t *testing.T) {
	scripts := staticScripts{
		"inline": {ID: "inline", Name: "where", Command: "pwd"},
		"file":   {ID: "file", Name: "deploy", Path: "/opt/deploy.sh"},
		"empty":  {ID: "empty", Name: "broken"},
	}
	f := newFixture(t, scripts)
	f.shell.Handle("bash", func(args []string, cwd string, stdin []byte) sshtest.ExecResult {
		return sshtest.ExecResult{Stdout: "ran " + args[0] + "\n"}
	})
	ctx := context.Background()

	res, err := f.exec.RunScript(ctx, "s1", "inline")
	if err != nil {
		t.Fatalf("RunScript(inline): %v", err)
	}
	if res.ScriptName != "where" || res.Execution.Stdout != "/home/ops\n" {
		t.Errorf("unexpected result: %+v", res)
	}

	res, err = f.exec.RunScript(ctx, "s1", "file")
	if err != nil {
		t.Fatalf("RunScript(file): %v", err)
	}
	if res.Execution.Command != "bash '/opt/deploy.sh'" || res.Execution.Stdout != "ran /opt/deploy.sh\n" {
		t.Errorf("unexpected result: %+v", res.Execution)
	}

	if _, err := f.exec.RunScript(ctx, "s1", "empty"); !errors.Is(err, apperr.ErrValidation) {
		t.Errorf("expected validation error, got %v", err)
	}
	if _, err := f.exec.RunScript(ctx, "s1", "missing"); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("expected NotFound, got %v", err)
	}
}
