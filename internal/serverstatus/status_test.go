package serverstatus

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mahoushoujyo-eee/eshell/internal/apperr"
	"github.com/mahoushoujyo-eee/eshell/internal/session"
	"github.com/mahoushoujyo-eee/eshell/internal/sshconn"
	"github.com/mahoushoujyo-eee/eshell/internal/sshtest"
)

const procpsTop = `
top - 15:30:10 up 1 day,  1 user,  load average: 0.00, 0.01, 0.05
Tasks: 101 total,   1 running, 100 sleeping,   0 stopped,   0 zombie
%Cpu(s):  3.0 us,  1.0 sy,  0.0 ni, 96.0 id,  0.0 wa,  0.0 hi,  0.0 si,  0.0 st
MiB Mem :  8000.0 total,  1200.0 free,  3500.0 used,  3300.0 buff/cache
MiB Swap:  2048.0 total,  2048.0 free,     0.0 used.  4200.0 avail Mem

    PID USER      PR  NI    VIRT    RES    SHR S  %CPU  %MEM     TIME+ COMMAND
`

const busyboxTop = `
Mem: 15935K used, 1000K free, 0K shrd, 0K buff, 0K cached
CPU: 1.0% usr 2.0% sys 0.0% nic 96.0% idle 0.0% io 0.0% irq 0.0% sirq
`

const netDev = `Inter-|   Receive                                                |  Transmit
 face |bytes    packets errs drop fifo frame compressed multicast|bytes    packets errs drop fifo colls carrier compressed
    lo: 205700  1024 0 0 0 0 0 0 205700  1024 0 0 0 0 0 0
  eth0: 9876543 9999 0 0 0 0 0 0 1234567 8888 0 0 0 0 0 0
 short: 1 2 3
`

const psOut = `    PID %CPU %MEM COMMAND
    123 12.5  4.1 java
    234  5.0  1.2 nginx
    bad line here x
`

const dfOut = `Filesystem      Size  Used Avail Use% Mounted on
/dev/sda1       100G   25G   70G  27% /
tmpfs           1.9G  2.0M  1.9G   1% /run
`

func TestParseCPUAndMemory_Procps(t *testing.T) {
	cpu, ok := ParseCPUPercent(procpsTop)
	if !ok || cpu != 4.0 {
		t.Errorf("cpu = %v (ok=%v), want 4", cpu, ok)
	}
	mem, ok := ParseMemory(procpsTop)
	if !ok {
		t.Fatal("memory not parsed")
	}
	if mem.TotalMB != 8000 || mem.UsedMB != 3500 || mem.UsedPercent != 43.75 {
		t.Errorf("unexpected memory: %+v", mem)
	}
}

func TestParseCPUAndMemory_Busybox(t *testing.T) {
	cpu, ok := ParseCPUPercent(busyboxTop)
	if !ok || cpu != 4.0 {
		t.Errorf("cpu = %v (ok=%v), want 4", cpu, ok)
	}
	mem, ok := ParseMemory(busyboxTop)
	if !ok {
		t.Fatal("memory not parsed")
	}
	if mem.UsedMB != 15.56 || mem.TotalMB != 16.54 || mem.UsedPercent != 94.1 {
		t.Errorf("unexpected memory: %+v", mem)
	}
}

func TestParseCPU_Missing(t *testing.T) {
	if _, ok := ParseCPUPercent("nothing useful\n"); ok {
		t.Error("expected no cpu figure")
	}
	if _, ok := ParseMemory(""); ok {
		t.Error("expected no memory figure")
	}
}

func TestParseNetDev(t *testing.T) {
	rows := ParseNetDev(netDev)
	if len(rows) != 2 {
		t.Fatalf("expected 2 interfaces, got %+v", rows)
	}
	if rows[1].Name != "eth0" || rows[1].RxBytes != 9876543 || rows[1].TxBytes != 1234567 {
		t.Errorf("unexpected eth0 row: %+v", rows[1])
	}
}

func TestParseProcesses(t *testing.T) {
	rows := ParseProcesses(psOut)
	if len(rows) != 2 {
		t.Fatalf("expected 2 processes, got %+v", rows)
	}
	if rows[0].PID != 123 || rows[0].CPUPercent != 12.5 || rows[0].Command != "java" {
		t.Errorf("unexpected first row: %+v", rows[0])
	}
}

func TestParseDisks(t *testing.T) {
	rows := ParseDisks(dfOut)
	if len(rows) != 2 {
		t.Fatalf("expected 2 disks, got %+v", rows)
	}
	want := Disk{Filesystem: "/dev/sda1", MountPoint: "/", Used: "25G", Total: "100G", UsedPercent: "27%"}
	if rows[0] != want {
		t.Errorf("got %+v, want %+v", rows[0], want)
	}
}

func TestSelectInterface(t *testing.T) {
	all := []Interface{{Name: "lo"}, {Name: "eth0"}}
	if got := SelectInterface(all, "eth0"); got != "eth0" {
		t.Errorf("preferred: got %q", got)
	}
	if got := SelectInterface(all, "wlan0"); got != "lo" {
		t.Errorf("fallback: got %q", got)
	}
	if got := SelectInterface(nil, "eth0"); got != "" {
		t.Errorf("empty: got %q", got)
	}
}

type staticTargets map[string]sshconn.Target

func (s staticTargets) Target(id string) (sshconn.Target, error) {
	t, ok := s[id]
	if !ok {
		return sshconn.Target{}, apperr.NotFound("target %s not found", id)
	}
	return t, nil
}

func newCollector(t *testing.T) (*Collector, *session.Registry) {
	t.Helper()
	outputs := map[string]string{
		TopCommand:       procpsTop,
		NetDevCommand:    netDev,
		ProcessesCommand: psOut,
		DisksCommand:     dfOut,
	}
	srv, err := sshtest.Start(sshtest.Options{
		User:     "ops",
		Password: "pw",
		Exec: func(cmd string, stdin []byte) sshtest.ExecResult {
			out, ok := outputs[cmd]
			if !ok {
				return sshtest.ExecResult{Stderr: "unexpected command\n", ExitCode: 127}
			}
			return sshtest.ExecResult{Stdout: out}
		},
	})
	if err != nil {
		t.Fatalf("start ssh server: %v", err)
	}
	t.Cleanup(srv.Close)

	targets := staticTargets{"t1": {ID: "t1", Name: "test", Host: srv.Host, Port: srv.Port, Username: "ops", Password: "pw"}}
	registry := session.NewRegistry(0)
	now := time.Now()
	registry.Put(session.Session{ID: "s1", TargetID: "t1", CurrentDir: "/", CreatedAt: now, UpdatedAt: now})
	return NewCollector(registry, targets, sshconn.NewConnector(5*time.Second), nil), registry
}

func TestFetch_CachesSnapshot(t *testing.T) {
	c, _ := newCollector(t)

	cached, err := c.Cached("s1")
	if err != nil || cached != nil {
		t.Fatalf("expected empty cache, got %+v, %v", cached, err)
	}

	st, err := c.Fetch(context.Background(), "s1", "eth0")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if st.CPUPercent != 4 || st.Memory.TotalMB != 8000 {
		t.Errorf("unexpected top figures: %+v", st)
	}
	if st.SelectedInterface != "eth0" || st.SelectedInterfaceTraffic == nil || st.SelectedInterfaceTraffic.TxBytes != 1234567 {
		t.Errorf("unexpected interface selection: %q %+v", st.SelectedInterface, st.SelectedInterfaceTraffic)
	}
	if len(st.TopProcesses) != 2 || len(st.Disks) != 2 {
		t.Errorf("unexpected processes/disks: %+v %+v", st.TopProcesses, st.Disks)
	}

	cached, err = c.Cached("s1")
	if err != nil || cached == nil || cached.FetchedAt != st.FetchedAt {
		t.Fatalf("expected cached snapshot, got %+v, %v", cached, err)
	}
}

func TestCache_EvictedOnSessionRemove(t *testing.T) {
	c, registry := newCollector(t)
	if _, err := c.Fetch(context.Background(), "s1", ""); err != nil {
		t.Fatalf("fetch: %v", err)
	}
	registry.Remove("s1")

	if _, ok := c.cache.Get("s1"); ok {
		t.Error("expected cache entry to be evicted")
	}
	if _, err := c.Cached("s1"); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("expected not found, got %v", err)
	}
}

func TestFetch_UnknownSession(t *testing.T) {
	c, _ := newCollector(t)
	if _, err := c.Fetch(context.Background(), "nope", ""); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}
