// Package serverstatus collects a resource snapshot (cpu, memory, network
// counters, top processes, disks) from a session's target and caches the
// latest snapshot per session.
package serverstatus

import (
	"context"
	"log"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/sync/errgroup"

	"github.com/mahoushoujyo-eee/eshell/internal/apperr"
	"github.com/mahoushoujyo-eee/eshell/internal/session"
	"github.com/mahoushoujyo-eee/eshell/internal/sshconn"
	"github.com/mahoushoujyo-eee/eshell/internal/sshexec"
)

// Remote commands. LANG=C keeps top's decimal separator a dot.
const (
	TopCommand       = "LANG=C top -bn1 | head -n 10"
	NetDevCommand    = "cat /proc/net/dev"
	ProcessesCommand = "ps -eo pid,pcpu,pmem,comm --sort=-pcpu | head -n 5"
	DisksCommand     = "df -hP"
)

type Memory struct {
	UsedMB      float64 `json:"usedMb"`
	TotalMB     float64 `json:"totalMb"`
	UsedPercent float64 `json:"usedPercent"`
}

type Interface struct {
	Name    string `json:"interface"`
	RxBytes uint64 `json:"rxBytes"`
	TxBytes uint64 `json:"txBytes"`
}

type Process struct {
	PID           int     `json:"pid"`
	CPUPercent    float64 `json:"cpuPercent"`
	MemoryPercent float64 `json:"memoryPercent"`
	Command       string  `json:"command"`
}

type Disk struct {
	Filesystem  string `json:"filesystem"`
	MountPoint  string `json:"mountPoint"`
	Used        string `json:"used"`
	Total       string `json:"total"`
	UsedPercent string `json:"usedPercent"`
}

// Status is one snapshot. SelectedInterface is empty and
// SelectedInterfaceTraffic nil when the target reports no interfaces.
type Status struct {
	CPUPercent               float64     `json:"cpuPercent"`
	Memory                   Memory      `json:"memory"`
	NetworkInterfaces        []Interface `json:"networkInterfaces"`
	SelectedInterface        string      `json:"selectedInterface,omitempty"`
	SelectedInterfaceTraffic *Interface  `json:"selectedInterfaceTraffic,omitempty"`
	TopProcesses             []Process   `json:"topProcesses"`
	Disks                    []Disk      `json:"disks"`
	FetchedAt                time.Time   `json:"fetchedAt"`
}

// Cache holds the latest Status per session id.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]Status
}

func NewCache() *Cache {
	return &Cache{entries: make(map[string]Status)}
}

func (c *Cache) Put(sessionID string, s Status) {
	c.mu.Lock()
	c.entries[sessionID] = s
	c.mu.Unlock()
}

func (c *Cache) Get(sessionID string) (Status, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.entries[sessionID]
	return s, ok
}

func (c *Cache) Evict(sessionID string) {
	c.mu.Lock()
	delete(c.entries, sessionID)
	c.mu.Unlock()
}

// Collector fetches snapshots for registered sessions.
type Collector struct {
	registry *session.Registry
	targets  sshconn.TargetSource
	dialer   sshconn.Dialer
	cache    *Cache
	now      func() time.Time
}

// NewCollector returns a Collector that caches into cache. Cached entries
// are evicted when their session leaves the registry.
func NewCollector(registry *session.Registry, targets sshconn.TargetSource, dialer sshconn.Dialer, cache *Cache) *Collector {
	if cache == nil {
		cache = NewCache()
	}
	registry.OnRemove(cache.Evict)
	return &Collector{
		registry: registry,
		targets:  targets,
		dialer:   dialer,
		cache:    cache,
		now:      time.Now,
	}
}

// Fetch collects a fresh snapshot over one connection, running the four
// probe commands concurrently, and caches it. preferredInterface selects
// the interface reported as SelectedInterface when the target has it.
func (c *Collector) Fetch(ctx context.Context, sessionID, preferredInterface string) (Status, error) {
	sess, err := c.registry.Get(sessionID)
	if err != nil {
		return Status{}, err
	}
	target, err := c.targets.Target(sess.TargetID)
	if err != nil {
		return Status{}, err
	}
	client, err := c.dialer.Connect(ctx, target)
	if err != nil {
		return Status{}, err
	}
	defer client.Close()

	start := time.Now()
	var topOut, netOut, psOut, dfOut string
	var g errgroup.Group
	g.Go(probe(client, TopCommand, &topOut))
	g.Go(probe(client, NetDevCommand, &netOut))
	g.Go(probe(client, ProcessesCommand, &psOut))
	g.Go(probe(client, DisksCommand, &dfOut))
	if err := g.Wait(); err != nil {
		return Status{}, apperr.Transport(err, "collect status from %s", target.Label())
	}

	st := Status{
		NetworkInterfaces: ParseNetDev(netOut),
		TopProcesses:      ParseProcesses(psOut),
		Disks:             ParseDisks(dfOut),
		FetchedAt:         c.now(),
	}
	st.CPUPercent, _ = ParseCPUPercent(topOut)
	st.Memory, _ = ParseMemory(topOut)
	st.SelectedInterface = SelectInterface(st.NetworkInterfaces, preferredInterface)
	for i := range st.NetworkInterfaces {
		if st.NetworkInterfaces[i].Name == st.SelectedInterface {
			iface := st.NetworkInterfaces[i]
			st.SelectedInterfaceTraffic = &iface
			break
		}
	}

	// The session may have been closed while probing; don't resurrect its
	// cache entry.
	if _, err := c.registry.Get(sessionID); err == nil {
		c.cache.Put(sessionID, st)
	}
	log.Printf("[status] session %s: snapshot from %s in %s", sessionID, target.Label(), time.Since(start))
	return st, nil
}

// Cached returns the last snapshot for sessionID, or nil when none was
// fetched yet.
func (c *Collector) Cached(sessionID string) (*Status, error) {
	if _, err := c.registry.Get(sessionID); err != nil {
		return nil, err
	}
	st, ok := c.cache.Get(sessionID)
	if !ok {
		return nil, nil
	}
	return &st, nil
}

// probe runs cmd and stores its stdout. A non-zero exit leaves whatever
// the command printed; parsers tolerate partial output.
func probe(client *ssh.Client, cmd string, out *string) func() error {
	return func() error {
		stdout, _, _, err := sshexec.Run(client, cmd)
		if err != nil {
			return err
		}
		*out = stdout
		return nil
	}
}
