// Package sshaudit records SSH activity (connections, command executions,
// terminal sessions, file operations) to the database and purges old
// records on a cron schedule.
package sshaudit

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/mahoushoujyo-eee/eshell/internal/database"
	"github.com/mahoushoujyo-eee/eshell/internal/logutil"
	"github.com/robfig/cron/v3"
	"gorm.io/gorm"
)

// Event types.
const (
	EventConnectionFailed     = "connection_failed"
	EventCommandExecution     = "command_execution"
	EventFileOperation        = "file_operation"
	EventTerminalSessionStart = "terminal_session_start"
	EventTerminalSessionEnd   = "terminal_session_end"
	EventActionResolved       = "agent_action_resolved"
)

// DefaultRetentionDays is used when no retention period is configured.
const DefaultRetentionDays = 90

// Entry contains the fields of one audit record.
type Entry struct {
	SessionID  string
	TargetID   string
	TargetName string
	EventType  string
	Username   string
	Details    string
	DurationMs int64
}

// Auditor writes and queries audit records. A nil *Auditor is valid and
// records nothing.
type Auditor struct {
	mu            sync.RWMutex
	db            *gorm.DB
	retentionDays int
	nowFn         func() time.Time
}

// NewAuditor creates an Auditor on db. If retentionDays is 0,
// DefaultRetentionDays is used.
func NewAuditor(db *gorm.DB, retentionDays int) *Auditor {
	if retentionDays <= 0 {
		retentionDays = DefaultRetentionDays
	}
	return &Auditor{
		db:            db,
		retentionDays: retentionDays,
		nowFn:         time.Now,
	}
}

// Log records an event to the database and the standard logger.
func (a *Auditor) Log(entry Entry) error {
	if a == nil {
		return nil
	}
	record := database.AuditLog{
		SessionID:  entry.SessionID,
		TargetID:   entry.TargetID,
		TargetName: entry.TargetName,
		EventType:  entry.EventType,
		Username:   entry.Username,
		Details:    entry.Details,
		Duration:   entry.DurationMs,
		CreatedAt:  a.nowFn(),
	}

	a.mu.RLock()
	err := a.db.Create(&record).Error
	a.mu.RUnlock()
	if err != nil {
		log.Printf("[audit] failed to write audit log: %v", err)
		return err
	}

	log.Printf("[audit] %s target=%s session=%s user=%s details=%s",
		entry.EventType,
		logutil.SanitizeForLog(entry.TargetName),
		entry.SessionID,
		logutil.SanitizeForLog(entry.Username),
		logutil.Command(entry.Details, 200),
	)
	return nil
}

// QueryOptions filters audit records.
type QueryOptions struct {
	SessionID string
	TargetID  string
	EventType string
	Since     *time.Time
	Limit     int
	Offset    int
}

type QueryResult struct {
	Entries []database.AuditLog `json:"entries"`
	Total   int64               `json:"total"`
	Limit   int                 `json:"limit"`
	Offset  int                 `json:"offset"`
}

// Query returns records matching opts, newest first.
func (a *Auditor) Query(opts QueryOptions) (*QueryResult, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	tx := a.db.Model(&database.AuditLog{})
	if opts.SessionID != "" {
		tx = tx.Where("session_id = ?", opts.SessionID)
	}
	if opts.TargetID != "" {
		tx = tx.Where("target_id = ?", opts.TargetID)
	}
	if opts.EventType != "" {
		tx = tx.Where("event_type = ?", opts.EventType)
	}
	if opts.Since != nil {
		tx = tx.Where("created_at >= ?", *opts.Since)
	}

	var total int64
	if err := tx.Count(&total).Error; err != nil {
		return nil, err
	}

	if opts.Limit <= 0 {
		opts.Limit = 50
	}
	if opts.Limit > 1000 {
		opts.Limit = 1000
	}

	var entries []database.AuditLog
	if err := tx.Order("created_at DESC").Offset(opts.Offset).Limit(opts.Limit).Find(&entries).Error; err != nil {
		return nil, err
	}
	return &QueryResult{Entries: entries, Total: total, Limit: opts.Limit, Offset: opts.Offset}, nil
}

// PurgeOlderThan deletes records older than days (the retention period when
// days <= 0) and returns how many were removed.
func (a *Auditor) PurgeOlderThan(days int) (int64, error) {
	if days <= 0 {
		days = a.retentionDays
	}
	cutoff := a.nowFn().AddDate(0, 0, -days)

	a.mu.Lock()
	result := a.db.Where("created_at < ?", cutoff).Delete(&database.AuditLog{})
	a.mu.Unlock()
	if result.Error != nil {
		log.Printf("[audit] purge failed: %v", result.Error)
		return 0, result.Error
	}
	if result.RowsAffected > 0 {
		log.Printf("[audit] purged %d audit log entries older than %d days", result.RowsAffected, days)
	}
	return result.RowsAffected, nil
}

// StartPurgeJob schedules PurgeOlderThan on a cron spec such as "@daily".
// Stop the returned cron to end the job.
func (a *Auditor) StartPurgeJob(spec string) (*cron.Cron, error) {
	c := cron.New()
	if _, err := c.AddFunc(spec, func() {
		if _, err := a.PurgeOlderThan(0); err != nil {
			log.Printf("[audit] scheduled purge: %v", err)
		}
	}); err != nil {
		return nil, fmt.Errorf("schedule audit purge %q: %w", spec, err)
	}
	c.Start()
	log.Printf("[audit] retention purge scheduled (%s, keep %d days)", spec, a.retentionDays)
	return c, nil
}

func (a *Auditor) RetentionDays() int {
	return a.retentionDays
}

// SetNowFunc overrides the clock; tests only.
func (a *Auditor) SetNowFunc(fn func() time.Time) {
	a.nowFn = fn
}
