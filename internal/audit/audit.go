// Package audit records shell and binding lifecycle events in the database.
package audit

import (
	"fmt"
	"log"
	"time"

	"gorm.io/gorm"

	"github.com/gluk-w/shellmux/internal/database"
	"github.com/gluk-w/shellmux/internal/logutil"
	"github.com/gluk-w/shellmux/internal/multiplexer"
)

// DefaultRetentionDays is the default number of days to keep audit logs.
const DefaultRetentionDays = 30

// Entry contains the fields needed to create an audit log entry.
type Entry struct {
	ShellID   int64
	ShellName string
	EventType string
	BindingID string
	SourceIP  string
	Details   string
}

// Auditor records and queries audit logs. Every record is also written to
// the standard logger.
type Auditor struct {
	db            *gorm.DB
	retentionDays int
	nowFn         func() time.Time
}

// NewAuditor creates an Auditor writing to db. A non-positive retentionDays
// selects DefaultRetentionDays.
func NewAuditor(db *gorm.DB, retentionDays int) *Auditor {
	if retentionDays <= 0 {
		retentionDays = DefaultRetentionDays
	}
	return &Auditor{db: db, retentionDays: retentionDays, nowFn: time.Now}
}

// Log records an audit event.
func (a *Auditor) Log(entry Entry) error {
	record := database.AuditLog{
		ShellID:   entry.ShellID,
		ShellName: entry.ShellName,
		EventType: entry.EventType,
		BindingID: entry.BindingID,
		SourceIP:  entry.SourceIP,
		Details:   entry.Details,
		CreatedAt: a.nowFn(),
	}
	if err := a.db.Create(&record).Error; err != nil {
		log.Printf("[audit] failed to write audit log: %v", err)
		return fmt.Errorf("write audit log: %w", err)
	}

	log.Printf("[audit] %s shell=%d name=%s binding=%s ip=%s details=%s",
		entry.EventType,
		entry.ShellID,
		logutil.SanitizeForLog(entry.ShellName),
		entry.BindingID,
		entry.SourceIP,
		logutil.SanitizeForLog(entry.Details),
	)
	return nil
}

// Observe records a multiplexer event. It matches multiplexer.Options.OnEvent.
func (a *Auditor) Observe(e multiplexer.Event) {
	a.Log(Entry{
		ShellID:   e.ShellID,
		ShellName: e.ShellName,
		EventType: e.Type,
		BindingID: e.BindingID,
		SourceIP:  e.Source,
		Details:   e.Details,
	})
}

// QueryOptions specifies filters for retrieving audit logs.
type QueryOptions struct {
	ShellID   int64
	EventType string
	Since     *time.Time
	Until     *time.Time
	Limit     int
	Offset    int
}

// QueryResult contains audit log entries and pagination metadata.
type QueryResult struct {
	Entries []database.AuditLog `json:"entries"`
	Total   int64               `json:"total"`
	Limit   int                 `json:"limit"`
	Offset  int                 `json:"offset"`
}

// Query retrieves entries matching opts, newest first.
func (a *Auditor) Query(opts QueryOptions) (*QueryResult, error) {
	tx := a.db.Model(&database.AuditLog{})
	if opts.ShellID > 0 {
		tx = tx.Where("shell_id = ?", opts.ShellID)
	}
	if opts.EventType != "" {
		tx = tx.Where("event_type = ?", opts.EventType)
	}
	if opts.Since != nil {
		tx = tx.Where("created_at >= ?", *opts.Since)
	}
	if opts.Until != nil {
		tx = tx.Where("created_at <= ?", *opts.Until)
	}

	var total int64
	if err := tx.Count(&total).Error; err != nil {
		return nil, fmt.Errorf("count audit logs: %w", err)
	}

	if opts.Limit <= 0 {
		opts.Limit = 50
	}
	if opts.Limit > 1000 {
		opts.Limit = 1000
	}
	if opts.Offset < 0 {
		opts.Offset = 0
	}

	var entries []database.AuditLog
	if err := tx.Order("created_at DESC, id DESC").Offset(opts.Offset).Limit(opts.Limit).Find(&entries).Error; err != nil {
		return nil, fmt.Errorf("query audit logs: %w", err)
	}
	return &QueryResult{Entries: entries, Total: total, Limit: opts.Limit, Offset: opts.Offset}, nil
}

// PurgeOlderThan removes entries older than days, or the configured
// retention when days is not positive. It returns the number deleted.
func (a *Auditor) PurgeOlderThan(days int) (int64, error) {
	if days <= 0 {
		days = a.retentionDays
	}
	cutoff := a.nowFn().AddDate(0, 0, -days)
	result := a.db.Where("created_at < ?", cutoff).Delete(&database.AuditLog{})
	if result.Error != nil {
		log.Printf("[audit] purge failed: %v", result.Error)
		return 0, fmt.Errorf("purge audit logs: %w", result.Error)
	}
	if result.RowsAffected > 0 {
		log.Printf("[audit] purged %d audit log entries older than %d days", result.RowsAffected, days)
	}
	return result.RowsAffected, nil
}

func (a *Auditor) RetentionDays() int {
	return a.retentionDays
}

// SetNowFunc sets the clock function used for testing.
func (a *Auditor) SetNowFunc(fn func() time.Time) {
	a.nowFn = fn
}
