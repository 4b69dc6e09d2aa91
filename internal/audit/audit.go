package audit

import (
	"net"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/ruifung/mcswrappr/internal/commands"
	"github.com/ruifung/mcswrappr/internal/console"
	"github.com/ruifung/mcswrappr/internal/database"
	"github.com/ruifung/mcswrappr/internal/logutil"
)

// Event types.
const (
	EventLoginSuccess = "login_success"
	EventLoginFailure = "login_failure"
	EventSessionStart = "session_start"
	EventSessionEnd   = "session_end"
	EventCommand      = "command"
)

// DefaultRetentionDays is used when no retention is configured.
const DefaultRetentionDays = 90

const (
	defaultQueryLimit = 50
	maxQueryLimit     = 1000
)

// Entry contains the fields needed to create an audit record.
type Entry struct {
	EventType  string
	Username   string
	SourceIP   string
	SessionID  string
	Details    string
	DurationMs int64
}

// Auditor records and queries audit logs.
type Auditor struct {
	mu            sync.RWMutex
	db            *gorm.DB
	log           *zap.Logger
	retentionDays int
	nowFn         func() time.Time
}

func NewAuditor(db *gorm.DB, retentionDays int, log *zap.Logger) *Auditor {
	if retentionDays <= 0 {
		retentionDays = DefaultRetentionDays
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Auditor{
		db:            db,
		log:           log,
		retentionDays: retentionDays,
		nowFn:         time.Now,
	}
}

// Log writes an audit record. Failures are logged and returned.
func (a *Auditor) Log(e Entry) error {
	record := database.AuditLog{
		EventType: e.EventType,
		Username:  logutil.SanitizeForLog(e.Username),
		SourceIP:  hostOnly(e.SourceIP),
		SessionID: e.SessionID,
		Details:   logutil.SanitizeForLog(e.Details),
		Duration:  e.DurationMs,
		CreatedAt: a.now(),
	}

	a.mu.Lock()
	err := a.db.Create(&record).Error
	a.mu.Unlock()
	if err != nil {
		a.log.Error("write audit log failed", zap.String("event", e.EventType), zap.Error(err))
		return err
	}

	a.log.Debug("audit",
		zap.String("event", record.EventType),
		zap.String("user", record.Username),
		zap.String("source_ip", record.SourceIP),
		zap.String("details", record.Details),
	)
	return nil
}

// QueryOptions filters audit records. Zero values match everything.
type QueryOptions struct {
	EventType string
	Username  string
	SessionID string
	Since     *time.Time
	Until     *time.Time
	Limit     int
	Offset    int
}

// QueryResult is one page of audit records, newest first.
type QueryResult struct {
	Entries []database.AuditLog `json:"entries"`
	Total   int64               `json:"total"`
	Limit   int                 `json:"limit"`
	Offset  int                 `json:"offset"`
}

func (a *Auditor) Query(opts QueryOptions) (*QueryResult, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	tx := a.db.Model(&database.AuditLog{})
	if opts.EventType != "" {
		tx = tx.Where("event_type = ?", opts.EventType)
	}
	if opts.Username != "" {
		tx = tx.Where("username = ?", opts.Username)
	}
	if opts.SessionID != "" {
		tx = tx.Where("session_id = ?", opts.SessionID)
	}
	if opts.Since != nil {
		tx = tx.Where("created_at >= ?", opts.Since.UTC())
	}
	if opts.Until != nil {
		tx = tx.Where("created_at <= ?", opts.Until.UTC())
	}

	var total int64
	if err := tx.Count(&total).Error; err != nil {
		return nil, err
	}

	if opts.Limit <= 0 {
		opts.Limit = defaultQueryLimit
	}
	if opts.Limit > maxQueryLimit {
		opts.Limit = maxQueryLimit
	}
	if opts.Offset < 0 {
		opts.Offset = 0
	}

	entries := []database.AuditLog{}
	if err := tx.Order("created_at DESC, id DESC").Offset(opts.Offset).Limit(opts.Limit).Find(&entries).Error; err != nil {
		return nil, err
	}
	return &QueryResult{Entries: entries, Total: total, Limit: opts.Limit, Offset: opts.Offset}, nil
}

// PurgeOlderThan deletes records older than days, or the configured
// retention when days is not positive. It returns the number deleted.
func (a *Auditor) PurgeOlderThan(days int) (int64, error) {
	if days <= 0 {
		days = a.retentionDays
	}
	cutoff := a.now().AddDate(0, 0, -days)

	a.mu.Lock()
	result := a.db.Where("created_at < ?", cutoff).Delete(&database.AuditLog{})
	a.mu.Unlock()
	if result.Error != nil {
		a.log.Error("audit purge failed", zap.Error(result.Error))
		return 0, result.Error
	}
	if result.RowsAffected > 0 {
		a.log.Info("purged audit log entries",
			zap.Int64("deleted", result.RowsAffected),
			zap.Int("older_than_days", days),
		)
	}
	return result.RowsAffected, nil
}

func (a *Auditor) RetentionDays() int {
	return a.retentionDays
}

// SetNowFunc replaces the clock, for tests.
func (a *Auditor) SetNowFunc(fn func() time.Time) {
	a.nowFn = fn
}

func (a *Auditor) now() time.Time {
	return a.nowFn().UTC()
}

// CommandHook returns a dispatcher hook that records every built-in
// command with the issuing session.
func (a *Auditor) CommandHook() commands.Hook {
	return func(name string, args []string, s *console.Session, err error) {
		details := strings.TrimSpace(name + " " + strings.Join(args, " "))
		if err != nil {
			details += " (failed: " + err.Error() + ")"
		}
		e := Entry{EventType: EventCommand, Details: details}
		if s != nil {
			e.SessionID = s.ID
			e.Username = s.User
			e.SourceIP = s.RemoteAddr
			if s.Kind == console.KindLocal {
				e.Username = "console"
			}
		}
		a.Log(e)
	}
}

// hostOnly strips the port from a host:port address.
func hostOnly(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}
