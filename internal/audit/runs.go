package audit

import (
	"sync"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/ruifung/mcswrappr/internal/database"
	"github.com/ruifung/mcswrappr/internal/supervisor"
)

// RunRecorder stores one ServerRun row per server lifetime. It implements
// supervisor.Observer.
type RunRecorder struct {
	db  *gorm.DB
	log *zap.Logger

	mu      sync.Mutex
	current map[int]uint // pid -> row id
}

func NewRunRecorder(db *gorm.DB, log *zap.Logger) *RunRecorder {
	if log == nil {
		log = zap.NewNop()
	}
	return &RunRecorder{db: db, log: log, current: make(map[int]uint)}
}

func (r *RunRecorder) OnStart(pid int, at time.Time) {
	run := database.ServerRun{PID: pid, StartedAt: at}
	if err := r.db.Create(&run).Error; err != nil {
		r.log.Error("record server start failed", zap.Error(err))
		return
	}
	r.mu.Lock()
	r.current[pid] = run.ID
	r.mu.Unlock()
}

func (r *RunRecorder) OnExit(info supervisor.ExitInfo) {
	r.mu.Lock()
	id, ok := r.current[info.PID]
	delete(r.current, info.PID)
	r.mu.Unlock()

	ended := info.EndedAt
	code := info.ExitCode
	if !ok {
		// Start was not recorded; keep what we know.
		run := database.ServerRun{PID: info.PID, StartedAt: info.StartedAt, EndedAt: &ended, ExitCode: &code, Reason: info.Reason}
		if err := r.db.Create(&run).Error; err != nil {
			r.log.Error("record server exit failed", zap.Error(err))
		}
		return
	}
	err := r.db.Model(&database.ServerRun{}).Where("id = ?", id).Updates(map[string]any{
		"ended_at":  ended,
		"exit_code": code,
		"reason":    info.Reason,
	}).Error
	if err != nil {
		r.log.Error("record server exit failed", zap.Error(err))
	}
}

// Recent returns up to limit runs, newest first.
func (r *RunRecorder) Recent(limit int) ([]database.ServerRun, error) {
	if limit <= 0 {
		limit = defaultQueryLimit
	}
	if limit > maxQueryLimit {
		limit = maxQueryLimit
	}
	runs := []database.ServerRun{}
	err := r.db.Order("started_at DESC, id DESC").Limit(limit).Find(&runs).Error
	return runs, err
}
