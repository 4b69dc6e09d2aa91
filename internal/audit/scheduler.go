package audit

import (
	"context"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// PurgeSchedule runs retention once a day at midnight.
const PurgeSchedule = "@daily"

// Scheduler runs periodic audit maintenance.
type Scheduler struct {
	cron *cron.Cron
	log  *zap.Logger
}

// NewScheduler registers a retention purge for a on schedule, which defaults
// to PurgeSchedule.
func NewScheduler(a *Auditor, schedule string, log *zap.Logger) (*Scheduler, error) {
	if schedule == "" {
		schedule = PurgeSchedule
	}
	if log == nil {
		log = zap.NewNop()
	}
	c := cron.New(cron.WithChain(cron.Recover(cronLogger{log})))
	if _, err := c.AddFunc(schedule, func() { a.PurgeOlderThan(0) }); err != nil {
		return nil, err
	}
	return &Scheduler{cron: c, log: log}, nil
}

// Start begins running jobs in the background.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop stops scheduling and waits for a running job until ctx is done.
func (s *Scheduler) Stop(ctx context.Context) {
	select {
	case <-s.cron.Stop().Done():
	case <-ctx.Done():
		s.log.Warn("audit job still running at shutdown")
	}
}

// cronLogger adapts zap to cron's logger.
type cronLogger struct {
	l *zap.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...any) {
	c.l.Sugar().Debugw(msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...any) {
	c.l.Sugar().Errorw(msg, append(keysAndValues, "error", err)...)
}
