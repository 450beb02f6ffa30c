/*
scheduler.go - Cron trigger for the reminder sweep

PURPOSE:
  Runs the reminder sweep on a cron schedule inside the server process.
  The sweep itself is idempotent, so an overlapping manual trigger or a
  second replica only produces skips.

DESIGN:
  - robfig/cron with SkipIfStillRunning: a slow sweep is never stacked
  - Each run gets its own timeout so a hung notifier cannot pin the job
  - Recover wraps the job so a panic is logged, not fatal

USAGE:
  scheduler, err := NewReminderScheduler(sweeper, "0 8 * * *", logger)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - reminder/sweeper.go: The sweep
  - handlers.go: RunReminderSweep (manual trigger)
*/
package api

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	"github.com/warp/contract-engine/reminder"
)

// Sweeper is what the scheduler triggers.
type Sweeper interface {
	Run(ctx context.Context) (*reminder.Summary, error)
}

type ReminderScheduler struct {
	sweeper    Sweeper
	cron       *cron.Cron
	log        logrus.FieldLogger
	RunTimeout time.Duration

	mu      sync.Mutex
	running bool
}

func NewReminderScheduler(s Sweeper, spec string, logger logrus.FieldLogger) (*ReminderScheduler, error) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	rs := &ReminderScheduler{
		sweeper:    s,
		log:        logger.WithField("component", "reminder_scheduler"),
		RunTimeout: 30 * time.Minute,
	}

	cl := cronLogger{log: rs.log}
	rs.cron = cron.New(cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)), cron.WithLogger(cl))
	if _, err := rs.cron.AddFunc(spec, rs.runOnce); err != nil {
		return nil, fmt.Errorf("invalid reminder schedule %q: %w", spec, err)
	}
	return rs, nil
}

func (rs *ReminderScheduler) Start() {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if rs.running {
		return
	}
	rs.cron.Start()
	rs.running = true

	entries := rs.cron.Entries()
	if len(entries) > 0 {
		rs.log.WithField("next_run", entries[0].Next).Info("reminder scheduler started")
	}
}

// Stop waits for a running sweep to finish.
func (rs *ReminderScheduler) Stop() {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if !rs.running {
		return
	}
	<-rs.cron.Stop().Done()
	rs.running = false
	rs.log.Info("reminder scheduler stopped")
}

func (rs *ReminderScheduler) runOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), rs.RunTimeout)
	defer cancel()

	summary, err := rs.sweeper.Run(ctx)
	if err != nil {
		rs.log.WithError(err).Error("scheduled reminder sweep failed")
		return
	}
	rs.log.WithFields(logrus.Fields{
		"processed": summary.Processed,
		"sent":      summary.Sent,
		"skipped":   summary.Skipped,
		"errors":    summary.Errors,
	}).Info("scheduled reminder sweep done")
}

// cronLogger adapts logrus to cron.Logger.
type cronLogger struct {
	log logrus.FieldLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.WithFields(kvFields(keysAndValues)).Debug(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.WithError(err).WithFields(kvFields(keysAndValues)).Error(msg)
}

func kvFields(kv []interface{}) logrus.Fields {
	f := logrus.Fields{}
	for i := 0; i+1 < len(kv); i += 2 {
		f[fmt.Sprint(kv[i])] = kv[i+1]
	}
	return f
}
