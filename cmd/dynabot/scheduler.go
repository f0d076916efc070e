package main

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/memtensor/dynabot/pkg/config"
	"github.com/memtensor/dynabot/pkg/interfaces"
	"github.com/memtensor/dynabot/pkg/memory"
)

// sweepSchedule drops expired sessions once a minute
const sweepSchedule = "@every 1m"

type cleaner interface {
	Cleanup(ctx context.Context, daysToKeep int) (memory.CleanupResult, error)
}

// maintenance runs background jobs for the serve command
type maintenance struct {
	cron       *cron.Cron
	bot        cleaner
	sweep      func() int
	logger     interfaces.Logger
	daysToKeep atomic.Int64
	timeout    time.Duration
}

func newMaintenance(bot cleaner, sweep func() int, retention config.RetentionConfig, log interfaces.Logger) (*maintenance, error) {
	m := &maintenance{
		cron:    cron.New(cron.WithLogger(cronLogger{log}), cron.WithChain(cron.SkipIfStillRunning(cronLogger{log}))),
		bot:     bot,
		sweep:   sweep,
		logger:  log,
		timeout: 5 * time.Minute,
	}
	m.daysToKeep.Store(int64(retention.DaysToKeep))

	if _, err := m.cron.AddFunc(sweepSchedule, func() { m.sweep() }); err != nil {
		return nil, fmt.Errorf("failed to schedule session sweep: %w", err)
	}
	if retention.Schedule != "" {
		if _, err := m.cron.AddFunc(retention.Schedule, m.runCleanup); err != nil {
			return nil, fmt.Errorf("invalid retention schedule %q: %w", retention.Schedule, err)
		}
		log.Info("retention cleanup scheduled", map[string]interface{}{
			"schedule":     retention.Schedule,
			"days_to_keep": retention.DaysToKeep,
		})
	}
	return m, nil
}

// SetDaysToKeep changes the window used by later scheduled runs
func (m *maintenance) SetDaysToKeep(days int) {
	m.daysToKeep.Store(int64(days))
}

func (m *maintenance) runCleanup() {
	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()

	days := int(m.daysToKeep.Load())
	if _, err := m.bot.Cleanup(ctx, days); err != nil {
		m.logger.Error("scheduled cleanup failed", err, map[string]interface{}{"days_to_keep": days})
	}
}

func (m *maintenance) Start() { m.cron.Start() }

// Stop waits for running jobs to finish
func (m *maintenance) Stop() {
	<-m.cron.Stop().Done()
}

// cronLogger adapts the structured logger to cron's logging interface
type cronLogger struct {
	log interfaces.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug("cron: "+msg, toFields(keysAndValues))
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error("cron: "+msg, err, toFields(keysAndValues))
}

func toFields(keysAndValues []interface{}) map[string]interface{} {
	fields := make(map[string]interface{}, len(keysAndValues)/2)
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		fields[fmt.Sprint(keysAndValues[i])] = keysAndValues[i+1]
	}
	return fields
}
