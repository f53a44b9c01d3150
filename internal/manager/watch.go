package manager

import (
	"context"
	"errors"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// fixedDelay fires every interval with millisecond precision. cron.Every
// rounds to whole seconds, which would drop the poll jitter.
type fixedDelay struct {
	every time.Duration
}

func (s fixedDelay) Next(t time.Time) time.Time {
	return t.Add(s.every)
}

// cronLogger routes cron's own messages through zerolog.
type cronLogger struct {
	logger zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug().Fields(keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error().Err(err).Fields(keysAndValues).Msg(msg)
}

// ErrAlreadyWatching is returned by a second StartWatching.
var ErrAlreadyWatching = errors.New("manager is already watching")

// StartWatching runs one pass right away and then one pass per interval
// until ctx is done. Ticks do not wait for earlier passes to finish.
func (m *Manager) StartWatching(ctx context.Context) error {
	m.mu.Lock()
	if m.cron != nil {
		m.mu.Unlock()
		return ErrAlreadyWatching
	}
	logger := cronLogger{logger: m.logger.With().Str("component", "poller").Logger()}
	c := cron.New(
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger)),
	)
	c.Schedule(fixedDelay{every: m.interval}, cron.FuncJob(func() {
		m.Reconcile(ctx)
	}))
	m.cron = c
	m.mu.Unlock()

	m.logger.Info().
		Dur("interval", m.interval).
		Msg("Watching for alerts")

	c.Start()
	go func() {
		<-ctx.Done()
		m.stop(c)
	}()

	m.Reconcile(ctx)
	return nil
}

// Stop halts the poll loop and waits for running passes to finish.
func (m *Manager) Stop() {
	m.mu.RLock()
	c := m.cron
	m.mu.RUnlock()
	m.stop(c)
}

func (m *Manager) stop(c *cron.Cron) {
	m.mu.Lock()
	if c == nil || m.cron != c {
		m.mu.Unlock()
		return
	}
	m.cron = nil
	m.mu.Unlock()

	<-c.Stop().Done()
	m.logger.Info().Msg("Stopped watching for alerts")
}

// Watching reports whether the poll loop is running.
func (m *Manager) Watching() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cron != nil
}
