/*
scheduler.go - Automated end-of-day sweep scheduler

PURPOSE:
  Periodically runs the end-of-day sweep so abandoned sessions are
  force-closed and absences are charged without an operator.

DESIGN:
  - Runs a background goroutine with a configurable check interval
  - Every check sweeps yesterday, and today once today's end of day passed
  - Sweeps are idempotent (absence charges carry an idempotency key), so
    repeated checks on the same day charge nothing new
  - Night sessions stay open until the night window ends and are closed by
    the first check after that

CONFIGURATION:
  - CheckInterval: How often to check (scheduler.interval, default 1 hour)
  - Enabled: Whether scheduler is active (scheduler.enabled, default true)

USAGE:
  scheduler := NewSweepScheduler(sweeper, loc, logger)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - handlers.go: TriggerSweep endpoint (manual sweep)
  - clock/sweep.go: Sweeper
*/
package api

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/warp/attendance-engine/attendance"
	"github.com/warp/attendance-engine/clock"
)

// SweepScheduler runs the end-of-day sweep on a ticker.
type SweepScheduler struct {
	Sweeper       *clock.Sweeper
	Location      *time.Location
	CheckInterval time.Duration
	Enabled       bool

	now    func() time.Time
	logger *zap.Logger

	ticker  *time.Ticker
	stop    chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	lastRun time.Time
}

// NewSweepScheduler creates a scheduler with a one hour interval.
func NewSweepScheduler(sweeper *clock.Sweeper, loc *time.Location, logger *zap.Logger) *SweepScheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if loc == nil {
		loc = time.UTC
	}
	return &SweepScheduler{
		Sweeper:       sweeper,
		Location:      loc,
		CheckInterval: time.Hour,
		Enabled:       true,
		now:           time.Now,
		logger:        logger,
		stop:          make(chan struct{}),
	}
}

// Start begins the scheduler.
func (s *SweepScheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.Enabled {
		s.logger.Info("sweep scheduler disabled, not starting")
		return
	}
	if s.ticker != nil {
		return
	}

	s.ticker = time.NewTicker(s.CheckInterval)
	s.wg.Add(1)

	go s.run(s.ticker)

	s.logger.Info("sweep scheduler started", zap.Duration("interval", s.CheckInterval))
}

// Stop stops the scheduler and waits for a running sweep to finish.
func (s *SweepScheduler) Stop() {
	s.mu.Lock()
	ticker := s.ticker
	s.ticker = nil
	s.mu.Unlock()

	if ticker != nil {
		ticker.Stop()
		close(s.stop)
		s.wg.Wait()
		s.logger.Info("sweep scheduler stopped")
	}
}

func (s *SweepScheduler) run(ticker *time.Ticker) {
	defer s.wg.Done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-s.stop
		cancel()
	}()

	// Run immediately on start
	s.RunNow(ctx)

	for {
		select {
		case <-ticker.C:
			s.RunNow(ctx)
		case <-s.stop:
			return
		}
	}
}

// RunNow sweeps every day that is due at the current time and returns the
// reports of the days that completed.
func (s *SweepScheduler) RunNow(ctx context.Context) []clock.SweepReport {
	now := s.now()
	var reports []clock.SweepReport
	for _, day := range s.DueDays(now) {
		report, err := s.Sweeper.Sweep(ctx, day, now)
		if err != nil {
			s.logger.Error("scheduled sweep failed", zap.String("day", attendance.DayKey(day)), zap.Error(err))
			continue
		}
		reports = append(reports, report)
	}

	s.mu.Lock()
	s.lastRun = now
	s.mu.Unlock()
	return reports
}

// DueDays lists the local days a check at now should sweep: yesterday, and
// today once the configured end of day has passed.
func (s *SweepScheduler) DueDays(now time.Time) []time.Time {
	today := attendance.DateOf(now.In(s.Location))
	days := []time.Time{today.AddDate(0, 0, -1)}
	if !s.Sweeper.EndOfDay().On(today).After(now) {
		days = append(days, today)
	}
	return days
}

// LastRun returns when the last check ran, zero if never.
func (s *SweepScheduler) LastRun() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastRun
}

// NextRunTime returns when the next scheduled check will occur.
func (s *SweepScheduler) NextRunTime() time.Time {
	return s.LastRun().Add(s.CheckInterval)
}
