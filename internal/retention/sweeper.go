// Package retention removes usage log entries older than their plan allows.
package retention

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/guardapi/guard/internal/logging"
	"github.com/guardapi/guard/internal/models"
	"github.com/guardapi/guard/internal/monitoring"
	"github.com/rs/zerolog"
)

// KeyLister pages key ids by plan
type KeyLister interface {
	ListKIDsByPlan(ctx context.Context, plan models.PlanName, afterKID string, limit int) ([]string, error)
}

// Deleter removes old usage log entries
type Deleter interface {
	DeleteBefore(ctx context.Context, kids []string, cutoff time.Time, limit int) (int64, error)
}

// Config holds sweeper configuration
type Config struct {
	// Interval between sweeps (default: 15 minutes)
	Interval time.Duration
	// BatchSize bounds both kid pages and rows per delete (default: 500)
	BatchSize int
	// Now overrides the clock
	Now func() time.Time
}

// DefaultConfig returns the default sweeper configuration
func DefaultConfig() *Config {
	return &Config{
		Interval:  15 * time.Minute,
		BatchSize: 500,
	}
}

// Result summarizes one sweep
type Result struct {
	StartedAt  time.Time                 `json:"started_at"`
	FinishedAt time.Time                 `json:"finished_at"`
	Deleted    map[models.PlanName]int64 `json:"deleted"`
	Total      int64                     `json:"total"`
}

// Status represents the current status of the sweeper
type Status struct {
	Running    bool       `json:"running"`
	Interval   string     `json:"interval"`
	LastRun    *time.Time `json:"last_run,omitempty"`
	LastResult *Result    `json:"last_result,omitempty"`
	LastError  string     `json:"last_error,omitempty"`
}

// Sweeper periodically deletes expired usage log entries. It never touches
// rate limit or quota state.
type Sweeper struct {
	keys  KeyLister
	logs  Deleter
	plans models.PlanCatalog
	cfg   Config
	log   zerolog.Logger

	stopCh     chan struct{}
	wg         sync.WaitGroup
	mu         sync.Mutex
	running    bool
	lastRun    time.Time
	lastResult *Result
	lastErr    error
}

// NewSweeper creates a new retention sweeper
func NewSweeper(keys KeyLister, logs Deleter, plans models.PlanCatalog, config *Config) *Sweeper {
	def := DefaultConfig()
	if config == nil {
		config = def
	}
	cfg := *config
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if plans == nil {
		plans = models.DefaultPlans()
	}
	return &Sweeper{
		keys:  keys,
		logs:  logs,
		plans: plans,
		cfg:   cfg,
		log:   logging.NewLogger("retention"),
	}
}

// Start begins periodic sweeping
func (s *Sweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("sweeper already running")
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.mu.Unlock()

	s.wg.Add(1)
	go s.run(ctx)

	s.log.Info().Dur("interval", s.cfg.Interval).Msg("Retention sweeper started")
	return nil
}

// Stop stops periodic sweeping and waits for an in-flight sweep to finish
func (s *Sweeper) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	close(s.stopCh)
	s.wg.Wait()
	s.log.Info().Msg("Retention sweeper stopped")
}

// IsRunning returns whether the sweeper is running
func (s *Sweeper) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Status returns the current sweeper status
func (s *Sweeper) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Status{
		Running:    s.running,
		Interval:   s.cfg.Interval.String(),
		LastResult: s.lastResult,
	}
	if !s.lastRun.IsZero() {
		lr := s.lastRun
		st.LastRun = &lr
	}
	if s.lastErr != nil {
		st.LastError = s.lastErr.Error()
	}
	return st
}

func (s *Sweeper) run(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			if _, err := s.RunNow(ctx); err != nil {
				s.log.Error().Err(err).Msg("Retention sweep failed")
			}
		}
	}
}

// RunNow performs one sweep across every plan
func (s *Sweeper) RunNow(ctx context.Context) (*Result, error) {
	now := s.cfg.Now().UTC()
	result := &Result{
		StartedAt: now,
		Deleted:   make(map[models.PlanName]int64),
	}

	var sweepErr error
	for _, name := range s.plans.Names() {
		plan := s.plans[name]
		cutoff := now.Add(-plan.Retention)

		n, err := s.sweepPlan(ctx, name, cutoff)
		result.Deleted[name] = n
		result.Total += n
		if n > 0 {
			monitoring.RecordRetentionDeleted(string(name), n)
		}
		if err != nil {
			sweepErr = fmt.Errorf("sweep plan %s: %w", name, err)
			break
		}
	}
	result.FinishedAt = s.cfg.Now().UTC()

	s.mu.Lock()
	s.lastRun = result.FinishedAt
	s.lastResult = result
	s.lastErr = sweepErr
	s.mu.Unlock()

	if sweepErr != nil {
		monitoring.RecordRetentionRun("error")
		return result, sweepErr
	}

	monitoring.RecordRetentionRun("ok")
	s.log.Info().
		Int64("deleted", result.Total).
		Dur("took", result.FinishedAt.Sub(result.StartedAt)).
		Msg("Retention sweep completed")
	return result, nil
}

// sweepPlan deletes expired entries of every key on plan, a page of kids at a time
func (s *Sweeper) sweepPlan(ctx context.Context, plan models.PlanName, cutoff time.Time) (int64, error) {
	var total int64
	after := ""
	for {
		kids, err := s.keys.ListKIDsByPlan(ctx, plan, after, s.cfg.BatchSize)
		if err != nil {
			return total, err
		}
		if len(kids) == 0 {
			return total, nil
		}

		for {
			if err := ctx.Err(); err != nil {
				return total, err
			}
			n, err := s.logs.DeleteBefore(ctx, kids, cutoff, s.cfg.BatchSize)
			if err != nil {
				return total, err
			}
			total += n
			if n < int64(s.cfg.BatchSize) {
				break
			}
		}

		if len(kids) < s.cfg.BatchSize {
			return total, nil
		}
		after = kids[len(kids)-1]
	}
}
