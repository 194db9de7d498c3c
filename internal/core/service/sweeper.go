package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/rl1809/flash-drop/internal/clock"
	"github.com/rl1809/flash-drop/internal/core/domain"
)

const (
	DefaultSweepInterval    = 5 * time.Second
	defaultSweepParallelism = 8
)

var ErrSweeperRunning = errors.New("sweeper already running")

// ExpiredFinder is the snapshot query the sweeper polls.
type ExpiredFinder interface {
	FindExpiredActive(ctx context.Context, now time.Time) ([]domain.Reservation, error)
}

// Expirer drives a single reservation to expiry.
type Expirer interface {
	ExpireReservation(ctx context.Context, reservation domain.Reservation) (ExpireResult, error)
}

type SweepFailure struct {
	ReservationID string
	Err           error
}

// SweepReport is the outcome of one sweep cycle.
type SweepReport struct {
	StartedAt time.Time
	Found     int
	Released  []ExpireResult
	// Skipped counts reservations that were no longer active when locked.
	Skipped  int
	Failures []SweepFailure
	// QueryErr is set when the expired-reservation query itself failed.
	QueryErr error
}

// Err joins the query error and every per-item failure.
func (r SweepReport) Err() error {
	errs := make([]error, 0, len(r.Failures)+1)
	if r.QueryErr != nil {
		errs = append(errs, r.QueryErr)
	}
	for _, f := range r.Failures {
		errs = append(errs, fmt.Errorf("reservation %s: %w", f.ReservationID, f.Err))
	}
	return errors.Join(errs...)
}

// Sweeper periodically returns stock held by expired active reservations.
// It keeps no reservation state between ticks.
type Sweeper struct {
	finder      ExpiredFinder
	expirer     Expirer
	clock       clock.Clock
	logger      *zap.Logger
	interval    time.Duration
	parallelism int
	onSweep     func(SweepReport)

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

type SweeperOption func(*Sweeper)

func WithSweepInterval(d time.Duration) SweeperOption {
	return func(s *Sweeper) {
		if d > 0 {
			s.interval = d
		}
	}
}

func WithSweepParallelism(n int) SweeperOption {
	return func(s *Sweeper) {
		if n > 0 {
			s.parallelism = n
		}
	}
}

func WithSweepLogger(logger *zap.Logger) SweeperOption {
	return func(s *Sweeper) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithSweepHook registers fn to observe every completed sweep.
func WithSweepHook(fn func(SweepReport)) SweeperOption {
	return func(s *Sweeper) {
		s.onSweep = fn
	}
}

func NewSweeper(finder ExpiredFinder, expirer Expirer, clk clock.Clock, opts ...SweeperOption) *Sweeper {
	s := &Sweeper{
		finder:      finder,
		expirer:     expirer,
		clock:       clk,
		logger:      zap.NewNop(),
		interval:    DefaultSweepInterval,
		parallelism: defaultSweepParallelism,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start launches the sweep loop. It returns ErrSweeperRunning if the loop
// is already active.
func (s *Sweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.done != nil {
		return ErrSweeperRunning
	}

	loopCtx, cancel := context.WithCancel(ctx)
	ticker := s.clock.NewTicker(s.interval)
	done := make(chan struct{})
	s.cancel = cancel
	s.done = done

	go func() {
		defer close(done)
		defer ticker.Stop()
		for {
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C():
				// A started cycle runs to completion; Stop waits for it.
				s.Sweep(context.WithoutCancel(loopCtx))
			}
		}
	}()

	s.logger.Info("reservation sweeper started", zap.Duration("interval", s.interval))
	return nil
}

// Stop ends the loop and waits for an in-flight sweep to finish.
// Calling Stop on a stopped sweeper is a no-op.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()

	if done == nil {
		return
	}
	cancel()
	<-done
	s.logger.Info("reservation sweeper stopped")
}

// Sweep runs one cycle: find expired active reservations and expire each
// independently. A failing item never stops the others; it stays active
// and is picked up again next cycle.
func (s *Sweeper) Sweep(ctx context.Context) SweepReport {
	report := SweepReport{StartedAt: s.clock.Now()}
	defer func() {
		if s.onSweep != nil {
			s.onSweep(report)
		}
	}()

	expired, err := s.finder.FindExpiredActive(ctx, report.StartedAt)
	if err != nil {
		report.QueryErr = err
		s.logger.Error("find expired reservations", zap.Error(err))
		return report
	}
	report.Found = len(expired)
	if len(expired) == 0 {
		return report
	}

	s.logger.Info("processing expired reservations", zap.Int("count", len(expired)))

	type outcome struct {
		result ExpireResult
		err    error
	}
	outcomes := make([]outcome, len(expired))
	sem := make(chan struct{}, s.parallelism)
	var wg sync.WaitGroup
	for i, r := range expired {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int, r domain.Reservation) {
			defer wg.Done()
			defer func() { <-sem }()
			res, err := s.expirer.ExpireReservation(ctx, r)
			outcomes[i] = outcome{result: res, err: err}
		}(i, r)
	}
	wg.Wait()

	for i, o := range outcomes {
		id := expired[i].ID
		switch {
		case o.err != nil:
			report.Failures = append(report.Failures, SweepFailure{ReservationID: id, Err: o.err})
			s.logger.Error("failed to expire reservation",
				zap.String("reservation_id", id),
				zap.Error(o.err),
			)
		case o.result.Released:
			report.Released = append(report.Released, o.result)
			s.logger.Info("expired reservation",
				zap.String("reservation_id", id),
				zap.String("drop_id", o.result.Drop.ID),
				zap.Int("available_stock", o.result.Drop.AvailableStock),
			)
		default:
			report.Skipped++
			s.logger.Debug("reservation no longer active",
				zap.String("reservation_id", id),
				zap.String("status", string(o.result.Reservation.Status)),
			)
		}
	}
	return report
}
