/*
scheduler.go - Periodic settlement sweep

PURPOSE:
  Every admitted withdrawal gets an in-process completion timer. With a
  durable store shared by several processes, a withdrawal can outlive the
  process that admitted it and its timer. The sweeper periodically
  completes any pending withdrawal whose settlement delay has elapsed.

DESIGN:
  - Background goroutine driven by a ticker
  - Runs once immediately on Start
  - Completion is idempotent, so racing a live timer is harmless

CONFIGURATION:
  - Interval: How often to sweep (LEDGER_SWEEP_INTERVAL, default 30s)
  - Enabled: false when the interval is zero

USAGE:
  sweeper := NewSettlementSweeper(withdrawals, 30*time.Second, logger)
  sweeper.Start()
  // ... later
  sweeper.Stop()

SEE ALSO:
  - ledger/withdrawal.go: CompleteOverdue
  - settlement/scheduler.go: Per-withdrawal timers
*/
package api

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/warp/contractor-ledger/ledger"
)

// SettlementSweeper completes overdue withdrawals on an interval.
type SettlementSweeper struct {
	Withdrawals *ledger.WithdrawalProcessor
	Interval    time.Duration
	Enabled     bool
	Logger      *slog.Logger

	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// NewSettlementSweeper creates a sweeper. A non-positive interval
// disables it.
func NewSettlementSweeper(withdrawals *ledger.WithdrawalProcessor, interval time.Duration, logger *slog.Logger) *SettlementSweeper {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &SettlementSweeper{
		Withdrawals: withdrawals,
		Interval:    interval,
		Enabled:     interval > 0,
		Logger:      logger,
	}
}

// Start begins sweeping. Calling Start on a running sweeper is a no-op.
func (s *SettlementSweeper) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.Enabled {
		s.Logger.Info("settlement sweeper disabled")
		return
	}
	if s.ticker != nil {
		return
	}

	s.ticker = time.NewTicker(s.Interval)
	s.stop = make(chan struct{})
	s.wg.Add(1)
	go s.run(s.ticker, s.stop)

	s.Logger.Info("settlement sweeper started", slog.Duration("interval", s.Interval))
}

// Stop stops the sweeper and waits for an in-flight sweep.
func (s *SettlementSweeper) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ticker == nil {
		return
	}
	s.ticker.Stop()
	close(s.stop)
	s.wg.Wait()
	s.ticker = nil
	s.Logger.Info("settlement sweeper stopped")
}

func (s *SettlementSweeper) run(ticker *time.Ticker, stop <-chan struct{}) {
	defer s.wg.Done()

	s.Sweep(context.Background())
	for {
		select {
		case <-ticker.C:
			s.Sweep(context.Background())
		case <-stop:
			return
		}
	}
}

// Sweep runs one pass and returns how many withdrawals it completed.
func (s *SettlementSweeper) Sweep(ctx context.Context) int {
	n, err := s.Withdrawals.CompleteOverdue(ctx)
	if err != nil {
		s.Logger.Error("settlement sweep failed", slog.String("error", err.Error()))
	}
	if n > 0 {
		s.Logger.Info("settlement sweep completed overdue withdrawals", slog.Int("count", n))
	}
	return n
}
