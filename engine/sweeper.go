/*
sweeper.go - Pending-void sweeper

PURPOSE:
  Periodically voids pending transactions whose pendingVoidDate has passed,
  releasing the balances and card authorizations they hold.

DESIGN:
  - Runs a background goroutine with a configurable check interval
  - Runs once immediately on Start
  - The void id is "{id}-void", so concurrent sweepers (or a retry after a
    crash) converge on one void instead of racing two. Ids too long for
    the suffix use a name-based UUID of the id instead
  - A transaction captured or voided by someone else between listing and
    voiding is counted as skipped, not failed

USAGE:
  sweeper := engine.NewSweeper(eng, logger)
  sweeper.Start()
  // ... later
  sweeper.Stop()

SEE ALSO:
  - chain.go: Void
  - cmd/ledgerd: "sweep" runs one pass from the command line
*/
package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/warp/value-ledger/ledger"
)

// Sweeper voids expired pending transactions.
type Sweeper struct {
	Engine        *Engine
	CheckInterval time.Duration
	BatchSize     int
	Enabled       bool

	log    *zap.Logger
	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// SweepReport summarises one pass.
type SweepReport struct {
	Voided  int
	Skipped int
	Failed  int
}

func NewSweeper(e *Engine, log *zap.Logger) *Sweeper {
	if log == nil {
		log = zap.NewNop()
	}
	return &Sweeper{
		Engine:        e,
		CheckInterval: time.Minute,
		BatchSize:     100,
		Enabled:       true,
		log:           log.Named("sweeper"),
	}
}

// Start begins the sweeper.
func (s *Sweeper) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.Enabled {
		s.log.Info("disabled, not starting")
		return
	}
	if s.ticker != nil {
		return
	}

	s.ticker = time.NewTicker(s.CheckInterval)
	s.stop = make(chan struct{})
	s.wg.Add(1)
	go s.run(s.ticker, s.stop)

	s.log.Info("started", zap.Duration("interval", s.CheckInterval))
}

// Stop stops the sweeper and waits for an in-flight pass.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ticker != nil {
		s.ticker.Stop()
		close(s.stop)
		s.wg.Wait()
		s.ticker = nil
		s.log.Info("stopped")
	}
}

func (s *Sweeper) run(ticker *time.Ticker, stop <-chan struct{}) {
	defer s.wg.Done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	// Run immediately on start
	s.sweep(ctx)
	for {
		select {
		case <-ticker.C:
			s.sweep(ctx)
		case <-stop:
			return
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	report, err := s.SweepOnce(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		s.log.Error("sweep failed", zap.Error(err))
		return
	}
	if report.Voided > 0 || report.Skipped > 0 || report.Failed > 0 {
		s.log.Info("sweep completed",
			zap.Int("voided", report.Voided), zap.Int("skipped", report.Skipped), zap.Int("failed", report.Failed))
	}
}

// SweepOnce voids every pending transaction expired as of now.
func (s *Sweeper) SweepOnce(ctx context.Context) (SweepReport, error) {
	var report SweepReport
	batch := s.BatchSize
	if batch <= 0 {
		batch = 100
	}

	for {
		expired, err := s.Engine.store.ListExpiredPending(ctx, s.Engine.now().UTC(), batch)
		if err != nil {
			return report, err
		}
		progress := 0
		for _, t := range expired {
			if err := ctx.Err(); err != nil {
				return report, err
			}
			_, err := s.Engine.Void(ctx, ChainRequest{ID: t.ID, NewID: sweeperVoidID(t.ID), CreatedBy: "sweeper"})
			switch {
			case err == nil:
				report.Voided++
				progress++
				s.Engine.metrics.SweeperVoid("voided")
			case benignSweepConflict(err):
				report.Skipped++
				s.Engine.metrics.SweeperVoid("skipped")
			default:
				report.Failed++
				s.Engine.metrics.SweeperVoid("failed")
				s.log.Warn("void of expired pending transaction failed", zap.String("transactionId", t.ID), zap.Error(err))
			}
		}
		// Failures stay in the listing; stop rather than spin on them.
		// The next tick picks up whatever is left.
		if len(expired) < batch || progress == 0 {
			return report, nil
		}
	}
}

// benignSweepConflict reports errors meaning someone else already closed
// the pending transaction.
// sweeperVoidNamespace scopes the name-based void ids.
var sweeperVoidNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("urn:value-ledger:sweeper-void"))

// sweeperVoidID derives the void id of a pending transaction. It is
// deterministic and never longer than maxIDLength.
func sweeperVoidID(id string) string {
	const suffix = "-void"
	if len(id)+len(suffix) <= maxIDLength {
		return id + suffix
	}
	return uuid.NewSHA1(sweeperVoidNamespace, []byte(id)).String() + suffix
}

func benignSweepConflict(err error) bool {
	for _, target := range []error{
		ledger.ErrTransactionExists,
		ledger.ErrChainModified,
		ledger.ErrTransactionCaptured,
		ledger.ErrTransactionVoided,
		ledger.ErrTransactionReversed,
		ledger.ErrTransactionNotPending,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
