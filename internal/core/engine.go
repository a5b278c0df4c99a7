package core

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"sync/atomic"
	"time"

	"PerpLiquidator/internal/ledger"
	fpmath "PerpLiquidator/internal/math"
	"PerpLiquidator/internal/observability"
	"PerpLiquidator/internal/state"

	"github.com/gagliardetto/solana-go"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

var (
	ErrShuttingDown    = errors.New("keeper is shutting down")
	ErrShutdownTimeout = errors.New("in-flight submissions did not finish within the grace period")
	// ErrSlotUnchanged: the ledger has not produced a slot since the last
	// accepted snapshot, so a scan would see the same state.
	ErrSlotUnchanged = errors.New("slot unchanged since last cycle")
)

// sequencer source for account snapshots
const sourceSnapshot = "snapshot"

// Config wires every component of the keeper.
type Config struct {
	ProgramID      solana.PublicKey
	LiquidatorUser solana.PublicKey

	ScanInterval          time.Duration
	Scanner               ScannerConfig
	EvaluationConcurrency int
	SubmissionConcurrency int
	MaxSubmitAttempts     int
	RetryBackoff          time.Duration
	ConfirmTimeout        time.Duration
	SafetyMarginBps       uint32
	Guard                 state.OracleGuard
	SettleFundingOnChain  bool
	ShutdownGrace         time.Duration
	RecentOutcomeCapacity int
	Priority              Priority
}

// CycleReport summarizes one scan/evaluate/enqueue pass.
type CycleReport struct {
	SnapshotID   uuid.UUID
	Slot         uint64
	Accounts     int
	Eligible     int
	Ineligible   int
	Skipped      int
	Errors       int
	Queued       int
	Dropped      int
	SnapshotHash [32]byte
	PrevHash     [32]byte
	StartedAt    time.Time
	Duration     time.Duration

	// MinMarginRatio is the lowest ratio evaluated this cycle, nil when no
	// account was evaluated.
	MinMarginRatio *big.Int
}

// Keeper runs the liquidation loop: every tick it builds a snapshot,
// evaluates all accounts on a bounded worker pool, queues eligible
// candidates, and hands them to at most SubmissionConcurrency concurrent
// submissions. RunCycle is safe to call concurrently; the scheduler keeps
// one submission per account.
type Keeper struct {
	cfg       Config
	scanner   *AccountScanner
	settler   *FundingSettler
	scheduler *LiquidationScheduler
	submitter *TransactionSubmitter
	sequencer *SlotSequencer
	recent    *RecentOutcomes
	reporter  *OutcomeReporter
	hasher    *SnapshotHasher
	metrics   *observability.Metrics
	log       zerolog.Logger

	observers []func(*CycleReport)
	trigger   chan struct{}
	claimer   Claimer
	slotSrc   SlotSource

	slots        chan struct{}
	mu           sync.Mutex // guards stopping and wg.Add
	stopping     bool
	wg           sync.WaitGroup
	submitCtx    context.Context
	cancelSubmit context.CancelFunc

	lastReport atomic.Pointer[CycleReport]
}

func NewKeeper(client ledger.Client, signer ledger.Signer, cfg Config, log zerolog.Logger, metrics *observability.Metrics) *Keeper {
	if cfg.ScanInterval <= 0 {
		cfg.ScanInterval = 2 * time.Second
	}
	if cfg.EvaluationConcurrency <= 0 {
		cfg.EvaluationConcurrency = 1
	}
	if cfg.SubmissionConcurrency <= 0 {
		cfg.SubmissionConcurrency = 1
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = 60 * time.Second
	}
	if cfg.RecentOutcomeCapacity <= 0 {
		cfg.RecentOutcomeCapacity = 10_000
	}

	settler := NewFundingSettler(client, signer, SettlerConfig{
		ProgramID:      cfg.ProgramID,
		OnChain:        cfg.SettleFundingOnChain,
		ConfirmTimeout: cfg.ConfirmTimeout,
	}, log.With().Str("stage", "funding").Logger(), metrics)

	submitter := NewTransactionSubmitter(client, signer, settler, SubmitterConfig{
		ProgramID:       cfg.ProgramID,
		LiquidatorUser:  cfg.LiquidatorUser,
		MaxAttempts:     cfg.MaxSubmitAttempts,
		RetryBackoff:    cfg.RetryBackoff,
		ConfirmTimeout:  cfg.ConfirmTimeout,
		SafetyMarginBps: cfg.SafetyMarginBps,
		Guard:           cfg.Guard,
	}, log.With().Str("stage", "submit").Logger(), metrics)

	submitCtx, cancel := context.WithCancel(context.Background())

	return &Keeper{
		cfg:          cfg,
		scanner:      NewAccountScanner(client, cfg.Scanner, log.With().Str("stage", "scan").Logger(), metrics),
		settler:      settler,
		scheduler:    NewLiquidationScheduler(cfg.Priority),
		submitter:    submitter,
		sequencer:    NewSlotSequencer(),
		recent:       NewRecentOutcomes(cfg.RecentOutcomeCapacity),
		reporter:     NewOutcomeReporter(log),
		hasher:       NewSnapshotHasher(),
		metrics:      metrics,
		log:          log,
		trigger:      make(chan struct{}, 1),
		slots:        make(chan struct{}, cfg.SubmissionConcurrency),
		submitCtx:    submitCtx,
		cancelSubmit: cancel,
	}
}

// AddSink registers an outcome sink. Call before Run.
func (k *Keeper) AddSink(sink OutcomeSink) {
	k.reporter.Add(sink)
}

// OnCycle registers a callback for every completed cycle. Call before Run.
func (k *Keeper) OnCycle(fn func(*CycleReport)) {
	k.observers = append(k.observers, fn)
}

// SetClaimer enables fleet claims. Call before Run.
func (k *Keeper) SetClaimer(c Claimer) {
	k.claimer = c
}

// SetSlotSource gates cycles on slot progress. Call before Run.
func (k *Keeper) SetSlotSource(src SlotSource) {
	k.slotSrc = src
}

// Resume continues the snapshot hash chain from tip and rejects snapshots
// older than slot. Call before Run.
func (k *Keeper) Resume(tip [32]byte, slot uint64) {
	k.hasher.Reset(tip)
	k.sequencer.SetHighest(sourceSnapshot, slot)
}

func (k *Keeper) Scheduler() *LiquidationScheduler { return k.scheduler }
func (k *Keeper) Recent() *RecentOutcomes         { return k.recent }
func (k *Keeper) Hasher() *SnapshotHasher         { return k.hasher }

// LastReport returns the most recent completed cycle, or nil.
func (k *Keeper) LastReport() *CycleReport {
	return k.lastReport.Load()
}

// Trigger requests a cycle ahead of the next tick. Extra triggers while one
// is pending are dropped.
func (k *Keeper) Trigger() {
	select {
	case k.trigger <- struct{}{}:
	default:
	}
}

// Run ticks until ctx is cancelled, then drains in-flight submissions.
func (k *Keeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(k.cfg.ScanInterval)
	defer ticker.Stop()

	k.log.Info().
		Dur("interval", k.cfg.ScanInterval).
		Int("evaluation_workers", k.cfg.EvaluationConcurrency).
		Int("submission_slots", k.cfg.SubmissionConcurrency).
		Msg("keeper started")

	for {
		if _, err := k.RunCycle(ctx); err != nil && ctx.Err() == nil && !errors.Is(err, ErrSlotUnchanged) {
			k.log.Warn().Err(err).Msg("cycle aborted")
		}

		select {
		case <-ctx.Done():
			return k.Shutdown()
		case <-ticker.C:
		case <-k.trigger:
		}
	}
}

// RunCycle performs one scan, evaluation and enqueue pass and starts
// submissions for free slots. It does not wait for submissions.
func (k *Keeper) RunCycle(ctx context.Context) (*CycleReport, error) {
	if k.isStopping() {
		return nil, ErrShuttingDown
	}
	if k.slotSrc != nil {
		if tip := k.slotSrc.Tip(); tip != 0 && tip <= k.sequencer.Highest(sourceSnapshot) {
			k.countCycle("slot_unchanged")
			return nil, ErrSlotUnchanged
		}
	}
	start := time.Now()

	snap, err := k.scanner.Scan(ctx)
	if err != nil {
		k.countCycle("scan_failed")
		return nil, err
	}
	if err := k.sequencer.Observe(sourceSnapshot, snap.Slot); err != nil {
		k.countCycle("stale_slot")
		if k.metrics != nil {
			k.metrics.SlotRegressions.Inc()
		}
		return nil, err
	}

	report := &CycleReport{
		SnapshotID: snap.ID,
		Slot:       snap.Slot,
		Accounts:   len(snap.Accounts),
		StartedAt:  start,
	}
	report.Dropped = k.scheduler.BeginCycle(snap.Slot)

	candidates, err := k.evaluate(ctx, snap, report)
	if err != nil {
		k.countCycle("cancelled")
		return nil, err
	}
	for _, c := range candidates {
		if k.scheduler.Consider(c) {
			report.Queued++
		}
	}
	report.SnapshotHash, report.PrevHash = k.hasher.ComputeHash(snap.Slot, SnapshotDigest(snap))

	k.dispatch()

	report.Duration = time.Since(start)
	k.lastReport.Store(report)
	k.countCycle("ok")
	if k.metrics != nil {
		k.metrics.CycleDuration.Observe(report.Duration.Seconds())
		k.metrics.SnapshotSlot.Set(float64(snap.Slot))
		k.metrics.QueueDepth.Set(float64(k.scheduler.Pending()))
	}
	for _, fn := range k.observers {
		fn(report)
	}

	if report.MinMarginRatio != nil {
		k.log.Debug().Str("min_margin_ratio", report.MinMarginRatio.String()).Uint64("slot", report.Slot).Msg("lowest margin ratio")
	}
	k.log.Info().
		Uint64("slot", report.Slot).
		Int("accounts", report.Accounts).
		Int("eligible", report.Eligible).
		Int("queued", report.Queued).
		Int("skipped", report.Skipped).
		Int("errors", report.Errors).
		Dur("elapsed", report.Duration).
		Msg("cycle complete")
	return report, nil
}

func (k *Keeper) countCycle(result string) {
	if k.metrics != nil {
		k.metrics.CyclesTotal.WithLabelValues(result).Inc()
	}
}

// ============================================================================
// Evaluation
// ============================================================================

type verdict int

const (
	verdictEligible verdict = iota
	verdictIneligible
	verdictSkipped
	verdictError
)

var verdictLabels = [...]string{"eligible", "ineligible", "skipped", "error"}

// evaluate settles and evaluates every account on at most
// EvaluationConcurrency workers. A failure on one account excludes it and
// never aborts the cycle; only cancellation does.
func (k *Keeper) evaluate(ctx context.Context, snap *state.Snapshot, report *CycleReport) ([]*state.Candidate, error) {
	results := make([]*state.Candidate, len(snap.Accounts))
	verdicts := make([]verdict, len(snap.Accounts))
	ratios := make([]*big.Int, len(snap.Accounts))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(k.cfg.EvaluationConcurrency)
	for i, acct := range snap.Accounts {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			results[i], verdicts[i], ratios[i] = k.evaluateAccount(gctx, snap, acct)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	candidates := make([]*state.Candidate, 0)
	for i, v := range verdicts {
		switch v {
		case verdictEligible:
			report.Eligible++
			candidates = append(candidates, results[i])
		case verdictIneligible:
			report.Ineligible++
		case verdictSkipped:
			report.Skipped++
		case verdictError:
			report.Errors++
		}
		if k.metrics != nil {
			k.metrics.AccountsEvaluated.WithLabelValues(verdictLabels[v]).Inc()
		}
		if r := ratios[i]; r != nil && (report.MinMarginRatio == nil || r.Cmp(report.MinMarginRatio) < 0) {
			report.MinMarginRatio = r
		}
	}
	if k.metrics != nil && report.MinMarginRatio != nil {
		f, _ := new(big.Float).SetInt(report.MinMarginRatio).Float64()
		k.metrics.MinMarginRatio.Set(f / fpmath.MarginPrecision)
	}
	return candidates, nil
}

func (k *Keeper) evaluateAccount(ctx context.Context, snap *state.Snapshot, acct *state.Account) (*state.Candidate, verdict, *big.Int) {
	log := k.log.With().Str("account", acct.Key.String()).Logger()

	if acct.Key.Equals(k.cfg.LiquidatorUser) {
		return nil, verdictSkipped, nil
	}
	if k.scheduler.IsInFlight(acct.Key) {
		return nil, verdictSkipped, nil
	}

	c := state.NewCandidate(acct, snap.Slot, snap.TakenAt)
	if err := c.Transition(state.CandidateFundingSettling); err != nil {
		return nil, verdictError, nil
	}
	settled, err := k.settler.SettleLocal(acct, snap.Markets)
	if err != nil {
		log.Warn().Err(err).Msg("funding settlement failed")
		k.countEvalError()
		return nil, verdictError, nil
	}
	status, err := state.EvaluateMargin(settled.Account, snap.Markets, k.cfg.Guard)
	if err != nil {
		log.Warn().Err(err).Msg("margin evaluation failed")
		k.countEvalError()
		return nil, verdictError, nil
	}
	if err := c.Evaluated(settled.Account, status, k.cfg.SafetyMarginBps); err != nil {
		return nil, verdictError, nil
	}
	if c.State != state.CandidateEligible {
		return nil, verdictIneligible, status.MarginRatio
	}

	if k.recent.Seen(acct.Key, c.Fingerprint) {
		if k.metrics != nil {
			k.metrics.RecentOutcomeHits.Inc()
		}
		return nil, verdictSkipped, nil
	}

	if settled.Changed() && k.settler.RemoteEnabled() {
		if err := k.settler.SettleRemote(ctx, acct, snap.Markets); err != nil {
			log.Warn().Err(err).Msg("on-ledger funding settlement failed, excluding account this cycle")
			return nil, verdictError, nil
		}
	}

	log.Debug().
		Str("margin_ratio", status.MarginRatio.String()).
		Uint32("threshold", c.Threshold).
		Str("type", status.LiquidationType.String()).
		Bool("oracle_adjusted", status.OracleAdjusted).
		Msg("liquidation candidate")
	return c, verdictEligible, status.MarginRatio
}

func (k *Keeper) countEvalError() {
	if k.metrics != nil {
		k.metrics.EvaluationErrors.Inc()
	}
}

// ============================================================================
// Submission
// ============================================================================

func (k *Keeper) isStopping() bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.stopping
}

// dispatch fills free submission slots from the scheduler.
func (k *Keeper) dispatch() {
	for {
		k.mu.Lock()
		if k.stopping {
			k.mu.Unlock()
			return
		}
		select {
		case k.slots <- struct{}{}:
		default:
			k.mu.Unlock()
			return
		}
		batch := k.scheduler.NextBatch(1)
		if len(batch) == 0 {
			<-k.slots
			k.mu.Unlock()
			return
		}
		k.wg.Add(1)
		k.mu.Unlock()

		go k.submit(batch[0])
	}
}

func (k *Keeper) submit(c *state.Candidate) {
	defer k.wg.Done()
	key := c.Account.Key

	if k.metrics != nil {
		k.metrics.SubmissionsInFlight.Inc()
		defer k.metrics.SubmissionsInFlight.Dec()
	}

	if reason := k.skipReason(c); reason != "" {
		k.log.Debug().
			Str("account", key.String()).
			Str("candidate", c.ID.String()).
			Str("reason", reason).
			Msg("queued candidate not submitted")
		k.scheduler.Release(key)
		<-k.slots
		k.dispatch()
		return
	}

	out := k.submitter.Submit(k.submitCtx, c)
	k.unclaim(key)

	// Resolve before releasing so a concurrent cycle cannot re-queue the
	// same account state.
	if out.State == state.CandidateConfirmed || out.State == state.CandidateLostRace {
		k.recent.MarkResolved(key, out.Fingerprint)
		if k.metrics != nil {
			k.metrics.RecentOutcomeSize.Set(float64(k.recent.Size()))
		}
	}
	k.scheduler.Release(key)
	<-k.slots

	if k.metrics != nil {
		k.metrics.Outcomes.WithLabelValues(out.State.String()).Inc()
	}
	k.reporter.Record(context.WithoutCancel(k.submitCtx), out)

	k.dispatch()
}

// skipReason says why a dequeued candidate must not be submitted, or returns
// "" when it may be. A non-empty reason holds no fleet claim.
func (k *Keeper) skipReason(c *state.Candidate) string {
	if k.recent.Seen(c.Account.Key, c.Fingerprint) {
		if k.metrics != nil {
			k.metrics.RecentOutcomeHits.Inc()
		}
		return "outcome already recorded"
	}
	if !k.claim(c.Account.Key) {
		return "claimed by another replica"
	}
	return ""
}

// claim takes the fleet claim for key. Claim errors fail open.
func (k *Keeper) claim(key solana.PublicKey) bool {
	if k.claimer == nil {
		return true
	}
	ok, err := k.claimer.Claim(k.submitCtx, key)
	if err != nil {
		k.log.Warn().Err(err).Str("account", key.String()).Msg("fleet claim failed, submitting unclaimed")
		return true
	}
	if !ok && k.metrics != nil {
		k.metrics.ClaimsContended.Inc()
	}
	return ok
}

func (k *Keeper) unclaim(key solana.PublicKey) {
	if k.claimer == nil {
		return
	}
	if err := k.claimer.Release(context.WithoutCancel(k.submitCtx), key); err != nil {
		k.log.Warn().Err(err).Str("account", key.String()).Msg("fleet claim release failed")
	}
}

// Shutdown stops new cycles and submissions, drops queued candidates, and
// waits up to ShutdownGrace for in-flight submissions. After the grace
// period their context is cancelled and Shutdown returns
// ErrShutdownTimeout once they have unwound.
func (k *Keeper) Shutdown() error {
	k.mu.Lock()
	k.stopping = true
	k.mu.Unlock()

	if dropped := k.scheduler.Drain(); len(dropped) > 0 {
		k.log.Info().Int("candidates", len(dropped)).Msg("dropping queued candidates on shutdown")
	}

	done := make(chan struct{})
	go func() {
		k.wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(k.cfg.ShutdownGrace)
	defer timer.Stop()

	select {
	case <-done:
		k.cancelSubmit()
		k.log.Info().Msg("keeper stopped")
		return nil
	case <-timer.C:
		k.log.Warn().Dur("grace", k.cfg.ShutdownGrace).Msg("cancelling in-flight submissions")
		k.cancelSubmit()
		<-done
		return fmt.Errorf("%w (%s)", ErrShutdownTimeout, k.cfg.ShutdownGrace)
	}
}
