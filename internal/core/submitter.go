package core

import (
	"context"
	"errors"
	"fmt"
	"time"

	"PerpLiquidator/internal/clearinghouse"
	"PerpLiquidator/internal/ledger"
	"PerpLiquidator/internal/observability"
	"PerpLiquidator/internal/state"

	"github.com/gagliardetto/solana-go"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// SubmitterConfig controls how liquidations are sent.
type SubmitterConfig struct {
	ProgramID       solana.PublicKey
	LiquidatorUser  solana.PublicKey
	MaxAttempts     int
	RetryBackoff    time.Duration
	ConfirmTimeout  time.Duration
	SafetyMarginBps uint32
	Guard           state.OracleGuard
}

// TransactionSubmitter drives one candidate from Queued to a terminal
// state. Every attempt re-reads the account and re-checks eligibility
// before signing, and looks up the signatures of earlier attempts first so
// a slow confirmation is never followed by a second liquidation.
type TransactionSubmitter struct {
	client  ledger.Client
	signer  ledger.Signer
	settler *FundingSettler
	cfg     SubmitterConfig
	log     zerolog.Logger
	metrics *observability.Metrics
}

func NewTransactionSubmitter(client ledger.Client, signer ledger.Signer, settler *FundingSettler, cfg SubmitterConfig, log zerolog.Logger, metrics *observability.Metrics) *TransactionSubmitter {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.ConfirmTimeout <= 0 {
		cfg.ConfirmTimeout = 30 * time.Second
	}
	return &TransactionSubmitter{
		client:  client,
		signer:  signer,
		settler: settler,
		cfg:     cfg,
		log:     log,
		metrics: metrics,
	}
}

type attemptResult struct {
	state  state.CandidateState // terminal, or CandidateRetrying
	sig    solana.Signature     // sent during this attempt
	landed solana.Signature     // confirmed signature
	reason string
	err    error
}

// Submit runs attempts until the candidate reaches a terminal state or the
// attempt budget is spent. The returned outcome is never nil.
func (s *TransactionSubmitter) Submit(ctx context.Context, c *state.Candidate) *Outcome {
	start := time.Now()
	out := &Outcome{
		ID:          uuid.New(),
		CandidateID: c.ID,
		Account:     c.Account.Key,
		MarginRatio: c.MarginRatio,
		Exposure:    c.Account.Exposure(),
		Slot:        c.Slot,
		Fingerprint: c.Fingerprint,
	}
	log := s.log.With().Str("account", c.Account.Key.String()).Str("candidate", c.ID.String()).Logger()

	var sent []solana.Signature
	backoff := s.cfg.RetryBackoff

	for attempt := 1; ; attempt++ {
		out.Attempts = attempt
		if err := c.Transition(state.CandidateSubmitting); err != nil {
			s.finish(out, c, attemptResult{state: state.CandidateAbandoned, reason: "invalid state", err: err}, start)
			return out
		}

		res := s.attempt(ctx, c, sent)
		if !res.sig.IsZero() {
			sent = append(sent, res.sig)
		}
		if s.metrics != nil {
			s.metrics.SubmitAttempts.WithLabelValues(res.state.String()).Inc()
		}

		if res.state != state.CandidateRetrying {
			s.finish(out, c, res, start)
			return out
		}

		if attempt >= s.cfg.MaxAttempts {
			res.state = state.CandidateAbandoned
			res.reason = fmt.Sprintf("retry budget exhausted after %d attempts: %s", attempt, res.reason)
			s.finish(out, c, res, start)
			return out
		}

		log.Warn().Err(res.err).
			Int("attempt", attempt).
			Dur("backoff", backoff).
			Str("reason", res.reason).
			Msg("liquidation attempt failed, retrying")
		_ = c.Transition(state.CandidateRetrying)

		select {
		case <-ctx.Done():
			// The last sent transaction may still land; report it if so.
			if landed := s.findLanded(context.WithoutCancel(ctx), sent); !landed.IsZero() {
				_ = c.Transition(state.CandidateSubmitting)
				s.finish(out, c, attemptResult{state: state.CandidateConfirmed, landed: landed, reason: "confirmed after shutdown"}, start)
				return out
			}
			s.finish(out, c, attemptResult{state: state.CandidateAbandoned, reason: "shutdown", err: ctx.Err()}, start)
			return out
		case <-time.After(backoff):
		}
		backoff *= 2
	}
}

func (s *TransactionSubmitter) attempt(ctx context.Context, c *state.Candidate, sent []solana.Signature) attemptResult {
	if landed := s.findLanded(ctx, sent); !landed.IsZero() {
		return attemptResult{state: state.CandidateConfirmed, landed: landed, reason: "earlier attempt confirmed"}
	}

	markets, err := s.client.QueryMarkets(ctx)
	if err != nil {
		return s.fromError(ctx, c, err, "query markets")
	}
	fresh, err := s.client.FetchAccount(ctx, c.Account.Key)
	if err != nil {
		if errors.Is(err, ledger.ErrAccountNotFound) {
			return attemptResult{state: state.CandidateIneligible, reason: "account closed", err: err}
		}
		return s.fromError(ctx, c, err, "fetch account")
	}

	settled, err := s.settler.SettleLocal(fresh, markets)
	if err != nil {
		return attemptResult{state: state.CandidateAbandoned, reason: "funding settlement failed", err: err}
	}
	status, err := state.EvaluateMargin(settled.Account, markets, s.cfg.Guard)
	if err != nil {
		return attemptResult{state: state.CandidateAbandoned, reason: "margin evaluation failed", err: err}
	}
	if !status.Eligible(s.cfg.SafetyMarginBps) {
		return s.noLongerEligible(c, fresh, "healthy on re-validation")
	}

	ix, err := clearinghouse.NewLiquidateInstruction(clearinghouse.LiquidateParams{
		ProgramID:      s.cfg.ProgramID,
		State:          markets.State,
		Liquidator:     s.signer.PublicKey(),
		LiquidatorUser: s.cfg.LiquidatorUser,
		User:           settled.Account,
		Markets:        markets,
	})
	if err != nil {
		return attemptResult{state: state.CandidateAbandoned, reason: "build instruction", err: err}
	}

	blockhash, err := s.client.LatestBlockhash(ctx)
	if err != nil {
		return s.fromError(ctx, c, err, "latest blockhash")
	}
	tx, err := solana.NewTransaction([]solana.Instruction{ix}, blockhash, solana.TransactionPayer(s.signer.PublicKey()))
	if err != nil {
		return attemptResult{state: state.CandidateAbandoned, reason: "build transaction", err: err}
	}
	if err := s.signer.Sign(tx); err != nil {
		return attemptResult{state: state.CandidateAbandoned, reason: "sign transaction", err: err}
	}

	sig, err := s.client.SubmitTransaction(ctx, tx)
	if err != nil {
		return s.fromError(ctx, c, err, "submit")
	}

	conf, err := s.client.Confirm(ctx, sig, s.cfg.ConfirmTimeout)
	if err != nil {
		res := s.fromError(ctx, c, err, "confirm")
		res.sig = sig
		return res
	}
	switch conf.Status {
	case ledger.ConfirmConfirmed:
		return attemptResult{state: state.CandidateConfirmed, sig: sig, landed: sig, reason: "confirmed"}
	case ledger.ConfirmFailed:
		res := s.fromError(ctx, c, conf.Err, "transaction failed")
		res.sig = sig
		return res
	default:
		return attemptResult{
			state:  state.CandidateRetrying,
			sig:    sig,
			reason: "confirmation " + conf.Status.String(),
			err:    ledger.Wrap("confirm", fmt.Errorf("signature %s %s", sig, conf.Status)),
		}
	}
}

// fromError maps a classified error to the next candidate state.
func (s *TransactionSubmitter) fromError(ctx context.Context, c *state.Candidate, err error, op string) attemptResult {
	switch ledger.Classify(err) {
	case ledger.KindStale:
		res := s.recheck(ctx, c, op+": stale state")
		if res.err == nil {
			res.err = err
		}
		return res
	case ledger.KindRaceLost:
		return attemptResult{state: state.CandidateLostRace, reason: op + ": race lost", err: err}
	case ledger.KindPermanent:
		return attemptResult{state: state.CandidateAbandoned, reason: op + ": permanent error", err: err}
	default:
		return attemptResult{state: state.CandidateRetrying, reason: op + ": transient error", err: err}
	}
}

// recheck re-reads the account after a stale rejection. One that is still
// eligible against the fresh state goes back for another attempt.
func (s *TransactionSubmitter) recheck(ctx context.Context, c *state.Candidate, reason string) attemptResult {
	markets, err := s.client.QueryMarkets(ctx)
	if err != nil {
		return attemptResult{state: state.CandidateRetrying, reason: reason + ", markets unavailable"}
	}
	fresh, err := s.client.FetchAccount(ctx, c.Account.Key)
	if err != nil {
		if errors.Is(err, ledger.ErrAccountNotFound) {
			return attemptResult{state: state.CandidateIneligible, reason: "account closed"}
		}
		return attemptResult{state: state.CandidateRetrying, reason: reason + ", account unavailable"}
	}
	if fresh.Exposure().Cmp(c.Account.Exposure()) < 0 {
		return s.noLongerEligible(c, fresh, reason)
	}

	settled, err := s.settler.SettleLocal(fresh, markets)
	if err != nil {
		return attemptResult{state: state.CandidateAbandoned, reason: "funding settlement failed", err: err}
	}
	status, err := state.EvaluateMargin(settled.Account, markets, s.cfg.Guard)
	if err != nil {
		return attemptResult{state: state.CandidateAbandoned, reason: "margin evaluation failed", err: err}
	}
	if !status.Eligible(s.cfg.SafetyMarginBps) {
		return s.noLongerEligible(c, fresh, reason)
	}
	return attemptResult{state: state.CandidateRetrying, reason: reason + ", still eligible"}
}

// noLongerEligible distinguishes another agent's liquidation (exposure
// shrank) from the account recovering on its own.
func (s *TransactionSubmitter) noLongerEligible(c *state.Candidate, fresh *state.Account, reason string) attemptResult {
	if fresh.Exposure().Cmp(c.Account.Exposure()) < 0 {
		return attemptResult{state: state.CandidateLostRace, reason: reason + ", exposure reduced"}
	}
	return attemptResult{state: state.CandidateIneligible, reason: reason}
}

// findLanded returns the first earlier signature that confirmed.
func (s *TransactionSubmitter) findLanded(ctx context.Context, sent []solana.Signature) solana.Signature {
	for _, sig := range sent {
		st, err := s.client.SignatureStatus(ctx, sig)
		if err != nil {
			s.log.Debug().Err(err).Str("signature", sig.String()).Msg("signature status unavailable")
			continue
		}
		if st.Status == ledger.ConfirmConfirmed {
			return sig
		}
	}
	return solana.Signature{}
}

func (s *TransactionSubmitter) finish(out *Outcome, c *state.Candidate, res attemptResult, start time.Time) {
	if c.State != res.state {
		if err := c.Transition(res.state); err != nil {
			s.log.Error().Err(err).Msg("unexpected candidate transition")
			c.State = res.state
		}
	}
	out.State = res.state
	out.Signature = res.landed
	out.Reason = res.reason
	out.Err = res.err
	out.DecidedAt = time.Now()

	if s.metrics != nil {
		s.metrics.SubmitDuration.Observe(time.Since(start).Seconds())
	}

	ev := s.log.Info()
	if out.State == state.CandidateAbandoned {
		ev = s.log.Warn().Err(res.err)
	}
	ev.Str("account", out.Account.String()).
		Str("state", out.State.String()).
		Int("attempts", out.Attempts).
		Str("reason", out.Reason).
		Str("signature", out.Signature.String()).
		Msg("candidate resolved")
}
