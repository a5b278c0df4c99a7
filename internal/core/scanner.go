package core

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"PerpLiquidator/internal/ledger"
	"PerpLiquidator/internal/observability"
	"PerpLiquidator/internal/state"

	"github.com/gagliardetto/solana-go"
	"github.com/rs/zerolog"
)

// ErrScanIncomplete wraps the error that stopped a scan. No partial
// snapshot is ever returned.
var ErrScanIncomplete = errors.New("scan incomplete")

// ScannerConfig bounds retries of a single page or market read.
type ScannerConfig struct {
	MaxRetries int
	Backoff    time.Duration
	BackoffMax time.Duration
}

// AccountScanner builds a complete snapshot of every user account and the
// market table.
type AccountScanner struct {
	client  ledger.Client
	cfg     ScannerConfig
	log     zerolog.Logger
	metrics *observability.Metrics
}

func NewAccountScanner(client ledger.Client, cfg ScannerConfig, log zerolog.Logger, metrics *observability.Metrics) *AccountScanner {
	if cfg.Backoff <= 0 {
		cfg.Backoff = 200 * time.Millisecond
	}
	if cfg.BackoffMax < cfg.Backoff {
		cfg.BackoffMax = cfg.Backoff
	}
	return &AccountScanner{client: client, cfg: cfg, log: log, metrics: metrics}
}

// Scan pages through all accounts. Duplicates across pages keep the copy
// read at the highest slot. Accounts are ordered by key bytes. The snapshot
// slot is the highest slot any page or the market table was read at.
func (s *AccountScanner) Scan(ctx context.Context) (*state.Snapshot, error) {
	start := time.Now()

	var markets *state.MarketTable
	err := s.withRetry(ctx, "query markets", func() error {
		var err error
		markets, err = s.client.QueryMarkets(ctx)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrScanIncomplete, err)
	}

	byKey := make(map[solana.PublicKey]*state.Account)
	slot := markets.Slot
	token := ""
	pages := 0
	for {
		var page *ledger.AccountPage
		err := s.withRetry(ctx, "query accounts", func() error {
			var err error
			page, err = s.client.QueryAccounts(ctx, token)
			return err
		})
		if err != nil {
			return nil, fmt.Errorf("%w: page %d: %w", ErrScanIncomplete, pages, err)
		}
		pages++
		if s.metrics != nil {
			s.metrics.ScanPages.Inc()
		}

		if page.Slot > slot {
			slot = page.Slot
		}
		for _, acct := range page.Accounts {
			if acct.Slot == 0 {
				acct.Slot = page.Slot
			}
			if prev, ok := byKey[acct.Key]; ok && prev.Slot >= acct.Slot {
				continue
			}
			byKey[acct.Key] = acct
		}

		if page.NextPageToken == "" {
			break
		}
		if page.NextPageToken == token {
			return nil, fmt.Errorf("%w: page token did not advance (%q)", ErrScanIncomplete, token)
		}
		token = page.NextPageToken
	}

	accounts := make([]*state.Account, 0, len(byKey))
	for _, acct := range byKey {
		accounts = append(accounts, acct)
	}
	sort.Slice(accounts, func(i, j int) bool {
		return bytes.Compare(accounts[i].Key[:], accounts[j].Key[:]) < 0
	})

	snap := state.NewSnapshot(slot, time.Now(), accounts, markets)
	if s.metrics != nil {
		s.metrics.AccountsScanned.Set(float64(len(accounts)))
		s.metrics.ScanDuration.Observe(time.Since(start).Seconds())
	}
	s.log.Debug().
		Uint64("slot", slot).
		Int("accounts", len(accounts)).
		Int("pages", pages).
		Int("markets", markets.Len()).
		Dur("elapsed", time.Since(start)).
		Msg("snapshot built")
	return snap, nil
}

// withRetry retries transient failures with exponential backoff, up to
// MaxRetries extra attempts. Other kinds fail immediately.
func (s *AccountScanner) withRetry(ctx context.Context, op string, fn func() error) error {
	backoff := s.cfg.Backoff

	for attempt := 0; ; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}

		kind := ledger.Classify(err)
		if s.metrics != nil {
			s.metrics.RPCErrors.WithLabelValues(op, kind.String()).Inc()
		}
		if kind != ledger.KindTransient || attempt >= s.cfg.MaxRetries {
			return err
		}

		s.log.Warn().Err(err).
			Str("op", op).
			Int("attempt", attempt+1).
			Dur("backoff", backoff).
			Msg("scan read failed, retrying")
		if s.metrics != nil {
			s.metrics.ScanRetries.Inc()
		}

		select {
		case <-ctx.Done():
			return ledger.Wrap(op, ctx.Err())
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > s.cfg.BackoffMax {
			backoff = s.cfg.BackoffMax
		}
	}
}
