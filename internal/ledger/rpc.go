package ledger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"PerpLiquidator/internal/clearinghouse"
	"PerpLiquidator/internal/state"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// getMultipleAccounts accepts at most this many keys per call.
const maxMultipleAccounts = 100

// open scan sessions kept before the oldest is evicted
const maxScanSessions = 8

var ErrLiquidatorAccountNotFound = errors.New("liquidator user account not found")

// RPCConfig configures RPCClient.
type RPCConfig struct {
	Endpoint            string
	ProgramID           solana.PublicKey
	Commitment          rpc.CommitmentType
	PageSize            int
	RateLimit           float64 // requests per second, 0 = unlimited
	SkipPreflight       bool
	ConfirmPollInterval time.Duration
}

type scanSession struct {
	keys    []solana.PublicKey
	created time.Time
}

// RPCClient implements Client over Solana JSON-RPC.
//
// A scan lists user account keys once (keys only, no data) and then pages
// through them with getMultipleAccounts. The page token is
// "<session>/<offset>" so a failed page can be retried without relisting.
type RPCClient struct {
	rpc     *rpc.Client
	cfg     RPCConfig
	limiter *rate.Limiter
	log     zerolog.Logger

	stateAddr solana.PublicKey

	mu       sync.Mutex
	accounts *state.StateAccounts
	scans    map[string]*scanSession
}

// NewRPCClient builds a client for cfg.Endpoint.
func NewRPCClient(cfg RPCConfig, log zerolog.Logger) (*RPCClient, error) {
	if cfg.Endpoint == "" {
		return nil, errors.New("rpc endpoint is required")
	}
	if cfg.PageSize <= 0 || cfg.PageSize > maxMultipleAccounts {
		cfg.PageSize = maxMultipleAccounts
	}
	if cfg.Commitment == "" {
		cfg.Commitment = rpc.CommitmentConfirmed
	}
	if cfg.ConfirmPollInterval <= 0 {
		cfg.ConfirmPollInterval = 500 * time.Millisecond
	}
	stateAddr, err := clearinghouse.StateAddress(cfg.ProgramID)
	if err != nil {
		return nil, fmt.Errorf("derive state address: %w", err)
	}

	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.RateLimit > 0 {
		burst := int(cfg.RateLimit)
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}

	return &RPCClient{
		rpc:       rpc.New(cfg.Endpoint),
		cfg:       cfg,
		limiter:   limiter,
		log:       log,
		stateAddr: stateAddr,
		scans:     make(map[string]*scanSession),
	}, nil
}

func (c *RPCClient) wait(ctx context.Context, op string) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return Wrap(op, err)
	}
	return nil
}

// ============================================================================
// Scanning
// ============================================================================

func (c *RPCClient) QueryAccounts(ctx context.Context, pageToken string) (*AccountPage, error) {
	session, offset, err := c.resolvePage(ctx, pageToken)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	scan, ok := c.scans[session]
	c.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("query accounts: unknown page token %q", pageToken)
	}

	end := offset + c.cfg.PageSize
	if end > len(scan.keys) {
		end = len(scan.keys)
	}
	accounts, slot, err := c.loadUsers(ctx, scan.keys[offset:end])
	if err != nil {
		return nil, err
	}

	page := &AccountPage{Accounts: accounts, Slot: slot}
	if end < len(scan.keys) {
		page.NextPageToken = session + "/" + strconv.Itoa(end)
	} else {
		c.mu.Lock()
		delete(c.scans, session)
		c.mu.Unlock()
	}
	return page, nil
}

func (c *RPCClient) resolvePage(ctx context.Context, token string) (string, int, error) {
	if token == "" {
		keys, err := c.listUserKeys(ctx)
		if err != nil {
			return "", 0, err
		}
		session := uuid.NewString()
		c.mu.Lock()
		c.evictScansLocked()
		c.scans[session] = &scanSession{keys: keys, created: time.Now()}
		c.mu.Unlock()
		return session, 0, nil
	}

	session, rawOffset, ok := strings.Cut(token, "/")
	if !ok {
		return "", 0, fmt.Errorf("query accounts: malformed page token %q", token)
	}
	offset, err := strconv.Atoi(rawOffset)
	if err != nil || offset < 0 {
		return "", 0, fmt.Errorf("query accounts: malformed page token %q", token)
	}
	return session, offset, nil
}

func (c *RPCClient) evictScansLocked() {
	for len(c.scans) >= maxScanSessions {
		var oldestID string
		var oldest time.Time
		for id, s := range c.scans {
			if oldestID == "" || s.created.Before(oldest) {
				oldestID, oldest = id, s.created
			}
		}
		delete(c.scans, oldestID)
	}
}

func (c *RPCClient) listUserKeys(ctx context.Context) ([]solana.PublicKey, error) {
	const op = "list user accounts"
	if err := c.wait(ctx, op); err != nil {
		return nil, err
	}
	zero := uint64(0)
	res, err := c.rpc.GetProgramAccountsWithOpts(ctx, c.cfg.ProgramID, &rpc.GetProgramAccountsOpts{
		Commitment: c.cfg.Commitment,
		Encoding:   solana.EncodingBase64,
		DataSlice:  &rpc.DataSlice{Offset: &zero, Length: &zero},
		Filters: []rpc.RPCFilter{
			{Memcmp: &rpc.RPCFilterMemcmp{Offset: 0, Bytes: solana.Base58(clearinghouse.UserDiscriminator())}},
		},
	})
	if err != nil {
		return nil, Wrap(op, err)
	}
	keys := make([]solana.PublicKey, 0, len(res))
	for _, ka := range res {
		keys = append(keys, ka.Pubkey)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	return keys, nil
}

// getAccounts fetches raw account data in chunks; missing accounts are nil.
func (c *RPCClient) getAccounts(ctx context.Context, op string, keys []solana.PublicKey) ([][]byte, uint64, error) {
	out := make([][]byte, 0, len(keys))
	var slot uint64
	for start := 0; start < len(keys); start += maxMultipleAccounts {
		end := start + maxMultipleAccounts
		if end > len(keys) {
			end = len(keys)
		}
		if err := c.wait(ctx, op); err != nil {
			return nil, 0, err
		}
		res, err := c.rpc.GetMultipleAccountsWithOpts(ctx, keys[start:end], &rpc.GetMultipleAccountsOpts{
			Encoding:   solana.EncodingBase64,
			Commitment: c.cfg.Commitment,
		})
		if err != nil {
			return nil, 0, Wrap(op, err)
		}
		if res.Context.Slot > slot {
			slot = res.Context.Slot
		}
		for _, acct := range res.Value {
			if acct == nil || acct.Data == nil {
				out = append(out, nil)
				continue
			}
			out = append(out, acct.Data.GetBinary())
		}
	}
	return out, slot, nil
}

// loadUsers reads user headers then their positions accounts. Accounts that
// vanished or fail to decode between listing and loading are skipped.
func (c *RPCClient) loadUsers(ctx context.Context, keys []solana.PublicKey) ([]*state.Account, uint64, error) {
	const op = "load user accounts"
	if len(keys) == 0 {
		return nil, 0, nil
	}
	raw, slot, err := c.getAccounts(ctx, op, keys)
	if err != nil {
		return nil, 0, err
	}

	users := make([]*state.Account, 0, len(keys))
	positionKeys := make([]solana.PublicKey, 0, len(keys))
	for i, data := range raw {
		if data == nil {
			continue
		}
		u, err := clearinghouse.DecodeUser(data)
		if err != nil {
			c.log.Warn().Err(err).Str("account", keys[i].String()).Msg("skipping undecodable user account")
			continue
		}
		users = append(users, &state.Account{
			Key:          keys[i],
			Authority:    u.Authority,
			PositionsKey: u.Positions,
			Collateral:   u.Collateral,
			Slot:         slot,
		})
		positionKeys = append(positionKeys, u.Positions)
	}

	rawPositions, posSlot, err := c.getAccounts(ctx, op, positionKeys)
	if err != nil {
		return nil, 0, err
	}
	if posSlot > slot {
		slot = posSlot
	}

	accounts := make([]*state.Account, 0, len(users))
	for i, acct := range users {
		data := rawPositions[i]
		if data == nil {
			c.log.Warn().Str("account", acct.Key.String()).Msg("positions account missing")
			continue
		}
		owner, positions, err := clearinghouse.DecodeUserPositions(data)
		if err != nil {
			c.log.Warn().Err(err).Str("account", acct.Key.String()).Msg("skipping undecodable positions account")
			continue
		}
		if !owner.Equals(acct.Key) {
			c.log.Warn().Str("account", acct.Key.String()).Str("owner", owner.String()).Msg("positions owner mismatch")
			continue
		}
		acct.Positions = positions
		acct.Slot = slot
		accounts = append(accounts, acct)
	}
	return accounts, slot, nil
}

// FetchAccount reads a single user account and its positions.
func (c *RPCClient) FetchAccount(ctx context.Context, key solana.PublicKey) (*state.Account, error) {
	accounts, _, err := c.loadUsers(ctx, []solana.PublicKey{key})
	if err != nil {
		return nil, err
	}
	if len(accounts) == 0 {
		return nil, fmt.Errorf("fetch %s: %w", key, ErrAccountNotFound)
	}
	return accounts[0], nil
}

// FindUserAccount locates the user account owned by authority.
func (c *RPCClient) FindUserAccount(ctx context.Context, authority solana.PublicKey) (solana.PublicKey, error) {
	const op = "find user account"
	if err := c.wait(ctx, op); err != nil {
		return solana.PublicKey{}, err
	}
	zero := uint64(0)
	res, err := c.rpc.GetProgramAccountsWithOpts(ctx, c.cfg.ProgramID, &rpc.GetProgramAccountsOpts{
		Commitment: c.cfg.Commitment,
		Encoding:   solana.EncodingBase64,
		DataSlice:  &rpc.DataSlice{Offset: &zero, Length: &zero},
		Filters: []rpc.RPCFilter{
			{Memcmp: &rpc.RPCFilterMemcmp{Offset: 0, Bytes: solana.Base58(clearinghouse.UserDiscriminator())}},
			{Memcmp: &rpc.RPCFilterMemcmp{Offset: 8, Bytes: solana.Base58(authority.Bytes())}},
		},
	})
	if err != nil {
		return solana.PublicKey{}, Wrap(op, err)
	}
	switch len(res) {
	case 0:
		return solana.PublicKey{}, fmt.Errorf("%w: authority %s", ErrLiquidatorAccountNotFound, authority)
	case 1:
		return res[0].Pubkey, nil
	default:
		return solana.PublicKey{}, fmt.Errorf("authority %s owns %d user accounts", authority, len(res))
	}
}

// ============================================================================
// Markets
// ============================================================================

func (c *RPCClient) stateAccounts(ctx context.Context) (state.StateAccounts, error) {
	c.mu.Lock()
	cached := c.accounts
	c.mu.Unlock()
	if cached != nil {
		return *cached, nil
	}

	raw, _, err := c.getAccounts(ctx, "load state", []solana.PublicKey{c.stateAddr})
	if err != nil {
		return state.StateAccounts{}, err
	}
	if raw[0] == nil {
		return state.StateAccounts{}, fmt.Errorf("state account %s: %w", c.stateAddr, ErrAccountNotFound)
	}
	accounts, err := clearinghouse.DecodeState(c.stateAddr, raw[0])
	if err != nil {
		return state.StateAccounts{}, err
	}

	c.mu.Lock()
	c.accounts = &accounts
	c.mu.Unlock()
	return accounts, nil
}

// QueryMarkets reads the markets account and every referenced oracle.
func (c *RPCClient) QueryMarkets(ctx context.Context) (*state.MarketTable, error) {
	const op = "query markets"
	accounts, err := c.stateAccounts(ctx)
	if err != nil {
		return nil, err
	}

	raw, slot, err := c.getAccounts(ctx, op, []solana.PublicKey{accounts.Markets})
	if err != nil {
		return nil, err
	}
	if raw[0] == nil {
		return nil, fmt.Errorf("markets account %s: %w", accounts.Markets, ErrAccountNotFound)
	}
	decoded, err := clearinghouse.DecodeMarkets(raw[0])
	if err != nil {
		return nil, err
	}

	markets := make([]state.Market, 0, len(decoded))
	for i := range decoded {
		if !decoded[i].Initialized {
			continue
		}
		if err := state.ValidateMarket(&decoded[i]); err != nil {
			c.log.Warn().Err(err).Uint64("market", decoded[i].Index).Msg("excluding invalid market")
			continue
		}
		markets = append(markets, decoded[i])
	}
	table := state.NewMarketTable(slot, accounts, markets)

	oracleKeys := table.OracleKeys()
	rawOracles, _, err := c.getAccounts(ctx, op, oracleKeys)
	if err != nil {
		return nil, err
	}
	sources := make(map[solana.PublicKey]state.OracleSource, len(oracleKeys))
	for _, m := range table.Markets() {
		sources[m.AMM.Oracle] = m.AMM.OracleSource
	}
	prices := make(map[solana.PublicKey]state.OraclePrice, len(oracleKeys))
	for i, key := range oracleKeys {
		if rawOracles[i] == nil || sources[key] != state.OracleSourcePyth {
			continue
		}
		price, err := clearinghouse.DecodePythPrice(rawOracles[i])
		if err != nil {
			c.log.Debug().Err(err).Str("oracle", key.String()).Msg("oracle unreadable")
			continue
		}
		prices[key] = price
	}
	return table.WithOracles(prices), nil
}

// ============================================================================
// Submission
// ============================================================================

func (c *RPCClient) LatestBlockhash(ctx context.Context) (solana.Hash, error) {
	const op = "latest blockhash"
	if err := c.wait(ctx, op); err != nil {
		return solana.Hash{}, err
	}
	res, err := c.rpc.GetLatestBlockhash(ctx, c.cfg.Commitment)
	if err != nil {
		return solana.Hash{}, Wrap(op, err)
	}
	return res.Value.Blockhash, nil
}

func (c *RPCClient) SubmitTransaction(ctx context.Context, tx *solana.Transaction) (solana.Signature, error) {
	const op = "submit transaction"
	if err := c.wait(ctx, op); err != nil {
		return solana.Signature{}, err
	}
	sig, err := c.rpc.SendTransactionWithOpts(ctx, tx, rpc.TransactionOpts{
		SkipPreflight:       c.cfg.SkipPreflight,
		PreflightCommitment: c.cfg.Commitment,
	})
	if err != nil {
		return solana.Signature{}, Wrap(op, err)
	}
	return sig, nil
}

func (c *RPCClient) SignatureStatus(ctx context.Context, sig solana.Signature) (*ConfirmResult, error) {
	const op = "signature status"
	if err := c.wait(ctx, op); err != nil {
		return nil, err
	}
	res, err := c.rpc.GetSignatureStatuses(ctx, true, sig)
	if err != nil {
		return nil, Wrap(op, err)
	}
	if res == nil || len(res.Value) == 0 || res.Value[0] == nil {
		return &ConfirmResult{Status: ConfirmPending}, nil
	}
	st := res.Value[0]
	if st.Err != nil {
		return &ConfirmResult{Status: ConfirmFailed, Slot: st.Slot, Err: FromTransactionError("transaction", st.Err)}, nil
	}
	switch st.ConfirmationStatus {
	case rpc.ConfirmationStatusConfirmed, rpc.ConfirmationStatusFinalized:
		return &ConfirmResult{Status: ConfirmConfirmed, Slot: st.Slot}, nil
	default:
		return &ConfirmResult{Status: ConfirmPending, Slot: st.Slot}, nil
	}
}

// Confirm polls the signature status until it settles or timeout elapses.
func (c *RPCClient) Confirm(ctx context.Context, sig solana.Signature, timeout time.Duration) (*ConfirmResult, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(c.cfg.ConfirmPollInterval)
	defer ticker.Stop()

	for {
		res, err := c.SignatureStatus(ctx, sig)
		switch {
		case err == nil && res.Status != ConfirmPending:
			return res, nil
		case err != nil && Classify(err) != KindTransient:
			return nil, err
		case err != nil:
			c.log.Debug().Err(err).Str("signature", sig.String()).Msg("status poll failed")
		}

		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return &ConfirmResult{Status: ConfirmExpired}, nil
			}
			return nil, Wrap("confirm", ctx.Err())
		case <-ticker.C:
		}
	}
}
