package clearinghouse

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"

	"PerpLiquidator/internal/state"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
)

var (
	ErrWrongAccountType = errors.New("account discriminator mismatch")
	ErrShortAccount     = errors.New("account data too short")
)

// User is the decoded user account header.
type User struct {
	Authority          solana.PublicKey
	Collateral         *big.Int
	CumulativeDeposits *big.Int
	Positions          solana.PublicKey
}

func checkDiscriminator(data []byte, want [8]byte, minSize int) error {
	if len(data) < minSize {
		return fmt.Errorf("%w: %d < %d", ErrShortAccount, len(data), minSize)
	}
	if !bytes.Equal(data[:discriminatorSize], want[:]) {
		return ErrWrongAccountType
	}
	return nil
}

func readPubkey(dec *bin.Decoder) (solana.PublicKey, error) {
	b, err := dec.ReadNBytes(pubkeySize)
	if err != nil {
		return solana.PublicKey{}, err
	}
	return solana.PublicKeyFromBytes(b), nil
}

func readU128(dec *bin.Decoder) (*big.Int, error) {
	v, err := dec.ReadUint128(bin.LE)
	if err != nil {
		return nil, err
	}
	return v.BigInt(), nil
}

func readI128(dec *bin.Decoder) (*big.Int, error) {
	v, err := dec.ReadInt128(bin.LE)
	if err != nil {
		return nil, err
	}
	return v.BigInt(), nil
}

// DecodeUser decodes a user account.
func DecodeUser(data []byte) (*User, error) {
	if err := checkDiscriminator(data, userDiscriminator, UserMinSize); err != nil {
		return nil, fmt.Errorf("decode user: %w", err)
	}
	dec := bin.NewBinDecoder(data[discriminatorSize:])

	var (
		u   User
		err error
	)
	if u.Authority, err = readPubkey(dec); err != nil {
		return nil, fmt.Errorf("decode user authority: %w", err)
	}
	if u.Collateral, err = readU128(dec); err != nil {
		return nil, fmt.Errorf("decode user collateral: %w", err)
	}
	if u.CumulativeDeposits, err = readI128(dec); err != nil {
		return nil, fmt.Errorf("decode user deposits: %w", err)
	}
	// total_fee_paid, total_token_discount, total_referral_reward,
	// total_referee_discount
	if err := dec.SkipBytes(4 * u128Size); err != nil {
		return nil, fmt.Errorf("decode user fees: %w", err)
	}
	if u.Positions, err = readPubkey(dec); err != nil {
		return nil, fmt.Errorf("decode user positions key: %w", err)
	}
	return &u, nil
}

// DecodeUserPositions decodes a positions account. Flat slots are dropped;
// the remaining positions keep their slot order.
func DecodeUserPositions(data []byte) (owner solana.PublicKey, positions []state.Position, err error) {
	if err := checkDiscriminator(data, userPositionsDiscriminator, UserPositionsSize); err != nil {
		return solana.PublicKey{}, nil, fmt.Errorf("decode positions: %w", err)
	}
	owner = solana.PublicKeyFromBytes(data[discriminatorSize : discriminatorSize+pubkeySize])

	positions = make([]state.Position, 0, MaxPositions)
	base := discriminatorSize + pubkeySize
	for i := 0; i < MaxPositions; i++ {
		start := base + i*MarketPositionSize
		p, err := decodeMarketPosition(data[start : start+MarketPositionSize])
		if err != nil {
			return solana.PublicKey{}, nil, fmt.Errorf("decode position %d: %w", i, err)
		}
		if p.IsFlat() {
			continue
		}
		positions = append(positions, p)
	}
	return owner, positions, nil
}

func decodeMarketPosition(data []byte) (state.Position, error) {
	dec := bin.NewBinDecoder(data)
	var (
		p   state.Position
		err error
	)
	if p.MarketIndex, err = dec.ReadUint64(bin.LE); err != nil {
		return p, err
	}
	if p.BaseAssetAmount, err = readI128(dec); err != nil {
		return p, err
	}
	if p.QuoteAssetAmount, err = readU128(dec); err != nil {
		return p, err
	}
	if p.LastCumulativeFundingRate, err = readI128(dec); err != nil {
		return p, err
	}
	// last_cumulative_repeg_rebate
	if err := dec.SkipBytes(u128Size); err != nil {
		return p, err
	}
	if p.LastFundingRateTs, err = dec.ReadInt64(bin.LE); err != nil {
		return p, err
	}
	return p, nil
}

// DecodeMarkets decodes the markets account into all 64 slots, initialized
// or not.
func DecodeMarkets(data []byte) ([]state.Market, error) {
	if err := checkDiscriminator(data, marketsDiscriminator, MarketsSize); err != nil {
		return nil, fmt.Errorf("decode markets: %w", err)
	}
	markets := make([]state.Market, 0, MaxMarkets)
	for i := 0; i < MaxMarkets; i++ {
		start := discriminatorSize + i*MarketSize
		m, err := decodeMarket(data[start : start+MarketSize])
		if err != nil {
			return nil, fmt.Errorf("decode market %d: %w", i, err)
		}
		m.Index = uint64(i)
		markets = append(markets, m)
	}
	return markets, nil
}

func decodeMarket(data []byte) (state.Market, error) {
	dec := bin.NewBinDecoder(data)
	var m state.Market

	initialized, err := dec.ReadUint8()
	if err != nil {
		return m, err
	}
	m.Initialized = initialized != 0

	// base_asset_amount_long, _short, net, open_interest
	if err := dec.SkipBytes(4 * u128Size); err != nil {
		return m, err
	}
	if m.AMM, err = decodeAMM(dec); err != nil {
		return m, fmt.Errorf("amm: %w", err)
	}
	if m.MarginRatioInitial, err = dec.ReadUint32(bin.LE); err != nil {
		return m, err
	}
	if m.MarginRatioPartial, err = dec.ReadUint32(bin.LE); err != nil {
		return m, err
	}
	if m.MarginRatioMaintenance, err = dec.ReadUint32(bin.LE); err != nil {
		return m, err
	}
	return m, nil
}

func decodeAMM(dec *bin.Decoder) (state.AMM, error) {
	var (
		a   state.AMM
		err error
	)
	if a.Oracle, err = readPubkey(dec); err != nil {
		return a, err
	}
	source, err := dec.ReadUint8()
	if err != nil {
		return a, err
	}
	a.OracleSource = state.OracleSource(source)

	if a.BaseAssetReserve, err = readU128(dec); err != nil {
		return a, err
	}
	if a.QuoteAssetReserve, err = readU128(dec); err != nil {
		return a, err
	}
	// cumulative_repeg_rebate_long, _short
	if err := dec.SkipBytes(2 * u128Size); err != nil {
		return a, err
	}
	if a.CumulativeFundingRateLong, err = readI128(dec); err != nil {
		return a, err
	}
	if a.CumulativeFundingRateShort, err = readI128(dec); err != nil {
		return a, err
	}
	// last_funding_rate
	if err := dec.SkipBytes(u128Size); err != nil {
		return a, err
	}
	if a.LastFundingRateTs, err = dec.ReadInt64(bin.LE); err != nil {
		return a, err
	}
	if a.FundingPeriod, err = dec.ReadInt64(bin.LE); err != nil {
		return a, err
	}
	if a.LastOraclePriceTwap, err = readI128(dec); err != nil {
		return a, err
	}
	if a.LastMarkPriceTwap, err = readU128(dec); err != nil {
		return a, err
	}
	// last_mark_price_twap_ts
	if err := dec.SkipBytes(u64Size); err != nil {
		return a, err
	}
	if a.SqrtK, err = readU128(dec); err != nil {
		return a, err
	}
	if a.PegMultiplier, err = readU128(dec); err != nil {
		return a, err
	}
	// fee totals, trade size minimums, oracle twap, spread and padding are
	// not needed for valuation
	return a, nil
}

// DecodeState decodes the program-wide addresses and the oracle guard rails
// from the state account.
func DecodeState(address solana.PublicKey, data []byte) (state.StateAccounts, error) {
	var s state.StateAccounts
	if err := checkDiscriminator(data, stateDiscriminator, StateMinSize); err != nil {
		return s, fmt.Errorf("decode state: %w", err)
	}
	s.State = address
	dec := bin.NewBinDecoder(data[discriminatorSize:])

	skip := func(n uint) error { return dec.SkipBytes(n) }
	read := func(dst *solana.PublicKey) error {
		k, err := readPubkey(dec)
		if err != nil {
			return err
		}
		*dst = k
		return nil
	}

	var unused solana.PublicKey
	steps := []func() error{
		func() error { return skip(pubkeySize) }, // admin
		func() error { return skip(3) },          // funding_paused, exchange_paused, admin_controls_prices
		func() error { return skip(pubkeySize) }, // collateral_mint
		func() error { return read(&s.CollateralVault) },
		func() error { return read(&s.CollateralVaultAuthority) },
		func() error { return skip(1) },       // collateral_vault_nonce
		func() error { return read(&unused) }, // deposit_history
		func() error { return read(&s.TradeHistory) },
		func() error { return read(&s.FundingPaymentHistory) },
		func() error { return read(&unused) }, // funding_rate_history
		func() error { return read(&s.LiquidationHistory) },
		func() error { return read(&unused) }, // curve_history
		func() error { return read(&s.InsuranceVault) },
		func() error { return read(&s.InsuranceVaultAuthority) },
		func() error { return skip(1) }, // insurance_vault_nonce
		func() error { return read(&s.Markets) },
		func() error { return skip(stateRiskParamsSize) },
		func() error { return skip(feeStructureSize) },
		func() error { return skip(2 * pubkeySize) }, // whitelist_mint, discount_mint
		func() error { return readGuardRails(dec, &s.GuardRails) },
	}
	for i, step := range steps {
		if err := step(); err != nil {
			return s, fmt.Errorf("decode state field %d: %w", i, err)
		}
	}
	return s, nil
}

func readGuardRails(dec *bin.Decoder, r *state.OracleGuardRails) error {
	var err error
	if r.DivergenceNumerator, err = readU128(dec); err != nil {
		return err
	}
	if r.DivergenceDenominator, err = readU128(dec); err != nil {
		return err
	}
	if r.SlotsBeforeStale, err = dec.ReadInt64(bin.LE); err != nil {
		return err
	}
	if r.ConfidenceIntervalMaxSize, err = readU128(dec); err != nil {
		return err
	}
	if r.TooVolatileRatio, err = readI128(dec); err != nil {
		return err
	}
	r.UseForLiquidations, err = dec.ReadBool()
	return err
}

// DecodePythPrice reads the aggregate price from a Pyth price account and
// scales it to MARK_PRICE_PRECISION.
func DecodePythPrice(data []byte) (state.OraclePrice, error) {
	var p state.OraclePrice
	if len(data) < pythMinSize {
		return p, fmt.Errorf("decode pyth: %w", ErrShortAccount)
	}
	if binary.LittleEndian.Uint32(data[0:4]) != pythMagic {
		return p, fmt.Errorf("decode pyth: %w", ErrWrongAccountType)
	}

	expo := int32(binary.LittleEndian.Uint32(data[pythExpoOffset:]))
	price := int64(binary.LittleEndian.Uint64(data[pythPriceOffset:]))
	conf := binary.LittleEndian.Uint64(data[pythConfOffset:])
	status := binary.LittleEndian.Uint32(data[pythStatusOffset:])

	p.Price = scaleToMarkPrecision(big.NewInt(price), expo)
	p.Confidence = scaleToMarkPrecision(new(big.Int).SetUint64(conf), expo)
	p.Slot = binary.LittleEndian.Uint64(data[pythPubSlotOffset:])
	p.Valid = status == pythStatusTrading && price > 0
	return p, nil
}

func scaleToMarkPrecision(v *big.Int, expo int32) *big.Int {
	shift := int64(markPriceExponent) + int64(expo)
	out := new(big.Int).Set(v)
	if shift >= 0 {
		return out.Mul(out, new(big.Int).Exp(big.NewInt(10), big.NewInt(shift), nil))
	}
	return out.Quo(out, new(big.Int).Exp(big.NewInt(10), big.NewInt(-shift), nil))
}
