// Package clearinghouse holds the exchange program's binary contract:
// account layouts, decoders, instruction builders and error codes.
package clearinghouse

import (
	"crypto/sha256"

	"github.com/gagliardetto/solana-go"
)

// DefaultProgramID is the mainnet clearing house program.
var DefaultProgramID = solana.MustPublicKeyFromBase58("dammHkt7jmytvbS3nHTxQNEcP59aE57nxwV21YdqEDN")

// Field sizes.
const (
	discriminatorSize = 8
	pubkeySize        = 32
	u128Size          = 16
	u64Size           = 8
	u32Size           = 4
)

// Account shapes. Zero-copy accounts (positions, markets) are packed; their
// element strides include trailing upgrade padding.
const (
	MaxPositions = 5
	MaxMarkets   = 64

	// market_index u64, base i128, quote u128, last_cumulative_funding_rate
	// i128, last_cumulative_repeg_rebate u128, last_funding_rate_ts i64,
	// open_orders u128, 5 x u128 padding
	MarketPositionSize = u64Size + 5*u128Size + u64Size + 5*u128Size // 176

	UserPositionsSize = discriminatorSize + pubkeySize + MaxPositions*MarketPositionSize

	// oracle, oracle_source u8, 7 x u128 (reserves, repeg rebates, funding
	// rates, last rate), 2 x i64 (funding ts, period), 2 x u128 twaps, i64
	// twap ts, 6 x u128 (sqrt_k, peg, fees, min base size), i64 oracle twap
	// ts, 2 x u128 (last oracle price, min quote size), u16 spread, u16 + u32
	// + u128 padding
	AMMSize = pubkeySize + 1 + 7*u128Size + 2*u64Size + 2*u128Size + u64Size +
		6*u128Size + u64Size + 2*u128Size + 2 + 2 + u32Size + u128Size // 361

	// initialized u8, 4 x i128/u128 market totals, AMM, 3 x u32 margin
	// ratios, u32 + 4 x u128 padding
	MarketSize = 1 + 4*u128Size + AMMSize + 3*u32Size + u32Size + 4*u128Size // 506

	MarketsSize = discriminatorSize + MaxMarkets*MarketSize

	// discriminator, authority, collateral, cumulative_deposits, 4 fee
	// totals, positions
	UserMinSize = discriminatorSize + pubkeySize + 6*u128Size + pubkeySize
)

// Pyth price account offsets.
const (
	pythMagic         = 0xa1b2c3d4
	pythExpoOffset    = 20
	pythPriceOffset   = 208
	pythConfOffset    = 216
	pythStatusOffset  = 224
	pythPubSlotOffset = 232
	pythMinSize       = 240
	pythStatusTrading = 1
	markPriceExponent = 10
)

// State account sections between the markets address and the oracle guard
// rails.
const (
	// 3 x u128 margin ratios, 6 x u128 liquidation close and penalty
	// fractions, 2 x u64 liquidator share denominators
	stateRiskParamsSize = 9*u128Size + 2*u64Size // 160

	// fee numerator and denominator, 4 discount tiers (u64 minimum balance,
	// u128 numerator, u128 denominator), referral discount (4 x u128)
	feeStructureSize = 2*u128Size + 4*(u64Size+2*u128Size) + 4*u128Size // 256

	// divergence numerator and denominator, i64 slots_before_stale, u128
	// confidence_interval_max_size, i128 too_volatile_ratio, bool
	// use_for_liquidations
	oracleGuardRailsSize = 2*u128Size + u64Size + 2*u128Size + 1 // 73

	// admin, 3 flags, collateral mint, vault and authority, nonce, 8
	// history/insurance addresses, nonce, markets
	stateAddressesSize = pubkeySize + 3 + 3*pubkeySize + 1 + 8*pubkeySize + 1 + pubkeySize // 421

	StateMinSize = discriminatorSize + stateAddressesSize + stateRiskParamsSize +
		feeStructureSize + 2*pubkeySize + oracleGuardRailsSize // 982
)

// Discriminator returns the 8-byte anchor discriminator for a namespace and
// name, e.g. ("account", "User") or ("global", "liquidate").
func Discriminator(namespace, name string) [8]byte {
	sum := sha256.Sum256([]byte(namespace + ":" + name))
	var d [8]byte
	copy(d[:], sum[:8])
	return d
}

var (
	userDiscriminator          = Discriminator("account", "User")
	userPositionsDiscriminator = Discriminator("account", "UserPositions")
	marketsDiscriminator       = Discriminator("account", "Markets")
	stateDiscriminator         = Discriminator("account", "State")

	liquidateDiscriminator            = [8]byte{0xdf, 0xb3, 0xe2, 0x7d, 0x30, 0x2e, 0x27, 0x4a}
	settleFundingPaymentDiscriminator = Discriminator("global", "settle_funding_payment")
)

// UserDiscriminator is the prefix every user account starts with; scans
// filter on it.
func UserDiscriminator() []byte {
	d := userDiscriminator
	return d[:]
}

// StateAddress derives the program's state account.
func StateAddress(programID solana.PublicKey) (solana.PublicKey, error) {
	addr, _, err := solana.FindProgramAddress([][]byte{[]byte("clearing_house")}, programID)
	return addr, err
}
