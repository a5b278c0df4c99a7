package clearinghouse

import (
	"errors"
	"fmt"

	"PerpLiquidator/internal/state"

	"github.com/gagliardetto/solana-go"
)

var ErrNoOpenPositions = errors.New("account has no open positions")

// LiquidateParams names every account the liquidate instruction touches.
type LiquidateParams struct {
	ProgramID      solana.PublicKey
	State          state.StateAccounts
	Liquidator     solana.PublicKey // signer and fee payer
	LiquidatorUser solana.PublicKey // the liquidator's own user account
	User           *state.Account
	Markets        *state.MarketTable
}

// NewLiquidateInstruction builds liquidate with the program's fixed account
// order, followed by one read-only oracle per open position.
func NewLiquidateInstruction(p LiquidateParams) (*solana.GenericInstruction, error) {
	open := p.User.OpenPositions()
	if len(open) == 0 {
		return nil, ErrNoOpenPositions
	}

	metas := solana.AccountMetaSlice{
		solana.NewAccountMeta(p.State.State, false, false),
		solana.NewAccountMeta(p.Liquidator, false, true),
		solana.NewAccountMeta(p.LiquidatorUser, true, false),
		solana.NewAccountMeta(p.User.Key, true, false),
		solana.NewAccountMeta(p.State.CollateralVault, true, false),
		solana.NewAccountMeta(p.State.CollateralVaultAuthority, false, false),
		solana.NewAccountMeta(p.State.InsuranceVault, true, false),
		solana.NewAccountMeta(p.State.InsuranceVaultAuthority, false, false),
		solana.NewAccountMeta(solana.TokenProgramID, false, false),
		solana.NewAccountMeta(p.State.Markets, true, false),
		solana.NewAccountMeta(p.User.PositionsKey, true, false),
		solana.NewAccountMeta(p.State.TradeHistory, true, false),
		solana.NewAccountMeta(p.State.LiquidationHistory, true, false),
		solana.NewAccountMeta(p.State.FundingPaymentHistory, true, false),
	}
	for _, pos := range open {
		m, ok := p.Markets.Get(pos.MarketIndex)
		if !ok {
			return nil, fmt.Errorf("liquidate %s: %w", p.User.Key, &state.MarketNotFoundError{Index: pos.MarketIndex})
		}
		metas = append(metas, solana.NewAccountMeta(m.AMM.Oracle, false, false))
	}

	data := make([]byte, len(liquidateDiscriminator))
	copy(data, liquidateDiscriminator[:])
	return solana.NewInstruction(p.ProgramID, metas, data), nil
}

// NewSettleFundingPaymentInstruction builds settle_funding_payment for one
// user. Anyone may crank it; no signer beyond the fee payer is needed.
func NewSettleFundingPaymentInstruction(programID solana.PublicKey, accounts state.StateAccounts, user *state.Account) *solana.GenericInstruction {
	metas := solana.AccountMetaSlice{
		solana.NewAccountMeta(accounts.State, false, false),
		solana.NewAccountMeta(user.Key, true, false),
		solana.NewAccountMeta(accounts.Markets, false, false),
		solana.NewAccountMeta(user.PositionsKey, true, false),
		solana.NewAccountMeta(accounts.FundingPaymentHistory, true, false),
	}
	data := make([]byte, len(settleFundingPaymentDiscriminator))
	copy(data, settleFundingPaymentDiscriminator[:])
	return solana.NewInstruction(programID, metas, data)
}

// InstructionKind names the program instructions this agent sends.
type InstructionKind int

const (
	InstructionUnknown InstructionKind = iota
	InstructionLiquidate
	InstructionSettleFundingPayment
)

func (k InstructionKind) String() string {
	switch k {
	case InstructionLiquidate:
		return "liquidate"
	case InstructionSettleFundingPayment:
		return "settle_funding_payment"
	default:
		return "unknown"
	}
}

// TargetOf reports which instruction a transaction carries and the user
// account it targets, by inspecting the first instruction addressed to
// programID.
func TargetOf(tx *solana.Transaction, programID solana.PublicKey) (InstructionKind, solana.PublicKey, bool) {
	keys := tx.Message.AccountKeys
	for _, ci := range tx.Message.Instructions {
		if int(ci.ProgramIDIndex) >= len(keys) || !keys[ci.ProgramIDIndex].Equals(programID) {
			continue
		}
		if len(ci.Data) < discriminatorSize {
			continue
		}

		var disc [8]byte
		copy(disc[:], ci.Data[:discriminatorSize])
		userSlot := -1
		kind := InstructionUnknown
		switch disc {
		case liquidateDiscriminator:
			kind, userSlot = InstructionLiquidate, 3
		case settleFundingPaymentDiscriminator:
			kind, userSlot = InstructionSettleFundingPayment, 1
		}
		if userSlot < 0 || userSlot >= len(ci.Accounts) || int(ci.Accounts[userSlot]) >= len(keys) {
			continue
		}
		return kind, keys[ci.Accounts[userSlot]], true
	}
	return InstructionUnknown, solana.PublicKey{}, false
}
