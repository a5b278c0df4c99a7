package clearinghouse

import (
	"encoding/json"
	"fmt"
)

// ErrorCode is a custom program error. Anchor numbers them from 6000 in
// declaration order.
type ErrorCode uint32

const errorCodeOffset = 6000

const (
	ErrInvalidCollateralAccountAuthority ErrorCode = errorCodeOffset + iota
	ErrInvalidInsuranceAccountAuthority
	ErrInsufficientDeposit
	ErrInsufficientCollateral
	ErrSufficientCollateral
	ErrMaxNumberOfPositions
	ErrAdminControlsPricesDisabled
	ErrMarketIndexNotInitialized
	ErrMarketIndexAlreadyInitialized
	ErrUserAccountAndUserPositionsAccountMismatch
	ErrUserHasNoPositionInMarket
	ErrInvalidInitialPeg
	ErrInvalidRepegRedundant
	ErrInvalidRepegDirection
	ErrInvalidRepegProfitability
	ErrSlippageOutsideLimit
	ErrTradeSizeTooSmall
	ErrInvalidUpdateK
	ErrAdminWithdrawTooLarge
	ErrMathError
	ErrBnConversionError
	ErrClockUnavailable
	ErrUnableToLoadOracle
	ErrOracleMarkSpreadLimit
	ErrHistoryAlreadyInitialized
	ErrExchangePaused
	ErrInvalidWhitelistToken
	ErrWhitelistTokenNotFound
	ErrInvalidDiscountToken
	ErrDiscountTokenNotFound
	ErrInvalidReferrer
	ErrReferrerNotFound
	ErrInvalidOracle
	ErrOracleNotFound
	ErrLiquidationsBlockedByOracle
)

var errorCodeNames = map[ErrorCode]string{
	ErrInvalidCollateralAccountAuthority:          "InvalidCollateralAccountAuthority",
	ErrInvalidInsuranceAccountAuthority:           "InvalidInsuranceAccountAuthority",
	ErrInsufficientDeposit:                        "InsufficientDeposit",
	ErrInsufficientCollateral:                     "InsufficientCollateral",
	ErrSufficientCollateral:                       "SufficientCollateral",
	ErrMaxNumberOfPositions:                       "MaxNumberOfPositions",
	ErrAdminControlsPricesDisabled:                "AdminControlsPricesDisabled",
	ErrMarketIndexNotInitialized:                  "MarketIndexNotInitialized",
	ErrMarketIndexAlreadyInitialized:              "MarketIndexAlreadyInitialized",
	ErrUserAccountAndUserPositionsAccountMismatch: "UserAccountAndUserPositionsAccountMismatch",
	ErrUserHasNoPositionInMarket:                  "UserHasNoPositionInMarket",
	ErrMathError:                                  "MathError",
	ErrUnableToLoadOracle:                         "UnableToLoadOracle",
	ErrOracleMarkSpreadLimit:                      "OracleMarkSpreadLimit",
	ErrExchangePaused:                             "ExchangePaused",
	ErrInvalidOracle:                              "InvalidOracle",
	ErrOracleNotFound:                             "OracleNotFound",
	ErrLiquidationsBlockedByOracle:                "LiquidationsBlockedByOracle",
}

func (c ErrorCode) String() string {
	if name, ok := errorCodeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("ProgramError(%d)", uint32(c))
}

// Outcome groups program errors by what a liquidator should do next.
type Outcome int

const (
	// OutcomeRetry: conditions may change on their own (oracle, pause).
	OutcomeRetry Outcome = iota
	// OutcomeStale: the program disagrees with our view of the account.
	OutcomeStale
	// OutcomePermanent: resubmitting the same thing cannot succeed.
	OutcomePermanent
)

// Outcome classifies the code.
func (c ErrorCode) Outcome() Outcome {
	switch c {
	case ErrSufficientCollateral, ErrUserHasNoPositionInMarket:
		return OutcomeStale
	case ErrUnableToLoadOracle, ErrOracleMarkSpreadLimit, ErrInvalidOracle,
		ErrLiquidationsBlockedByOracle, ErrExchangePaused, ErrClockUnavailable:
		return OutcomeRetry
	default:
		return OutcomePermanent
	}
}

// CustomErrorCode extracts a custom program error code from a transaction
// error as the node reports it, e.g. {"InstructionError":[0,{"Custom":6004}]}.
// The value may be the decoded JSON or a json.RawMessage.
func CustomErrorCode(txErr interface{}) (ErrorCode, bool) {
	switch v := txErr.(type) {
	case nil:
		return 0, false
	case json.RawMessage:
		var decoded interface{}
		if err := json.Unmarshal(v, &decoded); err != nil {
			return 0, false
		}
		return CustomErrorCode(decoded)
	case map[string]interface{}:
		if inner, ok := v["InstructionError"]; ok {
			return CustomErrorCode(inner)
		}
		if inner, ok := v["err"]; ok {
			return CustomErrorCode(inner)
		}
		if code, ok := v["Custom"]; ok {
			return numericCode(code)
		}
	case []interface{}:
		for _, item := range v {
			if code, ok := CustomErrorCode(item); ok {
				return code, true
			}
		}
	}
	return 0, false
}

func numericCode(v interface{}) (ErrorCode, bool) {
	switch n := v.(type) {
	case float64:
		return ErrorCode(uint32(n)), true
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return 0, false
		}
		return ErrorCode(uint32(i)), true
	case int:
		return ErrorCode(uint32(n)), true
	case uint32:
		return ErrorCode(n), true
	}
	return 0, false
}
