package ledger

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"PerpLiquidator/internal/clearinghouse"

	"github.com/gagliardetto/solana-go/rpc/jsonrpc"
)

var (
	// ErrTransientRPC: timeouts, throttling, node lag. Retry with backoff.
	ErrTransientRPC = errors.New("transient rpc error")
	// ErrStaleState: the ledger rejected a submission because the account
	// changed since it was read. Re-fetch and re-evaluate.
	ErrStaleState = errors.New("stale account state")
	// ErrRaceLost: another agent liquidated the account first. Not a fault.
	ErrRaceLost = errors.New("liquidation race lost")
	// ErrPermanentSubmission: resubmitting cannot succeed (authorization,
	// signing, fee payer). Abandon the candidate.
	ErrPermanentSubmission = errors.New("permanent submission error")

	ErrAccountNotFound = errors.New("account not found")
)

// ErrorKind is the taxonomy every ledger error is mapped into.
type ErrorKind int

const (
	KindTransient ErrorKind = iota
	KindStale
	KindRaceLost
	KindPermanent
)

func (k ErrorKind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindStale:
		return "stale"
	case KindRaceLost:
		return "race_lost"
	case KindPermanent:
		return "permanent"
	default:
		return "unknown"
	}
}

func (k ErrorKind) sentinel() error {
	switch k {
	case KindStale:
		return ErrStaleState
	case KindRaceLost:
		return ErrRaceLost
	case KindPermanent:
		return ErrPermanentSubmission
	default:
		return ErrTransientRPC
	}
}

// Error is a classified ledger error. errors.Is matches both the taxonomy
// sentinel and the underlying cause.
type Error struct {
	Kind ErrorKind
	Op   string
	Code clearinghouse.ErrorCode // zero unless the program returned a custom error
	Err  error
}

func (e *Error) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("%s: %s (%s): %v", e.Op, e.Kind, e.Code, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() []error {
	return []error{e.Kind.sentinel(), e.Err}
}

// Wrap classifies err and tags it with the operation. Already classified
// errors keep their kind.
func Wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	var classified *Error
	if errors.As(err, &classified) {
		return err
	}
	kind, code := classify(err)
	return &Error{Kind: kind, Op: op, Code: code, Err: err}
}

// FromTransactionError classifies the err field of a landed transaction.
func FromTransactionError(op string, txErr interface{}) error {
	if txErr == nil {
		return nil
	}
	cause := fmt.Errorf("transaction failed: %v", txErr)
	if code, ok := clearinghouse.CustomErrorCode(txErr); ok {
		return &Error{Kind: kindForProgramCode(code), Op: op, Code: code, Err: cause}
	}
	return &Error{Kind: kindForMessage(fmt.Sprint(txErr)), Op: op, Err: cause}
}

// Classify returns the taxonomy kind of any error. Unknown errors are
// treated as transient; the retry budget bounds them.
func Classify(err error) ErrorKind {
	kind, _ := classify(err)
	return kind
}

func classify(err error) (ErrorKind, clearinghouse.ErrorCode) {
	switch {
	case errors.Is(err, ErrPermanentSubmission):
		return KindPermanent, 0
	case errors.Is(err, ErrRaceLost):
		return KindRaceLost, 0
	case errors.Is(err, ErrStaleState):
		return KindStale, 0
	case errors.Is(err, ErrTransientRPC):
		return KindTransient, 0
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return KindTransient, 0
	}

	var rpcErr *jsonrpc.RPCError
	if errors.As(err, &rpcErr) {
		if code, ok := clearinghouse.CustomErrorCode(rpcErr.Data); ok {
			return kindForProgramCode(code), code
		}
		switch rpcErr.Code {
		case -32004, -32005, -32007, -32009, -32014, -32016:
			// block not available, node unhealthy, slot skipped, min context slot
			return KindTransient, 0
		}
		return kindForMessage(rpcErr.Message), 0
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return KindTransient, 0
	}

	return kindForMessage(err.Error()), 0
}

func kindForProgramCode(code clearinghouse.ErrorCode) ErrorKind {
	switch code.Outcome() {
	case clearinghouse.OutcomeStale:
		return KindStale
	case clearinghouse.OutcomeRetry:
		return KindTransient
	default:
		return KindPermanent
	}
}

var permanentMessages = []string{
	"signature verification",
	"invalid signature",
	"missing signature",
	"insufficient funds",
	"no record of a prior credit",
	"invalid account data for instruction",
	"account not authorized",
	"not enough signers",
}

func kindForMessage(msg string) ErrorKind {
	lower := strings.ToLower(msg)
	for _, m := range permanentMessages {
		if strings.Contains(lower, m) {
			return KindPermanent
		}
	}
	return KindTransient
}
