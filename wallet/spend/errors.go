// Package spend builds, updates, sanity-checks and finalizes the PSBTs
// the daemon hands to an external signer, transliterated from the
// original create_spend/update_spend/list_spend/delete_spend/
// broadcast_spend command set.
package spend

import "fmt"

// ErrorCode classifies a spend-command failure so callers can branch on
// it without string matching.
type ErrorCode int

const (
	ErrNoOutpoint ErrorCode = iota
	ErrNoDestination
	ErrInvalidFeerate
	ErrUnknownOutpoint
	ErrAlreadySpent
	ErrInvalidOutputValue
	ErrInsufficientFunds
	ErrSanityCheckFailure
	ErrUnknownSpend
	ErrSpendFinalization
	ErrTxBroadcast
)

// Error is the error type every exported function in this package
// returns; it never returns a bare error so callers can always recover
// the Code.
type Error struct {
	Code    ErrorCode
	Message string
}

func (e *Error) Error() string { return e.Message }

func errNoOutpoint() *Error {
	return &Error{ErrNoOutpoint, "spend: at least one outpoint is required"}
}

func errNoDestination() *Error {
	return &Error{ErrNoDestination, "spend: at least one destination is required"}
}

func errInvalidFeerate(feerate uint64) *Error {
	return &Error{ErrInvalidFeerate, fmt.Sprintf("spend: invalid feerate %d", feerate)}
}

func errUnknownOutpoint(outpoint string) *Error {
	return &Error{ErrUnknownOutpoint, fmt.Sprintf("spend: unknown outpoint %s", outpoint)}
}

func errAlreadySpent(outpoint string) *Error {
	return &Error{ErrAlreadySpent, fmt.Sprintf("spend: coin %s is already spent", outpoint)}
}

func errInvalidOutputValue(value uint64) *Error {
	return &Error{ErrInvalidOutputValue, fmt.Sprintf("spend: invalid output value %d", value)}
}

func errInsufficientFunds(inputs, outputs, feeNeeded uint64) *Error {
	return &Error{
		ErrInsufficientFunds,
		fmt.Sprintf("spend: insufficient funds: inputs total %d, outputs total %d, fee needed %d",
			inputs, outputs, feeNeeded),
	}
}

func errSanityCheckFailure(reason string) *Error {
	return &Error{ErrSanityCheckFailure, fmt.Sprintf("spend: sanity check failed: %s", reason)}
}

func errUnknownSpend(txid string) *Error {
	return &Error{ErrUnknownSpend, fmt.Sprintf("spend: unknown spend transaction %s", txid)}
}

func errSpendFinalization(reason string) *Error {
	return &Error{ErrSpendFinalization, fmt.Sprintf("spend: finalization failed: %s", reason)}
}

func errTxBroadcast(reason string) *Error {
	return &Error{ErrTxBroadcast, fmt.Sprintf("spend: broadcast failed: %s", reason)}
}
