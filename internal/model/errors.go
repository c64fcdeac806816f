package model

import "errors"

// Error taxonomy. Call sites wrap these with fmt.Errorf("%w: ...").
var (
	ErrValidation             = errors.New("validation failed")
	ErrInsufficientFunds      = errors.New("insufficient funds")
	ErrInsufficientCollateral = errors.New("insufficient collateral")
	ErrLimitExceeded          = errors.New("limit exceeded")
	ErrNotFound               = errors.New("not found")
	ErrConflict               = errors.New("conflict")
	ErrStalePrice             = errors.New("price unavailable")
	ErrInternal               = errors.New("internal error")
)

// Error kind codes as exposed on the HTTP surface.
const (
	KindValidation             = "VALIDATION"
	KindInsufficientFunds      = "INSUFFICIENT_FUNDS"
	KindInsufficientCollateral = "INSUFFICIENT_COLLATERAL"
	KindLimitExceeded          = "LIMIT_EXCEEDED"
	KindNotFound               = "NOT_FOUND"
	KindConflict               = "CONFLICT"
	KindStalePrice             = "STALE_PRICE"
	KindInternal               = "INTERNAL"
)

var kinds = []struct {
	err  error
	kind string
}{
	{ErrValidation, KindValidation},
	{ErrInsufficientFunds, KindInsufficientFunds},
	{ErrInsufficientCollateral, KindInsufficientCollateral},
	{ErrLimitExceeded, KindLimitExceeded},
	{ErrNotFound, KindNotFound},
	{ErrConflict, KindConflict},
	{ErrStalePrice, KindStalePrice},
}

// KindOf resolves the taxonomy code of err. Unclassified errors are INTERNAL.
func KindOf(err error) string {
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.kind
		}
	}
	return KindInternal
}
