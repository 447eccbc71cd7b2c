package orderbook

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation marks a malformed order. Nothing in the book changed.
	ErrValidation = errors.New("orderbook: invalid order")
	// ErrNotCancelable is returned when the order is not resting.
	ErrNotCancelable = errors.New("orderbook: order not cancelable")
	// ErrInvariant marks book corruption. The owning sequencer must halt.
	ErrInvariant = errors.New("orderbook: invariant violated")
)

// Reason is the machine-readable code of a rejected order.
type Reason string

const (
	ReasonInvalidAmount Reason = "INVALID_AMOUNT"
	ReasonInvalidPrice  Reason = "INVALID_PRICE"
	ReasonInvalidSide   Reason = "INVALID_SIDE"
	ReasonInvalidKind   Reason = "INVALID_KIND"
	ReasonPairMismatch  Reason = "PAIR_MISMATCH"
	ReasonDuplicateID   Reason = "DUPLICATE_ORDER_ID"
)

// RejectError carries the reason code of a validation failure.
type RejectError struct {
	Reason Reason
	Detail string
}

func (e *RejectError) Error() string {
	return fmt.Sprintf("%s: %s: %s", ErrValidation, e.Reason, e.Detail)
}

func (e *RejectError) Unwrap() error {
	return ErrValidation
}

func reject(r Reason, format string, args ...any) error {
	return &RejectError{Reason: r, Detail: fmt.Sprintf(format, args...)}
}

// ReasonOf extracts the reason code from err, or "" if err is not a rejection.
func ReasonOf(err error) Reason {
	var re *RejectError
	if errors.As(err, &re) {
		return re.Reason
	}
	return ""
}

func invariant(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvariant, fmt.Sprintf(format, args...))
}
