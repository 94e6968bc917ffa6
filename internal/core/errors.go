package core

import "CoverLedger/internal/state"

// Error is the rejection returned by every engine operation. It is defined
// next to the validators in package state; these aliases let callers depend
// on core alone.
type (
	Error = state.Error
	Kind  = state.Kind
)

const (
	KindInvalidParameter    = state.KindInvalidParameter
	KindInsufficientFunds   = state.KindInsufficientFunds
	KindInsufficientReserve = state.KindInsufficientReserve
	KindInsufficientPayment = state.KindInsufficientPayment
	KindNotFound            = state.KindNotFound
	KindAlreadyExists       = state.KindAlreadyExists
	KindAlreadyClaimed      = state.KindAlreadyClaimed
	KindExpired             = state.KindExpired
	KindNotExpired          = state.KindNotExpired
	KindOverClaim           = state.KindOverClaim
	KindOverApprove         = state.KindOverApprove
	KindPolicyInUse         = state.KindPolicyInUse
	KindClaimPending        = state.KindClaimPending
	KindInvalidCredential   = state.KindInvalidCredential
	KindDuplicate           = state.KindDuplicate
)

var (
	ErrInvalidParameter    = state.ErrInvalidParameter
	ErrInsufficientFunds   = state.ErrInsufficientFunds
	ErrInsufficientReserve = state.ErrInsufficientReserve
	ErrInsufficientPayment = state.ErrInsufficientPayment
	ErrNotFound            = state.ErrNotFound
	ErrAlreadyExists       = state.ErrAlreadyExists
	ErrAlreadyClaimed      = state.ErrAlreadyClaimed
	ErrExpired             = state.ErrExpired
	ErrNotExpired          = state.ErrNotExpired
	ErrOverClaim           = state.ErrOverClaim
	ErrOverApprove         = state.ErrOverApprove
	ErrPolicyInUse         = state.ErrPolicyInUse
	ErrClaimPending        = state.ErrClaimPending
	ErrInvalidCredential   = state.ErrInvalidCredential
	ErrDuplicate           = state.ErrDuplicate
)

// NewError builds a rejection for callers outside the engine, such as the
// API layer turning a bad credential into InvalidCredential.
func NewError(kind Kind, requested, available int64, format string, args ...any) *Error {
	return state.NewError(kind, requested, available, format, args...)
}
