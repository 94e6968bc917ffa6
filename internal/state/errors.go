package state

import (
	"fmt"
	"strings"
)

// Kind classifies why an operation was rejected.
type Kind uint8

const (
	KindInvalidParameter Kind = iota + 1
	KindInsufficientFunds
	KindInsufficientReserve
	KindInsufficientPayment
	KindNotFound
	KindAlreadyExists
	KindAlreadyClaimed
	KindExpired
	KindNotExpired
	KindOverClaim
	KindOverApprove
	KindPolicyInUse
	KindClaimPending
	KindInvalidCredential
	KindDuplicate
)

var kindNames = map[Kind]string{
	KindInvalidParameter:    "InvalidParameter",
	KindInsufficientFunds:   "InsufficientFunds",
	KindInsufficientReserve: "InsufficientReserve",
	KindInsufficientPayment: "InsufficientPayment",
	KindNotFound:            "NotFound",
	KindAlreadyExists:       "AlreadyExists",
	KindAlreadyClaimed:      "AlreadyClaimed",
	KindExpired:             "Expired",
	KindNotExpired:          "NotExpired",
	KindOverClaim:           "OverClaim",
	KindOverApprove:         "OverApprove",
	KindPolicyInUse:         "PolicyInUse",
	KindClaimPending:        "ClaimPending",
	KindInvalidCredential:   "InvalidCredential",
	KindDuplicate:           "Duplicate",
}

// ParseKind is the inverse of String.
func ParseKind(s string) (Kind, bool) {
	for k, name := range kindNames {
		if name == s {
			return k, true
		}
	}
	return 0, false
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("Kind(%d)", uint8(k))
}

// Error is a rejected operation. Requested and Available carry the offending
// values (in amount units or epochs, depending on Kind) so callers can decide
// whether to retry with adjusted parameters.
type Error struct {
	Kind      Kind
	Op        string
	Requested int64
	Available int64
	Detail    string
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(e.Kind.String())
	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}
	if e.Requested != 0 || e.Available != 0 {
		fmt.Fprintf(&b, " (requested=%d, available=%d)", e.Requested, e.Available)
	}
	return b.String()
}

// Is matches any *Error of the same Kind, so sentinels work with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// WithOp returns a copy of the error tagged with the operation name.
func (e *Error) WithOp(op string) *Error {
	c := *e
	c.Op = op
	return &c
}

// Sentinels for errors.Is.
var (
	ErrInvalidParameter    = &Error{Kind: KindInvalidParameter}
	ErrInsufficientFunds   = &Error{Kind: KindInsufficientFunds}
	ErrInsufficientReserve = &Error{Kind: KindInsufficientReserve}
	ErrInsufficientPayment = &Error{Kind: KindInsufficientPayment}
	ErrNotFound            = &Error{Kind: KindNotFound}
	ErrAlreadyExists       = &Error{Kind: KindAlreadyExists}
	ErrAlreadyClaimed      = &Error{Kind: KindAlreadyClaimed}
	ErrExpired             = &Error{Kind: KindExpired}
	ErrNotExpired          = &Error{Kind: KindNotExpired}
	ErrOverClaim           = &Error{Kind: KindOverClaim}
	ErrOverApprove         = &Error{Kind: KindOverApprove}
	ErrPolicyInUse         = &Error{Kind: KindPolicyInUse}
	ErrClaimPending        = &Error{Kind: KindClaimPending}
	ErrInvalidCredential   = &Error{Kind: KindInvalidCredential}
	ErrDuplicate           = &Error{Kind: KindDuplicate}
)

func newError(kind Kind, requested, available int64, format string, args ...any) *Error {
	return &Error{
		Kind:      kind,
		Requested: requested,
		Available: available,
		Detail:    fmt.Sprintf(format, args...),
	}
}

// NewError builds a rejection outside this package (engine, collaborators).
func NewError(kind Kind, requested, available int64, format string, args ...any) *Error {
	return newError(kind, requested, available, format, args...)
}
