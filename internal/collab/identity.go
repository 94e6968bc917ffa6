package collab

import (
	"errors"
	"time"

	"CoverLedger/internal/state"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Role is what a verified identity may do.
type Role string

const (
	RoleOperator Role = "operator"
	RoleBuyer    Role = "buyer"
)

func (r Role) valid() bool {
	return r == RoleOperator || r == RoleBuyer
}

// Identity is an already-verified caller. The core only consumes ID.
type Identity struct {
	ID   uuid.UUID
	Role Role
}

// IdentityAuth proves a credential belongs to a live member.
type IdentityAuth interface {
	Verify(credential string) (Identity, error)
}

// MembershipClaims is the JWT body of a membership credential. Balance is the
// number of membership badges held; it must be positive.
type MembershipClaims struct {
	Role    Role  `json:"role"`
	Balance int64 `json:"balance"`
	jwt.RegisteredClaims
}

// JWTIdentityAuth verifies HS256 membership tokens. The subject claim is the
// identity.
type JWTIdentityAuth struct {
	signingKey []byte
	issuer     string
	now        func() time.Time
}

func NewJWTIdentityAuth(signingKey, issuer string) *JWTIdentityAuth {
	return &JWTIdentityAuth{
		signingKey: []byte(signingKey),
		issuer:     issuer,
		now:        time.Now,
	}
}

// Issue signs a membership token. Used by the dev tooling and tests.
func (a *JWTIdentityAuth) Issue(id uuid.UUID, role Role, balance int64, expiresIn time.Duration) (string, error) {
	now := a.now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, MembershipClaims{
		Role:    role,
		Balance: balance,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   id.String(),
			Issuer:    a.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(expiresIn)),
			ID:        uuid.NewString(),
		},
	})
	return token.SignedString(a.signingKey)
}

func (a *JWTIdentityAuth) Verify(credential string) (Identity, error) {
	parsed, err := jwt.ParseWithClaims(credential, &MembershipClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrTokenUnverifiable
		}
		return a.signingKey, nil
	}, jwt.WithIssuer(a.issuer), jwt.WithTimeFunc(a.now))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Identity{}, invalid("credential has expired")
		}
		return Identity{}, invalid("invalid credential")
	}
	if !parsed.Valid {
		return Identity{}, invalid("invalid credential")
	}

	claims, ok := parsed.Claims.(*MembershipClaims)
	if !ok {
		return Identity{}, invalid("invalid credential claims")
	}
	if !claims.Role.valid() {
		return Identity{}, invalid("unknown role %q", claims.Role)
	}
	if claims.Balance <= 0 {
		return Identity{}, invalid("membership balance is not positive")
	}
	id, err := uuid.Parse(claims.Subject)
	if err != nil {
		return Identity{}, invalid("subject is not an identity")
	}
	return Identity{ID: id, Role: claims.Role}, nil
}

func invalid(format string, args ...any) error {
	return state.NewError(state.KindInvalidCredential, 0, 0, format, args...)
}

// StaticIdentityAuth maps fixed credentials to identities (tests, local dev).
type StaticIdentityAuth map[string]Identity

func (s StaticIdentityAuth) Verify(credential string) (Identity, error) {
	id, ok := s[credential]
	if !ok {
		return Identity{}, invalid("unknown credential")
	}
	return id, nil
}
