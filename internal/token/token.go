// Package token issues and verifies the single-use confirmation tokens that
// authorize a buyer to release (or report a problem with) an escrow.
//
// Tokens are opaque: 32 random bytes, hex encoded, valid for a fixed TTL.
// Verification never mutates state; consumption happens when the
// settlement path clears the token in the same step that moves the escrow
// to a terminal status.
package token

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/mbd888/escrowd/internal/ledger"
)

var (
	ErrInvalidToken = errors.New("invalid confirmation token")
	ErrExpiredToken = errors.New("confirmation token expired")
)

// DefaultTTL is how long an issued token stays valid.
const DefaultTTL = 48 * time.Hour

// size is the number of random bytes in a token.
const size = 32

// Token is a freshly issued confirmation token.
type Token struct {
	Value     string
	ExpiresAt time.Time
}

// Issuer mints confirmation tokens.
type Issuer struct {
	ttl time.Duration
	now func() time.Time
}

// NewIssuer creates an issuer. A non-positive ttl falls back to DefaultTTL.
func NewIssuer(ttl time.Duration) *Issuer {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Issuer{ttl: ttl, now: time.Now}
}

// TTL returns the validity window of issued tokens.
func (i *Issuer) TTL() time.Duration { return i.ttl }

// Issue generates a new token expiring TTL from now.
func (i *Issuer) Issue() (Token, error) {
	b := make([]byte, size)
	if _, err := rand.Read(b); err != nil {
		return Token{}, fmt.Errorf("generate token: %w", err)
	}
	return Token{
		Value:     hex.EncodeToString(b),
		ExpiresAt: i.now().Add(i.ttl),
	}, nil
}

// EscrowReader is the slice of the ledger the verifier needs.
type EscrowReader interface {
	GetEscrowByOrder(ctx context.Context, orderID string) (*ledger.Escrow, error)
}

// Verifier checks a supplied token against the escrow of an order.
type Verifier struct {
	escrows EscrowReader
	now     func() time.Time
}

// NewVerifier creates a verifier reading escrows from r.
func NewVerifier(r EscrowReader) *Verifier {
	return &Verifier{escrows: r, now: time.Now}
}

// Verify loads the escrow for orderID and checks that callerID is its buyer
// and that supplied matches the outstanding, unexpired token. A caller who
// is not the buyer gets ledger.ErrNotFound so escrow existence is not
// revealed. Calling Verify any number of times has no side effects.
func (v *Verifier) Verify(ctx context.Context, orderID, supplied, callerID string) (*ledger.Escrow, error) {
	escrow, err := v.escrows.GetEscrowByOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if err := Check(escrow, supplied, callerID, v.now()); err != nil {
		return nil, err
	}
	return escrow, nil
}

// Check applies the verification rules to an already loaded escrow.
// Mismatch is reported before expiry so only holders of the correct token
// learn that it has expired.
func Check(escrow *ledger.Escrow, supplied, callerID string, now time.Time) error {
	if escrow.BuyerID != callerID {
		return ledger.ErrNotFound
	}
	if !escrow.HasToken() || supplied == "" || !Equal(escrow.ConfirmToken, supplied) {
		return ErrInvalidToken
	}
	if escrow.ConfirmTokenExpiresAt == nil || !now.Before(*escrow.ConfirmTokenExpiresAt) {
		return ErrExpiredToken
	}
	return nil
}

// Equal compares two tokens in constant time.
func Equal(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
