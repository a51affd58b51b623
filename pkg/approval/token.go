// Package approval issues and checks the out-of-band sign-off that lets a
// kernel run privileged consequences under a commitment. Approvals are EdDSA
// JWTs bound to one commitment id and one agent.
package approval

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/openibank/openibank-sub001/pkg/clock"
)

// DefaultIssuer is the iss claim written and required by default.
const DefaultIssuer = "openibank/approval"

var (
	ErrCommitmentRequired = errors.New("approval: commitment id is required")
	ErrAgentMismatch      = errors.New("approval: token was issued for a different agent")
)

// Claims is the approval token body. Subject carries the agent id.
type Claims struct {
	jwt.RegisteredClaims
	CommitmentID string `json:"commitment_id"`
	Approved     bool   `json:"approved"`
}

// Grant is a verified approval, ready to become a kernel's active commitment.
type Grant struct {
	CommitmentID string
	AgentID      string
	Approved     bool
	ExpiresAt    time.Time
}

// Approver signs approvals.
type Approver struct {
	keySet KeySet
	issuer string
	clock  clock.Clock
}

func NewApprover(ks KeySet, c clock.Clock) *Approver {
	if c == nil {
		c = clock.Real()
	}
	return &Approver{keySet: ks, issuer: DefaultIssuer, clock: c}
}

// Issue signs an approval of commitmentID for agentID valid for ttl.
func (a *Approver) Issue(ctx context.Context, commitmentID, agentID string, ttl time.Duration) (string, error) {
	return a.sign(ctx, commitmentID, agentID, ttl, true)
}

// Deny signs an explicit rejection; verifying it yields Approved=false.
func (a *Approver) Deny(ctx context.Context, commitmentID, agentID string, ttl time.Duration) (string, error) {
	return a.sign(ctx, commitmentID, agentID, ttl, false)
}

func (a *Approver) sign(ctx context.Context, commitmentID, agentID string, ttl time.Duration, approved bool) (string, error) {
	if commitmentID == "" {
		return "", ErrCommitmentRequired
	}
	if ttl <= 0 {
		return "", fmt.Errorf("approval: ttl must be positive, got %s", ttl)
	}
	now := a.clock.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        commitmentID,
			Subject:   agentID,
			Issuer:    a.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		CommitmentID: commitmentID,
		Approved:     approved,
	}
	return a.keySet.Sign(ctx, claims)
}

// Verifier checks approvals against a key set.
type Verifier struct {
	keySet KeySet
	issuer string
	clock  clock.Clock
}

func NewVerifier(ks KeySet, c clock.Clock) *Verifier {
	if c == nil {
		c = clock.Real()
	}
	return &Verifier{keySet: ks, issuer: DefaultIssuer, clock: c}
}

// Verify parses token, checks signature, expiry and issuer, and that it was
// issued to agentID.
func (v *Verifier) Verify(token, agentID string) (Grant, error) {
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, v.keySet.KeyFunc(),
		jwt.WithValidMethods([]string{jwt.SigningMethodEdDSA.Alg()}),
		jwt.WithIssuer(v.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(v.clock.Now),
	)
	if err != nil {
		return Grant{}, fmt.Errorf("approval: %w", err)
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return Grant{}, fmt.Errorf("approval: %w", jwt.ErrTokenSignatureInvalid)
	}
	if claims.Subject != agentID {
		return Grant{}, fmt.Errorf("%w: token for %q, caller %q", ErrAgentMismatch, claims.Subject, agentID)
	}
	if claims.CommitmentID == "" {
		return Grant{}, ErrCommitmentRequired
	}
	return Grant{
		CommitmentID: claims.CommitmentID,
		AgentID:      claims.Subject,
		Approved:     claims.Approved,
		ExpiresAt:    claims.ExpiresAt.Time.UTC(),
	}, nil
}
