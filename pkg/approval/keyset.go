package approval

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"sync"

	"github.com/golang-jwt/jwt/v5"

	"github.com/openibank/openibank-sub001/pkg/clock"
)

// ErrUnknownKey means a token names a key this set never held or already
// evicted, or uses an algorithm other than EdDSA.
var ErrUnknownKey = errors.New("approval: unknown signing key")

// DefaultRetainedKeys is how many rotated keys stay valid for verification.
const DefaultRetainedKeys = 4

// KeySet manages the active signing key and the keys still accepted for
// verification, so approvers can rotate without invalidating in-flight tokens.
type KeySet interface {
	// Sign creates a token signed with the current active key.
	Sign(ctx context.Context, claims jwt.Claims) (string, error)
	// KeyFunc resolves the verification key from the token's kid header.
	KeyFunc() jwt.Keyfunc
}

// InMemoryKeySet holds Ed25519 keys in memory.
type InMemoryKeySet struct {
	mu       sync.RWMutex
	clock    clock.Clock
	retain   int
	order    []string // oldest first; last is active
	keys     map[string]ed25519.PrivateKey
	rotation int
}

// NewInMemoryKeySet creates a key set with one active key.
func NewInMemoryKeySet(c clock.Clock) (*InMemoryKeySet, error) {
	if c == nil {
		c = clock.Real()
	}
	ks := &InMemoryKeySet{
		clock:  c,
		retain: DefaultRetainedKeys,
		keys:   make(map[string]ed25519.PrivateKey),
	}
	if err := ks.Rotate(); err != nil {
		return nil, err
	}
	return ks, nil
}

// Rotate makes a fresh key active and evicts the oldest retained key once more
// than DefaultRetainedKeys are held.
func (ks *InMemoryKeySet) Rotate() error {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return fmt.Errorf("approval: generate key: %w", err)
	}

	ks.mu.Lock()
	defer ks.mu.Unlock()
	ks.rotation++
	kid := fmt.Sprintf("key-%d-%d", ks.clock.Now().Unix(), ks.rotation)
	ks.keys[kid] = priv
	ks.order = append(ks.order, kid)
	for len(ks.order) > ks.retain {
		delete(ks.keys, ks.order[0])
		ks.order = ks.order[1:]
	}
	return nil
}

// ActiveKID is the kid new tokens are signed with.
func (ks *InMemoryKeySet) ActiveKID() string {
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	return ks.order[len(ks.order)-1]
}

func (ks *InMemoryKeySet) Sign(ctx context.Context, claims jwt.Claims) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	ks.mu.RLock()
	kid := ks.order[len(ks.order)-1]
	key := ks.keys[kid]
	ks.mu.RUnlock()

	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	token.Header["kid"] = kid
	return token.SignedString(key)
}

func (ks *InMemoryKeySet) KeyFunc() jwt.Keyfunc {
	return func(token *jwt.Token) (interface{}, error) {
		if token.Method != jwt.SigningMethodEdDSA {
			return nil, fmt.Errorf("%w: alg %v", ErrUnknownKey, token.Header["alg"])
		}
		kid, _ := token.Header["kid"].(string)

		ks.mu.RLock()
		defer ks.mu.RUnlock()
		key, ok := ks.keys[kid]
		if !ok {
			return nil, fmt.Errorf("%w: kid %q", ErrUnknownKey, kid)
		}
		return key.Public(), nil
	}
}
