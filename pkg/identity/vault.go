package identity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultCacheSize bounds the number of derived identities a vault keeps hot.
const DefaultCacheSize = 256

// ErrUnknownAgent is returned when an agent has not been registered with the vault.
var ErrUnknownAgent = errors.New("identity: unknown agent")

// RegisterHook is called once per agent, the first time it is registered.
type RegisterHook func(ctx context.Context, id *Identity) error

// Vault is the process-wide registry of agent identities. Registration is the only
// write; signing and lookups are reads. Identities evicted from the cache are
// re-derived on demand.
type Vault struct {
	mu     sync.RWMutex
	seed   []byte
	names  map[AgentID]string
	cache  *lru.Cache[AgentID, *Identity]
	hook   RegisterHook
	logger *slog.Logger
}

// VaultOption configures a Vault.
type VaultOption func(*vaultOptions)

type vaultOptions struct {
	seed      []byte
	cacheSize int
	hook      RegisterHook
	logger    *slog.Logger
}

// WithSeed derives every identity in the vault from seed instead of the default.
func WithSeed(seed []byte) VaultOption {
	return func(o *vaultOptions) { o.seed = append([]byte(nil), seed...) }
}

// WithCacheSize sets the LRU capacity.
func WithCacheSize(n int) VaultOption {
	return func(o *vaultOptions) { o.cacheSize = n }
}

// WithRegisterHook installs a callback run on first registration of each agent,
// typically to append an AgentRegistered event.
func WithRegisterHook(h RegisterHook) VaultOption {
	return func(o *vaultOptions) { o.hook = h }
}

// WithLogger sets the vault logger.
func WithLogger(l *slog.Logger) VaultOption {
	return func(o *vaultOptions) { o.logger = l }
}

// NewVault creates an empty vault.
func NewVault(opts ...VaultOption) (*Vault, error) {
	o := vaultOptions{seed: defaultSeed, cacheSize: DefaultCacheSize}
	for _, opt := range opts {
		opt(&o)
	}
	if o.cacheSize <= 0 {
		return nil, fmt.Errorf("identity: cache size must be positive, got %d", o.cacheSize)
	}
	cache, err := lru.New[AgentID, *Identity](o.cacheSize)
	if err != nil {
		return nil, fmt.Errorf("identity: create cache: %w", err)
	}
	if o.logger == nil {
		o.logger = slog.Default().With("component", "identity_vault")
	}
	return &Vault{
		seed:   o.seed,
		names:  make(map[AgentID]string),
		cache:  cache,
		hook:   o.hook,
		logger: o.logger,
	}, nil
}

// SetRegisterHook replaces the registration hook. Agents registered earlier are not replayed.
func (v *Vault) SetRegisterHook(h RegisterHook) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.hook = h
}

// Register derives and records the identity for name. Registering the same name
// again returns the same identity and does not re-run the hook.
func (v *Vault) Register(ctx context.Context, name string) (*Identity, error) {
	id, err := DeriveWithSeed(v.seed, name)
	if err != nil {
		return nil, err
	}

	v.mu.Lock()
	_, exists := v.names[id.AgentID()]
	if !exists {
		v.names[id.AgentID()] = id.Name()
	}
	hook := v.hook
	v.mu.Unlock()

	v.cache.Add(id.AgentID(), id)
	if exists {
		return id, nil
	}

	v.logger.Debug("agent registered", "agent_id", id.AgentID(), "address", id.Address().Hex())
	if hook != nil {
		if err := hook(ctx, id); err != nil {
			v.mu.Lock()
			delete(v.names, id.AgentID())
			v.mu.Unlock()
			v.cache.Remove(id.AgentID())
			return nil, fmt.Errorf("identity: register hook for %s: %w", id.AgentID(), err)
		}
	}
	return id, nil
}

// Get returns a registered identity.
func (v *Vault) Get(agentID AgentID) (*Identity, error) {
	if id, ok := v.cache.Get(agentID); ok {
		return id, nil
	}

	v.mu.RLock()
	name, ok := v.names[agentID]
	v.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAgent, agentID)
	}

	id, err := DeriveWithSeed(v.seed, name)
	if err != nil {
		return nil, err
	}
	v.cache.Add(agentID, id)
	return id, nil
}

// Sign signs msg as agentID.
func (v *Vault) Sign(agentID AgentID, msg []byte) ([]byte, error) {
	id, err := v.Get(agentID)
	if err != nil {
		return nil, err
	}
	return id.Sign(msg), nil
}

// Agents lists registered agent ids in sorted order.
func (v *Vault) Agents() []AgentID {
	v.mu.RLock()
	defer v.mu.RUnlock()
	out := make([]AgentID, 0, len(v.names))
	for id := range v.names {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

var (
	defaultVault     *Vault
	defaultVaultOnce sync.Once
)

// DefaultVault returns a lazily constructed process-wide vault. Prefer passing an
// explicit *Vault; this accessor exists for small hosts and examples.
func DefaultVault() *Vault {
	defaultVaultOnce.Do(func() {
		v, err := NewVault()
		if err != nil {
			panic(fmt.Sprintf("identity: default vault: %v", err))
		}
		defaultVault = v
	})
	return defaultVault
}
