// Package kernelruntime assembles a node from configuration: the WorldLine and
// its notifier, the commitment gate, the identity vault, the receipt store, the
// ledger, approval keys, the archive and one kernel per manifest agent.
package kernelruntime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/openibank/openibank-sub001/pkg/approval"
	"github.com/openibank/openibank-sub001/pkg/archive"
	"github.com/openibank/openibank-sub001/pkg/capabilities"
	"github.com/openibank/openibank-sub001/pkg/clock"
	"github.com/openibank/openibank-sub001/pkg/config"
	"github.com/openibank/openibank-sub001/pkg/contracts"
	"github.com/openibank/openibank-sub001/pkg/gate"
	"github.com/openibank/openibank-sub001/pkg/identity"
	"github.com/openibank/openibank-sub001/pkg/kernel"
	"github.com/openibank/openibank-sub001/pkg/ledger"
	"github.com/openibank/openibank-sub001/pkg/llm"
	"github.com/openibank/openibank-sub001/pkg/observability"
	"github.com/openibank/openibank-sub001/pkg/policy"
	"github.com/openibank/openibank-sub001/pkg/proposer"
	"github.com/openibank/openibank-sub001/pkg/receipts"
	"github.com/openibank/openibank-sub001/pkg/worldline"
)

// ErrUnknownAgent is returned for names the manifest does not declare.
var ErrUnknownAgent = errors.New("kernelruntime: unknown agent")

// ErrNoArchive is returned by Archive when no archive backend is configured.
var ErrNoArchive = errors.New("kernelruntime: archive not configured")

// Agent is one hosted kernel and the identity it settles with.
type Agent struct {
	Name     string
	Identity *identity.Identity
	Kernel   *kernel.Kernel
}

// Runtime holds every service a node runs. Fields are set by New and must not
// be replaced afterwards.
type Runtime struct {
	Config    *config.Config
	WorldLine *worldline.WorldLine
	Gate      *gate.Gate
	Vault     *identity.Vault
	Receipts  receipts.Store
	Ledger    *ledger.Ledger
	Approver  *approval.Approver
	Verifier  *approval.Verifier
	Archiver  *archive.Archiver
	Telemetry *observability.Provider

	agents map[string]*Agent
	clock  clock.Clock
	logger *slog.Logger
	// closers run in reverse order on Close.
	closers []func(context.Context) error
}

type options struct {
	clock     clock.Clock
	logger    *slog.Logger
	llmClient llm.Client
	seed      []byte
	node      *identity.Identity
}

// Option customizes New.
type Option func(*options)

// WithClock sets the clock shared by every component.
func WithClock(c clock.Clock) Option { return func(o *options) { o.clock = c } }

// WithLogger sets the base logger.
func WithLogger(l *slog.Logger) Option { return func(o *options) { o.logger = l } }

// WithLLMClient replaces the OpenAI-compatible client built from config.
func WithLLMClient(c llm.Client) Option { return func(o *options) { o.llmClient = c } }

// WithVaultSeed sets the seed agent identities are derived from.
func WithVaultSeed(seed []byte) Option { return func(o *options) { o.seed = seed } }

// WithNodeIdentity sets the identity that signs archive manifests.
func WithNodeIdentity(id *identity.Identity) Option { return func(o *options) { o.node = id } }

// New builds a node. On error every component opened so far is closed.
func New(ctx context.Context, cfg *config.Config, m *config.Manifest, opts ...Option) (rt *Runtime, err error) {
	if cfg == nil {
		return nil, errors.New("kernelruntime: config is required")
	}
	if m == nil {
		m = &config.Manifest{}
	}
	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("kernelruntime: manifest: %w", err)
	}
	cfg.Apply(m)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	o := options{clock: clock.Real(), logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}

	rt = &Runtime{
		Config: cfg,
		agents: make(map[string]*Agent, len(m.Agents)),
		clock:  o.clock,
		logger: o.logger.With("component", "kernelruntime"),
	}
	defer func() {
		if err != nil {
			_ = rt.Close(context.WithoutCancel(ctx))
			rt = nil
		}
	}()

	if err := rt.initTelemetry(ctx); err != nil {
		return rt, err
	}
	if err := rt.initWorldLine(ctx, o); err != nil {
		return rt, err
	}
	if rt.Gate, err = gate.New(rt.WorldLine, cfg.RunID,
		gate.WithTTL(cfg.HandleTTL),
		gate.WithClock(o.clock),
		gate.WithLogger(o.logger.With("component", "gate")),
		gate.WithTelemetry(rt.Telemetry),
	); err != nil {
		return rt, err
	}

	vaultOpts := []identity.VaultOption{
		identity.WithRegisterHook(rt.recordRegistration),
		identity.WithLogger(o.logger.With("component", "identity_vault")),
	}
	if o.seed != nil {
		vaultOpts = append(vaultOpts, identity.WithSeed(o.seed))
	}
	if rt.Vault, err = identity.NewVault(vaultOpts...); err != nil {
		return rt, fmt.Errorf("kernelruntime: vault: %w", err)
	}

	if err := rt.initReceipts(ctx); err != nil {
		return rt, err
	}
	rt.Ledger = ledger.New(ledger.WithClock(o.clock))

	keys, err := approval.NewInMemoryKeySet(o.clock)
	if err != nil {
		return rt, fmt.Errorf("kernelruntime: approval keys: %w", err)
	}
	rt.Approver = approval.NewApprover(keys, o.clock)
	rt.Verifier = approval.NewVerifier(keys, o.clock)

	if err := rt.initArchive(ctx, o); err != nil {
		return rt, err
	}

	names := make(map[string]bool, len(m.Agents))
	for _, a := range m.Agents {
		names[a.Name] = true
	}
	for _, spec := range m.Agents {
		if err := rt.addAgent(ctx, spec, names, o); err != nil {
			return rt, fmt.Errorf("kernelruntime: agent %q: %w", spec.Name, err)
		}
	}

	rt.logger.InfoContext(ctx, "node ready",
		"run_id", cfg.RunID,
		"worldline", cfg.WorldLineBackend,
		"agents", len(rt.agents),
		"archive", rt.Archiver != nil,
	)
	return rt, nil
}

func (rt *Runtime) onClose(f func(context.Context) error) {
	rt.closers = append(rt.closers, f)
}

func (rt *Runtime) initTelemetry(ctx context.Context) error {
	if rt.Config.OTLPEndpoint == "" {
		return nil
	}
	tcfg := observability.DefaultConfig()
	tcfg.Endpoint = rt.Config.OTLPEndpoint
	tcfg.Insecure = rt.Config.OTLPInsecure
	tcfg.RunID = rt.Config.RunID
	p, err := observability.New(ctx, tcfg, observability.WithLogger(rt.logger.With("component", "observability")))
	if err != nil {
		return fmt.Errorf("kernelruntime: telemetry: %w", err)
	}
	rt.Telemetry = p
	rt.onClose(p.Shutdown)
	return nil
}

func (rt *Runtime) initWorldLine(ctx context.Context, o options) error {
	store, polled, err := openStore(ctx, rt.Config, o.logger)
	if err != nil {
		return err
	}

	wlOpts := []worldline.Option{
		worldline.WithClock(o.clock),
		worldline.WithLogger(o.logger.With("component", "worldline")),
		worldline.WithTelemetry(rt.Telemetry),
	}
	if rt.Config.RedisAddr != "" {
		n := worldline.NewRedisNotifier(rt.Config.RedisAddr, "", 0)
		if err := n.Ping(ctx); err != nil {
			_ = n.Close()
			_ = store.Close()
			return fmt.Errorf("kernelruntime: redis %s: %w", rt.Config.RedisAddr, err)
		}
		wlOpts = append(wlOpts, worldline.WithNotifier(n))
	} else if polled {
		// Other processes may append to a shared database without a notifier.
		wlOpts = append(wlOpts, worldline.WithPolling(500*time.Millisecond, 10))
	}

	rt.WorldLine = worldline.New(store, wlOpts...)
	rt.onClose(func(context.Context) error { return rt.WorldLine.Close() })
	return nil
}

// openStore returns the configured WorldLine store and whether it may be
// shared with other processes.
func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (worldline.Store, bool, error) {
	switch cfg.WorldLineBackend {
	case config.BackendFile:
		s, err := worldline.OpenFileStore(cfg.WorldLineDir, worldline.WithFileStoreLogger(logger))
		if err != nil {
			return nil, false, fmt.Errorf("kernelruntime: file store: %w", err)
		}
		return s, false, nil
	case config.BackendSQLite:
		if err := os.MkdirAll(cfg.WorldLineDir, 0o750); err != nil {
			return nil, false, fmt.Errorf("kernelruntime: create data dir: %w", err)
		}
		path := filepath.Join(cfg.WorldLineDir, "worldline.db")
		logger.Info("worldline: using sqlite", "path", path)
		s, err := worldline.OpenSQLite(ctx, path)
		if err != nil {
			return nil, false, fmt.Errorf("kernelruntime: sqlite store: %w", err)
		}
		return s, true, nil
	case config.BackendPostgres:
		s, err := worldline.OpenPostgres(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, false, fmt.Errorf("kernelruntime: postgres store: %w", err)
		}
		return s, true, nil
	default:
		return worldline.NewMemoryStore(), false, nil
	}
}

func (rt *Runtime) initReceipts(ctx context.Context) error {
	if rt.Config.ReceiptsDB == "" {
		rt.Receipts = receipts.NewMemoryStore()
		return nil
	}
	if dir := filepath.Dir(rt.Config.ReceiptsDB); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return fmt.Errorf("kernelruntime: create receipts dir: %w", err)
		}
	}
	s, err := receipts.OpenSQLite(ctx, rt.Config.ReceiptsDB)
	if err != nil {
		return fmt.Errorf("kernelruntime: receipts: %w", err)
	}
	rt.Receipts = s
	rt.onClose(func(context.Context) error { return s.Close() })
	return nil
}

func (rt *Runtime) initArchive(ctx context.Context, o options) error {
	if rt.Config.ArchiveBackend == "" {
		return nil
	}
	blobs, err := archive.OpenBlobStore(ctx, archive.StoreConfig{
		Backend: archive.Backend(rt.Config.ArchiveBackend),
		Dir:     rt.Config.ArchiveDir,
		S3: archive.S3Config{
			Bucket:   rt.Config.ArchiveBucket,
			Region:   rt.Config.ArchiveRegion,
			Endpoint: rt.Config.ArchiveEndpoint,
			Prefix:   rt.Config.ArchivePrefix,
		},
		GCS: archive.GCSConfig{
			Bucket: rt.Config.ArchiveBucket,
			Prefix: rt.Config.ArchivePrefix,
		},
	})
	if err != nil {
		return err
	}
	if c, ok := blobs.(interface{ Close() error }); ok {
		rt.onClose(func(context.Context) error { return c.Close() })
	}

	node := o.node
	if node == nil {
		if node, err = identity.Derive("node:" + rt.Config.RunID); err != nil {
			return err
		}
	}
	rt.Archiver = archive.New(blobs,
		archive.WithSigner(node),
		archive.WithClock(o.clock),
		archive.WithLogger(o.logger),
	)
	return nil
}

// recordRegistration appends an AgentRegistered event for each new identity.
func (rt *Runtime) recordRegistration(ctx context.Context, id *identity.Identity) error {
	_, err := rt.WorldLine.Record(ctx, rt.Config.RunID, id.AgentID().String(), worldline.EventAgentRegistered, map[string]any{
		"name":       id.Name(),
		"public_key": id.PublicKeyHex(),
		"address":    id.Address().Hex(),
	})
	return err
}

func (rt *Runtime) addAgent(ctx context.Context, spec config.AgentSpec, names map[string]bool, o options) error {
	id, err := rt.Vault.Register(ctx, spec.Name)
	if err != nil {
		return err
	}
	agentID := id.AgentID().String()

	pol, err := rt.buildPolicy(ctx, spec.Policy, names)
	if err != nil {
		return err
	}
	mode := kernel.ModeDeterministic
	if spec.Mode != "" {
		mode = kernel.Mode(spec.Mode)
	}
	prop, err := rt.buildProposer(mode, o)
	if err != nil {
		return err
	}
	cs, err := contracts.NewSet(spec.Contracts...)
	if err != nil {
		return err
	}

	k, err := kernel.New(kernel.Config{
		AgentID:         agentID,
		Role:            kernel.Role(spec.Role),
		Mode:            mode,
		Proposer:        prop,
		Policy:          pol,
		Capabilities:    capabilities.NewSet(spec.Capabilities...),
		Contracts:       cs,
		TraceMaxEntries: spec.TraceMaxEntries,
		Settlement: &kernel.Settlement{
			Gate:      rt.Gate,
			WorldLine: rt.WorldLine,
			Identity:  id,
			Receipts:  rt.Receipts,
		},
		Clock:     o.clock,
		Logger:    o.logger.With("agent", spec.Name),
		Telemetry: rt.Telemetry,
	})
	if err != nil {
		return err
	}

	assets := make([]string, 0, len(spec.Funding))
	for asset := range spec.Funding {
		assets = append(assets, asset)
	}
	sort.Strings(assets)
	for _, asset := range assets {
		if _, err := rt.Ledger.Mint(agentID, asset, spec.Funding[asset]); err != nil {
			return fmt.Errorf("fund %s: %w", asset, err)
		}
	}

	rt.agents[spec.Name] = &Agent{Name: spec.Name, Identity: id, Kernel: k}
	return nil
}

// buildPolicy chains the configured parts. Counterparties naming a manifest
// agent are resolved to that agent's id.
func (rt *Runtime) buildPolicy(ctx context.Context, spec config.PolicySpec, names map[string]bool) (policy.Policy, error) {
	var chain policy.Chain
	if len(spec.DenyKinds) > 0 {
		kinds := make(policy.DenyKinds, 0, len(spec.DenyKinds))
		for _, k := range spec.DenyKinds {
			kinds = append(kinds, policy.Kind(k))
		}
		chain = append(chain, kinds)
	}
	if len(spec.DenyCategories) > 0 {
		chain = append(chain, policy.DenyCategories(spec.DenyCategories))
	}
	if len(spec.Counterparties) > 0 {
		ids := make([]string, 0, len(spec.Counterparties))
		for _, c := range spec.Counterparties {
			if names[c] {
				c = identity.NewAgentID(c).String()
			}
			ids = append(ids, c)
		}
		chain = append(chain, policy.NewCounterparties(ids...))
	}
	if len(spec.Rules) > 0 {
		p, err := policy.NewCELPolicy(spec.Rules)
		if err != nil {
			return nil, err
		}
		chain = append(chain, p)
	}
	if spec.WASM != "" {
		module, err := os.ReadFile(spec.WASM) //nolint:gosec // operator-supplied path
		if err != nil {
			return nil, fmt.Errorf("read policy module: %w", err)
		}
		p, err := policy.NewWASMPolicy(ctx, module, policy.WASMConfig{})
		if err != nil {
			return nil, err
		}
		rt.onClose(p.Close)
		chain = append(chain, p)
	}
	if len(chain) == 0 {
		return policy.AllowAll{}, nil
	}
	return chain, nil
}

func (rt *Runtime) buildProposer(mode kernel.Mode, o options) (proposer.Proposer, error) {
	if mode != kernel.ModeLLM {
		return proposer.Deterministic{}, nil
	}
	client := o.llmClient
	if client == nil {
		client = llm.NewOpenAIClient(rt.Config.LLMAPIKey, rt.Config.LLMModel, llm.WithBaseURL(rt.Config.LLMURL))
	}
	return proposer.NewLLM(client, proposer.WithLogger(o.logger))
}

// Agent returns the hosted agent called name.
func (rt *Runtime) Agent(name string) (*Agent, error) {
	a, ok := rt.agents[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAgent, name)
	}
	return a, nil
}

// Agents lists hosted agent names in order.
func (rt *Runtime) Agents() []string {
	out := make([]string, 0, len(rt.agents))
	for name := range rt.agents {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Approve issues an approval for a fresh commitment, applies it to the agent's
// kernel and records PermitIssued. The commitment id is returned.
func (rt *Runtime) Approve(ctx context.Context, name string, ttl time.Duration) (string, error) {
	return rt.permit(ctx, name, ttl, true)
}

// Deny records a refused commitment: the kernel holds it unapproved so
// privileged actions stay blocked.
func (rt *Runtime) Deny(ctx context.Context, name string, ttl time.Duration) (string, error) {
	return rt.permit(ctx, name, ttl, false)
}

func (rt *Runtime) permit(ctx context.Context, name string, ttl time.Duration, approved bool) (string, error) {
	a, err := rt.Agent(name)
	if err != nil {
		return "", err
	}
	cid := "ctx_" + uuid.NewString()
	agentID := a.Kernel.AgentID()

	issue := rt.Approver.Issue
	if !approved {
		issue = rt.Approver.Deny
	}
	token, err := issue(ctx, cid, agentID, ttl)
	if err != nil {
		return "", err
	}
	if err := a.Kernel.ApplyApproval(token, rt.Verifier); err != nil {
		return "", err
	}
	if _, err := rt.WorldLine.Record(ctx, rt.Config.RunID, agentID, worldline.EventPermitIssued, map[string]any{
		"commitment_id": cid,
		"approved":      approved,
		"expires_at":    rt.clock.Now().Add(ttl).UTC(),
	}); err != nil {
		return "", err
	}
	return cid, nil
}

// Revoke clears the agent's active commitment and records PermitRevoked.
func (rt *Runtime) Revoke(ctx context.Context, name, reason string) error {
	a, err := rt.Agent(name)
	if err != nil {
		return err
	}
	active, ok := a.Kernel.ActiveCommitment()
	if !ok {
		return nil
	}
	a.Kernel.ClearActiveCommitment()
	_, err = rt.WorldLine.Record(ctx, rt.Config.RunID, a.Kernel.AgentID(), worldline.EventPermitRevoked, map[string]any{
		"commitment_id": active.CommitmentID,
		"reason":        reason,
	})
	return err
}

// Archive exports the node's run between from and to to the archive.
func (rt *Runtime) Archive(ctx context.Context, from, to string) (string, error) {
	if rt.Archiver == nil {
		return "", ErrNoArchive
	}
	return rt.Archiver.Export(ctx, rt.WorldLine, rt.Config.RunID, from, to)
}

// RunSweeper expires stale handles until ctx is cancelled.
func (rt *Runtime) RunSweeper(ctx context.Context) {
	interval := rt.Config.HandleTTL / 2
	if interval < time.Second {
		interval = time.Second
	}
	rt.Gate.RunSweeper(ctx, interval)
}

// Close shuts components down in reverse order of construction.
func (rt *Runtime) Close(ctx context.Context) error {
	var errs []error
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	rt.closers = nil
	return errors.Join(errs...)
}
