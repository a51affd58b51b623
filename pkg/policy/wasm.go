package policy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"github.com/tetratelabs/wazero/sys"
)

const (
	defaultWASMTimeout     = time.Second
	defaultWASMMemoryPages = 16
	maxDecisionBytes       = 64 << 10
)

// WASMConfig bounds a policy module's execution.
type WASMConfig struct {
	Timeout     time.Duration
	MemoryPages uint32
}

// WASMPolicy runs a WASI module per decision. The module reads the intent as JSON
// on stdin and writes {"allow": bool, "reason": string} to stdout. It gets no
// filesystem, network, environment or clock. Any failure denies.
type WASMPolicy struct {
	runtime  wazero.Runtime
	compiled wazero.CompiledModule
	config   wazero.ModuleConfig
	timeout  time.Duration
	logger   *slog.Logger
}

// NewWASMPolicy compiles module once for repeated decisions.
func NewWASMPolicy(ctx context.Context, module []byte, cfg WASMConfig) (*WASMPolicy, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultWASMTimeout
	}
	if cfg.MemoryPages == 0 {
		cfg.MemoryPages = defaultWASMMemoryPages
	}

	rt := wazero.NewRuntimeWithConfig(ctx, wazero.NewRuntimeConfig().
		WithMemoryLimitPages(cfg.MemoryPages).
		WithCloseOnContextDone(true))
	if _, err := wasi_snapshot_preview1.Instantiate(ctx, rt); err != nil {
		_ = rt.Close(ctx)
		return nil, fmt.Errorf("policy: instantiate WASI: %w", err)
	}
	compiled, err := rt.CompileModule(ctx, module)
	if err != nil {
		_ = rt.Close(ctx)
		return nil, fmt.Errorf("policy: compile module: %w", err)
	}

	return &WASMPolicy{
		runtime:  rt,
		compiled: compiled,
		config:   wazero.NewModuleConfig().WithName("").WithStartFunctions("_start"),
		timeout:  cfg.Timeout,
		logger:   slog.Default().With("component", "wasm_policy"),
	}, nil
}

func (p *WASMPolicy) Decide(in Intent) Decision {
	d, err := p.decide(in)
	if err != nil {
		p.logger.Warn("wasm policy denied on failure", "kind", in.Kind, "agent_id", in.AgentID, "error", err)
		return Deny(fmt.Sprintf("policy module failed: %v", err))
	}
	return d
}

func (p *WASMPolicy) decide(in Intent) (Decision, error) {
	input, err := json.Marshal(in)
	if err != nil {
		return Decision{}, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()

	var stdout, stderr bytes.Buffer
	mod, err := p.runtime.InstantiateModule(ctx, p.compiled, p.config.
		WithStdin(bytes.NewReader(input)).
		WithStdout(&stdout).
		WithStderr(&stderr))
	var exitErr *sys.ExitError
	switch {
	case err == nil:
		_ = mod.Close(ctx)
	case errors.As(err, &exitErr) && exitErr.ExitCode() == 0:
	case ctx.Err() != nil:
		return Decision{}, fmt.Errorf("timed out after %v", p.timeout)
	default:
		return Decision{}, err
	}

	if stdout.Len() == 0 {
		return Decision{}, fmt.Errorf("no decision written (stderr %q)", stderr.String())
	}
	if stdout.Len() > maxDecisionBytes {
		return Decision{}, fmt.Errorf("decision of %d bytes exceeds limit", stdout.Len())
	}
	var d Decision
	dec := json.NewDecoder(&stdout)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&d); err != nil {
		return Decision{}, fmt.Errorf("decode decision: %w", err)
	}
	if !d.Allow && d.Reason == "" {
		d.Reason = "denied by policy module"
	}
	return d, nil
}

// Close releases the runtime.
func (p *WASMPolicy) Close(ctx context.Context) error {
	return p.runtime.Close(ctx)
}
