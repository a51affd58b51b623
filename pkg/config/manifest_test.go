package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openibank/openibank-sub001/pkg/policy"
)

func TestLoadManifest(t *testing.T) {
	m, err := LoadManifest(filepath.Join("testdata", "market.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "market-1", m.RunID)
	assert.Equal(t, 2*time.Minute, m.HandleTTL)
	require.Len(t, m.Agents, 3)

	buyer := m.Agents[0]
	assert.Equal(t, "buyer", buyer.Role)
	assert.Equal(t, []string{"payment.initiate"}, buyer.Capabilities)
	require.NotNil(t, buyer.TraceMaxEntries)
	assert.Equal(t, 256, *buyer.TraceMaxEntries)
	require.Len(t, buyer.Contracts, 1)
	assert.Equal(t, int64(2500), *buyer.Contracts[0].MaxSpend)
	assert.Equal(t, int64(5000), buyer.Funding["IUSD"])
	assert.Equal(t, []string{"seller"}, buyer.Policy.Counterparties)
	require.Len(t, buyer.Policy.Rules, 1)
	assert.Equal(t, policy.Rule{Name: "small-payments", Expr: "intent.kind != 'payment' || intent.amount <= 2500", Reason: "payment above 2500"}, buyer.Policy.Rules[0])

	assert.Equal(t, []string{"release", "refund", "partial"}, m.Agents[2].Contracts[0].AllowedOutcomes)
}

func TestLoadManifest_ResolvesWASMPath(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "node.yaml")
	require.NoError(t, os.WriteFile(path, []byte("agents:\n  - name: a\n    role: buyer\n    policy:\n      wasm: policies/p.wasm\n"), 0o600))

	m, err := LoadManifest(path)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "policies", "p.wasm"), m.Agents[0].Policy.WASM)

	all, err := LoadManifests(dir)
	require.NoError(t, err)
	assert.Contains(t, all, "node")
}

func TestParseManifest_Rejects(t *testing.T) {
	cases := map[string]string{
		"unknown role":       "agents:\n  - {name: a, role: banker}\n",
		"unknown mode":       "agents:\n  - {name: a, role: buyer, mode: psychic}\n",
		"duplicate agent":    "agents:\n  - {name: a, role: buyer}\n  - {name: a, role: seller}\n",
		"missing name":       "agents:\n  - {role: buyer}\n",
		"negative ceiling":   "agents:\n  - name: a\n    role: buyer\n    contracts: [{name: c, max_spend: -1}]\n",
		"duplicate contract": "agents:\n  - name: a\n    role: buyer\n    contracts: [{name: c}, {name: c}]\n",
		"unknown kind":       "agents:\n  - name: a\n    role: buyer\n    policy: {deny_kinds: [loan]}\n",
		"unknown field":      "agents:\n  - {name: a, role: buyer, colour: red}\n",
		"negative trace":     "agents:\n  - {name: a, role: buyer, trace_max_entries: -2}\n",
		"zero funding":       "agents:\n  - name: a\n    role: buyer\n    funding: {IUSD: 0}\n",
		"negative ttl":       "handle_ttl: -1m\nagents: []\n",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseManifest([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestConfigApply(t *testing.T) {
	cfg := &Config{RunID: "env", HandleTTL: time.Minute}
	cfg.Apply(&Manifest{})
	assert.Equal(t, "env", cfg.RunID)
	cfg.Apply(&Manifest{RunID: "manifest", HandleTTL: time.Hour})
	assert.Equal(t, "manifest", cfg.RunID)
	assert.Equal(t, time.Hour, cfg.HandleTTL)
}
