package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openibank/openibank-sub001/pkg/receipts"
	"github.com/openibank/openibank-sub001/pkg/worldline"
)

func run(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	code := Run(append([]string{"openibank"}, args...), &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

// isolate points every backend at a fresh temp dir.
func isolate(t *testing.T, backend string) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("OPENIBANK_LOG_LEVEL", "ERROR")
	t.Setenv("OPENIBANK_WORLDLINE_BACKEND", backend)
	t.Setenv("OPENIBANK_WORLDLINE_DIR", filepath.Join(dir, "worldline"))
	t.Setenv("OPENIBANK_RUN_ID", "market")
	t.Setenv("OPENIBANK_RECEIPTS_DB", "")
	t.Setenv("OPENIBANK_REDIS_ADDR", "")
	t.Setenv("OPENIBANK_OTLP_ENDPOINT", "")
	t.Setenv("OPENIBANK_ARCHIVE_BACKEND", "")
	t.Setenv("OPENIBANK_HANDLE_TTL", "")
	return dir
}

func demo(t *testing.T) demoReport {
	t.Helper()
	code, out, errOut := run(t, "demo", "--json")
	require.Equal(t, 0, code, errOut)
	var r demoReport
	require.NoError(t, json.Unmarshal([]byte(out), &r))
	return r
}

func TestRun_Dispatch(t *testing.T) {
	code, _, errOut := run(t)
	assert.Equal(t, 2, code)
	assert.Contains(t, errOut, "USAGE")

	code, out, _ := run(t, "help")
	assert.Equal(t, 0, code)
	assert.Contains(t, out, "openibank <command>")

	code, out, _ = run(t, "version")
	assert.Equal(t, 0, code)
	assert.Contains(t, out, version)

	code, _, errOut = run(t, "launch")
	assert.Equal(t, 2, code)
	assert.Contains(t, errOut, "Unknown command: launch")

	code, _, _ = run(t, "receipt")
	assert.Equal(t, 2, code)
	code, _, _ = run(t, "serve")
	assert.Equal(t, 2, code)
	code, _, _ = run(t, "verify")
	assert.Equal(t, 2, code)
}

func TestDemo(t *testing.T) {
	isolate(t, "memory")
	r := demo(t)

	assert.Equal(t, "market", r.RunID)
	require.Len(t, r.Steps, 3)
	assert.Equal(t, []string{"payment", "invoice_escrow", "arbitration"},
		[]string{r.Steps[0].Action, r.Steps[1].Action, r.Steps[2].Action})
	assert.Equal(t, map[string]int64{"buyer": 3200, "seller": 1800, "arbiter": 0}, r.Balances)
	assert.Equal(t, 3, r.Receipts)
	// Three registrations, then permit, intent, consequence and receipt per step.
	assert.Equal(t, 15, r.Events)
	assert.True(t, r.Verified)

	code, out, _ := run(t, "demo")
	assert.Equal(t, 0, code)
	assert.Contains(t, out, "chain verified: true")
}

func TestDemo_ContractStopsOversizedPayment(t *testing.T) {
	isolate(t, "memory")
	code, _, errOut := run(t, "demo", "--price", "3000")
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, "ContractViolation")
}

func TestExportVerifyTail(t *testing.T) {
	dir := isolate(t, "file")
	demo(t)

	events := filepath.Join(dir, "events.jsonl")
	code, out, errOut := run(t, "export", "--out", events)
	require.Equal(t, 0, code, errOut)
	assert.Contains(t, out, "Exported 15 events")

	code, out, _ = run(t, "verify", "--events", events, "--json")
	require.Equal(t, 0, code)
	var rep verifyReport
	require.NoError(t, json.Unmarshal([]byte(out), &rep))
	assert.True(t, rep.Verified)
	assert.Equal(t, 15, rep.Events)
	assert.Equal(t, "market", rep.RunID)

	code, _, _ = run(t, "verify", "--run", "market")
	assert.Equal(t, 0, code)

	data, err := os.ReadFile(events)
	require.NoError(t, err)
	evs, err := worldline.UnmarshalEvents(data)
	require.NoError(t, err)
	evs[5].Payload = json.RawMessage(`{"amount":1}`)
	tampered, err := worldline.MarshalEvents(evs)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(events, tampered, 0o600))

	code, out, _ = run(t, "verify", "--events", events)
	assert.Equal(t, 1, code)
	assert.Contains(t, out, "FAIL")

	code, out, _ = run(t, "tail", "--run", "market")
	require.Equal(t, 0, code)
	assert.Len(t, strings.Split(strings.TrimSpace(out), "\n"), 15)
}

func TestArchiveExportAndVerify(t *testing.T) {
	dir := isolate(t, "file")
	archiveDir := filepath.Join(dir, "archive")
	t.Setenv("OPENIBANK_ARCHIVE_BACKEND", "dir")
	t.Setenv("OPENIBANK_ARCHIVE_DIR", archiveDir)

	r := demo(t)
	require.NotEmpty(t, r.ArchiveKey)

	code, out, errOut := run(t, "export", "--archive")
	require.Equal(t, 0, code, errOut)
	key := strings.TrimSpace(out)
	assert.Equal(t, r.ArchiveKey, key)

	code, out, _ = run(t, "verify", "--key", key, "--json")
	require.Equal(t, 0, code)
	var rep verifyReport
	require.NoError(t, json.Unmarshal([]byte(out), &rep))
	assert.True(t, rep.Verified)
	assert.NotEmpty(t, rep.Signer)
	assert.NotEmpty(t, rep.EventsRoot)

	code, out, errOut = run(t, "verify", "--key", key, "--event", r.Steps[0].EventID, "--json")
	require.Equal(t, 0, code, errOut)
	rep = verifyReport{}
	require.NoError(t, json.Unmarshal([]byte(out), &rep))
	assert.Equal(t, r.Steps[0].EventID, rep.Proven)

	bundle := filepath.Join(archiveDir, strings.TrimPrefix(key, "b3:")+".bundle")
	code, _, _ = run(t, "verify", "--bundle", bundle, "--key", key)
	assert.Equal(t, 0, code)

	other := "b3:" + strings.Repeat("0", 64)
	code, out, _ = run(t, "verify", "--bundle", bundle, "--key", other)
	assert.Equal(t, 1, code)
	assert.Contains(t, out, "does not match")
}

func TestReceiptCommands(t *testing.T) {
	dir := isolate(t, "memory")
	t.Setenv("OPENIBANK_RECEIPTS_DB", filepath.Join(dir, "receipts.db"))
	r := demo(t)

	code, out, errOut := run(t, "receipt", "list", "--json")
	require.Equal(t, 0, code, errOut)
	var list []*receipts.Receipt
	require.NoError(t, json.Unmarshal([]byte(out), &list))
	require.Len(t, list, 3)

	code, out, _ = run(t, "receipt", "list")
	assert.Equal(t, 0, code)
	assert.Contains(t, out, "COMMITMENT")

	code, out, _ = run(t, "receipt", "show", "--commitment", r.Steps[0].CommitmentID)
	require.Equal(t, 0, code)
	var shown receipts.Receipt
	require.NoError(t, json.Unmarshal([]byte(out), &shown))
	assert.Equal(t, r.Steps[0].TxID, shown.TxID)

	code, _, _ = run(t, "receipt", "show", "--tx", "missing")
	assert.Equal(t, 1, code)

	file := filepath.Join(dir, "receipt.json")
	data, err := json.Marshal(shown)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(file, data, 0o600))

	code, out, _ = run(t, "receipt", "verify", "--file", file, "--signer", shown.SignerPublicKey)
	assert.Equal(t, 0, code)
	assert.Contains(t, out, "PASS")

	code, _, _ = run(t, "receipt", "verify", "--file", file, "--signer", strings.Repeat("ab", 32))
	assert.Equal(t, 1, code)

	shown.Amount++
	data, err = json.Marshal(shown)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(file, data, 0o600))
	code, _, _ = run(t, "receipt", "verify", "--file", file)
	assert.Equal(t, 1, code)
}
