package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/openibank/openibank-sub001/pkg/receipts"
)

func runReceiptCmd(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		_, _ = fmt.Fprintln(stderr, "Usage: openibank receipt <verify|show|list> [flags]")
		return 2
	}
	switch args[0] {
	case "verify":
		return runReceiptVerify(args[1:], stdout, stderr)
	case "show":
		return runReceiptShow(args[1:], stdout, stderr)
	case "list":
		return runReceiptList(args[1:], stdout, stderr)
	default:
		_, _ = fmt.Fprintf(stderr, "Unknown receipt subcommand: %s\n", args[0])
		return 2
	}
}

// runReceiptVerify checks a receipt's signature offline, optionally pinning
// the expected signer.
//
// Exit codes:
//
//	0 = signature valid
//	1 = signature invalid or wrong signer
//	2 = runtime error
func runReceiptVerify(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("receipt verify", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		file   string
		signer string
	)
	cmd.StringVar(&file, "file", "", "Receipt JSON file (REQUIRED)")
	cmd.StringVar(&signer, "signer", "", "Expected signer public key (hex)")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if file == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --file is required")
		return 2
	}

	data, err := os.ReadFile(file) //nolint:gosec // operator-supplied path
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	var r receipts.Receipt
	if err := json.Unmarshal(data, &r); err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: invalid receipt: %v\n", err)
		return 2
	}

	ok, err := r.Check()
	switch {
	case err != nil:
		_, _ = fmt.Fprintf(stdout, "%sFAIL%s %s: %v\n", ColorRed, ColorReset, r.TxID, err)
		return 1
	case !ok:
		_, _ = fmt.Fprintf(stdout, "%sFAIL%s %s: signature does not match\n", ColorRed, ColorReset, r.TxID)
		return 1
	case signer != "" && !r.SignedBy(signer):
		_, _ = fmt.Fprintf(stdout, "%sFAIL%s %s: signed by %s\n", ColorRed, ColorReset, r.TxID, r.SignerPublicKey)
		return 1
	}
	_, _ = fmt.Fprintf(stdout, "%sPASS%s %s %d from %s to %s under %s\n", ColorGreen, ColorReset, r.TxID, r.Amount, r.From, r.To, r.CommitmentID)
	return 0
}

func openReceipts(ctx context.Context, stderr io.Writer) (*receipts.SQLiteStore, error) {
	cfg, _, err := loadConfig(stderr)
	if err != nil {
		return nil, err
	}
	if cfg.ReceiptsDB == "" {
		return nil, errors.New("OPENIBANK_RECEIPTS_DB is not set")
	}
	return receipts.OpenSQLite(ctx, cfg.ReceiptsDB)
}

func runReceiptShow(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("receipt show", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var txID, commitmentID string
	cmd.StringVar(&txID, "tx", "", "Transaction id")
	cmd.StringVar(&commitmentID, "commitment", "", "Commitment id")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if (txID == "") == (commitmentID == "") {
		_, _ = fmt.Fprintln(stderr, "Error: exactly one of --tx or --commitment is required")
		return 2
	}

	ctx := context.Background()
	store, err := openReceipts(ctx, stderr)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	defer func() { _ = store.Close() }()

	var r *receipts.Receipt
	if txID != "" {
		r, err = store.Get(ctx, txID)
	} else {
		r, err = store.ByCommitment(ctx, commitmentID)
	}
	if errors.Is(err, receipts.ErrNotFound) {
		_, _ = fmt.Fprintln(stderr, "Error: receipt not found")
		return 1
	}
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	data, _ := json.MarshalIndent(r, "", "  ")
	_, _ = fmt.Fprintln(stdout, string(data))
	return 0
}

func runReceiptList(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("receipt list", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		limit      int
		jsonOutput bool
	)
	cmd.IntVar(&limit, "limit", 20, "Maximum receipts to list (0 for all)")
	cmd.BoolVar(&jsonOutput, "json", false, "Output as JSON")

	if err := cmd.Parse(args); err != nil {
		return 2
	}

	ctx := context.Background()
	store, err := openReceipts(ctx, stderr)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	defer func() { _ = store.Close() }()

	list, err := store.List(ctx, limit)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	if jsonOutput {
		data, _ := json.MarshalIndent(list, "", "  ")
		_, _ = fmt.Fprintln(stdout, string(data))
		return 0
	}
	tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "TX\tFROM\tTO\tAMOUNT\tCOMMITMENT\tTIME")
	for _, r := range list {
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\n", r.TxID, r.From, r.To, r.Amount, r.CommitmentID, r.Timestamp.Format("2006-01-02T15:04:05Z07:00"))
	}
	_ = tw.Flush()
	return 0
}
