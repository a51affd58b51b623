package main

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"time"

	"github.com/openibank/openibank-sub001/pkg/config"
	"github.com/openibank/openibank-sub001/pkg/kernel"
	"github.com/openibank/openibank-sub001/pkg/kernelruntime"
	"github.com/openibank/openibank-sub001/pkg/ledger"
	"github.com/openibank/openibank-sub001/pkg/proposer"
)

//go:embed demo_manifest.yaml
var demoManifest []byte

type demoStep struct {
	Agent        string `json:"agent"`
	Action       string `json:"action"`
	CommitmentID string `json:"commitment_id"`
	TxID         string `json:"tx_id"`
	From         string `json:"from"`
	To           string `json:"to"`
	Amount       int64  `json:"amount"`
	Asset        string `json:"asset"`
	EventID      string `json:"event_id"`
}

type demoReport struct {
	RunID      string           `json:"run_id"`
	Steps      []demoStep       `json:"steps"`
	Balances   map[string]int64 `json:"balances"`
	Receipts   int              `json:"receipts"`
	Events     int              `json:"events"`
	Verified   bool             `json:"verified"`
	ArchiveKey string           `json:"archive_key,omitempty"`
}

// runDemoCmd runs a complete trade on a fresh node: a direct payment, an
// invoice paid into escrow and an arbitration that releases it. Every step
// goes through the kernel pipeline and the commitment gate.
func runDemoCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("demo", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		manifestPath string
		price        int64
		jsonOutput   bool
	)
	cmd.StringVar(&manifestPath, "manifest", "", "Manifest with buyer, seller and arbiter agents (default: built in)")
	cmd.Int64Var(&price, "price", 1200, "Price of the purchased service")
	cmd.BoolVar(&jsonOutput, "json", false, "Output the trade report as JSON")

	if err := cmd.Parse(args); err != nil {
		return 2
	}

	ctx := context.Background()
	cfg, logger, err := loadConfig(stderr)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	var m *config.Manifest
	if manifestPath != "" {
		m, err = config.LoadManifest(manifestPath)
	} else {
		m, err = config.ParseManifest(demoManifest)
	}
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	rt, err := kernelruntime.New(ctx, cfg, m, kernelruntime.WithLogger(logger))
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	defer func() { _ = rt.Close(ctx) }()

	report, err := runTrade(ctx, rt, price)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "%sError: %v%s\n", ColorRed, err, ColorReset)
		if kernel.KindOf(err) != "" {
			return 1
		}
		return 2
	}

	if jsonOutput {
		data, _ := json.MarshalIndent(report, "", "  ")
		_, _ = fmt.Fprintln(stdout, string(data))
		return 0
	}
	_, _ = fmt.Fprintf(stdout, "%sTrade settled on run %s%s\n", ColorBold+ColorGreen, report.RunID, ColorReset)
	for i, s := range report.Steps {
		_, _ = fmt.Fprintf(stdout, "  %d. %-8s %-20s %6d %s  %s -> %s\n", i+1, s.Agent, s.Action, s.Amount, s.Asset, s.From, s.To)
		_, _ = fmt.Fprintf(stdout, "     %scommitment %s  receipt %s%s\n", ColorGray, s.CommitmentID, s.TxID, ColorReset)
	}
	_, _ = fmt.Fprintln(stdout, "Balances:")
	for _, name := range rt.Agents() {
		_, _ = fmt.Fprintf(stdout, "  %-8s %d IUSD\n", name, report.Balances[name])
	}
	_, _ = fmt.Fprintf(stdout, "WorldLine: %d events, chain verified: %t\n", report.Events, report.Verified)
	if report.ArchiveKey != "" {
		_, _ = fmt.Fprintf(stdout, "Archived as %s\n", report.ArchiveKey)
	}
	return 0
}

func runTrade(ctx context.Context, rt *kernelruntime.Runtime, price int64) (*demoReport, error) {
	buyer, err := rt.Agent("buyer")
	if err != nil {
		return nil, err
	}
	seller, err := rt.Agent("seller")
	if err != nil {
		return nil, err
	}
	arbiter, err := rt.Agent("arbiter")
	if err != nil {
		return nil, err
	}
	buyerID, sellerID := buyer.Kernel.AgentID(), seller.Kernel.AgentID()
	report := &demoReport{RunID: rt.Config.RunID, Balances: make(map[string]int64)}

	step := func(agent, action string, s *kernel.Settled) {
		report.Steps = append(report.Steps, demoStep{
			Agent:        agent,
			Action:       action,
			CommitmentID: s.Proof.CommitmentID(),
			TxID:         s.Receipt.TxID,
			From:         s.Effect.From,
			To:           s.Effect.To,
			Amount:       s.Effect.Amount,
			Asset:        s.Effect.Asset,
			EventID:      s.ReceiptEventID,
		})
	}

	if _, err := rt.Approve(ctx, "buyer", time.Minute); err != nil {
		return nil, err
	}
	paid, err := buyer.Kernel.SettlePayment(ctx, proposer.PaymentRequest{
		SellerID:        sellerID,
		Description:     "inference capacity",
		Price:           price,
		AvailableBudget: rt.Ledger.Balance(buyerID, proposer.DefaultAsset),
	}, kernel.PayFromLedger(rt.Ledger, buyerID))
	if err != nil {
		return nil, err
	}
	step("buyer", "payment", paid)

	if _, err := rt.Approve(ctx, "seller", time.Minute); err != nil {
		return nil, err
	}
	invoiced, err := seller.Kernel.SettleInvoice(ctx, proposer.InvoiceRequest{
		BuyerID:     buyerID,
		ServiceName: "model audit",
		Price:       price / 2,
	}, kernel.EscrowFromLedger(rt.Ledger, sellerID))
	if err != nil {
		return nil, err
	}
	step("seller", "invoice_escrow", invoiced)
	esc, ok := invoiced.Effect.Detail.(ledger.Escrow)
	if !ok {
		return nil, errors.New("invoice did not open an escrow")
	}

	if _, err := rt.Approve(ctx, "arbiter", time.Minute); err != nil {
		return nil, err
	}
	proof := "audit report delivered"
	resolved, err := arbiter.Kernel.SettleArbitration(ctx, proposer.ArbitrationRequest{
		EscrowID:      esc.ID,
		DeliveryProof: &proof,
	}, kernel.ArbitrateOnLedger(rt.Ledger))
	if err != nil {
		return nil, err
	}
	step("arbiter", "arbitration", resolved)

	for _, name := range rt.Agents() {
		a, _ := rt.Agent(name)
		report.Balances[name] = rt.Ledger.Balance(a.Kernel.AgentID(), proposer.DefaultAsset)
	}
	if err := rt.Ledger.Verify(); err != nil {
		return nil, err
	}
	all, err := rt.Receipts.List(ctx, 0)
	if err != nil {
		return nil, err
	}
	report.Receipts = len(all)
	if report.Events, err = rt.WorldLine.EventCount(ctx, rt.Config.RunID); err != nil {
		return nil, err
	}
	report.Verified = rt.WorldLine.Verify(ctx, rt.Config.RunID) == nil

	if rt.Archiver != nil {
		if report.ArchiveKey, err = rt.Archive(ctx, "", ""); err != nil {
			return nil, err
		}
	}
	return report, nil
}
