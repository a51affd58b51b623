package proposer

import (
	"bytes"
	"context"
	"embed"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/openibank/openibank-sub001/pkg/llm"
)

//go:embed schemas/*.schema.json
var schemaFS embed.FS

const schemaBaseURL = "https://openibank.schemas.local/proposer/"

var schemaFiles = map[Kind]string{
	KindPayment:     "payment.schema.json",
	KindInvoice:     "invoice.schema.json",
	KindArbitration: "arbitration.schema.json",
}

// LLM proposes by asking a chat model for a JSON object, validating the reply
// against the variant's JSON Schema and then clamping it to the request: a payment
// never exceeds min(price, budget), an invoice always bills the requested price,
// and ids are taken from the request rather than the model.
type LLM struct {
	client  llm.Client
	asset   string
	options llm.SamplingOptions
	schemas map[Kind]*jsonschema.Schema
	raw     map[Kind]string
	logger  *slog.Logger
}

// LLMOption configures an LLM proposer.
type LLMOption func(*LLM)

func WithAsset(asset string) LLMOption {
	return func(p *LLM) { p.asset = asset }
}

func WithSampling(o llm.SamplingOptions) LLMOption {
	return func(p *LLM) { p.options = o }
}

func WithLogger(l *slog.Logger) LLMOption {
	return func(p *LLM) { p.logger = l }
}

// NewLLM compiles the embedded proposal schemas.
func NewLLM(client llm.Client, opts ...LLMOption) (*LLM, error) {
	if client == nil {
		return nil, fmt.Errorf("proposer: llm client is required")
	}
	p := &LLM{
		client:  client,
		asset:   DefaultAsset,
		schemas: make(map[Kind]*jsonschema.Schema, len(schemaFiles)),
		raw:     make(map[Kind]string, len(schemaFiles)),
		logger:  slog.Default().With("component", "llm_proposer"),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.options.JSONMode = true

	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	for kind, file := range schemaFiles {
		data, err := schemaFS.ReadFile("schemas/" + file)
		if err != nil {
			return nil, fmt.Errorf("proposer: read schema %s: %w", file, err)
		}
		if err := c.AddResource(schemaBaseURL+file, bytes.NewReader(data)); err != nil {
			return nil, fmt.Errorf("proposer: load schema %s: %w", file, err)
		}
		p.raw[kind] = string(data)
	}
	for kind, file := range schemaFiles {
		compiled, err := c.Compile(schemaBaseURL + file)
		if err != nil {
			return nil, fmt.Errorf("proposer: compile schema %s: %w", file, err)
		}
		p.schemas[kind] = compiled
	}
	return p, nil
}

func (p *LLM) Propose(ctx context.Context, req Request) (Proposal, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return Proposal{}, &ProposeError{Reason: "encode request", Err: err}
	}
	schema, ok := p.schemas[req.Type]
	if !ok {
		return Proposal{}, failed("unsupported request type %q", req.Type)
	}

	msgs := []llm.Message{
		{Role: llm.RoleSystem, Content: p.systemPrompt(req.Type)},
		{Role: llm.RoleUser, Content: string(body)},
	}
	resp, err := p.client.Chat(ctx, msgs, &p.options)
	if err != nil {
		return Proposal{}, &ProposeError{Reason: "model call failed", Err: err}
	}

	content := stripFences(resp.Content)
	doc, err := unmarshalJSON(strings.NewReader(content))
	if err != nil {
		return Proposal{}, &ProposeError{Reason: "model reply is not JSON", Err: err}
	}
	if err := schema.Validate(doc); err != nil {
		p.logger.Warn("model reply rejected by schema", "type", req.Type, "error", err)
		return Proposal{}, &ProposeError{Reason: "model reply does not match schema", Err: err}
	}

	switch req.Type {
	case KindPayment:
		var out ProposedPayment
		if err := json.Unmarshal([]byte(content), &out); err != nil {
			return Proposal{}, &ProposeError{Reason: "decode payment", Err: err}
		}
		return p.clampPayment(*req.Payment, out)
	case KindInvoice:
		var out ProposedInvoice
		if err := json.Unmarshal([]byte(content), &out); err != nil {
			return Proposal{}, &ProposeError{Reason: "decode invoice", Err: err}
		}
		return p.clampInvoice(*req.Invoice, out)
	default:
		var out ProposedArbitration
		if err := json.Unmarshal([]byte(content), &out); err != nil {
			return Proposal{}, &ProposeError{Reason: "decode arbitration", Err: err}
		}
		out.EscrowID = req.Arbitration.EscrowID
		if err := out.Decision.Validate(); err != nil {
			return Proposal{}, &ProposeError{Reason: "invalid decision", Err: err}
		}
		return ArbitrationProposal(out), nil
	}
}

func (p *LLM) clampPayment(r PaymentRequest, out ProposedPayment) (Proposal, error) {
	if out.Target != "" && out.Target != r.SellerID {
		return Proposal{}, failed("model proposed paying %q instead of %q", out.Target, r.SellerID)
	}
	out.Target = r.SellerID
	out.Amount = min(out.Amount, r.Price, r.AvailableBudget)
	if out.Amount <= 0 {
		return Proposal{}, failed("proposed amount %d is not positive", out.Amount)
	}
	if out.Asset == "" {
		out.Asset = p.asset
	}
	if out.Asset != p.asset {
		return Proposal{}, failed("asset %q not supported", out.Asset)
	}
	if out.Category == "" {
		out.Category = "purchase"
	}
	return PaymentProposal(out), nil
}

func (p *LLM) clampInvoice(r InvoiceRequest, out ProposedInvoice) (Proposal, error) {
	if r.Price <= 0 {
		return Proposal{}, failed("price must be positive, got %d", r.Price)
	}
	out.Buyer = r.BuyerID
	out.Amount = r.Price
	if out.Asset == "" {
		out.Asset = p.asset
	}
	if out.Asset != p.asset {
		return Proposal{}, failed("asset %q not supported", out.Asset)
	}
	return InvoiceProposal(out), nil
}

func (p *LLM) systemPrompt(k Kind) string {
	var b strings.Builder
	b.WriteString("You are a banking agent's proposer. Read the ")
	b.WriteString(string(k))
	b.WriteString(" request and reply with a single JSON object, no prose, matching this JSON Schema:\n")
	b.WriteString(p.raw[k])
	b.WriteString("\nAmounts are integers in minor units of ")
	b.WriteString(p.asset)
	b.WriteString(".")
	return b.String()
}

// stripFences removes a surrounding ``` or ```json fence some models add.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

// unmarshalJSON decodes r into the value form jsonschema/v5 validates:
// numbers as json.Number, and no trailing data after the top-level value.
func unmarshalJSON(r io.Reader) (any, error) {
	dec := json.NewDecoder(r)
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return nil, err
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, fmt.Errorf("invalid character after top-level value")
	}
	return doc, nil
}
