package kernel

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/openibank/openibank-sub001/pkg/canonicalize"
	"github.com/openibank/openibank-sub001/pkg/observability"
	"github.com/openibank/openibank-sub001/pkg/trace"
)

//go:embed schemas/ual_artifact.schema.json
var ualSchemaJSON []byte

const ualSchemaURL = "https://openibank.schemas.local/kernel/ual_artifact.schema.json"

var (
	ualOnce   sync.Once
	ualSchema *jsonschema.Schema
	ualErr    error
)

func compiledUALSchema() (*jsonschema.Schema, error) {
	ualOnce.Do(func() {
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft2020
		c.AssertFormat = true
		if ualErr = c.AddResource(ualSchemaURL, bytes.NewReader(ualSchemaJSON)); ualErr != nil {
			return
		}
		ualSchema, ualErr = c.Compile(ualSchemaURL)
	})
	return ualSchema, ualErr
}

// ConsumeUALArtifacts accepts pre-compiled authorization artifacts. Each item
// must be a JSON object with a non-empty "kind"; its body is never interpreted.
// A batch is all-or-nothing: on any failure nothing is recorded and a
// Serialization error is returned. On success one Decision entry lists the
// artifacts' kinds and canonical digests.
func (k *Kernel) ConsumeUALArtifacts(ctx context.Context, items []json.RawMessage) (err error) {
	_, finish := k.telemetry.TrackOperation(ctx, "kernel.consume_ual_artifacts", observability.KernelOperation(k.agentID, "consume_ual_artifacts")...)
	defer func() { finish(err) }()

	schema, err := compiledUALSchema()
	if err != nil {
		return newError(Serialization, "ual schema unavailable", err)
	}

	kinds := make([]string, 0, len(items))
	digests := make([]string, 0, len(items))
	for i, item := range items {
		doc, err := unmarshalJSON(bytes.NewReader(item))
		if err != nil {
			return newError(Serialization, fmt.Sprintf("artifact %d is not JSON", i), err)
		}
		if err := schema.Validate(doc); err != nil {
			return newError(Serialization, fmt.Sprintf("artifact %d: %v", i, err), err)
		}
		canonical, err := canonicalize.Transform(item)
		if err != nil {
			return newError(Serialization, fmt.Sprintf("artifact %d cannot be canonicalized", i), err)
		}
		var head struct {
			Kind string `json:"kind"`
		}
		if err := json.Unmarshal(canonical, &head); err != nil {
			return newError(Serialization, fmt.Sprintf("artifact %d", i), err)
		}
		kinds = append(kinds, head.Kind)
		digests = append(digests, canonicalize.HashBytes(canonical))
	}

	k.record(trace.StageDecision, "consume_ual_artifacts", map[string]any{
		"op":      "consume_ual_artifacts",
		"count":   len(items),
		"kinds":   kinds,
		"digests": digests,
	})
	return nil
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
