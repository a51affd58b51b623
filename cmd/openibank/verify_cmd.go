package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/openibank/openibank-sub001/pkg/archive"
	"github.com/openibank/openibank-sub001/pkg/canonicalize"
	"github.com/openibank/openibank-sub001/pkg/merkle"
	"github.com/openibank/openibank-sub001/pkg/worldline"
)

type verifyReport struct {
	Verified     bool   `json:"verified"`
	Source       string `json:"source"`
	RunID        string `json:"run_id,omitempty"`
	Events       int    `json:"events"`
	FirstEventID string `json:"first_event_id,omitempty"`
	LastEventID  string `json:"last_event_id,omitempty"`
	HeadHash     string `json:"head_hash,omitempty"`
	Signer       string `json:"signer,omitempty"`
	EventsRoot   string `json:"events_root,omitempty"`
	Proven       string `json:"proven_event,omitempty"`
	Reason       string `json:"reason,omitempty"`
}

func (r *verifyReport) fill(events []*worldline.Event) {
	r.Events = len(events)
	if len(events) == 0 {
		return
	}
	r.RunID = events[0].RunID
	r.FirstEventID = events[0].ID
	r.LastEventID = events[len(events)-1].ID
	r.HeadHash = events[len(events)-1].Hash.Hex()
}

// runVerifyCmd checks the hash chain of a WorldLine slice from one source:
// an exported JSON lines file, an archive bundle file, a bundle in the
// configured archive (with its signed manifest) or a run in the configured
// store.
//
// Exit codes:
//
//	0 = verification passed
//	1 = verification failed
//	2 = runtime error
func runVerifyCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("verify", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		eventsFile string
		bundleFile string
		key        string
		runID      string
		eventID    string
		jsonOutput bool
	)
	cmd.StringVar(&eventsFile, "events", "", "Exported JSON lines file")
	cmd.StringVar(&bundleFile, "bundle", "", "Archive bundle file (checked against --key when given)")
	cmd.StringVar(&key, "key", "", "Bundle key; alone, loads the bundle from the configured archive")
	cmd.StringVar(&runID, "run", "", "Verify a run in the configured WorldLine store")
	cmd.StringVar(&eventID, "event", "", "With --key, also prove this event against the manifest root")
	cmd.BoolVar(&jsonOutput, "json", false, "Output results as JSON to stdout")

	if err := cmd.Parse(args); err != nil {
		return 2
	}

	var (
		report *verifyReport
		err    error
	)
	switch {
	case eventsFile != "":
		report, err = verifyEventsFile(eventsFile)
	case bundleFile != "":
		report, err = verifyBundleFile(bundleFile, key)
	case key != "":
		report, err = verifyArchived(key, eventID, stderr)
	case runID != "":
		report, err = verifyRun(runID, stderr)
	default:
		_, _ = fmt.Fprintln(stderr, "Error: one of --events, --bundle, --key or --run is required")
		return 2
	}
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	if jsonOutput {
		data, _ := json.MarshalIndent(report, "", "  ")
		_, _ = fmt.Fprintln(stdout, string(data))
	} else if report.Verified {
		_, _ = fmt.Fprintf(stdout, "%sPASS%s %s\n", ColorGreen, ColorReset, report.Source)
		_, _ = fmt.Fprintf(stdout, "Run:    %s\n", report.RunID)
		_, _ = fmt.Fprintf(stdout, "Events: %d (%s .. %s)\n", report.Events, report.FirstEventID, report.LastEventID)
		_, _ = fmt.Fprintf(stdout, "Head:   %s\n", report.HeadHash)
		if report.Signer != "" {
			_, _ = fmt.Fprintf(stdout, "Signer: %s\n", report.Signer)
		}
		if report.Proven != "" {
			_, _ = fmt.Fprintf(stdout, "Proven: %s under root %s\n", report.Proven, report.EventsRoot)
		}
	} else {
		_, _ = fmt.Fprintf(stdout, "%sFAIL%s %s\n", ColorRed, ColorReset, report.Source)
		_, _ = fmt.Fprintf(stdout, "  - %s\n", report.Reason)
	}

	if !report.Verified {
		return 1
	}
	return 0
}

// failed turns integrity errors into a failing report and passes the rest on.
func failed(r *verifyReport, err error) (*verifyReport, error) {
	var broken *worldline.HashChainBrokenError
	if errors.As(err, &broken) ||
		errors.Is(err, archive.ErrDigestMismatch) ||
		errors.Is(err, archive.ErrManifestSignature) ||
		errors.Is(err, archive.ErrUnsupportedFormat) ||
		errors.Is(err, archive.ErrEmptyBundle) {
		r.Reason = err.Error()
		return r, nil
	}
	return nil, err
}

func verifyEventsFile(path string) (*verifyReport, error) {
	r := &verifyReport{Source: path}
	data, err := os.ReadFile(path) //nolint:gosec // operator-supplied path
	if err != nil {
		return nil, err
	}
	events, err := worldline.UnmarshalEvents(data)
	if err != nil {
		r.Reason = err.Error()
		return r, nil
	}
	if len(events) == 0 {
		r.Reason = "no events"
		return r, nil
	}
	r.fill(events)
	b, err := archive.NewBundle(events[0].RunID, events)
	if err != nil {
		return failed(r, err)
	}
	if err := b.Verify(); err != nil {
		return failed(r, err)
	}
	r.Verified = true
	return r, nil
}

func verifyBundleFile(path, key string) (*verifyReport, error) {
	r := &verifyReport{Source: path}
	blob, err := os.ReadFile(path) //nolint:gosec // operator-supplied path
	if err != nil {
		return nil, err
	}
	b, err := archive.Decode(key, blob)
	if err != nil {
		if errors.Is(err, archive.ErrDigestMismatch) {
			return failed(r, err)
		}
		r.Reason = err.Error()
		return r, nil
	}
	r.fill(b.Events)
	if err := b.Verify(); err != nil {
		return failed(r, err)
	}
	r.Verified = true
	return r, nil
}

func verifyArchived(key, eventID string, stderr io.Writer) (*verifyReport, error) {
	ctx := context.Background()
	rt, err := openNode(ctx, "", stderr)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rt.Close(ctx) }()
	if rt.Archiver == nil {
		return nil, errors.New("--key needs OPENIBANK_ARCHIVE_BACKEND")
	}

	r := &verifyReport{Source: key}
	b, err := rt.Archiver.Load(ctx, key)
	if err != nil {
		return failed(r, err)
	}
	r.fill(b.Events)
	m, err := rt.Archiver.Manifest(ctx, key)
	switch {
	case errors.Is(err, archive.ErrNotFound):
	case err != nil:
		return failed(r, err)
	case m.HeadHash != r.HeadHash || m.Count != r.Events:
		r.Reason = "manifest does not describe the bundle"
		return r, nil
	default:
		r.Signer = m.SignerPublicKey
		r.EventsRoot = m.EventsRoot
	}

	if eventID != "" {
		if r.EventsRoot == "" {
			return nil, errors.New("--event needs a signed manifest")
		}
		root, err := canonicalize.ParseDigest(r.EventsRoot)
		if err != nil {
			r.Reason = err.Error()
			return r, nil
		}
		p, err := rt.Archiver.Prove(ctx, key, eventID)
		if err != nil {
			return nil, err
		}
		if !merkle.Verify(p, root) {
			r.Reason = "inclusion proof does not match manifest root"
			return r, nil
		}
		r.Proven = eventID
	}
	r.Verified = true
	return r, nil
}

func verifyRun(runID string, stderr io.Writer) (*verifyReport, error) {
	ctx := context.Background()
	rt, err := openNode(ctx, "", stderr)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rt.Close(ctx) }()

	r := &verifyReport{Source: rt.Config.WorldLineBackend + ":" + runID, RunID: runID}
	if err := rt.WorldLine.Verify(ctx, runID); err != nil {
		return failed(r, err)
	}
	n, err := rt.WorldLine.EventCount(ctx, runID)
	if err != nil {
		return nil, err
	}
	r.Events = n
	last, ok, err := rt.WorldLine.LatestEventID(ctx, runID)
	if err != nil {
		return nil, err
	}
	if ok {
		r.LastEventID = last
	}
	r.Verified = true
	return r, nil
}
