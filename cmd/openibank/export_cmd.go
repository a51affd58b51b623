package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/openibank/openibank-sub001/pkg/worldline"
)

// runExportCmd writes a verified slice of a run as JSON lines, or stores it
// as a signed bundle in the configured archive and prints the bundle key.
func runExportCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("export", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		runID     string
		from      string
		to        string
		outPath   string
		toArchive bool
	)
	cmd.StringVar(&runID, "run", "", "Run to export (default: OPENIBANK_RUN_ID)")
	cmd.StringVar(&from, "from", "", "First event id (default: genesis)")
	cmd.StringVar(&to, "to", "", "Last event id (default: head)")
	cmd.StringVar(&outPath, "out", "", "Write JSON lines to this file instead of stdout")
	cmd.BoolVar(&toArchive, "archive", false, "Store the slice in the archive (OPENIBANK_ARCHIVE_BACKEND)")

	if err := cmd.Parse(args); err != nil {
		return 2
	}

	ctx := context.Background()
	rt, err := openNode(ctx, "", stderr)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	defer func() { _ = rt.Close(ctx) }()
	if runID == "" {
		runID = rt.Config.RunID
	}

	if toArchive {
		if rt.Archiver == nil {
			_, _ = fmt.Fprintln(stderr, "Error: --archive needs OPENIBANK_ARCHIVE_BACKEND")
			return 2
		}
		key, err := rt.Archiver.Export(ctx, rt.WorldLine, runID, from, to)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
		_, _ = fmt.Fprintln(stdout, key)
		return 0
	}

	events, err := rt.WorldLine.ExportSlice(ctx, runID, from, to)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	data, err := worldline.MarshalEvents(events)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	if outPath == "" {
		_, _ = stdout.Write(data)
		return 0
	}
	if err := os.WriteFile(outPath, data, 0o600); err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: cannot write %s: %v\n", outPath, err)
		return 2
	}
	_, _ = fmt.Fprintf(stdout, "Exported %d events from %s to %s\n", len(events), runID, outPath)
	return 0
}
