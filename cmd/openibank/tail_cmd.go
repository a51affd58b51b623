package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/openibank/openibank-sub001/pkg/worldline"
)

// runTailCmd prints a run's events as JSON lines, verifying the chain as it
// reads. With --follow it keeps printing new events until interrupted.
//
// Exit codes:
//
//	0 = stream ended cleanly
//	1 = hash chain broken
//	2 = runtime error
func runTailCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("tail", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		runID  string
		from   string
		follow bool
	)
	cmd.StringVar(&runID, "run", "", "Run to read (default: OPENIBANK_RUN_ID)")
	cmd.StringVar(&from, "from", "", "Start at this event id")
	cmd.BoolVar(&follow, "follow", false, "Keep streaming new events")

	if err := cmd.Parse(args); err != nil {
		return 2
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := openNode(ctx, "", stderr)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	defer func() { _ = rt.Close(context.Background()) }()
	if runID == "" {
		runID = rt.Config.RunID
	}

	s, err := rt.WorldLine.Tail(ctx, runID, worldline.TailOptions{From: from, Follow: follow})
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	defer s.Close()

	enc := json.NewEncoder(stdout)
	enc.SetEscapeHTML(false)
	for {
		ev, err := s.Next(ctx)
		var broken *worldline.HashChainBrokenError
		switch {
		case errors.Is(err, io.EOF), errors.Is(err, context.Canceled):
			return 0
		case errors.As(err, &broken):
			_, _ = fmt.Fprintf(stderr, "%sError: %v%s\n", ColorRed, err, ColorReset)
			return 1
		case err != nil:
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 2
		}
		if err := enc.Encode(ev); err != nil {
			return 2
		}
	}
}
