package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/openibank/openibank-sub001/pkg/worldline"
)

// runServeCmd hosts the agents of a manifest until interrupted. It sweeps
// expired commitment handles, logs every event committed to the node's run
// and, when an archive backend is configured, archives the run on shutdown
// and every --archive-every interval.
func runServeCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("serve", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		manifest     string
		archiveEvery time.Duration
	)
	cmd.StringVar(&manifest, "manifest", "", "Path to the agent manifest (REQUIRED)")
	cmd.DurationVar(&archiveEvery, "archive-every", 0, "Archive the run periodically (0 disables)")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if manifest == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --manifest is required")
		return 2
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := openNode(ctx, manifest, stderr)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	defer func() { _ = rt.Close(context.Background()) }()

	_, _ = fmt.Fprintf(stdout, "%sopenibank%s serving %d agents on run %s\n", ColorBold+ColorGreen, ColorReset, len(rt.Agents()), rt.Config.RunID)

	go rt.RunSweeper(ctx)
	go followRun(ctx, rt.WorldLine, rt.Config.RunID)
	if archiveEvery > 0 && rt.Archiver != nil {
		go func() {
			ticker := time.NewTicker(archiveEvery)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					archiveRun(ctx, rt.Archive)
				}
			}
		}()
	}

	<-ctx.Done()
	if rt.Archiver != nil {
		archiveRun(context.Background(), rt.Archive)
	}
	_, _ = fmt.Fprintln(stdout, "shutting down")
	return 0
}

// followRun logs each committed event until ctx is done.
func followRun(ctx context.Context, wl *worldline.WorldLine, runID string) {
	s, err := wl.Tail(ctx, runID, worldline.TailOptions{Follow: true})
	if err != nil {
		slog.Error("follow failed", "run_id", runID, "error", err)
		return
	}
	defer s.Close()
	for {
		ev, err := s.Next(ctx)
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				slog.Error("follow stopped", "run_id", runID, "error", err)
			}
			return
		}
		slog.Info("event committed", "run_id", runID, "seq", ev.Seq, "type", ev.Type, "agent_id", ev.AgentID, "id", ev.ID)
	}
}

func archiveRun(ctx context.Context, archive func(ctx context.Context, from, to string) (string, error)) {
	key, err := archive(ctx, "", "")
	if err != nil {
		if errors.Is(err, worldline.ErrRunNotFound) {
			return
		}
		slog.Error("archive failed", "error", err)
		return
	}
	slog.Info("run archived", "key", key)
}
