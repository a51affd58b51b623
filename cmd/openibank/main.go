package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/openibank/openibank-sub001/pkg/config"
	"github.com/openibank/openibank-sub001/pkg/kernelruntime"
)

const version = "v0.3.0"

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run dispatches a subcommand and returns the process exit code.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		printUsage(stderr)
		return 2
	}

	switch args[1] {
	case "serve", "server":
		return runServeCmd(args[2:], stdout, stderr)
	case "demo":
		return runDemoCmd(args[2:], stdout, stderr)
	case "tail":
		return runTailCmd(args[2:], stdout, stderr)
	case "export":
		return runExportCmd(args[2:], stdout, stderr)
	case "verify":
		return runVerifyCmd(args[2:], stdout, stderr)
	case "receipt", "receipts":
		return runReceiptCmd(args[2:], stdout, stderr)
	case "version":
		_, _ = fmt.Fprintf(stdout, "openibank %s\n", version)
		return 0
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		_, _ = fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

// ANSI colors for terminal output.
const (
	ColorReset = "\033[0m"
	ColorBold  = "\033[1m"
	ColorRed   = "\033[31m"
	ColorGreen = "\033[32m"
	ColorBlue  = "\033[34m"
	ColorCyan  = "\033[36m"
	ColorGray  = "\033[37m"
)

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "")
	fmt.Fprintf(w, "%sOpeniBank Kernel %s%s\n", ColorBold+ColorBlue, version, ColorReset)
	fmt.Fprintf(w, "%sAgents propose. Commitments settle.%s\n", ColorGray, ColorReset)
	fmt.Fprintln(w, "")
	fmt.Fprintf(w, "%sUSAGE:%s\n", ColorBold, ColorReset)
	fmt.Fprintln(w, "  openibank <command> [flags]")
	fmt.Fprintln(w, "")

	printSection(w, "NODE")
	printCommand(w, "serve", "Host the agents of a manifest (--manifest)")
	printCommand(w, "demo", "Run a buyer/seller/arbiter trade end to end (--json)")

	printSection(w, "WORLDLINE")
	printCommand(w, "tail", "Stream a run's events (--run, --from, --follow)")
	printCommand(w, "export", "Export a slice as JSON lines or to the archive (--archive)")
	printCommand(w, "verify", "Verify an exported slice, a bundle or a stored run")

	printSection(w, "RECEIPTS")
	printCommand(w, "receipt", "Verify, show or list signed receipts")

	printSection(w, "UTILITIES")
	printCommand(w, "version", "Show version information")
	printCommand(w, "help", "Show this help")
	fmt.Fprintln(w, "")
	fmt.Fprintf(w, "%sConfiguration is read from OPENIBANK_* environment variables.%s\n", ColorGray, ColorReset)
	fmt.Fprintln(w, "")
}

func printSection(w io.Writer, title string) {
	fmt.Fprintf(w, "%s%s:%s\n", ColorBold+ColorCyan, title, ColorReset)
}

func printCommand(w io.Writer, name, desc string) {
	fmt.Fprintf(w, "  %s%-12s%s %s\n", ColorGreen, name, ColorReset, desc)
}

// loadConfig reads the environment and installs the process logger on stderr.
func loadConfig(stderr io.Writer) (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	logger := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	slog.SetDefault(logger)
	return cfg, logger, nil
}

// openNode builds a node from the environment and an optional manifest.
func openNode(ctx context.Context, manifestPath string, stderr io.Writer, opts ...kernelruntime.Option) (*kernelruntime.Runtime, error) {
	cfg, logger, err := loadConfig(stderr)
	if err != nil {
		return nil, err
	}
	var m *config.Manifest
	if manifestPath != "" {
		if m, err = config.LoadManifest(manifestPath); err != nil {
			return nil, err
		}
	}
	return kernelruntime.New(ctx, cfg, m, append([]kernelruntime.Option{kernelruntime.WithLogger(logger)}, opts...)...)
}
