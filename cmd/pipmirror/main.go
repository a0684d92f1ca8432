package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/alecthomas/kong"

	"git.home.luguber.info/inful/pipmirror/internal/config"
	"git.home.luguber.info/inful/pipmirror/internal/logfields"
	"git.home.luguber.info/inful/pipmirror/internal/metrics"
	"git.home.luguber.info/inful/pipmirror/internal/mirror"
	"git.home.luguber.info/inful/pipmirror/internal/notify"
	"git.home.luguber.info/inful/pipmirror/internal/runlog"
	"git.home.luguber.info/inful/pipmirror/internal/schedule"
	"git.home.luguber.info/inful/pipmirror/internal/version"
)

var CLI struct {
	Config       string   `short:"c" required:"" help:"Configuration file path"`
	Branch       string   `short:"b" help:"Restrict processing to one branch (origin/ prefix optional)"`
	Noop         bool     `short:"n" help:"Log intended actions without mutating anything"`
	Requirements []string `short:"r" help:"Requirement file override, relative to each branch root (repeatable)"`
	NoPip        bool     `name:"no-pip" help:"Skip installer invocations"`
	NoDownload   bool     `name:"no-download" help:"Skip the build phase"`
	NoProcess    bool     `name:"no-process" help:"Skip the publish phase"`
	NoUpdate     bool     `name:"no-update" help:"Skip branch checkout and clean (repositories are still fetched)"`
	Verbose      bool     `help:"Echo full command output"`
	Export       string   `help:"Write the frozen requirement list of each resolved branch to this file"`
	Schedule     string   `help:"Run as a daemon on this cron expression"`
	Version      bool     `help:"Print version and exit"`
}

func main() {
	kong.Parse(&CLI)

	if CLI.Version {
		fmt.Println(version.Version)
		return
	}

	logLevel := slog.LevelInfo
	if CLI.Verbose {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	cfg, err := config.Load(CLI.Config)
	if err != nil {
		slog.Error("Failed to load configuration", logfields.Error(err))
		os.Exit(1)
	}

	opts := mirror.Options{
		Noop:         CLI.Noop,
		NoPip:        CLI.NoPip,
		NoDownload:   CLI.NoDownload,
		NoProcess:    CLI.NoProcess,
		NoUpdate:     CLI.NoUpdate,
		Verbose:      CLI.Verbose,
		Branch:       CLI.Branch,
		Requirements: CLI.Requirements,
		ExportPath:   CLI.Export,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if CLI.Schedule != "" {
		// Scheduled runs go through runOnce so they carry the same
		// collaborators (metrics, runlog, notifications) as single runs.
		daemon := schedule.New(CLI.Config, CLI.Schedule, cfg, opts).WithRunFunc(runOnce)
		if err := daemon.Run(ctx); err != nil {
			slog.Error("Daemon failed", logfields.Error(err))
			os.Exit(1)
		}
		return
	}

	summary, err := runOnce(ctx, cfg, opts)
	if err != nil {
		slog.Error("Run failed", logfields.Error(err))
		os.Exit(1)
	}
	if summary.FailedBranches > 0 {
		os.Exit(2)
	}
}

// runOnce executes one complete mirror run with freshly attached
// collaborators, releasing them when the run ends.
func runOnce(ctx context.Context, cfg *config.Config, opts mirror.Options) (*mirror.Summary, error) {
	m, cleanup := buildMirrorer(cfg, opts)
	defer cleanup()
	return m.Run(ctx)
}

// buildMirrorer attaches the optional collaborators: metrics when a
// textfile path is configured, NATS when notify is configured, and the
// runlog under the cache root. Each degrades to a warning when
// unavailable. The returned cleanup closes whatever was attached.
func buildMirrorer(cfg *config.Config, opts mirror.Options) (*mirror.Mirrorer, func()) {
	m := mirror.New(cfg, opts)
	cleanups := []func(){}

	if cfg.MetricsTextfile != "" {
		m = m.WithRecorder(metrics.NewPrometheusRecorder())
	}

	// The runlog lives under the cache root, which must not be created
	// under noop.
	if !opts.Noop {
		if err := os.MkdirAll(cfg.CacheRoot, 0o750); err != nil {
			slog.Warn("Cannot create cache root yet", logfields.Error(err))
		}
		if log, err := runlog.Open(filepath.Join(cfg.CacheRoot, "runlog.db")); err != nil {
			slog.Warn("Run history unavailable", logfields.Error(err))
		} else {
			m = m.WithRunlog(log)
			cleanups = append(cleanups, func() {
				if cerr := log.Close(); cerr != nil {
					slog.Warn("Failed to close run history", logfields.Error(cerr))
				}
			})
		}
	}

	if cfg.Notify != nil {
		if notifier, err := notify.NewNATSNotifier(cfg.Notify.NATSURL, cfg.Notify.Subject); err != nil {
			slog.Warn("Notifications unavailable", logfields.Error(err))
		} else {
			m = m.WithNotifier(notifier)
			// Close drains pending publishes so the run-finished event is
			// not lost on exit.
			cleanups = append(cleanups, notifier.Close)
		}
	}

	return m, func() {
		for _, f := range cleanups {
			f()
		}
	}
}
