// Package schedule provides the daemon mode: runs triggered by a cron
// expression, with the configuration file watched for changes and
// reloaded between runs.
package schedule

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-co-op/gocron/v2"

	"git.home.luguber.info/inful/pipmirror/internal/config"
	"git.home.luguber.info/inful/pipmirror/internal/logfields"
	"git.home.luguber.info/inful/pipmirror/internal/mirror"
)

// RunFunc executes one mirror run with the given configuration.
type RunFunc func(ctx context.Context, cfg *config.Config, opts mirror.Options) (*mirror.Summary, error)

// Daemon schedules recurring runs and hot-reloads configuration.
type Daemon struct {
	configPath string
	cronExpr   string
	opts       mirror.Options
	runFunc    RunFunc
	debounce   time.Duration

	mu  sync.RWMutex
	cfg *config.Config
}

// New creates a Daemon around an already-loaded configuration.
func New(configPath, cronExpr string, cfg *config.Config, opts mirror.Options) *Daemon {
	return &Daemon{
		configPath: configPath,
		cronExpr:   cronExpr,
		opts:       opts,
		cfg:        cfg,
		runFunc:    defaultRun,
		debounce:   2 * time.Second,
	}
}

// WithRunFunc replaces the run function (tests).
func (d *Daemon) WithRunFunc(f RunFunc) *Daemon {
	d.runFunc = f
	return d
}

// WithDebounce overrides the reload debounce interval (tests).
func (d *Daemon) WithDebounce(interval time.Duration) *Daemon {
	d.debounce = interval
	return d
}

func defaultRun(ctx context.Context, cfg *config.Config, opts mirror.Options) (*mirror.Summary, error) {
	return mirror.New(cfg, opts).Run(ctx)
}

// Run blocks until ctx is cancelled, executing runs on the cron schedule
// and reloading the configuration when its file changes. Overlapping
// executions are prevented by singleton mode on top of the run lock.
func (d *Daemon) Run(ctx context.Context) error {
	sched, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("create scheduler: %w", err)
	}
	_, err = sched.NewJob(
		gocron.CronJob(d.cronExpr, false),
		gocron.NewTask(func() { d.execute(ctx) }),
		gocron.WithName("mirror-run"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("schedule %q: %w", d.cronExpr, err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create config watcher: %w", err)
	}
	defer watcher.Close()

	absPath, err := filepath.Abs(d.configPath)
	if err != nil {
		return fmt.Errorf("resolve config path: %w", err)
	}
	// Watch the directory; editors replace files instead of writing them
	// in place, so watching the file itself misses the swap.
	if err := watcher.Add(filepath.Dir(absPath)); err != nil {
		return fmt.Errorf("watch config directory: %w", err)
	}

	slog.Info("Daemon started", slog.String("cron", d.cronExpr), logfields.Path(absPath))
	sched.Start()
	defer func() {
		if serr := sched.Shutdown(); serr != nil {
			slog.Warn("Scheduler shutdown failed", logfields.Error(serr))
		}
	}()

	var reloadTimer *time.Timer
	defer func() {
		if reloadTimer != nil {
			reloadTimer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			slog.Info("Daemon stopping")
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Base(event.Name) != filepath.Base(absPath) {
				continue
			}
			if !event.Op.Has(fsnotify.Write) && !event.Op.Has(fsnotify.Create) && !event.Op.Has(fsnotify.Rename) {
				continue
			}
			slog.Debug("Config change detected", logfields.Path(event.Name))
			if reloadTimer != nil {
				reloadTimer.Stop()
			}
			reloadTimer = time.AfterFunc(d.debounce, func() {
				if rerr := d.reload(); rerr != nil {
					slog.Error("Config reload failed, keeping previous configuration",
						logfields.Error(rerr))
				}
			})
		case werr, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.Error("Config watcher error", logfields.Error(werr))
		}
	}
}

// execute runs one scheduled mirror pass with the current configuration.
func (d *Daemon) execute(ctx context.Context) {
	d.mu.RLock()
	cfg := d.cfg
	d.mu.RUnlock()

	summary, err := d.runFunc(ctx, cfg, d.opts)
	if err != nil {
		slog.Error("Scheduled run failed", logfields.Error(err))
		return
	}
	if summary.FailedBranches > 0 {
		slog.Warn("Scheduled run finished with failed branches",
			logfields.RunID(summary.RunID), slog.Int("failed", summary.FailedBranches))
		return
	}
	slog.Info("Scheduled run finished", logfields.RunID(summary.RunID))
}

// reload loads and swaps in the configuration file. On failure the
// previous configuration stays active.
func (d *Daemon) reload() error {
	cfg, err := config.Load(d.configPath)
	if err != nil {
		return err
	}
	d.mu.Lock()
	d.cfg = cfg
	d.mu.Unlock()
	slog.Info("Configuration reloaded", logfields.Path(d.configPath))
	return nil
}

// current returns the active configuration.
func (d *Daemon) current() *config.Config {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.cfg
}
