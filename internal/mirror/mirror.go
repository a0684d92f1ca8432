// Package mirror orchestrates a full run: take the run lock, sync every
// project, resolve every branch into the artifact cache, publish the
// mirror trees, and record outcomes. Processing is sequential; error
// boundaries keep a failing branch from taking its siblings down.
package mirror

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"git.home.luguber.info/inful/pipmirror/internal/cache"
	"git.home.luguber.info/inful/pipmirror/internal/config"
	"git.home.luguber.info/inful/pipmirror/internal/errors"
	"git.home.luguber.info/inful/pipmirror/internal/execx"
	"git.home.luguber.info/inful/pipmirror/internal/gitrepo"
	"git.home.luguber.info/inful/pipmirror/internal/logfields"
	"git.home.luguber.info/inful/pipmirror/internal/metrics"
	"git.home.luguber.info/inful/pipmirror/internal/notify"
	"git.home.luguber.info/inful/pipmirror/internal/publish"
	"git.home.luguber.info/inful/pipmirror/internal/reqfile"
	"git.home.luguber.info/inful/pipmirror/internal/runlog"
	"git.home.luguber.info/inful/pipmirror/internal/sandbox"
	"git.home.luguber.info/inful/pipmirror/internal/workspace"
)

// Options are the per-invocation switches.
type Options struct {
	// Noop logs every intended action without mutating anything.
	Noop bool
	// NoPip suppresses installer invocations; branches end up SKIPPED.
	NoPip bool
	// NoDownload skips the build phase entirely.
	NoDownload bool
	// NoProcess skips the publish phase entirely.
	NoProcess bool
	// NoUpdate skips branch checkout and clean, operating on whatever
	// worktree state is already on disk. Repositories are still cloned
	// and fetched.
	NoUpdate bool
	// Verbose echoes full command output at Info level.
	Verbose bool
	// Branch restricts processing to one branch (with or without the
	// origin/ prefix).
	Branch string
	// Requirements overrides requirement-file discovery per branch.
	Requirements []string
	// ExportPath, when set, receives the frozen requirement list of every
	// successfully resolved branch (last writer wins).
	ExportPath string
}

// Summary is the aggregate outcome of one run.
type Summary struct {
	RunID           string
	CachedBranches  int
	SkippedBranches int
	FailedBranches  int
}

// Mirrorer drives one or more mirror runs over a fixed configuration.
type Mirrorer struct {
	cfg       *config.Config
	opts      Options
	runner    execx.Runner
	store     *cache.Cache
	sync      *gitrepo.Synchronizer
	publisher *publish.Publisher
	recorder  metrics.Recorder
	log       *runlog.Store
	notifier  notify.Notifier
	rawOut    io.Writer
	distro    string
}

// New wires a Mirrorer with default collaborators. Observability hooks
// default to no-ops; use the With* methods to attach real ones.
func New(cfg *config.Config, opts Options) *Mirrorer {
	runner := execx.NewRunner(execx.Options{
		Noop:     opts.Noop,
		Suppress: suppressInstaller(opts.NoPip),
		Verbose:  opts.Verbose,
	})
	store := cache.New(cfg.CacheRoot)
	return &Mirrorer{
		cfg:       cfg,
		opts:      opts,
		runner:    runner,
		store:     store,
		sync:      gitrepo.NewSynchronizer(store.ProjectsDir(), cfg.Timeouts.Git.Std(), opts.Noop),
		publisher: publish.New(runner),
		recorder:  metrics.NoopRecorder{},
		notifier:  notify.NoopNotifier{},
		rawOut:    os.Stderr,
	}
}

// WithRunner replaces the command runner (tests).
func (m *Mirrorer) WithRunner(r execx.Runner) *Mirrorer {
	m.runner = r
	m.publisher = publish.New(r)
	return m
}

// WithRecorder attaches a metrics recorder.
func (m *Mirrorer) WithRecorder(r metrics.Recorder) *Mirrorer {
	m.recorder = r
	return m
}

// WithRunlog attaches the run history store.
func (m *Mirrorer) WithRunlog(l *runlog.Store) *Mirrorer {
	m.log = l
	return m
}

// WithNotifier attaches the run-event notifier.
func (m *Mirrorer) WithNotifier(n notify.Notifier) *Mirrorer {
	m.notifier = n
	return m
}

// WithRawOutput redirects installer post-mortem output (tests).
func (m *Mirrorer) WithRawOutput(w io.Writer) *Mirrorer {
	m.rawOut = w
	return m
}

// suppressInstaller skips pip and virtualenv invocations under --no-pip
// while letting everything else run.
func suppressInstaller(noPip bool) func(string) bool {
	if !noPip {
		return nil
	}
	return func(program string) bool {
		base := filepath.Base(program)
		return base == "pip" || base == "virtualenv"
	}
}

// Run executes one complete mirror run and returns its summary. A nil
// error with Summary.FailedBranches > 0 means the run completed but some
// branches could not be resolved.
func (m *Mirrorer) Run(ctx context.Context) (*Summary, error) {
	start := time.Now()

	// Noop means no filesystem mutation at all: no cache root, no lock,
	// no workspace. Intended actions are logged instead.
	if m.opts.Noop {
		slog.Info("Would acquire run lock (noop)",
			logfields.Path(filepath.Join(m.cfg.CacheRoot, lockFileName)))
	} else {
		if err := os.MkdirAll(m.cfg.CacheRoot, 0o750); err != nil {
			return nil, errors.Wrap(err, errors.CategoryConfig, "create cache root")
		}
		lock, err := acquireLock(m.cfg.CacheRoot)
		if err != nil {
			return nil, err
		}
		defer func() {
			if rerr := lock.release(); rerr != nil {
				slog.Warn("Failed to release run lock", logfields.Error(rerr))
			}
		}()
	}

	runID := uuid.NewString()
	slog.Info("Run started", logfields.RunID(runID),
		slog.Int("mirrors", len(m.cfg.Mirrors)))

	ws := workspace.NewManager("")
	if !m.opts.Noop {
		if err := ws.Create(); err != nil {
			return nil, errors.Wrap(err, errors.CategoryInternal, "create workspace")
		}
		defer func() {
			if cerr := ws.Cleanup(); cerr != nil {
				slog.Warn("Workspace cleanup failed", logfields.Error(cerr))
			}
		}()
	}

	m.notifier.RunStarted(runID)
	m.recordRunStart(ctx, runID, start)

	summary := &Summary{RunID: runID}
	var publishErr error

	for _, mir := range m.cfg.Mirrors {
		if ctx.Err() != nil {
			break
		}
		if !m.opts.Noop {
			if err := m.store.EnsureDirs(mir.Name); err != nil {
				ferr := errors.Wrap(err, errors.CategoryConfig, "prepare cache directories")
				m.recordRunFinish(ctx, runID, "fatal", summary.FailedBranches)
				m.notifier.RunFinished(runID, "fatal", summary.FailedBranches)
				return nil, ferr
			}
		}

		if !m.opts.NoDownload {
			t0 := time.Now()
			for _, res := range m.buildMirror(ctx, mir, ws, runID) {
				switch res.State {
				case StateDownloadCached:
					summary.CachedBranches++
				case StateSkipped:
					summary.SkippedBranches++
				case StateFailed:
					summary.FailedBranches++
				}
			}
			m.recorder.ObservePhaseDuration(mir.Name, "download", time.Since(t0))
		}

		if m.opts.NoProcess || ctx.Err() != nil {
			continue
		}
		if m.opts.Noop {
			slog.Info("Would publish mirror (noop)",
				logfields.Mirror(mir.Name), logfields.Path(mir.Output))
			continue
		}
		t0 := time.Now()
		if err := m.publishMirror(ctx, mir); err != nil {
			slog.Error("Publish failed", logfields.Mirror(mir.Name), logfields.Error(err))
			publishErr = err
		}
		m.recorder.ObservePhaseDuration(mir.Name, "publish", time.Since(t0))
	}

	m.recorder.ObserveRunDuration(time.Since(start))
	m.writeMetricsTextfile()

	if ctx.Err() != nil {
		slog.Warn("Run interrupted", logfields.RunID(runID))
		m.recordRunFinish(ctx, runID, "interrupted", summary.FailedBranches)
		m.notifier.RunFinished(runID, "interrupted", summary.FailedBranches)
		return summary, errors.Wrap(ctx.Err(), errors.CategoryInternal, "run interrupted")
	}

	status := "healthy"
	if summary.FailedBranches > 0 {
		status = "partial"
	}
	m.recordRunFinish(ctx, runID, status, summary.FailedBranches)
	m.notifier.RunFinished(runID, status, summary.FailedBranches)

	slog.Info("Run finished", logfields.RunID(runID),
		slog.String("status", status),
		slog.Int("cached", summary.CachedBranches),
		slog.Int("skipped", summary.SkippedBranches),
		slog.Int("failed", summary.FailedBranches),
		logfields.DurationMS(float64(time.Since(start).Milliseconds())))

	if publishErr != nil {
		return summary, publishErr
	}
	return summary, nil
}

// buildMirror runs the build phase for one mirror: sync each project,
// walk its remote branches, resolve each into the cache. A failing
// project or branch never stops its siblings.
func (m *Mirrorer) buildMirror(ctx context.Context, mir config.Mirror, ws *workspace.Manager, runID string) []branchResult {
	var sandboxDir string
	if !m.opts.Noop {
		var err error
		sandboxDir, err = ws.CreateSubdir("sandbox-" + mir.Name)
		if err != nil {
			slog.Error("Failed to create sandbox directory", logfields.Mirror(mir.Name), logfields.Error(err))
			return nil
		}
	}

	var results []branchResult
	for _, url := range mir.Projects {
		if ctx.Err() != nil {
			break
		}
		project := gitrepo.ShortName(url)

		// Sync always clones or fetches; --no-update only skips the
		// checkout and clean of individual branches.
		repoPath, err := m.sync.Sync(ctx, url)
		if err != nil {
			slog.Error("Repository sync failed, skipping project",
				logfields.Mirror(mir.Name), logfields.Project(project), logfields.Error(err))
			continue
		}

		branches, err := m.sync.ListRemoteBranches(repoPath)
		if err != nil {
			slog.Error("Failed to list branches, skipping project",
				logfields.Mirror(mir.Name), logfields.Project(project), logfields.Error(err))
			continue
		}

		for _, branch := range branches {
			if ctx.Err() != nil {
				break
			}
			if !m.branchSelected(branch) {
				continue
			}
			res := m.processBranch(ctx, mir, sandboxDir, repoPath, project, branch)
			m.finishBranch(ctx, runID, res)
			results = append(results, res)
		}
	}
	return results
}

// branchSelected applies the -b restriction; the prefix is optional so
// both "master" and "origin/master" select the same branch.
func (m *Mirrorer) branchSelected(branch string) bool {
	if m.opts.Branch == "" {
		return true
	}
	return branch == m.opts.Branch || strings.TrimPrefix(branch, "origin/") == m.opts.Branch
}

// processBranch walks one branch through the state machine to a terminal
// state.
func (m *Mirrorer) processBranch(ctx context.Context, mir config.Mirror, sandboxDir, repoPath, project, branch string) branchResult {
	res := branchResult{Mirror: mir.Name, Project: project, Branch: branch, State: StateDiscovered}
	slog.Info("Processing branch", logfields.Mirror(mir.Name),
		logfields.Project(project), logfields.Branch(branch))

	if !m.opts.NoUpdate {
		if err := m.sync.CheckoutBranch(repoPath, branch); err != nil {
			res.State = StateFailed
			res.Detail = err.Error()
			slog.Error("Checkout failed", logfields.Branch(branch), logfields.Error(err))
			return res
		}
	}

	reqFiles, err := reqfile.Locate(repoPath, m.opts.Requirements)
	if err != nil {
		res.State = StateFailed
		res.Detail = err.Error()
		slog.Error("Requirement lookup failed", logfields.Branch(branch), logfields.Error(err))
		return res
	}
	if len(reqFiles) == 0 {
		res.State = StateSkipped
		res.Detail = "no requirement files"
		slog.Info("No requirement files, skipping branch",
			logfields.Project(project), logfields.Branch(branch))
		return res
	}
	res.State = StateRequirementsFound

	sb := sandbox.New(m.runner, m.store, mir.Name, sandboxDir, m.cfg.Timeouts.Pip.Std(), m.opts.Noop)
	outcome, err := sb.Resolve(ctx, reqFiles)
	if err != nil {
		// A branch interrupted mid-resolution was not genuinely broken;
		// the run-level interrupt handling reports the abort.
		if ctx.Err() != nil {
			res.State = StateSkipped
			res.Detail = "run interrupted"
			slog.Warn("Resolution interrupted", logfields.Branch(branch), logfields.Error(err))
			return res
		}
		res.State = StateFailed
		res.Detail = err.Error()
		if execx.IsTimeout(err) {
			slog.Error("Resolution timed out", logfields.Branch(branch), logfields.Error(err))
		} else {
			slog.Error("Resolution failed", logfields.Branch(branch), logfields.Error(err))
		}
		return res
	}
	if outcome.Skipped {
		res.State = StateSkipped
		res.Detail = "installer suppressed"
		return res
	}
	if !outcome.OK {
		res.State = StateFailed
		res.Detail = fmt.Sprintf("%s pass did not report success", outcome.Phase)
		slog.Error("Branch failed", logfields.Mirror(mir.Name), logfields.Project(project),
			logfields.Branch(branch), logfields.Phase(string(outcome.Phase)))
		// Full installer output goes to stderr for post-mortem; the log
		// line above stays terse.
		fmt.Fprintln(m.rawOut, outcome.RawOutput)
		return res
	}

	res.State = StateInstallResolved
	slog.Debug("Install pass resolved", logfields.Project(project),
		logfields.Branch(branch), logfields.State(string(StateInstallResolved)))

	res.State = StateDownloadCached
	res.Frozen = outcome.Frozen
	slog.Info("Branch cached", logfields.Mirror(mir.Name), logfields.Project(project),
		logfields.Branch(branch), logfields.Count(len(outcome.Frozen)))

	if m.opts.ExportPath != "" {
		content := strings.Join(outcome.Frozen, "\n") + "\n"
		if werr := os.WriteFile(m.opts.ExportPath, []byte(content), 0o644); werr != nil {
			slog.Warn("Failed to export frozen requirements",
				logfields.Path(m.opts.ExportPath), logfields.Error(werr))
		}
	}
	return res
}

// finishBranch records a terminal branch state in metrics, the runlog,
// and the notifier. Recording failures degrade to warnings.
func (m *Mirrorer) finishBranch(ctx context.Context, runID string, res branchResult) {
	switch res.State {
	case StateDownloadCached:
		m.recorder.IncBranchOutcome(res.Mirror, metrics.OutcomeCached)
	case StateSkipped:
		m.recorder.IncBranchOutcome(res.Mirror, metrics.OutcomeSkipped)
	case StateFailed:
		m.recorder.IncBranchOutcome(res.Mirror, metrics.OutcomeFailed)
		m.notifier.BranchFailed(runID, res.Mirror, res.Project, res.Branch, res.Detail)
	}

	if m.log == nil {
		return
	}
	rec := runlog.BranchRecord{
		RunID:   runID,
		Mirror:  res.Mirror,
		Project: res.Project,
		Branch:  res.Branch,
		State:   string(res.State),
		Detail:  res.Detail,
	}
	if len(res.Frozen) > 0 {
		rec.Frozen = strings.Join(res.Frozen, "\n") + "\n"
	}
	if err := m.log.RecordBranch(ctx, rec); err != nil {
		slog.Warn("Failed to record branch in runlog", logfields.Error(err))
	}
}

// publishMirror renders the source scope at the mirror output and the
// shared wheelhouse beneath the distro tag.
func (m *Mirrorer) publishMirror(ctx context.Context, mir config.Mirror) error {
	src, err := m.store.ListSource(mir.Name)
	if err != nil {
		return errors.Wrap(err, errors.CategoryPublication, "list source cache")
	}
	m.recorder.SetCacheEntries(mir.Name, "source", len(src))
	if err := m.publisher.Publish(src, mir.Output); err != nil {
		return errors.Wrap(err, errors.CategoryPublication, "publish source mirror")
	}

	wheels, err := m.store.ListWheels()
	if err != nil {
		return errors.Wrap(err, errors.CategoryPublication, "list wheelhouse")
	}
	m.recorder.SetCacheEntries(mir.Name, "wheel", len(wheels))
	if m.distro == "" {
		m.distro = m.publisher.DistroTag(ctx)
	}
	if err := m.publisher.Publish(wheels, filepath.Join(mir.Output, m.distro)); err != nil {
		return errors.Wrap(err, errors.CategoryPublication, "publish wheel mirror")
	}
	return nil
}

func (m *Mirrorer) recordRunStart(ctx context.Context, runID string, at time.Time) {
	if m.log == nil {
		return
	}
	if err := m.log.StartRun(ctx, runID, at); err != nil {
		slog.Warn("Failed to record run start", logfields.Error(err))
	}
}

func (m *Mirrorer) recordRunFinish(ctx context.Context, runID, status string, failed int) {
	if m.log == nil {
		return
	}
	if err := m.log.FinishRun(ctx, runID, status, failed, time.Now()); err != nil {
		slog.Warn("Failed to record run finish", logfields.Error(err))
	}
}

func (m *Mirrorer) writeMetricsTextfile() {
	if m.cfg.MetricsTextfile == "" || m.opts.Noop {
		return
	}
	dumper, ok := m.recorder.(metrics.TextfileDumper)
	if !ok {
		return
	}
	if err := metrics.WriteTextfile(dumper, m.cfg.MetricsTextfile); err != nil {
		slog.Warn("Failed to write metrics textfile",
			logfields.Path(m.cfg.MetricsTextfile), logfields.Error(err))
	}
}
