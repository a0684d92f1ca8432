package mirror

import (
	"context"
	"crypto/md5"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.home.luguber.info/inful/pipmirror/internal/config"
	"git.home.luguber.info/inful/pipmirror/internal/errors"
	"git.home.luguber.info/inful/pipmirror/internal/execx"
	"git.home.luguber.info/inful/pipmirror/internal/gitrepo"
	"git.home.luguber.info/inful/pipmirror/internal/metrics"
	"git.home.luguber.info/inful/pipmirror/internal/reqfile"
	"git.home.luguber.info/inful/pipmirror/internal/runlog"
)

// newUpstream initializes a project with a pinned requirement on master
// and an "empty" branch carrying no requirement files at all.
func newUpstream(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	repo, err := git.PlainInit(dir, false)
	require.NoError(t, err)
	wt, err := repo.Worktree()
	require.NoError(t, err)
	sig := &object.Signature{Name: "tester", Email: "tester@example.org", When: time.Now()}

	require.NoError(t, os.WriteFile(filepath.Join(dir, "requirements.txt"), []byte("six==1.16.0\n"), 0o600))
	_, err = wt.Add("requirements.txt")
	require.NoError(t, err)
	_, err = wt.Commit("pin six", &git.CommitOptions{Author: sig})
	require.NoError(t, err)

	require.NoError(t, wt.Checkout(&git.CheckoutOptions{
		Branch: plumbing.NewBranchReferenceName("empty"),
		Create: true,
	}))
	_, err = wt.Remove("requirements.txt")
	require.NoError(t, err)
	_, err = wt.Commit("drop requirements", &git.CommitOptions{Author: sig})
	require.NoError(t, err)

	require.NoError(t, wt.Checkout(&git.CheckoutOptions{Branch: plumbing.NewBranchReferenceName("master")}))
	return dir
}

// newBareProject initializes a project that never had requirement files.
func newBareProject(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	repo, err := git.PlainInit(dir, false)
	require.NoError(t, err)
	wt, err := repo.Worktree()
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("docs only\n"), 0o600))
	_, err = wt.Add("README.md")
	require.NoError(t, err)
	sig := &object.Signature{Name: "tester", Email: "tester@example.org", When: time.Now()}
	_, err = wt.Commit("initial", &git.CommitOptions{Author: sig})
	require.NoError(t, err)
	return dir
}

func newConfig(t *testing.T, project, output string) *config.Config {
	t.Helper()
	return &config.Config{
		CacheRoot: t.TempDir(),
		Mirrors: []config.Mirror{{
			Name:     "openstack",
			Projects: []string{project},
			Output:   output,
		}},
		Timeouts: config.Timeouts{
			Git: config.Duration(time.Minute),
			Pip: config.Duration(time.Minute),
		},
	}
}

// installerFake scripts a healthy two-pass resolution and materializes a
// six source distribution in the cache the way the download pass would.
func installerFake(cfg *config.Config, artifact []byte) *execx.FakeRunner {
	fake := &execx.FakeRunner{Responses: []execx.FakeResponse{
		{Match: "lsb_release", Output: "Ubuntu\n14.04\n"},
		{Match: "freeze", Output: "six==1.16.0\n"},
		{Match: " wheel ", Output: ""},
		{Match: "--no-install", Output: "Downloading six\nSuccessfully downloaded six\n"},
		{Match: "-r ", Output: "Installing collected packages\nSuccessfully installed six\n"},
	}}
	fake.OnRun = func(spec execx.Spec) {
		line := spec.Program + " " + strings.Join(spec.Args, " ")
		if !strings.Contains(line, "--no-install") {
			return
		}
		key := reqfile.QuoteFilename("https://pypi.example.org/packages/source/s/six/six-1.16.0.tar.gz")
		path := filepath.Join(cfg.CacheRoot, "pip", "openstack", key)
		_ = os.WriteFile(path, artifact, 0o600)
	}
	return fake
}

type recordingNotifier struct {
	started  []string
	failed   []string
	finished []string
}

func (r *recordingNotifier) RunStarted(runID string) { r.started = append(r.started, runID) }
func (r *recordingNotifier) BranchFailed(runID, mirror, project, branch, detail string) {
	r.failed = append(r.failed, branch+": "+detail)
}
func (r *recordingNotifier) RunFinished(runID, status string, failedBranches int) {
	r.finished = append(r.finished, status)
}
func (r *recordingNotifier) Close() {}

func TestRunEndToEnd(t *testing.T) {
	upstream := newUpstream(t)
	output := t.TempDir()
	cfg := newConfig(t, upstream, output)
	cfg.MetricsTextfile = filepath.Join(t.TempDir(), "pipmirror.prom")

	artifact := []byte("six source dist")
	fake := installerFake(cfg, artifact)

	log, err := runlog.Open(":memory:")
	require.NoError(t, err)
	defer log.Close()

	export := filepath.Join(t.TempDir(), "frozen.txt")
	m := New(cfg, Options{ExportPath: export}).
		WithRunner(fake).
		WithRecorder(metrics.NewPrometheusRecorder()).
		WithRunlog(log)

	summary, err := m.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.CachedBranches)
	assert.Equal(t, 1, summary.SkippedBranches)
	assert.Equal(t, 0, summary.FailedBranches)

	// The downloaded artifact is published with an md5 fragment link.
	sum := fmt.Sprintf("%x", md5.Sum(artifact))
	pkgPage, err := os.ReadFile(filepath.Join(output, "six", "index.html"))
	require.NoError(t, err)
	assert.Contains(t, string(pkgPage), "six-1.16.0.tar.gz#md5="+sum)
	assert.FileExists(t, filepath.Join(output, "six", "six-1.16.0.tar.gz"))

	indexPage, err := os.ReadFile(filepath.Join(output, "index.html"))
	require.NoError(t, err)
	assert.Contains(t, string(indexPage), ">six<")

	fullPage, err := os.ReadFile(filepath.Join(output, "full.html"))
	require.NoError(t, err)
	assert.Contains(t, string(fullPage), "six-1.16.0.tar.gz")

	// The wheel mirror lands beneath the distro tag.
	assert.FileExists(t, filepath.Join(output, "Ubuntu-14.04", "index.html"))

	// Export carries the frozen set of the resolved branch.
	exported, err := os.ReadFile(export)
	require.NoError(t, err)
	assert.Equal(t, "six==1.16.0\n", string(exported))

	// Branch history landed in the runlog, empty branch first (sorted).
	records, err := log.BranchesForRun(context.Background(), summary.RunID)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "origin/empty", records[0].Branch)
	assert.Equal(t, string(StateSkipped), records[0].State)
	assert.Equal(t, "origin/master", records[1].Branch)
	assert.Equal(t, string(StateDownloadCached), records[1].State)
	assert.Contains(t, records[1].Frozen, "six==1.16.0")

	runs, err := log.RecentRuns(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "healthy", runs[0].Status)

	// Metrics were dumped for the textfile collector.
	prom, err := os.ReadFile(cfg.MetricsTextfile)
	require.NoError(t, err)
	assert.Contains(t, string(prom), "pipmirror_branch_outcomes_total")

	// The run lock is gone.
	assert.NoFileExists(t, filepath.Join(cfg.CacheRoot, "pipmirror.lock"))
}

func TestRunAbortsWhenLockHeld(t *testing.T) {
	cfg := newConfig(t, newBareProject(t), t.TempDir())
	require.NoError(t, os.MkdirAll(cfg.CacheRoot, 0o750))
	require.NoError(t, os.WriteFile(filepath.Join(cfg.CacheRoot, "pipmirror.lock"), []byte("12345\n"), 0o644))

	m := New(cfg, Options{}).WithRunner(&execx.FakeRunner{})
	_, err := m.Run(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryLock))
}

func TestFailedInstallIsolatesBranch(t *testing.T) {
	upstream := newUpstream(t)
	output := t.TempDir()
	cfg := newConfig(t, upstream, output)

	fake := &execx.FakeRunner{Responses: []execx.FakeResponse{
		{Match: "lsb_release", Output: "Ubuntu\n14.04\n"},
		{Match: " wheel ", Output: ""},
		{Match: "-r ", Output: "error: metadata generation failed\n"},
	}}

	var raw strings.Builder
	notifier := &recordingNotifier{}
	m := New(cfg, Options{}).
		WithRunner(fake).
		WithNotifier(notifier).
		WithRawOutput(&raw)

	summary, err := m.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.FailedBranches)
	assert.Equal(t, 1, summary.SkippedBranches)

	// Raw installer output surfaced for post-mortem.
	assert.Contains(t, raw.String(), "metadata generation failed")

	// The failure was announced and the run still finished.
	require.Len(t, notifier.started, 1)
	require.Len(t, notifier.failed, 1)
	assert.Contains(t, notifier.failed[0], "origin/master")
	require.Len(t, notifier.finished, 1)
	assert.Equal(t, "partial", notifier.finished[0])

	// Publication still happened for whatever the cache holds.
	assert.FileExists(t, filepath.Join(output, "index.html"))
}

func TestBranchRestriction(t *testing.T) {
	upstream := newUpstream(t)
	cfg := newConfig(t, upstream, t.TempDir())
	fake := installerFake(cfg, []byte("six source dist"))

	m := New(cfg, Options{Branch: "master", NoProcess: true}).WithRunner(fake)
	summary, err := m.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.CachedBranches)
	assert.Equal(t, 0, summary.SkippedBranches)
}

func TestBranchWithoutRequirementsRunsNoInstaller(t *testing.T) {
	cfg := newConfig(t, newBareProject(t), t.TempDir())
	fake := &execx.FakeRunner{}

	m := New(cfg, Options{NoProcess: true}).WithRunner(fake)
	summary, err := m.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.SkippedBranches)
	assert.Empty(t, fake.CallLines())
}

func TestNoDownloadOnlyPublishes(t *testing.T) {
	upstream := newUpstream(t)
	output := t.TempDir()
	cfg := newConfig(t, upstream, output)
	fake := &execx.FakeRunner{Responses: []execx.FakeResponse{
		{Match: "lsb_release", Output: "Ubuntu\n14.04\n"},
	}}

	m := New(cfg, Options{NoDownload: true}).WithRunner(fake)
	summary, err := m.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, summary.CachedBranches+summary.SkippedBranches+summary.FailedBranches)

	for _, line := range fake.CallLines() {
		assert.NotContains(t, line, "install")
	}
	assert.FileExists(t, filepath.Join(output, "index.html"))
}

func TestNoProcessSkipsPublish(t *testing.T) {
	upstream := newUpstream(t)
	output := t.TempDir()
	cfg := newConfig(t, upstream, output)
	fake := installerFake(cfg, []byte("six source dist"))

	m := New(cfg, Options{NoProcess: true}).WithRunner(fake)
	_, err := m.Run(context.Background())
	require.NoError(t, err)
	assert.NoFileExists(t, filepath.Join(output, "index.html"))
}

func TestNoopRunMutatesNothing(t *testing.T) {
	upstream := newUpstream(t)
	output := filepath.Join(t.TempDir(), "out")
	cfg := newConfig(t, upstream, output)
	cfg.CacheRoot = filepath.Join(t.TempDir(), "cache")
	cfg.MetricsTextfile = filepath.Join(t.TempDir(), "pipmirror.prom")

	m := New(cfg, Options{Noop: true}).WithRecorder(metrics.NewPrometheusRecorder())
	summary, err := m.Run(context.Background())
	require.NoError(t, err)
	assert.Zero(t, summary.FailedBranches)

	// Dry run: no cache root, no lock, no published pages, no metrics
	// dump.
	assert.NoDirExists(t, cfg.CacheRoot)
	assert.NoDirExists(t, output)
	assert.NoFileExists(t, cfg.MetricsTextfile)
}

func TestNoopRunPreservesExistingCache(t *testing.T) {
	upstream := newUpstream(t)
	output := filepath.Join(t.TempDir(), "out")
	cfg := newConfig(t, upstream, output)
	fake := installerFake(cfg, []byte("six source dist"))

	// A real run first, so the cache holds a clone and an artifact.
	_, err := New(cfg, Options{NoProcess: true}).WithRunner(fake).Run(context.Background())
	require.NoError(t, err)
	cached := filepath.Join(cfg.CacheRoot, "pip", "openstack",
		reqfile.QuoteFilename("https://pypi.example.org/packages/source/s/six/six-1.16.0.tar.gz"))
	require.FileExists(t, cached)

	summary, err := New(cfg, Options{Noop: true}).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, summary.SkippedBranches)

	// The dry run touched neither the cache nor the output tree.
	assert.FileExists(t, cached)
	assert.NoDirExists(t, output)
	assert.NoFileExists(t, filepath.Join(cfg.CacheRoot, "pipmirror.lock"))
}

func TestNoUpdateStillClones(t *testing.T) {
	upstream := newUpstream(t)
	cfg := newConfig(t, upstream, t.TempDir())
	fake := installerFake(cfg, []byte("six source dist"))

	m := New(cfg, Options{NoUpdate: true, NoProcess: true}).WithRunner(fake)
	summary, err := m.Run(context.Background())
	require.NoError(t, err)

	// --no-update leaves the worktree alone but repositories are still
	// cloned, so branches are discovered and resolve from the default
	// worktree state.
	assert.DirExists(t, filepath.Join(cfg.CacheRoot, "projects", gitrepo.ShortName(upstream), ".git"))
	assert.Equal(t, 2, summary.CachedBranches)
}

func TestInterruptedBranchIsNotFailed(t *testing.T) {
	upstream := newUpstream(t)
	cfg := newConfig(t, upstream, t.TempDir())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	fake := &execx.FakeRunner{Responses: []execx.FakeResponse{
		{Match: "virtualenv", Err: context.Canceled},
	}}
	fake.OnRun = func(spec execx.Spec) {
		if spec.Program == "virtualenv" {
			cancel()
		}
	}

	notifier := &recordingNotifier{}
	m := New(cfg, Options{Branch: "master", NoProcess: true}).
		WithRunner(fake).
		WithNotifier(notifier)

	summary, err := m.Run(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.True(t, errors.IsCategory(err, errors.CategoryInternal))

	// A branch cut short by the interrupt is not a genuine failure: no
	// failure count and no branch-failed notification.
	assert.Equal(t, 0, summary.FailedBranches)
	assert.Equal(t, 1, summary.SkippedBranches)
	assert.Empty(t, notifier.failed)
	require.Len(t, notifier.finished, 1)
	assert.Equal(t, "interrupted", notifier.finished[0])
}

func TestCanceledRunStopsBeforeNextProject(t *testing.T) {
	first := newUpstream(t)
	second := newUpstream(t)
	output := filepath.Join(t.TempDir(), "out")
	cfg := newConfig(t, first, output)
	cfg.Mirrors[0].Projects = []string{first, second}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	fake := installerFake(cfg, []byte("six source dist"))
	seeded := fake.OnRun
	fake.OnRun = func(spec execx.Spec) {
		seeded(spec)
		if strings.Contains(strings.Join(spec.Args, " "), "--no-use-wheel") {
			cancel()
		}
	}

	m := New(cfg, Options{}).WithRunner(fake)
	summary, err := m.Run(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)

	// The interrupt lands during the first project; the second is never
	// cloned, nothing is published, and no branch is marked failed.
	assert.Equal(t, 0, summary.FailedBranches)
	assert.NoDirExists(t, filepath.Join(cfg.CacheRoot, "projects", gitrepo.ShortName(second)))
	assert.NoDirExists(t, output)
}
