// Package sandbox builds disposable installer environments and drives the
// two-phase resolution: an install pass that materializes the full
// transitive dependency set, then a download-only pass that populates the
// artifact cache without installing. The installer itself is a black box;
// only its command line and output markers are contracted here.
package sandbox

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"git.home.luguber.info/inful/pipmirror/internal/cache"
	"git.home.luguber.info/inful/pipmirror/internal/execx"
	"git.home.luguber.info/inful/pipmirror/internal/logfields"
	"git.home.luguber.info/inful/pipmirror/internal/pkgmeta"
	"git.home.luguber.info/inful/pipmirror/internal/reqfile"
)

// Bootstrap packaging tools. The upgrade set is installed fresh into every
// sandbox; the wheel set is additionally pre-built into the shared
// wheelhouse so later sandbox constructions reuse the binaries.
var (
	bootstrapUpgrade = []string{"pip", "wheel", "virtualenv"}
	bootstrapWheels  = []string{"pip", "setuptools", "distribute", "virtualenv"}
	downloadUpgrade  = []string{"pip", "wheel"}
)

// Sandbox resolves one branch's requirements inside a per-run working
// directory. Create one per branch; the containing workspace is removed at
// run end regardless of success.
type Sandbox struct {
	runner     execx.Runner
	store      *cache.Cache
	mirrorName string
	workDir    string
	timeout    time.Duration
	noop       bool
}

// New creates a Sandbox operating in workDir with the given cache scope.
// With noop set, Resolve only logs what it would do.
func New(runner execx.Runner, store *cache.Cache, mirrorName, workDir string, timeout time.Duration, noop bool) *Sandbox {
	return &Sandbox{
		runner:     runner,
		store:      store,
		mirrorName: mirrorName,
		workDir:    workDir,
		timeout:    timeout,
		noop:       noop,
	}
}

func (s *Sandbox) venvDir() string  { return filepath.Join(s.workDir, "venv") }
func (s *Sandbox) buildDir() string { return filepath.Join(s.workDir, "build") }
func (s *Sandbox) reqsPath() string { return filepath.Join(s.workDir, "reqs") }
func (s *Sandbox) pip() string      { return filepath.Join(s.venvDir(), "bin", "pip") }

// Resolve runs the full two-phase resolution for the given requirement
// files. A nil error with Outcome.OK false means the installer ran but did
// not indicate success; the raw output is carried for diagnostics.
func (s *Sandbox) Resolve(ctx context.Context, reqFiles []string) (*Outcome, error) {
	// Noop stops before the first mutation: no eviction, no temp files,
	// no sandbox construction.
	if s.noop {
		slog.Info("Would resolve requirements (noop)",
			logfields.Mirror(s.mirrorName), logfields.Count(len(reqFiles)))
		return skipped(PhaseInstall), nil
	}

	// Fresh environment seeded from the source cache as an extra package
	// source, plus bootstrap tooling.
	if err := s.buildEnv(ctx); err != nil {
		return nil, err
	}
	if err := s.upgradeInto(ctx, bootstrapUpgrade); err != nil {
		return nil, err
	}
	if err := s.prebuildWheels(ctx, bootstrapWheels); err != nil {
		return nil, err
	}
	if err := s.removeBuildDir(); err != nil {
		return nil, err
	}

	// Strip direct URL references and force their re-fetch by evicting
	// the matching cache entries before the pass runs.
	filtered, err := reqfile.FilterURLRequirements(reqFiles)
	if err != nil {
		return nil, err
	}
	for _, key := range filtered.URLKeys {
		if err := s.store.EvictURL(s.mirrorName, key); err != nil {
			return nil, err
		}
	}
	effective, err := s.writeTempReqs("reqs-effective", filtered.Requirements)
	if err != nil {
		return nil, err
	}

	// Best effort: pre-build wheels for the whole set. Failures here do
	// not gate resolution.
	if _, err := s.pipWheelFile(ctx, effective); err != nil {
		slog.Warn("Wheel pre-build failed", logfields.Error(err))
	}

	// Install pass.
	res, err := s.pipInstallFile(ctx, effective, false)
	if err != nil {
		return nil, err
	}
	if res.Skipped {
		return skipped(PhaseInstall), nil
	}
	if !strings.Contains(res.Combined, installedMarker) {
		return failure(PhaseInstall, res.Combined), nil
	}

	// Capture the resolved transitive set: freeze plus anything built
	// locally in the build directory that freeze does not report.
	frozen, err := s.captureFrozen(ctx)
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(s.reqsPath(), []byte(strings.Join(frozen, "\n")+"\n"), 0o600); err != nil {
		return nil, fmt.Errorf("write frozen requirements: %w", err)
	}

	// Fresh sandbox for the download-only pass; the frozen set already
	// resolved, so nothing is excluded this time.
	if err := s.buildEnv(ctx); err != nil {
		return nil, err
	}
	if err := s.upgradeInto(ctx, downloadUpgrade); err != nil {
		return nil, err
	}
	if err := s.removeBuildDir(); err != nil {
		return nil, err
	}
	if _, err := s.pipWheelFile(ctx, s.reqsPath()); err != nil {
		slog.Warn("Wheel pre-build failed", logfields.Error(err))
	}

	res, err = s.pipInstallFile(ctx, s.reqsPath(), true)
	if err != nil {
		return nil, err
	}
	if res.Skipped {
		return skipped(PhaseDownload), nil
	}
	if !strings.Contains(res.Combined, downloadedMarker) {
		return failure(PhaseDownload, res.Combined), nil
	}
	return success(frozen), nil
}

// buildEnv constructs a clean virtualenv seeded from the source cache.
func (s *Sandbox) buildEnv(ctx context.Context) error {
	_, err := s.run(ctx, "virtualenv",
		"--clear",
		"--extra-search-dir="+s.store.SourceDir(s.mirrorName),
		s.venvDir(),
	)
	if err != nil {
		return fmt.Errorf("construct sandbox: %w", err)
	}
	return nil
}

// upgradeInto upgrades the installer toolchain inside the sandbox.
func (s *Sandbox) upgradeInto(ctx context.Context, pkgs []string) error {
	for _, pkg := range pkgs {
		_, err := s.run(ctx, s.pip(), "install", "-U",
			"--exists-action=w",
			"--download-cache="+s.store.SourceDir(s.mirrorName),
			"--build", s.buildDir(),
			"-f", s.store.WheelhouseDir(),
			pkg,
		)
		if err != nil {
			return fmt.Errorf("upgrade %s: %w", pkg, err)
		}
	}
	return nil
}

// prebuildWheels builds binary artifacts for individual packages into the
// shared wheelhouse.
func (s *Sandbox) prebuildWheels(ctx context.Context, pkgs []string) error {
	for _, pkg := range pkgs {
		_, err := s.run(ctx, s.pip(), "wheel",
			"--download-cache="+s.store.SourceDir(s.mirrorName),
			"-f", s.store.WheelhouseDir(),
			"--wheel-dir", s.store.WheelhouseDir(),
			pkg,
		)
		if err != nil {
			return fmt.Errorf("wheel %s: %w", pkg, err)
		}
	}
	return nil
}

// pipWheelFile builds wheels for a whole requirements file.
func (s *Sandbox) pipWheelFile(ctx context.Context, file string) (*execx.Result, error) {
	return s.run(ctx, s.pip(), "wheel",
		"--download-cache="+s.store.SourceDir(s.mirrorName),
		"--wheel-dir", s.store.WheelhouseDir(),
		"-f", s.store.WheelhouseDir(),
		"-r", file,
	)
}

// pipInstallFile runs the install pass, or the download-only pass when
// downloadOnly is set. The command shape mirrors the wrapped installer's
// expectations; only --no-install distinguishes the passes.
func (s *Sandbox) pipInstallFile(ctx context.Context, file string, downloadOnly bool) (*execx.Result, error) {
	args := []string{"install", "-U"}
	if downloadOnly {
		args = append(args, "--no-install")
	}
	args = append(args,
		"--exists-action=w",
		"--download-cache="+s.store.SourceDir(s.mirrorName),
		"--build", s.buildDir(),
		"-f", s.store.WheelhouseDir(),
		"--no-use-wheel",
		"-r", file,
	)
	return s.run(ctx, s.pip(), args...)
}

// captureFrozen merges pip freeze output with package metadata left behind
// in the build directory by locally-built packages. Frozen entries win,
// keyed by package name; the result is sorted for stable exports.
func (s *Sandbox) captureFrozen(ctx context.Context) ([]string, error) {
	res, err := s.run(ctx, s.pip(), "freeze", "-l")
	if err != nil {
		return nil, fmt.Errorf("freeze: %w", err)
	}

	merged := make(map[string]string)
	built, err := pkgmeta.FindBuildPackages(s.buildDir())
	if err != nil {
		return nil, err
	}
	for name, req := range built {
		merged[name] = req
	}
	for _, line := range strings.Split(res.Combined, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(line, "-e "):
			merged[line] = line
		case strings.Contains(line, "==") && !strings.Contains(line, " "):
			name, _, _ := strings.Cut(line, "==")
			merged[name] = line
		}
	}

	frozen := make([]string, 0, len(merged))
	for _, req := range merged {
		frozen = append(frozen, req)
	}
	sort.Strings(frozen)
	return frozen, nil
}

func (s *Sandbox) writeTempReqs(name string, reqs []string) (string, error) {
	path := filepath.Join(s.workDir, name)
	if err := os.WriteFile(path, []byte(strings.Join(reqs, "\n")+"\n"), 0o600); err != nil {
		return "", fmt.Errorf("write requirements file: %w", err)
	}
	return path, nil
}

func (s *Sandbox) removeBuildDir() error {
	if err := os.RemoveAll(s.buildDir()); err != nil {
		return fmt.Errorf("remove build directory: %w", err)
	}
	return nil
}

func (s *Sandbox) run(ctx context.Context, program string, args ...string) (*execx.Result, error) {
	return s.runner.Run(ctx, execx.Spec{
		Program: program,
		Args:    args,
		Timeout: s.timeout,
	})
}
