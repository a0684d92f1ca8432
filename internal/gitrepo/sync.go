// Package gitrepo keeps the long-lived project working trees in sync with
// their remotes and prepares branches for requirement scanning.
package gitrepo

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/go-git/go-git/v5"
	gitcfg "github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"

	"git.home.luguber.info/inful/pipmirror/internal/errors"
	"git.home.luguber.info/inful/pipmirror/internal/logfields"
)

// Synchronizer clones and updates project repositories under a shared
// projects directory.
type Synchronizer struct {
	projectsDir string
	timeout     time.Duration
	noop        bool
}

// NewSynchronizer creates a Synchronizer storing working trees under
// projectsDir. Remote operations are bounded by timeout.
func NewSynchronizer(projectsDir string, timeout time.Duration, noop bool) *Synchronizer {
	return &Synchronizer{projectsDir: projectsDir, timeout: timeout, noop: noop}
}

// ShortName derives the working-tree directory name from a clone URL:
// the last path segment with any .git suffix stripped.
func ShortName(url string) string {
	short := url[strings.LastIndex(url, "/")+1:]
	return strings.TrimSuffix(short, ".git")
}

// WorktreePath returns where a project's working tree lives.
func (s *Synchronizer) WorktreePath(url string) string {
	return filepath.Join(s.projectsDir, ShortName(url))
}

// Sync ensures a local working tree exists for url (cloning if absent) and
// fetches updates from origin, pruning stale remote-tracking branches.
// Failure is fatal for this project only.
func (s *Synchronizer) Sync(ctx context.Context, url string) (string, error) {
	repoPath := s.WorktreePath(url)

	if s.noop {
		slog.Info("Would sync repository (noop)", logfields.URL(url), logfields.Path(repoPath))
		return repoPath, nil
	}

	opCtx, cancel := s.bound(ctx)
	defer cancel()

	if _, err := os.Stat(filepath.Join(repoPath, ".git")); os.IsNotExist(err) {
		slog.Info("Cloning repository", logfields.URL(url), logfields.Path(repoPath))
		if _, err := git.PlainCloneContext(opCtx, repoPath, false, &git.CloneOptions{URL: url}); err != nil {
			return "", s.classify(opCtx, err, fmt.Sprintf("clone %s", url))
		}
	}

	repo, err := git.PlainOpen(repoPath)
	if err != nil {
		return "", errors.Wrap(err, errors.CategoryRepository, fmt.Sprintf("open %s", repoPath))
	}

	fetchOpts := &git.FetchOptions{
		RemoteName: "origin",
		Prune:      true,
		Tags:       git.NoTags,
		RefSpecs:   []gitcfg.RefSpec{"+refs/heads/*:refs/remotes/origin/*"},
	}
	if err := repo.FetchContext(opCtx, fetchOpts); err != nil && !stderrors.Is(err, git.NoErrAlreadyUpToDate) {
		return "", s.classify(opCtx, err, fmt.Sprintf("fetch %s", url))
	}
	return repoPath, nil
}

// ListRemoteBranches returns the ordered remote branch names (origin/x)
// of a working tree, excluding the symbolic origin/HEAD pointer.
func (s *Synchronizer) ListRemoteBranches(repoPath string) ([]string, error) {
	repo, err := git.PlainOpen(repoPath)
	if err != nil {
		if s.noop {
			// Nothing was cloned in noop mode; there is nothing to list.
			return nil, nil
		}
		return nil, errors.Wrap(err, errors.CategoryRepository, fmt.Sprintf("open %s", repoPath))
	}

	refs, err := repo.References()
	if err != nil {
		return nil, errors.Wrap(err, errors.CategoryRepository, "list references")
	}

	const remotePrefix = "refs/remotes/"
	var branches []string
	err = refs.ForEach(func(ref *plumbing.Reference) error {
		name := ref.Name().String()
		if !strings.HasPrefix(name, remotePrefix+"origin/") {
			return nil
		}
		if ref.Type() == plumbing.SymbolicReference || strings.HasSuffix(name, "/HEAD") {
			return nil
		}
		branches = append(branches, strings.TrimPrefix(name, remotePrefix))
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, errors.CategoryRepository, "iterate references")
	}
	sort.Strings(branches)
	return branches, nil
}

// CheckoutBranch moves the working tree to the given remote branch
// (origin/x) via hard reset, then forcibly cleans untracked files and
// directories so stale build leftovers never leak between branches.
func (s *Synchronizer) CheckoutBranch(repoPath, branch string) error {
	if s.noop {
		slog.Info("Would checkout branch (noop)", logfields.Path(repoPath), logfields.Branch(branch))
		return nil
	}

	repo, err := git.PlainOpen(repoPath)
	if err != nil {
		return errors.Wrap(err, errors.CategoryRepository, fmt.Sprintf("open %s", repoPath))
	}
	ref, err := repo.Reference(plumbing.ReferenceName("refs/remotes/"+branch), true)
	if err != nil {
		return errors.Wrap(err, errors.CategoryRepository, fmt.Sprintf("resolve %s", branch))
	}
	wt, err := repo.Worktree()
	if err != nil {
		return errors.Wrap(err, errors.CategoryRepository, "worktree")
	}
	if err := wt.Reset(&git.ResetOptions{Commit: ref.Hash(), Mode: git.HardReset}); err != nil {
		return errors.Wrap(err, errors.CategoryRepository, fmt.Sprintf("hard reset to %s", branch))
	}
	if err := wt.Clean(&git.CleanOptions{Dir: true}); err != nil {
		return errors.Wrap(err, errors.CategoryRepository, "clean untracked files")
	}
	slog.Debug("Checked out branch", logfields.Path(repoPath), logfields.Branch(branch),
		slog.String("commit", ref.Hash().String()[:8]))
	return nil
}

func (s *Synchronizer) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout > 0 {
		return context.WithTimeout(ctx, s.timeout)
	}
	return ctx, func() {}
}

func (s *Synchronizer) classify(ctx context.Context, err error, op string) error {
	if ctx.Err() == context.DeadlineExceeded {
		return errors.WrapTimeout(err, errors.CategoryRepository, op)
	}
	return errors.Wrap(err, errors.CategoryRepository, op)
}
