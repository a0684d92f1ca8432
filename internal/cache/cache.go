// Package cache manages the persistent artifact store shared across runs:
// a per-mirror source-artifact scope and one wheelhouse of built binary
// artifacts shared by every mirror. Entries are keyed by filename, so
// re-downloading an artifact overwrites the same key and duplicates cannot
// accumulate.
package cache

import (
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"git.home.luguber.info/inful/pipmirror/internal/logfields"
	"git.home.luguber.info/inful/pipmirror/internal/reqfile"
)

// contentTypeSuffix marks the sidecar files the installer writes next to
// some downloads. They are metadata, never published.
const contentTypeSuffix = ".content-type"

// Cache is rooted at the configured cache-root directory.
type Cache struct {
	root string
}

// New creates a Cache over root. No filesystem work happens until
// EnsureDirs.
func New(root string) *Cache {
	return &Cache{root: root}
}

// Root returns the cache root directory.
func (c *Cache) Root() string { return c.root }

// ProjectsDir holds the long-lived git working trees.
func (c *Cache) ProjectsDir() string { return filepath.Join(c.root, "projects") }

// SourceDir is the per-mirror source-artifact scope.
func (c *Cache) SourceDir(mirror string) string {
	return filepath.Join(c.root, "pip", mirror)
}

// WheelhouseDir is the shared binary-artifact scope.
func (c *Cache) WheelhouseDir() string { return filepath.Join(c.root, "wheelhouse") }

// EnsureDirs creates the cache directories for a mirror. Failure here is
// fatal for the run: nothing downstream can operate without the cache.
func (c *Cache) EnsureDirs(mirror string) error {
	for _, dir := range []string{c.ProjectsDir(), c.SourceDir(mirror), c.WheelhouseDir()} {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return fmt.Errorf("create cache directory %s: %w", dir, err)
		}
	}
	return nil
}

// Entry is one cache artifact prepared for publication.
type Entry struct {
	// Path is the absolute location of the artifact in the cache.
	Path string
	// Package is the inferred package name used for index grouping.
	Package string
	// Filename is the artifact name a published link points at.
	Filename string
}

// ListSource enumerates the source scope for a mirror. Sidecar files are
// skipped; entries whose decoded name does not yield a package directory
// are silently excluded from publication.
func (c *Cache) ListSource(mirror string) ([]Entry, error) {
	dir := c.SourceDir(mirror)
	names, err := readNames(dir)
	if err != nil {
		return nil, err
	}

	var entries []Entry
	for _, name := range names {
		if strings.HasSuffix(name, contentTypeSuffix) {
			continue
		}
		decoded := reqfile.UnquoteFilename(name)
		// The ? accounts for sourceforge-style download URLs.
		tarball, _, _ := strings.Cut(path.Base(decoded), "?")
		pkg := packageFromDecodedPath(decoded)
		if pkg == "" {
			slog.Debug("Skipping unindexable cache entry", logfields.Name(name))
			continue
		}
		entries = append(entries, Entry{
			Path:     filepath.Join(dir, name),
			Package:  pkg,
			Filename: tarball,
		})
	}
	return entries, nil
}

// ListWheels enumerates the shared wheelhouse. Wheel filenames start with
// the package name, underscores standing in for dashes.
func (c *Cache) ListWheels() ([]Entry, error) {
	dir := c.WheelhouseDir()
	names, err := readNames(dir)
	if err != nil {
		return nil, err
	}

	var entries []Entry
	for _, name := range names {
		pkg, _, _ := strings.Cut(name, "-")
		pkg = strings.ReplaceAll(pkg, "_", "-")
		if pkg == "" {
			continue
		}
		entries = append(entries, Entry{
			Path:     filepath.Join(dir, name),
			Package:  pkg,
			Filename: name,
		})
	}
	return entries, nil
}

// EvictURL removes a URL-referenced entry and its sidecar from the source
// scope so the next resolution pass re-fetches it. Missing entries are fine.
func (c *Cache) EvictURL(mirror, key string) error {
	target := filepath.Join(c.SourceDir(mirror), key)
	for _, p := range []string{target, target + contentTypeSuffix} {
		if err := os.Remove(p); err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return fmt.Errorf("evict %s: %w", p, err)
		}
		slog.Debug("Evicted cached URL artifact", logfields.Path(p))
	}
	return nil
}

// packageFromDecodedPath infers the package name from the directory part of
// a decoded download URL (simple-index layout: .../<package>/<tarball>).
func packageFromDecodedPath(decoded string) string {
	dir := path.Dir(decoded)
	if dir == "." || dir == "/" {
		return ""
	}
	pkg := path.Base(dir)
	if pkg == "." || pkg == "/" {
		return ""
	}
	return pkg
}

func readNames(dir string) ([]string, error) {
	dirents, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list cache directory %s: %w", dir, err)
	}
	names := make([]string, 0, len(dirents))
	for _, d := range dirents {
		if d.IsDir() {
			continue
		}
		names = append(names, d.Name())
	}
	sort.Strings(names)
	return names, nil
}
