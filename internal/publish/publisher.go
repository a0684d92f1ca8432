// Package publish converts the artifact cache into a static, browsable
// mirror tree: a per-package page for every package, a flat list of every
// artifact, and a top-level package index. Binary artifacts are published
// beneath a distro-tagged subdirectory of the same destination so multiple
// platforms can share one output root.
package publish

import (
	"context"
	"crypto/md5"
	"fmt"
	"html/template"
	"io"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"git.home.luguber.info/inful/pipmirror/internal/atomicfile"
	"git.home.luguber.info/inful/pipmirror/internal/cache"
	"git.home.luguber.info/inful/pipmirror/internal/execx"
	"git.home.luguber.info/inful/pipmirror/internal/logfields"
)

var (
	pageHeader = template.Must(template.New("header").Parse(
		`<html><head><title>{{.Title}}</title></head><body><h1>PyPI Mirror</h1><h2>Last update: {{.Updated}}</h2>
`))
	pageFooter = template.Must(template.New("footer").Parse(
		`<p class='footer'>{{.Count}} packages mirrored.</p>
</body></html>
`))
	linkLine = template.Must(template.New("link").Parse(
		"<a href='{{.Href}}'>{{.Name}}</a><br />\n"))
	packagePage = template.Must(template.New("package").Parse(
		`<html><head><title>{{.Package}} &ndash; PyPI Mirror</title></head><body>
{{range .Links}}<a href='{{.Href}}'>{{.Name}}</a>
{{end}}</body></html>
`))
)

// Publisher renders cache scopes into static mirror trees.
type Publisher struct {
	runner execx.Runner
	now    func() time.Time
}

// New creates a Publisher. The runner is only used to identify the local
// distribution for the wheel mirror path.
func New(runner execx.Runner) *Publisher {
	return &Publisher{runner: runner, now: time.Now}
}

// WithClock overrides the timestamp source (tests).
func (p *Publisher) WithClock(now func() time.Time) *Publisher {
	p.now = now
	return p
}

// DistroTag identifies the local binary-artifact platform, namespacing the
// wheel mirror so differently-built binaries never collide. Computed once
// per run by the caller.
func (p *Publisher) DistroTag(ctx context.Context) string {
	res, err := p.runner.Run(ctx, execx.Spec{
		Program: "lsb_release",
		Args:    []string{"-i", "-r", "-s"},
		Timeout: 30 * time.Second,
	})
	if err != nil || res.Skipped || strings.TrimSpace(res.Combined) == "" {
		if err != nil {
			slog.Warn("Failed to identify distribution", logfields.Error(err))
		}
		return "unknown-distro"
	}
	tag := strings.TrimSpace(res.Combined)
	tag = strings.ReplaceAll(tag, "\n", "-")
	tag = strings.ReplaceAll(tag, " ", "-")
	return tag
}

// Publish renders the given cache entries beneath dest. Artifacts are
// copied into per-package directories with an md5 checksum computed in the
// same pass; every file lands via the atomic write primitive.
func (p *Publisher) Publish(entries []cache.Entry, dest string) error {
	index := groupByPackage(entries)
	packages := make([]string, 0, len(index))
	for pkg := range index {
		packages = append(packages, pkg)
	}
	sort.Strings(packages)

	if err := os.MkdirAll(dest, 0o755); err != nil {
		return fmt.Errorf("create destination %s: %w", dest, err)
	}

	updated := p.now().UTC().Format("Mon Jan _2 15:04:05 2006") + " UTC"
	artifactCount := 0
	var fullLinks []link

	for _, pkg := range packages {
		pkgDir := filepath.Join(dest, pkg)
		if err := os.MkdirAll(pkgDir, 0o755); err != nil {
			return fmt.Errorf("create package directory %s: %w", pkgDir, err)
		}

		arts := index[pkg]
		sort.Slice(arts, func(i, j int) bool { return arts[i].Filename < arts[j].Filename })

		var pkgLinks []link
		for _, entry := range arts {
			sum, err := copyArtifact(entry.Path, filepath.Join(pkgDir, entry.Filename))
			if err != nil {
				return err
			}
			safeName := url.PathEscape(entry.Filename)
			pkgLinks = append(pkgLinks, link{
				Href: template.URL(fmt.Sprintf("%s#md5=%s", safeName, sum)),
				Name: entry.Filename,
			})
			fullLinks = append(fullLinks, link{
				Href: template.URL(url.PathEscape(pkg) + "/" + safeName),
				Name: entry.Filename,
			})
			artifactCount++
		}

		err := atomicfile.WriteFile(filepath.Join(pkgDir, "index.html"), func(w io.Writer) error {
			return packagePage.Execute(w, struct {
				Package string
				Links   []link
			}{pkg, pkgLinks})
		})
		if err != nil {
			return err
		}
	}

	if err := p.writeListing(filepath.Join(dest, "full.html"), updated, fullLinks, artifactCount); err != nil {
		return err
	}

	pkgLinks := make([]link, 0, len(packages))
	for _, pkg := range packages {
		pkgLinks = append(pkgLinks, link{Href: template.URL(url.PathEscape(pkg)), Name: pkg})
	}
	if err := p.writeListing(filepath.Join(dest, "index.html"), updated, pkgLinks, artifactCount); err != nil {
		return err
	}

	slog.Info("Published mirror pages", logfields.Path(dest),
		slog.Int("packages", len(packages)), slog.Int("artifacts", artifactCount))
	return nil
}

type link struct {
	Href template.URL
	Name string
}

func (p *Publisher) writeListing(path, updated string, links []link, count int) error {
	return atomicfile.WriteFile(path, func(w io.Writer) error {
		if err := pageHeader.Execute(w, struct{ Title, Updated string }{"PyPI Mirror", updated}); err != nil {
			return err
		}
		for _, l := range links {
			if err := linkLine.Execute(w, l); err != nil {
				return err
			}
		}
		return pageFooter.Execute(w, struct{ Count int }{count})
	})
}

// copyArtifact copies a cache artifact into the published tree atomically,
// returning the md5 checksum of its contents for the link fragment. The
// checksum is md5 because that is what the installer verifies against.
func copyArtifact(srcPath, destPath string) (string, error) {
	src, err := os.Open(srcPath)
	if err != nil {
		return "", fmt.Errorf("open artifact %s: %w", srcPath, err)
	}
	defer src.Close()

	h := md5.New()
	err = atomicfile.WriteFile(destPath, func(w io.Writer) error {
		_, cerr := io.Copy(io.MultiWriter(w, h), src)
		return cerr
	})
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%x", h.Sum(nil)), nil
}

func groupByPackage(entries []cache.Entry) map[string][]cache.Entry {
	index := make(map[string][]cache.Entry)
	for _, e := range entries {
		index[e.Package] = append(index[e.Package], e)
	}
	return index
}
