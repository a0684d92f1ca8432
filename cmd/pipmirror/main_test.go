package main

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.home.luguber.info/inful/pipmirror/internal/config"
	"git.home.luguber.info/inful/pipmirror/internal/mirror"
)

func TestBuildMirrorerOpensRunlog(t *testing.T) {
	cfg := &config.Config{CacheRoot: t.TempDir()}

	m, cleanup := buildMirrorer(cfg, mirror.Options{})
	require.NotNil(t, m)
	defer cleanup()

	// The run history database is attached for every run, scheduled ones
	// included.
	assert.FileExists(t, filepath.Join(cfg.CacheRoot, "runlog.db"))
}

func TestBuildMirrorerNoopCreatesNothing(t *testing.T) {
	cfg := &config.Config{CacheRoot: filepath.Join(t.TempDir(), "cache")}

	m, cleanup := buildMirrorer(cfg, mirror.Options{Noop: true})
	require.NotNil(t, m)
	cleanup()

	assert.NoDirExists(t, cfg.CacheRoot)
}

func TestRunOnceNoopLeavesNoTrace(t *testing.T) {
	output := filepath.Join(t.TempDir(), "out")
	cfg := &config.Config{
		CacheRoot: filepath.Join(t.TempDir(), "cache"),
		Mirrors: []config.Mirror{{
			Name:     "openstack",
			Projects: []string{"https://git.example.org/openstack/requirements"},
			Output:   output,
		}},
	}

	summary, err := runOnce(context.Background(), cfg, mirror.Options{Noop: true})
	require.NoError(t, err)
	assert.Zero(t, summary.FailedBranches)
	assert.NoDirExists(t, cfg.CacheRoot)
	assert.NoDirExists(t, output)
}
