package schedule

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.home.luguber.info/inful/pipmirror/internal/config"
	"git.home.luguber.info/inful/pipmirror/internal/mirror"
)

func writeConfig(t *testing.T, path, mirrorName string) {
	t.Helper()
	content := `cache-root: /var/cache/pipmirror
mirrors:
  - name: ` + mirrorName + `
    projects:
      - https://git.example.org/openstack/requirements
    output: /srv/mirror
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
}

func TestReloadSwapsConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pipmirror.yaml")
	writeConfig(t, path, "first")
	cfg, err := config.Load(path)
	require.NoError(t, err)

	d := New(path, "0 2 * * *", cfg, mirror.Options{})
	assert.Equal(t, "first", d.current().Mirrors[0].Name)

	writeConfig(t, path, "second")
	require.NoError(t, d.reload())
	assert.Equal(t, "second", d.current().Mirrors[0].Name)
}

func TestReloadKeepsPreviousOnError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pipmirror.yaml")
	writeConfig(t, path, "stable")
	cfg, err := config.Load(path)
	require.NoError(t, err)

	d := New(path, "0 2 * * *", cfg, mirror.Options{})
	require.NoError(t, os.WriteFile(path, []byte("cache-root: [broken\n"), 0o600))

	assert.Error(t, d.reload())
	assert.Equal(t, "stable", d.current().Mirrors[0].Name)
}

func TestExecuteUsesCurrentConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pipmirror.yaml")
	writeConfig(t, path, "first")
	cfg, err := config.Load(path)
	require.NoError(t, err)

	var seen []string
	d := New(path, "0 2 * * *", cfg, mirror.Options{}).
		WithRunFunc(func(_ context.Context, c *config.Config, _ mirror.Options) (*mirror.Summary, error) {
			seen = append(seen, c.Mirrors[0].Name)
			return &mirror.Summary{RunID: "run-1"}, nil
		})

	d.execute(context.Background())
	writeConfig(t, path, "second")
	require.NoError(t, d.reload())
	d.execute(context.Background())

	assert.Equal(t, []string{"first", "second"}, seen)
}

func TestRunStopsOnContextCancel(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pipmirror.yaml")
	writeConfig(t, path, "first")
	cfg, err := config.Load(path)
	require.NoError(t, err)

	d := New(path, "0 2 * * *", cfg, mirror.Options{}).
		WithRunFunc(func(context.Context, *config.Config, mirror.Options) (*mirror.Summary, error) {
			return &mirror.Summary{}, nil
		})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("daemon did not stop after cancellation")
	}
}

func TestRunRejectsBadCronExpression(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pipmirror.yaml")
	writeConfig(t, path, "first")
	cfg, err := config.Load(path)
	require.NoError(t, err)

	d := New(path, "not a cron expr", cfg, mirror.Options{})
	assert.Error(t, d.Run(context.Background()))
}
