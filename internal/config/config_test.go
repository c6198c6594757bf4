package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "kronos/pkg/logx"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
	return p
}

func TestLoadYAML(t *testing.T) {
	p := writeFile(t, "kronos.yaml", `
logging:
  level: debug
scheduler:
  timezone: Asia/Jakarta
executor:
  workers: 8
  default_timeout: 30s
storage:
  driver: sqlite
  path: ./k.db
`)
	cfg, err := NewManager(p, logx.Nop()).Load()
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "Asia/Jakarta", cfg.Scheduler.Timezone)
	assert.Equal(t, "default", cfg.Scheduler.DefaultNamespace, "defaults survive partial files")
	assert.Equal(t, 8, cfg.Executor.Workers)
	assert.True(t, cfg.Executor.IsEnabled())
	assert.Equal(t, 30*time.Second, MustDuration(cfg.Executor.DefaultTimeout))
	assert.Equal(t, "sqlite", cfg.Storage.Driver)
}

func TestLoadJSONAndEmptyPath(t *testing.T) {
	p := writeFile(t, "kronos.json", `{"executor":{"enabled":false}}`)
	cfg, err := NewManager(p, logx.Nop()).Load()
	require.NoError(t, err)
	assert.False(t, cfg.Executor.IsEnabled())

	m := NewManager("", logx.Nop())
	cfg, err = m.Load()
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
	assert.Same(t, cfg, m.Get())
}

func TestParseRejects(t *testing.T) {
	for name, body := range map[string]string{
		"unknown key":  "executor:\n  wrokers: 3\n",
		"bad level":    "logging:\n  level: loud\n",
		"bad timezone": "scheduler:\n  timezone: Mars/Olympus\n",
		"bad driver":   "storage:\n  driver: postgres\n",
		"bad duration": "executor:\n  retry_base: soon\n",
		"negative":     "executor:\n  default_timeout: -1s\n",
		"file no path": "logging:\n  file:\n    enabled: true\n",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := NewManager(writeFile(t, "c.yaml", body), logx.Nop()).Parse()
			assert.Error(t, err)
		})
	}

	_, err := NewManager(writeFile(t, "c.json", `{} {}`), logx.Nop()).Parse()
	assert.ErrorContains(t, err, "trailing data")
}

func TestReloadPublishesOnlyChanges(t *testing.T) {
	p := writeFile(t, "c.yaml", "executor:\n  workers: 2\n")
	m := NewManager(p, logx.Nop())
	_, err := m.Load()
	require.NoError(t, err)
	ch := m.Subscribe(1)

	changed, err := m.Reload(context.Background())
	require.NoError(t, err)
	assert.False(t, changed)

	require.NoError(t, os.WriteFile(p, []byte("executor:\n  workers: 6\n"), 0o644))
	changed, err = m.Reload(context.Background())
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, 6, (<-ch).Executor.Workers)

	m.SetValidator(func(context.Context, *Config) error { return assert.AnError })
	require.NoError(t, os.WriteFile(p, []byte("executor:\n  workers: 9\n"), 0o644))
	_, err = m.Reload(context.Background())
	assert.ErrorIs(t, err, assert.AnError)
	assert.Equal(t, 6, m.Get().Executor.Workers, "rejected config is not committed")

	m.Unsubscribe(ch)
	_, open := <-ch
	assert.False(t, open)
}

func TestPublishKeepsNewest(t *testing.T) {
	m := NewManager("", logx.Nop())
	ch := m.Subscribe(1)
	a, b := Default(), Default()
	b.Executor.Workers = 3
	m.publish(a)
	m.publish(b)
	assert.Same(t, b, <-ch)
}

func TestWatchReloads(t *testing.T) {
	p := writeFile(t, "c.yaml", "executor:\n  workers: 1\n")
	m := NewManager(p, logx.Nop())
	_, err := m.Load()
	require.NoError(t, err)
	ch := m.Subscribe(4)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { _ = m.Watch(ctx); close(done) }()
	defer func() { cancel(); <-done }()

	// Give the watcher time to register the directory.
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, os.WriteFile(p, []byte("executor:\n  workers: 5\n"), 0o644))

	select {
	case cfg := <-ch:
		assert.Equal(t, 5, cfg.Executor.Workers)
	case <-time.After(5 * time.Second):
		t.Fatal("no reload published")
	}
}

func TestDiff(t *testing.T) {
	a := Default()
	b := Default()
	assert.True(t, Diff(a, b).Empty())

	b.Logging.Level = "debug"
	b.Executor.Workers = 2
	b.Storage.Driver = "sqlite"
	c := Diff(a, b)
	assert.Equal(t, []string{"logging", "executor", "storage"}, c.Sections)
	assert.Equal(t, []string{"storage"}, c.Restart)
	assert.NotEmpty(t, c.Fields)
}
