package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/catalog-import/internal/config"
	"github.com/sells-group/catalog-import/internal/model"
	"github.com/sells-group/catalog-import/internal/store"
)

func TestInitStore(t *testing.T) {
	ctx := context.Background()

	st, err := initStore(ctx, config.StoreConfig{Driver: "memory"})
	require.NoError(t, err)
	assert.IsType(t, &store.MemoryStore{}, st)

	st, err = initStore(ctx, config.StoreConfig{Driver: "sqlite", DatabaseURL: filepath.Join(t.TempDir(), "test.db")})
	require.NoError(t, err)
	assert.IsType(t, &store.SQLiteStore{}, st)
	require.NoError(t, st.Close())

	_, err = initStore(ctx, config.StoreConfig{Driver: "mysql"})
	assert.ErrorContains(t, err, "unsupported store driver")
}

func TestBudgets_OverridesDefaults(t *testing.T) {
	b := budgets(config.ExtractConfig{
		StructuredTimeout: 3 * time.Second,
		MaxScrolls:        2,
	})
	assert.Equal(t, 3*time.Second, b[model.SourceStructuredAPI].Timeout)
	assert.Equal(t, 12*time.Second, b[model.SourceRawMarkup].Timeout)
	assert.Equal(t, 25*time.Second, b[model.SourceRenderedDOM].Timeout)
	assert.Equal(t, 2, b[model.SourceRenderedDOM].MaxScrolls)
	assert.Equal(t, 15*time.Second, b[model.SourceRenderedDOM].PageBudget)
}

func TestPublishChannels(t *testing.T) {
	got := publishChannels([]config.ChannelConfig{{Name: "shop", Type: "webhook", URL: "https://hooks.example.com", Secret: "s", Timeout: time.Second}})
	require.Len(t, got, 1)
	assert.Equal(t, "shop", got[0].Name)
	assert.Equal(t, "https://hooks.example.com", got[0].URL)
	assert.Equal(t, time.Second, got[0].Timeout)
}

func TestLoadProfiles(t *testing.T) {
	p, err := loadProfiles("")
	require.NoError(t, err)
	assert.NotEmpty(t, p)

	_, err = loadProfiles(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestInitEnv_Memory(t *testing.T) {
	c, err := config.LoadFile(writeConfig(t, `
store:
  driver: memory
publish:
  channels:
    - name: audit
      type: log
`))
	require.NoError(t, err)
	cfg = c
	t.Cleanup(func() { cfg = nil })

	env, err := initEnv(context.Background(), "import")
	require.NoError(t, err)
	defer env.Close()

	assert.NotNil(t, env.Orchestrator)
	assert.NotNil(t, env.Guard)
	assert.Nil(t, env.Redis)
	assert.Equal(t, []string{"audit"}, env.Channels)
	assert.NoError(t, env.Ping(context.Background()))
}

func TestInitEnv_InvalidConfig(t *testing.T) {
	c, err := config.LoadFile(writeConfig(t, "store:\n  driver: memory\nimport:\n  concurrency: 0\n"))
	require.NoError(t, err)
	cfg = c
	t.Cleanup(func() { cfg = nil })

	_, err = initEnv(context.Background(), "import")
	assert.ErrorContains(t, err, "concurrency")
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}
