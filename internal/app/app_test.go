package app

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Martian-dev/mailsync/internal/config"
	"github.com/Martian-dev/mailsync/internal/models"
	"github.com/Martian-dev/mailsync/internal/store/sqlite"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	t.Chdir(t.TempDir())
	v, err := config.New("")
	require.NoError(t, err)
	v.Set("database.path", filepath.Join(t.TempDir(), "mail.db"))
	cfg, err := config.Load(v)
	require.NoError(t, err)
	return cfg
}

func TestProviderConfigCarriesSettings(t *testing.T) {
	cfg := testConfig(t)
	cfg.Provider.ClientID = "id"
	cfg.Provider.RPS = 3
	cfg.Retry.MaxAttempts = 5

	pc := providerConfig(cfg, nil)
	assert.Equal(t, "id", pc.ClientID)
	assert.Equal(t, 3.0, pc.RequestsPerSecond)
	assert.Equal(t, 5, pc.Retry.MaxAttempts)
	assert.Equal(t, time.Second, pc.Retry.BaseDelay)
	assert.Equal(t, 30*time.Second, pc.HTTPTimeout)
}

func TestVerifierSelection(t *testing.T) {
	v, err := verifier(context.Background(), config.AuthConfig{})
	require.NoError(t, err)
	assert.Nil(t, v)

	v, err = verifier(context.Background(), config.AuthConfig{HMACSecret: "s"})
	require.NoError(t, err)
	assert.NotNil(t, v)
}

func TestBuildWiresEngine(t *testing.T) {
	cfg := testConfig(t)
	cfg.PublicURL = "https://mail.example.com"

	c, err := build(cfg, nil)
	require.NoError(t, err)
	defer c.store.Close()

	assert.Equal(t, "https://mail.example.com/webhook", c.engine.WebhookURL())

	_, err = c.engine.Sync(context.Background(), "missing")
	assert.ErrorIs(t, err, models.ErrAccountNotFound)
}

func TestMigrateCommand(t *testing.T) {
	t.Chdir(t.TempDir())
	path := filepath.Join(t.TempDir(), "nested", "mail.db")

	rootCmd.SetArgs([]string{"migrate", "--database.path", path, "--log.level", "error"})
	rootCmd.SetOut(&bytes.Buffer{})
	require.NoError(t, rootCmd.Execute())

	st, err := sqlite.Open(path)
	require.NoError(t, err)
	defer st.Close()
	version, err := st.SchemaVersion(context.Background())
	require.NoError(t, err)
	assert.Positive(t, version)
}
