package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
influx:
  url: http://influx.internal:8086
  bucket: md
redis:
  addr: redis.internal:6379
ingestion:
  default_backfill_minutes: 60
  schedule_hour: 21
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "http://influx.internal:8086", cfg.Influx.URL)
	assert.Equal(t, "md", cfg.Influx.Bucket)
	assert.Equal(t, "redis.internal:6379", cfg.Redis.Addr)
	assert.Equal(t, 60, cfg.Ingestion.DefaultBackfillMinutes)
	assert.Equal(t, 21, cfg.Ingestion.ScheduleHour)

	// Unset keys keep their defaults.
	assert.Equal(t, "symbol_management", cfg.Influx.SymbolBucket)
	assert.Equal(t, time.Minute, cfg.Ingestion.ReconcileInterval)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("DTN_INFLUX_URL", "http://other:8086")
	t.Setenv("DTN_REDIS_DB", "3")

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("app:\n  name: dtningest\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "http://other:8086", cfg.Influx.URL)
	assert.Equal(t, 3, cfg.Redis.DB)
}

func TestEncryptedSecretRoundTrip(t *testing.T) {
	t.Setenv("DTN_ENCRYPTION_KEY", "test-key")
	em := NewEnvManager("", "")

	encrypted, err := em.EncryptValue("super-secret-token")
	require.NoError(t, err)
	require.NotEqual(t, "super-secret-token", encrypted)

	t.Setenv("DTN_INFLUX_TOKEN", encrypted)
	assert.Equal(t, "super-secret-token", em.GetEncryptedString("INFLUX_TOKEN", ""))
}

func TestEncryptedSecretPlaintextPassthrough(t *testing.T) {
	em := NewEnvManager("key", "")
	t.Setenv("DTN_REDIS_PASSWORD", "plain")
	assert.Equal(t, "plain", em.GetEncryptedString("REDIS_PASSWORD", "default"))
}

func TestEnvManagerTypes(t *testing.T) {
	em := NewEnvManager("key", "")

	t.Setenv("DTN_SOME_INT", "42")
	assert.Equal(t, 42, em.GetInt("SOME_INT", 0))
	assert.Equal(t, 7, em.GetInt("ABSENT_INT", 7))

	t.Setenv("DTN_SOME_BOOL", "true")
	assert.True(t, em.GetBool("SOME_BOOL", false))

	t.Setenv("DTN_SOME_DUR", "90s")
	assert.Equal(t, 90*time.Second, em.GetDuration("SOME_DUR", 0))
}
