package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeTempConfig(t, `
store:
  dsn: postgres://localhost/courier
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "postgres://localhost/courier", cfg.Store.DSN)
	assert.Equal(t, "redis://localhost:6379/0", cfg.Redis.URL)
	assert.Equal(t, 587, cfg.SMTP.Port)
	assert.Equal(t, 30, cfg.SMTP.TimeoutSeconds)
	assert.Equal(t, 200, cfg.Sending.MaxEmailsPerHour)
	assert.Equal(t, 2000, cfg.Sending.DelayBetweenEmailsMs)
	assert.Equal(t, 5, cfg.Sending.WorkerConcurrency)
	assert.Equal(t, "noreply@reachinbox.app", cfg.Sending.MailerFrom)
	assert.Equal(t, 3, cfg.Sending.MaxAttempts)
	assert.Equal(t, 60, cfg.Sending.LeaseDurationSec)
}

func TestLoadExplicitValues(t *testing.T) {
	path := writeTempConfig(t, `
server:
  host: 127.0.0.1
  port: 9090
smtp:
  host: smtp.example.com
  port: 2525
sending:
  max_emails_per_hour: 50
  worker_concurrency: 2
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1", cfg.Server.Host)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "smtp.example.com", cfg.SMTP.Host)
	assert.Equal(t, 2525, cfg.SMTP.Port)
	assert.Equal(t, 50, cfg.Sending.MaxEmailsPerHour)
	assert.Equal(t, 2, cfg.Sending.WorkerConcurrency)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestLoadInvalidYAML(t *testing.T) {
	path := writeTempConfig(t, "server: [not a map")
	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadFromEnvOverrides(t *testing.T) {
	path := writeTempConfig(t, `
server:
  port: 9090
store:
  dsn: postgres://file/db
`)

	t.Setenv("PORT", "7070")
	t.Setenv("DATABASE_URL", "postgres://env/db")
	t.Setenv("MAX_EMAILS_PER_HOUR", "75")
	t.Setenv("MAILER_FROM", "hello@reachinbox.app")

	cfg, err := LoadFromEnv(path)
	require.NoError(t, err)
	assert.Equal(t, 7070, cfg.Server.Port)
	assert.Equal(t, "postgres://env/db", cfg.Store.DSN)
	assert.Equal(t, 75, cfg.Sending.MaxEmailsPerHour)
	assert.Equal(t, "hello@reachinbox.app", cfg.Sending.MailerFrom)
}

func TestLoadFromEnvWithoutFile(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://env/db")

	cfg, err := LoadFromEnv(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "postgres://env/db", cfg.Store.DSN)
	assert.Equal(t, 8080, cfg.Server.Port)
}

func TestEnvIntIgnoresGarbage(t *testing.T) {
	t.Setenv("PORT", "not-a-number")
	assert.Equal(t, 0, envInt("PORT"))
}
