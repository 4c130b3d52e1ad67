package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validLive() Config {
	cfg := Defaults()
	cfg.Signer.PrivateKey = "ed0000000000000000000000000000000000000000000000000000000000000000"
	cfg.Signer.GatewayURL = "https://gateway.example"
	cfg.Signer.Account = "rPoolOwner"
	return cfg
}

func TestDefaults_DryRunValid(t *testing.T) {
	cfg := Defaults()
	cfg.Mode = ModeDryRun
	require.NoError(t, cfg.Validate())
	assert.True(t, cfg.RunsIntake())
	assert.True(t, cfg.RunsServer())
	assert.True(t, cfg.DryRun())
}

func TestDefaults_LiveNeedsSigner(t *testing.T) {
	cfg := Defaults()
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "signer: private_key or encrypted_key_path")
	assert.Contains(t, err.Error(), "signer: gateway_url")
	assert.Contains(t, err.Error(), "signer: account")

	live := validLive()
	require.NoError(t, live.Validate())
}

func TestValidate_CollectsEveryProblem(t *testing.T) {
	cfg := validLive()
	cfg.Mode = "Turbo"
	cfg.LogLevel = "loud"
	cfg.Insurance.DisputeWindow = duration{}
	cfg.Insurance.MaxTermDays = 0
	cfg.S3.Enabled = true
	cfg.S3.Bucket = ""

	err := cfg.Validate()
	require.Error(t, err)
	msg := err.Error()
	assert.Contains(t, msg, `unknown mode "turbo"`)
	assert.Contains(t, msg, `unknown log_level "loud"`)
	assert.Contains(t, msg, "insurance: dispute_window must be > 0")
	assert.Contains(t, msg, "insurance: max_term_days must be >= 1")
	assert.Contains(t, msg, "s3: bucket must not be empty")
}

func TestValidate_IntakeSource(t *testing.T) {
	cfg := validLive()
	cfg.Intake.Source = SourceRedis
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "redis: must be enabled")

	cfg.Redis.Enabled = true
	require.NoError(t, cfg.Validate())

	// server mode does not consume events, so the source is not checked
	cfg.Intake.Source = "carrier-pigeon"
	cfg.Mode = ModeServer
	require.NoError(t, cfg.Validate())
}

func TestLoad_FileThenEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ward.toml")
	body := `
mode = "validator"

[insurance]
min_coverage_ratio = 2.5
dispute_window = "24h"
monitored_brokers = ["B1", "B2"]

[sweeper]
auto_finish = true
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	t.Setenv("WARD_MODE", "dry-run")
	t.Setenv("WARD_INSURANCE_CANCEL_BUFFER", "96h")
	t.Setenv("WARD_SERVER_CORS_ORIGINS", "https://a.example, ,https://b.example")
	t.Setenv("WARD_SERVER_PORT", "not-a-number")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ModeDryRun, cfg.Mode)
	assert.Equal(t, "2.5", cfg.Insurance.MinCoverageRatio.String())
	assert.Equal(t, 24*time.Hour, cfg.Insurance.DisputeWindow.Duration)
	assert.Equal(t, 96*time.Hour, cfg.Insurance.CancelBuffer.Duration)
	assert.Equal(t, []string{"B1", "B2"}, cfg.Insurance.MonitoredBrokers)
	assert.True(t, cfg.Sweeper.AutoFinish)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.Server.CORSOrigins)
	assert.Equal(t, 8080, cfg.Server.Port, "unparseable override is ignored")
	assert.Equal(t, 24*time.Hour, cfg.Insurance.CoverageDelay.Duration, "untouched default survives")
	require.NoError(t, cfg.Validate())
}

func TestLoad_BadDuration(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ward.toml")
	require.NoError(t, os.WriteFile(path, []byte("[insurance]\ndispute_window = \"two days\"\n"), 0o600))

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "config: decode")
}

func TestRedactedConfig(t *testing.T) {
	cfg := validLive()
	cfg.Postgres.Password = "pg-secret"
	cfg.Server.APIKey = "api-secret"
	cfg.Insurance.MonitoredBrokers = []string{"B1"}

	out := RedactedConfig(&cfg)
	assert.Equal(t, redacted, out.Signer.PrivateKey)
	assert.Equal(t, redacted, out.Postgres.Password)
	assert.Equal(t, redacted, out.Server.APIKey)
	assert.Empty(t, out.Redis.Password, "empty secrets stay empty")
	assert.Equal(t, "https://gateway.example", out.Signer.GatewayURL)

	out.Insurance.MonitoredBrokers[0] = "changed"
	assert.Equal(t, "B1", cfg.Insurance.MonitoredBrokers[0])
	assert.Equal(t, "pg-secret", cfg.Postgres.Password)
}
