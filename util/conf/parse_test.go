package conf

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testNested struct {
	Timeout time.Duration `conf:"timeout"`
	Strict  bool          `conf:"strict"`
}

type testConfig struct {
	Level  string     `conf:"level"`
	Nested testNested `conf:"nested"`
}

var testDefaults = DefaultConfig{
	"level":          "info",
	"nested.timeout": 5 * time.Second,
	"nested.strict":  true,
}

func TestParse_Defaults(t *testing.T) {
	cfg, err := Parse[testConfig](ParseOptions{Defaults: testDefaults, EnvPrefix: "SCTEST_"})
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.Level)
	assert.Equal(t, 5*time.Second, cfg.Nested.Timeout)
	assert.True(t, cfg.Nested.Strict)
}

func TestParse_EnvOverridesDefaults(t *testing.T) {
	t.Setenv("SCTEST_LEVEL", "debug")
	t.Setenv("SCTEST_NESTED__TIMEOUT", "250ms")
	t.Setenv("SCTEST_NESTED__STRICT", "false")

	cfg, err := Parse[testConfig](ParseOptions{Defaults: testDefaults, EnvPrefix: "SCTEST_"})
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Level)
	assert.Equal(t, 250*time.Millisecond, cfg.Nested.Timeout)
	assert.False(t, cfg.Nested.Strict)
}

func TestParse_FileAndEnvFile(t *testing.T) {
	dir := t.TempDir()

	file := filepath.Join(dir, "config.json")
	require.NoError(t, os.WriteFile(file, []byte(`{"level": "warn", "nested": {"timeout": "1s"}}`), 0o644))

	envFile := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(envFile, []byte("SCTEST_NESTED__TIMEOUT=2s\nOTHER=1\n"), 0o644))

	cfg, err := Parse[testConfig](ParseOptions{
		Defaults:    testDefaults,
		EnvPrefix:   "SCTEST_",
		FileName:    file,
		EnvFileName: envFile,
	})
	require.NoError(t, err)

	assert.Equal(t, "warn", cfg.Level)
	assert.Equal(t, 2*time.Second, cfg.Nested.Timeout)
}

func TestParse_MissingEnvFile(t *testing.T) {
	_, err := Parse[testConfig](ParseOptions{EnvFileName: filepath.Join(t.TempDir(), "missing.env")})
	assert.Error(t, err)
}

func TestParse_MissingConfigFile(t *testing.T) {
	_, err := Parse[testConfig](ParseOptions{FileName: filepath.Join(t.TempDir(), "missing.json")})
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestTransformEnv(t *testing.T) {
	assert.Equal(t, "runtime.max_sessions", transformEnv("SANDCASTLE_RUNTIME__MAX_SESSIONS", "SANDCASTLE_"))
	assert.Equal(t, "log_level", transformEnv("LOG_LEVEL", ""))
}

func TestMergeDefaults(t *testing.T) {
	merged := MergeDefaults(
		DefaultConfig{"a": 1, "b": 1},
		Namespace("ns", DefaultConfig{"a": 2}),
		DefaultConfig{"b": 3},
	)

	assert.Equal(t, DefaultConfig{"a": 1, "b": 3, "ns.a": 2}, merged)
}

func TestConfigContext(t *testing.T) {
	ctx := ContextWithConfig(context.Background(), testConfig{Level: "debug"})

	cfg, err := GetConfigFromContext[testConfig](ctx)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Level)

	_, err = GetConfigFromContext[string](ctx)
	assert.ErrorIs(t, err, ErrConfigType)

	_, err = GetConfigFromContext[testConfig](context.Background())
	assert.ErrorIs(t, err, ErrNoConfigInContext)
}
