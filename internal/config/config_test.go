package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadFile_Defaults(t *testing.T) {
	cfg, err := LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "release", cfg.Mode)
	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, "dev", cfg.AuthMode)
	assert.Equal(t, 30*time.Second, cfg.Call.RingTimeout)
	assert.Equal(t, 10*time.Second, cfg.Call.GracePeriod)
	assert.Equal(t, time.Minute, cfg.Call.RetainEnded)
	assert.Equal(t, 5, cfg.Call.StartBurst)
	assert.Equal(t, 54*time.Second, cfg.Signal.PingPeriod)
	assert.Equal(t, int64(65536), cfg.Signal.ReadLimit)
	assert.Equal(t, "fake", cfg.Media.Provider)
	assert.Equal(t, []string{"stun:stun.l.google.com:19302"}, cfg.Media.ICEServers)
	assert.Empty(t, cfg.Store.Driver)
}

func TestLoadFile_YAMLAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.test.yaml")
	yaml := `
mode: debug
port: 9090
auth_mode: jwt
secret: s3cret
call:
  ring_timeout: 45s
store:
  driver: sqlite
  dsn: calls.db
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o600))
	t.Setenv("TELECALL_PORT", "7070")
	t.Setenv("TELECALL_CALL_GRACE_PERIOD", "3s")

	cfg, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Mode)
	assert.Equal(t, 7070, cfg.Port)
	assert.Equal(t, "jwt", cfg.AuthMode)
	assert.Equal(t, 45*time.Second, cfg.Call.RingTimeout)
	assert.Equal(t, 3*time.Second, cfg.Call.GracePeriod)
	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "calls.db", cfg.Store.DSN)
}

func TestValidate(t *testing.T) {
	base := func() Config {
		return Config{Port: 8080, AuthMode: "dev", Media: MediaConfig{Provider: "fake"}, Call: CallConfig{RingTimeout: time.Second}}
	}
	cases := map[string]func(*Config){
		"jwt without secret": func(c *Config) { c.AuthMode = "jwt" },
		"unknown auth":       func(c *Config) { c.AuthMode = "oauth" },
		"unknown provider":   func(c *Config) { c.Media.Provider = "webcam" },
		"bad port":           func(c *Config) { c.Port = 0 },
		"zero ring timeout":  func(c *Config) { c.Call.RingTimeout = 0 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			c := base()
			mutate(&c)
			assert.Error(t, c.Validate())
		})
	}
	ok := base()
	assert.NoError(t, ok.Validate())
}

func TestLoadFile_BrokenYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broken.yaml")
	require.NoError(t, os.WriteFile(path, []byte("port: [1, 2"), 0o600))
	_, err := LoadFile(path)
	assert.Error(t, err)
}
