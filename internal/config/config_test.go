package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseProtocol(t *testing.T) {
	assert.Equal(t, ProtocolUDP, ParseProtocol("udp"))
	assert.Equal(t, ProtocolUDP, ParseProtocol("UDP"))
	assert.Equal(t, ProtocolTCP, ParseProtocol("tcp"))
	assert.Equal(t, ProtocolTCP, ParseProtocol(""))
}

func TestParseMode(t *testing.T) {
	assert.Equal(t, ModeSender, ParseMode(""))
	assert.Equal(t, ModeReceiver, ParseMode("reverse"))
	assert.Equal(t, ModeBidirectional, ParseMode("bidir"))
}

func TestResolveConfigPath(t *testing.T) {
	tests := []struct {
		name     string
		flag     string
		envValue string
		want     string
	}{
		{"flag takes precedence", "/path/from/flag", "/path/from/env", "/path/from/flag"},
		{"env when no flag", "", "/path/from/env", "/path/from/env"},
		{"empty when neither", "", "", ""},
		{"whitespace flag", "  ", "/path/from/env", "/path/from/env"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("IPERFD_CONFIG", tt.envValue)
			got := ResolveConfigPath(tt.flag)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestLoadDefault(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 5201, cfg.Server.Port)
	assert.Equal(t, ProtocolTCP, cfg.Test.Protocol)
	assert.Equal(t, 1, cfg.Test.Streams)
	assert.Equal(t, 128*1024, cfg.Test.BlockSize)
	assert.Equal(t, 37, cfg.Test.CookieSize)
}

func TestLoadFromFile(t *testing.T) {
	content := `
server:
  host: "127.0.0.1"
  port: 5353
  one_off: true

test:
  protocol: "udp"
  streams: 4
  block_size: 1460
  bit64_counters: true

logging:
  level: "DEBUG"
  structured: true
  structured_format: "keyvalue"
`
	dir := t.TempDir()
	path := filepath.Join(dir, "test-config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1", cfg.Server.Host)
	assert.Equal(t, 5353, cfg.Server.Port)
	assert.True(t, cfg.Server.OneOff)
	assert.Equal(t, ProtocolUDP, cfg.Test.Protocol)
	assert.Equal(t, 4, cfg.Test.Streams)
	assert.Equal(t, 1460, cfg.Test.BlockSize)
	assert.True(t, cfg.Test.Bit64Counters)
	assert.Equal(t, "DEBUG", cfg.Logging.Level)
	assert.True(t, cfg.Logging.Structured)
	assert.Equal(t, "keyvalue", cfg.Logging.StructuredFormat)
}

func TestLoadInvalidPath(t *testing.T) {
	_, err := Load("/nonexistent/path/to/config.yaml")
	assert.Error(t, err)
}

func TestLoadInvalidYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  port: [invalid"), 0644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestNormalizeInvalidPort(t *testing.T) {
	content := `
server:
  port: 0
`
	dir := t.TempDir()
	path := filepath.Join(dir, "test.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestNormalizeDefaultsInvalidStreams(t *testing.T) {
	content := `
test:
  streams: 0
  block_size: -1
`
	dir := t.TempDir()
	path := filepath.Join(dir, "test.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 1, cfg.Test.Streams)
	assert.Equal(t, 128*1024, cfg.Test.BlockSize)
}

func TestNormalizeInvalidCookieSizeFallsBackToDefault(t *testing.T) {
	content := `
test:
  cookie_size: 4
`
	dir := t.TempDir()
	path := filepath.Join(dir, "test.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 37, cfg.Test.CookieSize)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("IPERFD_SERVER_HOST", "192.168.1.1")
	t.Setenv("IPERFD_SERVER_PORT", "8053")
	t.Setenv("IPERFD_TEST_STREAMS", "8")
	t.Setenv("IPERFD_TEST_PROTOCOL", "udp")
	t.Setenv("IPERFD_LOGGING_LEVEL", "debug")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "192.168.1.1", cfg.Server.Host)
	assert.Equal(t, 8053, cfg.Server.Port)
	assert.Equal(t, 8, cfg.Test.Streams)
	assert.Equal(t, ProtocolUDP, cfg.Test.Protocol)
	assert.Equal(t, "DEBUG", cfg.Logging.Level)
}
