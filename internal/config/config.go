package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// initConfig sets up the config loader with defaults, env binding, and config file.
func initConfig(configPath string) (*viper.Viper, error) {
	v := viper.New()

	setDefaults(v)

	// Environment variable binding.
	// Uses IPERFD_ prefix: IPERFD_SERVER_PORT -> server.port
	v.SetEnvPrefix("IPERFD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	return v, nil
}

// setDefaults configures all default values.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "")
	v.SetDefault("server.device", "")
	v.SetDefault("server.port", 5201)
	v.SetDefault("server.family", "")
	v.SetDefault("server.one_off", false)
	v.SetDefault("server.affinity", -1)
	v.SetDefault("server.debug_level", "INFO")
	v.SetDefault("server.json_output", false)
	v.SetDefault("server.zero_copy", false)
	v.SetDefault("server.truncated_recv", false)
	v.SetDefault("server.congestion_algo", "")

	// Test defaults (negotiated/overridden at PARAM_EXCHANGE, §4.3)
	v.SetDefault("test.protocol", "tcp")
	v.SetDefault("test.streams", 1)
	v.SetDefault("test.block_size", 128*1024)
	v.SetDefault("test.duration_seconds", 10.0)
	v.SetDefault("test.bytes", 0)
	v.SetDefault("test.omit_seconds", 0.0)
	v.SetDefault("test.interval_seconds", 1.0)
	v.SetDefault("test.mode", "sender")
	v.SetDefault("test.socket_buffer_size", 0)
	v.SetDefault("test.mss", 0)
	v.SetDefault("test.no_delay", false)
	v.SetDefault("test.rate_bits_per_sec", 0)
	v.SetDefault("test.cookie_size", 37)
	v.SetDefault("test.bit64_counters", false)

	// Timeouts (§5)
	v.SetDefault("timeouts.ctrl_wait_millis", 5000)
	v.SetDefault("timeouts.idle_seconds", 0)
	v.SetDefault("timeouts.rcv_timeout_seconds", 0)
	v.SetDefault("timeouts.create_streams_watchdog_seconds", 5)

	// Rate limit
	v.SetDefault("rate_limit.aggregate_bits_per_sec", 0)

	// Logging
	v.SetDefault("logging.level", "INFO")
	v.SetDefault("logging.structured", false)
	v.SetDefault("logging.structured_format", "json")
	v.SetDefault("logging.include_pid", false)
	v.SetDefault("logging.extra_fields", map[string]string{})
}

// loadFromSource loads configuration from file and environment.
func loadFromSource(configPath string) (*Config, error) {
	v, err := initConfig(configPath)
	if err != nil {
		return nil, err
	}

	cfg := &Config{}

	loadServerConfig(v, cfg)
	loadTestConfig(v, cfg)
	loadTimeoutConfig(v, cfg)
	loadRateLimitConfig(v, cfg)
	loadLoggingConfig(v, cfg)

	if err := normalizeConfig(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func loadServerConfig(v *viper.Viper, cfg *Config) {
	cfg.Server.Host = v.GetString("server.host")
	cfg.Server.Device = v.GetString("server.device")
	cfg.Server.Port = v.GetInt("server.port")
	cfg.Server.FamilyRaw = v.GetString("server.family")
	cfg.Server.Family = ParseFamily(cfg.Server.FamilyRaw)
	cfg.Server.OneOff = v.GetBool("server.one_off")
	cfg.Server.Affinity = v.GetInt("server.affinity")
	cfg.Server.DebugLevel = v.GetString("server.debug_level")
	cfg.Server.JSONOutput = v.GetBool("server.json_output")
	cfg.Server.ZeroCopy = v.GetBool("server.zero_copy")
	cfg.Server.TruncatedRecv = v.GetBool("server.truncated_recv")
	cfg.Server.CongestionAlgo = v.GetString("server.congestion_algo")
}

func loadTestConfig(v *viper.Viper, cfg *Config) {
	cfg.Test.ProtocolRaw = v.GetString("test.protocol")
	cfg.Test.Protocol = ParseProtocol(cfg.Test.ProtocolRaw)
	cfg.Test.Streams = v.GetInt("test.streams")
	cfg.Test.BlockSize = v.GetInt("test.block_size")
	cfg.Test.DurationSeconds = v.GetFloat64("test.duration_seconds")
	cfg.Test.Bytes = v.GetInt64("test.bytes")
	cfg.Test.OmitSeconds = v.GetFloat64("test.omit_seconds")
	cfg.Test.IntervalSeconds = v.GetFloat64("test.interval_seconds")
	cfg.Test.ModeRaw = v.GetString("test.mode")
	cfg.Test.Mode = ParseMode(cfg.Test.ModeRaw)
	cfg.Test.SocketBufferSize = v.GetInt("test.socket_buffer_size")
	cfg.Test.MSS = v.GetInt("test.mss")
	cfg.Test.NoDelay = v.GetBool("test.no_delay")
	cfg.Test.RateBitsPerSec = v.GetInt64("test.rate_bits_per_sec")
	cfg.Test.CookieSize = v.GetInt("test.cookie_size")
	cfg.Test.Bit64Counters = v.GetBool("test.bit64_counters")
}

func loadTimeoutConfig(v *viper.Viper, cfg *Config) {
	cfg.Timeouts.CtrlWaitMillis = v.GetInt("timeouts.ctrl_wait_millis")
	cfg.Timeouts.IdleSeconds = v.GetInt("timeouts.idle_seconds")
	cfg.Timeouts.RcvTimeoutSeconds = v.GetInt("timeouts.rcv_timeout_seconds")
	cfg.Timeouts.CreateStreamsWatchdogSeconds = v.GetInt("timeouts.create_streams_watchdog_seconds")
}

func loadRateLimitConfig(v *viper.Viper, cfg *Config) {
	cfg.RateLimit.AggregateBitsPerSec = v.GetInt64("rate_limit.aggregate_bits_per_sec")
}

func loadLoggingConfig(v *viper.Viper, cfg *Config) {
	cfg.Logging.Level = strings.ToUpper(v.GetString("logging.level"))
	cfg.Logging.Structured = v.GetBool("logging.structured")
	cfg.Logging.StructuredFormat = v.GetString("logging.structured_format")
	cfg.Logging.IncludePID = v.GetBool("logging.include_pid")
	cfg.Logging.ExtraFields = v.GetStringMapString("logging.extra_fields")
}

// normalizeConfig validates and normalizes the configuration.
func normalizeConfig(cfg *Config) error {
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		return errors.New("server.port must be 1..65535")
	}
	if cfg.Test.Streams <= 0 {
		cfg.Test.Streams = 1
	}
	if cfg.Test.BlockSize <= 0 {
		cfg.Test.BlockSize = 128 * 1024
	}
	if cfg.Test.CookieSize < 16 || cfg.Test.CookieSize > 40 {
		cfg.Test.CookieSize = 37
	}
	if cfg.Test.DurationSeconds < 0 {
		return errors.New("test.duration_seconds must be >= 0")
	}
	if cfg.Test.Bytes < 0 {
		return errors.New("test.bytes must be >= 0")
	}
	if cfg.Timeouts.CtrlWaitMillis <= 0 {
		cfg.Timeouts.CtrlWaitMillis = 5000
	}
	if cfg.Timeouts.CreateStreamsWatchdogSeconds <= 0 {
		cfg.Timeouts.CreateStreamsWatchdogSeconds = 5
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "INFO"
	}
	if cfg.Logging.StructuredFormat == "" {
		cfg.Logging.StructuredFormat = "json"
	}
	if cfg.Logging.ExtraFields == nil {
		cfg.Logging.ExtraFields = map[string]string{}
	}
	return nil
}

// ResolveConfigPath determines the config file path from flag or environment.
func ResolveConfigPath(flagValue string) string {
	if strings.TrimSpace(flagValue) != "" {
		return flagValue
	}
	return strings.TrimSpace(os.Getenv("IPERFD_CONFIG"))
}

// Load loads configuration from an optional YAML file with environment
// variable overrides. This is the main entry point for loading configuration.
func Load(path string) (*Config, error) {
	return loadFromSource(path)
}
