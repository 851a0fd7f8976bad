// Package config provides configuration loading and validation for the
// iperfd server core, using Viper.
//
// Configuration is loaded with the following priority (highest to lowest):
//  1. Command-line flags (not handled here, see cmd/iperfd/main.go)
//  2. Environment variables (IPERFD_* prefix)
//  3. YAML config file (if specified with --config)
//  4. Hardcoded defaults
//
// Environment variables are mapped from IPERFD_CATEGORY_SETTING format,
// e.g., IPERFD_SERVER_PORT maps to server.port in YAML.
package config

import (
	"strings"
)

// Protocol identifies the transport a test session runs over.
type Protocol int

const (
	ProtocolTCP Protocol = iota
	ProtocolUDP
)

func (p Protocol) String() string {
	if p == ProtocolUDP {
		return "udp"
	}
	return "tcp"
}

// ParseProtocol converts a string ("tcp"/"udp", case-insensitive) to a Protocol.
func ParseProtocol(s string) Protocol {
	if strings.EqualFold(strings.TrimSpace(s), "udp") {
		return ProtocolUDP
	}
	return ProtocolTCP
}

// Family is an address-family hint for the listening socket.
type Family int

const (
	FamilyUnspecified Family = iota
	FamilyV4
	FamilyV6
)

func (f Family) String() string {
	switch f {
	case FamilyV4:
		return "v4"
	case FamilyV6:
		return "v6"
	default:
		return "unspecified"
	}
}

// ParseFamily converts a string ("4"/"6"/"", case-insensitive) to a Family.
func ParseFamily(s string) Family {
	switch strings.TrimSpace(s) {
	case "4":
		return FamilyV4
	case "6":
		return FamilyV6
	default:
		return FamilyUnspecified
	}
}

// Mode describes which direction(s) data flows for a test.
type Mode int

const (
	ModeSender Mode = iota
	ModeReceiver
	ModeBidirectional
)

func (m Mode) String() string {
	switch m {
	case ModeReceiver:
		return "receiver"
	case ModeBidirectional:
		return "bidirectional"
	default:
		return "sender"
	}
}

// ParseMode converts a string to a Mode.
func ParseMode(s string) Mode {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "receiver", "reverse":
		return ModeReceiver
	case "bidir", "bidirectional", "bidi":
		return ModeBidirectional
	default:
		return ModeSender
	}
}

// ServerConfig contains listener and process-level settings.
type ServerConfig struct {
	Host           string `mapstructure:"host"`
	Device         string `mapstructure:"device"`
	Port           int    `mapstructure:"port"`
	FamilyRaw      string `mapstructure:"family"`
	Family         Family `mapstructure:"-"`
	OneOff         bool   `mapstructure:"one_off"`
	Affinity       int    `mapstructure:"affinity"` // -1 = unset
	DebugLevel     string `mapstructure:"debug_level"`
	JSONOutput     bool   `mapstructure:"json_output"`
	ZeroCopy       bool   `mapstructure:"zero_copy"`
	TruncatedRecv  bool   `mapstructure:"truncated_recv"`
	CongestionAlgo string `mapstructure:"congestion_algo"`
}

// TestDefaults contains the default per-session test parameters the
// server will apply when the client does not override them during
// parameter exchange (§4.3 PARAM_EXCHANGE).
type TestDefaults struct {
	ProtocolRaw      string   `mapstructure:"protocol"`
	Protocol         Protocol `mapstructure:"-"`
	Streams          int      `mapstructure:"streams"`
	BlockSize        int      `mapstructure:"block_size"`
	DurationSeconds  float64  `mapstructure:"duration_seconds"`
	Bytes            int64    `mapstructure:"bytes"` // 0 = duration-bounded
	OmitSeconds      float64  `mapstructure:"omit_seconds"`
	IntervalSeconds  float64  `mapstructure:"interval_seconds"`
	ModeRaw          string   `mapstructure:"mode"`
	Mode             Mode     `mapstructure:"-"`
	SocketBufferSize int      `mapstructure:"socket_buffer_size"`
	MSS              int      `mapstructure:"mss"`
	NoDelay          bool     `mapstructure:"no_delay"`
	RateBitsPerSec   int64    `mapstructure:"rate_bits_per_sec"`
	CookieSize       int      `mapstructure:"cookie_size"`
	Bit64Counters    bool     `mapstructure:"bit64_counters"`
}

// TimeoutConfig contains the timeouts named in §5.
type TimeoutConfig struct {
	CtrlWaitMillis               int `mapstructure:"ctrl_wait_millis"`
	IdleSeconds                  int `mapstructure:"idle_seconds"`
	RcvTimeoutSeconds            int `mapstructure:"rcv_timeout_seconds"`
	CreateStreamsWatchdogSeconds int `mapstructure:"create_streams_watchdog_seconds"`
}

// RateLimitConfig bounds the aggregate requested rate across all of a
// session's streams (§4.3, §8.5).
type RateLimitConfig struct {
	AggregateBitsPerSec int64 `mapstructure:"aggregate_bits_per_sec"` // 0 = unlimited
}

// LoggingConfig contains logging settings (ambient stack).
type LoggingConfig struct {
	Level            string            `mapstructure:"level"`
	Structured       bool              `mapstructure:"structured"`
	StructuredFormat string            `mapstructure:"structured_format"`
	IncludePID       bool              `mapstructure:"include_pid"`
	ExtraFields      map[string]string `mapstructure:"extra_fields"`
}

// Config is the root configuration structure.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Test      TestDefaults    `mapstructure:"test"`
	Timeouts  TimeoutConfig   `mapstructure:"timeouts"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}
