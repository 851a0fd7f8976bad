package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/drazic/iperfd/internal/config"
	"github.com/drazic/iperfd/internal/logging"
	"github.com/drazic/iperfd/internal/server"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

// cliFlags holds parsed command-line flag values (§6 "CLI/env").
type cliFlags struct {
	configPath string
	host       string
	port       int
	device     string
	family     string
	protocol   string
	mode       string
	streams    int
	oneOff     bool
	jsonLogs   bool
	debug      bool
}

func parseFlags() cliFlags {
	var f cliFlags
	flag.StringVar(&f.configPath, "config", "", "Path to YAML config file")
	flag.StringVar(&f.host, "bind", "", "Override bind address")
	flag.IntVar(&f.port, "port", 0, "Override bind port")
	flag.StringVar(&f.device, "device", "", "Bind to a specific network device")
	flag.StringVar(&f.family, "family", "", "Address family hint: 4, 6, or empty for unspecified")
	flag.StringVar(&f.protocol, "protocol", "", "Default test protocol: tcp or udp")
	flag.StringVar(&f.mode, "mode", "", "Default test mode: sender, receiver, or bidirectional")
	flag.IntVar(&f.streams, "streams", 0, "Default parallel stream count")
	flag.BoolVar(&f.oneOff, "one-off", false, "Exit after serving a single test")
	flag.BoolVar(&f.jsonLogs, "json-logs", false, "Enable JSON structured logging")
	flag.BoolVar(&f.debug, "debug", false, "Enable debug logging")
	flag.Parse()
	return f
}

// applyCLIOverrides applies command-line overrides to the loaded config.
func applyCLIOverrides(cfg *config.Config, f cliFlags) {
	if f.host != "" {
		cfg.Server.Host = f.host
	}
	if f.port != 0 {
		cfg.Server.Port = f.port
	}
	if f.device != "" {
		cfg.Server.Device = f.device
	}
	if f.family != "" {
		cfg.Server.FamilyRaw = f.family
		cfg.Server.Family = config.ParseFamily(f.family)
	}
	if f.protocol != "" {
		cfg.Test.ProtocolRaw = f.protocol
		cfg.Test.Protocol = config.ParseProtocol(f.protocol)
	}
	if f.mode != "" {
		cfg.Test.ModeRaw = f.mode
		cfg.Test.Mode = config.ParseMode(f.mode)
	}
	if f.streams > 0 {
		cfg.Test.Streams = f.streams
	}
	if f.oneOff {
		cfg.Server.OneOff = true
	}
	if f.jsonLogs {
		cfg.Logging.Structured = true
		cfg.Logging.StructuredFormat = "json"
	}
	if f.debug {
		cfg.Logging.Level = "DEBUG"
	}
}

func run() error {
	flags := parseFlags()

	cfg, err := config.Load(config.ResolveConfigPath(flags.configPath))
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	applyCLIOverrides(cfg, flags)

	logger := logging.Configure(logging.Config{
		Level:            cfg.Logging.Level,
		Structured:       cfg.Logging.Structured,
		StructuredFormat: cfg.Logging.StructuredFormat,
		IncludePID:       cfg.Logging.IncludePID,
		ExtraFields:      cfg.Logging.ExtraFields,
	})

	runner := server.NewRunner(logger, server.NoopCallbacks())
	if err := runner.Run(cfg); err != nil {
		return fmt.Errorf("server exited with error: %w", err)
	}
	return nil
}
