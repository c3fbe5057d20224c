// Package config assembles the structured Config object the control plane
// is driven by: typed sub-structs, a DefaultConfig(), custom flag.Value
// types for compound flags, and a set of small validate* functions each
// returning a wrapped error.
package config

import (
	"flag"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"time"
	"unicode"
)

type DiscoveryConfig struct {
	SearchInterval time.Duration // cadence of M-SEARCH sweeps
	MissThreshold  int           // sweeps a renderer may be absent for before disconnected
	DescriptionTimeout time.Duration // time budget to fetch+parse a device description
}

type SOAPConfig struct {
	Timeout    time.Duration
	RetryDelay time.Duration // delay before the single Transport-error retry
}

type SupervisorConfig struct {
	TickInterval        time.Duration
	StallThresholdTicks int
	PreRestartMargin    time.Duration
	ActivationTimeout   time.Duration // how long assign() waits for PLAYING after Play
}

type MediaServerConfig struct {
	PortRangeLow  int
	PortRangeHigh int
	DrainTimeout  time.Duration
	RateLimitRPS  int
	RateLimitBurst int
}

type AssignmentConfig struct {
	RetryBaseMS      int
	RetryCapMS       int
	RetryMaxAttempts int
}

// RendererProfile is one -renderer.profile override of the DLNA
// profile/flags for renderers whose SERVER header matches ServerPattern.
// ParseArgs only collects these into Config.RendererProfiles; no other
// package reads them, so they do not change what is advertised.
type RendererProfile struct {
	ServerPattern string
	DLNAProfile   string
	Flags         string
}

type ShutdownTimersConfig struct {
	InactiveLimit time.Duration
	SleepTimer    time.Duration
	TimeToEnd     time.Time
}

type LogConfig struct {
	Level slog.Level
}

type Config struct {
	Discovery       DiscoveryConfig
	SOAP            SOAPConfig
	Supervisor      SupervisorConfig
	MediaServer     MediaServerConfig
	Assignment      AssignmentConfig
	RendererProfiles []RendererProfile
	ShutdownTimers  ShutdownTimersConfig
	Logger          LogConfig
	MetricsAddr     string
}

// profileFlag parses repeated -renderer.profile flags of the form
// "pattern:dlnaProfile:flags".
type profileFlag []RendererProfile

func (p *profileFlag) String() string {
	return "Renderer profile override: pattern:dlnaProfile:flags"
}

func (p *profileFlag) Set(value string) error {
	parts := strings.SplitN(value, ":", 3)
	if len(parts) != 3 {
		return fmt.Errorf("invalid format, expected 'pattern:dlnaProfile:flags'")
	}

	pattern := strings.TrimSpace(parts[0])
	if pattern == "" {
		return fmt.Errorf("renderer profile pattern cannot be empty")
	}

	*p = append(*p, RendererProfile{
		ServerPattern: pattern,
		DLNAProfile:   strings.TrimSpace(parts[1]),
		Flags:         strings.TrimSpace(parts[2]),
	})
	return nil
}

const (
	defaultPortLow  = 9000
	defaultPortHigh = 9100
	noTimeout       = time.Duration(0)
)

func DefaultConfig() *Config {
	return &Config{
		Discovery: DiscoveryConfig{
			SearchInterval:     10 * time.Second,
			MissThreshold:      3,
			DescriptionTimeout: 5 * time.Second,
		},
		SOAP: SOAPConfig{
			Timeout:    5 * time.Second,
			RetryDelay: 500 * time.Millisecond,
		},
		Supervisor: SupervisorConfig{
			TickInterval:        2 * time.Second,
			StallThresholdTicks: 3,
			PreRestartMargin:    3 * time.Second,
			ActivationTimeout:   3 * time.Second,
		},
		MediaServer: MediaServerConfig{
			PortRangeLow:   defaultPortLow,
			PortRangeHigh:  defaultPortHigh,
			DrainTimeout:   10 * time.Second,
			RateLimitRPS:   20,
			RateLimitBurst: 40,
		},
		Assignment: AssignmentConfig{
			RetryBaseMS:      500,
			RetryCapMS:       30_000,
			RetryMaxAttempts: 5,
		},
		ShutdownTimers: ShutdownTimersConfig{
			InactiveLimit: 30 * time.Minute,
			SleepTimer:    noTimeout,
			TimeToEnd:     time.Time{},
		},
		Logger: LogConfig{
			Level: slog.LevelInfo,
		},
		MetricsAddr: ":9090",
	}
}

func ParseArgs(cfg *Config, args []string, stderr io.Writer) error {
	defaultCfg := DefaultConfig()

	fs := flag.NewFlagSet("castplaned", flag.ContinueOnError)
	fs.SetOutput(stderr)

	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "usage: %s [options]\n\n", fs.Name())
		fmt.Fprintln(fs.Output(), "Drives UPnP/DLNA media renderers, keeping assigned videos playing indefinitely.")
		fmt.Fprintln(fs.Output(), "\nOptions:")
		fs.PrintDefaults()
	}

	fs.DurationVar(&cfg.Discovery.SearchInterval, "discovery.interval", defaultCfg.Discovery.SearchInterval, "SSDP M-SEARCH sweep cadence")
	fs.IntVar(&cfg.Discovery.MissThreshold, "discovery.missThreshold", defaultCfg.Discovery.MissThreshold, "sweeps a renderer may be absent before disconnected")
	fs.DurationVar(&cfg.Discovery.DescriptionTimeout, "discovery.descriptionTimeout", defaultCfg.Discovery.DescriptionTimeout, "time budget to fetch a device description")

	fs.DurationVar(&cfg.SOAP.Timeout, "soap.timeout", defaultCfg.SOAP.Timeout, "per-call SOAP timeout")
	fs.DurationVar(&cfg.SOAP.RetryDelay, "soap.retryDelay", defaultCfg.SOAP.RetryDelay, "delay before the single transport-error retry")

	fs.DurationVar(&cfg.Supervisor.TickInterval, "supervisor.tick", defaultCfg.Supervisor.TickInterval, "supervisor polling interval")
	fs.IntVar(&cfg.Supervisor.StallThresholdTicks, "supervisor.stallThresholdTicks", defaultCfg.Supervisor.StallThresholdTicks, "ticks of unmoved position before treating as a stall")
	fs.DurationVar(&cfg.Supervisor.PreRestartMargin, "supervisor.preRestartMargin", defaultCfg.Supervisor.PreRestartMargin, "restart this far before end of media when looping")
	fs.DurationVar(&cfg.Supervisor.ActivationTimeout, "supervisor.activationTimeout", defaultCfg.Supervisor.ActivationTimeout, "time to wait for PLAYING after Play during assign")

	fs.IntVar(&cfg.MediaServer.PortRangeLow, "media.portLow", defaultCfg.MediaServer.PortRangeLow, "low end of the media server bind port range")
	fs.IntVar(&cfg.MediaServer.PortRangeHigh, "media.portHigh", defaultCfg.MediaServer.PortRangeHigh, "high end of the media server bind port range")
	fs.DurationVar(&cfg.MediaServer.DrainTimeout, "media.drainTimeout", defaultCfg.MediaServer.DrainTimeout, "time to wait for in-flight responses on shutdown")
	fs.IntVar(&cfg.MediaServer.RateLimitRPS, "media.rateLimitRPS", defaultCfg.MediaServer.RateLimitRPS, "per-client requests/sec allowed by the media server")
	fs.IntVar(&cfg.MediaServer.RateLimitBurst, "media.rateLimitBurst", defaultCfg.MediaServer.RateLimitBurst, "per-client burst allowed by the media server")

	fs.IntVar(&cfg.Assignment.RetryBaseMS, "assignment.retryBaseMS", defaultCfg.Assignment.RetryBaseMS, "base retry backoff in milliseconds")
	fs.IntVar(&cfg.Assignment.RetryCapMS, "assignment.retryCapMS", defaultCfg.Assignment.RetryCapMS, "retry backoff cap in milliseconds")
	fs.IntVar(&cfg.Assignment.RetryMaxAttempts, "assignment.retryMaxAttempts", defaultCfg.Assignment.RetryMaxAttempts, "max retry attempts before marking failed")

	var logLevelStr string
	fs.StringVar(&logLevelStr, "logger.level", "info", "Log level (debug, info, warn, error)")

	fs.DurationVar(&cfg.ShutdownTimers.InactiveLimit, "shutdown.inactive", defaultCfg.ShutdownTimers.InactiveLimit, "shutdown after duration of inactivity (e.g. 30m)")
	fs.DurationVar(&cfg.ShutdownTimers.SleepTimer, "shutdown.sleep", defaultCfg.ShutdownTimers.SleepTimer, "shutdown after a fixed duration (e.g. 2h)")

	var timeToEndStr string
	fs.StringVar(&timeToEndStr, "shutdown.at", "", "shutdown at a specific time (format HH:MM, e.g. 23:30)")

	var profiles profileFlag
	fs.Var(&profiles, "renderer.profile", "Renderer profile override: serverPattern:dlnaProfile:flags (repeatable)")

	fs.StringVar(&cfg.MetricsAddr, "metrics.addr", defaultCfg.MetricsAddr, "address to serve Prometheus /metrics on")

	if err := fs.Parse(args); err != nil {
		return err
	}

	level, err := validateLoggerLevel(logLevelStr)
	if err != nil {
		return err
	}
	cfg.Logger.Level = level

	timeToEnd, err := validateTimeToEnd(timeToEndStr)
	if err != nil {
		return err
	}
	cfg.ShutdownTimers.TimeToEnd = timeToEnd

	if err := validatePortRange(cfg.MediaServer.PortRangeLow, cfg.MediaServer.PortRangeHigh); err != nil {
		return err
	}

	if len(profiles) > 0 {
		cfg.RendererProfiles = profiles
	}

	return nil
}

func validatePortRange(low, high int) error {
	if low <= 0 || high <= 0 {
		return fmt.Errorf("media server ports must be positive")
	}
	if low > high {
		return fmt.Errorf("media.portLow (%d) must be <= media.portHigh (%d)", low, high)
	}
	return nil
}

func validateLoggerLevel(logLevelStr string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(logLevelStr)); err != nil {
		return level, fmt.Errorf("invalid log level %q: %w", logLevelStr, err)
	}
	return level, nil
}

func validateTimeToEnd(timeToEndStr string) (time.Time, error) {
	if timeToEndStr == "" {
		return time.Time{}, nil
	}

	now := time.Now()
	parsed, err := time.Parse("15:04", timeToEndStr)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid time format %q (expected HH:MM): %w", timeToEndStr, err)
	}

	result := time.Date(now.Year(), now.Month(), now.Day(), parsed.Hour(), parsed.Minute(), 0, 0, now.Location())
	if result.Before(now) {
		result = result.Add(24 * time.Hour)
	}

	return result, nil
}

// parseBytes is kept for components that accept human byte sizes (e.g. a
// future buffer-size flag); exercised directly by config_test.go.
func parseBytes(s string) (int64, error) {
	s = strings.TrimSpace(s)
	s = strings.ToUpper(s)

	i := strings.IndexFunc(s, func(r rune) bool {
		return !unicode.IsDigit(r) && r != '.'
	})

	if i == -1 {
		return strconv.ParseInt(s, 10, 64)
	}

	numericStr := s[:i]
	unitStr := strings.TrimSpace(s[i:])

	val, err := strconv.ParseFloat(numericStr, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid number in byte string: %w", err)
	}

	var multiplier float64
	switch unitStr {
	case "B":
		multiplier = 1
	case "KB":
		multiplier = 1024
	case "MB":
		multiplier = 1024 * 1024
	case "GB":
		multiplier = 1024 * 1024 * 1024
	default:
		return 0, fmt.Errorf("unknown unit %q (expected B, KB, MB, GB)", unitStr)
	}

	return int64(val * multiplier), nil
}
