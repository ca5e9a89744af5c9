package app

import (
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"murmur/internal/relay"
	"murmur/internal/relayserver"
	"murmur/internal/services/inbox"
	"murmur/internal/services/poller"
)

// LogConfig selects the logrus level and formatter.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // text or json
}

// Config holds runtime wiring options for the client.
type Config struct {
	Home         string        // config directory, e.g. $HOME/.murmur
	RelayURL     string        // relay base URL, e.g. http://127.0.0.1:8080
	HTTPTimeout  time.Duration // per request to the relay
	PollInterval time.Duration
	TypingWindow time.Duration
	// ProcessedCapacity bounds the set of message ids already surfaced.
	ProcessedCapacity int
	Reconnect         relay.ReconnectPolicy
	Log               LogConfig
	HTTP              *http.Client // optional; built from HTTPTimeout when nil
}

// DefaultConfig returns the client defaults. Home is left empty and
// resolved by Load.
func DefaultConfig() Config {
	return Config{
		RelayURL:          "http://127.0.0.1:8080",
		HTTPTimeout:       10 * time.Second,
		PollInterval:      poller.DefaultInterval,
		TypingWindow:      poller.DefaultTypingWindow,
		ProcessedCapacity: inbox.DefaultCapacity,
		Reconnect:         relay.DefaultReconnectPolicy(),
		Log:               LogConfig{Level: "info", Format: "text"},
	}
}

// FileConfig is the on-disk layout shared by the client and the relay.
// Zero values leave the defaults alone.
type FileConfig struct {
	Client ClientFileConfig   `yaml:"client"`
	Relay  relayserver.Config `yaml:"relay"`
	Log    LogConfig          `yaml:"log"`
}

// ClientFileConfig is the client section of the config file.
type ClientFileConfig struct {
	Home              string                `yaml:"home"`
	RelayURL          string                `yaml:"relay_url"`
	HTTPTimeout       time.Duration         `yaml:"http_timeout"`
	PollInterval      time.Duration         `yaml:"poll_interval"`
	TypingWindow      time.Duration         `yaml:"typing_window"`
	ProcessedCapacity int                   `yaml:"processed_capacity"`
	Reconnect         relay.ReconnectPolicy `yaml:"reconnect"`
}

// ReadFile parses path. A missing file is not an error.
func ReadFile(path string) (FileConfig, error) {
	var fc FileConfig
	if path == "" {
		return fc, nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return fc, nil
	}
	if err != nil {
		return fc, err
	}
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fc, fmt.Errorf("parse %s: %w", path, err)
	}
	return fc, nil
}

// Load builds the client config: defaults, then the file at path, then
// MURMUR_* environment overrides. An empty path means <home>/config.yaml.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()
	cfg.Home = strings.TrimSpace(os.Getenv("MURMUR_HOME"))
	if cfg.Home == "" {
		dir, err := os.UserHomeDir()
		if err != nil {
			return cfg, err
		}
		cfg.Home = filepath.Join(dir, ".murmur")
	}
	if path == "" {
		path = filepath.Join(cfg.Home, "config.yaml")
	}

	fc, err := ReadFile(path)
	if err != nil {
		return cfg, err
	}
	Merge(&cfg, fc)
	ApplyEnvOverrides(&cfg)
	return cfg, nil
}

// Merge copies the non-zero fields of fc over dst.
func Merge(dst *Config, fc FileConfig) {
	src := fc.Client
	if src.Home != "" {
		dst.Home = src.Home
	}
	if src.RelayURL != "" {
		dst.RelayURL = src.RelayURL
	}
	if src.HTTPTimeout != 0 {
		dst.HTTPTimeout = src.HTTPTimeout
	}
	if src.PollInterval != 0 {
		dst.PollInterval = src.PollInterval
	}
	if src.TypingWindow != 0 {
		dst.TypingWindow = src.TypingWindow
	}
	if src.ProcessedCapacity != 0 {
		dst.ProcessedCapacity = src.ProcessedCapacity
	}
	if src.Reconnect.InitialInterval != 0 {
		dst.Reconnect.InitialInterval = src.Reconnect.InitialInterval
	}
	if src.Reconnect.MaxInterval != 0 {
		dst.Reconnect.MaxInterval = src.Reconnect.MaxInterval
	}
	if src.Reconnect.Multiplier != 0 {
		dst.Reconnect.Multiplier = src.Reconnect.Multiplier
	}
	if src.Reconnect.MaxAttempts != 0 {
		dst.Reconnect.MaxAttempts = src.Reconnect.MaxAttempts
	}
	mergeLog(&dst.Log, fc.Log)
}

// ApplyEnvOverrides applies MURMUR_HOME, MURMUR_RELAY_URL and MURMUR_LOG_LEVEL.
func ApplyEnvOverrides(cfg *Config) {
	if v := strings.TrimSpace(os.Getenv("MURMUR_HOME")); v != "" {
		cfg.Home = v
	}
	if v := strings.TrimSpace(os.Getenv("MURMUR_RELAY_URL")); v != "" {
		cfg.RelayURL = v
	}
	applyLogEnv(&cfg.Log)
}

// LoadRelay builds the relay config the same way as Load. The relay has no
// home directory, so an empty path means no file.
func LoadRelay(path string) (relayserver.Config, LogConfig, error) {
	var cfg relayserver.Config
	logCfg := LogConfig{Level: "info", Format: "text"}

	fc, err := ReadFile(path)
	if err != nil {
		return cfg, logCfg, err
	}
	cfg = fc.Relay
	mergeLog(&logCfg, fc.Log)

	if v := strings.TrimSpace(os.Getenv("MURMUR_LISTEN")); v != "" {
		cfg.Listen = v
	}
	if v := strings.TrimSpace(os.Getenv("MURMUR_DATA_DIR")); v != "" {
		cfg.DataDir = v
	}
	if raw := strings.TrimSpace(os.Getenv("MURMUR_MAX_PENDING")); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			cfg.MaxPending = n
		}
	}
	applyLogEnv(&logCfg)
	return cfg, logCfg, nil
}

func mergeLog(dst *LogConfig, src LogConfig) {
	if src.Level != "" {
		dst.Level = src.Level
	}
	if src.Format != "" {
		dst.Format = src.Format
	}
}

func applyLogEnv(cfg *LogConfig) {
	if v := strings.TrimSpace(os.Getenv("MURMUR_LOG_LEVEL")); v != "" {
		cfg.Level = v
	}
	if v := strings.TrimSpace(os.Getenv("MURMUR_LOG_FORMAT")); v != "" {
		cfg.Format = v
	}
}

// NewLogger builds a logrus logger writing to stderr.
func NewLogger(cfg LogConfig) (*logrus.Logger, error) {
	logger := logrus.New()
	logger.SetOutput(os.Stderr)
	level := logrus.InfoLevel
	if cfg.Level != "" {
		var err error
		if level, err = logrus.ParseLevel(cfg.Level); err != nil {
			return nil, err
		}
	}
	logger.SetLevel(level)
	switch strings.ToLower(cfg.Format) {
	case "", "text":
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	case "json":
		logger.SetFormatter(&logrus.JSONFormatter{})
	default:
		return nil, fmt.Errorf("unknown log format %q", cfg.Format)
	}
	return logger, nil
}
