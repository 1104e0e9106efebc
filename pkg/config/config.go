// Package config provides configuration handling for a tpmeter node.
package config

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/irctrakz/tpmeter/pkg/core"
	"github.com/irctrakz/tpmeter/pkg/link"
	"github.com/irctrakz/tpmeter/pkg/logging"
	"github.com/irctrakz/tpmeter/pkg/tp"
	"gopkg.in/yaml.v3"
)

// Config represents the complete node configuration.
type Config struct {
	// Meter contains the throughput meter tunables.
	Meter MeterConfig `json:"meter" yaml:"meter"`

	// Link contains the mesh link configuration.
	Link LinkConfig `json:"link" yaml:"link"`

	// API contains the control API configuration.
	API APIConfig `json:"api" yaml:"api"`

	// History contains the result history configuration.
	History HistoryConfig `json:"history" yaml:"history"`

	// Metrics contains the periodic metrics reporter configuration.
	Metrics MetricsConfig `json:"metrics" yaml:"metrics"`

	// Logging contains the logging configuration.
	Logging LoggingConfig `json:"logging" yaml:"logging"`

	// Debug copies frame data on every access.
	Debug bool `json:"debug" yaml:"debug"`
}

// MeterConfig contains the meter tunables. Durations are in milliseconds.
type MeterConfig struct {
	SegmentSize       int `json:"segment_size" yaml:"segmentSize"`
	MaxSessions       int `json:"max_sessions" yaml:"maxSessions"`
	DefaultTestLength int `json:"default_test_length_ms" yaml:"defaultTestLengthMs"`
	RecvTimeout       int `json:"recv_timeout_ms" yaml:"recvTimeoutMs"`
	InitialRTO        int `json:"initial_rto_ms" yaml:"initialRtoMs"`

	// MinRTO floors the retransmission timeout; zero disables the floor.
	MinRTO int `json:"min_rto_ms" yaml:"minRtoMs"`

	MaxRTO       int `json:"max_rto_ms" yaml:"maxRtoMs"`
	WaitInterval int `json:"wait_interval_ms" yaml:"waitIntervalMs"`
}

// LinkConfig contains the UDP mesh link configuration.
type LinkConfig struct {
	// LocalAddr is the mesh address of this node.
	LocalAddr string `json:"local_addr" yaml:"localAddr"`

	// ListenAddr is the UDP address frames are received on.
	ListenAddr string `json:"listen_addr" yaml:"listenAddr"`

	// TOS is the IPv4 type-of-service byte of outgoing frames.
	TOS int `json:"tos" yaml:"tos"`

	// TTL is the IPv4 TTL of outgoing frames.
	TTL int `json:"ttl" yaml:"ttl"`

	// Workers is the number of dispatch workers.
	Workers int `json:"workers" yaml:"workers"`

	// QueueCap is the total dispatch queue capacity.
	QueueCap int `json:"queue_cap" yaml:"queueCap"`

	// Neighbors maps mesh addresses to UDP endpoints.
	Neighbors map[string]string `json:"neighbors" yaml:"neighbors"`
}

// APIConfig contains the control API configuration.
type APIConfig struct {
	// ListenAddr is the TCP address of the API. Empty disables the API.
	ListenAddr string `json:"listen_addr" yaml:"listenAddr"`
}

// HistoryConfig contains the result history configuration.
type HistoryConfig struct {
	// Path is the bbolt database file. Empty disables history.
	Path string `json:"path" yaml:"path"`
}

// MetricsConfig contains the periodic metrics reporter configuration.
type MetricsConfig struct {
	// Interval is the reporting interval in seconds. Zero disables it.
	Interval int `json:"interval" yaml:"interval"`

	// Format is "text" or "json".
	Format string `json:"format" yaml:"format"`
}

// LoggingConfig contains configuration for logging.
type LoggingConfig struct {
	// Level is the logging level (debug, info, warn, error).
	Level string `json:"level" yaml:"level"`

	// Format is "text" or "json".
	Format string `json:"format" yaml:"format"`

	// File is the log file path.
	File string `json:"file" yaml:"file"`

	// MaxSize is the maximum size of the log file in megabytes.
	MaxSize int `json:"maxSize" yaml:"maxSize"`

	// MaxBackups is the maximum number of old log files to retain.
	MaxBackups int `json:"maxBackups" yaml:"maxBackups"`

	// MaxAge is the maximum number of days to retain old log files.
	MaxAge int `json:"maxAge" yaml:"maxAge"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Meter: MeterConfig{
			SegmentSize:       tp.DefaultSegmentSize,
			MaxSessions:       tp.DefaultMaxSessions,
			DefaultTestLength: int(tp.DefaultTestLength / time.Millisecond),
			RecvTimeout:       int(tp.DefaultRecvTimeout / time.Millisecond),
			InitialRTO:        int(tp.DefaultInitialRTO / time.Millisecond),
			MinRTO:            int(tp.DefaultMinRTO / time.Millisecond),
			MaxRTO:            int(tp.DefaultMaxRTO / time.Millisecond),
			WaitInterval:      int(tp.DefaultWaitInterval / time.Millisecond),
		},
		Link: LinkConfig{
			ListenAddr: "0.0.0.0:4305",
			Neighbors:  map[string]string{},
		},
		API: APIConfig{
			ListenAddr: "127.0.0.1:8405",
		},
		Metrics: MetricsConfig{
			Interval: 0,
			Format:   "text",
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			File:       "",
			MaxSize:    10,
			MaxBackups: 3,
			MaxAge:     7,
		},
	}
}

// LoadFromFile loads configuration from a file.
func LoadFromFile(path string, config *Config) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open config file: %w", err)
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	// Determine file format based on extension
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		if err := json.Unmarshal(data, config); err != nil {
			return fmt.Errorf("failed to parse JSON config: %w", err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, config); err != nil {
			return fmt.Errorf("failed to parse YAML config: %w", err)
		}
	default:
		return fmt.Errorf("unsupported config file format: %s", path)
	}

	return nil
}

func envInt(name string, dst *int) {
	if val := os.Getenv(name); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			*dst = n
		} else {
			logging.Warnf("Ignoring %s=%q: %v", name, val, err)
		}
	}
}

func envString(name string, dst *string) {
	if val := os.Getenv(name); val != "" {
		*dst = val
	}
}

// LoadFromEnv loads configuration from TPMETER_* environment variables.
// TPMETER_LINK_NEIGHBORS takes a comma separated list of addr=endpoint
// pairs that are added to the configured neighbors.
func LoadFromEnv(config *Config) {
	// Meter config
	envInt("TPMETER_SEGMENT_SIZE", &config.Meter.SegmentSize)
	envInt("TPMETER_MAX_SESSIONS", &config.Meter.MaxSessions)
	envInt("TPMETER_TEST_LENGTH_MS", &config.Meter.DefaultTestLength)
	envInt("TPMETER_RECV_TIMEOUT_MS", &config.Meter.RecvTimeout)
	envInt("TPMETER_INITIAL_RTO_MS", &config.Meter.InitialRTO)
	envInt("TPMETER_MIN_RTO_MS", &config.Meter.MinRTO)
	envInt("TPMETER_MAX_RTO_MS", &config.Meter.MaxRTO)

	// Link config
	envString("TPMETER_LOCAL_ADDR", &config.Link.LocalAddr)
	envString("TPMETER_LISTEN_ADDR", &config.Link.ListenAddr)
	envInt("TPMETER_LINK_TOS", &config.Link.TOS)
	envInt("TPMETER_LINK_TTL", &config.Link.TTL)
	envInt("TPMETER_LINK_WORKERS", &config.Link.Workers)
	envInt("TPMETER_LINK_QUEUE_CAP", &config.Link.QueueCap)
	if val := os.Getenv("TPMETER_LINK_NEIGHBORS"); val != "" {
		if config.Link.Neighbors == nil {
			config.Link.Neighbors = make(map[string]string)
		}
		for _, pair := range strings.Split(val, ",") {
			addr, endpoint, ok := strings.Cut(strings.TrimSpace(pair), "=")
			if !ok {
				logging.Warnf("Ignoring malformed neighbor %q", pair)
				continue
			}
			config.Link.Neighbors[strings.TrimSpace(addr)] = strings.TrimSpace(endpoint)
		}
	}

	// API, history and metrics config
	envString("TPMETER_API_ADDR", &config.API.ListenAddr)
	envString("TPMETER_HISTORY_PATH", &config.History.Path)
	envInt("TPMETER_METRICS_INTERVAL", &config.Metrics.Interval)
	envString("TPMETER_METRICS_FORMAT", &config.Metrics.Format)

	// Logging config
	envString("TPMETER_LOG_LEVEL", &config.Logging.Level)
	envString("TPMETER_LOG_FORMAT", &config.Logging.Format)
	envString("TPMETER_LOG_FILE", &config.Logging.File)
	envInt("TPMETER_LOG_MAX_SIZE", &config.Logging.MaxSize)
	envInt("TPMETER_LOG_MAX_BACKUPS", &config.Logging.MaxBackups)
	envInt("TPMETER_LOG_MAX_AGE", &config.Logging.MaxAge)

	if val := os.Getenv("TPMETER_DEBUG"); val != "" {
		config.Debug = val == "true" || val == "1"
	}
}

// MeterConfig returns the meter configuration.
func (c *Config) MeterConfig() tp.Config {
	ms := func(v int) time.Duration { return time.Duration(v) * time.Millisecond }
	return tp.Config{
		SegmentSize:       c.Meter.SegmentSize,
		MaxSessions:       c.Meter.MaxSessions,
		DefaultTestLength: ms(c.Meter.DefaultTestLength),
		RecvTimeout:       ms(c.Meter.RecvTimeout),
		InitialRTO:        ms(c.Meter.InitialRTO),
		MinRTO:            ms(c.Meter.MinRTO),
		MaxRTO:            ms(c.Meter.MaxRTO),
		WaitInterval:      ms(c.Meter.WaitInterval),
	}
}

// LinkConfig returns the UDP link configuration.
func (c *Config) LinkConfig() link.Config {
	neighbors := make(map[string]string, len(c.Link.Neighbors))
	for k, v := range c.Link.Neighbors {
		neighbors[k] = v
	}
	return link.Config{
		LocalAddr:  c.Link.LocalAddr,
		ListenAddr: c.Link.ListenAddr,
		TOS:        c.Link.TOS,
		TTL:        c.Link.TTL,
		Neighbors:  neighbors,
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if err := c.MeterConfig().Validate(); err != nil {
		return fmt.Errorf("invalid meter config: %w", err)
	}

	if c.Link.LocalAddr == "" {
		return fmt.Errorf("link local address cannot be empty")
	}
	if err := c.LinkConfig().Validate(); err != nil {
		return fmt.Errorf("invalid link config: %w", err)
	}
	if c.Link.Workers < 0 {
		return fmt.Errorf("invalid dispatch worker count: %d", c.Link.Workers)
	}
	if c.Link.QueueCap < 0 {
		return fmt.Errorf("invalid dispatch queue capacity: %d", c.Link.QueueCap)
	}

	if c.Metrics.Interval < 0 {
		return fmt.Errorf("invalid metrics interval: %d", c.Metrics.Interval)
	}
	switch c.Metrics.Format {
	case "text", "json":
	default:
		return fmt.Errorf("invalid metrics format: %s", c.Metrics.Format)
	}

	if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("invalid logging level: %s", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("invalid logging format: %s", c.Logging.Format)
	}

	return nil
}

// ApplyLogging applies the logging and debug configuration.
func (c *Config) ApplyLogging() error {
	level, err := logging.ParseLevel(c.Logging.Level)
	if err != nil {
		level = logging.InfoLevel
	}
	logging.SetLevel(level)
	if err := logging.SetFormat(c.Logging.Format); err != nil {
		return err
	}
	core.SetDebugMode(c.Debug)

	// Enable file logging if configured
	if c.Logging.File != "" {
		err := logging.EnableFileLogging(
			c.Logging.File,
			c.Logging.MaxSize,
			c.Logging.MaxBackups,
			c.Logging.MaxAge,
		)
		if err != nil {
			return fmt.Errorf("failed to enable file logging: %w", err)
		}
	}

	return nil
}

// SaveToFile saves the configuration to a file.
func (c *Config) SaveToFile(path string) error {
	var data []byte
	var err error

	// Determine file format based on extension
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		data, err = json.MarshalIndent(c, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal config to JSON: %w", err)
		}
	case ".yaml", ".yml":
		data, err = yaml.Marshal(c)
		if err != nil {
			return fmt.Errorf("failed to marshal config to YAML: %w", err)
		}
	default:
		return fmt.Errorf("unsupported config file format: %s", path)
	}

	// Create directory if it doesn't exist
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	// Write to file
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}
