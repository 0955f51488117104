// Package config provides configuration handling for the userspace TCP engine.
package config

import (
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/nharte/tunstack/pkg/core"
	"github.com/nharte/tunstack/pkg/logging"
	"gopkg.in/yaml.v3"
)

// Config represents the complete engine configuration.
type Config struct {
	// Stack contains the TCP engine configuration.
	Stack core.StackConfig `json:"stack" yaml:"stack"`

	// Logging contains the logging configuration.
	Logging LoggingConfig `json:"logging" yaml:"logging"`

	// EchoPorts are local ports served by the built-in echo application.
	EchoPorts []int `json:"echoPorts" yaml:"echoPorts"`

	// HealthAddr is the listen address for the HTTP health/metrics endpoint.
	// Empty disables it.
	HealthAddr string `json:"healthAddr" yaml:"healthAddr"`
}

// LoggingConfig contains configuration for logging.
type LoggingConfig struct {
	// Level is the logging level (debug, info, warn, error).
	Level string `json:"level" yaml:"level"`

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
		Stack: core.StackConfig{
			LinkName:        "tun0",
			LinkIP:          "10.0.0.1",
			Subnet:          "10.0.0.0/24",
			MTU:             1500,
			Workers:         4,
			QueueDepth:      1024,
			MaxConnections:  1024,
			MaxRetries:      8,
			IdleTimeoutSec:  300,
			TimeWaitSec:     30,
			SendBufferBytes: 256 * 1024,
			ReassemblyBytes: 128 * 1024,
			Debug:           false,
		},
		Logging: LoggingConfig{
			Level:      "info",
			File:       "",
			MaxSize:    10,
			MaxBackups: 3,
			MaxAge:     7,
		},
		EchoPorts:  []int{7},
		HealthAddr: "",
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
	switch {
	case strings.HasSuffix(path, ".json"):
		if err := json.Unmarshal(data, config); err != nil {
			return fmt.Errorf("failed to parse JSON config: %w", err)
		}
	case strings.HasSuffix(path, ".yaml"), strings.HasSuffix(path, ".yml"):
		if err := yaml.Unmarshal(data, config); err != nil {
			return fmt.Errorf("failed to parse YAML config: %w", err)
		}
	default:
		return fmt.Errorf("unsupported config file format: %s", path)
	}

	return nil
}

// LoadFromEnv loads configuration from environment variables.
func LoadFromEnv(config *Config) {
	// Stack config
	if val := os.Getenv("STACK_LINK_NAME"); val != "" {
		config.Stack.LinkName = val
	}
	if val := os.Getenv("STACK_LINK_IP"); val != "" {
		config.Stack.LinkIP = val
	}
	if val := os.Getenv("STACK_SUBNET"); val != "" {
		config.Stack.Subnet = val
	}
	if val := os.Getenv("STACK_MTU"); val != "" {
		if mtu, err := strconv.Atoi(val); err == nil {
			config.Stack.MTU = mtu
		}
	}
	if val := os.Getenv("STACK_WORKERS"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			config.Stack.Workers = n
		}
	}
	if val := os.Getenv("STACK_MAX_CONNECTIONS"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			config.Stack.MaxConnections = n
		}
	}
	if val := os.Getenv("STACK_MAX_RETRIES"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			config.Stack.MaxRetries = n
		}
	}
	if val := os.Getenv("STACK_IDLE_TIMEOUT_SEC"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			config.Stack.IdleTimeoutSec = n
		}
	}
	if val := os.Getenv("STACK_TIME_WAIT_SEC"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			config.Stack.TimeWaitSec = n
		}
	}
	if val := os.Getenv("STACK_PCAP_FILE"); val != "" {
		config.Stack.PcapFile = val
	}
	if val := os.Getenv("STACK_DEBUG"); val != "" {
		config.Stack.Debug = val == "true" || val == "1"
	}

	// Logging config
	if val := os.Getenv("LOGGING_LEVEL"); val != "" {
		config.Logging.Level = val
	}
	if val := os.Getenv("LOGGING_FILE"); val != "" {
		config.Logging.File = val
	}
	if val := os.Getenv("LOGGING_MAX_SIZE"); val != "" {
		if maxSize, err := strconv.Atoi(val); err == nil {
			config.Logging.MaxSize = maxSize
		}
	}
	if val := os.Getenv("LOGGING_MAX_BACKUPS"); val != "" {
		if maxBackups, err := strconv.Atoi(val); err == nil {
			config.Logging.MaxBackups = maxBackups
		}
	}
	if val := os.Getenv("LOGGING_MAX_AGE"); val != "" {
		if maxAge, err := strconv.Atoi(val); err == nil {
			config.Logging.MaxAge = maxAge
		}
	}

	// App config
	if val := os.Getenv("ECHO_PORTS"); val != "" {
		var ports []int
		for _, part := range strings.Split(val, ",") {
			if port, err := strconv.Atoi(strings.TrimSpace(part)); err == nil {
				ports = append(ports, port)
			}
		}
		if len(ports) > 0 {
			config.EchoPorts = ports
		}
	}
	if val := os.Getenv("HEALTH_ADDR"); val != "" {
		config.HealthAddr = val
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	// Validate Stack config
	if c.Stack.LinkName == "" {
		return fmt.Errorf("link name cannot be empty")
	}
	if net.ParseIP(c.Stack.LinkIP) == nil {
		return fmt.Errorf("invalid link IP address: %s", c.Stack.LinkIP)
	}
	_, subnet, err := net.ParseCIDR(c.Stack.Subnet)
	if err != nil {
		return fmt.Errorf("invalid subnet (must be in CIDR notation, e.g., '10.0.0.0/24'): %w", err)
	}
	if !subnet.Contains(net.ParseIP(c.Stack.LinkIP)) {
		return fmt.Errorf("link IP %s is outside subnet %s", c.Stack.LinkIP, c.Stack.Subnet)
	}
	if c.Stack.MTU < 576 {
		return fmt.Errorf("invalid MTU: %d", c.Stack.MTU)
	}
	if c.Stack.Workers < 0 {
		return fmt.Errorf("invalid worker count: %d", c.Stack.Workers)
	}
	if c.Stack.MaxRetries < 0 {
		return fmt.Errorf("invalid retry bound: %d", c.Stack.MaxRetries)
	}
	for _, port := range c.EchoPorts {
		if port <= 0 || port > 65535 {
			return fmt.Errorf("invalid echo port: %d", port)
		}
	}

	// Validate Logging config
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
		// Valid levels
	default:
		return fmt.Errorf("invalid logging level: %s", c.Logging.Level)
	}

	return nil
}

// ApplyLogging applies the logging configuration.
func (c *Config) ApplyLogging() error {
	var level logging.Level
	switch c.Logging.Level {
	case "debug":
		level = logging.DebugLevel
	case "info":
		level = logging.InfoLevel
	case "warn":
		level = logging.WarnLevel
	case "error":
		level = logging.ErrorLevel
	default:
		level = logging.InfoLevel
	}
	logging.SetLevel(level)

	if c.Logging.File != "" {
		dir := "."
		filename := c.Logging.File
		if lastSlash := strings.LastIndex(c.Logging.File, "/"); lastSlash != -1 {
			dir = c.Logging.File[:lastSlash]
			filename = c.Logging.File[lastSlash+1:]
		}

		err := logging.EnableFileLogging(
			dir,
			filename,
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

	switch {
	case strings.HasSuffix(path, ".json"):
		data, err = json.MarshalIndent(c, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal config to JSON: %w", err)
		}
	case strings.HasSuffix(path, ".yaml"), strings.HasSuffix(path, ".yml"):
		data, err = yaml.Marshal(c)
		if err != nil {
			return fmt.Errorf("failed to marshal config to YAML: %w", err)
		}
	default:
		return fmt.Errorf("unsupported config file format: %s", path)
	}

	if lastSlash := strings.LastIndex(path, "/"); lastSlash != -1 {
		if err := os.MkdirAll(path[:lastSlash], 0755); err != nil {
			return fmt.Errorf("failed to create directory: %w", err)
		}
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}
