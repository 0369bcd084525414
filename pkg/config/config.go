package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config represents the singio-broker configuration.
//
// This structure captures the static configuration of the dispatch engine:
//   - Logging output behavior
//   - IPC front-end (domain socket, shared-memory sizing)
//   - Authz client (remote authentication/authorization server)
//   - Worker pool sizing
//   - Backend client (object-store connection)
//   - Metrics server
//
// Configuration sources (in order of precedence):
//  1. Environment variables (SINGIO_*)
//  2. Configuration file (YAML)
//  3. Default values (lowest priority)
type Config struct {
	// Logging controls log output behavior
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`

	// ShutdownTimeout is the maximum time to wait for graceful shutdown
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"required,gt=0" yaml:"shutdown_timeout"`

	// IPC contains domain socket and shared-memory sizing configuration
	IPC IPCConfig `mapstructure:"ipc" yaml:"ipc"`

	// Authz contains the remote authorization server connection settings
	Authz AuthzConfig `mapstructure:"authz" yaml:"authz"`

	// Pool contains worker pool sizing configuration
	Pool PoolConfig `mapstructure:"pool" yaml:"pool"`

	// Backend contains object-store backend connection settings
	Backend BackendConfig `mapstructure:"backend" yaml:"backend"`

	// Metrics contains Prometheus metrics server configuration
	Metrics MetricsConfig `mapstructure:"metrics" yaml:"metrics"`
}

// LoggingConfig controls logging behavior. It also carries the
// info_log_file/warning_log_file/error_log_file/fatal_log_file keys; those
// four are loaded and saved, but the logger is set up from Level, Format
// and Output only and writes no per-severity files.
type LoggingConfig struct {
	// Level is the minimum log level to output
	Level string `mapstructure:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error" yaml:"level"`

	// Format specifies the log output format: text or json
	Format string `mapstructure:"format" validate:"required,oneof=text json" yaml:"format"`

	// Output specifies where logs are written: stdout, stderr, or a file path
	Output string `mapstructure:"output" validate:"required" yaml:"output"`

	// InfoLogFile is config key info_log_file; not read by the logger
	InfoLogFile string `mapstructure:"info_log_file" yaml:"info_log_file,omitempty"`

	// WarningLogFile is config key warning_log_file; not read by the logger
	WarningLogFile string `mapstructure:"warning_log_file" yaml:"warning_log_file,omitempty"`

	// ErrorLogFile is config key error_log_file; not read by the logger
	ErrorLogFile string `mapstructure:"error_log_file" yaml:"error_log_file,omitempty"`

	// FatalLogFile is config key fatal_log_file; not read by the logger
	FatalLogFile string `mapstructure:"fatal_log_file" yaml:"fatal_log_file,omitempty"`
}

// IPCConfig controls the Unix domain socket front-end and the
// shared-memory regions handed to each Session.
type IPCConfig struct {
	// Socket is the domain socket path, config key ipc_socket
	Socket string `mapstructure:"socket" validate:"required" yaml:"socket"`

	// Backlog is config key ipc_backlog; it is logged at startup but not
	// passed to the listener, which uses the operating system's default
	// backlog
	Backlog int `mapstructure:"backlog" validate:"omitempty,min=1" yaml:"backlog"`

	// BufferSize is the frame read/write scratch buffer size, config key ipc_buffersize
	BufferSize int `mapstructure:"buffersize" validate:"omitempty,min=1" yaml:"buffersize"`

	// MinAllocBuf is config key ipc_minallocbuf; it is loaded, defaulted
	// and saved, but no allocator reads it
	MinAllocBuf int `mapstructure:"minallocbuf" validate:"omitempty,min=1" yaml:"minallocbuf"`

	// NewAllocSize is config key ipc_newallocsize; it is loaded, defaulted
	// and saved, but no allocator reads it
	NewAllocSize int `mapstructure:"newallocsize" validate:"omitempty,min=1" yaml:"newallocsize"`

	// ReadSmSize is the default size of a Session's dedicated read shmem
	// region, config key ipc_readsmsize
	ReadSmSize int `mapstructure:"readsmsize" validate:"omitempty,min=1" yaml:"readsmsize"`

	// WriteSmSize is the default size of a Session's dedicated write
	// shmem region, config key ipc_writesmsize
	WriteSmSize int `mapstructure:"writesmsize" validate:"omitempty,min=1" yaml:"writesmsize"`
}

// AuthzConfig controls the connection to the remote authorization server.
type AuthzConfig struct {
	// ServerIP is the authz server address, config key auth_server_ip
	ServerIP string `mapstructure:"server_ip" validate:"required" yaml:"server_ip"`

	// ServerPort is the authz server port, config key auth_server_port
	ServerPort int `mapstructure:"server_port" validate:"required,min=1,max=65535" yaml:"server_port"`

	// RequestTimeout bounds a single authz round trip
	RequestTimeout time.Duration `mapstructure:"request_timeout" yaml:"request_timeout"`

	// MaxWindow bounds the number of in-flight authz requests per connection
	MaxWindow int `mapstructure:"max_window" validate:"omitempty,min=1" yaml:"max_window"`

	// MaxRetries is loaded, defaulted and saved; the authz client does not
	// read it and makes no reconnection attempts of its own
	MaxRetries int `mapstructure:"max_retries" validate:"omitempty,min=0" yaml:"max_retries"`
}

// PoolConfig controls worker pool sizing.
type PoolConfig struct {
	// MinWorkers is only checked to be no greater than MaxWorkers; the pool
	// does not read it and always keeps at least one Worker
	MinWorkers int `mapstructure:"min_workers" validate:"omitempty,min=1" yaml:"min_workers"`

	// MaxWorkers caps pool growth; spec default is 48
	MaxWorkers int `mapstructure:"max_workers" validate:"omitempty,min=1" yaml:"max_workers"`

	// QueueCapacity bounds the per-worker task queue depth
	QueueCapacity int `mapstructure:"queue_capacity" validate:"omitempty,min=1" yaml:"queue_capacity"`
}

// BackendConfig controls the object-store backend connection.
type BackendConfig struct {
	// Region is the backend object-store region
	Region string `mapstructure:"region" yaml:"region"`

	// Endpoint overrides the default object-store endpoint (for
	// S3-compatible clusters that are not AWS S3)
	Endpoint string `mapstructure:"endpoint" yaml:"endpoint,omitempty"`

	// MaxConcurrentIOs bounds in-flight backend requests across all fragments
	MaxConcurrentIOs int `mapstructure:"max_concurrent_ios" validate:"omitempty,min=1" yaml:"max_concurrent_ios"`

	// RequestTimeout is loaded, defaulted and saved; it is not passed to
	// the backend client, so backend round trips have no timeout from it
	RequestTimeout time.Duration `mapstructure:"request_timeout" yaml:"request_timeout"`
}

// MetricsConfig configures the Prometheus metrics HTTP server.
type MetricsConfig struct {
	// Enabled controls whether metrics collection and HTTP server are enabled
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// Port is the HTTP port for the metrics endpoint
	Port int `mapstructure:"port" validate:"omitempty,min=1,max=65535" yaml:"port"`
}

// Load loads configuration from file, environment, and defaults.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setupViper(v, configPath)

	configFileFound, err := readConfigFile(v)
	if err != nil {
		return nil, err
	}

	if !configFileFound {
		cfg := GetDefaultConfig()
		return cfg, nil
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(configDecodeHooks())); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	ApplyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

// MustLoad loads configuration with helpful error messages.
func MustLoad(configPath string) (*Config, error) {
	if configPath == "" {
		if !DefaultConfigExists() {
			return nil, fmt.Errorf("no configuration file found at default location: %s\n\n"+
				"Please initialize a configuration file first:\n"+
				"  singio-broker init\n\n"+
				"Or specify a custom config file:\n"+
				"  singio-broker start --config /path/to/config.yaml",
				GetDefaultConfigPath())
		}
		configPath = GetDefaultConfigPath()
	} else {
		if _, err := os.Stat(configPath); os.IsNotExist(err) {
			return nil, fmt.Errorf("configuration file not found: %s\n\n"+
				"Please create the configuration file:\n"+
				"  singio-broker init --config %s",
				configPath, configPath)
		}
	}

	cfg, err := Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	return cfg, nil
}

// SaveConfig saves the configuration to the specified file path.
func SaveConfig(cfg *Config, path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// setupViper configures viper with environment variables and config file settings.
func setupViper(v *viper.Viper, configPath string) {
	v.SetEnvPrefix("SINGIO")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		configDir := getConfigDir()
		v.AddConfigPath(configDir)
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}
}

// readConfigFile reads the configuration file if it exists.
func readConfigFile(v *viper.Viper) (bool, error) {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return false, nil
		}
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to read config file: %w", err)
	}

	return true, nil
}

// configDecodeHooks returns a combined decode hook for time.Duration parsing.
func configDecodeHooks() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		durationDecodeHook(),
	)
}

// durationDecodeHook converts strings like "30s", "5m" to time.Duration.
func durationDecodeHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != reflect.TypeOf(time.Duration(0)) {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			return time.ParseDuration(v)
		case int:
			return time.Duration(v), nil
		case int64:
			return time.Duration(v), nil
		case float64:
			return time.Duration(v), nil
		default:
			return data, nil
		}
	}
}

// getConfigDir returns the configuration directory path.
func getConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "singio-broker")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}

	return filepath.Join(home, ".config", "singio-broker")
}

// GetDefaultConfigPath returns the default configuration file path.
func GetDefaultConfigPath() string {
	return filepath.Join(getConfigDir(), "config.yaml")
}

// DefaultConfigExists checks if a config file exists at the default location.
func DefaultConfigExists() bool {
	path := GetDefaultConfigPath()
	_, err := os.Stat(path)
	return err == nil
}

// GetConfigDir returns the configuration directory path (exposed for init command).
func GetConfigDir() string {
	return getConfigDir()
}
