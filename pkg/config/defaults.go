package config

import (
	"time"
)

// ApplyDefaults sets default values for any unspecified configuration fields.
//
// Zero values are replaced with defaults; explicit values are preserved.
func ApplyDefaults(cfg *Config) {
	applyLoggingDefaults(&cfg.Logging)
	applyShutdownDefaults(cfg)
	applyIPCDefaults(&cfg.IPC)
	applyAuthzDefaults(&cfg.Authz)
	applyPoolDefaults(&cfg.Pool)
	applyBackendDefaults(&cfg.Backend)
	applyMetricsDefaults(&cfg.Metrics)
}

// applyLoggingDefaults sets logging defaults and normalizes values.
func applyLoggingDefaults(cfg *LoggingConfig) {
	if cfg.Level == "" {
		cfg.Level = "INFO"
	}

	if cfg.Format == "" {
		cfg.Format = "text"
	}
	if cfg.Output == "" {
		cfg.Output = "stdout"
	}
}

func applyShutdownDefaults(cfg *Config) {
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
}

// applyIPCDefaults sets domain socket and shmem sizing defaults.
func applyIPCDefaults(cfg *IPCConfig) {
	if cfg.Socket == "" {
		cfg.Socket = "/tmp/singio-broker.sock"
	}
	if cfg.Backlog == 0 {
		cfg.Backlog = 128
	}
	if cfg.BufferSize == 0 {
		cfg.BufferSize = 64 << 10
	}
	if cfg.MinAllocBuf == 0 {
		cfg.MinAllocBuf = 4 << 10
	}
	if cfg.NewAllocSize == 0 {
		cfg.NewAllocSize = 16 << 20
	}
	if cfg.ReadSmSize == 0 {
		cfg.ReadSmSize = 8 << 20
	}
	if cfg.WriteSmSize == 0 {
		cfg.WriteSmSize = 8 << 20
	}
}

// applyAuthzDefaults sets remote authorization server connection defaults.
func applyAuthzDefaults(cfg *AuthzConfig) {
	if cfg.ServerIP == "" {
		cfg.ServerIP = "127.0.0.1"
	}
	if cfg.ServerPort == 0 {
		cfg.ServerPort = 8443
	}
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = 10 * time.Second
	}
	if cfg.MaxWindow == 0 {
		cfg.MaxWindow = 64
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}
}

// applyPoolDefaults sets worker pool sizing defaults.
//
// Mirrors the sizing formula of min(max(cores-free, 1), 10, cap) from the
// dispatch design, but defers the "free" term (current load) to the pool
// at runtime; here we only seed the static floor/ceiling.
func applyPoolDefaults(cfg *PoolConfig) {
	if cfg.MinWorkers == 0 {
		cfg.MinWorkers = 1
	}
	if cfg.MaxWorkers == 0 {
		cfg.MaxWorkers = 48
	}
	if cfg.QueueCapacity == 0 {
		cfg.QueueCapacity = 256
	}
}

// applyBackendDefaults sets object-store backend defaults.
func applyBackendDefaults(cfg *BackendConfig) {
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}
	if cfg.MaxConcurrentIOs == 0 {
		cfg.MaxConcurrentIOs = 64
	}
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
}

// applyMetricsDefaults sets metrics defaults.
func applyMetricsDefaults(cfg *MetricsConfig) {
	if cfg.Enabled && cfg.Port == 0 {
		cfg.Port = 9090
	}
}

// GetDefaultConfig returns a Config struct with all default values applied.
func GetDefaultConfig() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}
