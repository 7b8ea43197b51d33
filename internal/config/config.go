// Package config holds the process-wide proxy configuration.
package config

import (
	"os"
	"strconv"
	"strings"
	"sync"
)

var (
	instance *Config
	once     sync.Once
)

// Config aggregates all component configuration for the forward proxy.
// Mirrors the singleton aggregate pattern used throughout this codebase.
type Config struct {
	Server  ServerConfig
	Cache   CacheConfig
	Logging LoggingConfig
	Tracing TracingConfig
	Metrics MetricsConfig
}

// ServerConfig controls the listening socket and per-client worker limits.
type ServerConfig struct {
	Port           int // TCP port for the forward proxy listener, default 8080
	MaxClients     int // concurrent worker ceiling (admission gate capacity)
	MaxHeaderBytes int // header accumulation ceiling before a 400 is returned
}

// CacheConfig controls the LRU response cache.
type CacheConfig struct {
	CapacityBytes int64 // total bytes across all cached key+value pairs
}

// LoggingConfig holds the logging settings read from the environment.
// logging.NewLogger does not read them: it always emits JSON at debug
// level.
type LoggingConfig struct {
	JSON  bool   // from FWDPROXY_LOG_JSON
	Level string // from FWDPROXY_LOG_LEVEL: debug|info|warn|error
}

// TracingConfig controls OpenTelemetry distributed tracing.
type TracingConfig struct {
	Enabled        bool
	ServiceName    string
	ServiceVersion string
	Environment    string
	JaegerEndpoint string
	OTLPEndpoint   string
	SamplingRatio  float64
}

// MetricsConfig controls the Prometheus metrics exposition listener.
type MetricsConfig struct {
	ListenAddr string // empty disables the metrics HTTP listener
}

const (
	defaultPort           = 8080
	defaultMaxClients     = 400
	defaultMaxHeaderBytes = 65536
	defaultCacheBytes     = int64(200) * 1024 * 1024
)

// DefaultConfig returns configuration with the values spec.md fixes as
// defaults: port 8080, 400 concurrent clients, a 64 KiB header ceiling, and
// a 200 MiB cache.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:           defaultPort,
			MaxClients:     defaultMaxClients,
			MaxHeaderBytes: defaultMaxHeaderBytes,
		},
		Cache: CacheConfig{
			CapacityBytes: defaultCacheBytes,
		},
		Logging: LoggingConfig{
			JSON:  true,
			Level: "info",
		},
		Tracing: TracingConfig{
			Enabled:        false,
			ServiceName:    "fwdproxy",
			ServiceVersion: "1.0.0",
			Environment:    "development",
			SamplingRatio:  0.1,
		},
		Metrics: MetricsConfig{
			ListenAddr: "",
		},
	}
}

// GetInstance returns the singleton config instance, loading it from the
// environment on first use.
func GetInstance() *Config {
	once.Do(func() {
		instance = loadFromEnv()
	})
	return instance
}

// SetPort overrides the singleton's listening port. Used by cmd/proxy to
// apply the single optional CLI port argument spec.md permits.
func SetPort(port int) {
	GetInstance().Server.Port = port
}

// loadFromEnv builds a Config from defaults overridden by environment
// variables, in the style of jroosing-HydraDNS's rate limiter env helpers.
func loadFromEnv() *Config {
	cfg := DefaultConfig()

	cfg.Server.Port = envInt("FWDPROXY_PORT", cfg.Server.Port)
	cfg.Server.MaxClients = envInt("FWDPROXY_MAX_CLIENTS", cfg.Server.MaxClients)
	cfg.Server.MaxHeaderBytes = envInt("FWDPROXY_MAX_HEADER_BYTES", cfg.Server.MaxHeaderBytes)

	cfg.Cache.CapacityBytes = envInt64("FWDPROXY_CACHE_CAPACITY_BYTES", cfg.Cache.CapacityBytes)

	cfg.Logging.JSON = envBool("FWDPROXY_LOG_JSON", cfg.Logging.JSON)
	cfg.Logging.Level = envString("FWDPROXY_LOG_LEVEL", cfg.Logging.Level)

	cfg.Tracing.Enabled = envBool("FWDPROXY_TRACING_ENABLED", cfg.Tracing.Enabled)
	cfg.Tracing.ServiceName = envString("FWDPROXY_SERVICE_NAME", cfg.Tracing.ServiceName)
	cfg.Tracing.Environment = envString("FWDPROXY_ENVIRONMENT", cfg.Tracing.Environment)
	cfg.Tracing.JaegerEndpoint = envString("FWDPROXY_JAEGER_ENDPOINT", cfg.Tracing.JaegerEndpoint)
	cfg.Tracing.OTLPEndpoint = envString("FWDPROXY_OTLP_ENDPOINT", cfg.Tracing.OTLPEndpoint)
	cfg.Tracing.SamplingRatio = envFloat("FWDPROXY_SAMPLING_RATIO", cfg.Tracing.SamplingRatio)

	cfg.Metrics.ListenAddr = envString("FWDPROXY_METRICS_ADDR", cfg.Metrics.ListenAddr)

	return cfg
}

func envString(name, def string) string {
	if v, ok := os.LookupEnv(name); ok {
		v = strings.TrimSpace(v)
		if v != "" {
			return v
		}
	}
	return def
}

func envInt(name string, def int) int {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return v
}

func envInt64(name string, def int64) int64 {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return def
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return def
	}
	return v
}

func envFloat(name string, def float64) float64 {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return def
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return def
	}
	return v
}

func envBool(name string, def bool) bool {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return def
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return def
	}
	return v
}
