// Package config loads the proxy's runtime tunables from the environment,
// with defaults chosen to match the behavior described for the proxy core.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/joho/godotenv"
)

func lookupEnv(key string) string { return os.Getenv(key) }

// Config holds every tunable the proxy reads at startup.
type Config struct {
	Port int // positional CLI arg overrides this; env/default are a fallback for tests

	MaxConcurrent int           // C1
	AdmitTimeout  time.Duration // C1

	CacheCapacity  ByteSize      // C2, total bytes
	CacheEntryCap  ByteSize      // C2, per-entry bytes
	CacheSweep     time.Duration // C2, sweep interval

	ConnectTimeout  time.Duration // C3
	ResponseTimeout time.Duration // C3
	MaxResponseSize ByteSize      // C3
	MaxRetries      int           // C3

	TunnelIdleTimeout time.Duration // C6

	MaxRequestSize ByteSize // C4/C5

	LokiURL string
}

const (
	defaultMaxConcurrent     = 100
	defaultAdmitTimeout      = 5 * time.Second
	defaultCacheCapacity     = ByteSize(64 << 20)
	defaultCacheEntryCap     = ByteSize(10 << 20)
	defaultCacheSweep        = 30 * time.Minute
	defaultConnectTimeout    = 5 * time.Second
	defaultResponseTimeout   = 5 * time.Second
	defaultMaxResponseSize   = ByteSize(4096)
	defaultMaxRetries        = 3
	defaultTunnelIdle        = 60 * time.Second
	defaultMaxRequestSize    = ByteSize(4096)
	defaultPort              = 8080
)

// Load reads environment variables (after loading a local .env, if present)
// and returns a Config populated with defaults for anything unset.
func Load() *Config {
	_ = godotenv.Load() // optional, missing .env is not an error

	return &Config{
		Port: getEnvInt("PROXY_PORT", defaultPort),

		MaxConcurrent: getEnvInt("PROXY_MAX_CONCURRENT", defaultMaxConcurrent),
		AdmitTimeout:  getEnvDuration("PROXY_ADMIT_TIMEOUT", defaultAdmitTimeout),

		CacheCapacity: getEnvByteSize("PROXY_CACHE_CAPACITY", defaultCacheCapacity),
		CacheEntryCap: getEnvByteSize("PROXY_CACHE_ENTRY_CAP", defaultCacheEntryCap),
		CacheSweep:    getEnvDuration("PROXY_CACHE_TTL", defaultCacheSweep),

		ConnectTimeout:  getEnvDuration("PROXY_CONNECT_TIMEOUT", defaultConnectTimeout),
		ResponseTimeout: getEnvDuration("PROXY_RESPONSE_TIMEOUT", defaultResponseTimeout),
		MaxResponseSize: getEnvByteSize("PROXY_MAX_RESPONSE_BYTES", defaultMaxResponseSize),
		MaxRetries:      getEnvInt("PROXY_MAX_RETRIES", defaultMaxRetries),

		TunnelIdleTimeout: getEnvDuration("PROXY_TUNNEL_IDLE_TIMEOUT", defaultTunnelIdle),

		MaxRequestSize: getEnvByteSize("PROXY_MAX_REQUEST_BYTES", defaultMaxRequestSize),

		LokiURL: strings.TrimSpace(getEnv("PROXY_LOKI_URL", "")),
	}
}

// Summary renders the effective configuration for a startup log line.
func (c *Config) Summary() string {
	return strings.Join([]string{
		"port=" + strconv.Itoa(c.Port),
		"max_concurrent=" + strconv.Itoa(c.MaxConcurrent),
		"admit_timeout=" + c.AdmitTimeout.String(),
		"cache_capacity=" + humanize.IBytes(uint64(c.CacheCapacity)),
		"cache_entry_cap=" + humanize.IBytes(uint64(c.CacheEntryCap)),
		"cache_sweep=" + c.CacheSweep.String(),
		"connect_timeout=" + c.ConnectTimeout.String(),
		"response_timeout=" + c.ResponseTimeout.String(),
		"max_response_size=" + humanize.IBytes(uint64(c.MaxResponseSize)),
		"max_retries=" + strconv.Itoa(c.MaxRetries),
		"tunnel_idle_timeout=" + c.TunnelIdleTimeout.String(),
		"max_request_size=" + humanize.IBytes(uint64(c.MaxRequestSize)),
	}, " ")
}

func getEnv(key, def string) string {
	if v := strings.TrimSpace(lookupEnv(key)); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	v := strings.TrimSpace(lookupEnv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(lookupEnv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

func getEnvByteSize(key string, def ByteSize) ByteSize {
	v := strings.TrimSpace(lookupEnv(key))
	if v == "" {
		return def
	}
	var b ByteSize
	if err := b.UnmarshalText([]byte(v)); err != nil {
		return def
	}
	return b
}
