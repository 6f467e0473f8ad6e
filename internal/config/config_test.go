package config_test

import (
	"testing"
	"time"

	"traefik-challenge-2/internal/config"
)

func TestLoad_Defaults(t *testing.T) {
	cfg := config.Load()
	if cfg.Port != 8080 {
		t.Fatalf("want default port 8080, got %d", cfg.Port)
	}
	if cfg.MaxConcurrent != 100 {
		t.Fatalf("want default max concurrent 100, got %d", cfg.MaxConcurrent)
	}
	if cfg.AdmitTimeout != 5*time.Second {
		t.Fatalf("want default admit timeout 5s, got %v", cfg.AdmitTimeout)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("PROXY_PORT", "9090")
	t.Setenv("PROXY_CACHE_CAPACITY", "128MB")
	t.Setenv("PROXY_MAX_RETRIES", "7")

	cfg := config.Load()
	if cfg.Port != 9090 {
		t.Fatalf("want 9090, got %d", cfg.Port)
	}
	if cfg.CacheCapacity != 128<<20 {
		t.Fatalf("want 128MB, got %d", cfg.CacheCapacity)
	}
	if cfg.MaxRetries != 7 {
		t.Fatalf("want 7, got %d", cfg.MaxRetries)
	}
}

func TestLoad_InvalidValueFallsBackToDefault(t *testing.T) {
	t.Setenv("PROXY_MAX_CONCURRENT", "not-a-number")
	cfg := config.Load()
	if cfg.MaxConcurrent != 100 {
		t.Fatalf("want default 100 on invalid input, got %d", cfg.MaxConcurrent)
	}
}

func TestByteSize_ParsesSuffixes(t *testing.T) {
	var b config.ByteSize
	for _, tc := range []struct {
		in   string
		want int64
	}{
		{"1024", 1024},
		{"1KB", 1 << 10},
		{"2MB", 2 << 20},
		{"1GB", 1 << 30},
	} {
		if err := b.UnmarshalText([]byte(tc.in)); err != nil {
			t.Fatalf("%q: %v", tc.in, err)
		}
		if int64(b) != tc.want {
			t.Fatalf("%q: want %d, got %d", tc.in, tc.want, int64(b))
		}
	}
}
