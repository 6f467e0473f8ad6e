// Package applog is the proxy's structured logger: a local log.Print plus a
// best-effort, fire-and-forget push to Loki when one is configured. No call
// in this package may block request handling.
package applog

import (
	"bytes"
	"encoding/json"
	"flag"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

var (
	lokiURL    string
	lokiOnce   sync.Once
	lokiClient = &http.Client{Timeout: 200 * time.Millisecond}

	infoEnabled  = true
	debugEnabled = false
	errorEnabled = true
)

// initLoki lazily resolves the Loki push URL, preferring PROXY_LOKI_URL and
// falling back to configs/config.yaml's metrics.loki_url. The config file, and
// with it the logging level toggles, is read only when PROXY_LOKI_URL is unset.
func initLoki() {
	lokiURL = strings.TrimSpace(os.Getenv("PROXY_LOKI_URL"))

	if lokiURL == "" {
		for _, candidate := range []string{"configs/config.yaml", "configs/config.yml"} {
			if _, err := os.Stat(candidate); err != nil {
				continue
			}
			var cfg struct {
				Metrics *struct {
					LokiURL string `yaml:"loki_url"`
				} `yaml:"metrics"`
				Logging *struct {
					InfoEnabled  *bool `yaml:"info_enabled"`
					DebugEnabled *bool `yaml:"debug_enabled"`
					ErrorEnabled *bool `yaml:"error_enabled"`
				} `yaml:"logging"`
			}
			b, err := os.ReadFile(candidate)
			if err != nil {
				continue
			}
			if err := yaml.Unmarshal(b, &cfg); err != nil {
				continue
			}
			if cfg.Metrics != nil && strings.TrimSpace(cfg.Metrics.LokiURL) != "" {
				lokiURL = strings.TrimSpace(cfg.Metrics.LokiURL)
			}
			if cfg.Logging != nil {
				if cfg.Logging.InfoEnabled != nil {
					infoEnabled = *cfg.Logging.InfoEnabled
				}
				if cfg.Logging.DebugEnabled != nil {
					debugEnabled = *cfg.Logging.DebugEnabled
				}
				if cfg.Logging.ErrorEnabled != nil {
					errorEnabled = *cfg.Logging.ErrorEnabled
				}
			}
			break
		}
	}

	if lokiURL != "" && !strings.Contains(lokiURL, "/loki/api/v1/push") {
		lokiURL = strings.TrimRight(lokiURL, "/") + "/loki/api/v1/push"
	}
}

func levelEnabled(level string) bool {
	switch level {
	case "debug":
		return debugEnabled
	case "error":
		return errorEnabled
	default:
		return infoEnabled
	}
}

func logEnabled() bool {
	// Quiet during `go test` runs so test output stays readable.
	if flag.Lookup("test.v") != nil || flag.Lookup("test.run") != nil {
		return false
	}
	return true
}

// Emit prints the line locally (if enabled for the level) and forwards it to
// Loki with a "level" stream label.
func Emit(level, app string, labels map[string]string, line string) {
	level = strings.ToLower(level)
	if logEnabled() && levelEnabled(level) {
		log.Print(line)
	}
	pushLoki(level, app, labels, line)
}

func pushLoki(level, app string, labels map[string]string, line string) {
	lokiOnce.Do(initLoki)
	if lokiURL == "" || !levelEnabled(level) {
		return
	}

	streamLabels := map[string]string{"app": app, "level": level}
	for k, v := range labels {
		if strings.TrimSpace(k) == "" {
			continue
		}
		streamLabels[k] = v
	}

	ts := strconv.FormatInt(time.Now().UnixNano(), 10)
	payload := struct {
		Streams []struct {
			Stream map[string]string `json:"stream"`
			Values [][2]string       `json:"values"`
		} `json:"streams"`
	}{
		Streams: []struct {
			Stream map[string]string `json:"stream"`
			Values [][2]string       `json:"values"`
		}{
			{Stream: streamLabels, Values: [][2]string{{ts, line}}},
		},
	}

	b, err := json.Marshal(payload)
	if err != nil {
		return
	}
	req, err := http.NewRequest(http.MethodPost, lokiURL, bytes.NewReader(b))
	if err != nil {
		return
	}
	req.Header.Set("Content-Type", "application/json")
	go func() { // fire-and-forget
		if resp, err := lokiClient.Do(req); err == nil {
			_ = resp.Body.Close()
		}
	}()
}

// MustHostname returns the local hostname, or "unknown" if it cannot be read.
func MustHostname() string {
	h, err := os.Hostname()
	if err != nil || h == "" {
		return "unknown"
	}
	return h
}
