// Package config loads the gateway's startup configuration from the process
// environment exactly once. It returns a plain value; nothing here is a
// mutable global, and nothing is re-read after Load returns.
package config

import (
	"os"
	"strconv"

	"gateway/internal/xerrors"
)

// Credentials is the immutable {api_key, api_secret, base_url} triple the
// dispatcher authenticates and sends RPCs with.
type Credentials struct {
	APIKey    string
	APISecret string
	BaseURL   string
}

// Upstream describes the upstream venue's WebSocket endpoint.
type Upstream struct {
	Host string
	Port string
	Path string
}

// Downstream describes the local fan-out server's listen address and the
// frame mode it serves to subscribers.
type Downstream struct {
	Address        string
	Port           string
	BinaryProtocol bool
}

// Config is the resolved, read-once configuration for the whole process.
type Config struct {
	Credentials Credentials
	Upstream    Upstream
	Downstream  Downstream
}

// Load reads every environment variable the gateway consumes and returns a
// fully-populated Config, or a ConfigError if a required variable is
// missing. Only the key and secret are required, mirroring the original
// client's constructor which guards just those two; an unset
// DERIBIT_BASE_URL falls back to https://www.deribit.com.
func Load() (Config, error) {
	apiKey := os.Getenv("DERIBIT_API_KEY")
	apiSecret := os.Getenv("DERIBIT_API_SECRET")
	if apiKey == "" || apiSecret == "" {
		return Config{}, xerrors.Config("missing DERIBIT_API_KEY or DERIBIT_API_SECRET")
	}

	cfg := Config{
		Credentials: Credentials{
			APIKey:    apiKey,
			APISecret: apiSecret,
			BaseURL:   getenv("DERIBIT_BASE_URL", "https://www.deribit.com"),
		},
		Upstream: Upstream{
			Host: getenv("GATEWAY_UPSTREAM_WS_HOST", "www.deribit.com"),
			Port: getenv("GATEWAY_UPSTREAM_WS_PORT", "443"),
			Path: getenv("GATEWAY_UPSTREAM_WS_PATH", "/ws/api/v2"),
		},
		Downstream: Downstream{
			Address:        getenv("GATEWAY_LISTEN_ADDR", "0.0.0.0"),
			Port:           getenv("GATEWAY_LISTEN_PORT", "8080"),
			BinaryProtocol: parseBool(os.Getenv("BINARY_PROTOCOL")),
		},
	}

	return cfg, nil
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func parseBool(v string) bool {
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false
	}
	return b
}
