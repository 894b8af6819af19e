// Package config resolves node configuration from environment variables,
// with defaults matching a single-node bench setup.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/alepez/racegate/peripheral"
	"github.com/alepez/racegate/wire"
)

const (
	envNodeAddress    = "RACEGATE_NODE_ADDRESS"
	envWiFiConfig     = "RACEGATE_WIFI_CONFIG"
	envLogLevel       = "RACEGATE_LOG_LEVEL"
	envLogJSON        = "RACEGATE_LOG_JSON"
	envHTTPAddr       = "RACEGATE_HTTP_ADDR"
	envBroadcastAddr  = "RACEGATE_BROADCAST_ADDR"
	envBindAddr       = "RACEGATE_BIND_ADDR"
)

// Config is the fully resolved node configuration.
type Config struct {
	// Address is set only when RACEGATE_NODE_ADDRESS overrides the DIP
	// switch; nil means "read the DIP switch at boot".
	Address *wire.NodeAddress

	WiFi peripheral.WiFiConfig

	LogLevel string
	LogJSON  bool

	HTTPAddr string

	BroadcastAddr string
	BindAddr      string
}

// FromEnv resolves a Config from the process environment, applying the
// documented defaults for anything unset.
func FromEnv() (Config, error) {
	cfg := Config{
		WiFi:     peripheral.WiFiConfig{AccessPoint: true, SSID: "racegate", Password: "racegate"},
		LogLevel: "info",
		HTTPAddr: ":8080",
	}

	if raw, ok := os.LookupEnv(envNodeAddress); ok {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 0 || v > 255 {
			return Config{}, fmt.Errorf("config: invalid %s %q", envNodeAddress, raw)
		}
		addr := wire.NodeAddress(v)
		cfg.Address = &addr
	}

	if raw, ok := os.LookupEnv(envWiFiConfig); ok {
		wifi, err := parseWiFiConfig(raw)
		if err != nil {
			return Config{}, fmt.Errorf("config: invalid %s: %w", envWiFiConfig, err)
		}
		cfg.WiFi = wifi
	}

	if raw, ok := os.LookupEnv(envLogLevel); ok {
		cfg.LogLevel = raw
	}

	if raw, ok := os.LookupEnv(envLogJSON); ok {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			return Config{}, fmt.Errorf("config: invalid %s %q", envLogJSON, raw)
		}
		cfg.LogJSON = v
	}

	if raw, ok := os.LookupEnv(envHTTPAddr); ok {
		cfg.HTTPAddr = raw
	}

	cfg.BroadcastAddr = os.Getenv(envBroadcastAddr)
	cfg.BindAddr = os.Getenv(envBindAddr)

	return cfg, nil
}

// parseWiFiConfig parses the "<ap:bool>:<ssid>:<password>" triple.
func parseWiFiConfig(raw string) (peripheral.WiFiConfig, error) {
	parts := strings.SplitN(raw, ":", 3)
	if len(parts) != 3 {
		return peripheral.WiFiConfig{}, fmt.Errorf("expected 3 colon-separated fields, got %d", len(parts))
	}
	ap, err := strconv.ParseBool(parts[0])
	if err != nil {
		return peripheral.WiFiConfig{}, fmt.Errorf("invalid ap flag %q: %w", parts[0], err)
	}
	return peripheral.WiFiConfig{AccessPoint: ap, SSID: parts[1], Password: parts[2]}, nil
}
