// Package config holds the caller-supplied Config (replacing the source's
// per-process VoIPServerConfig singleton with a value passed into session
// construction, per DESIGN.md) and the server-config string dictionary
// that tunes jitter/congestion/bitrate defaults.
package config

import (
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// DataSavingMode mirrors the source's three-way data-saving policy.
type DataSavingMode int

const (
	DataSavingNever DataSavingMode = iota
	DataSavingMobileOnly
	DataSavingAlways
)

// NetworkType is the caller's classification of the active network,
// consulted for GPRS/EDGE bitrate and jitter-buffer slot scaling.
type NetworkType int

const (
	NetTypeUnknown NetworkType = iota
	NetTypeWiFi
	NetTypeGPRS
	NetTypeEDGE
	NetTypeThreeG
	NetTypeLTE
	NetTypeEthernet
)

// Config is the plain, non-global configuration value every Controller is
// constructed with.
type Config struct {
	InitTimeout time.Duration `yaml:"init_timeout"`
	RecvTimeout time.Duration `yaml:"recv_timeout"`

	DataSaving DataSavingMode `yaml:"-"`
	NetworkType NetworkType   `yaml:"-"`

	LogFilePath       string `yaml:"log_file_path"`
	StatsDumpFilePath string `yaml:"stats_dump_file_path"`

	EnableAEC bool `yaml:"enable_aec"`
	EnableNS  bool `yaml:"enable_ns"`
	EnableAGC bool `yaml:"enable_agc"`

	ForceTCP bool `yaml:"force_tcp"`
	UseTCP   bool `yaml:"use_tcp"`

	// Server holds the string->string dictionary the backing relay
	// infrastructure distributes (audio_max_bitrate, jitter_min_delay_20,
	// ...). Typed accessors below parse it on demand.
	Server map[string]string `yaml:"server"`
}

// Default returns a Config with the source's documented defaults.
func Default() Config {
	return Config{
		InitTimeout: 30 * time.Second,
		RecvTimeout: 20 * time.Second,
		EnableAEC:   true,
		EnableNS:    true,
		EnableAGC:   true,
		Server:      defaultServerDict(),
	}
}

func defaultServerDict() map[string]string {
	return map[string]string{
		"audio_max_bitrate":            "20000",
		"audio_init_bitrate":           "16000",
		"audio_min_bitrate":            "8000",
		"audio_max_bitrate_gprs":       "8000",
		"audio_max_bitrate_edge":       "12000",
		"audio_max_bitrate_saving":     "6000",
		"audio_init_bitrate_gprs":      "8000",
		"audio_init_bitrate_edge":      "12000",
		"audio_init_bitrate_saving":    "6000",
		"audio_bitrate_step_incr":      "1000",
		"audio_bitrate_step_decr":      "2000",
		"audio_congestion_window":      "1024",
		"jitter_min_delay_20":          "6",
		"jitter_min_delay_40":          "4",
		"jitter_min_delay_60":          "1",
		"jitter_max_delay_20":          "25",
		"jitter_max_delay_40":          "15",
		"jitter_max_delay_60":          "10",
		"jitter_max_slots_20":          "50",
		"jitter_max_slots_40":          "30",
		"jitter_max_slots_60":          "20",
		"jitter_losses_to_reset":       "20",
		"jitter_resync_threshold":      "1.0",
		"nat64_fallback_timeout":       "5000",
		"relay_switch_threshold":       "0.8",
		"p2p_to_relay_switch_threshold": "0.8",
		"relay_to_p2p_switch_threshold": "0.6",
		"reconnecting_state_timeout":    "2000",
		"established_delay_if_no_stream_data": "1500",
		"force_tcp": "0",
		"use_tcp":   "0",
	}
}

// Load reads a YAML config file and overlays it onto Default().
func Load(path string) (Config, error) {
	cfg := Default()
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	overlay := Config{Server: map[string]string{}}
	if err := yaml.Unmarshal(b, &overlay); err != nil {
		return Config{}, err
	}
	if overlay.InitTimeout > 0 {
		cfg.InitTimeout = overlay.InitTimeout
	}
	if overlay.RecvTimeout > 0 {
		cfg.RecvTimeout = overlay.RecvTimeout
	}
	if overlay.LogFilePath != "" {
		cfg.LogFilePath = overlay.LogFilePath
	}
	if overlay.StatsDumpFilePath != "" {
		cfg.StatsDumpFilePath = overlay.StatsDumpFilePath
	}
	cfg.ForceTCP = overlay.ForceTCP
	cfg.UseTCP = overlay.UseTCP
	for k, v := range overlay.Server {
		cfg.Server[k] = v
	}
	return cfg, nil
}

// Int returns the server-config dictionary value for key as an int,
// falling back to def if the key is absent or unparsable.
func (c Config) Int(key string, def int) int {
	v, ok := c.Server[key]
	if !ok {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

// Float returns the server-config dictionary value for key as a float64.
func (c Config) Float(key string, def float64) float64 {
	v, ok := c.Server[key]
	if !ok {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

// Bool returns the server-config dictionary value for key as a bool.
func (c Config) Bool(key string, def bool) bool {
	v, ok := c.Server[key]
	if !ok {
		return def
	}
	return v == "1" || v == "true"
}
