// Package config loads the controller's runtime configuration:
// config.default.yaml as the baseline with optional overrides from
// config.yaml layered on top. The JSON keymap tables named in the
// external-interface contract live separately under ConfigDir and are
// read by the keymap package.
package config

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"reflect"

	"gopkg.in/yaml.v3"
)

// IRConfig names the GPIO pins backing the IR transceiver.
type IRConfig struct {
	TXPin string `yaml:"txPin" json:"txPin"`
	RXPin string `yaml:"rxPin" json:"rxPin"`
}

// RFConfig holds the SPI radio parameters: port, channel and the two
// 5-byte remote addresses (hex strings) bound to the reading pipes.
type RFConfig struct {
	SPIPort  string `yaml:"spiPort"  json:"spiPort"`
	Channel  uint8  `yaml:"channel"  json:"channel"`
	Address1 string `yaml:"address1" json:"address1"`
	Address2 string `yaml:"address2" json:"address2"`
}

// BluetoothConfig selects the adapter alias and initial HID profile.
type BluetoothConfig struct {
	Alias   string `yaml:"alias"   json:"alias"`
	Profile string `yaml:"profile" json:"profile"`
}

// IntegrationConfig points at the home-automation gateway. Empty URL
// disables the integration transport.
type IntegrationConfig struct {
	URL   string `yaml:"url"   json:"url"`
	Token string `yaml:"token" json:"token"`
}

// Config holds all runtime configuration.
type Config struct {
	Addr       string `yaml:"addr"       json:"addr"`
	DeviceName string `yaml:"deviceName" json:"deviceName"`
	ConfigDir  string `yaml:"configDir"  json:"configDir"`
	DBPath     string `yaml:"dbPath"     json:"dbPath"`
	MDNSPort   int    `yaml:"mdnsPort"   json:"mdnsPort"`

	IR          IRConfig          `yaml:"ir"          json:"ir"`
	RF          RFConfig          `yaml:"rf"          json:"rf"`
	Bluetooth   BluetoothConfig   `yaml:"bluetooth"   json:"bluetooth"`
	Integration IntegrationConfig `yaml:"integration" json:"integration"`
}

// LoadResult holds both the effective merged config and the raw defaults.
type LoadResult struct {
	Config   *Config // effective merged config (defaults + overrides)
	Defaults *Config // values from config.default.yaml only
}

// Load reads config.default.yaml as the baseline, then applies any
// overrides from config.yaml (if it exists and is valid).
func Load() *LoadResult {
	var defaults Config

	data, err := os.ReadFile("config.default.yaml")
	if err != nil {
		log.Fatal("config: read error: ", err)
	}
	if err := yaml.Unmarshal(data, &defaults); err != nil {
		log.Fatal("config: parse error: ", err)
	}

	// Start with a copy of defaults, then layer overrides on top.
	cfg := defaults
	if ovData, err := os.ReadFile("config.yaml"); err == nil {
		if err := yaml.Unmarshal(ovData, &cfg); err != nil {
			log.Println("config: ignoring malformed config.yaml:", err)
		}
	}

	return &LoadResult{Config: &cfg, Defaults: &defaults}
}

// RFAddress parses one of the RF address hex strings into the 5-byte
// pipe address the radio expects.
func (c *Config) RFAddress(s string) ([5]byte, error) {
	var out [5]byte
	raw, err := hex.DecodeString(s)
	if err != nil || len(raw) != 5 {
		return out, fmt.Errorf("config: rf address %q is not 5 hex bytes", s)
	}
	copy(out[:], raw)
	return out, nil
}

// SaveOverrides writes only the fields that differ from defaults to
// config.yaml.
func SaveOverrides(updated, defaults Config) error {
	uMap := toMap(updated)
	dMap := toMap(defaults)
	diff := diffMaps(uMap, dMap)
	data, err := yaml.Marshal(diff)
	if err != nil {
		return err
	}
	return os.WriteFile("config.yaml", data, 0644)
}

func toMap(v any) map[string]any {
	b, _ := json.Marshal(v)
	var m map[string]any
	_ = json.Unmarshal(b, &m)
	return m
}

func diffMaps(override, defaults map[string]any) map[string]any {
	result := map[string]any{}
	for k, ov := range override {
		dv, ok := defaults[k]
		if !ok {
			result[k] = ov
			continue
		}
		if om, ok2 := ov.(map[string]any); ok2 {
			if dm, ok3 := dv.(map[string]any); ok3 {
				sub := diffMaps(om, dm)
				if len(sub) > 0 {
					result[k] = sub
				}
				continue
			}
		}
		if !reflect.DeepEqual(ov, dv) {
			result[k] = ov
		}
	}
	return result
}
