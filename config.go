package proxypass

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// defaultConfig is written by WriteDefaultConfig when no config.yml exists.
var defaultConfig = Config{
	Proxy:          Address{Host: "0.0.0.0", Port: 19122},
	Destination:    Address{Host: "127.0.0.1", Port: 19132},
	PacketTesting:  false,
	LogPackets:     true,
	LogTo:          LogToFile,
	MaxClients:     0,
	IgnoredPackets: []string{"MobEquipment"},
	Compression:    "zlib",
	LogLevel:       "info",
}

// LoadConfig reads a YAML config file. Unknown keys are ignored so that older
// config files keep working.
func LoadConfig(path string) (Config, error) {
	var cfg Config
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("reading config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing config %s: %w", path, err)
	}
	return cfg, nil
}

// SaveConfig writes cfg as YAML to path, replacing any existing file.
func SaveConfig(path string, cfg Config) error {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(cfg); err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	return os.WriteFile(path, buf.Bytes(), 0o644)
}

// WriteDefaultConfig writes the default configuration to path unless a file
// already exists there. It reports whether a file was written.
func WriteDefaultConfig(path string) (bool, error) {
	if _, err := os.Stat(path); err == nil {
		return false, nil
	} else if !os.IsNotExist(err) {
		return false, err
	}
	if err := SaveConfig(path, defaultConfig); err != nil {
		return false, err
	}
	return true, nil
}
