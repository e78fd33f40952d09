package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strings"
	"sync"

	"cloudspeed/pkg/logx"
)

// ConfigManager loads the configuration file once and hands out the result.
type ConfigManager struct {
	path string
	log  logx.Logger

	mu    sync.RWMutex
	cfg   *Config
	found bool
}

func NewConfigManager(path string) *ConfigManager {
	return &ConfigManager{path: strings.TrimSpace(path)}
}

func (m *ConfigManager) SetLogger(log logx.Logger) { m.log = log }

// Path returns the configured file path, possibly empty.
func (m *ConfigManager) Path() string { return m.path }

// Parse reads and strictly decodes the file. JSON and YAML are accepted,
// picked by extension.
func (m *ConfigManager) Parse() (*Config, error) {
	b, err := os.ReadFile(m.path)
	if err != nil {
		return nil, err
	}
	return Decode(m.path, b)
}

// Decode strictly decodes data. name is only used to pick the format.
func Decode(name string, data []byte) (*Config, error) {
	jb, format, err := toJSON(name, data)
	if err != nil {
		return nil, fmt.Errorf("%s config: %w", format, err)
	}

	var cfg Config
	dec := json.NewDecoder(bytes.NewReader(jb))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		if errors.Is(err, io.EOF) {
			return &Config{}, nil
		}
		return nil, fmt.Errorf("%s config: %w", format, err)
	}
	// reject trailing tokens (e.g. concatenated JSON)
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		if err == nil {
			return nil, fmt.Errorf("invalid config: trailing data")
		}
		return nil, err
	}
	return &cfg, nil
}

// Load parses the file and keeps the result. An empty path or a missing
// file yields the zero Config, which selects every default.
func (m *ConfigManager) Load() (*Config, error) {
	if m.path == "" {
		m.commit(&Config{}, false)
		return m.Get(), nil
	}
	cfg, err := m.Parse()
	if errors.Is(err, fs.ErrNotExist) {
		m.log.Debug("config file not found, using defaults", logx.String("path", m.path))
		m.commit(&Config{}, false)
		return m.Get(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", m.path, err)
	}
	m.commit(cfg, true)
	return cfg, nil
}

func (m *ConfigManager) commit(cfg *Config, found bool) {
	m.mu.Lock()
	m.cfg = cfg
	m.found = found
	m.mu.Unlock()
}

func (m *ConfigManager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

// Found reports whether Load read an actual file.
func (m *ConfigManager) Found() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.found
}
