package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"sort"
	"strconv"
	"sync"

	"github.com/joho/godotenv"
)

// Settings are named user preferences kept in an env-format file, one
// `name=value` per line.
type Settings struct {
	path string

	mu     sync.RWMutex
	values map[string]string
}

// LoadSettings reads path. A missing file yields empty settings.
func LoadSettings(path string) (*Settings, error) {
	s := &Settings{path: path, values: make(map[string]string)}
	if path == "" {
		return s, nil
	}
	values, err := godotenv.Read(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			slog.Debug("settings file not found", "path", path)
			return s, nil
		}
		return nil, fmt.Errorf("settings: read %s: %w", path, err)
	}
	s.values = values
	return s, nil
}

// Get returns the raw value of name, or def when unset.
func (s *Settings) Get(name, def string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if v, ok := s.values[name]; ok {
		return v
	}
	return def
}

func (s *Settings) Bool(name string, def bool) bool {
	raw := s.Get(name, "")
	if raw == "" {
		return def
	}
	b, err := strconv.ParseBool(raw)
	if err != nil {
		slog.Warn("invalid bool setting", "name", name, "value", raw)
		return def
	}
	return b
}

func (s *Settings) Int(name string, def int) int {
	raw := s.Get(name, "")
	if raw == "" {
		return def
	}
	i, err := strconv.Atoi(raw)
	if err != nil {
		slog.Warn("invalid int setting", "name", name, "value", raw)
		return def
	}
	return i
}

// Set stores a value and writes the file.
func (s *Settings) Set(name, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[name] = value
	if s.path == "" {
		return nil
	}
	if err := godotenv.Write(s.values, s.path); err != nil {
		return fmt.Errorf("settings: write %s: %w", s.path, err)
	}
	return nil
}

// All returns a copy of every stored setting.
func (s *Settings) All() map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]string, len(s.values))
	for k, v := range s.values {
		out[k] = v
	}
	return out
}

// Names returns the stored setting names in sorted order.
func (s *Settings) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.values))
	for k := range s.values {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Exists reports whether the settings file is present on disk.
func (s *Settings) Exists() bool {
	if s.path == "" {
		return false
	}
	_, err := os.Stat(s.path)
	return err == nil
}
