// Package settings loads the taskmanager binary's configuration file and
// turns it into a store, a logger and manager options.
package settings

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	yaml "go.yaml.in/yaml/v3"
)

type Settings struct {
	Manager   string  `json:"manager"`
	Workers   int     `json:"workers"`
	LoopDelay string  `json:"loop_delay"`
	Log       Log     `json:"log"`
	Storage   Storage `json:"storage"`
}

type Log struct {
	Level  string `json:"level"`
	Format string `json:"format"` // console (default) or json
}

type Storage struct {
	Driver      string `json:"driver"` // sqlite (default) or mysql
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout"`
	MySQL       MySQL  `json:"mysql"`
}

type MySQL struct {
	Addr     string            `json:"addr"`
	User     string            `json:"user"`
	Password string            `json:"password"`
	DBName   string            `json:"db_name"`
	Params   map[string]string `json:"params"`
}

// Default returns the settings used when no file is given.
func Default() *Settings {
	return &Settings{
		Manager:   "Manager",
		LoopDelay: "1s",
		Log:       Log{Level: "info", Format: "console"},
		Storage:   Storage{Driver: "sqlite", Path: "./taskmanager.db", BusyTimeout: "5s"},
	}
}

// Load reads a JSON or YAML (by extension) settings file on top of Default.
// Unknown fields are rejected.
func Load(path string) (*Settings, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	jb, err := coerceToJSONBytes(path, b)
	if err != nil {
		return nil, err
	}

	s := Default()
	dec := json.NewDecoder(bytes.NewReader(jb))
	dec.DisallowUnknownFields()
	if err := dec.Decode(s); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	// reject trailing tokens (e.g. concatenated JSON)
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		if err == nil {
			return nil, fmt.Errorf("%s: invalid settings: trailing data", path)
		}
		return nil, err
	}
	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return s, nil
}

func (s *Settings) Validate() error {
	if _, err := s.LoopDelayDuration(); err != nil {
		return err
	}
	if _, err := parseDuration("storage.busy_timeout", s.Storage.BusyTimeout); err != nil {
		return err
	}
	if s.Workers < 0 {
		return errors.New("workers must be >= 0")
	}
	switch strings.ToLower(strings.TrimSpace(s.Storage.Driver)) {
	case "", "sqlite", "sqlite3":
		if strings.TrimSpace(s.Storage.Path) == "" {
			return errors.New("storage.path is required for sqlite")
		}
	case "mysql":
		if strings.TrimSpace(s.Storage.MySQL.Addr) == "" {
			return errors.New("storage.mysql.addr is required for mysql")
		}
	default:
		return fmt.Errorf("unknown storage driver: %s", s.Storage.Driver)
	}
	return nil
}

func (s *Settings) LoopDelayDuration() (time.Duration, error) {
	return parseDuration("loop_delay", s.LoopDelay)
}

func parseDuration(path, raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

// coerceToJSONBytes converts YAML to JSON so both formats share the strict
// JSON decoder.
func coerceToJSONBytes(path string, data []byte) ([]byte, error) {
	ext := strings.ToLower(filepath.Ext(path))
	if ext != ".yaml" && ext != ".yml" {
		return data, nil
	}
	var v any
	if err := yaml.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("yaml unmarshal: %w", err)
	}
	j, err := json.Marshal(normalizeYAML(v))
	if err != nil {
		return nil, fmt.Errorf("yaml->json marshal: %w", err)
	}
	return j, nil
}

// normalizeYAML ensures all map keys are strings so the result can be JSON-marshaled.
func normalizeYAML(in any) any {
	switch x := in.(type) {
	case map[any]any:
		m := make(map[string]any, len(x))
		for k, v := range x {
			m[fmt.Sprint(k)] = normalizeYAML(v)
		}
		return m
	case map[string]any:
		m := make(map[string]any, len(x))
		for k, v := range x {
			m[k] = normalizeYAML(v)
		}
		return m
	case []any:
		for i := range x {
			x[i] = normalizeYAML(x[i])
		}
		return x
	default:
		return in
	}
}
