// Package api defines the JSON configuration consumed by the conntest
// binaries.
package api

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed config.schema.json
var configSchema string

// Config mirrors the flags of the conntest binaries. Fields left out of
// the file keep their defaults.
type Config struct {
	// Host is the Firestore endpoint, host:port.
	Host string `json:"host"`

	ProjectID  string `json:"project_id"`
	DatabaseID string `json:"database_id"`
	Collection string `json:"collection"`

	// Plaintext disables TLS, for emulator endpoints.
	Plaintext bool `json:"plaintext"`

	// DatabaseFile is the SQLite file recording runs and log lines.
	DatabaseFile string `json:"database_file"`

	// ObservationWindow is a Go duration string, e.g. "5s".
	ObservationWindow string `json:"observation_window"`

	// ControlAddress is conntestd's gRPC listen address.
	ControlAddress string `json:"control_address"`
}

func DefaultConfig() Config {
	return Config{
		Host:              "firestore.googleapis.com:443",
		ProjectID:         "demo-project",
		DatabaseID:        "(default)",
		Collection:        "connectivity_probes",
		DatabaseFile:      "conntest.db",
		ObservationWindow: "5s",
		ControlAddress:    ":50060",
	}
}

// Load reads, validates and decodes a config file on top of the
// defaults.
func Load(path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config: %w", err)
	}

	if err := validate(raw); err != nil {
		return Config{}, fmt.Errorf("invalid config %s: %w", path, err)
	}

	cfg := DefaultConfig()
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to decode config %s: %w", path, err)
	}
	return cfg, nil
}

// Window parses the observation window duration.
func (c Config) Window() (time.Duration, error) {
	d, err := time.ParseDuration(c.ObservationWindow)
	if err != nil {
		return 0, fmt.Errorf("invalid observation_window: %w", err)
	}
	return d, nil
}

func validate(raw []byte) error {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("config.schema.json", strings.NewReader(configSchema)); err != nil {
		return err
	}
	schema, err := compiler.Compile("config.schema.json")
	if err != nil {
		return err
	}

	var payload any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return err
	}
	return schema.Validate(payload)
}
