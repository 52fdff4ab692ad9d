// Package config loads the appservice configuration YAML described in
// spec §3/§6: homeserver, appservice, and database sections, plus an
// open-ended bag of user-defined top-level keys.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	merrors "github.com/spacebased/masquerade-go/errors"
)

// Homeserver is the homeserver base URL + server name the appservice talks to.
type Homeserver struct {
	ServerName string `yaml:"server_name"`
	URL        string `yaml:"url"`
}

// Appservice carries the listen address, public URL, identifier, bot
// identity, and the two bearer tokens exchanged with the homeserver.
type Appservice struct {
	URL         string `yaml:"url"`
	BindIP      string `yaml:"bind_ip"`
	Port        uint16 `yaml:"port"`
	ID          string `yaml:"id"`
	BotUsername string `yaml:"username"`
	BotDisplay  string `yaml:"displayname"`
	ASToken     string `yaml:"as_token"`
	HSToken     string `yaml:"hs_token"`
}

// Database holds the crypto store location and passphrase (spec §6
// "Persisted state": per-device SQLite crypto store at
// <database.path>/<device_id>.db, encrypted with database.passphrase).
type Database struct {
	Path       string `yaml:"path"`
	Passphrase string `yaml:"passphrase"`
}

// Config is the full, immutable-after-load appservice configuration.
type Config struct {
	Homeserver Homeserver `yaml:"homeserver"`
	Appservice Appservice `yaml:"appservice"`
	Database   Database   `yaml:"database"`

	// Extra holds every top-level key not recognized above, preserved
	// verbatim so user-defined extensions survive a round trip.
	Extra map[string]yaml.Node `yaml:",inline"`
}

// rawConfig mirrors Config's known fields so yaml.v3's inline-map support
// can capture everything else into Extra without double-decoding the
// known sections.
type rawConfig struct {
	Homeserver Homeserver           `yaml:"homeserver"`
	Appservice Appservice           `yaml:"appservice"`
	Database   Database             `yaml:"database"`
	Extra      map[string]yaml.Node `yaml:",inline"`
}

// Load reads and parses the YAML file at path.
func Load(path string) (*Config, error) {
	const op = "config.Load"
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, merrors.Wrap(merrors.IO, op, err)
	}
	return Parse(data)
}

// Parse parses raw YAML bytes into a Config.
func Parse(data []byte) (*Config, error) {
	const op = "config.Parse"
	var raw rawConfig
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, merrors.Wrap(merrors.Config, op, err)
	}
	return &Config{
		Homeserver: raw.Homeserver,
		Appservice: raw.Appservice,
		Database:   raw.Database,
		Extra:      raw.Extra,
	}, nil
}

// Extract decodes the named top-level extension key into a value of type T.
// Returns an error of Kind Config if the key is absent or does not decode.
func Extract[T any](cfg *Config, key string) (T, error) {
	var zero T
	node, ok := cfg.Extra[key]
	if !ok {
		return zero, merrors.New(merrors.Config, fmt.Sprintf("config.Extract(%s)", key))
	}
	var value T
	if err := node.Decode(&value); err != nil {
		return zero, merrors.Wrap(merrors.Config, fmt.Sprintf("config.Extract(%s)", key), err)
	}
	return value, nil
}
