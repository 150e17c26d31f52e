// Package config loads the engine's YAML configuration, the same shape and
// loading style as the teacher's main.Config.
package config

import (
	"os"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/pebble"
	"gopkg.in/yaml.v2"
)

// Backend selects which KV-store implementation internal/storage opens.
type Backend string

const (
	BackendPebble  Backend = "pebble"
	BackendSQLite3 Backend = "sqlite3"
)

// VersioningScheme selects which of the two document controllers (C5, C6) a
// freshly-created document uses. An existing document always keeps
// whichever scheme it was created with; Upgrader is the only path from
// SchemeRevTree to SchemeVector.
type VersioningScheme string

const (
	SchemeRevTree VersioningScheme = "revtree"
	SchemeVector  VersioningScheme = "vector"
)

// Config is the engine's startup configuration, read once from a YAML file.
type Config struct {
	ListenAddr string         `yaml:"ListenAddr"`
	DBPath     string         `yaml:"DBPath"`
	DBOptions  pebble.Options `yaml:"DBOptions"`

	Backend Backend `yaml:"Backend"`

	// RemoteMirrorDSN, if set, opens a storage.RemoteMirror the ancestor
	// finder consults for peers this database has no direct checkpoint for.
	RemoteMirrorDSN string `yaml:"RemoteMirrorDSN"`

	VersioningScheme VersioningScheme `yaml:"VersioningScheme"`
	// LegacyPeerID is read from the YAML file but nothing uses it: the
	// Upgrader always attributes pre-upgrade history to the fixed
	// version.Legacy peer, and a zero value is left as zero.
	LegacyPeerID uint64 `yaml:"LegacyPeerID"`
	// LegacyMD5RevIDs reproduces the historical length-prefix/digest bug in
	// new revision IDs (internal/digest.NewRevisionID). Existing databases
	// created before the engine switched to SHA-1 must set this; new
	// databases must never set it.
	LegacyMD5RevIDs bool `yaml:"LegacyMD5RevIDs"`
	NoUpgrade       bool `yaml:"NoUpgrade"`
	ReadOnly        bool `yaml:"ReadOnly"`

	PruneDepth uint32 `yaml:"PruneDepth"`

	SentryDSN string `yaml:"SentryDSN"`
}

// Load reads and parses the YAML config at path.
func Load(path string) (Config, error) {
	var cfg Config
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, errors.Wrap(err, "config: reading file")
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, errors.Wrap(err, "config: parsing YAML")
	}
	if cfg.Backend == "" {
		cfg.Backend = BackendPebble
	}
	if cfg.VersioningScheme == "" {
		cfg.VersioningScheme = SchemeRevTree
	}
	if cfg.PruneDepth == 0 {
		cfg.PruneDepth = 20
	}
	return cfg, nil
}
