// Package config loads the engine's YAML configuration (spec §6,
// "Configuration (recognized options)"), grounded on the teacher's own
// internal/config, which loads a flat YAML file via gopkg.in/yaml.v2 and
// fills in defaults for anything left zero-valued.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v2"
)

// Config holds every recognized option from spec §6.
type Config struct {
	DBName string `yaml:"dbname"`
	Path   string `yaml:"path"`

	UseHistory bool   `yaml:"useHistory"`
	Encrypt    bool   `yaml:"encrypt"`
	Passphrase string `yaml:"passphrase"`

	ReadChunksOnline bool `yaml:"readChunksOnline"`
	CustomChunkSize  int  `yaml:"customChunkSize"`

	MaxDocSizeBin int `yaml:"maxDocSizeBin"`
	MaxDocSize    int `yaml:"maxDocSize"`
	MaxChunkSize  int `yaml:"maxChunkSize"`

	DeleteMetadataOfDeletedFiles bool `yaml:"deleteMetadataOfDeletedFiles"`

	SyncOnlyRegEx   string `yaml:"syncOnlyRegEx"`
	SyncIgnoreRegEx string `yaml:"syncIgnoreRegEx"`

	BatchSize    int `yaml:"batch_size"`
	BatchesLimit int `yaml:"batches_limit"`

	DisableRequestURI bool `yaml:"disableRequestURI"`

	CouchDBURI      string `yaml:"couchDB_URI"`
	CouchDBName     string `yaml:"couchDB_DBNAME"`
	CouchDBUser     string `yaml:"couchDB_USER"`
	CouchDBPassword string `yaml:"couchDB_PASSWORD"`

	IgnoreVersionCheck bool   `yaml:"ignoreVersionCheck"`
	VersionUpFlash     string `yaml:"versionUpFlash"`

	MinimumFreeGB int `yaml:"minimumFreeGB"`

	LeafWaitTimeoutMS int `yaml:"leafWaitTimeoutMS"`

	HashCacheSize int `yaml:"hashCacheSize"`
}

// Load reads and defaults a Config from a YAML file at path.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
	}

	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.DBName == "" {
		c.DBName = "leafsync"
	}
	if c.Path == "" {
		c.Path = "."
	}
	if c.CustomChunkSize <= 0 {
		c.CustomChunkSize = 1
	}
	if c.MaxDocSizeBin <= 0 {
		c.MaxDocSizeBin = 1024 * 1024
	}
	if c.MaxDocSize <= 0 {
		c.MaxDocSize = 512 * 1024
	}
	if c.MaxChunkSize <= 0 {
		c.MaxChunkSize = 10 * 1024 * 1024
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.BatchesLimit <= 0 {
		c.BatchesLimit = 10
	}
	if c.LeafWaitTimeoutMS <= 0 {
		c.LeafWaitTimeoutMS = 10000
	}
	if c.HashCacheSize <= 0 {
		c.HashCacheSize = 4096
	}
}
