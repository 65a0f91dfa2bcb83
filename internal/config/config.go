// Package config handles configuration loading for the marker server and CLI.
package config

import (
	"fmt"
	"os"
	"runtime"

	"gopkg.in/yaml.v3"

	"github.com/atlasmap-sc/markers/internal/expression"
	"github.com/atlasmap-sc/markers/internal/markers"
)

// Config represents the server configuration.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Data    DataConfig    `yaml:"data"`
	Markers MarkersConfig `yaml:"markers"`
	Jobs    JobsConfig    `yaml:"jobs"`
	Cache   CacheConfig   `yaml:"cache"`
	Export  ExportConfig  `yaml:"export"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Port        int      `yaml:"port"`
	CORSOrigins []string `yaml:"cors_origins"`
	Title       string   `yaml:"title"`
}

// DatasetConfig describes where one dataset lives and which obs columns
// carry the hierarchy labels.
type DatasetConfig struct {
	ZarrPath string             `yaml:"zarr_path"`
	SomaPath string             `yaml:"soma_path"`
	Obs      expression.ObsKeys `yaml:"obs"`
}

// DataConfig holds the configured datasets. It accepts either the legacy
// single-dataset form (zarr_path/soma_path directly under data) or a map of
// named datasets whose YAML order is preserved.
type DataConfig struct {
	Datasets       map[string]DatasetConfig
	DefaultDataset string
	order          []string
}

// legacyKeys are the fields that mark the single-dataset form.
var legacyKeys = map[string]bool{"zarr_path": true, "soma_path": true, "obs": true}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *DataConfig) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("data: expected a mapping, got %v", node.Tag)
	}
	legacy := false
	for i := 0; i < len(node.Content); i += 2 {
		if legacyKeys[node.Content[i].Value] {
			legacy = true
			break
		}
	}
	if legacy {
		var ds DatasetConfig
		if err := node.Decode(&ds); err != nil {
			return err
		}
		d.set("default", ds)
		return nil
	}

	for i := 0; i < len(node.Content); i += 2 {
		id := node.Content[i].Value
		var ds DatasetConfig
		if err := node.Content[i+1].Decode(&ds); err != nil {
			return fmt.Errorf("data.%s: %w", id, err)
		}
		d.set(id, ds)
	}
	return nil
}

func (d *DataConfig) set(id string, ds DatasetConfig) {
	if d.Datasets == nil {
		d.Datasets = make(map[string]DatasetConfig)
	}
	if _, ok := d.Datasets[id]; !ok {
		d.order = append(d.order, id)
	}
	d.Datasets[id] = ds
	if d.DefaultDataset == "" {
		d.DefaultDataset = id
	}
}

// DatasetIDs returns dataset ids in configuration order.
func (d DataConfig) DatasetIDs() []string {
	ids := make([]string, len(d.order))
	copy(ids, d.order)
	return ids
}

// MarkersConfig holds the marker discovery defaults. Jobs may override them.
type MarkersConfig struct {
	Replicates int    `yaml:"replicates"`
	Seed       uint64 `yaml:"seed"`
	Workers    int    `yaml:"workers"`
	// NormalizeTarget rescales cell totals before resampling; 0 disables and a
	// negative value targets the median cell total.
	NormalizeTarget   float64 `yaml:"normalize_target"`
	markers.Selection `yaml:",inline"`
}

// Options converts the section into run options.
func (m MarkersConfig) Options() markers.Options {
	return markers.Options{
		Replicates: m.Replicates,
		Seed:       m.Seed,
		Workers:    m.Workers,
		Selection:  m.Selection,
	}
}

// JobsConfig contains job manager settings.
type JobsConfig struct {
	MaxConcurrent int    `yaml:"max_concurrent"`
	SQLitePath    string `yaml:"sqlite_path"`
	RetentionDays int    `yaml:"retention_days"`
}

// CacheConfig contains caching settings.
type CacheConfig struct {
	ExportSizeMB        int `yaml:"export_size_mb"`
	ExportTTLMinutes    int `yaml:"export_ttl_minutes"`
	QueryCacheSize      int `yaml:"query_cache_size"`
	PopulationCacheSize int `yaml:"population_cache_size"`
}

// ExportConfig selects where marker tables are written after a run.
type ExportConfig struct {
	Driver string   `yaml:"driver"`
	Dir    string   `yaml:"dir"`
	Gzip   bool     `yaml:"gzip"`
	S3     S3Config `yaml:"s3"`
}

// S3Config contains S3 export settings.
type S3Config struct {
	Bucket       string `yaml:"bucket"`
	Prefix       string `yaml:"prefix"`
	Region       string `yaml:"region"`
	Endpoint     string `yaml:"endpoint"`
	UsePathStyle bool   `yaml:"path_style"`
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		// Return default config if file doesn't exist
		return DefaultConfig(), nil
	}

	// Omitted thresholds keep their defaults; data comes only from the file.
	cfg := DefaultConfig()
	cfg.Data = DataConfig{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	applyDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	cfg := &Config{
		Server: ServerConfig{
			Port:        8080,
			CORSOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
			Title:       "Marker Discovery",
		},
		Markers: MarkersConfig{
			Replicates: 20,
			Workers:    runtime.NumCPU(),
			Selection:  markers.DefaultSelection(),
		},
		Jobs: JobsConfig{
			MaxConcurrent: 1,
			SQLitePath:    "./data/markers.db",
			RetentionDays: 7,
		},
		Cache: CacheConfig{
			ExportSizeMB:        256,
			ExportTTLMinutes:    30,
			QueryCacheSize:      1024,
			PopulationCacheSize: 2,
		},
		Export: ExportConfig{
			Driver: "fs",
			Dir:    "./data/exports",
		},
	}
	cfg.Data.set("default", DatasetConfig{ZarrPath: "./data/preprocessed/markers.zarr"})
	applyDefaults(cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if len(cfg.Server.CORSOrigins) == 0 {
		cfg.Server.CORSOrigins = []string{"http://localhost:3000", "http://localhost:5173"}
	}
	if len(cfg.Data.Datasets) == 0 {
		cfg.Data.set("default", DatasetConfig{ZarrPath: "./data/preprocessed/markers.zarr"})
	}
	for id, ds := range cfg.Data.Datasets {
		ds.Obs = ds.Obs.WithDefaults()
		cfg.Data.Datasets[id] = ds
	}
	if cfg.Markers.Replicates == 0 {
		cfg.Markers.Replicates = 20
	}
	if cfg.Markers.Workers <= 0 {
		cfg.Markers.Workers = runtime.NumCPU()
	}
	if cfg.Markers.MaxRank == 0 {
		cfg.Markers.MaxRank = markers.DefaultSelection().MaxRank
	}
	if cfg.Markers.TopN == 0 {
		cfg.Markers.TopN = markers.DefaultSelection().TopN
	}
	if cfg.Jobs.MaxConcurrent <= 0 {
		cfg.Jobs.MaxConcurrent = 1
	}
	if cfg.Jobs.SQLitePath == "" {
		cfg.Jobs.SQLitePath = "./data/markers.db"
	}
	if cfg.Jobs.RetentionDays == 0 {
		cfg.Jobs.RetentionDays = 7
	}
	if cfg.Cache.ExportSizeMB == 0 {
		cfg.Cache.ExportSizeMB = 256
	}
	if cfg.Cache.ExportTTLMinutes == 0 {
		cfg.Cache.ExportTTLMinutes = 30
	}
	if cfg.Cache.QueryCacheSize == 0 {
		cfg.Cache.QueryCacheSize = 1024
	}
	if cfg.Cache.PopulationCacheSize == 0 {
		cfg.Cache.PopulationCacheSize = 2
	}
	if cfg.Export.Driver == "" {
		cfg.Export.Driver = "fs"
	}
	if cfg.Export.Driver == "fs" && cfg.Export.Dir == "" {
		cfg.Export.Dir = "./data/exports"
	}
}

// Validate reports settings that cannot produce a run.
func (c *Config) Validate() error {
	if c.Markers.Replicates < 1 {
		return fmt.Errorf("markers.replicates must be >= 1, got %d", c.Markers.Replicates)
	}
	if err := c.Markers.Selection.Validate(); err != nil {
		return fmt.Errorf("markers: %w", err)
	}
	for _, id := range c.Data.DatasetIDs() {
		ds := c.Data.Datasets[id]
		if ds.ZarrPath == "" && ds.SomaPath == "" {
			return fmt.Errorf("data.%s: zarr_path or soma_path is required", id)
		}
	}
	switch c.Export.Driver {
	case "fs", "none":
	case "s3":
		if c.Export.S3.Bucket == "" {
			return fmt.Errorf("export.s3.bucket is required for the s3 driver")
		}
	default:
		return fmt.Errorf("export.driver must be fs, s3 or none, got %q", c.Export.Driver)
	}
	return nil
}
