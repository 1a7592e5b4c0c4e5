// Package config handles configuration loading for the vhisto server and CLI.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/vhisto/server/internal/falsecolor"
	"github.com/vhisto/server/internal/logging"
	"github.com/vhisto/server/internal/pyramid"
	"github.com/vhisto/server/internal/raster"
	"github.com/vhisto/server/internal/stack"
	"github.com/vhisto/server/internal/volume"
)

// Config represents the server and export configuration.
type Config struct {
	Server  ServerConfig   `yaml:"server" toml:"server"`
	Samples []SampleConfig `yaml:"samples" toml:"samples"`
	Cache   CacheConfig    `yaml:"cache" toml:"cache"`
	Render  RenderConfig   `yaml:"render" toml:"render"`
	Export  ExportConfig   `yaml:"export" toml:"export"`
	Jobs    JobsConfig     `yaml:"jobs" toml:"jobs"`
	Log     logging.Config `yaml:"log" toml:"log"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Host            string   `yaml:"host" toml:"host"`
	Port            int      `yaml:"port" toml:"port"`
	CORSOrigins     []string `yaml:"cors_origins" toml:"cors_origins"`
	ReadTimeoutSec  int      `yaml:"read_timeout_sec" toml:"read_timeout_sec"`
	WriteTimeoutSec int      `yaml:"write_timeout_sec" toml:"write_timeout_sec"`
}

// SampleConfig describes one multiplexed volume pyramid.
type SampleConfig struct {
	ID        string `yaml:"id" toml:"id"`
	Name      string `yaml:"name" toml:"name"`
	Path      string `yaml:"path" toml:"path"`
	TimeIndex int    `yaml:"time_index" toml:"time_index"`
	// Orientation is auto, normal or swapped.
	Orientation      string          `yaml:"orientation" toml:"orientation"`
	Channels         []ChannelConfig `yaml:"channels" toml:"channels"`
	Levels           []LevelConfig   `yaml:"levels" toml:"levels"`
	NucNormFactor    float64         `yaml:"nuc_norm_factor" toml:"nuc_norm_factor"`
	SecondNormFactor float64         `yaml:"second_norm_factor" toml:"second_norm_factor"`
	Recipe           string          `yaml:"recipe" toml:"recipe"`
}

// ChannelConfig binds a channel token to its role and contrast settings.
type ChannelConfig struct {
	Token          string  `yaml:"token" toml:"token"`
	Role           string  `yaml:"role" toml:"role"`
	ClipLow        float64 `yaml:"clip_low" toml:"clip_low"`
	ClipHigh       float64 `yaml:"clip_high" toml:"clip_high"`
	Method         string  `yaml:"method" toml:"method"`
	KernelFraction float64 `yaml:"kernel_fraction" toml:"kernel_fraction"`
}

// LevelConfig is one pyramid level and its downsampling factor relative to level 0.
type LevelConfig struct {
	Level  int     `yaml:"level" toml:"level"`
	Factor float64 `yaml:"factor" toml:"factor"`
}

// CacheConfig contains caching settings.
type CacheConfig struct {
	PreviewCacheSizeMB int `yaml:"preview_cache_size_mb" toml:"preview_cache_size_mb"`
	PreviewTTLMinutes  int `yaml:"preview_ttl_minutes" toml:"preview_ttl_minutes"`
	QueryCacheSize     int `yaml:"query_cache_size" toml:"query_cache_size"`
}

// RenderConfig contains preview rendering settings.
type RenderConfig struct {
	PreviewColormap string `yaml:"preview_colormap" toml:"preview_colormap"`
	ROIColor        string `yaml:"roi_color" toml:"roi_color"`
}

// ExportConfig contains batch export defaults.
type ExportConfig struct {
	OutputRoot    string   `yaml:"output_root" toml:"output_root"`
	Workers       int      `yaml:"workers" toml:"workers"`
	Format        string   `yaml:"format" toml:"format"`
	JPEGQuality   int      `yaml:"jpeg_quality" toml:"jpeg_quality"`
	Headroom      int      `yaml:"headroom" toml:"headroom"`
	ClampZ        bool     `yaml:"clamp_z" toml:"clamp_z"`
	Augmentations []string `yaml:"augmentations" toml:"augmentations"`
	SkipComposite bool     `yaml:"skip_composite" toml:"skip_composite"`
	// Channels restricts per-channel outputs to these tokens; empty exports all.
	Channels []string `yaml:"channels" toml:"channels"`
}

// JobsConfig contains export job queue settings.
type JobsConfig struct {
	MaxConcurrent        int    `yaml:"max_concurrent" toml:"max_concurrent"`
	SQLitePath           string `yaml:"sqlite_path" toml:"sqlite_path"`
	RetentionDays        int    `yaml:"retention_days" toml:"retention_days"`
	CleanupPeriodMinutes int    `yaml:"cleanup_period_minutes" toml:"cleanup_period_minutes"`
}

// Load reads configuration from a YAML or TOML file, chosen by extension.
// A missing file yields the default configuration.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return DefaultConfig(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var cfg Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if _, err := toml.Decode(string(data), &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}
	default:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}
	}

	applyDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// DefaultLevels is the level-to-factor table used when a sample lists none.
func DefaultLevels() []LevelConfig {
	return []LevelConfig{{Level: 0, Factor: 1}, {Level: 1, Factor: 4}, {Level: 3, Factor: 8}}
}

// DefaultChannels is the s00/s01/s02 layout of the acquisition format.
func DefaultChannels() []ChannelConfig {
	return []ChannelConfig{
		{Token: "s00", Role: string(volume.RoleCyto), ClipLow: 100, ClipHigh: 3000, Method: stack.MethodRescale},
		{Token: "s01", Role: string(volume.RoleNuclear), ClipLow: 100, ClipHigh: 5000, Method: stack.MethodRescale},
		{Token: "s02", Role: string(volume.RoleMarker), ClipLow: 100, ClipHigh: 1500, Method: stack.MethodRescale},
	}
}

// DefaultClip returns the clip window used for a role when none is configured.
func DefaultClip(role volume.Role) volume.Clip {
	switch role {
	case volume.RoleNuclear:
		return volume.Clip{Low: 100, High: 5000}
	case volume.RoleCyto:
		return volume.Clip{Low: 100, High: 3000}
	}
	return volume.Clip{Low: 100, High: 1500}
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	cfg := &Config{
		Server: ServerConfig{
			Port:            8080,
			CORSOrigins:     []string{"http://localhost:3000", "http://localhost:5173"},
			ReadTimeoutSec:  30,
			WriteTimeoutSec: 120,
		},
		Samples: []SampleConfig{{ID: "default", Path: "./data/sample.zarr"}},
		Cache: CacheConfig{
			PreviewCacheSizeMB: 256,
			PreviewTTLMinutes:  10,
			QueryCacheSize:     1024,
		},
		Render: RenderConfig{
			PreviewColormap: "gray",
			ROIColor:        "#ffff00",
		},
		Export: ExportConfig{
			OutputRoot:  "./export",
			Workers:     runtime.NumCPU(),
			Format:      string(raster.JPEG),
			JPEGQuality: 95,
			Headroom:    12,
		},
		Jobs: JobsConfig{
			MaxConcurrent:        1,
			SQLitePath:           "./data/jobs.db",
			RetentionDays:        7,
			CleanupPeriodMinutes: 60,
		},
		Log: logging.Config{
			Level:      "info",
			MaxSizeMB:  100,
			MaxAgeDays: 30,
			MaxBackups: 5,
		},
	}
	applySampleDefaults(&cfg.Samples[0])
	return cfg
}

func applyDefaults(cfg *Config) {
	defaults := DefaultConfig()

	if cfg.Server.Port == 0 {
		cfg.Server.Port = defaults.Server.Port
	}
	if len(cfg.Server.CORSOrigins) == 0 {
		cfg.Server.CORSOrigins = defaults.Server.CORSOrigins
	}
	if cfg.Server.ReadTimeoutSec == 0 {
		cfg.Server.ReadTimeoutSec = defaults.Server.ReadTimeoutSec
	}
	if cfg.Server.WriteTimeoutSec == 0 {
		cfg.Server.WriteTimeoutSec = defaults.Server.WriteTimeoutSec
	}

	if len(cfg.Samples) == 0 {
		cfg.Samples = defaults.Samples
	}
	for i := range cfg.Samples {
		applySampleDefaults(&cfg.Samples[i])
	}

	if cfg.Cache.PreviewCacheSizeMB == 0 {
		cfg.Cache.PreviewCacheSizeMB = defaults.Cache.PreviewCacheSizeMB
	}
	if cfg.Cache.PreviewTTLMinutes == 0 {
		cfg.Cache.PreviewTTLMinutes = defaults.Cache.PreviewTTLMinutes
	}
	if cfg.Cache.QueryCacheSize == 0 {
		cfg.Cache.QueryCacheSize = defaults.Cache.QueryCacheSize
	}
	if cfg.Render.PreviewColormap == "" {
		cfg.Render.PreviewColormap = defaults.Render.PreviewColormap
	}
	if cfg.Render.ROIColor == "" {
		cfg.Render.ROIColor = defaults.Render.ROIColor
	}

	if cfg.Export.OutputRoot == "" {
		cfg.Export.OutputRoot = defaults.Export.OutputRoot
	}
	if cfg.Export.Workers == 0 {
		cfg.Export.Workers = defaults.Export.Workers
	}
	if cfg.Export.Format == "" {
		cfg.Export.Format = defaults.Export.Format
	}
	if cfg.Export.JPEGQuality == 0 {
		cfg.Export.JPEGQuality = defaults.Export.JPEGQuality
	}
	if cfg.Export.Headroom == 0 {
		cfg.Export.Headroom = defaults.Export.Headroom
	}

	if cfg.Jobs.MaxConcurrent == 0 {
		cfg.Jobs.MaxConcurrent = defaults.Jobs.MaxConcurrent
	}
	if cfg.Jobs.SQLitePath == "" {
		cfg.Jobs.SQLitePath = defaults.Jobs.SQLitePath
	}
	if cfg.Jobs.RetentionDays == 0 {
		cfg.Jobs.RetentionDays = defaults.Jobs.RetentionDays
	}
	if cfg.Jobs.CleanupPeriodMinutes == 0 {
		cfg.Jobs.CleanupPeriodMinutes = defaults.Jobs.CleanupPeriodMinutes
	}

	if cfg.Log.Level == "" {
		cfg.Log.Level = defaults.Log.Level
	}
	if cfg.Log.MaxSizeMB == 0 {
		cfg.Log.MaxSizeMB = defaults.Log.MaxSizeMB
	}
	if cfg.Log.MaxAgeDays == 0 {
		cfg.Log.MaxAgeDays = defaults.Log.MaxAgeDays
	}
	if cfg.Log.MaxBackups == 0 {
		cfg.Log.MaxBackups = defaults.Log.MaxBackups
	}
}

func applySampleDefaults(s *SampleConfig) {
	if s.Name == "" {
		s.Name = s.ID
	}
	if s.Orientation == "" {
		s.Orientation = pyramid.ModeAuto
	}
	if len(s.Levels) == 0 {
		s.Levels = DefaultLevels()
	}
	if len(s.Channels) == 0 {
		s.Channels = DefaultChannels()
	}
	for i := range s.Channels {
		c := &s.Channels[i]
		if c.ClipLow == 0 && c.ClipHigh == 0 {
			clip := DefaultClip(volume.Role(c.Role))
			c.ClipLow, c.ClipHigh = clip.Low, clip.High
		}
		if c.Method == "" {
			c.Method = stack.MethodRescale
		}
		if c.Method == stack.MethodCLAHE && c.KernelFraction == 0 {
			c.KernelFraction = stack.DefaultKernelFraction
		}
	}
	if s.NucNormFactor == 0 {
		s.NucNormFactor = falsecolor.HE.NuclearNorm
	}
	if s.SecondNormFactor == 0 {
		s.SecondNormFactor = falsecolor.HE.SecondNorm
	}
	if s.Recipe == "" {
		s.Recipe = falsecolor.HE.Name
	}
}

// Validate rejects configurations that would fail at request time.
func (c *Config) Validate() error {
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return volume.Configf("config.validate", "server port %d out of range", c.Server.Port)
	}
	seen := make(map[string]bool)
	for i := range c.Samples {
		s := &c.Samples[i]
		if s.ID == "" {
			return volume.Configf("config.validate", "sample %d has no id", i)
		}
		if seen[s.ID] {
			return volume.Configf("config.validate", "duplicate sample id %q", s.ID)
		}
		seen[s.ID] = true
		if err := s.Validate(); err != nil {
			return err
		}
	}
	if _, err := raster.ParseFormat(c.Export.Format); err != nil {
		return err
	}
	if c.Export.JPEGQuality < 1 || c.Export.JPEGQuality > 100 {
		return volume.Configf("config.validate", "jpeg quality %d outside 1..100", c.Export.JPEGQuality)
	}
	if c.Export.Headroom < 0 {
		return volume.Configf("config.validate", "negative headroom %d", c.Export.Headroom)
	}
	if _, err := c.Export.ParsedAugmentations(); err != nil {
		return err
	}
	if c.Jobs.MaxConcurrent < 1 {
		return volume.Configf("config.validate", "jobs.max_concurrent must be at least 1")
	}
	return nil
}

// Validate checks one sample's channels, levels, orientation and recipe.
func (s *SampleConfig) Validate() error {
	if s.Path == "" {
		return volume.Configf("config.validate", "sample %q has no path", s.ID)
	}
	switch s.Orientation {
	case pyramid.ModeAuto, pyramid.ModeNormal, pyramid.ModeSwapped:
	default:
		return volume.Configf("config.validate", "sample %q has unknown orientation %q", s.ID, s.Orientation)
	}
	tokens := make(map[string]bool)
	for _, ch := range s.Channels {
		if ch.Token == "" {
			return volume.Configf("config.validate", "sample %q has a channel without token", s.ID)
		}
		if tokens[ch.Token] {
			return volume.Configf("config.validate", "sample %q lists channel %s twice", s.ID, ch.Token)
		}
		tokens[ch.Token] = true
		if !volume.Role(ch.Role).Valid() {
			return volume.Configf("config.validate", "channel %s has unknown role %q", ch.Token, ch.Role)
		}
		if err := ch.Clip().Validate(); err != nil {
			return fmt.Errorf("sample %s channel %s: %w", s.ID, ch.Token, err)
		}
		if ch.Method != stack.MethodRescale && ch.Method != stack.MethodCLAHE {
			return volume.Configf("config.validate", "channel %s has unknown method %q", ch.Token, ch.Method)
		}
	}
	levels := make(map[int]bool)
	for _, l := range s.Levels {
		if l.Factor <= 0 {
			return volume.Configf("config.validate", "sample %q level %d has factor %v", s.ID, l.Level, l.Factor)
		}
		if levels[l.Level] {
			return volume.Configf("config.validate", "sample %q lists level %d twice", s.ID, l.Level)
		}
		levels[l.Level] = true
	}
	if _, err := falsecolor.Lookup(s.Recipe); err != nil {
		return err
	}
	return nil
}

// SampleIDs returns sample ids in configuration order.
func (c *Config) SampleIDs() []string {
	ids := make([]string, len(c.Samples))
	for i, s := range c.Samples {
		ids[i] = s.ID
	}
	return ids
}

// Sample looks up a sample by id.
func (c *Config) Sample(id string) (*SampleConfig, bool) {
	for i := range c.Samples {
		if c.Samples[i].ID == id {
			return &c.Samples[i], true
		}
	}
	return nil, false
}

// ScaleTable builds the sample's pyramid scale table.
func (s *SampleConfig) ScaleTable() pyramid.ScaleTable {
	t := make(pyramid.ScaleTable, len(s.Levels))
	for _, l := range s.Levels {
		t[l.Level] = pyramid.Uniform(l.Factor)
	}
	return t
}

// Channel looks up a channel by token.
func (s *SampleConfig) Channel(token string) (ChannelConfig, bool) {
	for _, c := range s.Channels {
		if c.Token == token {
			return c, true
		}
	}
	return ChannelConfig{}, false
}

// ChannelByRole returns the first channel with the given role.
func (s *SampleConfig) ChannelByRole(role volume.Role) (ChannelConfig, bool) {
	for _, c := range s.Channels {
		if volume.Role(c.Role) == role {
			return c, true
		}
	}
	return ChannelConfig{}, false
}

// Clip returns the channel's clip window.
func (c ChannelConfig) Clip() volume.Clip {
	return volume.Clip{Low: c.ClipLow, High: c.ClipHigh}
}

// StackChannel converts the channel into an export channel.
func (c ChannelConfig) StackChannel() stack.Channel {
	return stack.Channel{
		Token:          c.Token,
		Role:           volume.Role(c.Role),
		Clip:           c.Clip(),
		Method:         c.Method,
		KernelFraction: c.KernelFraction,
	}
}

// ParsedAugmentations converts the configured augmentation names.
// An empty list selects every augmentation.
func (e ExportConfig) ParsedAugmentations() ([]stack.Augmentation, error) {
	if len(e.Augmentations) == 0 {
		return stack.AllAugmentations, nil
	}
	out := make([]stack.Augmentation, 0, len(e.Augmentations))
	for _, name := range e.Augmentations {
		a, err := stack.ParseAugmentation(name)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}
