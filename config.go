package main

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/creasty/defaults"
)

// CompilerConfig holds the full TOML-driven compiler configuration.
type CompilerConfig struct {
	Workers        int               `toml:"workers"`
	Output         string            `toml:"output"`                                          // stdout when empty
	Format         string            `toml:"format" default:"json"`                           // json|yaml
	WatermarksPath string            `toml:"watermarks_path" default:"config/watermarks.json"` // emitted verbatim
	BaseFiles      string            `toml:"base_files" default:"greenhouse_sources"`         // emitted verbatim
	Metadata       MetadataConfig    `toml:"metadata"`
	Defaults       Defaults          `toml:"defaults"`
	Sources        []SourceAlias     `toml:"sources"`
	Overrides      OverridesConfig   `toml:"overrides"`
	TypeMapping    TypeMappingConfig `toml:"type_mapping"`

	// configDir is the directory containing the TOML file, used to resolve relative paths.
	configDir string
	overrides *Overrides
}

// MetadataConfig selects where column metadata is read from.
type MetadataConfig struct {
	Type      string   `toml:"type"` // sqlserver|sqlite|mysql|postgres
	DSN       string   `toml:"dsn"`
	Table     string   `toml:"table" default:"column_metadata"` // snapshot table, unused for sqlserver
	Databases []string `toml:"databases"`                       // sqlserver only; empty means the DSN database
}

// TypeMappingConfig adds or replaces cast rules keyed by source data type.
type TypeMappingConfig struct {
	Casts map[string]CastConfig `toml:"casts"`
}

// CastConfig is a user-supplied cast rule. Expression uses {col}, {p} and {s}
// placeholders like the built-in rules.
type CastConfig struct {
	Expression string `toml:"expression"`
	Type       string `toml:"type"` // canonical output type, default "string"
}

// loadConfig reads a TOML config file and returns a CompilerConfig with defaults applied.
func loadConfig(path string) (*CompilerConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg CompilerConfig
	if err := defaults.Set(&cfg); err != nil {
		return nil, fmt.Errorf("apply config defaults: %w", err)
	}
	md, err := toml.Decode(string(data), &cfg)
	if err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if unknown := md.Undecoded(); len(unknown) > 0 {
		keys := make([]string, len(unknown))
		for i, k := range unknown {
			keys[i] = k.String()
		}
		return nil, fmt.Errorf("unknown config keys: %s", strings.Join(keys, ", "))
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}
	cfg.configDir = filepath.Dir(absPath)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *CompilerConfig) validate() error {
	if c.Workers <= 0 {
		c.Workers = defaultWorkers()
	}

	c.Format = strings.ToLower(strings.TrimSpace(c.Format))
	switch c.Format {
	case "json", "yaml":
	default:
		return fmt.Errorf("format must be one of: json, yaml")
	}
	if c.Output != "" {
		c.Output = c.resolvePath(c.Output)
	}

	if c.Metadata.Type == "" {
		return fmt.Errorf("metadata.type is required (must be sqlserver, sqlite, mysql or postgres)")
	}
	if _, err := newMetadataSource(c.Metadata.Type); err != nil {
		return err
	}
	if c.Metadata.DSN == "" {
		return fmt.Errorf("metadata.dsn is required")
	}
	if c.Metadata.Type == "sqlite" && !strings.HasPrefix(c.Metadata.DSN, "file:") {
		c.Metadata.DSN = c.resolvePath(c.Metadata.DSN)
	}
	if c.Metadata.Type != "sqlserver" && !isQualifiedName(c.Metadata.Table) {
		return fmt.Errorf("metadata.table %q must be a plain [schema.]table name", c.Metadata.Table)
	}
	if c.Metadata.Type != "sqlserver" && len(c.Metadata.Databases) > 0 {
		return fmt.Errorf("metadata.databases is a sqlserver-only option")
	}

	if c.Defaults.ConcurrencyLarge <= 0 || c.Defaults.ConcurrencySmall <= 0 {
		return fmt.Errorf("defaults.concurrency_large and defaults.concurrency_small must be positive")
	}
	if c.Defaults.MaxRowsPerFileLarge <= 0 || c.Defaults.MaxRowsPerFileSmall <= 0 {
		return fmt.Errorf("defaults.max_rows_per_file_large and defaults.max_rows_per_file_small must be positive")
	}

	casts := make(map[string]CastConfig, len(c.TypeMapping.Casts))
	for dt, cast := range c.TypeMapping.Casts {
		if !strings.Contains(cast.Expression, "{col}") {
			return fmt.Errorf("type_mapping.casts.%s: expression must reference {col}", dt)
		}
		if cast.Type == "" {
			cast.Type = "string"
		}
		casts[strings.ToLower(strings.TrimSpace(dt))] = cast
	}
	c.TypeMapping.Casts = casts

	o, err := newOverrides(c.Overrides, c.Sources)
	if err != nil {
		return fmt.Errorf("invalid overrides: %w", err)
	}
	c.overrides = o
	return nil
}

// resolvePath resolves a path relative to the config file directory.
func (c *CompilerConfig) resolvePath(p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.configDir, p)
}

// isQualifiedName reports whether s is a table name with an optional schema
// prefix, made only of identifier characters.
func isQualifiedName(s string) bool {
	parts := strings.Split(s, ".")
	if len(parts) > 2 {
		return false
	}
	for _, p := range parts {
		if p == "" || mssqlNeedsQuoting(p) {
			return false
		}
	}
	return true
}

func defaultWorkers() int {
	n := runtime.NumCPU()
	if n < 1 {
		return 1
	}
	if n > 8 {
		return 8
	}
	return n
}
