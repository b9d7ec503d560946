package cli

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/tailscale/hujson"

	"github.com/calvinalkan/offheap/pkg/offheap"
	"github.com/calvinalkan/offheap/pkg/storage"
)

// Config holds all configuration options.
type Config struct {
	// From config files (serialized)
	DataFile     string `json:"data_file"`
	IndexFile    string `json:"index_file"`
	Segments     int    `json:"segments,omitempty"`
	TableSize    int    `json:"table_size,omitempty"`
	MaxTableSize int    `json:"max_table_size,omitempty"`
	ChunkSize    int    `json:"chunk_size,omitempty"`
	MaxBytes     int64  `json:"max_bytes,omitempty"`
	MaxEntries   int    `json:"max_entries,omitempty"` // per segment
	MaxMemory    int64  `json:"max_memory,omitempty"`  // per segment
	LogLevel     string `json:"log_level,omitempty"`

	// Resolved paths (computed, not serialized)
	EffectiveCwd string `json:"-"`
	DataFileAbs  string `json:"-"`
	IndexFileAbs string `json:"-"`

	// Sources tracks which config files were loaded (for diagnostics)
	Sources ConfigSources `json:"-"`
}

// ConfigSources tracks which config files were loaded.
type ConfigSources struct {
	Global  string // Path to global config if loaded, empty otherwise
	Project string // Path to project config if loaded, empty otherwise
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		DataFile:  ".ohc/cache.data",
		IndexFile: ".ohc/cache.index",
		LogLevel:  "warn",
	}
}

// ConfigFileName is the default config file name.
const ConfigFileName = ".ohc.json"

// getGlobalConfigPath returns the path to the global config file.
// Uses $XDG_CONFIG_HOME/ohc/config.json if set, otherwise ~/.config/ohc/config.json.
// Returns empty string if home directory cannot be determined.
func getGlobalConfigPath(env map[string]string) string {
	if xdgConfig := env["XDG_CONFIG_HOME"]; xdgConfig != "" {
		return filepath.Join(xdgConfig, "ohc", "config.json")
	}

	if home := env["HOME"]; home != "" {
		return filepath.Join(home, ".config", "ohc", "config.json")
	}

	return ""
}

// LoadConfigInput holds the inputs for LoadConfig.
type LoadConfigInput struct {
	WorkDirOverride   string            // -C/--cwd flag value; if empty, os.Getwd() is used
	ConfigPath        string            // -c/--config flag value
	DataFileOverride  string            // --data flag value; empty means no override
	IndexFileOverride string            // --index flag value; empty means no override
	Verbose           bool              // --verbose forces log_level=debug
	Env               map[string]string // environment variables
}

// LoadConfig loads configuration with the following precedence (highest wins):
// 1. Defaults
// 2. Global user config (~/.config/ohc/config.json or $XDG_CONFIG_HOME/ohc/config.json)
// 3. Project config file at default location (.ohc.json, if exists)
// 4. Explicit config file via configPath (if non-empty)
// 5. CLI overrides.
//
// All paths in the returned Config are resolved to absolute paths.
func LoadConfig(input LoadConfigInput) (Config, error) {
	workDir := input.WorkDirOverride
	if workDir == "" {
		var err error

		workDir, err = os.Getwd()
		if err != nil {
			return Config{}, fmt.Errorf("cannot get working directory: %w", err)
		}
	} else if !filepath.IsAbs(workDir) {
		abs, err := filepath.Abs(workDir)
		if err != nil {
			return Config{}, fmt.Errorf("cannot resolve working directory: %w", err)
		}

		workDir = abs
	}

	cfg := DefaultConfig()

	globalCfg, globalPath, err := loadGlobalConfig(input.Env)
	if err != nil {
		return Config{}, err
	}

	cfg.Sources.Global = globalPath
	cfg = mergeConfig(cfg, globalCfg)

	projectCfg, projectPath, err := loadProjectConfig(workDir, input.ConfigPath)
	if err != nil {
		return Config{}, err
	}

	cfg.Sources.Project = projectPath
	cfg = mergeConfig(cfg, projectCfg)

	if input.DataFileOverride != "" {
		cfg.DataFile = input.DataFileOverride
	}

	if input.IndexFileOverride != "" {
		cfg.IndexFile = input.IndexFileOverride
	}

	if input.Verbose {
		cfg.LogLevel = "debug"
	}

	validateErr := validateConfig(cfg)
	if validateErr != nil {
		return Config{}, validateErr
	}

	cfg.EffectiveCwd = workDir
	cfg.DataFileAbs = resolvePath(workDir, cfg.DataFile)
	cfg.IndexFileAbs = resolvePath(workDir, cfg.IndexFile)

	return cfg, nil
}

func resolvePath(workDir, path string) string {
	if filepath.IsAbs(path) {
		return path
	}

	return filepath.Join(workDir, path)
}

// loadGlobalConfig loads the global user config file if it exists.
// Returns the config, the path if loaded, and any error.
func loadGlobalConfig(env map[string]string) (Config, string, error) {
	globalCfgPath := getGlobalConfigPath(env)
	if globalCfgPath == "" {
		return Config{}, "", nil
	}

	globalCfg, explicitEmpty, loaded, err := loadConfigFile(globalCfgPath, false)
	if err != nil {
		return Config{}, "", err
	}

	if !loaded {
		return Config{}, "", nil
	}

	err = checkExplicitEmpty(globalCfgPath, explicitEmpty)
	if err != nil {
		return Config{}, "", err
	}

	return globalCfg, globalCfgPath, nil
}

// loadProjectConfig loads the project config file (.ohc.json) or an explicit config file.
// Returns the config, the path if loaded, and any error.
func loadProjectConfig(workDir, configPath string) (Config, string, error) {
	var cfgFile string

	var mustExist bool

	if configPath != "" {
		// Explicit config file - must exist
		cfgFile = resolvePath(workDir, configPath)
		mustExist = true

		_, statErr := os.Stat(cfgFile)
		if statErr != nil {
			return Config{}, "", fmt.Errorf("%w: %s", ErrConfigFileNotFound, configPath)
		}
	} else {
		cfgFile = filepath.Join(workDir, ConfigFileName)
		mustExist = false
	}

	fileCfg, explicitEmpty, loaded, err := loadConfigFile(cfgFile, mustExist)
	if err != nil {
		return Config{}, "", err
	}

	if !loaded {
		return Config{}, "", nil
	}

	err = checkExplicitEmpty(cfgFile, explicitEmpty)
	if err != nil {
		return Config{}, "", err
	}

	return fileCfg, cfgFile, nil
}

func checkExplicitEmpty(path string, explicitEmpty map[string]bool) error {
	if explicitEmpty["data_file"] {
		return fmt.Errorf("%w %s: %w", ErrConfigInvalid, path, ErrDataFileEmpty)
	}

	if explicitEmpty["index_file"] {
		return fmt.Errorf("%w %s: %w", ErrConfigInvalid, path, ErrIndexFileEmpty)
	}

	return nil
}

// loadConfigFile loads a config file. If mustExist is false, missing files return zero config.
// Returns the config, a map of explicitly empty fields, whether file was loaded, and any error.
func loadConfigFile(path string, mustExist bool) (Config, map[string]bool, bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) && !mustExist {
			return Config{}, nil, false, nil
		}

		if mustExist {
			return Config{}, nil, false, fmt.Errorf("%w: %s", ErrConfigFileRead, path)
		}

		return Config{}, nil, false, nil
	}

	cfg, explicitEmpty, parseErr := parseConfig(data)
	if parseErr != nil {
		return Config{}, nil, false, fmt.Errorf("%w %s: %w", ErrConfigInvalid, path, parseErr)
	}

	return cfg, explicitEmpty, true, nil
}

func parseConfig(data []byte) (Config, map[string]bool, error) {
	standardized, err := hujson.Standardize(data)
	if err != nil {
		return Config{}, nil, fmt.Errorf("invalid JSONC: %w", err)
	}

	var cfg Config

	unmarshalErr := json.Unmarshal(standardized, &cfg)
	if unmarshalErr != nil {
		return Config{}, nil, fmt.Errorf("invalid JSON: %w", unmarshalErr)
	}

	// Check which fields were explicitly set to empty
	var raw map[string]any

	_ = json.Unmarshal(standardized, &raw)

	explicitEmpty := make(map[string]bool)

	for _, field := range []string{"data_file", "index_file"} {
		if val, exists := raw[field]; exists {
			if str, ok := val.(string); ok && str == "" {
				explicitEmpty[field] = true
			}
		}
	}

	return cfg, explicitEmpty, nil
}

func mergeConfig(base, overlay Config) Config {
	if overlay.DataFile != "" {
		base.DataFile = overlay.DataFile
	}

	if overlay.IndexFile != "" {
		base.IndexFile = overlay.IndexFile
	}

	if overlay.Segments != 0 {
		base.Segments = overlay.Segments
	}

	if overlay.TableSize != 0 {
		base.TableSize = overlay.TableSize
	}

	if overlay.MaxTableSize != 0 {
		base.MaxTableSize = overlay.MaxTableSize
	}

	if overlay.ChunkSize != 0 {
		base.ChunkSize = overlay.ChunkSize
	}

	if overlay.MaxBytes != 0 {
		base.MaxBytes = overlay.MaxBytes
	}

	if overlay.MaxEntries != 0 {
		base.MaxEntries = overlay.MaxEntries
	}

	if overlay.MaxMemory != 0 {
		base.MaxMemory = overlay.MaxMemory
	}

	if overlay.LogLevel != "" {
		base.LogLevel = overlay.LogLevel
	}

	return base
}

func validateConfig(cfg Config) error {
	if cfg.DataFile == "" {
		return ErrDataFileEmpty
	}

	if cfg.IndexFile == "" {
		return ErrIndexFileEmpty
	}

	settings := []struct {
		name  string
		value int64
	}{
		{"segments", int64(cfg.Segments)},
		{"table_size", int64(cfg.TableSize)},
		{"max_table_size", int64(cfg.MaxTableSize)},
		{"chunk_size", int64(cfg.ChunkSize)},
		{"max_bytes", cfg.MaxBytes},
		{"max_entries", int64(cfg.MaxEntries)},
		{"max_memory", cfg.MaxMemory},
	}

	for _, s := range settings {
		if s.value < 0 {
			return fmt.Errorf("%w: %s=%d", ErrNegativeSetting, s.name, s.value)
		}
	}

	if cfg.MaxEntries > 0 && cfg.MaxMemory > 0 {
		return ErrPoliciesExclusive
	}

	_, err := cfg.level()

	return err
}

func (cfg *Config) level() (slog.Level, error) {
	var level slog.Level

	err := level.UnmarshalText([]byte(cfg.LogLevel))
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidLogLevel, cfg.LogLevel)
	}

	return level, nil
}

// cacheOptions maps the config onto cache options. Zero values fall back
// to the library defaults.
func (cfg *Config) cacheOptions(logger *slog.Logger) offheap.Options {
	opts := offheap.Options{
		Segments:         cfg.Segments,
		InitialTableSize: cfg.TableSize,
		MaxTableSize:     cfg.MaxTableSize,
		Logger:           logger,
	}

	switch {
	case cfg.MaxEntries > 0:
		opts.Capacity = offheap.MaxEntriesPolicy{PerSegment: cfg.MaxEntries}
	case cfg.MaxMemory > 0:
		opts.Capacity = offheap.MaxMemoryPolicy{PerSegment: cfg.MaxMemory}
	}

	return opts
}

func (cfg *Config) storageOptions() storage.FileBackedOptions {
	return storage.FileBackedOptions{ChunkSize: cfg.ChunkSize, MaxBytes: cfg.MaxBytes}
}
