package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

const (
	DBTypeSQLite = "sqlite"

	ProjectPathPlaceholder = "<PROJECT_PATH>"
	DBPathPlaceholder      = "<DB_PATH>"
)

// ErrConfig is returned when the settings source cannot be read.
var ErrConfig = errors.New("configuration error")

// Config holds application configuration
type Config struct {
	AppName        string
	OutputDir      string
	OutputFilename string

	// Store location
	DBType      string
	DBPath      string // Base directory, may start with ~
	DBFilename  string
	WorkspaceID string

	ProjectName   string
	ProjectBranch string
	ProjectPath   string

	// ItemTable keys
	ComposerDataKey string
	GenerationsKey  string
	PromptsKey      string

	// Privacy toggles
	IncludeSecrets       bool // Parsed but not consumed by any section yet
	IncludeAbsolutePaths bool
	IncludeSystemInfo    bool

	LogDir   string
	LogLevel string
}

// Default returns a Config populated with the built-in defaults.
func Default() *Config {
	return &Config{
		AppName:              "chat-history-consolidator",
		OutputDir:            ".knowledge",
		OutputFilename:       "chat-history-consolidated.md",
		DBType:               DBTypeSQLite,
		DBPath:               "~/Library/Application Support/Cursor/User/workspaceStorage",
		DBFilename:           "state.vscdb",
		WorkspaceID:          "default-workspace",
		ProjectName:          "unknown-project",
		ProjectBranch:        "main",
		ProjectPath:          "/path/to/project",
		ComposerDataKey:      "composer.composerData",
		GenerationsKey:       "aiService.generations",
		PromptsKey:           "aiService.prompts",
		IncludeSecrets:       false,
		IncludeAbsolutePaths: false,
		IncludeSystemInfo:    true,
		LogDir:               "logs",
		LogLevel:             "info",
	}
}

// LookupFunc resolves a single setting key, reporting whether it was present.
type LookupFunc func(key string) (string, bool)

// Load reads configuration from the settings file at path and the process
// environment. Environment variables take precedence over file entries.
func Load(path string) (*Config, error) {
	return LoadWith(path, os.LookupEnv)
}

// LoadWith is Load with an explicit environment lookup.
func LoadWith(path string, env LookupFunc) (*Config, error) {
	fileValues, err := readSettingsFile(path)
	if err != nil {
		return nil, err
	}

	lookup := func(key string) (string, bool) {
		if env != nil {
			if v, ok := env(key); ok {
				return v, true
			}
		}
		v, ok := fileValues[key]
		return v, ok
	}

	cfg := Default()
	cfg.apply(lookup)
	return cfg, nil
}

// readSettingsFile returns the key/value pairs of the settings file. A missing
// file yields no values.
func readSettingsFile(path string) (map[string]string, error) {
	if path == "" {
		return nil, nil
	}
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: failed to stat settings file %s: %v", ErrConfig, path, err)
	}

	if strings.EqualFold(filepath.Ext(path), ".toml") {
		var raw map[string]interface{}
		if _, err := toml.DecodeFile(path, &raw); err != nil {
			return nil, fmt.Errorf("%w: failed to parse settings file %s: %v", ErrConfig, path, err)
		}
		values := make(map[string]string, len(raw))
		for k, v := range raw {
			values[strings.ToUpper(k)] = fmt.Sprint(v)
		}
		return values, nil
	}

	values, err := godotenv.Read(path)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read settings file %s: %v", ErrConfig, path, err)
	}
	return values, nil
}

// parseFlag accepts only the literals true and false. Any other spelling,
// such as 1 or TRUE, leaves the setting at its default.
func parseFlag(v string) (bool, bool) {
	switch strings.TrimSpace(v) {
	case "true":
		return true, true
	case "false":
		return false, true
	}
	return false, false
}

func (c *Config) apply(lookup LookupFunc) {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok {
			*dst = v
		}
	}
	boolean := func(key string, dst *bool) {
		if v, ok := lookup(key); ok {
			if b, ok := parseFlag(v); ok {
				*dst = b
			}
		}
	}

	str("APP_NAME", &c.AppName)
	str("OUTPUT_DIR", &c.OutputDir)
	str("OUTPUT_FILENAME", &c.OutputFilename)
	str("DB_TYPE", &c.DBType)
	str("DB_PATH", &c.DBPath)
	str("DB_FILENAME", &c.DBFilename)
	str("WORKSPACE_ID", &c.WorkspaceID)
	str("PROJECT_NAME", &c.ProjectName)
	str("PROJECT_BRANCH", &c.ProjectBranch)
	str("PROJECT_PATH", &c.ProjectPath)
	str("COMPOSER_DATA_KEY", &c.ComposerDataKey)
	str("GENERATIONS_KEY", &c.GenerationsKey)
	str("PROMPTS_KEY", &c.PromptsKey)
	boolean("INCLUDE_SECRETS", &c.IncludeSecrets)
	boolean("INCLUDE_ABSOLUTE_PATHS", &c.IncludeAbsolutePaths)
	boolean("INCLUDE_SYSTEM_INFO", &c.IncludeSystemInfo)
	str("LOG_DIR", &c.LogDir)
	str("LOG_LEVEL", &c.LogLevel)
}

// Validate checks the settings the extractor depends on.
func (c *Config) Validate() error {
	if c.DBType != DBTypeSQLite {
		return fmt.Errorf("unsupported database type: %s", c.DBType)
	}
	required := []struct {
		key   string
		value string
	}{
		{"DB_FILENAME", c.DBFilename},
		{"WORKSPACE_ID", c.WorkspaceID},
		{"COMPOSER_DATA_KEY", c.ComposerDataKey},
		{"GENERATIONS_KEY", c.GenerationsKey},
		{"PROMPTS_KEY", c.PromptsKey},
		{"OUTPUT_FILENAME", c.OutputFilename},
	}
	for _, r := range required {
		if strings.TrimSpace(r.value) == "" {
			return fmt.Errorf("%s must not be empty", r.key)
		}
	}
	return nil
}

// DatabasePath returns the full path of the workspace state database.
func (c *Config) DatabasePath() string {
	return filepath.Join(expandHome(c.DBPath), c.WorkspaceID, c.DBFilename)
}

// SanitizePath replaces the project path and the database base path with
// placeholders unless absolute paths are allowed.
func (c *Config) SanitizePath(text string) string {
	if c.IncludeAbsolutePaths {
		return text
	}
	text = replaceNonEmpty(text, c.ProjectPath, ProjectPathPlaceholder)
	if expanded := expandHome(c.DBPath); expanded != c.DBPath {
		text = replaceNonEmpty(text, expanded, DBPathPlaceholder)
	}
	return replaceNonEmpty(text, c.DBPath, DBPathPlaceholder)
}

func replaceNonEmpty(s, old, repl string) string {
	if old == "" {
		return s
	}
	return strings.ReplaceAll(s, old, repl)
}

// expandHome expands a leading ~ to the user's home directory.
func expandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return path
	}
	if path == "~" {
		return home
	}
	return filepath.Join(home, path[2:])
}
