package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const (
	configDir  = ".config/agentboard"
	configFile = "config.json"
)

// rawConfig is the JSON-unmarshaling intermediary. Its fields are plain
// values, so mergeConfig treats an empty string, an empty list or an
// unparseable duration the same as an absent key: the default stands.
type rawConfig struct {
	Roots     RootsConfig      `json:"roots"`
	Tmux      rawTmuxConfig    `json:"tmux"`
	Intervals rawIntervals     `json:"intervals"`
	Store     StoreConfig      `json:"store"`
	Logging   LoggingConfig    `json:"logging"`
}

type rawTmuxConfig struct {
	ManagedSession   string   `json:"managedSession"`
	DiscoverPrefixes []string `json:"discoverPrefixes"`
}

type rawIntervals struct {
	RefreshInterval string `json:"refreshInterval"`
	LogPollInterval string `json:"logPollInterval"`
}

// Load resolves configuration from ~/.config/agentboard/config.json (if
// present) overlaid with defaults, then applies environment overrides
// (§6), which always win.
func Load() (*Config, error) {
	return LoadFrom("")
}

// LoadFrom loads from a specific config file path; empty uses the default
// location. Environment variables are applied after the file regardless.
func LoadFrom(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		home, err := os.UserHomeDir()
		if err == nil {
			path = filepath.Join(home, configDir, configFile)
		}
	}

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			var raw rawConfig
			if jerr := json.Unmarshal(data, &raw); jerr != nil {
				return nil, jerr
			}
			mergeConfig(cfg, &raw)
		case os.IsNotExist(err):
			// No config file; defaults stand.
		default:
			return nil, err
		}
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func mergeConfig(cfg *Config, raw *rawConfig) {
	if raw.Roots.ClaudeConfigDir != "" {
		cfg.Roots.ClaudeConfigDir = raw.Roots.ClaudeConfigDir
	}
	if raw.Roots.CodexHome != "" {
		cfg.Roots.CodexHome = raw.Roots.CodexHome
	}
	if raw.Roots.PiHome != "" {
		cfg.Roots.PiHome = raw.Roots.PiHome
	}

	if raw.Tmux.ManagedSession != "" {
		cfg.Tmux.ManagedSession = raw.Tmux.ManagedSession
	}
	if len(raw.Tmux.DiscoverPrefixes) > 0 {
		cfg.Tmux.DiscoverPrefixes = raw.Tmux.DiscoverPrefixes
	}

	if raw.Intervals.RefreshInterval != "" {
		if d, err := time.ParseDuration(raw.Intervals.RefreshInterval); err == nil {
			cfg.Intervals.RefreshInterval = d
		}
	}
	if raw.Intervals.LogPollInterval != "" {
		if d, err := time.ParseDuration(raw.Intervals.LogPollInterval); err == nil {
			cfg.Intervals.LogPollInterval = d
		}
	}

	if raw.Store.DBPath != "" {
		cfg.Store.DBPath = raw.Store.DBPath
	}
	if raw.Logging.File != "" {
		cfg.Logging.File = raw.Logging.File
	}
	if raw.Logging.Level != "" {
		cfg.Logging.Level = raw.Logging.Level
	}
}

// applyEnv layers the §6 environment variable table onto cfg; env always
// wins over both defaults and the config file.
func applyEnv(cfg *Config) {
	if v := os.Getenv("CLAUDE_CONFIG_DIR"); v != "" {
		cfg.Roots.ClaudeConfigDir = v
	}
	if v := os.Getenv("CODEX_HOME"); v != "" {
		cfg.Roots.CodexHome = v
	}
	if v := os.Getenv("PI_HOME"); v != "" {
		cfg.Roots.PiHome = v
	}
	if v := os.Getenv("TMUX_SESSION"); v != "" {
		cfg.Tmux.ManagedSession = v
	}
	if v := os.Getenv("DISCOVER_PREFIXES"); v != "" {
		var prefixes []string
		for _, p := range strings.Split(v, ",") {
			if p = strings.TrimSpace(p); p != "" {
				prefixes = append(prefixes, p)
			}
		}
		cfg.Tmux.DiscoverPrefixes = prefixes
	}
	if v := os.Getenv("REFRESH_INTERVAL_MS"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil {
			cfg.Intervals.RefreshInterval = time.Duration(ms) * time.Millisecond
		}
	}
	if v := os.Getenv("AGENTBOARD_LOG_POLL_MS"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil {
			cfg.Intervals.LogPollInterval = time.Duration(ms) * time.Millisecond
		}
	}
	if v := os.Getenv("AGENTBOARD_DB_PATH"); v != "" {
		cfg.Store.DBPath = v
	}
	if v := os.Getenv("LOG_FILE"); v != "" {
		cfg.Logging.File = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}

// ExpandPath expands a leading "~" to the user's home directory.
func ExpandPath(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	if path == "~" {
		return home
	}
	if strings.HasPrefix(path, "~/") {
		return filepath.Join(home, path[2:])
	}
	return path
}
