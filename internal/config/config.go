// Package config holds the session-correlation core's runtime
// configuration: environment overrides (§6) layered on top of an optional
// JSON config file, using the same defaults-struct-plus-raw-overlay pattern
// as internal/config/config.go and loader.go in the teacher.
package config

import "time"

// Config is the fully-resolved runtime configuration.
type Config struct {
	Roots          RootsConfig          `json:"roots"`
	Tmux           TmuxConfig           `json:"tmux"`
	Intervals      IntervalsConfig      `json:"intervals"`
	Store          StoreConfig          `json:"store"`
	Logging        LoggingConfig        `json:"logging"`
}

// RootsConfig overrides the vendor transcript root directories (§4.1).
type RootsConfig struct {
	ClaudeConfigDir string `json:"claudeConfigDir"`
	CodexHome       string `json:"codexHome"`
	PiHome          string `json:"piHome"`
}

// TmuxConfig configures window enumeration (§6).
type TmuxConfig struct {
	ManagedSession   string   `json:"managedSession"`
	DiscoverPrefixes []string `json:"discoverPrefixes"`
}

// IntervalsConfig configures the registry refresher and log poller
// cadences (§5, §6).
type IntervalsConfig struct {
	RefreshInterval time.Duration `json:"refreshInterval"`
	LogPollInterval time.Duration `json:"logPollInterval"`
}

// StoreConfig configures SessionStore persistence (§6).
type StoreConfig struct {
	DBPath string `json:"dbPath"`
}

// LoggingConfig configures the ambient log/slog setup (§6).
type LoggingConfig struct {
	File  string `json:"file"`
	Level string `json:"level"`
}

// Default minimum cadences (§6 "floor").
const (
	RefreshIntervalFloor = 500 * time.Millisecond
	LogPollIntervalFloor = 2000 * time.Millisecond
)

// Default returns the out-of-the-box configuration before environment or
// file overrides are applied.
func Default() *Config {
	return &Config{
		Tmux: TmuxConfig{
			ManagedSession: "agentboard",
		},
		Intervals: IntervalsConfig{
			RefreshInterval: 2000 * time.Millisecond,
			LogPollInterval: 5000 * time.Millisecond,
		},
		Store: StoreConfig{
			DBPath: "~/.agentboard/agentboard.db",
		},
		Logging: LoggingConfig{
			File:  "~/.agentboard/agentboard.log",
			Level: "info",
		},
	}
}

// Validate enforces the §6 cadence floors.
func (c *Config) Validate() error {
	if c.Intervals.RefreshInterval < RefreshIntervalFloor {
		c.Intervals.RefreshInterval = RefreshIntervalFloor
	}
	if c.Intervals.LogPollInterval < LogPollIntervalFloor {
		c.Intervals.LogPollInterval = LogPollIntervalFloor
	}
	return nil
}
