package config

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/kelseyhightower/envconfig"
)

const (
	// ConfigDir is the default config directory name.
	ConfigDir = ".crewlink"
	// ConfigFile is the default config file name.
	ConfigFile = "config.json"
	// DBFile is the default database file name inside the state dir.
	DBFile = "crewlink.db"
)

// ConfigPath returns the path to the config file.
func ConfigPath() (string, error) {
	if explicit := strings.TrimSpace(os.Getenv("CREWLINK_CONFIG")); explicit != "" {
		if strings.HasPrefix(explicit, "~") {
			home, err := resolveHomeDir()
			if err != nil {
				return "", err
			}
			return filepath.Join(home, explicit[1:]), nil
		}
		return explicit, nil
	}
	home, err := resolveHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ConfigDir, ConfigFile), nil
}

func resolveHomeDir() (string, error) {
	if h := strings.TrimSpace(os.Getenv("CREWLINK_HOME")); h != "" {
		if strings.HasPrefix(h, "~") {
			base, err := os.UserHomeDir()
			if err != nil {
				return "", err
			}
			return filepath.Join(base, h[1:]), nil
		}
		return h, nil
	}
	return os.UserHomeDir()
}

// Load loads the configuration from file and environment variables.
// Priority: environment > file > defaults.
func Load() (*Config, error) {
	cfg := DefaultConfig()

	// Env files feed the envconfig pass below; the process env still wins.
	applyEnvFiles(envFiles())

	path, err := ConfigPath()
	if err != nil {
		return cfg, nil // Use defaults if we can't find config path
	}

	data, err := loadResolvedConfig(path)
	if err == nil {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, err
	}

	// Override with environment variables for each group
	envconfig.Process("CREWLINK_PATHS", &cfg.Paths)
	envconfig.Process("CREWLINK_LOG", &cfg.Logging)
	envconfig.Process("CREWLINK_GATEWAY", &cfg.Gateway)
	envconfig.Process("CREWLINK_STORAGE", &cfg.Storage)
	envconfig.Process("CREWLINK_ROUTER", &cfg.Router)
	envconfig.Process("CREWLINK_QUIET_HOURS", &cfg.QuietHours)
	envconfig.Process("CREWLINK_TIMERS", &cfg.Timers)
	envconfig.Process("CREWLINK_WATCHDOG", &cfg.Watchdog)
	envconfig.Process("CREWLINK_MIRRORS_SLACK", &cfg.Mirrors.Slack)
	envconfig.Process("CREWLINK_MIRRORS_KAFKA", &cfg.Mirrors.Kafka)

	// Slack tokens are commonly exported under their vendor name.
	if cfg.Mirrors.Slack.BotToken == "" {
		if tok := os.Getenv("SLACK_BOT_TOKEN"); tok != "" {
			cfg.Mirrors.Slack.BotToken = tok
		}
	}

	expandHome(&cfg.Paths.StateDir)
	expandHome(&cfg.Storage.DBPath)
	expandHome(&cfg.Timers.LockPath)

	normalize(cfg)
	return cfg, nil
}

func expandHome(p *string) {
	if strings.HasPrefix(*p, "~") {
		if home, err := os.UserHomeDir(); err == nil {
			*p = filepath.Join(home, (*p)[1:])
		}
	}
}

// normalize fills derived paths and clamps values a file or env var may
// have set out of range.
func normalize(cfg *Config) {
	if cfg.Storage.DBPath == "" && cfg.Paths.StateDir != "" {
		cfg.Storage.DBPath = filepath.Join(cfg.Paths.StateDir, DBFile)
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)) {
	case "sqlite", "sqlite3", "memory":
		cfg.Storage.Driver = strings.ToLower(strings.TrimSpace(cfg.Storage.Driver))
	default:
		slog.Warn("Unknown storage driver, falling back to sqlite", "driver", cfg.Storage.Driver)
		cfg.Storage.Driver = "sqlite"
	}
	def := DefaultConfig()
	if cfg.Router.CommentTimeout <= 0 {
		cfg.Router.CommentTimeout = def.Router.CommentTimeout
	}
	if cfg.Router.SendTimeout <= 0 {
		cfg.Router.SendTimeout = def.Router.SendTimeout
	}
	if strings.TrimSpace(cfg.Router.DefaultChannel) == "" {
		cfg.Router.DefaultChannel = def.Router.DefaultChannel
	}
	if cfg.Timers.MaxConcurrent <= 0 {
		cfg.Timers.MaxConcurrent = def.Timers.MaxConcurrent
	}
	if cfg.Timers.TickTimeout <= 0 {
		cfg.Timers.TickTimeout = def.Timers.TickTimeout
	}
	if cfg.Watchdog.RetainMessages < 0 {
		cfg.Watchdog.RetainMessages = 0
	}
	cfg.QuietHours.StartHour = clampHour(cfg.QuietHours.StartHour)
	cfg.QuietHours.EndHour = clampHour(cfg.QuietHours.EndHour)
}

func clampHour(h int) int {
	if h < 0 {
		return 0
	}
	if h > 23 {
		return 23
	}
	return h
}

// Save writes the configuration to the config file.
func Save(cfg *Config) error {
	path, err := ConfigPath()
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return err
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0600)
}

// EnsureDir ensures a directory exists with proper permissions.
func EnsureDir(path string) error {
	return os.MkdirAll(path, 0755)
}

var envPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

func loadResolvedConfig(path string) ([]byte, error) {
	obj, err := loadConfigObject(path, map[string]struct{}{})
	if err != nil {
		return nil, err
	}
	return json.Marshal(obj)
}

func loadConfigObject(path string, visited map[string]struct{}) (map[string]any, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	if _, seen := visited[absPath]; seen {
		return nil, fmt.Errorf("config include cycle detected at %s", absPath)
	}
	visited[absPath] = struct{}{}
	defer delete(visited, absPath)

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, err
	}

	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	if raw == nil {
		raw = map[string]any{}
	}

	merged := map[string]any{}
	if includeRaw, ok := raw["$include"]; ok {
		includeFiles, err := parseIncludes(includeRaw)
		if err != nil {
			return nil, err
		}
		baseDir := filepath.Dir(absPath)
		for _, includePath := range includeFiles {
			resolvedPath := includePath
			if !filepath.IsAbs(includePath) {
				resolvedPath = filepath.Join(baseDir, includePath)
			}
			child, err := loadConfigObject(resolvedPath, visited)
			if err != nil {
				return nil, err
			}
			deepMerge(merged, child)
		}
	}
	delete(raw, "$include")
	substituteEnvValues(raw)
	deepMerge(merged, raw)
	return merged, nil
}

func parseIncludes(v any) ([]string, error) {
	switch t := v.(type) {
	case string:
		if strings.TrimSpace(t) == "" {
			return nil, nil
		}
		return []string{t}, nil
	case []any:
		out := make([]string, 0, len(t))
		for _, item := range t {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("$include entries must be strings")
			}
			if strings.TrimSpace(s) == "" {
				continue
			}
			out = append(out, s)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("$include must be a string or array of strings")
	}
}

func deepMerge(dst, src map[string]any) {
	for key, val := range src {
		srcMap, srcIsMap := val.(map[string]any)
		if !srcIsMap {
			dst[key] = val
			continue
		}
		dstMap, dstIsMap := dst[key].(map[string]any)
		if !dstIsMap {
			dstMap = map[string]any{}
			dst[key] = dstMap
		}
		deepMerge(dstMap, srcMap)
	}
}

func substituteEnvValues(v any) any {
	switch t := v.(type) {
	case map[string]any:
		for k, item := range t {
			t[k] = substituteEnvValues(item)
		}
		return t
	case []any:
		for i, item := range t {
			t[i] = substituteEnvValues(item)
		}
		return t
	case string:
		return envPattern.ReplaceAllStringFunc(t, func(match string) string {
			parts := envPattern.FindStringSubmatch(match)
			if len(parts) != 2 {
				return match
			}
			if value, ok := os.LookupEnv(parts[1]); ok {
				return value
			}
			return match
		})
	default:
		return v
	}
}
