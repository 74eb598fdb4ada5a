package config

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// envFiles lists the env files Load reads, most specific first:
// $CREWLINK_ENV_FILE, ~/.config/crewlink/env, then ~/.crewlink/env.
// ~ honours CREWLINK_HOME like the config path does.
func envFiles() []string {
	var files []string
	if explicit := strings.TrimSpace(os.Getenv("CREWLINK_ENV_FILE")); explicit != "" {
		if abs, err := filepath.Abs(explicit); err == nil {
			explicit = abs
		}
		files = append(files, explicit)
	}
	if home, err := resolveHomeDir(); err == nil {
		files = append(files,
			filepath.Join(home, ".config", "crewlink", "env"),
			filepath.Join(home, ConfigDir, "env"),
		)
	}
	return files
}

// applyEnvFiles exports the variables of every existing env file. A variable
// already present in the process, or set by an earlier file, wins. It returns
// the names it exported.
func applyEnvFiles(files []string) []string {
	var applied []string
	for _, path := range files {
		f, err := os.Open(path)
		if err != nil {
			if !os.IsNotExist(err) {
				slog.Warn("Env file unreadable", "path", path, "error", err)
			}
			continue
		}
		vars, err := parseEnv(f)
		f.Close()
		if err != nil {
			slog.Warn("Env file skipped", "path", path, "error", err)
			continue
		}
		for _, kv := range vars {
			if _, set := os.LookupEnv(kv[0]); set {
				continue
			}
			_ = os.Setenv(kv[0], kv[1])
			applied = append(applied, kv[0])
		}
		slog.Debug("Env file loaded", "path", path, "vars", len(vars))
	}
	return applied
}

// parseEnv reads KEY=value lines. Blank lines, # comments and an "export "
// prefix are ignored. Double-quoted values are unescaped, single-quoted ones
// are literal, and unquoted values end at " #".
func parseEnv(r io.Reader) ([][2]string, error) {
	var out [][2]string
	sc := bufio.NewScanner(r)
	for n := 1; sc.Scan(); n++ {
		line := strings.TrimSpace(sc.Text())
		if line == "" || line[0] == '#' {
			continue
		}
		line = strings.TrimPrefix(line, "export ")
		key, raw, ok := strings.Cut(line, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" || strings.ContainsAny(key, " \t") {
			continue
		}
		val, err := envValue(strings.TrimSpace(raw))
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", n, err)
		}
		out = append(out, [2]string{key, val})
	}
	return out, sc.Err()
}

func envValue(raw string) (string, error) {
	switch {
	case len(raw) >= 2 && raw[0] == '"' && raw[len(raw)-1] == '"':
		return strconv.Unquote(raw)
	case len(raw) >= 2 && raw[0] == '\'' && raw[len(raw)-1] == '\'':
		return raw[1 : len(raw)-1], nil
	}
	if i := strings.Index(raw, " #"); i >= 0 {
		raw = strings.TrimSpace(raw[:i])
	}
	return raw, nil
}
