package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/KafClaw/crewlink/internal/config"
)

var onboardCmd = &cobra.Command{
	Use:   "onboard",
	Short: "Write an initial config file and state directory",
	RunE:  runOnboard,
}

var onboardForce bool
var onboardGatewayPort int
var onboardAuthToken string
var onboardNoAuth bool
var onboardDriver string
var onboardJSON bool

type onboardingSummary struct {
	ConfigPath string `json:"configPath"`
	StateDir   string `json:"stateDir"`
	Driver     string `json:"driver"`
	Gateway    string `json:"gateway"`
	Auth       bool   `json:"auth"`
}

func init() {
	onboardCmd.Flags().BoolVar(&onboardForce, "force", false, "Overwrite an existing config file")
	onboardCmd.Flags().IntVar(&onboardGatewayPort, "gateway-port", 0, "Gateway port (default 18800)")
	onboardCmd.Flags().StringVar(&onboardAuthToken, "token", "", "Gateway auth token (generated when empty)")
	onboardCmd.Flags().BoolVar(&onboardNoAuth, "no-auth", false, "Leave the gateway without an auth token")
	onboardCmd.Flags().StringVar(&onboardDriver, "driver", "", "Storage driver: sqlite, sqlite3 or memory")
	onboardCmd.Flags().BoolVar(&onboardJSON, "json", false, "Print a machine-readable summary")
}

func runOnboard(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	path, err := config.ConfigPath()
	if err != nil {
		return err
	}
	if _, err := os.Stat(path); err == nil && !onboardForce {
		return fmt.Errorf("config already exists at %s (use --force to overwrite)", path)
	}

	cfg := config.DefaultConfig()
	if onboardGatewayPort > 0 {
		cfg.Gateway.Port = onboardGatewayPort
	}
	switch d := strings.ToLower(strings.TrimSpace(onboardDriver)); d {
	case "":
	case "sqlite", "sqlite3", "memory":
		cfg.Storage.Driver = d
	default:
		return fmt.Errorf("unknown storage driver %q", onboardDriver)
	}
	if !onboardNoAuth {
		cfg.Gateway.AuthToken = onboardAuthToken
		if cfg.Gateway.AuthToken == "" {
			cfg.Gateway.AuthToken = strings.ReplaceAll(uuid.NewString(), "-", "")
		}
	}

	if err := config.Save(cfg); err != nil {
		return fmt.Errorf("save config: %w", err)
	}
	// Load expands ~ so the state dir is created where the gateway will look.
	loaded, err := config.Load()
	if err != nil {
		return err
	}
	if loaded.Storage.Driver != "memory" {
		if err := config.EnsureDir(loaded.Paths.StateDir); err != nil {
			return fmt.Errorf("state dir: %w", err)
		}
	}

	summary := onboardingSummary{
		ConfigPath: path,
		StateDir:   loaded.Paths.StateDir,
		Driver:     loaded.Storage.Driver,
		Gateway:    gatewayURL(loaded),
		Auth:       loaded.Gateway.AuthToken != "",
	}
	if onboardJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(summary)
	}
	printHeader(out, "🚀 crewlink Onboard")
	fmt.Fprintf(out, "Config:   %s\n", summary.ConfigPath)
	fmt.Fprintf(out, "State:    %s (%s)\n", summary.StateDir, summary.Driver)
	fmt.Fprintf(out, "Gateway:  %s\n", summary.Gateway)
	if summary.Auth {
		fmt.Fprintln(out, "Auth:     token written to config (gateway.authToken)")
	} else {
		fmt.Fprintln(out, "Auth:     disabled")
	}
	fmt.Fprintln(out, "\nNext: crewlink gateway")
	return nil
}
