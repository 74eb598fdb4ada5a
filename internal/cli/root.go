package cli

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var (
	// version can be overridden at build time via:
	// go build -ldflags "-X github.com/KafClaw/crewlink/internal/cli.version=1.2.3"
	version = "0.4.0"
	logo    = "\n" +
		"   ___                 _ _       _\n" +
		"  / __|_ _ _____ __ __| (_)_ _  | |__\n" +
		" | (__| '_/ -_) V  V /| | | ' \\ | / /\n" +
		"  \\___|_| \\___|\\_/\\_/ |_|_|_||_||_\\_\\\n"
)

var rootCmd = &cobra.Command{
	Use:   "crewlink",
	Short: "crewlink - agent team coordinator",
	Long:  color.CyanString(logo) + "\nRoutes agent chat into channels, tracks tasks and keeps the team loop alive.",
	Run: func(cmd *cobra.Command, args []string) {
		_ = cmd.Help()
	},
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(gatewayCmd)
	rootCmd.AddCommand(healthcheckCmd)
	rootCmd.AddCommand(onboardCmd)
}

func printHeader(w io.Writer, title string) {
	fmt.Fprintln(w, color.CyanString(logo))
	if title != "" {
		fmt.Fprintln(w, title)
		fmt.Fprintln(w, "─────────────────────")
	}
}

// setupLogging installs the default slog handler on stderr.
func setupLogging(level string) {
	var lvl slog.Level
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})))
}
