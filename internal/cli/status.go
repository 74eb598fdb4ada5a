package cli

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/KafClaw/crewlink/internal/config"
	"github.com/KafClaw/crewlink/internal/healthcheck"
)

var statusJSON bool

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the status of the running gateway",
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		data, fetchErr := healthcheck.Fetch(cmd.Context(), nil, gatewayURL(cfg), cfg.Gateway.AuthToken)

		if statusJSON {
			if fetchErr != nil {
				return fetchErr
			}
			_, err := out.Write(data)
			return err
		}

		printHeader(out, "📊 crewlink Status")
		fmt.Fprintf(out, "Version:  %s\n", version)
		if path, err := config.ConfigPath(); err == nil {
			fmt.Fprintf(out, "Config:   %s\n", path)
		}
		fmt.Fprintf(out, "Storage:  %s (%s)\n", cfg.Storage.Driver, cfg.Storage.DBPath)
		if fetchErr != nil {
			fmt.Fprintf(out, "Gateway:  ✗ not reachable at %s (%v)\n", gatewayURL(cfg), fetchErr)
			return nil
		}

		var p healthcheck.StatusPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return fmt.Errorf("decode status: %w", err)
		}
		fmt.Fprintf(out, "Gateway:  ✓ %s (%s)\n", gatewayURL(cfg), p.Status)
		fmt.Fprintf(out, "Chat:     %d messages in %d rooms, %d subscribers\n", p.Chat.TotalMessages, p.Chat.Rooms, p.Chat.Subscribers)
		fmt.Fprintf(out, "Inbox:    %d agents\n", p.Inbox.Agents)
		fmt.Fprintf(out, "Tasks:    %d total\n", p.Tasks.Total)
		statuses := make([]string, 0, len(p.Tasks.ByStatus))
		for st := range p.Tasks.ByStatus {
			statuses = append(statuses, st)
		}
		sort.Strings(statuses)
		for _, st := range statuses {
			fmt.Fprintf(out, "  %-11s %d\n", st, p.Tasks.ByStatus[st])
		}
		return nil
	},
}

func init() {
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "Print the raw status payload")
}
