package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/KafClaw/crewlink/internal/config"
	"github.com/KafClaw/crewlink/internal/healthcheck"
)

var (
	healthcheckJSON  bool
	healthcheckStdin bool
	healthcheckURL   string
	healthcheckToken string
)

// errUnhealthy makes Execute fail so the process exits 1.
var errUnhealthy = errors.New("unhealthy")

var healthcheckCmd = &cobra.Command{
	Use:   "healthcheck [payload]",
	Short: "Evaluate a status payload (exit 0 only when status is ok)",
	Long: "Evaluates the /api/v1/status payload. The payload is taken from the first\n" +
		"argument, from stdin with --stdin, or fetched from the running gateway.",
	Args:          cobra.MaximumNArgs(1),
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runHealthcheck,
}

func init() {
	healthcheckCmd.Flags().BoolVar(&healthcheckJSON, "json", false, "Print machine-readable JSON")
	healthcheckCmd.Flags().BoolVar(&healthcheckStdin, "stdin", false, "Read the payload from standard input")
	healthcheckCmd.Flags().StringVar(&healthcheckURL, "url", "", "Gateway base URL (default from config)")
	healthcheckCmd.Flags().StringVar(&healthcheckToken, "token", "", "Gateway auth token (default from config)")
}

func runHealthcheck(cmd *cobra.Command, args []string) error {
	var res healthcheck.Result
	payload, err := healthcheckPayload(cmd, args)
	if err != nil {
		res = healthcheck.Result{Error: err.Error()}
	} else {
		res = healthcheck.Evaluate(payload)
	}

	out := cmd.OutOrStdout()
	if healthcheckJSON {
		enc := json.NewEncoder(out)
		if err := enc.Encode(res); err != nil {
			return err
		}
	} else {
		fmt.Fprintln(out, res.String())
	}
	if res.ExitCode() != 0 {
		return errUnhealthy
	}
	return nil
}

func healthcheckPayload(cmd *cobra.Command, args []string) ([]byte, error) {
	switch {
	case len(args) == 1:
		return []byte(args[0]), nil
	case healthcheckStdin:
		data, err := io.ReadAll(io.LimitReader(cmd.InOrStdin(), 1<<20))
		if err != nil {
			return nil, fmt.Errorf("read stdin: %w", err)
		}
		return data, nil
	}
	url, token := healthcheckURL, healthcheckToken
	if url == "" || token == "" {
		cfg, err := config.Load()
		if err != nil {
			return nil, err
		}
		if url == "" {
			url = gatewayURL(cfg)
		}
		if token == "" {
			token = cfg.Gateway.AuthToken
		}
	}
	return healthcheck.Fetch(cmd.Context(), nil, url, token)
}

func gatewayURL(cfg *config.Config) string {
	host := cfg.Gateway.Host
	if host == "" || host == "0.0.0.0" {
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, strconv.Itoa(cfg.Gateway.Port))
}
