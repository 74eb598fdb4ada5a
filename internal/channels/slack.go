package channels

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/slack-go/slack"

	"github.com/KafClaw/crewlink/internal/bus"
	"github.com/KafClaw/crewlink/internal/config"
)

const defaultSlackAPIBase = "https://slack.com/api"

// SlackMirror posts deliveries of selected crewlink channels into Slack
// channels through the Web API.
type SlackMirror struct {
	BaseChannel
	config config.SlackMirrorConfig
	api    *slack.Client
	// timeout bounds one post including retries.
	timeout time.Duration
}

// NewSlackMirror builds a mirror from cfg. httpClient may be nil.
func NewSlackMirror(cfg config.SlackMirrorConfig, messageBus *bus.MessageBus, httpClient *http.Client) (*SlackMirror, error) {
	token := strings.TrimSpace(cfg.BotToken)
	if cfg.Enabled && token == "" {
		return nil, errors.New("slack mirror: missing bot token")
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	base := strings.TrimSpace(cfg.APIBase)
	if base == "" {
		base = defaultSlackAPIBase
	}
	base = strings.TrimRight(base, "/") + "/"
	return &SlackMirror{
		BaseChannel: BaseChannel{Bus: messageBus},
		config:      cfg,
		api:         slack.New(token, slack.OptionHTTPClient(httpClient), slack.OptionAPIURL(base)),
		timeout:     15 * time.Second,
	}, nil
}

func (m *SlackMirror) Name() string { return "slack" }

func (m *SlackMirror) Start(ctx context.Context) error {
	if !m.config.Enabled {
		return nil
	}
	for channel := range m.config.Channels {
		if !IsTeamBroadcast(channel) {
			slog.Warn("Slack mirror skips non-broadcast channel", "channel", channel)
			continue
		}
		m.subscribe(channel, func(d *bus.Delivery) {
			sendCtx, cancel := context.WithTimeout(ctx, m.timeout)
			defer cancel()
			if err := m.Send(sendCtx, d); err != nil {
				slog.Warn("Slack mirror send failed", "channel", d.Channel, "message_id", d.MessageID, "error", err)
			}
		})
	}
	slog.Info("Slack mirror started", "channels", len(m.config.Channels))
	return nil
}

func (m *SlackMirror) Stop() error {
	m.unsubscribeAll()
	return nil
}

// Send posts d to the Slack channel mapped to d.Channel. Unmapped channels
// and anything that is not a team broadcast are ignored.
func (m *SlackMirror) Send(ctx context.Context, d *bus.Delivery) error {
	target := strings.TrimSpace(m.config.Channels[d.Channel])
	if target == "" || !IsTeamBroadcast(d.Channel) {
		return nil
	}
	text := formatSlackText(d)
	return withRetry(ctx, 3, 200*time.Millisecond, func() (bool, error) {
		_, _, err := m.api.PostMessageContext(ctx, target, slack.MsgOptionText(text, false))
		return slackRetryDecision(ctx, err)
	})
}

func formatSlackText(d *bus.Delivery) string {
	var b strings.Builder
	fmt.Fprintf(&b, "*%s*", d.From)
	if d.To != "" {
		fmt.Fprintf(&b, " → %s", d.To)
	}
	fmt.Fprintf(&b, " in #%s: %s", d.Channel, d.Content)
	return b.String()
}

func slackRetryDecision(ctx context.Context, err error) (bool, error) {
	if err == nil {
		return false, nil
	}
	var rle *slack.RateLimitedError
	if errors.As(err, &rle) && rle != nil {
		if rle.RetryAfter > 0 {
			select {
			case <-ctx.Done():
				return false, err
			case <-time.After(rle.RetryAfter):
			}
		}
		return true, err
	}
	return false, err
}
