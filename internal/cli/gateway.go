package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/KafClaw/crewlink/internal/bus"
	"github.com/KafClaw/crewlink/internal/channels"
	"github.com/KafClaw/crewlink/internal/chat"
	"github.com/KafClaw/crewlink/internal/config"
	"github.com/KafClaw/crewlink/internal/gateway"
	"github.com/KafClaw/crewlink/internal/health"
	"github.com/KafClaw/crewlink/internal/quiethours"
	"github.com/KafClaw/crewlink/internal/router"
	"github.com/KafClaw/crewlink/internal/scheduler"
	"github.com/KafClaw/crewlink/internal/tasks"
	"github.com/KafClaw/crewlink/internal/timeline"
	"github.com/KafClaw/crewlink/internal/watchdog"
)

var gatewayCmd = &cobra.Command{
	Use:          "gateway",
	Short:        "Start the coordinator (HTTP gateway, watchdogs, mirrors)",
	SilenceUsage: true,
	RunE:         runGateway,
}

var gatewaySignalNotify = signal.Notify
var gatewaySignalStop = signal.Stop

func runGateway(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	printHeader(out, "🌐 crewlink Gateway")

	// 1. Load config
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	setupLogging(cfg.Logging.Level)

	// 2. Storage
	var tl *timeline.TimelineService
	if cfg.Storage.Driver != "memory" {
		if err := config.EnsureDir(cfg.Paths.StateDir); err != nil {
			return fmt.Errorf("state dir: %w", err)
		}
		tl, err = timeline.NewTimelineServiceWithDriver(cfg.Storage.Driver, cfg.Storage.DBPath)
		if err != nil {
			return fmt.Errorf("open timeline: %w", err)
		}
		defer tl.Close()
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	// 3. Bus and stores
	msgBus := bus.NewMessageBus(256)
	taskOpts := []tasks.Option{}
	chatOpts := []chat.Option{chat.WithPublisher(msgBus)}
	if tl != nil {
		taskOpts = append(taskOpts, tasks.WithPersister(tl))
		chatOpts = append(chatOpts, chat.WithPersister(tl))
	}
	taskStore := tasks.NewStore(taskOpts...)
	chatStore := chat.NewStore(chatOpts...)
	if err := taskStore.Load(ctx); err != nil {
		return err
	}
	if err := chatStore.Load(ctx); err != nil {
		return err
	}

	msgRouter := router.New(taskStore, chatStore, router.Config{
		CommentTimeout: cfg.Router.CommentTimeout,
		DefaultChannel: cfg.Router.DefaultChannel,
	})

	// 4. Supervisor and watchdogs
	gate := quiethours.NewGate(quiethours.FromConfig(cfg.QuietHours), nil)
	supOpts := []scheduler.Option{}
	dogOpts := []watchdog.Option{watchdog.WithSendTimeout(cfg.Router.SendTimeout)}
	if tl != nil {
		supOpts = append(supOpts, scheduler.WithRunLog(tl))
		dogOpts = append(dogOpts, watchdog.WithSettings(tl))
	}
	sup := scheduler.New(scheduler.Config{
		MaxConcurrent: cfg.Timers.MaxConcurrent,
		LockPath:      cfg.Timers.LockPath,
		TickTimeout:   cfg.Timers.TickTimeout,
	}, supOpts...)
	dogs := watchdog.New(cfg.Watchdog, msgRouter, chatStore, taskStore, gate, dogOpts...)
	sweeper := watchdog.NewSweepJob(chatStore, dogs, cfg.Watchdog.RetainMessages)
	if err := dogs.Register(sup, cfg.Timers, sweeper); err != nil {
		return err
	}

	// 5. Mirrors
	mirrors, err := buildMirrors(cfg, msgBus)
	if err != nil {
		return err
	}
	for _, m := range mirrors {
		if err := m.Start(ctx); err != nil {
			return fmt.Errorf("start %s mirror: %w", m.Name(), err)
		}
		defer m.Stop()
	}

	// 6. Start everything
	sigChan := make(chan os.Signal, 1)
	gatewaySignalNotify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer gatewaySignalStop(sigChan)
	go func() {
		select {
		case sig := <-sigChan:
			slog.Info("Shutting down", "signal", sig.String())
			cancel()
		case <-ctx.Done():
		}
	}()

	go msgBus.DispatchOutbound(ctx)
	if err := sup.Start(ctx); err != nil {
		return err
	}
	defer sup.StopAll()

	srv := gateway.New(cfg.Gateway, cfg.Router, gateway.Deps{
		Router: msgRouter,
		Chat:   chatStore,
		Tasks:  taskStore,
		Bus:    msgBus,
		Health: health.NewReporter(gate, sweeper, sup),
		Timers: sup,
	})
	fmt.Fprintf(out, "📡 Gateway listening on http://%s\n", srv.Addr())
	return srv.ListenAndServe(ctx)
}

func buildMirrors(cfg *config.Config, msgBus *bus.MessageBus) ([]channels.Mirror, error) {
	var mirrors []channels.Mirror
	if cfg.Mirrors.Slack.Enabled {
		m, err := channels.NewSlackMirror(cfg.Mirrors.Slack, msgBus, nil)
		if err != nil {
			return nil, err
		}
		mirrors = append(mirrors, m)
	}
	if cfg.Mirrors.Kafka.Enabled {
		m, err := channels.NewKafkaMirror(cfg.Mirrors.Kafka, msgBus)
		if err != nil {
			return nil, err
		}
		mirrors = append(mirrors, m)
	}
	return mirrors, nil
}
