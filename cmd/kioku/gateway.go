package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/kioku-ai/kioku/pkg/agent"
	"github.com/kioku-ai/kioku/pkg/bus"
	"github.com/kioku-ai/kioku/pkg/channels"
	"github.com/kioku-ai/kioku/pkg/logger"
	"github.com/kioku-ai/kioku/pkg/providers"
	"github.com/kioku-ai/kioku/pkg/scheduler"
)

func newGatewayCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "gateway",
		Short: "Run the bot connected to its chat channels",
		Long:  "Starts the full service: channel connections, the reply loop, and the background memory scheduler. Runs until interrupted.",
		Example: `  kioku gateway
  KIOKU_LOG_LEVEL=debug kioku gateway --config ./kioku.json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGateway()
		},
	}
}

func runGateway() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger.Setup(cfg.Log.Level, cfg.Log.Pretty)
	log := logger.Component("gateway")

	if err := configureEmbedder(cfg); err != nil {
		return err
	}

	mgr, closeMemory, err := openMemory(cfg)
	if err != nil {
		return err
	}
	defer closeMemory()

	chat, err := providers.NewChatClient(cfg.Providers.OpenAI)
	if err != nil {
		return err
	}

	messageBus := bus.NewMessageBus()
	defer messageBus.Close()

	chanMgr, err := channels.NewManager(cfg, messageBus)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := chanMgr.StartAll(ctx); err != nil {
		return err
	}
	defer chanMgr.StopAll(context.Background())

	bot := agent.New(cfg.Agent, messageBus, mgr, chat)
	sched := scheduler.New(cfg.Scheduler, mgr, chat)

	go sched.Run(ctx)
	go bot.Run(ctx)

	log.Info().Str("agent", cfg.Agent.Name).Msg("gateway running")
	<-ctx.Done()
	log.Info().Msg("shutting down")
	return nil
}
