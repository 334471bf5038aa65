package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/kioku-ai/kioku/pkg/logger"
	"github.com/kioku-ai/kioku/pkg/providers"
)

func newMemoryCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "memory",
		Short: "Inspect and maintain the memory stores",
	}
	cmd.AddCommand(
		newMemoryStatsCommand(),
		newMemoryConsolidateCommand(),
		newMemoryForgetCommand(),
		newMemoryClearCommand(),
	)
	return cmd
}

func newMemoryStatsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print statistics for every memory tier",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger.Setup(cfg.Log.Level, cfg.Log.Pretty)

			mgr, closeMemory, err := openMemory(cfg)
			if err != nil {
				return err
			}
			defer closeMemory()

			data, err := json.MarshalIndent(mgr.Stats(), "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(data))
			return nil
		},
	}
}

func newMemoryConsolidateCommand() *cobra.Command {
	var batch int

	cmd := &cobra.Command{
		Use:   "consolidate",
		Short: "Distill unconsolidated episodes into semantic facts",
		Long:  "Runs consolidation passes until the backlog is empty. Needs a configured chat provider.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger.Setup(cfg.Log.Level, cfg.Log.Pretty)

			if err := configureEmbedder(cfg); err != nil {
				return err
			}
			mgr, closeMemory, err := openMemory(cfg)
			if err != nil {
				return err
			}
			defer closeMemory()

			llm, err := providers.NewChatClient(cfg.Providers.OpenAI)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
			defer cancel()

			total := 0
			prev := -1
			for {
				backlog, err := mgr.UnconsolidatedCount()
				if err != nil {
					return err
				}
				if backlog == 0 || backlog == prev {
					break
				}
				prev = backlog

				created, err := mgr.ConsolidateMemories(ctx, llm, batch)
				if err != nil {
					return err
				}
				total += created
			}
			fmt.Printf("created %d semantic fact(s)\n", total)
			return nil
		},
	}
	cmd.Flags().IntVar(&batch, "batch", 0, "episodes per pass (0 uses the configured batch size)")
	return cmd
}

func newMemoryForgetCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "forget",
		Short: "Remove expired and over-capacity episodic memories",
		Long:  "Applies the retention and capacity policy once. Aborts without removing anything while unconsolidated episodes are still at risk.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger.Setup(cfg.Log.Level, cfg.Log.Pretty)

			mgr, closeMemory, err := openMemory(cfg)
			if err != nil {
				return err
			}
			defer closeMemory()

			removed, err := mgr.Forget()
			if err != nil {
				return err
			}
			fmt.Printf("removed %d episodic record(s)\n", removed)
			return nil
		},
	}
}

func newMemoryClearCommand() *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Delete every stored memory",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return fmt.Errorf("refusing to clear without --yes")
			}
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger.Setup(cfg.Log.Level, cfg.Log.Pretty)

			mgr, closeMemory, err := openMemory(cfg)
			if err != nil {
				return err
			}
			defer closeMemory()

			if err := mgr.ClearAll(); err != nil {
				return err
			}
			fmt.Println("all memory tiers cleared")
			return nil
		},
	}
	cmd.Flags().BoolVar(&yes, "yes", false, "confirm the wipe")
	return cmd
}
