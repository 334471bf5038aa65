package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/kioku-ai/kioku/pkg/config"
	"github.com/kioku-ai/kioku/pkg/memory"
	"github.com/kioku-ai/kioku/pkg/providers"
)

var configPath string

func executeCLI() error {
	return buildRootCommand().Execute()
}

func buildRootCommand() *cobra.Command {
	var showVersion bool

	root := &cobra.Command{
		Use:           "kioku",
		Short:         "Group-chat bot with layered long-term memory",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if showVersion {
				printVersion()
				return nil
			}
			if err := cmd.Help(); err != nil {
				return err
			}
			return fmt.Errorf("a subcommand is required")
		},
	}
	root.CompletionOptions.DisableDefaultCmd = true
	root.Flags().BoolVarP(&showVersion, "version", "v", false, "print version and exit")
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path (default ~/.kioku/config.json)")

	root.AddCommand(
		newOnboardCommand(),
		newGatewayCommand(),
		newChatCommand(),
		newMemoryCommand(),
		newVersionCommand(),
	)
	return root
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			printVersion()
			return nil
		},
	}
}

func newOnboardCommand() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "onboard",
		Short: "Write a starter config file",
		Long:  "Creates a config file with sensible defaults. Fill in provider and channel credentials afterwards, or set them via KIOKU_* environment variables.",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := configPath
			if path == "" {
				path = config.Path()
			}
			if !force {
				if _, err := os.Stat(path); err == nil {
					return fmt.Errorf("config already exists at %s (use --force to overwrite)", path)
				}
			}
			if err := config.Save(config.Default(), path); err != nil {
				return err
			}
			fmt.Printf("Config written to %s\n", path)
			fmt.Println("Next steps:")
			fmt.Println("  1. Add your OpenAI API key (providers.openai.api_key)")
			fmt.Println("  2. Add your Discord bot token (channels.discord.token)")
			fmt.Println("  3. Run: kioku gateway")
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config file")
	return cmd
}

// loadConfig reads the config honoring the --config flag.
func loadConfig() (*config.Config, error) {
	return config.Load(configPath)
}

// configureEmbedder installs the embedder named in the config. The remote
// OpenAI embedder needs an API key; everything else is local.
func configureEmbedder(cfg *config.Config) error {
	if cfg.Memory.Embedder == "openai" {
		client, err := providers.NewEmbeddingClient(cfg.Providers.OpenAI)
		if err != nil {
			return fmt.Errorf("openai embedder: %w", err)
		}
		memory.SetEmbedder(client)
		return nil
	}
	memory.SetEmbedderByName(cfg.Memory.Embedder)
	return nil
}

func memoryConfig(cfg *config.Config) memory.Config {
	return memory.Config{
		StoragePath:           cfg.Memory.StoragePath,
		WorkingCapacity:       cfg.Memory.WorkingCapacity,
		WorkingMaxTokens:      cfg.Memory.WorkingMaxTokens,
		EpisodicRetentionDays: cfg.Memory.EpisodicRetentionDays,
		EpisodicCapacity:      cfg.Memory.EpisodicCapacity,
		ConsolidationBatch:    cfg.Memory.ConsolidationBatch,
	}
}

func openMemory(cfg *config.Config) (*memory.Manager, func() error, error) {
	return memory.Open(memoryConfig(cfg), memory.ManagerOptions{
		EnableWorking:  true,
		EnableEpisodic: true,
		EnableSemantic: true,
	})
}
