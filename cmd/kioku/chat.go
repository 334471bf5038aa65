package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"

	"github.com/kioku-ai/kioku/pkg/agent"
	"github.com/kioku-ai/kioku/pkg/bus"
	"github.com/kioku-ai/kioku/pkg/config"
	"github.com/kioku-ai/kioku/pkg/logger"
	"github.com/kioku-ai/kioku/pkg/memory"
	"github.com/kioku-ai/kioku/pkg/providers"
)

// The local REPL uses a fixed scope so its memories stay separate from
// channel conversations.
const (
	chatGroupID = "local"
	chatChannel = "cli"
)

func newChatCommand() *cobra.Command {
	var user string

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Talk to the bot in a local terminal session",
		Long: `Interactive REPL against the same memory stores the gateway uses.
Every line is remembered; every line gets a reply.

Commands inside the session:
  /stats        memory statistics
  /consolidate  run one consolidation pass now
  /exit         leave`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChat(user)
		},
	}
	cmd.Flags().StringVar(&user, "user", "you", "display name for your messages")
	return cmd
}

func runChat(userName string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	// log lines would tear up the prompt
	logger.Discard()

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
	bot := agent.New(cfg.Agent, messageBus, mgr, chat)

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "you> ",
		HistoryFile:     historyPath(),
		InterruptPrompt: "^C",
		EOFPrompt:       "bye",
	})
	if err != nil {
		return err
	}
	defer rl.Close()

	fmt.Printf("Chatting with %s. /exit to leave.\n", cfg.Agent.Name)

	for {
		line, err := rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			continue
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "/") {
			if done, err := runChatCommand(line, mgr, chat); err != nil {
				fmt.Printf("error: %v\n", err)
			} else if done {
				return nil
			}
			continue
		}

		bot.HandleMessage(context.Background(), bus.InboundMessage{
			Channel:   chatChannel,
			GroupID:   chatGroupID,
			UserID:    userName,
			UserName:  userName,
			Content:   line,
			Timestamp: time.Now().Unix(),
			Mentioned: true,
		})

		// HandleMessage publishes before returning, so a short wait is
		// only for the no-reply case.
		waitCtx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
		out, ok := messageBus.SubscribeOutbound(waitCtx)
		cancel()
		if ok {
			fmt.Printf("%s> %s\n", cfg.Agent.Name, out.Content)
		}
	}
}

func runChatCommand(line string, mgr *memory.Manager, llm memory.LLMClient) (bool, error) {
	switch strings.Fields(line)[0] {
	case "/exit", "/quit":
		return true, nil
	case "/stats":
		data, err := json.MarshalIndent(mgr.Stats(), "", "  ")
		if err != nil {
			return false, err
		}
		fmt.Println(string(data))
		return false, nil
	case "/consolidate":
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		created, err := mgr.ConsolidateMemories(ctx, llm, 0)
		if err != nil {
			return false, err
		}
		fmt.Printf("consolidated %d fact(s)\n", created)
		return false, nil
	default:
		fmt.Println("commands: /stats /consolidate /exit")
		return false, nil
	}
}

func historyPath() string {
	dir := filepath.Dir(config.Path())
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return ""
	}
	return filepath.Join(dir, "chat_history")
}
