// Package agent runs the group-chat loop: observe every message into
// memory, answer when addressed.
package agent

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"github.com/kioku-ai/kioku/pkg/bus"
	"github.com/kioku-ai/kioku/pkg/config"
	"github.com/kioku-ai/kioku/pkg/logger"
	"github.com/kioku-ai/kioku/pkg/memory"
)

// ChatProvider produces replies.
type ChatProvider interface {
	Chat(ctx context.Context, system, user string) (string, error)
}

// Agent consumes inbound messages, keeps the memory tiers fed, and replies
// to messages that address it.
type Agent struct {
	cfg    config.AgentConfig
	bus    *bus.MessageBus
	memory *memory.Manager
	chat   ChatProvider
	log    zerolog.Logger
}

func New(cfg config.AgentConfig, mb *bus.MessageBus, mgr *memory.Manager, chat ChatProvider) *Agent {
	return &Agent{
		cfg:    cfg,
		bus:    mb,
		memory: mgr,
		chat:   chat,
		log:    logger.Component("agent"),
	}
}

// Run processes inbound messages until the context ends.
func (a *Agent) Run(ctx context.Context) {
	for {
		msg, ok := a.bus.ConsumeInbound(ctx)
		if !ok {
			if ctx.Err() != nil {
				return
			}
			continue
		}
		a.HandleMessage(ctx, msg)
	}
}

// HandleMessage records the message and replies when it addresses the bot.
func (a *Agent) HandleMessage(ctx context.Context, msg bus.InboundMessage) {
	content := strings.TrimSpace(msg.Content)
	if content == "" {
		return
	}

	addressed := a.isAddressed(msg)
	question := content
	if a.cfg.ReplyPrefix != "" && strings.HasPrefix(content, a.cfg.ReplyPrefix) {
		question = strings.TrimSpace(strings.TrimPrefix(content, a.cfg.ReplyPrefix))
	}

	speaker := msg.UserName
	if speaker == "" {
		speaker = msg.UserID
	}
	if _, err := a.memory.AddMemory(
		fmt.Sprintf("%s: %s", speaker, content),
		memory.TypeWorking, msg.GroupID, msg.UserID, nil,
	); err != nil {
		a.log.Error().Err(err).Msg("failed to record inbound message")
	}

	if !addressed || question == "" {
		return
	}

	reply, err := a.Reply(ctx, msg.GroupID, msg.UserID, question)
	if err != nil {
		a.log.Error().Err(err).Str("group_id", msg.GroupID).Msg("reply failed")
		return
	}
	if reply == "" {
		return
	}

	if _, err := a.memory.AddMemory(
		fmt.Sprintf("%s: %s", a.cfg.Name, reply),
		memory.TypeWorking, msg.GroupID, a.cfg.Name, nil,
	); err != nil {
		a.log.Error().Err(err).Msg("failed to record reply")
	}
	a.bus.PublishOutbound(bus.OutboundMessage{
		Channel: msg.Channel,
		GroupID: msg.GroupID,
		Content: reply,
	})
}

func (a *Agent) isAddressed(msg bus.InboundMessage) bool {
	if msg.Mentioned {
		return true
	}
	if a.cfg.ReplyPrefix != "" && strings.HasPrefix(strings.TrimSpace(msg.Content), a.cfg.ReplyPrefix) {
		return true
	}
	return false
}

// Reply builds the memory-grounded prompt and asks the model.
func (a *Agent) Reply(ctx context.Context, groupID, userID, question string) (string, error) {
	topK := a.cfg.RecallTopK
	if topK <= 0 {
		topK = 5
	}
	recalled := a.memory.RetrieveMemory(memory.RetrieveRequest{
		Query:   question,
		TopK:    topK,
		GroupID: groupID,
	})

	system := a.cfg.SystemPrompt
	if system == "" {
		system = fmt.Sprintf("You are %s, a helpful assistant in a group chat. Answer concisely.", a.cfg.Name)
	}
	if block := renderMemoryBlock(recalled); block != "" {
		system += "\n\n" + block
	}
	return a.chat.Chat(ctx, system, question)
}

var tierOrder = []memory.MemoryType{memory.TypeWorking, memory.TypeEpisodic, memory.TypeSemantic}

var tierHeadings = map[memory.MemoryType]string{
	memory.TypeWorking:  "Recent conversation:",
	memory.TypeEpisodic: "Past conversation excerpts:",
	memory.TypeSemantic: "Known facts:",
}

// renderMemoryBlock formats recalled items into prompt sections, one per
// tier, oldest first within the working tier and by relevance elsewhere.
func renderMemoryBlock(recalled map[memory.MemoryType][]memory.MemoryItem) string {
	var b strings.Builder
	for _, tier := range tierOrder {
		items := recalled[tier]
		if len(items) == 0 {
			continue
		}
		if tier == memory.TypeWorking {
			items = append([]memory.MemoryItem(nil), items...)
			sort.SliceStable(items, func(i, j int) bool { return items[i].Timestamp < items[j].Timestamp })
		}
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString(tierHeadings[tier])
		b.WriteString("\n")
		for _, item := range items {
			b.WriteString("- ")
			b.WriteString(item.Content)
			b.WriteString("\n")
		}
	}
	return strings.TrimRight(b.String(), "\n")
}
