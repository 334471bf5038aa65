// Package channels adapts external chat surfaces onto the message bus.
package channels

import (
	"context"
	"strings"
	"time"

	"github.com/kioku-ai/kioku/pkg/bus"
)

// Channel is one chat surface the bot listens and replies on.
type Channel interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Send(ctx context.Context, msg bus.OutboundMessage) error
	IsRunning() bool
	IsAllowed(senderID string) bool
}

// BaseChannel carries the pieces every adapter shares: the bus, an optional
// sender allow-list, and the running flag.
type BaseChannel struct {
	bus       *bus.MessageBus
	running   bool
	name      string
	allowList []string
}

func NewBaseChannel(name string, mb *bus.MessageBus, allowList []string) *BaseChannel {
	return &BaseChannel{
		bus:       mb,
		name:      name,
		allowList: allowList,
	}
}

func (c *BaseChannel) Name() string {
	return c.name
}

func (c *BaseChannel) IsRunning() bool {
	return c.running
}

// IsAllowed checks the sender against the allow-list. An empty list allows
// everyone. Entries match either the raw id or the "id|username" parts of a
// compound sender id.
func (c *BaseChannel) IsAllowed(senderID string) bool {
	if len(c.allowList) == 0 {
		return true
	}

	idPart := senderID
	userPart := ""
	if idx := strings.Index(senderID, "|"); idx > 0 {
		idPart = senderID[:idx]
		userPart = senderID[idx+1:]
	}

	for _, allowed := range c.allowList {
		candidate := strings.TrimSpace(strings.TrimPrefix(allowed, "@"))
		if candidate == "" {
			continue
		}
		if candidate == senderID || candidate == idPart || (userPart != "" && candidate == userPart) {
			return true
		}
	}
	return false
}

// HandleMessage publishes an inbound group message after the allow-list
// check.
func (c *BaseChannel) HandleMessage(groupID, userID, userName, content string, mentioned bool) {
	if !c.IsAllowed(userID) {
		return
	}
	c.bus.PublishInbound(bus.InboundMessage{
		Channel:   c.name,
		GroupID:   groupID,
		UserID:    userID,
		UserName:  userName,
		Content:   content,
		Timestamp: time.Now().Unix(),
		Mentioned: mentioned,
	})
}

func (c *BaseChannel) setRunning(running bool) {
	c.running = running
}
