package agent

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/kioku-ai/kioku/pkg/bus"
	"github.com/kioku-ai/kioku/pkg/config"
	"github.com/kioku-ai/kioku/pkg/memory"
)

type fakeChat struct {
	reply      string
	lastSystem string
	lastUser   string
	calls      int
}

func (f *fakeChat) Chat(_ context.Context, system, user string) (string, error) {
	f.calls++
	f.lastSystem = system
	f.lastUser = user
	return f.reply, nil
}

func newTestAgent(t *testing.T, chat ChatProvider) (*Agent, *bus.MessageBus) {
	t.Helper()
	mgr, closeAll, err := memory.Open(
		memory.Config{StoragePath: filepath.Join(t.TempDir(), "mem")},
		memory.ManagerOptions{EnableWorking: true, EnableEpisodic: true, EnableSemantic: true},
	)
	if err != nil {
		t.Fatalf("open memory: %v", err)
	}
	t.Cleanup(func() { closeAll() })

	mb := bus.NewMessageBus()
	t.Cleanup(mb.Close)

	cfg := config.AgentConfig{Name: "kioku", ReplyPrefix: "!ask", RecallTopK: 4}
	return New(cfg, mb, mgr, chat), mb
}

func TestAgentRecordsWithoutReplying(t *testing.T) {
	chat := &fakeChat{reply: "should not happen"}
	a, mb := newTestAgent(t, chat)

	a.HandleMessage(context.Background(), bus.InboundMessage{
		Channel: "discord", GroupID: "g1", UserID: "u1", UserName: "alice",
		Content: "just chatting with bob",
	})

	if chat.calls != 0 {
		t.Fatal("unaddressed message must not trigger the model")
	}
	window := a.memory.Working().Retrieve(memory.RetrieveOptions{GroupID: "g1"})
	if len(window) != 1 || !strings.Contains(window[0].Content, "just chatting") {
		t.Fatalf("message not recorded: %v", window)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, ok := mb.SubscribeOutbound(ctx); ok {
		t.Fatal("no reply should be published")
	}
}

func TestAgentRepliesWhenAddressed(t *testing.T) {
	chat := &fakeChat{reply: "the standup is at ten"}
	a, mb := newTestAgent(t, chat)

	// context the agent should recall
	a.HandleMessage(context.Background(), bus.InboundMessage{
		Channel: "discord", GroupID: "g1", UserID: "u2", UserName: "bob",
		Content: "reminder: standup moved to 10am",
	})
	a.HandleMessage(context.Background(), bus.InboundMessage{
		Channel: "discord", GroupID: "g1", UserID: "u1", UserName: "alice",
		Content: "!ask when is standup?",
	})

	if chat.calls != 1 {
		t.Fatalf("prefixed message should trigger one model call, got %d", chat.calls)
	}
	if chat.lastUser != "when is standup?" {
		t.Fatalf("prefix should be stripped from the question: %q", chat.lastUser)
	}
	if !strings.Contains(chat.lastSystem, "Recent conversation:") ||
		!strings.Contains(chat.lastSystem, "standup moved to 10am") {
		t.Fatalf("recalled context missing from prompt:\n%s", chat.lastSystem)
	}

	out, ok := mb.SubscribeOutbound(context.Background())
	if !ok || out.Content != "the standup is at ten" || out.GroupID != "g1" {
		t.Fatalf("reply not published: %+v ok=%v", out, ok)
	}

	// the bot's own reply lands in working memory too
	window := a.memory.Working().Retrieve(memory.RetrieveOptions{GroupID: "g1"})
	found := false
	for _, item := range window {
		if strings.Contains(item.Content, "kioku: the standup is at ten") {
			found = true
		}
	}
	if !found {
		t.Fatalf("reply not recorded: %v", window)
	}
}

func TestAgentMentionAddresses(t *testing.T) {
	chat := &fakeChat{reply: "hi"}
	a, _ := newTestAgent(t, chat)

	a.HandleMessage(context.Background(), bus.InboundMessage{
		Channel: "discord", GroupID: "g1", UserID: "u1",
		Content: "hello there", Mentioned: true,
	})
	if chat.calls != 1 {
		t.Fatal("mention should trigger a reply")
	}
}

func TestRenderMemoryBlockSections(t *testing.T) {
	block := renderMemoryBlock(map[memory.MemoryType][]memory.MemoryItem{
		memory.TypeWorking: {
			{Content: "b said hi", Timestamp: 2},
			{Content: "a said hi", Timestamp: 1},
		},
		memory.TypeSemantic: {{Content: "alice lives in kyoto", Timestamp: 5}},
	})

	if !strings.Contains(block, "Recent conversation:") || !strings.Contains(block, "Known facts:") {
		t.Fatalf("missing sections:\n%s", block)
	}
	if strings.Contains(block, "Past conversation excerpts:") {
		t.Fatalf("empty tier should be omitted:\n%s", block)
	}
	if strings.Index(block, "a said hi") > strings.Index(block, "b said hi") {
		t.Fatalf("working items should be oldest first:\n%s", block)
	}
	if renderMemoryBlock(nil) != "" {
		t.Fatal("empty recall should render nothing")
	}
}
