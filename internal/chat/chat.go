// Package chat drives conversational exchanges using the LLM and
// memory subsystems shared with the research orchestrator: system
// prompt assembly, history truncation, an LLM round-trip, then history
// append, matching a conversational agent loop's six-step turn
// contract.
package chat

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/deepquery/deepquery/internal/events"
	"github.com/deepquery/deepquery/internal/llm"
	"github.com/deepquery/deepquery/internal/memory"
	"github.com/deepquery/deepquery/internal/persona"
)

// recallTopK is the number of relevant memories recalled per turn,
// across the working and episodic layers.
const recallTopK = 5

// historyWindow bounds chatHistory to its last N messages (plus the
// leading persona/system message), per turn.
const historyWindow = 10

// Message is one chat message kept in a Conversation's history.
type Message struct {
	Role      string
	Content   string
	Timestamp time.Time
}

// Conversation is the session-owned chat state a Loop operates on. The
// session package holds one per active chat mode; the Loop itself is
// stateless across turns.
type Conversation struct {
	ID      string
	User    string
	Persona string
	History []Message
}

// Loop drives one conversational turn at a time for a Conversation. It
// is safe for concurrent use across independent Conversations.
type Loop struct {
	registry  *memory.Registry
	completer *llm.Completer
	catalog   *persona.Catalog
	history   *HistoryStore
	bus       *events.Bus
	logger    *slog.Logger
}

// NewLoop builds a chat Loop. bus and history may be nil.
func NewLoop(registry *memory.Registry, completer *llm.Completer, catalog *persona.Catalog, history *HistoryStore, bus *events.Bus, logger *slog.Logger) *Loop {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loop{registry: registry, completer: completer, catalog: catalog, history: history, bus: bus, logger: logger.With("component", "chat")}
}

// thinkOpen/thinkClose delimit the reasoning preamble a model may emit
// before its visible reply.
const thinkOpen, thinkClose = "<thinking>", "</thinking>"

// Turn executes one user turn: store, recall, truncate, complete,
// extract thinking preamble, append+store. The returned reply never
// contains the <thinking>...</thinking> preamble; it is instead
// emitted as a "thought" telemetry event with stage "thinking".
func (l *Loop) Turn(ctx context.Context, conv *Conversation, userMessage string) (string, error) {
	conv.History = append(conv.History, Message{Role: "user", Content: userMessage, Timestamp: time.Now()})
	l.storeTurn(ctx, conv, memory.RoleUser, userMessage)

	systemMsg := l.recallSystemMessage(ctx, conv)

	windowed := truncateHistory(conv.History, historyWindow)

	userTurn := renderHistory(windowed)

	persona := conv.Persona
	if persona != "" && l.catalog != nil && !l.catalog.Valid(persona) {
		persona = ""
	}

	resp, err := l.completer.Complete(ctx, llm.CompleteRequest{
		Character: persona,
		System:    systemMsg,
		User:      userTurn,
	})
	if err != nil {
		return "", err
	}

	thinking, reply := splitThinking(resp.Content)
	if thinking != "" {
		l.publishThought(conv.ID, thinking)
	}

	conv.History = append(conv.History, Message{Role: "assistant", Content: reply, Timestamp: time.Now()})
	l.storeTurn(ctx, conv, memory.RoleAssistant, reply)

	if l.history != nil {
		l.history.Save(conv)
	}

	return reply, nil
}

// End is called on /exit or disconnect: it summarizes the conversation
// into a new episodic memory and returns whether a summary was stored.
func (l *Loop) End(ctx context.Context, conv *Conversation) (memory.MemoryRecord, bool) {
	if l.registry == nil {
		return memory.MemoryRecord{}, false
	}
	mgr, err := l.registry.Get(conv.User, memory.LayerEpisodic, false)
	if err != nil {
		return memory.MemoryRecord{}, false
	}
	return mgr.Summarize(ctx, memory.SummarizeRequest{ConversationText: renderHistory(conv.History)})
}

func (l *Loop) storeTurn(ctx context.Context, conv *Conversation, role memory.Role, content string) {
	if l.registry == nil {
		return
	}
	mgr, err := l.registry.Get(conv.User, memory.LayerWorking, false)
	if err != nil {
		l.logger.Debug("chat: working memory unavailable", "err", err)
		return
	}
	_, err = mgr.Store(ctx, memory.StoreRequest{Content: content, Role: role, Source: "chat"})
	if err != nil {
		l.logger.Debug("chat: store turn failed", "err", err)
	}
}

// recallSystemMessage fetches the top-K relevant memories from the
// working and episodic layers and renders them as a synthetic system
// message prepended to the LLM call.
func (l *Loop) recallSystemMessage(ctx context.Context, conv *Conversation) string {
	if l.registry == nil {
		return ""
	}
	mgr, err := l.registry.Get(conv.User, memory.LayerWorking, false)
	if err != nil {
		return ""
	}
	query := ""
	if len(conv.History) > 0 {
		query = conv.History[len(conv.History)-1].Content
	}
	recs, err := mgr.Recall(ctx, memory.RecallRequest{
		Query:        query,
		Limit:        recallTopK,
		IncludeShort: true,
		IncludeMeta:  true,
	})
	if err != nil || len(recs) == 0 {
		return ""
	}

	var b strings.Builder
	b.WriteString("Relevant prior context:\n")
	for _, r := range recs {
		b.WriteString("- ")
		b.WriteString(r.Content)
		b.WriteString("\n")
	}
	return b.String()
}

func (l *Loop) publishThought(conversationID, text string) {
	l.bus.Publish(events.Event{
		Source: events.SourceChat,
		Kind:   events.KindThought,
		RunID:  conversationID,
		Data:   map[string]any{"stage": "thinking", "text": text},
	})
}

// truncateHistory keeps the last n messages.
func truncateHistory(history []Message, n int) []Message {
	if len(history) <= n {
		return history
	}
	return history[len(history)-n:]
}

func renderHistory(history []Message) string {
	var b strings.Builder
	for _, m := range history {
		b.WriteString(m.Role)
		b.WriteString(": ")
		b.WriteString(m.Content)
		b.WriteString("\n")
	}
	return b.String()
}

// splitThinking extracts a <thinking>...</thinking> preamble from raw,
// returning (thinking, visibleReply). If no preamble is present,
// thinking is empty and visibleReply is raw unchanged.
func splitThinking(raw string) (thinking, reply string) {
	// Only a leading preamble counts; a mid-reply "<thinking>" occurrence
	// is left verbatim rather than guessed at.
	if !strings.HasPrefix(raw, thinkOpen) {
		return "", raw
	}
	end := strings.Index(raw, thinkClose)
	if end == -1 {
		return "", raw
	}
	thinking = raw[len(thinkOpen):end]
	reply = strings.TrimSpace(raw[end+len(thinkClose):])
	return strings.TrimSpace(thinking), reply
}
