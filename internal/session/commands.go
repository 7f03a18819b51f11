package session

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/deepquery/deepquery/internal/apperr"
	"github.com/deepquery/deepquery/internal/chat"
	"github.com/deepquery/deepquery/internal/memory"
	"github.com/deepquery/deepquery/internal/research"
)

// DefaultCommands builds the built-in command Registry. A Session
// configured without the corresponding component (e.g. no Research
// orchestrator) still registers the command; the handler reports it as
// unavailable rather than panicking.
func DefaultCommands() Registry {
	return Registry{
		"login":        cmdLogin,
		"research":     cmdResearch,
		"chat":         cmdChat,
		"exit":         cmdExit,
		"status":       cmdStatus,
		"memory":       cmdMemory,
		"terminal":     cmdTerminal,
		"chat-history": cmdChatHistory,
	}
}

// parseFlags extracts "--key=value" tokens from args, returning the
// remaining positional arguments and the parsed flag map.
func parseFlags(args []string) ([]string, map[string]string) {
	var positional []string
	flags := make(map[string]string)
	for _, a := range args {
		if strings.HasPrefix(a, "--") {
			kv := strings.SplitN(a[2:], "=", 2)
			if len(kv) == 2 {
				flags[kv[0]] = kv[1]
			} else {
				flags[kv[0]] = "true"
			}
			continue
		}
		positional = append(positional, a)
	}
	return positional, flags
}

// cmdLogin prompts for a username (spec treats it as a plain, unmasked
// single-line prompt) and binds it to the session.
func cmdLogin(ctx context.Context, s *Session, args []string) (HandlerResult, error) {
	user := strings.TrimSpace(strings.Join(args, " "))
	if user == "" {
		v, err := s.RequestPrompt(PromptRequest{Data: "username", Context: "login"})
		if err != nil {
			return HandlerResult{}, err
		}
		user = strings.TrimSpace(v)
	}
	if user == "" {
		return HandlerResult{}, apperr.New(apperr.KindValidation, "session", "username must not be empty")
	}
	s.User = user
	s.Emit(fmt.Sprintf("logged in as %s", user))
	return HandlerResult{Success: true, Handled: true}, nil
}

// cmdResearch starts a research run in the background, pre-generating
// the run ID so telemetry can be attributed before the orchestrator's
// first event.
func cmdResearch(ctx context.Context, s *Session, args []string) (HandlerResult, error) {
	if s.research == nil {
		return HandlerResult{}, apperr.New(apperr.KindProvider, "session", "research is not configured")
	}
	positional, flags := parseFlags(args)
	topic := strings.TrimSpace(strings.Join(positional, " "))
	if topic == "" {
		v, err := s.RequestPrompt(PromptRequest{Data: "research topic", Context: "research"})
		if err != nil {
			return HandlerResult{}, err
		}
		topic = strings.TrimSpace(v)
	}
	if topic == "" {
		return HandlerResult{}, apperr.New(apperr.KindValidation, "session", "research topic must not be empty")
	}

	depth, _ := strconv.Atoi(flags["depth"])
	breadth, _ := strconv.Atoi(flags["breadth"])

	runID, err := uuid.NewV7()
	if err != nil {
		return HandlerResult{}, apperr.Wrap(apperr.KindProvider, "session", "generate run id", err)
	}
	runCtx, cancel := context.WithCancel(context.Background())
	s.SetActiveRun(runID.String(), cancel)
	s.setMode(ModeResearch)

	req := research.StartRequest{
		RunID:   runID.String(),
		Topic:   topic,
		Depth:   depth,
		Breadth: breadth,
		User:    s.User,
	}

	go func() {
		result, err := s.research.Start(runCtx, req)
		s.ClearActiveRun()
		if err != nil {
			s.emit(Frame{Type: TypeError, Error: err.Error()})
		} else {
			s.Emit(result.Summary)
			if result.SuggestedFilename != "" {
				s.EmitDownload(result.SuggestedFilename, result.Summary)
				if result.SummaryHTML != "" {
					htmlName := strings.TrimSuffix(result.SuggestedFilename, ".md") + ".html"
					s.EmitDownload(htmlName, result.SummaryHTML)
				}
			}
		}
		s.setMode(ModeCommand)
		s.emit(Frame{Type: TypeEnableInput})
	}()

	return HandlerResult{Success: true, Handled: true, KeepDisabled: true}, nil
}

// cmdChat starts (or resumes) a chat conversation in the requested
// persona, defaulting to the operator's saved default persona.
func cmdChat(ctx context.Context, s *Session, args []string) (HandlerResult, error) {
	if s.chatLoop == nil {
		return HandlerResult{}, apperr.New(apperr.KindProvider, "session", "chat is not configured")
	}
	slug := strings.TrimSpace(strings.Join(args, " "))
	if slug == "" && s.personaStore != nil {
		slug = s.personaStore.GetDefault().Slug
	}
	if slug == "" {
		slug = "default"
	}
	if s.personas != nil && !s.personas.Valid(slug) {
		return HandlerResult{}, apperr.New(apperr.KindPersonaUnknown, "session", fmt.Sprintf("unknown persona %q", slug))
	}

	conv := &chat.Conversation{ID: s.ID, User: s.User, Persona: slug}
	s.startChat(conv)
	return HandlerResult{Success: true, Handled: true}, nil
}

// cmdExit ends the active chat conversation (summarizing it) and
// returns to command mode. A no-op outside chat mode.
func cmdExit(ctx context.Context, s *Session, args []string) (HandlerResult, error) {
	if s.activeConversation() != nil {
		s.endChat(ctx)
	}
	return HandlerResult{Success: true, Handled: true}, nil
}

// statusSnapshot is the /status payload.
type statusSnapshot struct {
	Mode           string `json:"mode"`
	User           string `json:"user,omitempty"`
	ResearchActive bool   `json:"researchActive"`
	ChatActive     bool   `json:"chatActive"`
	ResearchReady  bool   `json:"researchReady"`
	ChatReady      bool   `json:"chatReady"`
}

func cmdStatus(ctx context.Context, s *Session, args []string) (HandlerResult, error) {
	snap := statusSnapshot{
		Mode:           string(s.ModeNow()),
		User:           s.User,
		ResearchActive: s.activeRun() != "",
		ChatActive:     s.activeConversation() != nil,
		ResearchReady:  s.research != nil,
		ChatReady:      s.chatLoop != nil,
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return HandlerResult{}, apperr.Wrap(apperr.KindProvider, "session", "marshal status", err)
	}
	s.Emit(string(data))
	return HandlerResult{Success: true, Handled: true}, nil
}

// cmdMemory implements /memory store|recall|stats|summarize.
func cmdMemory(ctx context.Context, s *Session, args []string) (HandlerResult, error) {
	if s.memoryReg == nil {
		return HandlerResult{}, apperr.New(apperr.KindProvider, "session", "memory is not configured")
	}
	if len(args) == 0 {
		return HandlerResult{}, apperr.New(apperr.KindValidation, "session", "usage: /memory store|recall|stats|summarize ...")
	}
	sub, rest := args[0], args[1:]
	positional, flags := parseFlags(rest)

	layer := memory.LayerWorking
	if l := flags["layer"]; l != "" {
		layer = memory.Layer(l)
	}
	mgr, err := s.memoryReg.Get(s.User, layer, false)
	if err != nil {
		return HandlerResult{}, err
	}

	switch sub {
	case "store":
		content := strings.Join(positional, " ")
		rec, err := mgr.Store(ctx, memory.StoreRequest{Content: content, Role: memory.RoleUser, Source: "command"})
		if err != nil {
			return HandlerResult{}, err
		}
		s.Emit(fmt.Sprintf("stored %s (%s)", rec.ID, rec.Layer))
	case "recall":
		query := strings.Join(positional, " ")
		limit := 5
		if n, err := strconv.Atoi(flags["limit"]); err == nil {
			limit = n
		}
		recs, err := mgr.Recall(ctx, memory.RecallRequest{Query: query, Limit: limit, IncludeShort: true, IncludeMeta: true, IncludeLong: true})
		if err != nil {
			return HandlerResult{}, err
		}
		var b strings.Builder
		for _, r := range recs {
			fmt.Fprintf(&b, "[%s] %s\n", r.Layer, r.Content)
		}
		s.Emit(b.String())
	case "stats":
		stats := mgr.Stats("")
		data, err := json.MarshalIndent(stats, "", "  ")
		if err != nil {
			return HandlerResult{}, apperr.Wrap(apperr.KindProvider, "session", "marshal stats", err)
		}
		s.Emit(string(data))
	case "summarize":
		text := strings.Join(positional, " ")
		rec, ok := mgr.Summarize(ctx, memory.SummarizeRequest{ConversationText: text})
		if !ok {
			s.Emit("summarize: no summary stored (llm unavailable)")
			break
		}
		s.Emit(fmt.Sprintf("stored summary %s", rec.ID))
	default:
		return HandlerResult{}, apperr.New(apperr.KindValidation, "session", fmt.Sprintf("unknown /memory subcommand %q", sub))
	}
	return HandlerResult{Success: true, Handled: true}, nil
}

// cmdTerminal implements /terminal prefs [--key=value ...].
func cmdTerminal(ctx context.Context, s *Session, args []string) (HandlerResult, error) {
	if s.prefs == nil {
		return HandlerResult{}, apperr.New(apperr.KindProvider, "session", "preferences are not configured")
	}
	if len(args) == 0 || args[0] != "prefs" {
		return HandlerResult{}, apperr.New(apperr.KindValidation, "session", "usage: /terminal prefs [--key=value ...]")
	}
	_, flags := parseFlags(args[1:])
	if len(flags) == 0 {
		data, _ := json.MarshalIndent(s.prefs.Get(), "", "  ")
		s.Emit(string(data))
		return HandlerResult{Success: true, Handled: true}, nil
	}

	widgets := make(map[string]bool)
	terminal := make(map[string]bool)
	for k, v := range flags {
		b := v == "true" || v == "1"
		switch {
		case strings.HasPrefix(k, "widget."):
			widgets[strings.TrimPrefix(k, "widget.")] = b
		default:
			terminal[k] = b
		}
	}
	prefs, err := s.prefs.Set(widgets, terminal)
	if err != nil {
		return HandlerResult{}, apperr.Wrap(apperr.KindProvider, "session", "save preferences", err)
	}
	data, _ := json.MarshalIndent(prefs, "", "  ")
	s.Emit(string(data))
	return HandlerResult{Success: true, Handled: true}, nil
}

// cmdChatHistory implements /chat-history list|show|export|clear.
func cmdChatHistory(ctx context.Context, s *Session, args []string) (HandlerResult, error) {
	if s.chatLoop == nil {
		return HandlerResult{}, apperr.New(apperr.KindProvider, "session", "chat is not configured")
	}
	if len(args) == 0 {
		return HandlerResult{}, apperr.New(apperr.KindValidation, "session", "usage: /chat-history list|show|export|clear <id>")
	}

	history := s.chatHistory
	if history == nil {
		return HandlerResult{}, apperr.New(apperr.KindProvider, "session", "chat history is not configured")
	}

	sub, rest := args[0], args[1:]
	switch sub {
	case "list":
		ids, err := history.List(s.User)
		if err != nil {
			return HandlerResult{}, err
		}
		s.Emit(strings.Join(ids, "\n"))
	case "show", "export":
		if len(rest) == 0 {
			return HandlerResult{}, apperr.New(apperr.KindValidation, "session", "usage: /chat-history "+sub+" <id>")
		}
		conv, err := history.Load(rest[0])
		if err != nil {
			return HandlerResult{}, apperr.Wrap(apperr.KindValidation, "session", "no such conversation", err)
		}
		data, err := json.MarshalIndent(conv, "", "  ")
		if err != nil {
			return HandlerResult{}, apperr.Wrap(apperr.KindProvider, "session", "marshal conversation", err)
		}
		if sub == "export" {
			s.EmitDownload(rest[0]+".json", string(data))
		} else {
			s.Emit(string(data))
		}
	case "clear":
		if len(rest) == 0 {
			return HandlerResult{}, apperr.New(apperr.KindValidation, "session", "usage: /chat-history clear <id>")
		}
		if err := history.Clear(rest[0]); err != nil {
			return HandlerResult{}, err
		}
		s.Emit("cleared " + rest[0])
	default:
		return HandlerResult{}, apperr.New(apperr.KindValidation, "session", fmt.Sprintf("unknown /chat-history subcommand %q", sub))
	}
	return HandlerResult{Success: true, Handled: true}, nil
}
