package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/deepquery/deepquery/internal/apperr"
	"github.com/deepquery/deepquery/internal/chat"
	"github.com/deepquery/deepquery/internal/events"
	"github.com/deepquery/deepquery/internal/memory"
	"github.com/deepquery/deepquery/internal/persona"
	"github.com/deepquery/deepquery/internal/research"
)

// Mode identifies which input-handling mode a Session is currently in.
type Mode string

const (
	ModeCommand  Mode = "command"
	ModeChat     Mode = "chat"
	ModeResearch Mode = "research"
	ModePrompt   Mode = "prompt"
)

// idleTimeout is how long a session may go without a C->S message
// before it is expired.
const idleTimeout = 30 * time.Minute

// outboundQueueSize is the minimum bounded per-session outbound queue
// depth.
const outboundQueueSize = 256

// commandQueueSize bounds how many command frames may be queued ahead
// of the command worker goroutine.
const commandQueueSize = 32

// HandlerResult is returned by a command Handler.
type HandlerResult struct {
	Success      bool
	KeepDisabled bool
	Handled      bool
}

// Handler implements one slash command. ctx is cancelled when the
// session closes; args excludes the command name itself.
type Handler func(ctx context.Context, s *Session, args []string) (HandlerResult, error)

// Registry maps command names (without the leading slash) to Handlers.
type Registry map[string]Handler

// Session represents one connected client's end-to-end state: its
// current mode, chat history, active research run, and pending
// prompt. A Session owns exactly one Transport for its lifetime.
type Session struct {
	ID   string
	User string

	logger *slog.Logger
	bus    *events.Bus
	cmds   Registry

	transport Transport

	mu           sync.Mutex
	mode         Mode
	lastActivity time.Time
	activeRunID  string
	closed       bool

	prompt promptState

	outbound chan Frame
	cmdCh    chan Inbound
	done     chan struct{}

	cancelActive context.CancelFunc

	// Component handles a command Handler may use. Wired at
	// construction; any may be nil in a reduced test configuration.
	research     *research.Orchestrator
	chatLoop     *chat.Loop
	chatHistory  *chat.HistoryStore
	memoryReg    *memory.Registry
	personas     *persona.Catalog
	personaStore *persona.Store
	prefs        *persona.PreferencesStore

	conv *chat.Conversation
}

// Config configures a new Session.
type Config struct {
	User      string
	Transport Transport
	Bus       *events.Bus
	Commands  Registry
	Logger    *slog.Logger

	Research     *research.Orchestrator
	Chat         *chat.Loop
	ChatHistory  *chat.HistoryStore
	Memory       *memory.Registry
	Personas     *persona.Catalog
	PersonaStore *persona.Store
	Prefs        *persona.PreferencesStore
}

// New creates a Session bound to transport. Call Run to drive its
// message loop; Run blocks until the transport closes or a fatal
// protocol error occurs.
func New(cfg Config) *Session {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	id, err := uuid.NewV7()
	sid := id.String()
	if err != nil {
		sid = "session"
	}
	return &Session{
		ID:           sid,
		User:         cfg.User,
		logger:       logger.With("component", "session", "session_id", sid),
		bus:          cfg.Bus,
		cmds:         cfg.Commands,
		transport:    cfg.Transport,
		mode:         ModeCommand,
		lastActivity: time.Now(),
		outbound:     make(chan Frame, outboundQueueSize),
		cmdCh:        make(chan Inbound, commandQueueSize),
		done:         make(chan struct{}),
		research:     cfg.Research,
		chatLoop:     cfg.Chat,
		chatHistory:  cfg.ChatHistory,
		memoryReg:    cfg.Memory,
		personas:     cfg.Personas,
		personaStore: cfg.PersonaStore,
		prefs:        cfg.Prefs,
	}
}

// Run drives the session's read loop and writer loop until the
// transport closes. It blocks the caller; run it in its own goroutine
// per connection.
func (s *Session) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var sub <-chan events.Event
	if s.bus != nil {
		sub = s.bus.Subscribe(outboundQueueSize)
		defer s.bus.Unsubscribe(sub)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.writerLoop()
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		s.commandLoop(ctx)
	}()

	if sub != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.telemetryLoop(ctx, sub)
		}()
	}

	s.emit(Frame{Type: TypeConnection, Connected: true})
	s.readLoop(ctx)

	s.closeLocked()
	close(s.done)
	wg.Wait()
}

// Close ends the session: rejects any pending prompt, cancels the
// active research run, and closes the transport.
func (s *Session) Close(reason string) {
	s.mu.Lock()
	already := s.closed
	s.closed = true
	s.mu.Unlock()
	if already {
		return
	}
	s.prompt.abort()
	if s.cancelActive != nil {
		s.cancelActive()
	}
	if conv := s.activeConversation(); conv != nil && s.chatLoop != nil {
		endCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		s.chatLoop.End(endCtx, conv)
		cancel()
	}
	if reason != "" {
		s.emit(Frame{Type: TypeConnection, Connected: false, Reason: reason})
	}
	s.transport.Close()
}

func (s *Session) closeLocked() {
	s.Close("")
}

// readLoop reads inbound frames and dispatches them until the
// transport errors out (disconnect) or a fatal protocol violation
// occurs. Command frames are handed off to commandLoop rather than
// handled inline: a handler that calls RequestPrompt blocks waiting
// for a reply, and readLoop is the only goroutine that ever calls
// transport.ReadFrame — if it blocked inside the handler too, the
// client's input frame resolving that very prompt would never be
// read. Keeping readLoop free lets it keep servicing input/disconnect
// while a command handler waits on a pending prompt (spec's "continue
// to process only input and disconnect messages while awaiting_reply").
func (s *Session) readLoop(ctx context.Context) {
	for {
		in, err := s.transport.ReadFrame()
		if err != nil {
			return
		}
		if s.handleIdleExpiry() {
			return
		}
		s.touchActivity()

		if s.prompt.isPending() && in.Type != TypeInput {
			s.emit(Frame{Type: TypeError, Error: "prompt pending"})
			continue
		}

		switch in.Type {
		case TypeCommand:
			s.enqueueCommand(in)
		case TypeInput:
			s.handleInput(in)
		case TypeChatMessage:
			s.handleChatMessage(ctx, in)
		default:
			s.emit(Frame{Type: TypeError, Error: "unknown message type"})
		}
	}
}

// enqueueCommand hands a command frame to commandLoop. The channel is
// buffered but a slow/stuck handler can still fill it; that blocks
// only the enqueue of further commands, never the reading of input or
// disconnect frames that readLoop itself handles inline above.
func (s *Session) enqueueCommand(in Inbound) {
	select {
	case s.cmdCh <- in:
	case <-s.done:
	}
}

// commandLoop is the session's single command worker: it drains cmdCh
// and runs handleCommand one frame at a time, so command replies stay
// ordered (spec's "command N+1 only after completion of command N")
// even though readLoop no longer blocks on them.
func (s *Session) commandLoop(ctx context.Context) {
	for {
		select {
		case <-s.done:
			return
		case in := <-s.cmdCh:
			s.handleCommand(ctx, in)
		}
	}
}

func (s *Session) touchActivity() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

func (s *Session) handleIdleExpiry() bool {
	s.mu.Lock()
	idle := time.Since(s.lastActivity) > idleTimeout
	s.mu.Unlock()
	if idle {
		s.emit(Frame{Type: TypeSessionExpire})
		s.User = ""
		return true
	}
	return false
}

// handleInput resolves the pending prompt, if any.
func (s *Session) handleInput(in Inbound) {
	if s.prompt.reply(in.Value) {
		s.emit(Frame{Type: TypeEnableInput})
		s.setMode(ModeCommand)
	}
}

// handleChatMessage routes a chat-message frame to the active
// conversation, if /chat has started one.
func (s *Session) handleChatMessage(ctx context.Context, in Inbound) {
	if s.chatLoop == nil {
		s.emit(Frame{Type: TypeError, Error: "chat is not configured"})
		return
	}
	s.mu.Lock()
	conv := s.conv
	s.mu.Unlock()
	if conv == nil {
		s.emit(Frame{Type: TypeError, Error: "no active chat; run /chat first"})
		return
	}

	reply, err := s.chatLoop.Turn(ctx, conv, in.Message)
	if err != nil {
		s.emit(Frame{Type: TypeError, Error: err.Error()})
		return
	}
	s.emit(Frame{Type: TypeChatResponse, Persona: conv.Persona, Message: reply})
}

// startChat installs conv as the session's active conversation and
// switches to chat mode.
func (s *Session) startChat(conv *chat.Conversation) {
	s.mu.Lock()
	s.conv = conv
	s.mu.Unlock()
	s.setMode(ModeChat)
	s.emit(Frame{Type: TypeChatReady, Persona: conv.Persona})
}

// endChat summarizes and clears the active conversation, if any, and
// returns to command mode.
func (s *Session) endChat(ctx context.Context) {
	s.mu.Lock()
	conv := s.conv
	s.conv = nil
	s.mu.Unlock()
	if conv != nil && s.chatLoop != nil {
		s.chatLoop.End(ctx, conv)
	}
	s.setMode(ModeCommand)
}

// activeConversation returns the session's current chat conversation,
// or nil if none is active.
func (s *Session) activeConversation() *chat.Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conv
}

// handleCommand dispatches a /command frame to its registered Handler.
func (s *Session) handleCommand(ctx context.Context, in Inbound) {
	handler, ok := s.cmds[in.Command]
	if !ok {
		s.emit(Frame{Type: TypeError, Error: "unknown command: " + in.Command})
		s.emit(Frame{Type: TypeEnableInput})
		return
	}

	result, err := handler(ctx, s, in.Args)
	if err != nil {
		s.emit(Frame{Type: TypeError, Error: err.Error()})
		s.setMode(ModeCommand)
		if !s.prompt.isPending() {
			s.emit(Frame{Type: TypeEnableInput})
		}
		return
	}

	if !result.KeepDisabled && !s.prompt.isPending() {
		s.emit(Frame{Type: TypeEnableInput})
	}
}

// RequestPrompt asks the operator for a single line of input. Any
// component that needs operator input must call this rather than
// touching the transport directly, preserving the session's exclusive
// ownership of PromptState. Returns the typed PromptAborted/
// PromptTimeout error if the prompt could not be completed.
func (s *Session) RequestPrompt(req PromptRequest) (string, error) {
	ch, ok := s.prompt.begin()
	if !ok {
		s.Close("protocol_violation")
		return "", apperr.New(apperr.KindProtocolViolation, "session", "second prompt requested while one was pending")
	}

	s.setMode(ModePrompt)
	s.emit(Frame{Type: TypePrompt, Data: req.Data, IsPassword: req.IsPassword, Context: req.Context})
	if req.IsPassword {
		s.emit(Frame{Type: TypeDisableInput})
	}

	res := <-ch
	if res.err != nil {
		return "", res.err
	}
	return res.value, nil
}

// setMode updates the session's current mode and emits a mode frame.
func (s *Session) setMode(m Mode) {
	s.mu.Lock()
	s.mode = m
	s.mu.Unlock()
	s.emit(Frame{Type: TypeMode, Mode: string(m)})
}

// ModeNow returns the session's current mode.
func (s *Session) ModeNow() Mode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode
}

// SetActiveRun records the run ID whose telemetry this session should
// forward, and installs its cancellation function for Close to call.
func (s *Session) SetActiveRun(runID string, cancel context.CancelFunc) {
	s.mu.Lock()
	s.activeRunID = runID
	s.cancelActive = cancel
	s.mu.Unlock()
}

// ClearActiveRun forgets the active run once it completes.
func (s *Session) ClearActiveRun() {
	s.mu.Lock()
	s.activeRunID = ""
	s.cancelActive = nil
	s.mu.Unlock()
}

func (s *Session) activeRun() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeRunID
}

// telemetryLoop forwards bus events whose RunID matches this session's
// active run onto the wire as progress/thought/status frames.
func (s *Session) telemetryLoop(ctx context.Context, sub <-chan events.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case ev, ok := <-sub:
			if !ok {
				return
			}
			if ev.RunID == "" || ev.RunID != s.activeRun() {
				continue
			}
			s.emitTelemetry(ev)
		}
	}
}

func (s *Session) emitTelemetry(ev events.Event) {
	switch ev.Kind {
	case events.KindStatus:
		s.emit(Frame{Type: TypeStatus, Data: ev.Data})
	case events.KindProgress:
		s.emit(Frame{Type: TypeProgress, Data: ev.Data})
	case events.KindThought:
		s.emit(Frame{Type: TypeThought, Data: ev.Data})
	}
}

// Emit queues one or more output frames (chunked if data is large) for
// delivery to the client. Exported so command handlers can send output.
func (s *Session) Emit(data string) {
	for _, f := range outputFrames(data) {
		s.emit(f)
	}
}

// EmitDownload queues a download_file frame.
func (s *Session) EmitDownload(filename, content string) {
	s.emit(Frame{Type: TypeDownloadFile, Filename: filename, Content: content})
}

// emit enqueues a frame for the writer loop. Non-blocking: if the
// bounded outbound queue is full, the oldest frames are dropped to make
// room for a telemetry-dropped status marker, as a back-pressure signal
// to the client, followed by f.
func (s *Session) emit(f Frame) {
	select {
	case s.outbound <- f:
		return
	default:
	}
	for i := 0; i < 2; i++ {
		select {
		case <-s.outbound:
		default:
		}
	}
	select {
	case s.outbound <- Frame{Type: TypeStatus, Data: StatusData{Stage: "telemetry-dropped", Message: "outbound queue overflow, oldest frame dropped"}}:
	default:
	}
	select {
	case s.outbound <- f:
	default:
	}
}

// writerLoop drains the outbound queue onto the transport until the
// session closes. The server must never block on a slow client, so
// this is the only goroutine that calls WriteFrame.
func (s *Session) writerLoop() {
	for {
		select {
		case f, ok := <-s.outbound:
			if !ok {
				return
			}
			if err := s.transport.WriteFrame(f); err != nil {
				return
			}
		case <-s.done:
			return
		}
	}
}
