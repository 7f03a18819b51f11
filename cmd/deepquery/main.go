// Command deepquery runs the interactive deep-research terminal: the
// research orchestrator, chat loop, memory subsystem, and provider
// clients wired behind the session protocol, served over WebSocket or
// driven directly by the bundled single-process terminal client.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/deepquery/deepquery/internal/apperr"
	"github.com/deepquery/deepquery/internal/buildinfo"
	"github.com/deepquery/deepquery/internal/chat"
	"github.com/deepquery/deepquery/internal/config"
	"github.com/deepquery/deepquery/internal/events"
	"github.com/deepquery/deepquery/internal/llm"
	"github.com/deepquery/deepquery/internal/memory"
	"github.com/deepquery/deepquery/internal/paths"
	"github.com/deepquery/deepquery/internal/persona"
	"github.com/deepquery/deepquery/internal/research"
	"github.com/deepquery/deepquery/internal/search"
	"github.com/deepquery/deepquery/internal/session"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	if flag.NArg() == 0 {
		printHelp()
		return
	}

	switch flag.Arg(0) {
	case "serve":
		os.Exit(runServe(logger, *configPath))
	case "terminal":
		os.Exit(runTerminal(logger, *configPath))
	case "research":
		if flag.NArg() < 2 {
			fmt.Fprintln(os.Stderr, "usage: deepquery research <topic>")
			os.Exit(3)
		}
		os.Exit(runResearch(logger, *configPath, strings.Join(flag.Args()[1:], " ")))
	case "version":
		fmt.Println(buildinfo.String())
		for k, v := range buildinfo.Info() {
			fmt.Printf("  %-12s %s\n", k+":", v)
		}
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", flag.Arg(0))
		os.Exit(1)
	}
}

func printHelp() {
	fmt.Println("deepquery - interactive deep research terminal")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve     Start the WebSocket session server")
	fmt.Println("  terminal  Run the bundled single-process terminal client")
	fmt.Println("  version   Show version")
	fmt.Println()
	fmt.Println("Flags:")
	flag.PrintDefaults()
}

// components bundles everything wired from config, shared by both the
// "serve" and "terminal" entry points.
type components struct {
	cfg      *config.Config
	bus      *events.Bus
	research *research.Orchestrator
	chatLoop *chat.Loop
	history  *chat.HistoryStore
	memory   *memory.Registry
	catalog  *persona.Catalog
	personas *persona.Store
	prefs    *persona.PreferencesStore
}

// build loads configuration and constructs every subsystem. Search
// providers missing credentials are not registered, and the orchestrator
// reports CredentialMissing at call time rather than failing startup;
// the LLM client always has the Ollama fallback, so it is never nil.
// An operator can still use memory/persona commands without keys.
func build(logger *slog.Logger, configPath string) (*components, error) {
	cfgPath, err := config.FindConfig(configPath)
	var cfg *config.Config
	if err != nil {
		logger.Warn("no config file found, using defaults", "err", err)
		cfg = config.Default()
	} else {
		cfg, err = config.Load(cfgPath)
		if err != nil {
			return nil, fmt.Errorf("load config %s: %w", cfgPath, err)
		}
		logger.Info("config loaded", "path", cfgPath)
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir %s: %w", cfg.DataDir, err)
	}
	resolver := paths.New(map[string]string{"data": cfg.DataDir})
	resolve := func(rel string) string {
		if resolver.HasPrefix(rel) {
			p, _ := resolver.Resolve(rel)
			return p
		}
		if filepath.IsAbs(rel) {
			return rel
		}
		p, _ := resolver.Resolve("data:" + rel)
		return p
	}

	bus := events.New()

	searchMgr := buildSearchManager(cfg, logger)
	llmClient := buildLLMClient(cfg, logger)

	catalog := persona.NewCatalog()
	var completer *llm.Completer
	if llmClient != nil {
		model := cfg.LLM.Model
		if model == "" {
			model = "claude-sonnet-4-5"
		}
		completer = llm.NewCompleter(llmClient, model, catalog, logger)
	}

	personaStore := persona.NewStore(resolve(cfg.PersonaFile), catalog)
	prefsStore := persona.NewPreferencesStore(resolve(cfg.PrefsFile))

	memReg, err := memory.NewRegistry(memory.RegistryConfig{
		EpisodicDBPath: resolve("episodic.db"),
		SemanticDBPath: resolve("semantic.db"),
		WorkingCap:     500,
		Completer:      completer,
		EnrichEnabled:  cfg.Memory.EnrichmentEnabled,
	})
	if err != nil {
		return nil, fmt.Errorf("open memory registry: %w", err)
	}

	historyStore := chat.NewHistoryStore(resolve("chat-history"))
	chatLoop := chat.NewLoop(memReg, completer, catalog, historyStore, bus, logger)

	orch := research.NewOrchestrator(searchMgr, completer, bus, cfg.Research, logger)

	return &components{
		cfg:      cfg,
		bus:      bus,
		research: orch,
		chatLoop: chatLoop,
		history:  historyStore,
		memory:   memReg,
		catalog:  catalog,
		personas: personaStore,
		prefs:    prefsStore,
	}, nil
}

func buildSearchManager(cfg *config.Config, logger *slog.Logger) *search.Manager {
	mgr := search.NewManager(cfg.Search.Provider, cfg.Search.Interval)
	if cfg.Search.APIKey != "" {
		mgr.Register(search.NewBrave(cfg.Search.APIKey))
		logger.Info("search provider configured", "provider", "brave")
	}
	if cfg.Search.BaseURL != "" {
		mgr.Register(search.NewSearXNG(cfg.Search.BaseURL))
		logger.Info("search provider configured", "provider", "searxng")
	}
	return mgr
}

// buildLLMClient wires every configured LLM provider behind a
// MultiClient, matching the teacher's provider-routing shape: Ollama
// is always registered as the fallback (even with an empty base URL,
// so local-first deployments work out of the box), Anthropic is added
// when an API key is present.
func buildLLMClient(cfg *config.Config, logger *slog.Logger) llm.Client {
	ollamaURL := cfg.LLM.BaseURL
	if ollamaURL == "" {
		ollamaURL = "http://localhost:11434"
	}
	ollamaClient := llm.NewOllamaClient(ollamaURL, logger)
	multi := llm.NewMultiClient(ollamaClient)
	multi.AddProvider("ollama", ollamaClient)

	if cfg.LLM.APIKey != "" {
		anthropicClient := llm.NewAnthropicClient(cfg.LLM.APIKey, logger)
		multi.AddProvider("anthropic", anthropicClient)
		logger.Info("anthropic provider configured")
	}

	if !cfg.LLM.Configured() {
		logger.Warn("no LLM credentials configured; research/chat will fail with CredentialMissing until LLM_API_KEY or a base_url is set")
	}

	return multi
}

func runServe(logger *slog.Logger, configPath string) int {
	logger.Info("starting deepquery", "version", buildinfo.Version, "commit", buildinfo.GitCommit)

	c, err := build(logger, configPath)
	if err != nil {
		logger.Error("startup failed", "err", err)
		return 1
	}

	srv := &session.Server{
		Bus:          c.bus,
		Logger:       logger,
		Research:     c.research,
		Chat:         c.chatLoop,
		ChatHistory:  c.history,
		Memory:       c.memory,
		Personas:     c.catalog,
		PersonaStore: c.personas,
		Prefs:        c.prefs,
	}

	mux := http.NewServeMux()
	mux.Handle("/ws", srv)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	addr := fmt.Sprintf("%s:%d", c.cfg.Listen.Address, c.cfg.Listen.Port)
	httpServer := &http.Server{Addr: addr, Handler: mux}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("shutdown signal received")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		_ = httpServer.Shutdown(shutdownCtx)
		cancel()
	}()

	logger.Info("listening", "addr", addr, "path", "/ws")
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("server failed", "err", err)
		return 1
	}

	logger.Info("deepquery stopped")
	return 0
}

// runTerminal drives the bundled single-process terminal client: a
// Session over an in-process pipe transport, with frames rendered to
// stdout and operator lines read from stdin. It never touches the
// network layer — suitable for local, single-operator use without
// starting the HTTP server.
func runTerminal(logger *slog.Logger, configPath string) int {
	c, err := build(logger, configPath)
	if err != nil {
		logger.Error("startup failed", "err", err)
		return 1
	}

	srv := &session.Server{
		Bus:          c.bus,
		Logger:       logger,
		Research:     c.research,
		Chat:         c.chatLoop,
		ChatHistory:  c.history,
		Memory:       c.memory,
		Personas:     c.catalog,
		PersonaStore: c.personas,
		Prefs:        c.prefs,
	}

	user := os.Getenv("USER")
	if user == "" {
		user = "operator"
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	client := srv.RunPipe(ctx, user)

	var (
		awaitingInput bool
		mode          = "command"
	)

	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		for {
			frame, err := client.ReadOutbound()
			if err != nil {
				return
			}
			switch frame.Type {
			case "output":
				fmt.Println(frame.Data)
			case "progress":
				fmt.Printf("[progress] %v\n", frame.Data)
			case "thought":
				fmt.Printf("[thought] %v\n", frame.Data)
			case "status":
				fmt.Printf("[status] %v\n", frame.Data)
			case "prompt":
				awaitingInput = true
				if frame.IsPassword {
					fmt.Printf("%v (input hidden by client convention only): ", frame.Data)
				} else {
					fmt.Printf("%v: ", frame.Data)
				}
			case "enable_input":
				awaitingInput = false
			case "disable_input":
				// Already reflected by the pending prompt.
			case "mode":
				mode = frame.Mode
			case "chat-ready":
				mode = "chat"
				fmt.Printf("(chat ready, persona=%s) %s\n", frame.Persona, frame.Prompt)
			case "chat-response":
				fmt.Println(frame.Message)
			case "download_file":
				fmt.Printf("[download] %s (%d bytes)\n", frame.Filename, len(frame.Content))
			case "error":
				fmt.Fprintf(os.Stderr, "error: %s\n", frame.Error)
			case "session_expired":
				fmt.Println("session expired")
			case "connection":
				if !frame.Connected {
					fmt.Println("disconnected:", frame.Reason)
				}
			}
		}
	}()

	fmt.Println("deepquery terminal — type /research <topic>, /chat, or /status. Ctrl-D to exit.")
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		var in session.Inbound
		switch {
		case awaitingInput:
			in = session.Inbound{Type: session.TypeInput, Value: line}
		case strings.HasPrefix(line, "/"):
			fields := strings.Fields(strings.TrimPrefix(line, "/"))
			if len(fields) == 0 {
				continue
			}
			in = session.Inbound{Type: session.TypeCommand, Command: fields[0], Args: fields[1:]}
		case mode == "chat":
			in = session.Inbound{Type: session.TypeChatMessage, Message: line}
		default:
			in = session.Inbound{Type: session.TypeCommand, Command: "research", Args: []string{line}}
		}
		if err := client.SendInbound(in); err != nil {
			break
		}
	}

	_ = client.Close()
	<-readerDone
	return 0
}

// runResearch drives a single research run to completion outside the
// session protocol entirely — useful for scripting and CI, and the
// exit-code taxonomy's intended caller (spec §6: 0 success, 1 generic
// failure, 2 credential missing, 3 validation, 4 provider error).
func runResearch(logger *slog.Logger, configPath, topic string) int {
	c, err := build(logger, configPath)
	if err != nil {
		logger.Error("startup failed", "err", err)
		return 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	result, err := c.research.Start(ctx, research.StartRequest{
		Topic:   topic,
		Depth:   c.cfg.Research.DefaultDepth,
		Breadth: c.cfg.Research.DefaultBreadth,
		User:    "cli",
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "research failed: %v\n", err)
		return exitCode(err)
	}
	if !result.Success {
		fmt.Fprintf(os.Stderr, "research did not complete: %s\n", result.Error)
		return 1
	}

	fmt.Println(result.Summary)
	if result.SuggestedFilename != "" {
		if werr := os.WriteFile(result.SuggestedFilename, []byte(result.Summary), 0o644); werr != nil {
			logger.Warn("failed to write result file", "err", werr)
		} else {
			fmt.Fprintf(os.Stderr, "saved to %s\n", result.SuggestedFilename)
		}
		if result.SummaryHTML != "" {
			htmlName := strings.TrimSuffix(result.SuggestedFilename, ".md") + ".html"
			if werr := os.WriteFile(htmlName, []byte(result.SummaryHTML), 0o644); werr != nil {
				logger.Warn("failed to write HTML result file", "err", werr)
			} else {
				fmt.Fprintf(os.Stderr, "saved to %s\n", htmlName)
			}
		}
	}
	return 0
}

// exitCode maps an apperr.Kind to the CLI exit code taxonomy: 0
// success, 1 generic failure, 2 credential missing, 3 validation,
// 4 provider error.
func exitCode(err error) int {
	if err == nil {
		return 0
	}
	switch {
	case apperr.Is(err, apperr.KindCredentialMissing):
		return 2
	case apperr.Is(err, apperr.KindValidation):
		return 3
	case apperr.Is(err, apperr.KindProvider), apperr.Is(err, apperr.KindRateExhausted), apperr.Is(err, apperr.KindAuth):
		return 4
	default:
		return 1
	}
}
