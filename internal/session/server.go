package session

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/deepquery/deepquery/internal/chat"
	"github.com/deepquery/deepquery/internal/events"
	"github.com/deepquery/deepquery/internal/memory"
	"github.com/deepquery/deepquery/internal/persona"
	"github.com/deepquery/deepquery/internal/research"
)

// Server accepts WebSocket connections and runs one Session per
// connection until it disconnects.
type Server struct {
	Bus          *events.Bus
	Commands     Registry
	Logger       *slog.Logger
	Research     *research.Orchestrator
	Chat         *chat.Loop
	ChatHistory  *chat.HistoryStore
	Memory       *memory.Registry
	Personas     *persona.Catalog
	PersonaStore *persona.Store
	Prefs        *persona.PreferencesStore
}

// ServeHTTP upgrades the request to a WebSocket connection and drives
// a Session over it until the connection closes. It blocks for the
// lifetime of the connection, so callers relying on net/http will see
// one goroutine per connection (net/http's own per-request goroutine).
func (srv *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	transport, err := NewWebSocketTransport(w, r)
	if err != nil {
		logger := srv.Logger
		if logger == nil {
			logger = slog.Default()
		}
		logger.Warn("session: websocket upgrade failed", "err", err)
		return
	}

	cmds := srv.Commands
	if cmds == nil {
		cmds = DefaultCommands()
	}

	s := New(Config{
		Transport:    transport,
		Bus:          srv.Bus,
		Commands:     cmds,
		Logger:       srv.Logger,
		Research:     srv.Research,
		Chat:         srv.Chat,
		ChatHistory:  srv.ChatHistory,
		Memory:       srv.Memory,
		Personas:     srv.Personas,
		PersonaStore: srv.PersonaStore,
		Prefs:        srv.Prefs,
	})
	s.Run(r.Context())
}

// RunPipe drives a Session over an in-process pipe transport and
// returns the client-side ClientConn, for the bundled single-process
// terminal client and for tests.
func (srv *Server) RunPipe(ctx context.Context, user string) *ClientConn {
	server, client := NewPipeTransportPair()
	cmds := srv.Commands
	if cmds == nil {
		cmds = DefaultCommands()
	}
	s := New(Config{
		User:         user,
		Transport:    server,
		Bus:          srv.Bus,
		Commands:     cmds,
		Logger:       srv.Logger,
		Research:     srv.Research,
		Chat:         srv.Chat,
		ChatHistory:  srv.ChatHistory,
		Memory:       srv.Memory,
		Personas:     srv.Personas,
		PersonaStore: srv.PersonaStore,
		Prefs:        srv.Prefs,
	})
	go s.Run(ctx)
	return client
}
