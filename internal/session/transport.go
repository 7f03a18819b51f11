package session

import (
	"errors"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Transport abstracts the duplex byte stream a Session is driven over,
// so the same Server/prompt-state-machine code can be driven either by
// a real WebSocket connection or by an in-process pipe (used by the
// bundled terminal client in single-process mode and by tests).
type Transport interface {
	// ReadFrame blocks until an inbound frame arrives, the peer closes,
	// or an error occurs.
	ReadFrame() (Inbound, error)
	// WriteFrame sends one outbound frame. Safe for concurrent use.
	WriteFrame(Frame) error
	// Close closes the underlying connection.
	Close() error
}

// wsTransport adapts a *websocket.Conn to the Transport interface:
// ReadJSON/WriteJSON over a single connection, with writes serialized
// by a mutex since gorilla/websocket connections are not safe for
// concurrent writers.
type wsTransport struct {
	conn *websocket.Conn
	wmu  sync.Mutex
}

// Upgrader is the shared websocket.Upgrader used by Server.
var Upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// NewWebSocketTransport upgrades an HTTP request to a WebSocket
// connection and wraps it as a Transport.
func NewWebSocketTransport(w http.ResponseWriter, r *http.Request) (Transport, error) {
	conn, err := Upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}
	conn.SetReadLimit(maxFrameSize * 4)
	return &wsTransport{conn: conn}, nil
}

func (t *wsTransport) ReadFrame() (Inbound, error) {
	_, raw, err := t.conn.ReadMessage()
	if err != nil {
		return Inbound{}, err
	}
	return parseInbound(raw)
}

func (t *wsTransport) WriteFrame(f Frame) error {
	t.wmu.Lock()
	defer t.wmu.Unlock()
	t.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return t.conn.WriteJSON(f)
}

func (t *wsTransport) Close() error {
	return t.conn.Close()
}

// pipeTransport is an in-process Transport backed by channels, used by
// the single-process terminal client and by tests that drive a Session
// without a real socket.
type pipeTransport struct {
	in     chan Inbound
	out    chan Frame
	closed chan struct{}
	once   sync.Once
}

// NewPipeTransportPair returns a server-side Transport and its linked
// client-side counterpart: frames written by one side arrive on the
// other. The server side satisfies Transport; the client side exposes
// ReadOutbound/SendInbound since its read/write directions are mirrored.
func NewPipeTransportPair() (server Transport, client *ClientConn) {
	aToB := make(chan Inbound, 64)
	bToA := make(chan Frame, 256)
	closed := make(chan struct{})

	s := &pipeTransport{in: aToB, out: bToA, closed: closed}
	c := &ClientConn{in: bToA, out: aToB, closed: closed}
	return s, c
}

func (t *pipeTransport) ReadFrame() (Inbound, error) {
	select {
	case v, ok := <-t.in:
		if !ok {
			return Inbound{}, io.EOF
		}
		return v, nil
	case <-t.closed:
		return Inbound{}, io.EOF
	}
}

func (t *pipeTransport) WriteFrame(f Frame) error {
	select {
	case t.out <- f:
		return nil
	case <-t.closed:
		return errors.New("session: transport closed")
	}
}

func (t *pipeTransport) Close() error {
	t.once.Do(func() { close(t.closed) })
	return nil
}

// ClientConn is the client-facing half of an in-process pipe pair: it
// reads Frames (what the server wrote) and writes Inbound messages
// (what the server reads) — the mirror image of pipeTransport. Used by
// the single-process terminal client and by session tests that drive
// a Session without a real socket.
type ClientConn struct {
	in     chan Frame
	out    chan Inbound
	closed chan struct{}
	once   sync.Once
}

// ReadOutbound reads one server->client Frame.
func (c *ClientConn) ReadOutbound() (Frame, error) {
	select {
	case f, ok := <-c.in:
		if !ok {
			return Frame{}, io.EOF
		}
		return f, nil
	case <-c.closed:
		return Frame{}, io.EOF
	}
}

// SendInbound sends one client->server Inbound message.
func (c *ClientConn) SendInbound(in Inbound) error {
	select {
	case c.out <- in:
		return nil
	case <-c.closed:
		return errors.New("session: transport closed")
	}
}

// Close closes the pipe from the client side.
func (c *ClientConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}
