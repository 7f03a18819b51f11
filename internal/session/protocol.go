// Package session implements the bidirectional, message-framed wire
// protocol between a connected client (terminal or browser) and the
// research/chat core. It owns the per-session prompt state machine,
// command dispatch, mode transitions, and the adaptation of telemetry
// events onto the wire.
//
// The frame shape ({Type, Data, Mode, Prompt, ...}) mirrors a common
// WebSocket client pattern inverted from client to server: here the
// server frames outbound events instead of a client framing outbound
// requests.
package session

import "encoding/json"

// Inbound message types (client -> server).
const (
	TypeCommand     = "command"
	TypeInput       = "input"
	TypeChatMessage = "chat-message"
)

// Outbound frame types (server -> client).
const (
	TypeOutput        = "output"
	TypeProgress      = "progress"
	TypeThought       = "thought"
	TypeStatus        = "status"
	TypePrompt        = "prompt"
	TypeEnableInput   = "enable_input"
	TypeDisableInput  = "disable_input"
	TypeMode          = "mode"
	TypeChatReady     = "chat-ready"
	TypeChatResponse  = "chat-response"
	TypeDownloadFile  = "download_file"
	TypeError         = "error"
	TypeSessionExpire = "session_expired"
	TypeConnection    = "connection"
)

// maxFrameSize is the typical maximum frame size before an output
// payload must be chunked across multiple output frames.
const maxFrameSize = 256 * 1024

// Inbound is the shape of a single client->server frame. Only the
// fields relevant to Type are populated.
type Inbound struct {
	Type      string   `json:"type"`
	Command   string   `json:"command,omitempty"`
	Args      []string `json:"args,omitempty"`
	CSRFToken string   `json:"csrfToken,omitempty"`
	Value     string   `json:"value,omitempty"`
	Message   string   `json:"message,omitempty"`
}

// Frame is a single server->client frame. Field presence depends on
// Type; omitempty keeps the wire payload minimal per type.
type Frame struct {
	Type string `json:"type"`

	Data any `json:"data,omitempty"`

	IsPassword bool   `json:"isPassword,omitempty"`
	Context    string `json:"context,omitempty"`

	Mode   string `json:"mode,omitempty"`
	Prompt string `json:"prompt,omitempty"`

	Persona string `json:"persona,omitempty"`
	Message string `json:"message,omitempty"`

	Filename string `json:"filename,omitempty"`
	Content  string `json:"content,omitempty"`

	Error string `json:"error,omitempty"`

	Connected bool   `json:"connected,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// StatusData is the payload of a TypeStatus frame.
type StatusData struct {
	Stage   string         `json:"stage"`
	Message string         `json:"message,omitempty"`
	Detail  string         `json:"detail,omitempty"`
	Meta    map[string]any `json:"meta,omitempty"`
}

// ThoughtData is the payload of a TypeThought frame.
type ThoughtData struct {
	Text  string `json:"text"`
	Stage string `json:"stage"`
}

// ProgressData mirrors research.Progress on the wire.
type ProgressData struct {
	CurrentDepth     int     `json:"currentDepth"`
	TotalDepth       int     `json:"totalDepth"`
	CurrentBreadth   int     `json:"currentBreadth"`
	TotalBreadth     int     `json:"totalBreadth"`
	TotalQueries     int     `json:"totalQueries"`
	CompletedQueries int     `json:"completedQueries"`
	Percent          float64 `json:"percent"`
}

// outputFrames splits data into one or more TypeOutput frames, chunking
// any payload longer than maxFrameSize bytes.
func outputFrames(data string) []Frame {
	if len(data) <= maxFrameSize {
		return []Frame{{Type: TypeOutput, Data: data}}
	}
	var frames []Frame
	for len(data) > 0 {
		n := maxFrameSize
		if n > len(data) {
			n = len(data)
		}
		frames = append(frames, Frame{Type: TypeOutput, Data: data[:n]})
		data = data[n:]
	}
	return frames
}

// parseInbound decodes a raw JSON frame from the wire.
func parseInbound(raw []byte) (Inbound, error) {
	var in Inbound
	err := json.Unmarshal(raw, &in)
	return in, err
}
