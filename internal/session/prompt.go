package session

import (
	"sync"
	"time"

	"github.com/deepquery/deepquery/internal/apperr"
)

// promptTimeout bounds how long a server-initiated prompt waits for an
// operator reply before it is aborted.
const promptTimeout = 120 * time.Second

// PromptRequest describes a server-initiated request for a single line
// of operator input.
type PromptRequest struct {
	Data       any
	IsPassword bool
	Context    string
}

// promptState is the session-scoped prompt state machine. At most one
// prompt may be pending at a time; a second request while one is
// pending is a fatal protocol error.
type promptState struct {
	mu      sync.Mutex
	pending bool
	id      int64
	resolve func(string)
	reject  func(error)
	timer   *time.Timer
}

// begin transitions idle -> awaiting_reply and returns a channel that
// resolves with the reply (or an error) once Resolve/Reject/Abort is
// called. ok is false if a prompt was already pending (protocol
// violation — the caller must close the session).
func (p *promptState) begin() (result <-chan promptResult, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pending {
		return nil, false
	}

	ch := make(chan promptResult, 1)
	p.pending = true
	p.id++
	myID := p.id
	p.resolve = func(v string) {
		select {
		case ch <- promptResult{value: v}:
		default:
		}
	}
	p.reject = func(err error) {
		select {
		case ch <- promptResult{err: err}:
		default:
		}
	}
	p.timer = time.AfterFunc(promptTimeout, func() {
		p.timeout(myID)
	})
	return ch, true
}

type promptResult struct {
	value string
	err   error
}

// reply resolves the pending prompt with the operator's input. Returns
// false if no prompt was pending (the input frame is stale/unexpected).
func (p *promptState) reply(value string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.pending {
		return false
	}
	p.clearLocked()
	p.resolve(value)
	return true
}

// abort rejects a pending prompt with PromptAborted (session close).
func (p *promptState) abort() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.pending {
		return
	}
	p.clearLocked()
	p.reject(apperr.New(apperr.KindPromptAborted, "session", "session closed while prompt pending"))
}

func (p *promptState) timeout(id int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.pending || p.id != id {
		return
	}
	p.clearLocked()
	p.reject(apperr.New(apperr.KindPromptTimeout, "session", "prompt timed out waiting for operator input"))
}

func (p *promptState) clearLocked() {
	p.pending = false
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
}

// isPending reports whether a prompt is currently awaiting a reply.
func (p *promptState) isPending() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pending
}
