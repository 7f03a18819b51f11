package memory

import (
	"context"

	"github.com/deepquery/deepquery/internal/apperr"
)

// RemoteSyncer augments local memory storage with an off-box commit of
// newly stored content. The core never implements a concrete backend —
// the remote-upload destination is left to the deployment.
// A no-op implementation satisfies the interface for tests and for
// deployments that never enable REMOTE_SYNC_ENABLED.
type RemoteSyncer interface {
	// Commit pushes content for user/layer to the remote store and
	// returns an opaque reference (e.g. a commit hash) on success.
	Commit(ctx context.Context, user string, layer Layer, content string) (ref string, err error)
}

// NoopRemoteSync always reports the remote as unreachable, which
// drives the manager's local-fallback path. It is the default when no
// RemoteSyncer is configured.
type NoopRemoteSync struct{}

func (NoopRemoteSync) Commit(ctx context.Context, user string, layer Layer, content string) (string, error) {
	return "", apperr.New(apperr.KindProvider, "memory.remotesync", "no remote sync backend configured")
}
