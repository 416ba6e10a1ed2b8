// Package gateway implements the Agent<->Server WebSocket transport: a
// session hub routing protocol messages to/from each Agent's persistent
// connection, plus replay protection for inbound message ids.
package gateway

import (
	"context"
	"time"

	"github.com/hetuflow/hetuflow/store"
)

// replayWindow is how long a message id is remembered before it is
// considered safe to forget (spec §6: replayed messages older than this are
// no longer possible since the sender would have long since timed out).
const replayWindow = 10 * time.Minute

// ReplayGuard rejects a message id the Gateway has already processed for a
// session, defending against redelivery after a reconnect racing an
// in-flight Ack. Grounded on control_plane/idempotency/store.go's
// Backend-backed Get/Set-with-TTL shape, repurposed from caching an HTTP
// response body to remembering a processed message id.
type ReplayGuard struct {
	backend store.Coordinator
}

func NewReplayGuard(backend store.Coordinator) *ReplayGuard {
	return &ReplayGuard{backend: backend}
}

// Seen records messageID as processed for sessionID and reports whether it
// had already been seen (true = reject as a replay).
func (g *ReplayGuard) Seen(ctx context.Context, sessionID, messageID string) (bool, error) {
	key := store.ReplayGuardKey(sessionID, messageID)
	existing, err := g.backend.Get(ctx, key)
	if err != nil {
		return false, err
	}
	if existing != "" {
		return true, nil
	}
	if err := g.backend.Set(ctx, key, "1", replayWindow); err != nil {
		return false, err
	}
	return false, nil
}
