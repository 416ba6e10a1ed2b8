// Package coordination implements leader election, namespace binding and
// the leader-only maintenance loop (spec §4.2, §4.4).
package coordination

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/hetuflow/hetuflow/domain"
	"github.com/hetuflow/hetuflow/observability"
	"github.com/hetuflow/hetuflow/store"
)

const leaderPath = "leader/scheduler"

func namespacePath(namespaceID domain.ID) string {
	return fmt.Sprintf("namespace/%s/owner", namespaceID.String())
}

// leaseValue is the JSON blob written into a GlobalPath row: the server id
// and the lease's own expiry, so a reader can tell a live lease from a
// stale one without trusting wall clocks alone (the durable epoch is the
// actual fencing token; this is just for observability/debugging).
type leaseValue struct {
	ServerID  string    `json:"server_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

// LockService provides the leader-election and namespace-binding
// primitives of spec §4.2. Leader election renews a fast Redis-backed lease
// (via store.Coordinator) every ttl/3 and backs it with a durable, strictly
// monotonic fencing epoch from store.Store so a lease surviving a Redis
// flush can never be mistaken for a fresh one. Grounded on
// control_plane/coordination/leader.go's acquire/renew/release split. The
// lease covers only the single "leader/scheduler" key; namespace binding
// does not use a lease and goes straight to Store.BindNamespace.
type LockService struct {
	coord    store.Coordinator
	db       store.Store
	serverID domain.ID
	ttl      time.Duration

	mu           sync.RWMutex
	isLeader     bool
	currentEpoch int64
	leaderCtx    context.Context
	leaderCancel context.CancelFunc

	onElected func(context.Context)
	onLost    func()
}

// NewLockService constructs a LockService for serverID with the given
// leader lease TTL (spec default 15s).
func NewLockService(coord store.Coordinator, db store.Store, serverID domain.ID, ttl time.Duration) *LockService {
	return &LockService{coord: coord, db: db, serverID: serverID, ttl: ttl}
}

// SetCallbacks registers the functions invoked on leadership transitions.
// onElected receives a context cancelled the instant leadership is lost, so
// leader-only work can use it to stop promptly.
func (l *LockService) SetCallbacks(onElected func(context.Context), onLost func()) {
	l.onElected = onElected
	l.onLost = onLost
}

// IsLeader reports whether this LockService currently holds the lease.
func (l *LockService) IsLeader() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.isLeader
}

// CurrentEpoch returns the fencing epoch of the currently (or most
// recently) held leadership term.
func (l *LockService) CurrentEpoch() int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.currentEpoch
}

// Run drives the acquire/renew loop until ctx is cancelled, at which point
// it releases leadership if held. Mirrors
// control_plane/coordination/leader.go's loop: renew at ttl/3, exponential
// backoff on error capped at 10*ttl, step down after three consecutive
// renew failures rather than waiting for full lease expiry.
func (l *LockService) Run(ctx context.Context) {
	interval := l.ttl / 3
	minInterval := interval
	maxInterval := 10 * l.ttl
	renewFailures := 0
	const maxRenewFailures = 3

	timer := time.NewTimer(interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			if l.IsLeader() {
				l.stepDown()
				l.releaseLeader(context.Background())
			}
			return
		case <-timer.C:
			var err error
			if l.IsLeader() {
				var renewed bool
				renewed, err = l.renewLeader(ctx)
				if err == nil {
					renewFailures = 0
					if !renewed {
						l.stepDown()
					}
				} else {
					renewFailures++
					log.Printf("coordination: leader renew failed (%d/%d): %v", renewFailures, maxRenewFailures, err)
					if renewFailures >= maxRenewFailures {
						log.Printf("coordination: too many renew failures, stepping down")
						l.stepDown()
						renewFailures = 0
					}
				}
			} else {
				var acquired bool
				acquired, err = l.tryAcquireLeader(ctx)
				if err == nil && acquired {
					l.becomeLeader()
					renewFailures = 0
				}
			}

			if err != nil {
				interval *= 2
				if interval > maxInterval {
					interval = maxInterval
				}
			} else {
				interval = minInterval
			}
			timer.Reset(interval)
		}
	}
}

// tryAcquireLeader implements `try_acquire_leader` (spec §4.2): bump the
// durable fencing epoch, then CAS-write a lease into GlobalPath
// "leader/scheduler" via the Coordinator.
func (l *LockService) tryAcquireLeader(ctx context.Context) (bool, error) {
	epoch, err := l.db.IncrementDurableEpoch(ctx, "leader_election")
	if err != nil {
		return false, err
	}
	l.mu.Lock()
	l.currentEpoch = epoch
	l.mu.Unlock()

	val, err := json.Marshal(leaseValue{ServerID: l.serverID.String(), ExpiresAt: time.Now().Add(l.ttl)})
	if err != nil {
		return false, err
	}
	return l.coord.AcquireLease(ctx, leaderPath, string(val), l.ttl)
}

func (l *LockService) renewLeader(ctx context.Context) (bool, error) {
	val, err := json.Marshal(leaseValue{ServerID: l.serverID.String(), ExpiresAt: time.Now().Add(l.ttl)})
	if err != nil {
		return false, err
	}
	return l.coord.RenewLease(ctx, leaderPath, string(val), l.ttl)
}

func (l *LockService) releaseLeader(ctx context.Context) {
	val, err := json.Marshal(leaseValue{ServerID: l.serverID.String()})
	if err != nil {
		return
	}
	_ = l.coord.ReleaseLease(ctx, leaderPath, string(val))
}

func (l *LockService) becomeLeader() {
	l.mu.Lock()
	l.isLeader = true
	ctx, cancel := context.WithCancel(context.Background())
	l.leaderCancel = cancel
	l.leaderCtx = context.WithValue(ctx, fencingEpochKey, l.currentEpoch)
	epoch := l.currentEpoch
	l.mu.Unlock()

	observability.LeaderStatus.Set(1)
	observability.LeadershipEpoch.WithLabelValues(l.serverID.String()).Set(float64(epoch))
	observability.LeadershipTransitions.WithLabelValues(l.serverID.String(), "acquired").Inc()
	log.Printf("coordination: acquired leadership, server=%s epoch=%d", l.serverID, epoch)

	if l.onElected != nil {
		go l.onElected(l.leaderCtx)
	}
}

func (l *LockService) stepDown() {
	l.mu.Lock()
	if !l.isLeader {
		l.mu.Unlock()
		return
	}
	l.isLeader = false
	if l.leaderCancel != nil {
		l.leaderCancel()
	}
	l.mu.Unlock()

	observability.LeaderStatus.Set(0)
	observability.LeadershipTransitions.WithLabelValues(l.serverID.String(), "lost").Inc()
	log.Printf("coordination: lost leadership, server=%s", l.serverID)

	if l.onLost != nil {
		l.onLost()
	}
}

type fencingKeyType string

const fencingEpochKey fencingKeyType = "fencing_epoch"

// EpochFromContext extracts the fencing epoch carried by a leader context.
func EpochFromContext(ctx context.Context) (int64, bool) {
	v, ok := ctx.Value(fencingEpochKey).(int64)
	return v, ok
}

// BindNamespace implements `bind_namespace` (spec §4.2): (re)assign
// namespaceID to serverID via the durable Store, which is the system of
// record for ownership (LeaderLoop's rebalance reads it back to compute the
// next target distribution).
func (l *LockService) BindNamespace(ctx context.Context, namespaceID, serverID domain.ID) error {
	return l.db.BindNamespace(ctx, namespaceID, serverID)
}

// UnbindNamespace implements `unbind_namespace`.
func (l *LockService) UnbindNamespace(ctx context.Context, namespaceID, _ domain.ID) error {
	return l.db.UnbindNamespace(ctx, namespaceID)
}

// BoundNamespaces reports every active Namespace currently bound to this
// server, satisfying schedule.NamespaceBinder / dispatch.NamespaceOwner.
// Namespace ownership lives in the durable Store (l.db), not in LockService
// state, so every server -- not only the leader -- can answer this and run
// its own TaskGenerator/DispatchCore over whatever it owns.
func (l *LockService) BoundNamespaces(ctx context.Context) ([]domain.ID, error) {
	all, err := l.db.ListActiveNamespaces(ctx)
	if err != nil {
		return nil, err
	}
	var owned []domain.ID
	for _, ns := range all {
		if ns.BoundServerID == l.serverID {
			owned = append(owned, ns.ID)
		}
	}
	return owned, nil
}
