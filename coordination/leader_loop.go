package coordination

import (
	"context"
	"log"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hetuflow/hetuflow/domain"
	"github.com/hetuflow/hetuflow/store"
)

// LeaderLoopConfig carries the tunables of spec §4.4 and §6.
type LeaderLoopConfig struct {
	SweepInterval         time.Duration // how often each sub-sweep ticks
	ServerLivenessWindow  time.Duration
	AgentLivenessWindow   time.Duration
	LockTimeout           time.Duration
	AgentDispatchGrace    time.Duration // default 60s
}

func defaultedConfig(c LeaderLoopConfig) LeaderLoopConfig {
	if c.SweepInterval <= 0 {
		c.SweepInterval = 10 * time.Second
	}
	if c.ServerLivenessWindow <= 0 {
		c.ServerLivenessWindow = 30 * time.Second
	}
	if c.AgentLivenessWindow <= 0 {
		c.AgentLivenessWindow = 30 * time.Second
	}
	if c.LockTimeout <= 0 {
		c.LockTimeout = 300 * time.Second
	}
	if c.AgentDispatchGrace <= 0 {
		c.AgentDispatchGrace = 60 * time.Second
	}
	return c
}

// LeaderLoop runs the four maintenance sweeps that must only ever run on
// the current leader (spec §4.4). Each sweep is its own ticker goroutine,
// fanned out and joined with an errgroup, mirroring the
// one-ticker-per-concern shape of
// control_plane/coordination/{janitor,agent_monitor}.go generalized to four
// concerns instead of one.
type LeaderLoop struct {
	db     store.Store
	cfg    LeaderLoopConfig
}

func NewLeaderLoop(db store.Store, cfg LeaderLoopConfig) *LeaderLoop {
	return &LeaderLoop{db: db, cfg: defaultedConfig(cfg)}
}

// Run blocks until ctx is cancelled (normally the context LockService passes
// to its onElected callback, cancelled the instant leadership is lost). All
// four sweeps share ctx so
// a lost election stops every one of them together.
func (ll *LeaderLoop) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return ll.tick(gctx, ll.cfg.SweepInterval, ll.livenessSweep) })
	g.Go(func() error { return ll.tick(gctx, ll.cfg.SweepInterval, ll.rebalance) })
	g.Go(func() error { return ll.tick(gctx, ll.cfg.SweepInterval, ll.janitor) })
	g.Go(func() error { return ll.tick(gctx, ll.cfg.SweepInterval, ll.orphanedDispatchSweep) })

	return g.Wait()
}

func (ll *LeaderLoop) tick(ctx context.Context, interval time.Duration, fn func(context.Context)) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			fn(ctx)
		}
	}
}

// livenessSweep marks Servers inactive once their heartbeat is stale.
func (ll *LeaderLoop) livenessSweep(ctx context.Context) {
	n, err := ll.db.MarkServersInactive(ctx, time.Now().Add(-ll.cfg.ServerLivenessWindow))
	if err != nil {
		log.Printf("coordination: liveness sweep failed: %v", err)
		return
	}
	if n > 0 {
		log.Printf("coordination: marked %d servers inactive", n)
	}

	if n2, err := ll.db.MarkAgentsOffline(ctx, time.Now().Add(-ll.cfg.AgentLivenessWindow)); err != nil {
		log.Printf("coordination: agent liveness sweep failed: %v", err)
	} else if n2 > 0 {
		log.Printf("coordination: marked %d agents offline", n2)
	}
}

// rebalance ensures every active Namespace is bound to exactly one active
// Server, by consistent hashing of namespace_id modulo the sorted list of
// active server ids (spec §4.4). It moves one namespace at a time and never
// unbinds before the new binding is written.
func (ll *LeaderLoop) rebalance(ctx context.Context) {
	servers, err := ll.db.ListServers(ctx)
	if err != nil {
		log.Printf("coordination: rebalance: list servers: %v", err)
		return
	}
	var activeIDs []domain.ID
	for _, s := range servers {
		if s.Status == domain.ServerActive {
			activeIDs = append(activeIDs, s.ID)
		}
	}
	if len(activeIDs) == 0 {
		return
	}
	sort.Slice(activeIDs, func(i, j int) bool { return activeIDs[i].String() < activeIDs[j].String() })

	namespaces, err := ll.db.ListActiveNamespaces(ctx)
	if err != nil {
		log.Printf("coordination: rebalance: list namespaces: %v", err)
		return
	}

	for _, ns := range namespaces {
		target := activeIDs[targetIndex(ns.ID, len(activeIDs))]
		if ns.BoundServerID == target {
			continue
		}
		if err := ll.db.BindNamespace(ctx, ns.ID, target); err != nil {
			if _, ok := err.(*domain.ConflictError); !ok {
				log.Printf("coordination: rebalance: bind namespace %s: %v", ns.ID, err)
			}
			continue
		}
		log.Printf("coordination: rebalanced namespace %s -> server %s", ns.ID, target)
	}
}

// targetIndex hashes namespaceID into [0, n) with fnv-1a modulo n. The
// assignment is stable for a given n; a change in n moves most namespaces.
func targetIndex(namespaceID domain.ID, n int) int {
	const offset64 = 14695981039346656037
	const prime64 = 1099511628211
	h := uint64(offset64)
	for _, b := range []byte(namespaceID.String()) {
		h ^= uint64(b)
		h *= prime64
	}
	return int(h % uint64(n))
}

// janitor releases Locked/Dispatched tasks whose lock has expired back to
// Pending (spec §4.4).
func (ll *LeaderLoop) janitor(ctx context.Context) {
	n, err := ll.db.ReclaimExpiredLocks(ctx, ll.cfg.LockTimeout, time.Now())
	if err != nil {
		log.Printf("coordination: janitor sweep failed: %v", err)
		return
	}
	if n > 0 {
		log.Printf("coordination: janitor reclaimed %d expired locks", n)
	}
}

// orphanedDispatchSweep resets Tasks Dispatched to an Agent that has been
// Offline longer than AgentDispatchGrace back to Pending (spec §4.4).
func (ll *LeaderLoop) orphanedDispatchSweep(ctx context.Context) {
	agents, err := ll.db.ListAgents(ctx)
	if err != nil {
		log.Printf("coordination: orphan sweep: list agents: %v", err)
		return
	}
	cutoff := time.Now().Add(-ll.cfg.AgentDispatchGrace)
	for _, a := range agents {
		if a.Status != domain.AgentOffline || a.LastHeartbeatAt.After(cutoff) {
			continue
		}
		tasks, err := ll.db.ListDispatchedToAgent(ctx, a.ID)
		if err != nil {
			log.Printf("coordination: orphan sweep: list tasks for agent %s: %v", a.ID, err)
			continue
		}
		for _, t := range tasks {
			if err := ll.db.RequeueTask(ctx, t.ID, true); err != nil {
				log.Printf("coordination: orphan sweep: requeue task %s: %v", t.ID, err)
			}
		}
		if len(tasks) > 0 {
			log.Printf("coordination: reassigned %d orphaned tasks from offline agent %s", len(tasks), a.ID)
		}
	}
}
