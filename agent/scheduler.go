package main

import (
	"sort"
	"sync"
	"time"

	"github.com/hetuflow/hetuflow/domain"
	"github.com/hetuflow/hetuflow/wire"
)

const defaultTickResolution = 10 * time.Millisecond

// bucketRef locates a pending entry for Cancel: which wheel level and
// which bucket index within it.
type bucketRef struct {
	near bool
	idx  int
}

// wheelEntry is one pending fire, carried through both wheel levels.
type wheelEntry struct {
	payload    wire.DispatchTaskPayload
	taskID     domain.ID
	instanceID domain.ID
	fireAt     time.Time
	priority   int
	arrival    uint64
}

// AgentScheduler is a single-goroutine hierarchical hashed timing wheel
// (spec §4.9): a near wheel covering the dispatch-lead-time window at tick
// resolution, and a coarser overflow wheel -- one slot per full near-wheel
// revolution -- for anything scheduled further out. Entries cascade from
// overflow into near on every near-wheel rollover. All firing happens on
// one goroutine (run), so ordering between tasks sharing an instant is
// decided once, by priority then arrival order, never by goroutine
// scheduling.
type AgentScheduler struct {
	tick      time.Duration
	nearSpan  time.Duration
	onFire    func(wheelEntry)

	mu            sync.Mutex
	near          [][]wheelEntry
	nearCursor    int
	overflow      [][]wheelEntry
	overflowCursor int
	arrival       uint64
	byTask        map[domain.ID]bucketRef

	stop chan struct{}
	done chan struct{}
}

// NewAgentScheduler builds a wheel sized so the near level spans
// leadWindow at defaultTickResolution and the overflow level spans
// overflowSlots further near-wheel revolutions -- comfortably covering
// dispatch_lead_time + lookahead per spec §4.9.
func NewAgentScheduler(leadWindow time.Duration, onFire func(task wire.DispatchTaskPayload, instanceID domain.ID)) *AgentScheduler {
	tick := defaultTickResolution
	nearSlots := int(leadWindow / tick)
	if nearSlots < 16 {
		nearSlots = 16
	}
	const overflowSlots = 64

	s := &AgentScheduler{
		tick:     tick,
		nearSpan: time.Duration(nearSlots) * tick,
		near:     make([][]wheelEntry, nearSlots),
		overflow: make([][]wheelEntry, overflowSlots),
		byTask:   make(map[domain.ID]bucketRef),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	s.onFire = func(e wheelEntry) {
		if onFire != nil {
			onFire(e.payload, e.instanceID)
		}
	}
	return s
}

// Schedule adds task to the wheel, bucketed by its scheduled_at instant.
// Tasks already due fire on the very next tick rather than synchronously,
// so firing always happens from the single wheel goroutine.
func (s *AgentScheduler) Schedule(task wire.DispatchTaskPayload) (domain.ID, error) {
	taskID, err := domain.ParseID(task.TaskID)
	if err != nil {
		return domain.ZeroID, err
	}
	fireAt := time.UnixMilli(task.ScheduledAt)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.arrival++
	entry := wheelEntry{
		payload:    task,
		taskID:     taskID,
		instanceID: domain.NewID(),
		fireAt:     fireAt,
		priority:   task.Priority,
		arrival:    s.arrival,
	}
	s.insertLocked(entry, time.Now())
	return entry.instanceID, nil
}

// insertLocked buckets entry into the near wheel if its delay fits within
// nearSpan, else into the overflow wheel. Caller holds s.mu.
func (s *AgentScheduler) insertLocked(e wheelEntry, now time.Time) {
	delay := e.fireAt.Sub(now)
	if delay <= s.tick {
		idx := (s.nearCursor + 1) % len(s.near)
		s.near[idx] = append(s.near[idx], e)
		s.byTask[e.taskID] = bucketRef{true, idx}
		return
	}
	if delay < s.nearSpan {
		ticks := int(delay / s.tick)
		idx := (s.nearCursor + ticks) % len(s.near)
		s.near[idx] = append(s.near[idx], e)
		s.byTask[e.taskID] = bucketRef{true, idx}
		return
	}
	rounds := int(delay / s.nearSpan)
	idx := (s.overflowCursor + rounds) % len(s.overflow)
	s.overflow[idx] = append(s.overflow[idx], e)
	s.byTask[e.taskID] = bucketRef{false, idx}
}

// Cancel removes a not-yet-fired entry for taskID from the wheel. Reports
// false if the task is not currently pending (already fired, or unknown).
func (s *AgentScheduler) Cancel(taskID domain.ID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	loc, ok := s.byTask[taskID]
	if !ok {
		return false
	}
	delete(s.byTask, taskID)
	var bucket *[]wheelEntry
	if loc.near {
		bucket = &s.near[loc.idx]
	} else {
		bucket = &s.overflow[loc.idx]
	}
	for i, e := range *bucket {
		if e.taskID == taskID {
			*bucket = append((*bucket)[:i], (*bucket)[i+1:]...)
			return true
		}
	}
	return false
}

// Run drives the wheel until Stop is called.
func (s *AgentScheduler) Run() {
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()
	defer close(s.done)

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.advance()
		}
	}
}

func (s *AgentScheduler) Stop() {
	close(s.stop)
	<-s.done
}

func (s *AgentScheduler) advance() {
	s.mu.Lock()
	s.nearCursor = (s.nearCursor + 1) % len(s.near)
	due := s.near[s.nearCursor]
	s.near[s.nearCursor] = nil
	for _, e := range due {
		delete(s.byTask, e.taskID)
	}

	if s.nearCursor == 0 {
		s.overflowCursor = (s.overflowCursor + 1) % len(s.overflow)
		cascading := s.overflow[s.overflowCursor]
		s.overflow[s.overflowCursor] = nil
		now := time.Now()
		for _, e := range cascading {
			delete(s.byTask, e.taskID)
			s.insertLocked(e, now)
		}
	}
	s.mu.Unlock()

	if len(due) == 0 {
		return
	}
	sort.SliceStable(due, func(i, j int) bool {
		if due[i].priority != due[j].priority {
			return due[i].priority > due[j].priority // higher priority first
		}
		return due[i].arrival < due[j].arrival // then arrival order
	})
	for _, e := range due {
		s.onFire(e)
	}
}
