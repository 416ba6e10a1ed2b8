package gateway

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hetuflow/hetuflow/authn"
	"github.com/hetuflow/hetuflow/dispatch"
	"github.com/hetuflow/hetuflow/domain"
	"github.com/hetuflow/hetuflow/observability"
	"github.com/hetuflow/hetuflow/store"
	"github.com/hetuflow/hetuflow/wire"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait * 9 / 10
	mailboxDepth   = 64
	maxMessageSize = 1 << 20
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(*http.Request) bool { return true },
}

// Session is one Agent's persistent connection. Every outbound message is
// written from a single goroutine (writePump) so WriteJSON and the ping
// ticker never race on the same *websocket.Conn, mirroring
// control_plane/api_stream.go's read-pump/ping-ticker split.
type Session struct {
	id       string // sessionID, distinct from the Agent's domain.ID
	agentID  domain.ID
	conn     *websocket.Conn
	send     chan wire.Envelope
	outSeq   uint64

	// lastAcceptedSeq is the highest inbound Envelope.Seq accepted from this
	// session so far; only readPump's goroutine touches it, so it needs no
	// lock of its own. A reconnect gets a fresh Session (and so a fresh
	// lastAcceptedSeq), which is what makes this per-session rather than
	// per-agent.
	lastAcceptedSeq uint64

	hub       *Hub
	closeOnce sync.Once
}

func (s *Session) nextSeq() uint64 { return atomic.AddUint64(&s.outSeq, 1) }

// Hub routes protocol messages between connected Agent sessions and the
// scheduling core. Grounded on control_plane/ws_hub.go's MetricsHub
// (registration channel, unregister channel, per-connection write
// deadline), generalized from "broadcast one metrics payload" to "route
// arbitrary Agent<->Server protocol messages."
type Hub struct {
	mu       sync.RWMutex
	sessions map[domain.ID]*Session

	register   chan *Session
	unregister chan domain.ID

	db       store.Store
	replay   *ReplayGuard
	core     *dispatch.Core
	tracker  *dispatch.AckTracker
	serverID domain.ID
}

func NewHub(db store.Store, replay *ReplayGuard, core *dispatch.Core, tracker *dispatch.AckTracker, serverID domain.ID) *Hub {
	return &Hub{
		sessions:   make(map[domain.ID]*Session),
		register:   make(chan *Session),
		unregister: make(chan domain.ID),
		db:         db,
		replay:     replay,
		core:       core,
		tracker:    tracker,
		serverID:   serverID,
	}
}

// Run owns the sessions map; all registration/unregistration flows through
// it so no lock is ever held across a network write.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return
		case s := <-h.register:
			h.mu.Lock()
			if old, ok := h.sessions[s.agentID]; ok {
				old.closeOnce.Do(func() { close(old.send) })
			}
			h.sessions[s.agentID] = s
			h.mu.Unlock()
			observability.AgentSessions.Inc()
		case agentID := <-h.unregister:
			h.mu.Lock()
			if s, ok := h.sessions[agentID]; ok {
				delete(h.sessions, agentID)
				s.closeOnce.Do(func() { close(s.send) })
				observability.AgentSessions.Dec()
			}
			h.mu.Unlock()
		}
	}
}

func (h *Hub) shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, s := range h.sessions {
		s.closeOnce.Do(func() { close(s.send) })
		delete(h.sessions, id)
	}
}

// Send implements dispatch.Sender: push env onto the target Agent's
// mailbox, or fail fast if the Agent has no live session (the caller
// releases its claim and lets a later pull retry).
func (h *Hub) Send(ctx context.Context, agentID domain.ID, env wire.Envelope) error {
	h.mu.RLock()
	s, ok := h.sessions[agentID]
	h.mu.RUnlock()
	if !ok {
		return &domain.AgentProtocolError{SessionID: agentID.String(), Reason: "no live session"}
	}
	select {
	case s.send <- env:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		return &domain.AgentProtocolError{SessionID: agentID.String(), Reason: "mailbox full"}
	}
}

// HandleConnect upgrades an authenticated request to a WebSocket session.
// Mount behind authn.RequireAgent so authn.IdentityFromContext always
// resolves.
func (h *Hub) HandleConnect(w http.ResponseWriter, r *http.Request) {
	identity, ok := authn.IdentityFromContext(r.Context())
	if !ok {
		http.Error(w, "missing identity", http.StatusUnauthorized)
		return
	}
	agentID, err := domain.ParseID(identity.AgentID)
	if err != nil {
		http.Error(w, "invalid agent id", http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("gateway: upgrade failed: %v", err)
		return
	}

	s := &Session{
		id:      domain.NewID().String(),
		agentID: agentID,
		conn:    conn,
		send:    make(chan wire.Envelope, mailboxDepth),
		hub:     h,
	}

	h.register <- s

	go s.writePump()
	s.readPump()
}

func (s *Session) readPump() {
	defer func() {
		s.hub.unregister <- s.agentID
		s.conn.Close()
	}()

	s.conn.SetReadLimit(maxMessageSize)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		var env wire.Envelope
		if err := s.conn.ReadJSON(&env); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("gateway: session %s read error: %v", s.id, err)
			}
			return
		}
		s.hub.dispatchInbound(s, env)
	}
}

func (s *Session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case env, ok := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				s.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			env.SessionID = s.id
			env.Seq = s.nextSeq()
			if err := s.conn.WriteJSON(env); err != nil {
				log.Printf("gateway: session %s write error: %v", s.id, err)
				return
			}
			observability.GatewayMessages.WithLabelValues("out", string(env.Kind)).Inc()
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// dispatchInbound routes one inbound envelope per spec §6, acking it (if
// its Kind requires one) once handling completes without error.
func (h *Hub) dispatchInbound(s *Session, env wire.Envelope) {
	observability.GatewayMessages.WithLabelValues("in", string(env.Kind)).Inc()
	ctx := context.Background()

	// Sequence-number replay guard (spec §4.7's last paragraph): a stale
	// reconnect racing the live one, or a genuine replay, shows up as a Seq
	// no higher than the last one accepted on this session. This is
	// independent of the message-ID replay guard below, which only protects
	// against the same message being redelivered, not an old session's
	// messages arriving out of order relative to a newer one.
	if env.Seq != 0 {
		if env.Seq <= s.lastAcceptedSeq {
			observability.ReplayRejections.WithLabelValues(string(env.Kind)).Inc()
			if env.Kind != wire.KindAck {
				h.ack(s, env)
			}
			return
		}
		s.lastAcceptedSeq = env.Seq
	}

	if env.Kind != wire.KindAck {
		seen, err := h.replay.Seen(ctx, s.id, env.MessageID)
		if err != nil {
			log.Printf("gateway: replay guard: %v", err)
		} else if seen {
			observability.ReplayRejections.WithLabelValues(string(env.Kind)).Inc()
			h.ack(s, env)
			return
		}
	}

	var err error
	switch env.Kind {
	case wire.KindAgentRegister:
		err = h.handleAgentRegister(ctx, s, env)
	case wire.KindHeartbeat:
		err = h.handleHeartbeat(ctx, s, env)
	case wire.KindRequestStateSync:
		err = h.handleRequestStateSync(ctx, s, env)
	case wire.KindAcquireTaskRequest:
		err = h.handleAcquireTaskRequest(ctx, s, env)
	case wire.KindTaskInstanceUpdate:
		err = h.handleTaskInstanceUpdate(ctx, s, env)
	case wire.KindAck:
		h.handleAck(env)
		return
	default:
		log.Printf("gateway: session %s: unhandled kind %s", s.id, env.Kind)
	}
	if err != nil {
		log.Printf("gateway: session %s: handling %s: %v", s.id, env.Kind, err)
		return
	}
	if env.Kind.RequiresAck() {
		h.ack(s, env)
	}
}

func (h *Hub) ack(s *Session, env wire.Envelope) {
	body, _ := json.Marshal(wire.AckPayload{MessageID: env.MessageID})
	select {
	case s.send <- wire.Envelope{MessageID: domain.NewID().String(), Kind: wire.KindAck, TimestampMs: time.Now().UnixMilli(), Payload: body}:
	default:
	}
}

func (h *Hub) handleAck(env wire.Envelope) {
	var payload wire.AckPayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		return
	}
	h.tracker.Ack(payload.MessageID)
}

func (h *Hub) handleAgentRegister(ctx context.Context, s *Session, env wire.Envelope) error {
	var payload wire.AgentRegisterPayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		return err
	}
	return h.db.UpsertAgent(ctx, &domain.Agent{
		ID:     s.agentID,
		Name:   payload.Name,
		Labels: payload.Labels,
		Capabilities: domain.Capabilities{
			MaxConcurrency: payload.Capabilities.MaxConcurrency,
			Tags:           payload.Capabilities.Tags,
		},
		Status:          domain.AgentOnline,
		LastHeartbeatAt: time.Now(),
	})
}

func (h *Hub) handleHeartbeat(ctx context.Context, s *Session, env wire.Envelope) error {
	var payload wire.HeartbeatPayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		return err
	}
	return h.db.UpdateAgentHeartbeat(ctx, s.agentID, time.Now(), domain.Statistics{})
}

func (h *Hub) handleRequestStateSync(ctx context.Context, s *Session, env wire.Envelope) error {
	tasks, err := h.db.ListDispatchedToAgent(ctx, s.agentID)
	if err != nil {
		return err
	}
	wireTasks := make([]wire.DispatchTaskPayload, 0, len(tasks))
	for _, task := range tasks {
		job, err := h.db.GetJob(ctx, task.JobID)
		if err != nil {
			log.Printf("gateway: resync: load job for task %s: %v", task.ID, err)
			continue
		}
		wireTasks = append(wireTasks, wire.DispatchTaskPayload{
			TaskID:      task.ID.String(),
			JobID:       task.JobID.String(),
			Attempt:     task.RetryCount,
			ScheduledAt: task.ScheduledAt.UnixMilli(),
			Priority:    task.Priority,
			DeadlineMs:  task.ScheduledAt.Add(job.Command.Timeout).UnixMilli(),
			Payload:     task.Payload,
			Env:         job.Command.Env,
			Command: wire.CommandSpecWire{
				Executable:    job.Command.Executable,
				Args:          job.Command.Args,
				TimeoutMs:     job.Command.Timeout.Milliseconds(),
				MaxOutputSize: job.Command.MaxOutputSize,
			},
		})
	}
	body, err := json.Marshal(wire.SyncTasksResponsePayload{Tasks: wireTasks})
	if err != nil {
		return err
	}
	select {
	case s.send <- wire.Envelope{MessageID: domain.NewID().String(), Kind: wire.KindSyncTasksResponse, TimestampMs: time.Now().UnixMilli(), Payload: body}:
	default:
		return &domain.AgentProtocolError{SessionID: s.id, Reason: "mailbox full on resync"}
	}
	return nil
}

func (h *Hub) handleAcquireTaskRequest(ctx context.Context, s *Session, env wire.Envelope) error {
	var payload wire.AcquireTaskRequestPayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		return err
	}
	return h.core.HandleAcquireTaskRequest(ctx, s.agentID, payload)
}

func (h *Hub) handleTaskInstanceUpdate(ctx context.Context, s *Session, env wire.Envelope) error {
	var payload wire.TaskInstanceUpdatePayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		return err
	}
	instanceID, err := domain.ParseID(payload.InstanceID)
	if err != nil {
		return err
	}
	taskID, err := domain.ParseID(payload.TaskID)
	if err != nil {
		return err
	}

	status := domain.TaskInstanceStatus(payload.Status)
	var startedAt, completedAt *time.Time
	if payload.StartedAt != nil {
		t := time.UnixMilli(*payload.StartedAt)
		startedAt = &t
	}
	if payload.CompletedAt != nil {
		t := time.UnixMilli(*payload.CompletedAt)
		completedAt = &t
	}

	ok, err := h.db.UpdateTaskInstanceStatus(ctx, instanceID, status, store.TaskInstanceUpdateFields{
		StartedAt:    startedAt,
		CompletedAt:  completedAt,
		ExitCode:     payload.ExitCode,
		ErrorMessage: payload.Error,
		StdoutRef:    payload.StdoutRef,
		StderrRef:    payload.StderrRef,
	})
	if err != nil {
		return err
	}
	if !ok {
		// Stale/out-of-order update (spec §4.8); the monotone check already
		// dropped it, nothing further to do.
		return nil
	}

	switch status {
	case domain.InstanceRunning:
		return h.db.MarkDoing(ctx, taskID)
	case domain.InstanceSucceeded, domain.InstanceFailed, domain.InstanceCancelled, domain.InstanceTimeout:
		taskStatus := domain.TaskFailed
		if status == domain.InstanceSucceeded {
			taskStatus = domain.TaskSucceeded
		} else if status == domain.InstanceCancelled {
			taskStatus = domain.TaskCancelled
		}
		return h.db.MarkTaskTerminal(ctx, taskID, taskStatus)
	}
	return nil
}
