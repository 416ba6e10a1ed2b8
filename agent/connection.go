package main

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/hetuflow/hetuflow/wire"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait * 9 / 10
	mailboxDepth   = 64
	maxMessageSize = 1 << 20
)

// Handlers are the Agent-side callbacks for inbound Server messages.
// Connection invokes them synchronously from its read loop; a slow handler
// stalls the Ack for that message, so each should hand off long work (task
// execution) to another goroutine and return quickly.
type Handlers struct {
	OnDispatchTask func(wire.DispatchTaskPayload)
	OnKillTask     func(wire.KillTaskPayload)
	OnSyncTasks    func(wire.SyncTasksResponsePayload)
}

// Connection is the Agent's persistent WebSocket client: dial-with-backoff,
// a single writer goroutine (mailbox + ping ticker, same discipline as
// gateway.Session.writePump so no two goroutines ever call WriteJSON on the
// same *websocket.Conn), and an Ack-on-receipt read loop. Grounded on
// fluxforge/agent/heartbeat.go's registration/heartbeat retry-with-backoff
// shape, generalized from one-shot HTTP POSTs to a long-lived duplex
// session.
type Connection struct {
	cfg      *Config
	handlers Handlers

	mu       sync.Mutex
	conn     *websocket.Conn
	send     chan wire.Envelope
	outSeq   uint64
	sessionID string
	connected bool

	// lastAcceptedSeq is the highest inbound Envelope.Seq accepted on the
	// current connection; readPump is the only goroutine that touches it, so
	// it needs no lock. Reset per connectOnce, matching the new session the
	// Gateway hands out on every reconnect.
	lastAcceptedSeq uint64
}

func NewConnection(cfg *Config, handlers Handlers) *Connection {
	return &Connection{cfg: cfg, handlers: handlers}
}

// Run dials, re-dials on any disconnect with exponential backoff, and
// drives one connection's read/write/heartbeat loops until ctx is
// cancelled.
func (c *Connection) Run(ctx context.Context) {
	backoff := c.cfg.DialBackoffBase

	for ctx.Err() == nil {
		if err := c.connectOnce(ctx); err != nil {
			log.Printf("agent: connect: %v, retrying in %s", err, backoff)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return
			}
			backoff *= 2
			if backoff > c.cfg.DialBackoffMax {
				backoff = c.cfg.DialBackoffMax
			}
			continue
		}
		backoff = c.cfg.DialBackoffBase // reset after a session that actually ran
	}
}

func (c *Connection) connectOnce(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.cfg.ServerURL, nil)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.conn = conn
	c.send = make(chan wire.Envelope, mailboxDepth)
	prevSession := c.sessionID
	c.connected = true
	c.lastAcceptedSeq = 0
	c.mu.Unlock()

	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.writePump(sessionCtx, conn)
	}()

	if err := c.register(); err != nil {
		log.Printf("agent: register: %v", err)
	}
	if err := c.requestStateSync(prevSession); err != nil {
		log.Printf("agent: request state sync: %v", err)
	}

	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)
		c.heartbeatLoop(sessionCtx)
	}()

	c.readPump(conn) // blocks until the connection drops

	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()
	cancel()
	wg.Wait()
	<-heartbeatDone
	conn.Close()
	return nil
}

func (c *Connection) writePump(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	c.mu.Lock()
	send := c.send
	c.mu.Unlock()

	for {
		select {
		case <-ctx.Done():
			return
		case env, ok := <-send:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			env.Seq = atomic.AddUint64(&c.outSeq, 1)
			if err := conn.WriteJSON(env); err != nil {
				log.Printf("agent: write: %v", err)
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Connection) readPump(conn *websocket.Conn) {
	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		var env wire.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("agent: read: %v", err)
			}
			return
		}
		if env.SessionID != "" {
			c.mu.Lock()
			c.sessionID = env.SessionID
			c.mu.Unlock()
		}
		c.dispatchInbound(env)
	}
}

func (c *Connection) dispatchInbound(env wire.Envelope) {
	// Sequence-number replay guard, symmetric with gateway.Hub's: a stale
	// reconnect racing the live one shows up as a Seq no higher than the
	// last one accepted on this connection.
	if env.Seq != 0 {
		if env.Seq <= c.lastAcceptedSeq {
			if env.Kind != wire.KindAck {
				c.ack(env.MessageID)
			}
			return
		}
		c.lastAcceptedSeq = env.Seq
	}

	switch env.Kind {
	case wire.KindAck:
		return
	case wire.KindDispatchTask:
		var payload wire.DispatchTaskPayload
		if err := json.Unmarshal(env.Payload, &payload); err != nil {
			log.Printf("agent: decode DispatchTask: %v", err)
			return
		}
		if c.handlers.OnDispatchTask != nil {
			c.handlers.OnDispatchTask(payload)
		}
	case wire.KindKillTask:
		var payload wire.KillTaskPayload
		if err := json.Unmarshal(env.Payload, &payload); err != nil {
			log.Printf("agent: decode KillTask: %v", err)
			return
		}
		if c.handlers.OnKillTask != nil {
			c.handlers.OnKillTask(payload)
		}
	case wire.KindSyncTasksResponse:
		var payload wire.SyncTasksResponsePayload
		if err := json.Unmarshal(env.Payload, &payload); err != nil {
			log.Printf("agent: decode SyncTasksResponse: %v", err)
			return
		}
		if c.handlers.OnSyncTasks != nil {
			c.handlers.OnSyncTasks(payload)
		}
	default:
		log.Printf("agent: unhandled kind %s", env.Kind)
		return
	}
	if env.Kind.RequiresAck() {
		c.ack(env.MessageID)
	}
}

func (c *Connection) ack(messageID string) {
	body, _ := json.Marshal(wire.AckPayload{MessageID: messageID})
	c.enqueue(wire.Envelope{Kind: wire.KindAck, Payload: body})
}

// Send pushes a protocol message onto the outbound mailbox, stamping a
// fresh message id and timestamp. Non-blocking: a full mailbox (meaning the
// connection is badly backed up or down) drops the send rather than
// blocking the caller indefinitely.
func (c *Connection) Send(kind wire.Kind, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return c.enqueue(wire.Envelope{Kind: kind, Payload: body})
}

func (c *Connection) enqueue(env wire.Envelope) error {
	id, err := uuid.NewV7()
	if err != nil {
		return err
	}
	if env.MessageID == "" {
		env.MessageID = id.String()
	}
	env.TimestampMs = time.Now().UnixMilli()

	c.mu.Lock()
	send := c.send
	c.mu.Unlock()
	if send == nil {
		return nil
	}
	select {
	case send <- env:
	default:
		log.Printf("agent: mailbox full, dropping %s", env.Kind)
	}
	return nil
}

func (c *Connection) register() error {
	return c.Send(wire.KindAgentRegister, wire.AgentRegisterPayload{
		AgentID: c.cfg.AgentID.String(),
		Name:    c.cfg.Name,
		Labels:  c.cfg.Labels,
		Capabilities: wire.CapabilitiesWire{
			MaxConcurrency: c.cfg.MaxConcurrency,
			Tags:           c.cfg.Labels,
		},
	})
}

func (c *Connection) requestStateSync(prevSessionID string) error {
	return c.Send(wire.KindRequestStateSync, wire.RequestStateSyncPayload{SessionIDPrev: prevSessionID})
}

func (c *Connection) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = c.Send(wire.KindHeartbeat, wire.HeartbeatPayload{
				AgentID: c.cfg.AgentID.String(),
			})
		}
	}
}

// AcquireTask asks the Server to dispatch up to capacity tasks.
func (c *Connection) AcquireTask(capacity int) error {
	return c.Send(wire.KindAcquireTaskRequest, wire.AcquireTaskRequestPayload{
		AgentID:           c.cfg.AgentID.String(),
		AvailableCapacity: capacity,
		Labels:            c.cfg.Labels,
	})
}

// ReportTaskInstance sends a TaskInstanceUpdate for one execution outcome.
func (c *Connection) ReportTaskInstance(payload wire.TaskInstanceUpdatePayload) error {
	return c.Send(wire.KindTaskInstanceUpdate, payload)
}
