package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hetuflow/hetuflow/authn"
	"github.com/hetuflow/hetuflow/dispatch"
	"github.com/hetuflow/hetuflow/domain"
	"github.com/hetuflow/hetuflow/store"
	"github.com/hetuflow/hetuflow/wire"
)

type staticOwner struct{ namespaces []domain.ID }

func (o staticOwner) BoundNamespaces(context.Context) ([]domain.ID, error) { return o.namespaces, nil }

func newTestHub(t *testing.T) (*Hub, *store.MemoryStore, domain.ID) {
	t.Helper()
	db := store.NewMemoryStore()
	coord := store.NewMemoryCoordinator()
	tracker := dispatch.NewAckTracker(db, dispatch.AckTrackerConfig{})
	agentID := domain.NewID()
	core := dispatch.NewCore(db, staticOwner{}, nil, tracker, domain.NewID(), dispatch.CoreConfig{})
	hub := NewHub(db, NewReplayGuard(coord), core, tracker, domain.NewID())
	tracker.SetResender(core)
	return hub, db, agentID
}

func dialSession(t *testing.T, srv *httptest.Server) (*websocket.Conn, func()) {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return conn, func() { conn.Close() }
}

func TestHubRegistersSessionAndAcksAgentRegister(t *testing.T) {
	hub, db, agentID := newTestHub(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	srv := httptest.NewServer(withFakeIdentity(agentID, http.HandlerFunc(hub.HandleConnect)))
	defer srv.Close()

	conn, closeFn := dialSession(t, srv)
	defer closeFn()

	payload, _ := json.Marshal(wire.AgentRegisterPayload{Name: "agent-1", Labels: map[string]string{"arch": "amd64"}})
	if err := conn.WriteJSON(wire.Envelope{MessageID: "m1", Kind: wire.KindAgentRegister, Payload: payload}); err != nil {
		t.Fatalf("write: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var reply wire.Envelope
	if err := conn.ReadJSON(&reply); err != nil {
		t.Fatalf("read ack: %v", err)
	}
	if reply.Kind != wire.KindAck {
		t.Fatalf("expected an Ack in reply to AgentRegister, got %s", reply.Kind)
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if a, err := db.GetAgent(context.Background(), agentID); err == nil && a.Name == "agent-1" {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("expected agent %s to be upserted", agentID)
}

func TestHubRejectsReplayedMessage(t *testing.T) {
	hub, _, agentID := newTestHub(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	srv := httptest.NewServer(withFakeIdentity(agentID, http.HandlerFunc(hub.HandleConnect)))
	defer srv.Close()

	conn, closeFn := dialSession(t, srv)
	defer closeFn()

	// AcquireTaskRequest requires an Ack; sending the same message_id twice
	// exercises the replay guard both times without needing a second kind.
	acquirePayload, _ := json.Marshal(wire.AcquireTaskRequestPayload{AvailableCapacity: 0})
	acquireEnv := wire.Envelope{MessageID: "dup-1", Kind: wire.KindAcquireTaskRequest, Payload: acquirePayload}

	for i := 0; i < 2; i++ {
		if err := conn.WriteJSON(acquireEnv); err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		var reply wire.Envelope
		if err := conn.ReadJSON(&reply); err != nil {
			t.Fatalf("read ack %d: %v", i, err)
		}
		if reply.Kind != wire.KindAck {
			t.Fatalf("expected Ack, got %s", reply.Kind)
		}
	}
}

func TestHubRejectsNonIncreasingSeq(t *testing.T) {
	hub, db, agentID := newTestHub(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	srv := httptest.NewServer(withFakeIdentity(agentID, http.HandlerFunc(hub.HandleConnect)))
	defer srv.Close()

	conn, closeFn := dialSession(t, srv)
	defer closeFn()

	send := func(seq uint64, name string) {
		payload, _ := json.Marshal(wire.AgentRegisterPayload{Name: name})
		env := wire.Envelope{MessageID: domain.NewID().String(), Kind: wire.KindAgentRegister, Seq: seq, Payload: payload}
		if err := conn.WriteJSON(env); err != nil {
			t.Fatalf("write seq %d: %v", seq, err)
		}
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		var reply wire.Envelope
		if err := conn.ReadJSON(&reply); err != nil {
			t.Fatalf("read ack for seq %d: %v", seq, err)
		}
		if reply.Kind != wire.KindAck {
			t.Fatalf("expected Ack for seq %d, got %s", seq, reply.Kind)
		}
	}

	send(5, "first")

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if a, err := db.GetAgent(context.Background(), agentID); err == nil && a.Name == "first" {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	// A replay or stale-reconnect message at or below seq 5 must be acked
	// (so the sender doesn't keep retrying) but never actually applied.
	send(5, "replayed")
	send(3, "stale")
	time.Sleep(50 * time.Millisecond)

	a, err := db.GetAgent(context.Background(), agentID)
	if err != nil {
		t.Fatalf("get agent: %v", err)
	}
	if a.Name != "first" {
		t.Fatalf("expected replayed/stale seq to be dropped, agent name is %q", a.Name)
	}

	// A genuinely newer seq still applies.
	send(6, "second")
	deadline = time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if a, err := db.GetAgent(context.Background(), agentID); err == nil && a.Name == "second" {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("expected higher seq to be applied")
}

// withFakeIdentity stands in for authn.RequireAgent in tests: it injects a
// fixed Identity directly rather than exercising token verification, which
// is out of scope here.
func withFakeIdentity(agentID domain.ID, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := authn.WithIdentity(r.Context(), authn.Identity{AgentID: agentID.String()})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
