package main

import (
	"encoding/json"
	"testing"

	"github.com/hetuflow/hetuflow/domain"
	"github.com/hetuflow/hetuflow/wire"
)

func TestDispatchInboundInvokesHandlerAndAcks(t *testing.T) {
	var got wire.DispatchTaskPayload
	c := &Connection{
		cfg:  &Config{AgentID: domain.NewID()},
		send: make(chan wire.Envelope, 4),
		handlers: Handlers{
			OnDispatchTask: func(p wire.DispatchTaskPayload) { got = p },
		},
	}

	payload, _ := json.Marshal(wire.DispatchTaskPayload{TaskID: domain.NewID().String(), Priority: 3})
	c.dispatchInbound(wire.Envelope{MessageID: "m1", Kind: wire.KindDispatchTask, Payload: payload})

	if got.Priority != 3 {
		t.Fatalf("expected handler to receive the decoded payload, got %+v", got)
	}

	select {
	case env := <-c.send:
		if env.Kind != wire.KindAck {
			t.Fatalf("expected an Ack to be enqueued, got %s", env.Kind)
		}
		var ack wire.AckPayload
		if err := json.Unmarshal(env.Payload, &ack); err != nil {
			t.Fatalf("decode ack payload: %v", err)
		}
		if ack.MessageID != "m1" {
			t.Fatalf("expected ack to correlate to m1, got %s", ack.MessageID)
		}
	default:
		t.Fatal("expected an Ack envelope on the mailbox")
	}
}

func TestDispatchInboundAckKindNeedsNoAck(t *testing.T) {
	// RequiresAck is a property of Kind alone; an inbound Ack must never
	// itself be acked.
	c := &Connection{send: make(chan wire.Envelope, 4)}
	c.dispatchInbound(wire.Envelope{MessageID: "m2", Kind: wire.KindAck})

	select {
	case env := <-c.send:
		t.Fatalf("expected no outbound message for an inbound Ack, got %s", env.Kind)
	default:
	}
}

func TestDispatchInboundRejectsNonIncreasingSeq(t *testing.T) {
	var calls int
	c := &Connection{
		cfg:  &Config{AgentID: domain.NewID()},
		send: make(chan wire.Envelope, 4),
		handlers: Handlers{
			OnKillTask: func(wire.KillTaskPayload) { calls++ },
		},
	}

	payload, _ := json.Marshal(wire.KillTaskPayload{TaskID: domain.NewID().String()})
	c.dispatchInbound(wire.Envelope{MessageID: "m1", Kind: wire.KindKillTask, Seq: 5, Payload: payload})
	if calls != 1 {
		t.Fatalf("expected the first, higher-seq message to be handled once, got %d calls", calls)
	}
	<-c.send // drain its ack

	// A replayed or stale-reconnect message carrying a seq no higher than
	// the last accepted one must not reach the handler again.
	c.dispatchInbound(wire.Envelope{MessageID: "m2", Kind: wire.KindKillTask, Seq: 5, Payload: payload})
	c.dispatchInbound(wire.Envelope{MessageID: "m3", Kind: wire.KindKillTask, Seq: 3, Payload: payload})
	if calls != 1 {
		t.Fatalf("expected replayed/stale seq to be dropped, got %d calls", calls)
	}

	// A genuinely newer seq still goes through.
	c.dispatchInbound(wire.Envelope{MessageID: "m4", Kind: wire.KindKillTask, Seq: 6, Payload: payload})
	if calls != 2 {
		t.Fatalf("expected the higher-seq message to be handled, got %d calls", calls)
	}
}

func TestEnqueueStampsMessageIDAndTimestamp(t *testing.T) {
	c := &Connection{send: make(chan wire.Envelope, 1)}
	if err := c.enqueue(wire.Envelope{Kind: wire.KindHeartbeat}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	env := <-c.send
	if env.MessageID == "" {
		t.Fatal("expected a generated message id")
	}
	if env.TimestampMs == 0 {
		t.Fatal("expected a stamped timestamp")
	}
}
