package broadcast

import (
	"context"
	"testing"

	"github.com/archetype-labs/archetyped/internal/app/domain/lab"
	"github.com/archetype-labs/archetyped/internal/app/domain/link"
	"github.com/archetype-labs/archetyped/internal/app/domain/node"
	"github.com/archetype-labs/archetyped/internal/app/domain/nodestate"
	"github.com/archetype-labs/archetyped/internal/app/storage/memory"
)

func seedLab(t *testing.T, store *memory.Store, labID string) {
	t.Helper()
	ctx := context.Background()
	if _, err := store.CreateLab(ctx, lab.Lab{ID: labID, Owner: "u1"}); err != nil {
		t.Fatalf("CreateLab: %v", err)
	}
	if _, err := store.CreateNodeState(ctx, nodestate.NodeState{LabID: labID, NodeID: "r1"}); err != nil {
		t.Fatalf("CreateNodeState: %v", err)
	}
}

func TestRegisterDeliversLabStateThenInitialState(t *testing.T) {
	store := memory.New()
	seedLab(t, store, "lab-1")

	h := NewHub(store, nil)
	sub, err := h.Register(context.Background(), "lab-1")
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	first := <-sub.Send()
	if first.Type != MessageLabState {
		t.Fatalf("first message type = %v, want lab_state", first.Type)
	}
	second := <-sub.Send()
	if second.Type != MessageInitialState {
		t.Fatalf("second message type = %v, want initial_state", second.Type)
	}
	init, ok := second.Payload.(InitialState)
	if !ok {
		t.Fatalf("initial_state payload has wrong type: %T", second.Payload)
	}
	if len(init.NodeStates) != 1 {
		t.Fatalf("expected 1 node state in snapshot, got %d", len(init.NodeStates))
	}
}

func TestPublishLinkStateReachesOnlySubscribersOfThatLab(t *testing.T) {
	store := memory.New()
	seedLab(t, store, "lab-1")
	seedLab(t, store, "lab-2")

	h := NewHub(store, nil)
	subA, _ := h.Register(context.Background(), "lab-1")
	subB, _ := h.Register(context.Background(), "lab-2")
	drain(subA)
	drain(subB)

	h.PublishLinkState(context.Background(), link.LinkState{
		LabID:         "lab-1",
		CanonicalName: node.CanonicalLinkName(node.Endpoint{NodeName: "r1", Interface: "eth0"}, node.Endpoint{NodeName: "r2", Interface: "eth0"}),
	})

	select {
	case msg := <-subA.Send():
		if msg.Type != MessageLinkState {
			t.Fatalf("got %v, want link_state", msg.Type)
		}
	default:
		t.Fatal("expected lab-1 subscriber to receive the link state")
	}

	select {
	case <-subB.Send():
		t.Fatal("lab-2 subscriber should not receive a lab-1 publish")
	default:
	}
}

func TestFullQueueDropsForThatSubscriberOnly(t *testing.T) {
	store := memory.New()
	seedLab(t, store, "lab-1")

	h := NewHub(store, nil)
	sub, _ := h.Register(context.Background(), "lab-1")
	drain(sub)

	for i := 0; i < queueDepth+5; i++ {
		h.PublishLinkState(context.Background(), link.LinkState{LabID: "lab-1"})
	}

	if !sub.Missed() {
		t.Fatal("expected subscriber to be flagged as having missed events")
	}
}

func TestUnregisterFreesSubscriber(t *testing.T) {
	store := memory.New()
	seedLab(t, store, "lab-1")

	h := NewHub(store, nil)
	sub, _ := h.Register(context.Background(), "lab-1")
	if h.SubscriberCount("lab-1") != 1 {
		t.Fatalf("expected 1 subscriber, got %d", h.SubscriberCount("lab-1"))
	}

	h.Unregister(sub)
	if h.SubscriberCount("lab-1") != 0 {
		t.Fatalf("expected 0 subscribers after unregister, got %d", h.SubscriberCount("lab-1"))
	}
}

func drain(sub *Subscriber) {
	for {
		select {
		case <-sub.Send():
		default:
			return
		}
	}
}
