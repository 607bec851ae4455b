// Package broadcast fans out state changes to per-lab WebSocket
// subscribers with backpressure that never blocks a publisher (spec
// §4.12).
package broadcast

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/archetype-labs/archetyped/internal/app/domain/job"
	"github.com/archetype-labs/archetyped/internal/app/domain/lab"
	"github.com/archetype-labs/archetyped/internal/app/domain/link"
	"github.com/archetype-labs/archetyped/internal/app/domain/nodestate"
	"github.com/archetype-labs/archetyped/pkg/logger"
)

// queueDepth bounds how many undelivered messages a slow subscriber can
// accumulate before further publishes to it are dropped.
const queueDepth = 32

// MessageType labels the payload shape of a Message.
type MessageType string

const (
	MessageLabState     MessageType = "lab_state"
	MessageInitialState MessageType = "initial_state"
	MessageNodeState    MessageType = "node_state"
	MessageLinkState    MessageType = "link_state"
	MessageJobProgress  MessageType = "job_progress"
	MessagePong         MessageType = "pong"
)

// Message is the envelope every subscriber receives over the wire.
type Message struct {
	Type    MessageType `json:"type"`
	Payload interface{} `json:"payload,omitempty"`
}

// InitialState bundles the full NodeState/LinkState set sent once when a
// subscriber attaches to a lab.
type InitialState struct {
	NodeStates []nodestate.NodeState `json:"node_states"`
	LinkStates []link.LinkState      `json:"link_states"`
}

// Subscriber is one connected client, scoped to a single lab.
type Subscriber struct {
	id     string
	labID  string
	send   chan Message
	missed atomic.Bool
}

// Send exposes the subscriber's delivery channel for the connection's
// write pump to drain.
func (s *Subscriber) Send() <-chan Message { return s.send }

// Missed reports whether a message has been dropped for this subscriber
// since the flag was last cleared.
func (s *Subscriber) Missed() bool { return s.missed.Load() }

func (s *Subscriber) clearMissed() { s.missed.Store(false) }

// tryEnqueue delivers msg or drops it for this subscriber alone; it never
// blocks the caller.
func (s *Subscriber) tryEnqueue(msg Message) {
	select {
	case s.send <- msg:
	default:
		s.missed.Store(true)
	}
}

// SnapshotProvider resolves the state a newly attached subscriber needs
// before it starts receiving deltas.
type SnapshotProvider interface {
	GetLab(ctx context.Context, labID string) (lab.Lab, error)
	ListNodeStatesByLab(ctx context.Context, labID string) ([]nodestate.NodeState, error)
	ListLinkStatesByLab(ctx context.Context, labID string) ([]link.LinkState, error)
}

// Hub fans published state out to every subscriber of the relevant lab.
type Hub struct {
	mu          sync.RWMutex
	subscribers map[string]*Subscriber
	byLab       map[string]map[string]bool
	nextID      uint64

	snapshots SnapshotProvider
	log       *logger.Logger
}

// NewHub builds a Hub backed by snapshots for initial-state resolution.
func NewHub(snapshots SnapshotProvider, log *logger.Logger) *Hub {
	return &Hub{
		subscribers: make(map[string]*Subscriber),
		byLab:       make(map[string]map[string]bool),
		snapshots:   snapshots,
		log:         log,
	}
}

// Register creates a subscriber for labID and primes its queue with the
// lab_state then initial_state snapshots, in that order, before any delta
// can reach it.
func (h *Hub) Register(ctx context.Context, labID string) (*Subscriber, error) {
	l, err := h.snapshots.GetLab(ctx, labID)
	if err != nil {
		return nil, fmt.Errorf("broadcast: get lab %s: %w", labID, err)
	}
	nodeStates, err := h.snapshots.ListNodeStatesByLab(ctx, labID)
	if err != nil {
		return nil, fmt.Errorf("broadcast: list node states for %s: %w", labID, err)
	}
	linkStates, err := h.snapshots.ListLinkStatesByLab(ctx, labID)
	if err != nil {
		return nil, fmt.Errorf("broadcast: list link states for %s: %w", labID, err)
	}

	h.mu.Lock()
	h.nextID++
	sub := &Subscriber{
		id:    fmt.Sprintf("sub-%d", h.nextID),
		labID: labID,
		send:  make(chan Message, queueDepth),
	}
	h.subscribers[sub.id] = sub
	if h.byLab[labID] == nil {
		h.byLab[labID] = make(map[string]bool)
	}
	h.byLab[labID][sub.id] = true
	h.mu.Unlock()

	sub.tryEnqueue(Message{Type: MessageLabState, Payload: l})
	sub.tryEnqueue(Message{Type: MessageInitialState, Payload: InitialState{NodeStates: nodeStates, LinkStates: linkStates}})
	sub.clearMissed()

	return sub, nil
}

// Unregister removes a subscriber and frees its queue. Safe to call more
// than once for the same subscriber.
func (h *Hub) Unregister(sub *Subscriber) {
	if sub == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.subscribers, sub.id)
	if set := h.byLab[sub.labID]; set != nil {
		delete(set, sub.id)
		if len(set) == 0 {
			delete(h.byLab, sub.labID)
		}
	}
}

// Refresh resends the lab_state and initial_state snapshots to sub, for
// a client-requested {type: refresh}.
func (h *Hub) Refresh(ctx context.Context, sub *Subscriber) error {
	l, err := h.snapshots.GetLab(ctx, sub.labID)
	if err != nil {
		return fmt.Errorf("broadcast: refresh get lab %s: %w", sub.labID, err)
	}
	nodeStates, err := h.snapshots.ListNodeStatesByLab(ctx, sub.labID)
	if err != nil {
		return fmt.Errorf("broadcast: refresh list node states for %s: %w", sub.labID, err)
	}
	linkStates, err := h.snapshots.ListLinkStatesByLab(ctx, sub.labID)
	if err != nil {
		return fmt.Errorf("broadcast: refresh list link states for %s: %w", sub.labID, err)
	}
	sub.tryEnqueue(Message{Type: MessageLabState, Payload: l})
	sub.tryEnqueue(Message{Type: MessageInitialState, Payload: InitialState{NodeStates: nodeStates, LinkStates: linkStates}})
	return nil
}

func (h *Hub) broadcast(labID string, msg Message) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for id := range h.byLab[labID] {
		if sub := h.subscribers[id]; sub != nil {
			sub.tryEnqueue(msg)
		}
	}
}

// PublishNodeState pushes a node state delta to every subscriber of its
// lab.
func (h *Hub) PublishNodeState(ctx context.Context, ns nodestate.NodeState) {
	h.broadcast(ns.LabID, Message{Type: MessageNodeState, Payload: ns})
}

// PublishLinkState pushes a link state delta to every subscriber of its
// lab. Satisfies carrier.Broadcaster.
func (h *Hub) PublishLinkState(ctx context.Context, ls link.LinkState) {
	h.broadcast(ls.LabID, Message{Type: MessageLinkState, Payload: ls})
}

// PublishLabState pushes an aggregate lab state change.
func (h *Hub) PublishLabState(ctx context.Context, l lab.Lab) {
	h.broadcast(l.ID, Message{Type: MessageLabState, Payload: l})
}

// PublishJobProgress pushes a job status change to every subscriber of
// its lab.
func (h *Hub) PublishJobProgress(ctx context.Context, j job.Job) {
	h.broadcast(j.LabID, Message{Type: MessageJobProgress, Payload: j})
}

// SubscriberCount reports how many subscribers are attached to labID, for
// metrics and tests.
func (h *Hub) SubscriberCount(labID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.byLab[labID])
}
