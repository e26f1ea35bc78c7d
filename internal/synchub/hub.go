// ABOUTME: In-memory fan-out hub for cross-tab dashboard synchronization.
// ABOUTME: Rooms per dashboard key, echo suppression, per-path debounce, resync.

package synchub

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/strandlabs/meshgate/internal/state"
)

const (
	defaultBufferSize     = 64
	defaultDebounceWindow = 100 * time.Millisecond
)

// Event is one message fanned out to a room. Type "delta" carries a single
// path change; type "state" carries a full snapshot (resync and conflict
// recovery paths only).
type Event struct {
	Type        string                `json:"type"`
	Path        string                `json:"path,omitempty"`
	Value       json.RawMessage       `json:"value,omitempty"`
	Version     uint64                `json:"version"`
	State       *state.DashboardState `json:"state,omitempty"`
	OriginTabID string                `json:"origin_tab_id,omitempty"`
}

// Snapshots is the read side of the state store the hub needs for resync.
// *state.Manager satisfies it.
type Snapshots interface {
	Get(ctx context.Context, key state.Key) (*state.DashboardState, error)
}

// Options tunes the hub.
type Options struct {
	BufferSize     int           // per-subscriber channel buffer
	DebounceWindow time.Duration // per-path coalescing window for deltas
}

type subscriber struct {
	tabID string
	ch    chan Event
}

// pending is the latest delta for one (room, path) during a debounce window.
type pending struct {
	event Event
	timer *time.Timer
}

// Hub fans dashboard events out to every connected tab of a room. A room is
// one dashboard key. Sends never block: slow subscribers drop events and the
// drop is counted; a dropped tab recovers via Resync, never via replay.
type Hub struct {
	snapshots Snapshots
	opts      Options
	logger    *slog.Logger

	mu       sync.RWMutex
	rooms    map[string]map[string]*subscriber // room key -> tab id -> sub
	debounce map[string]*pending               // room key + "|" + path

	drops prometheus.Counter
}

// NewHub creates a hub. snapshots may not be nil; reg may be nil to skip
// metrics registration.
func NewHub(snapshots Snapshots, opts Options, logger *slog.Logger, reg prometheus.Registerer) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.BufferSize <= 0 {
		opts.BufferSize = defaultBufferSize
	}
	if opts.DebounceWindow <= 0 {
		opts.DebounceWindow = defaultDebounceWindow
	}
	h := &Hub{
		snapshots: snapshots,
		opts:      opts,
		logger:    logger.With("component", "synchub"),
		rooms:     make(map[string]map[string]*subscriber),
		debounce:  make(map[string]*pending),
	}
	if reg != nil {
		h.drops = promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: "meshgate",
			Subsystem: "synchub",
			Name:      "dropped_events_total",
			Help:      "Events dropped because a subscriber channel was full.",
		})
	}
	return h
}

// Join adds a tab to a room and returns its event channel. The subscription
// is removed automatically when ctx is cancelled. Joining again with the
// same tab id replaces the previous subscription.
func (h *Hub) Join(ctx context.Context, key state.Key, tabID string) <-chan Event {
	sub := &subscriber{tabID: tabID, ch: make(chan Event, h.opts.BufferSize)}

	h.mu.Lock()
	room, ok := h.rooms[key.String()]
	if !ok {
		room = make(map[string]*subscriber)
		h.rooms[key.String()] = room
	}
	if prev, ok := room[tabID]; ok {
		close(prev.ch)
	}
	room[tabID] = sub
	h.mu.Unlock()

	h.logger.Debug("tab joined room", "key", key.String(), "tab_id", tabID)

	go func() {
		<-ctx.Done()
		h.Leave(key, tabID)
	}()

	return sub.ch
}

// Leave removes a tab from a room and closes its channel.
func (h *Hub) Leave(key state.Key, tabID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	room, ok := h.rooms[key.String()]
	if !ok {
		return
	}
	sub, ok := room[tabID]
	if !ok {
		return
	}
	delete(room, tabID)
	close(sub.ch)
	if len(room) == 0 {
		delete(h.rooms, key.String())
	}

	h.logger.Debug("tab left room", "key", key.String(), "tab_id", tabID)
}

// Broadcast fans an event out to every tab in the room except the one it
// originated from. Delta events are debounced per path: within the window
// only the latest value is delivered. State events bypass the debounce.
func (h *Hub) Broadcast(key state.Key, ev Event) {
	if ev.Type != "delta" {
		h.deliver(key, ev)
		return
	}

	dk := key.String() + "|" + ev.Path
	h.mu.Lock()
	if p, ok := h.debounce[dk]; ok {
		// Window already open: coalesce to the latest value.
		p.event = ev
		h.mu.Unlock()
		return
	}
	p := &pending{event: ev}
	p.timer = time.AfterFunc(h.opts.DebounceWindow, func() {
		h.mu.Lock()
		latest := p.event
		delete(h.debounce, dk)
		h.mu.Unlock()
		h.deliver(key, latest)
	})
	h.debounce[dk] = p
	h.mu.Unlock()
}

// Resync sends the full current snapshot to a single tab. Recovery after
// drops or reconnect is always a snapshot, never a delta replay.
func (h *Hub) Resync(ctx context.Context, key state.Key, tabID string) error {
	doc, err := h.snapshots.Get(ctx, key)
	if err != nil {
		return fmt.Errorf("loading snapshot for resync: %w", err)
	}

	// Send under the read lock: channels are only ever closed under the
	// write lock, so the send cannot race a Leave or Close.
	h.mu.RLock()
	defer h.mu.RUnlock()
	var sub *subscriber
	if room, ok := h.rooms[key.String()]; ok {
		sub = room[tabID]
	}
	if sub == nil {
		return fmt.Errorf("tab %q is not in room %q", tabID, key.String())
	}

	h.send(sub, Event{Type: "state", Version: doc.Version, State: doc}, key)
	return nil
}

// RoomSize reports how many tabs a room currently has.
func (h *Hub) RoomSize(key state.Key) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[key.String()])
}

// Close drops every room and closes all subscriber channels.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for roomKey, room := range h.rooms {
		for tabID, sub := range room {
			close(sub.ch)
			delete(room, tabID)
		}
		delete(h.rooms, roomKey)
	}
	for dk, p := range h.debounce {
		p.timer.Stop()
		delete(h.debounce, dk)
	}
}

// deliver fans one event out now, skipping the originating tab. Sends stay
// under the read lock: channels are only ever closed under the write lock,
// so a concurrent Leave, rejoin, or Close cannot close a channel mid-send.
// The sends are non-blocking, so holding the lock is cheap.
func (h *Hub) deliver(key state.Key, ev Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for tabID, sub := range h.rooms[key.String()] {
		if ev.OriginTabID != "" && tabID == ev.OriginTabID {
			continue
		}
		h.send(sub, ev, key)
	}
}

// send is non-blocking; a full channel drops the event and counts it.
func (h *Hub) send(sub *subscriber, ev Event, key state.Key) {
	select {
	case sub.ch <- ev:
	default:
		if h.drops != nil {
			h.drops.Inc()
		}
		h.logger.Debug("dropped event for slow tab",
			"key", key.String(),
			"tab_id", sub.tabID,
			"type", ev.Type)
	}
}
