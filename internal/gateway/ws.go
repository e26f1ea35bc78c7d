// ABOUTME: Websocket endpoint for UI-facing streaming: dashboard deltas,
// ABOUTME: task invocation with partial updates, cancellation, and resync.

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/strandlabs/meshgate/internal/routing"
	"github.com/strandlabs/meshgate/internal/state"
	"github.com/strandlabs/meshgate/internal/synchub"
)

// clientFrame is any inbound websocket message. Type selects which fields
// are meaningful: join (tab_id, optional state held across a disconnect),
// delta (path, value, base_version), invoke (task_type, target, message),
// cancel (task_id), resync (none).
type clientFrame struct {
	Type        string                `json:"type"`
	TabID       string                `json:"tab_id,omitempty"`
	Path        string                `json:"path,omitempty"`
	Value       json.RawMessage       `json:"value,omitempty"`
	BaseVersion uint64                `json:"base_version,omitempty"`
	TaskID      string                `json:"task_id,omitempty"`
	TaskType    string                `json:"task_type,omitempty"`
	Target      string                `json:"target,omitempty"`
	Message     routing.Message       `json:"message,omitempty"`
	State       *state.DashboardState `json:"state,omitempty"`
}

// serverFrame is any outbound websocket message: state (full snapshot),
// delta (one path change), partial (task progress), result (terminal task),
// error.
type serverFrame struct {
	Type        string                `json:"type"`
	Version     uint64                `json:"version,omitempty"`
	State       *state.DashboardState `json:"state,omitempty"`
	Path        string                `json:"path,omitempty"`
	Value       json.RawMessage       `json:"value,omitempty"`
	OriginTabID string                `json:"origin_tab_id,omitempty"`
	Task        *Task                 `json:"task,omitempty"`
	Error       string                `json:"error,omitempty"`
	Code        string                `json:"code,omitempty"`
}

// handleWS handles GET /ws. The first frame must be a join naming the tab;
// after that the connection is a member of the principal's dashboard room
// until it closes.
func (g *Gateway) handleWS(w http.ResponseWriter, r *http.Request) {
	principal, err := g.resolver.Resolve(r)
	if err != nil {
		g.sendJSONError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	var join clientFrame
	if err := conn.ReadJSON(&join); err != nil || join.Type != "join" || join.TabID == "" {
		conn.WriteJSON(serverFrame{Type: "error", Code: "bad_join", Error: "first frame must be a join with tab_id"})
		return
	}

	key := state.Key{WorkspaceID: principal.WorkspaceID, UserID: principal.UserID}
	session := &wsSession{
		gateway:   g,
		conn:      conn,
		key:       key,
		tabID:     join.TabID,
		principal: principal,
		outbound:  make(chan serverFrame, 32),
	}
	session.run(r.Context(), join.State)
}

// wsSession is one connected tab. A single writer goroutine owns the
// connection's write side; the read loop and task waiters hand frames to it
// through the outbound channel.
type wsSession struct {
	gateway   *Gateway
	conn      *websocket.Conn
	key       state.Key
	tabID     string
	principal Principal
	outbound  chan serverFrame
}

func (s *wsSession) run(parent context.Context, held *state.DashboardState) {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	events := s.gateway.hub.Join(ctx, s.key, s.tabID)
	defer s.gateway.hub.Leave(s.key, s.tabID)

	// Joining always starts from a full snapshot; the tab must never have to
	// reconstruct state from deltas it may have missed. A tab rejoining with
	// state held across a disconnect goes through reconciliation first, and
	// the room sees the outcome.
	var doc *state.DashboardState
	var err error
	if held != nil {
		doc, err = s.gateway.states.Reconcile(ctx, s.key, held)
		if err == nil {
			s.gateway.hub.Broadcast(s.key, synchub.Event{
				Type:        "state",
				Version:     doc.Version,
				State:       doc,
				OriginTabID: s.tabID,
			})
		}
	} else {
		doc, err = s.gateway.states.Get(ctx, s.key)
	}
	if err != nil {
		s.gateway.logger.Error("initial state load failed", "key", s.key.String(), "error", err)
		return
	}
	s.send(serverFrame{Type: "state", Version: doc.Version, State: doc})

	writeDone := make(chan struct{})
	go func() {
		defer close(writeDone)
		s.writeLoop(ctx, events)
	}()

	s.readLoop(ctx)
	cancel()
	<-writeDone
}

func (s *wsSession) writeLoop(ctx context.Context, events <-chan synchub.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := s.conn.WriteJSON(eventFrame(ev)); err != nil {
				return
			}
		case frame := <-s.outbound:
			if err := s.conn.WriteJSON(frame); err != nil {
				return
			}
		}
	}
}

func (s *wsSession) readLoop(ctx context.Context) {
	for {
		var frame clientFrame
		if err := s.conn.ReadJSON(&frame); err != nil {
			return
		}

		switch frame.Type {
		case "delta":
			s.handleDelta(ctx, frame)
		case "invoke":
			s.handleInvoke(ctx, frame)
		case "cancel":
			s.handleCancel(frame)
		case "resync":
			if err := s.gateway.hub.Resync(ctx, s.key, s.tabID); err != nil {
				s.send(serverFrame{Type: "error", Code: "resync_failed", Error: err.Error()})
			}
		case "join":
			s.send(serverFrame{Type: "error", Code: "already_joined", Error: "connection is already in a room"})
		default:
			s.send(serverFrame{Type: "error", Code: "unknown_frame", Error: "unknown frame type: " + frame.Type})
		}
	}
}

// handleDelta applies the change and fans it out to the rest of the room.
// The originating tab gets a direct ack carrying the accepted version; the
// hub suppresses the echo.
func (s *wsSession) handleDelta(ctx context.Context, frame clientFrame) {
	doc, err := s.gateway.states.Apply(ctx, s.key, state.Delta{
		Path:        frame.Path,
		Value:       frame.Value,
		OriginTabID: s.tabID,
		BaseVersion: frame.BaseVersion,
	})
	if err != nil {
		var conflict *state.VersionConflictError
		var tooLarge *state.StateTooLargeError
		switch {
		case errors.As(err, &conflict):
			s.send(serverFrame{
				Type:    "error",
				Code:    "version_conflict",
				Error:   err.Error(),
				Version: conflict.Current.Version,
				State:   conflict.Current,
			})
		case errors.As(err, &tooLarge):
			s.send(serverFrame{Type: "error", Code: "state_too_large", Error: err.Error()})
		default:
			s.send(serverFrame{Type: "error", Code: "bad_delta", Error: err.Error()})
		}
		return
	}

	s.gateway.hub.Broadcast(s.key, synchub.Event{
		Type:        "delta",
		Path:        frame.Path,
		Value:       frame.Value,
		Version:     doc.Version,
		OriginTabID: s.tabID,
	})
	s.send(serverFrame{Type: "delta", Path: frame.Path, Version: doc.Version})
}

// handleInvoke submits a routed task. The tab gets a partial frame straight
// away and a result frame when the task reaches a terminal state, even if
// that is long after this read iteration.
func (s *wsSession) handleInvoke(ctx context.Context, frame clientFrame) {
	if len(frame.Message.Parts) == 0 {
		s.send(serverFrame{Type: "error", Code: "bad_invoke", Error: "message must have at least one part"})
		return
	}
	taskType := frame.TaskType
	if taskType == "" {
		taskType = "default"
	}

	task := s.gateway.tasks.Submit(ctx, &routing.TaskRequest{
		TaskID:         frame.TaskID,
		TaskType:       taskType,
		ExplicitTarget: frame.Target,
		WorkspaceID:    s.principal.WorkspaceID,
		UserID:         s.principal.UserID,
		Message:        frame.Message,
	})
	s.send(serverFrame{Type: "partial", Task: &task})

	go func() {
		final, err := s.gateway.tasks.Wait(ctx, task.ID)
		if err != nil {
			return
		}
		s.send(serverFrame{Type: "result", Task: &final})
	}()
}

func (s *wsSession) handleCancel(frame clientFrame) {
	task, err := s.gateway.tasks.Cancel(s.principal.WorkspaceID, frame.TaskID)
	if errors.Is(err, ErrTaskNotFound) {
		s.send(serverFrame{Type: "error", Code: "task_not_found", Error: "task not found: " + frame.TaskID})
		return
	}
	s.send(serverFrame{Type: "partial", Task: &task})
}

// send hands a frame to the writer goroutine without blocking the caller.
func (s *wsSession) send(frame serverFrame) {
	select {
	case s.outbound <- frame:
	default:
		s.gateway.logger.Debug("dropped outbound frame for slow connection",
			"tab_id", s.tabID,
			"type", frame.Type)
	}
}

func eventFrame(ev synchub.Event) serverFrame {
	return serverFrame{
		Type:        ev.Type,
		Path:        ev.Path,
		Value:       ev.Value,
		Version:     ev.Version,
		State:       ev.State,
		OriginTabID: ev.OriginTabID,
	}
}
