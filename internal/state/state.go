// ABOUTME: DashboardState document model, delta application, bounded collections.
// ABOUTME: The version counter and byte ceiling invariants are enforced here.

package state

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// CurrentSchemaVersion is the schema this build writes. Older persisted
// documents are migrated on load.
const CurrentSchemaVersion = 2

// Bounded collection caps. Oldest entries are evicted first.
const (
	MaxAlerts   = 50
	MaxActivity = 100
	MaxMetrics  = 50
)

// Key identifies one shared dashboard state document.
type Key struct {
	WorkspaceID string
	UserID      string
}

// String renders the persistence key, "state:{workspace_id}:{user_id}".
func (k Key) String() string {
	return "state:" + k.WorkspaceID + ":" + k.UserID
}

// Entry is one element of a bounded collection (alerts, activity, metrics).
type Entry struct {
	ID        string          `json:"id,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// DashboardState is the root aggregate for one dashboard key. Version
// strictly increases on every accepted mutation and never repeats.
type DashboardState struct {
	SchemaVersion int       `json:"schema_version"`
	Version       uint64    `json:"version"`
	Timestamp     time.Time `json:"timestamp"`

	WorkspaceID string `json:"workspace_id"`
	UserID      string `json:"user_id"`

	Widgets  map[string]map[string]any `json:"widgets"`
	Loading  bool                      `json:"loading"`
	Errors   map[string]string         `json:"errors"`
	Alerts   []Entry                   `json:"alerts"`
	Activity []Entry                   `json:"activity"`
	Metrics  []Entry                   `json:"metrics"`
}

// NewDashboardState creates the initial empty document for a key.
func NewDashboardState(key Key) *DashboardState {
	return &DashboardState{
		SchemaVersion: CurrentSchemaVersion,
		Version:       0,
		Timestamp:     time.Now(),
		WorkspaceID:   key.WorkspaceID,
		UserID:        key.UserID,
		Widgets:       make(map[string]map[string]any),
		Errors:        make(map[string]string),
	}
}

// Clone deep-copies the document so snapshots handed to broadcast and
// conflict responses stay immutable.
func (s *DashboardState) Clone() *DashboardState {
	out := *s
	out.Widgets = make(map[string]map[string]any, len(s.Widgets))
	for id, w := range s.Widgets {
		cp := make(map[string]any, len(w))
		for k, v := range w {
			cp[k] = v
		}
		out.Widgets[id] = cp
	}
	out.Errors = make(map[string]string, len(s.Errors))
	for k, v := range s.Errors {
		out.Errors[k] = v
	}
	out.Alerts = append([]Entry(nil), s.Alerts...)
	out.Activity = append([]Entry(nil), s.Activity...)
	out.Metrics = append([]Entry(nil), s.Metrics...)
	return &out
}

// applyPath mutates the document at a dot path. Supported shapes:
//
//	loading                   bool
//	errors.<agent_id>         string; null deletes the entry
//	widgets.<id>              object replacing the whole widget; null deletes
//	widgets.<id>.<field>...   nested field set within one widget
//	alerts | activity | metrics   append an Entry, bounded
func (s *DashboardState) applyPath(path string, value json.RawMessage) error {
	segments := strings.Split(path, ".")
	switch segments[0] {
	case "loading":
		if len(segments) != 1 {
			return fmt.Errorf("invalid path %q", path)
		}
		return json.Unmarshal(value, &s.Loading)

	case "errors":
		if len(segments) != 2 {
			return fmt.Errorf("invalid path %q", path)
		}
		if isJSONNull(value) {
			delete(s.Errors, segments[1])
			return nil
		}
		var msg string
		if err := json.Unmarshal(value, &msg); err != nil {
			return fmt.Errorf("path %q expects a string: %w", path, err)
		}
		s.Errors[segments[1]] = msg
		return nil

	case "widgets":
		if len(segments) < 2 {
			return fmt.Errorf("invalid path %q", path)
		}
		widgetID := segments[1]
		if len(segments) == 2 {
			if isJSONNull(value) {
				delete(s.Widgets, widgetID)
				return nil
			}
			var w map[string]any
			if err := json.Unmarshal(value, &w); err != nil {
				return fmt.Errorf("path %q expects an object: %w", path, err)
			}
			s.Widgets[widgetID] = w
			return nil
		}
		widget, ok := s.Widgets[widgetID]
		if !ok {
			widget = make(map[string]any)
			s.Widgets[widgetID] = widget
		}
		return setNested(widget, segments[2:], value, path)

	case "alerts", "activity", "metrics":
		if len(segments) != 1 {
			return fmt.Errorf("invalid path %q", path)
		}
		entry := Entry{Timestamp: time.Now(), Data: append(json.RawMessage(nil), value...)}
		switch segments[0] {
		case "alerts":
			s.Alerts = appendBounded(s.Alerts, entry, MaxAlerts)
		case "activity":
			s.Activity = appendBounded(s.Activity, entry, MaxActivity)
		case "metrics":
			s.Metrics = appendBounded(s.Metrics, entry, MaxMetrics)
		}
		return nil

	default:
		return fmt.Errorf("unknown path root %q", segments[0])
	}
}

// setNested walks intermediate maps, creating them as needed, and sets the
// leaf to the decoded value.
func setNested(node map[string]any, segments []string, value json.RawMessage, fullPath string) error {
	for _, seg := range segments[:len(segments)-1] {
		child, ok := node[seg].(map[string]any)
		if !ok {
			child = make(map[string]any)
			node[seg] = child
		}
		node = child
	}
	leaf := segments[len(segments)-1]
	if isJSONNull(value) {
		delete(node, leaf)
		return nil
	}
	var decoded any
	if err := json.Unmarshal(value, &decoded); err != nil {
		return fmt.Errorf("path %q has invalid JSON value: %w", fullPath, err)
	}
	node[leaf] = decoded
	return nil
}

// appendBounded appends and evicts from the front past the limit.
func appendBounded(list []Entry, entry Entry, limit int) []Entry {
	list = append(list, entry)
	if len(list) > limit {
		list = list[len(list)-limit:]
	}
	return list
}

func isJSONNull(v json.RawMessage) bool {
	return len(v) == 0 || string(v) == "null"
}
