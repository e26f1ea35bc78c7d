// ABOUTME: StateDelta type and the typed errors for rejected applies.
// ABOUTME: VersionConflict carries the authoritative state for reconciliation.

package state

import (
	"encoding/json"
	"fmt"
)

// Delta is one proposed change to a dashboard state document. BaseVersion is
// the version the client computed the change against; the apply is accepted
// only if it still matches.
type Delta struct {
	Path        string          `json:"path"`
	Value       json.RawMessage `json:"value"`
	OriginTabID string          `json:"origin_tab_id,omitempty"`
	BaseVersion uint64          `json:"base_version"`
}

// VersionConflictError rejects a stale delta. Current is the authoritative
// document at its latest version so the client can reconcile and retry.
type VersionConflictError struct {
	Current *DashboardState
}

func (e *VersionConflictError) Error() string {
	return fmt.Sprintf("version conflict: current version is %d", e.Current.Version)
}

// StateTooLargeError rejects a delta that would push the serialized document
// past the byte ceiling. The document is left untouched; truncating silently
// is not an option.
type StateTooLargeError struct {
	Size  int
	Limit int
}

func (e *StateTooLargeError) Error() string {
	return fmt.Sprintf("state too large: %d bytes exceeds ceiling of %d", e.Size, e.Limit)
}
