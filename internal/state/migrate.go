// ABOUTME: Schema migration chain for persisted dashboard state documents.
// ABOUTME: Each step is pure and total over the prior shape; corrupt state resets.

package state

import (
	"encoding/json"
	"fmt"
)

// migration transforms a raw document map from schema n to n+1.
// migrations[0] migrates schema 1 to 2, and so on.
type migration func(doc map[string]any) error

var migrations = []migration{
	migrateV1ToV2,
}

// migrateV1ToV2 upgrades schema 1 documents: the activity list was called
// "events" and the metrics collection did not exist.
func migrateV1ToV2(doc map[string]any) error {
	if events, ok := doc["events"]; ok {
		doc["activity"] = events
		delete(doc, "events")
	}
	if _, ok := doc["metrics"]; !ok {
		doc["metrics"] = []any{}
	}
	return nil
}

// migratePayload unmarshals a persisted payload and applies the migration
// chain from its recorded schema version up to CurrentSchemaVersion.
// Any failure is returned to the caller, which resets to a fresh document;
// migration problems must never crash the read path.
func migratePayload(payload []byte, schemaVersion int) (*DashboardState, error) {
	if schemaVersion > CurrentSchemaVersion {
		return nil, fmt.Errorf("persisted schema %d is newer than supported %d", schemaVersion, CurrentSchemaVersion)
	}
	if schemaVersion < 1 {
		return nil, fmt.Errorf("invalid persisted schema %d", schemaVersion)
	}

	var doc map[string]any
	if err := json.Unmarshal(payload, &doc); err != nil {
		return nil, fmt.Errorf("decoding persisted state: %w", err)
	}

	for v := schemaVersion; v < CurrentSchemaVersion; v++ {
		if err := migrations[v-1](doc); err != nil {
			return nil, fmt.Errorf("migrating schema %d to %d: %w", v, v+1, err)
		}
	}
	doc["schema_version"] = CurrentSchemaVersion

	remarshaled, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("re-encoding migrated state: %w", err)
	}
	var out DashboardState
	if err := json.Unmarshal(remarshaled, &out); err != nil {
		return nil, fmt.Errorf("decoding migrated state: %w", err)
	}
	if out.Widgets == nil {
		out.Widgets = make(map[string]map[string]any)
	}
	if out.Errors == nil {
		out.Errors = make(map[string]string)
	}
	return &out, nil
}
