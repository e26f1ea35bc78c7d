// ABOUTME: Unit tests for delta path application and document cloning.

package state

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApplyPath_RejectsMalformedPaths(t *testing.T) {
	doc := NewDashboardState(testKey)

	cases := []struct {
		name string
		path string
	}{
		{"unknown root", "sidebar.open"},
		{"loading with subpath", "loading.extra"},
		{"bare errors", "errors"},
		{"bare widgets", "widgets"},
		{"alerts with subpath", "alerts.recent"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := doc.applyPath(tc.path, json.RawMessage(`true`))
			assert.Error(t, err)
		})
	}
}

func TestApplyPath_RejectsWrongValueType(t *testing.T) {
	doc := NewDashboardState(testKey)

	assert.Error(t, doc.applyPath("errors.agent-a", json.RawMessage(`42`)))
	assert.Error(t, doc.applyPath("widgets.chart", json.RawMessage(`"not an object"`)))
}

func TestClone_IsDeep(t *testing.T) {
	doc := NewDashboardState(testKey)
	require.NoError(t, doc.applyPath("widgets.chart", json.RawMessage(`{"type":"line"}`)))
	require.NoError(t, doc.applyPath("alerts", json.RawMessage(`{"sev":"high"}`)))

	cp := doc.Clone()
	cp.Widgets["chart"]["type"] = "bar"
	cp.Errors["x"] = "boom"
	cp.Alerts[0].ID = "mutated"

	assert.Equal(t, "line", doc.Widgets["chart"]["type"])
	assert.Empty(t, doc.Errors)
	assert.Empty(t, doc.Alerts[0].ID)
}

func TestMigratePayload_NewerSchemaFails(t *testing.T) {
	_, err := migratePayload([]byte(`{}`), CurrentSchemaVersion+1)
	assert.Error(t, err)
}
