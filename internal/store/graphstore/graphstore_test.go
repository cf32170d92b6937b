package graphstore

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestSanitizeValueConvertsUUIDs(t *testing.T) {
	id := uuid.New()

	assert.Equal(t, id.String(), sanitizeValue(id))
	assert.Equal(t, "plain", sanitizeValue("plain"))
	assert.Equal(t, 42, sanitizeValue(42))
}

func TestSanitizeValueRecurses(t *testing.T) {
	inner := uuid.New()
	got := sanitizeValue(map[string]interface{}{
		"nested": map[string]interface{}{"id": inner},
		"list":   []interface{}{inner, "x"},
	})

	m, ok := got.(map[string]interface{})
	assert.True(t, ok)
	nested := m["nested"].(map[string]interface{})
	assert.Equal(t, inner.String(), nested["id"])
	list := m["list"].([]interface{})
	assert.Equal(t, inner.String(), list[0])
	assert.Equal(t, "x", list[1])
}

func TestStepNodeIDIsDeterministic(t *testing.T) {
	wf := uuid.New()

	assert.Equal(t, stepNodeID(wf, "fetch"), stepNodeID(wf, "fetch"))
	assert.NotEqual(t, stepNodeID(wf, "fetch"), stepNodeID(wf, "verify"))
	assert.NotEqual(t, stepNodeID(wf, "fetch"), stepNodeID(uuid.New(), "fetch"))
}
