package operation

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewOperation(t *testing.T) {
	payload := json.RawMessage(`{"value":"dark"}`)
	op := New("settings.save", "theme", payload, PriorityNormal)

	require.NotNil(t, op)
	assert.NotEmpty(t, op.ID)
	assert.Equal(t, "settings.save", op.Action)
	assert.Equal(t, payload, op.Payload)
	assert.Equal(t, PriorityNormal, op.Priority)
	assert.Equal(t, "settings.save:theme", op.DedupKey)
	assert.False(t, op.EnqueuedAt.IsZero())
	assert.Equal(t, 0, op.Attempts)
}

func TestDedupKeySharedAcrossEnqueues(t *testing.T) {
	a := New("settings.save", "theme", nil, PriorityLow)
	b := New("settings.save", "theme", nil, PriorityHigh)
	c := New("settings.save", "locale", nil, PriorityHigh)

	assert.Equal(t, a.DedupKey, b.DedupKey)
	assert.NotEqual(t, a.DedupKey, c.DedupKey)
	assert.NotEqual(t, a.ID, b.ID)
}

func TestPriorityOrdering(t *testing.T) {
	assert.True(t, PriorityHigh.Outranks(PriorityNormal))
	assert.True(t, PriorityNormal.Outranks(PriorityLow))
	assert.False(t, PriorityLow.Outranks(PriorityHigh))
	assert.False(t, PriorityNormal.Outranks(PriorityNormal))
}

func TestValidate(t *testing.T) {
	op := New("settings.save", "theme", nil, PriorityNormal)
	require.NoError(t, op.Validate())

	bad := *op
	bad.Priority = Priority("URGENT")
	assert.ErrorIs(t, bad.Validate(), ErrInvalidPriority)

	bad = *op
	bad.ID = ""
	assert.Error(t, bad.Validate())

	bad = *op
	bad.Action = ""
	assert.Error(t, bad.Validate())
}
