package queue

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prefsync/prefsync/internal/domain/operation"
	"github.com/prefsync/prefsync/internal/storage"
)

func newTestQueue(t *testing.T, store storage.Store) *Queue {
	t.Helper()
	return New(Config{Store: store, Namespace: "test", MaxConcurrent: 5})
}

func TestPriorityThenFIFOOrder(t *testing.T) {
	q := newTestQueue(t, nil)

	l1 := operation.New("settings.save", "k1", nil, operation.PriorityLow)
	h1 := operation.New("settings.save", "k2", nil, operation.PriorityHigh)
	n1 := operation.New("settings.save", "k3", nil, operation.PriorityNormal)
	h2 := operation.New("settings.save", "k4", nil, operation.PriorityHigh)

	for _, op := range []*operation.Operation{l1, h1, n1, h2} {
		_, err := q.Enqueue(op)
		require.NoError(t, err)
	}

	var got []string
	for {
		op := q.DequeueNext()
		if op == nil {
			break
		}
		got = append(got, op.ID)
	}
	assert.Equal(t, []string{h1.ID, h2.ID, n1.ID, l1.ID}, got)
}

func TestDedupCollapsesInPlace(t *testing.T) {
	q := newTestQueue(t, nil)

	first := operation.New("settings.save", "theme", json.RawMessage(`"dark"`), operation.PriorityNormal)
	id1, err := q.Enqueue(first)
	require.NoError(t, err)

	second := operation.New("settings.save", "theme", json.RawMessage(`"light"`), operation.PriorityNormal)
	id2, err := q.Enqueue(second)
	require.NoError(t, err)

	assert.Equal(t, id1, id2, "dedup must keep the original entry")
	assert.Equal(t, 1, q.Len())
	assert.Equal(t, 1, q.DedupedTotal())

	op := q.DequeueNext()
	require.NotNil(t, op)
	assert.Equal(t, json.RawMessage(`"light"`), op.Payload, "payload must be replaced")
	assert.Nil(t, q.DequeueNext())
}

func TestDedupKeepsPositionButUpgradesPriority(t *testing.T) {
	q := newTestQueue(t, nil)

	other := operation.New("settings.save", "other", nil, operation.PriorityNormal)
	target := operation.New("settings.save", "theme", nil, operation.PriorityLow)
	_, err := q.Enqueue(other)
	require.NoError(t, err)
	_, err = q.Enqueue(target)
	require.NoError(t, err)

	// Re-enqueue with higher priority: upgraded in place, ahead of the
	// earlier normal entry.
	upgrade := operation.New("settings.save", "theme", nil, operation.PriorityHigh)
	id, err := q.Enqueue(upgrade)
	require.NoError(t, err)
	assert.Equal(t, target.ID, id)

	first := q.DequeueNext()
	require.NotNil(t, first)
	assert.Equal(t, target.ID, first.ID)
	assert.Equal(t, operation.PriorityHigh, first.Priority)

	// A lower priority never downgrades.
	_, err = q.Enqueue(operation.New("settings.save", "other", nil, operation.PriorityLow))
	require.NoError(t, err)
	next := q.DequeueNext()
	require.NotNil(t, next)
	assert.Equal(t, operation.PriorityNormal, next.Priority)
}

func TestDedupInvariantUnderRepeatedEnqueues(t *testing.T) {
	q := newTestQueue(t, nil)
	for i := 0; i < 20; i++ {
		_, err := q.Enqueue(operation.New("settings.save", "theme", nil, operation.PriorityNormal))
		require.NoError(t, err)
	}
	assert.Equal(t, 1, q.Len())
	assert.Equal(t, 19, q.DedupedTotal())
}

func TestAdmissionBound(t *testing.T) {
	q := newTestQueue(t, nil)
	for i := 0; i < 6; i++ {
		_, err := q.Enqueue(operation.New("settings.save", string(rune('a'+i)), nil, operation.PriorityNormal))
		require.NoError(t, err)
	}

	var inFlight []*operation.Operation
	for i := 0; i < 5; i++ {
		require.True(t, q.CanAdmitMore())
		op := q.DequeueNext()
		require.NotNil(t, op)
		inFlight = append(inFlight, op)
	}
	assert.False(t, q.CanAdmitMore(), "5 in flight must block admission")

	q.Release(inFlight[0])
	assert.True(t, q.CanAdmitMore(), "a completion must free one slot")
}

func TestCancelQueuedOperation(t *testing.T) {
	q := newTestQueue(t, nil)
	op := operation.New("settings.save", "theme", nil, operation.PriorityNormal)
	id, err := q.Enqueue(op)
	require.NoError(t, err)

	require.NoError(t, q.Cancel(id))
	assert.Equal(t, 0, q.Len())
	assert.Nil(t, q.DequeueNext())
	assert.ErrorIs(t, q.Cancel(id), ErrNotFound)

	// Cancelling frees the dedup slot for a fresh enqueue.
	fresh := operation.New("settings.save", "theme", nil, operation.PriorityNormal)
	freshID, err := q.Enqueue(fresh)
	require.NoError(t, err)
	assert.NotEqual(t, id, freshID)
}

func TestPersistenceSurvivesRestart(t *testing.T) {
	store := storage.NewMemory(0)
	q := newTestQueue(t, store)

	h := operation.New("settings.save", "a", json.RawMessage(`1`), operation.PriorityHigh)
	n := operation.New("settings.save", "b", json.RawMessage(`2`), operation.PriorityNormal)
	_, err := q.Enqueue(n)
	require.NoError(t, err)
	_, err = q.Enqueue(h)
	require.NoError(t, err)

	restored := newTestQueue(t, store)
	assert.Equal(t, 2, restored.Len())

	first := restored.DequeueNext()
	require.NotNil(t, first)
	assert.Equal(t, h.ID, first.ID)
	second := restored.DequeueNext()
	require.NotNil(t, second)
	assert.Equal(t, n.ID, second.ID)
}

func TestInFlightOperationSurvivesRestart(t *testing.T) {
	store := storage.NewMemory(0)
	q := newTestQueue(t, store)

	op := operation.New("settings.save", "theme", json.RawMessage(`"dark"`), operation.PriorityNormal)
	_, err := q.Enqueue(op)
	require.NoError(t, err)
	require.NotNil(t, q.DequeueNext(), "operation goes in flight")

	// The process dies mid-send: a rebuilt queue must still hold it.
	restored := newTestQueue(t, store)
	assert.Equal(t, 1, restored.Len())

	got := restored.DequeueNext()
	require.NotNil(t, got)
	assert.Equal(t, op.ID, got.ID)
	assert.Equal(t, json.RawMessage(`"dark"`), got.Payload)
}

func TestRestoredInFlightPrecedesQueuedAndDedupes(t *testing.T) {
	store := storage.NewMemory(0)
	q := newTestQueue(t, store)

	stale := operation.New("settings.save", "theme", json.RawMessage(`"dark"`), operation.PriorityNormal)
	_, err := q.Enqueue(stale)
	require.NoError(t, err)
	require.NotNil(t, q.DequeueNext())

	// While the first send is in flight, a newer write for the same key
	// and an unrelated one are queued behind it.
	newer := operation.New("settings.save", "theme", json.RawMessage(`"light"`), operation.PriorityNormal)
	_, err = q.Enqueue(newer)
	require.NoError(t, err)
	other := operation.New("settings.save", "fontSize", json.RawMessage(`12`), operation.PriorityNormal)
	_, err = q.Enqueue(other)
	require.NoError(t, err)

	restored := newTestQueue(t, store)
	assert.Equal(t, 2, restored.Len(), "same-key entries must collapse on restore")

	first := restored.DequeueNext()
	require.NotNil(t, first)
	assert.Equal(t, stale.ID, first.ID, "interrupted operation dispatches first")
	assert.Equal(t, json.RawMessage(`"light"`), first.Payload, "newer payload supersedes")
	second := restored.DequeueNext()
	require.NotNil(t, second)
	assert.Equal(t, other.ID, second.ID)
}

func TestReleaseRemovesOperationFromPersistence(t *testing.T) {
	store := storage.NewMemory(0)
	q := newTestQueue(t, store)

	op := operation.New("settings.save", "theme", nil, operation.PriorityNormal)
	_, err := q.Enqueue(op)
	require.NoError(t, err)
	got := q.DequeueNext()
	require.NotNil(t, got)
	q.Release(got)

	restored := newTestQueue(t, store)
	assert.Equal(t, 0, restored.Len(), "completed operation must not be restored")
	assert.Nil(t, restored.DequeueNext())
}

func TestRestoreSkipsInvalidDocument(t *testing.T) {
	store := storage.NewMemory(0)
	require.NoError(t, store.Set("test:queue", `{"queues":{"high":[{"id":"x"}]}}`))

	q := newTestQueue(t, store)
	assert.Equal(t, 0, q.Len(), "schema-invalid document must be ignored")

	require.NoError(t, store.Set("test:queue", `not json`))
	q = newTestQueue(t, store)
	assert.Equal(t, 0, q.Len())
}

func TestRequeuePutsOperationAtBandHead(t *testing.T) {
	q := newTestQueue(t, nil)
	a := operation.New("settings.save", "a", nil, operation.PriorityNormal)
	b := operation.New("settings.save", "b", nil, operation.PriorityNormal)
	_, err := q.Enqueue(a)
	require.NoError(t, err)
	_, err = q.Enqueue(b)
	require.NoError(t, err)

	op := q.DequeueNext()
	require.Equal(t, a.ID, op.ID)
	require.Equal(t, 1, q.InFlight())

	q.Requeue(op)
	assert.Equal(t, 0, q.InFlight())

	next := q.DequeueNext()
	require.NotNil(t, next)
	assert.Equal(t, a.ID, next.ID, "requeued operation keeps its turn")
}
