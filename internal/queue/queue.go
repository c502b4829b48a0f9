// Package queue orders outbound save operations into strict priority
// bands, collapses redundant writes by dedup key, and persists its
// contents so queued work survives a process restart. It performs no
// network I/O; the coordinator dequeues from it.
package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/prefsync/prefsync/internal/bus"
	"github.com/prefsync/prefsync/internal/domain/operation"
	"github.com/prefsync/prefsync/internal/storage"
)

const DefaultMaxConcurrent = 5

var ErrNotFound = errors.New("operation not found")

// persistedQueues is the on-disk document shape. Dispatched holds
// operations that were in flight at write time; they are restored as
// queued so a restart mid-send cannot lose them.
type persistedQueues struct {
	Queues     map[string][]*operation.Operation `json:"queues"`
	Dispatched []*operation.Operation            `json:"dispatched,omitempty"`
}

// Config wires queue collaborators.
type Config struct {
	// Store persists queue contents; nil disables persistence.
	Store storage.Store
	// Namespace keys the persisted document in the store.
	Namespace     string
	MaxConcurrent int
	Bus           *bus.Bus
	Logger        zerolog.Logger
}

// Queue is a priority request queue with deduplication and admission
// control.
type Queue struct {
	mu            sync.Mutex
	bands         map[operation.Priority][]*operation.Operation
	byDedup       map[string]*operation.Operation
	dispatched    map[string]*operation.Operation
	inFlight      int
	maxConcurrent int
	dedupedTotal  int

	store     storage.Store
	namespace string
	events    *bus.Bus
	logger    zerolog.Logger
}

var bandOrder = []operation.Priority{
	operation.PriorityHigh,
	operation.PriorityNormal,
	operation.PriorityLow,
}

// New builds a queue and restores any persisted contents. A persisted
// document that fails schema validation is ignored wholesale.
func New(cfg Config) *Queue {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = DefaultMaxConcurrent
	}
	if cfg.Bus == nil {
		cfg.Bus = bus.New()
	}
	q := &Queue{
		bands:         map[operation.Priority][]*operation.Operation{},
		byDedup:       map[string]*operation.Operation{},
		dispatched:    map[string]*operation.Operation{},
		maxConcurrent: cfg.MaxConcurrent,
		store:         cfg.Store,
		namespace:     cfg.Namespace,
		events:        cfg.Bus,
		logger:        cfg.Logger.With().Str("service", "queue").Logger(),
	}
	q.restore()
	return q
}

// Enqueue admits an operation. If a non-terminal operation with the
// same dedup key is already queued, the existing entry absorbs the new
// payload in place, keeping its queue position; priority is upgraded
// only when the new operation outranks it. Returns the ID of the entry
// that will be dispatched.
func (q *Queue) Enqueue(op *operation.Operation) (string, error) {
	if op == nil {
		return "", errors.New("nil operation")
	}
	if err := op.Validate(); err != nil {
		return "", err
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	if existing, ok := q.byDedup[op.DedupKey]; ok {
		existing.Payload = op.Payload
		if op.Priority.Outranks(existing.Priority) {
			q.removeFromBandLocked(existing)
			existing.Priority = op.Priority
			q.bands[existing.Priority] = append(q.bands[existing.Priority], existing)
		}
		q.dedupedTotal++
		q.persistLocked()
		q.events.Publish(bus.EventOperationDeduped, existing.ID)
		return existing.ID, nil
	}

	q.bands[op.Priority] = append(q.bands[op.Priority], op)
	q.byDedup[op.DedupKey] = op
	q.persistLocked()
	q.events.Publish(bus.EventOperationEnqueued, op.ID)
	return op.ID, nil
}

// DequeueNext pops the next operation in priority-then-FIFO order and
// counts it as in flight. The operation stays in the persisted document
// under the dispatched section until Release, so it survives a restart
// while the send is in progress. Returns nil when the queue is empty.
// Callers must check CanAdmitMore first and call Release when the
// operation completes.
func (q *Queue) DequeueNext() *operation.Operation {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, pri := range bandOrder {
		band := q.bands[pri]
		if len(band) == 0 {
			continue
		}
		op := band[0]
		q.bands[pri] = band[1:]
		delete(q.byDedup, op.DedupKey)
		q.dispatched[op.ID] = op
		q.inFlight++
		q.persistLocked()
		return op
	}
	return nil
}

// Requeue puts a dequeued operation back at the head of its band, e.g.
// when the dispatcher finds the circuit open. The in-flight slot is
// released.
func (q *Queue) Requeue(op *operation.Operation) {
	if op == nil {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.dispatched, op.ID)
	if existing, ok := q.byDedup[op.DedupKey]; ok {
		// A newer write for the same key arrived while this one was out;
		// the newer payload supersedes it.
		existing.Attempts = op.Attempts
	} else {
		q.bands[op.Priority] = append([]*operation.Operation{op}, q.bands[op.Priority]...)
		q.byDedup[op.DedupKey] = op
	}
	if q.inFlight > 0 {
		q.inFlight--
	}
	q.persistLocked()
}

// Release frees one in-flight slot after an operation resolves and
// removes it from the persisted document.
func (q *Queue) Release(op *operation.Operation) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if op != nil {
		delete(q.dispatched, op.ID)
	}
	if q.inFlight > 0 {
		q.inFlight--
	}
	q.persistLocked()
}

// HasPending reports whether a queued, not yet dispatched operation
// exists for the dedup key.
func (q *Queue) HasPending(dedupKey string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.byDedup[dedupKey]
	return ok
}

// CanAdmitMore reports whether another operation may be dispatched.
func (q *Queue) CanAdmitMore() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.inFlight < q.maxConcurrent
}

// Cancel removes a queued (not yet dispatched) operation.
func (q *Queue) Cancel(operationID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for pri, band := range q.bands {
		for i, op := range band {
			if op.ID == operationID {
				q.bands[pri] = append(band[:i], band[i+1:]...)
				delete(q.byDedup, op.DedupKey)
				q.persistLocked()
				q.events.Publish(bus.EventOperationCancelled, op.ID)
				return nil
			}
		}
	}
	return ErrNotFound
}

// Len returns the number of queued (not in-flight) operations.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, band := range q.bands {
		n += len(band)
	}
	return n
}

// InFlight returns the number of dispatched, unresolved operations.
func (q *Queue) InFlight() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.inFlight
}

// DedupedTotal counts enqueues collapsed into an existing entry.
func (q *Queue) DedupedTotal() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dedupedTotal
}

// Snapshot returns queued operations in dispatch order.
func (q *Queue) Snapshot() []*operation.Operation {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := []*operation.Operation{}
	for _, pri := range bandOrder {
		for _, op := range q.bands[pri] {
			cp := *op
			out = append(out, &cp)
		}
	}
	return out
}

func (q *Queue) removeFromBandLocked(target *operation.Operation) {
	band := q.bands[target.Priority]
	for i, op := range band {
		if op.ID == target.ID {
			q.bands[target.Priority] = append(band[:i], band[i+1:]...)
			return
		}
	}
}

func (q *Queue) persistLocked() {
	if q.store == nil {
		return
	}
	doc := persistedQueues{Queues: map[string][]*operation.Operation{}}
	for _, pri := range bandOrder {
		doc.Queues[string(pri)] = append([]*operation.Operation{}, q.bands[pri]...)
	}
	for _, op := range q.dispatched {
		doc.Dispatched = append(doc.Dispatched, op)
	}
	data, err := json.Marshal(doc)
	if err != nil {
		q.logger.Warn().Err(err).Msg("marshal queue state")
		return
	}
	if err := q.store.Set(q.persistKey(), string(data)); err != nil {
		q.logger.Warn().Err(err).Msg("persist queue state")
	}
}

func (q *Queue) restore() {
	if q.store == nil {
		return
	}
	raw, ok, err := q.store.Get(q.persistKey())
	if err != nil || !ok {
		return
	}
	dispatched, queued, err := decodePersisted(raw)
	if err != nil {
		q.logger.Warn().Err(err).Msg("ignoring persisted queue state")
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	// Interrupted in-flight operations become queued again, ahead of
	// operations that had not been dispatched yet.
	for _, op := range dispatched {
		q.bands[op.Priority] = append(q.bands[op.Priority], op)
		q.byDedup[op.DedupKey] = op
	}
	for _, op := range queued {
		if existing, ok := q.byDedup[op.DedupKey]; ok {
			// A newer write for the same key was queued behind the
			// interrupted one; its payload supersedes.
			existing.Payload = op.Payload
			if op.Priority.Outranks(existing.Priority) {
				q.removeFromBandLocked(existing)
				existing.Priority = op.Priority
				q.bands[existing.Priority] = append(q.bands[existing.Priority], existing)
			}
			continue
		}
		q.bands[op.Priority] = append(q.bands[op.Priority], op)
		q.byDedup[op.DedupKey] = op
	}
	q.persistLocked()
	q.logger.Info().
		Int("restored", len(queued)).
		Int("recovered_in_flight", len(dispatched)).
		Msg("restored queued operations")
}

// decodePersisted validates the whole persisted document; any invalid
// entry rejects the restoration.
func decodePersisted(raw string) (dispatched, queued []*operation.Operation, err error) {
	var doc persistedQueues
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return nil, nil, err
	}
	if doc.Queues == nil {
		return nil, nil, errors.New("missing queues field")
	}
	seen := map[string]struct{}{}
	for _, op := range doc.Dispatched {
		if op == nil {
			return nil, nil, errors.New("null operation entry")
		}
		if err := op.Validate(); err != nil {
			return nil, nil, err
		}
		if _, dup := seen[op.DedupKey]; dup {
			return nil, nil, fmt.Errorf("duplicate dedup key %s", op.DedupKey)
		}
		seen[op.DedupKey] = struct{}{}
		dispatched = append(dispatched, op)
	}
	// A queued entry may share a dedup key with a dispatched one: that
	// is a newer write captured while the older was in flight.
	seen = map[string]struct{}{}
	for _, pri := range bandOrder {
		for _, op := range doc.Queues[string(pri)] {
			if op == nil {
				return nil, nil, errors.New("null operation entry")
			}
			if err := op.Validate(); err != nil {
				return nil, nil, err
			}
			if op.Priority != pri {
				return nil, nil, fmt.Errorf("operation %s filed under wrong band", op.ID)
			}
			if _, dup := seen[op.DedupKey]; dup {
				return nil, nil, fmt.Errorf("duplicate dedup key %s", op.DedupKey)
			}
			seen[op.DedupKey] = struct{}{}
			queued = append(queued, op)
		}
	}
	return dispatched, queued, nil
}

func (q *Queue) persistKey() string {
	return q.namespace + ":queue"
}
