// Package coordinator composes the queue, retry engine, state store and
// peer sync into the single entry point callers mutate settings
// through: a change is validated and committed locally, broadcast to
// peers, then pushed to the backend through the prioritized queue with
// retries and circuit breaking.
package coordinator

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/prefsync/prefsync/internal/backend"
	"github.com/prefsync/prefsync/internal/bus"
	"github.com/prefsync/prefsync/internal/clock"
	"github.com/prefsync/prefsync/internal/domain/operation"
	"github.com/prefsync/prefsync/internal/peersync"
	"github.com/prefsync/prefsync/internal/queue"
	"github.com/prefsync/prefsync/internal/retry"
	"github.com/prefsync/prefsync/internal/state"
)

const (
	ActionSave = "settings.save"

	DefaultRequestTimeout = 10 * time.Second
	// How often the dispatcher re-checks the queue when idle or when a
	// circuit keeps operations parked.
	dispatchPoll = 250 * time.Millisecond
)

// Config wires service collaborators.
type Config struct {
	Queue     *queue.Queue
	Engine    *retry.Engine
	Backend   backend.Backend
	Refresher backend.SessionRefresher
	State     *state.Store
	Peers     *peersync.Manager

	RequestTimeout time.Duration
	Clock          clock.Clock
	Bus            *bus.Bus
	Logger         zerolog.Logger
}

// savePayload is the operation payload for ActionSave.
type savePayload struct {
	Key   string          `json:"key"`
	Value json.RawMessage `json:"value"`
}

// OperationOutcome is published on operation success/failure events.
type OperationOutcome struct {
	OperationID    string               `json:"operationId"`
	Action         string               `json:"action"`
	Attempts       int                  `json:"attempts"`
	Classification retry.Classification `json:"classification,omitempty"`
}

// Service is the coordination facade.
type Service struct {
	queue     *queue.Queue
	engine    *retry.Engine
	backend   backend.Backend
	refresher backend.SessionRefresher
	st        *state.Store
	peers     *peersync.Manager

	requestTimeout time.Duration
	clock          clock.Clock
	events         *bus.Bus
	logger         zerolog.Logger

	wake chan struct{}
	stop chan struct{}
	done chan struct{}
	wg   sync.WaitGroup

	startOnce sync.Once
	stopOnce  sync.Once
}

func New(cfg Config) *Service {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Bus == nil {
		cfg.Bus = bus.New()
	}
	return &Service{
		queue:          cfg.Queue,
		engine:         cfg.Engine,
		backend:        cfg.Backend,
		refresher:      cfg.Refresher,
		st:             cfg.State,
		peers:          cfg.Peers,
		requestTimeout: cfg.RequestTimeout,
		clock:          cfg.Clock,
		events:         cfg.Bus,
		logger:         cfg.Logger.With().Str("service", "coordinator").Logger(),
		wake:           make(chan struct{}, 1),
		stop:           make(chan struct{}),
		done:           make(chan struct{}),
	}
}

// Start launches the dispatch loop.
func (s *Service) Start() {
	s.startOnce.Do(func() {
		go s.run()
	})
}

// Close stops dispatching and waits for in-flight sends to finish.
func (s *Service) Close() {
	s.stopOnce.Do(func() {
		close(s.stop)
		<-s.done
		s.wg.Wait()
	})
}

// SetSetting validates and commits a change locally, announces it to
// peers, and enqueues the backend save. Returns the queued operation
// ID; a dedup hit returns the collapsed-into operation's ID.
func (s *Service) SetSetting(key string, value json.RawMessage, priority operation.Priority) (string, error) {
	if err := s.st.Set(key, value, false); err != nil {
		return "", err
	}
	if s.peers != nil {
		s.peers.BroadcastStateChange(key, value, s.st.LastModified(key))
	}
	if err := s.st.Save(); err != nil {
		// The change is committed in memory and queued for the backend;
		// local persistence will be retried on the next save.
		s.logger.Warn().Err(err).Str("key", key).Msg("persisting state failed")
	}

	payload, err := json.Marshal(savePayload{Key: key, Value: value})
	if err != nil {
		return "", err
	}
	op := operation.New(ActionSave, key, payload, priority)
	id, err := s.queue.Enqueue(op)
	if err != nil {
		return "", err
	}
	s.kick()
	return id, nil
}

// GetSetting returns the current local value for key.
func (s *Service) GetSetting(key string) json.RawMessage {
	return s.st.Get(key, nil)
}

// Settings returns a copy of all current local values.
func (s *Service) Settings() map[string]json.RawMessage {
	return s.st.Fields()
}

// CancelOperation removes a still-pending operation from the queue.
func (s *Service) CancelOperation(operationID string) error {
	if err := s.queue.Cancel(operationID); err != nil {
		return err
	}
	s.events.Publish(bus.EventOperationCancelled, operationID)
	return nil
}

// Status is a point-in-time snapshot for the status API.
type Status struct {
	QueueLength  int                     `json:"queueLength"`
	InFlight     int                     `json:"inFlight"`
	DedupedTotal int                     `json:"dedupedTotal"`
	Circuits     []retry.CircuitSnapshot `json:"circuits"`
	PeerID       string                  `json:"peerId,omitempty"`
	LeaderID     string                  `json:"leaderId,omitempty"`
	IsLeader     bool                    `json:"isLeader"`
	ActivePeers  int                     `json:"activePeers"`
}

func (s *Service) Status() Status {
	st := Status{
		QueueLength:  s.queue.Len(),
		InFlight:     s.queue.InFlight(),
		DedupedTotal: s.queue.DedupedTotal(),
		Circuits:     s.engine.Snapshot(),
	}
	if s.peers != nil {
		st.PeerID = s.peers.SelfID()
		st.LeaderID = s.peers.LeaderID()
		st.IsLeader = s.peers.IsLeader()
		st.ActivePeers = len(s.peers.ActivePeers())
	}
	return st
}

func (s *Service) kick() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Service) run() {
	defer close(s.done)
	ticker := time.NewTicker(dispatchPoll)
	defer ticker.Stop()
	for {
		s.drain()
		select {
		case <-s.stop:
			return
		case <-s.wake:
		case <-ticker.C:
		}
	}
}

// drain starts dispatches until the queue is empty, admission is
// exhausted, or the only pending work is parked behind an open circuit.
func (s *Service) drain() {
	for s.queue.CanAdmitMore() {
		op := s.queue.DequeueNext()
		if op == nil {
			return
		}
		if ok, reason := s.engine.Allow(op.Action); !ok {
			// Leave the operation pending; it dispatches when the
			// circuit admits a probe.
			s.queue.Requeue(op)
			s.logger.Debug().
				Str("operation_id", op.ID).
				Str("reason", string(reason)).
				Msg("dispatch blocked")
			return
		}
		s.wg.Add(1)
		go func(op *operation.Operation) {
			defer s.wg.Done()
			defer s.queue.Release(op)
			s.execute(op)
			s.kick()
		}(op)
	}
}

// execute runs one operation to completion: attempts with exponential
// backoff, session refresh on auth failures, terminal failure when
// attempts run out, the error is non-retryable, or the circuit opens.
func (s *Service) execute(op *operation.Operation) {
	s.events.Publish(bus.EventOperationStarted, op.ID)
	domain := op.Action
	refreshed := false
	var cls retry.Classification

	for {
		op.Attempts++
		err := s.send(op)
		if err == nil {
			s.engine.RecordOutcome(domain, true)
			s.markSynced(op)
			s.events.Publish(bus.EventOperationSucceeded, OperationOutcome{
				OperationID: op.ID,
				Action:      op.Action,
				Attempts:    op.Attempts,
			})
			s.logger.Info().
				Str("operation_id", op.ID).
				Int("attempts", op.Attempts).
				Msg("operation succeeded")
			return
		}

		s.engine.RecordOutcome(domain, false)
		cls = retry.Classify(err)
		s.logger.Warn().
			Err(err).
			Str("operation_id", op.ID).
			Str("category", string(cls.Category)).
			Int("attempt", op.Attempts).
			Msg("attempt failed")

		if cls.Strategy == retry.StrategyRefreshSession && s.refresher != nil && !refreshed {
			refreshed = true
			ctx, cancel := context.WithTimeout(context.Background(), s.requestTimeout)
			refreshErr := s.refresher.Refresh(ctx)
			cancel()
			if refreshErr == nil {
				// Retry immediately with the fresh session.
				continue
			}
			s.logger.Warn().Err(refreshErr).Msg("session refresh failed")
		}

		if !s.engine.ShouldRetry(domain, err, op.Attempts) {
			break
		}
		s.clock.Sleep(s.engine.NextDelay(op.Attempts))
	}

	s.events.Publish(bus.EventOperationFailed, OperationOutcome{
		OperationID:    op.ID,
		Action:         op.Action,
		Attempts:       op.Attempts,
		Classification: cls,
	})
	s.logger.Error().
		Str("operation_id", op.ID).
		Str("category", string(cls.Category)).
		Int("attempts", op.Attempts).
		Msg("operation failed terminally")
}

func (s *Service) send(op *operation.Operation) error {
	ctx, cancel := context.WithTimeout(context.Background(), s.requestTimeout)
	defer cancel()
	_, err := s.backend.Send(ctx, op.Action, op.Payload)
	return err
}

func (s *Service) markSynced(op *operation.Operation) {
	if op.Action != ActionSave {
		return
	}
	var p savePayload
	if err := json.Unmarshal(op.Payload, &p); err != nil || p.Key == "" {
		return
	}
	// A newer edit for the same key may still be queued; the key stays
	// dirty until that one lands too.
	if s.queue.HasPending(op.DedupKey) {
		return
	}
	s.st.MarkSynced(p.Key)
}
