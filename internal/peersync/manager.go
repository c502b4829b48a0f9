// Package peersync keeps concurrently running peers convergent: it
// broadcasts committed state changes, maintains the active peer set via
// heartbeats, elects a leader among active peers and resolves
// conflicting concurrent edits.
package peersync

import (
	"bytes"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/prefsync/prefsync/internal/bus"
	"github.com/prefsync/prefsync/internal/clock"
	"github.com/prefsync/prefsync/internal/domain/conflict"
	"github.com/prefsync/prefsync/internal/domain/peer"
	"github.com/prefsync/prefsync/internal/state"
	"github.com/prefsync/prefsync/internal/transport"
)

const (
	DefaultHeartbeatInterval = 5 * time.Second
	// Peers missing heartbeats for DefaultPeerTimeoutFactor intervals
	// are evicted from the active set.
	DefaultPeerTimeoutFactor = 5
)

// Config wires manager collaborators.
type Config struct {
	SelfID            string
	Transport         transport.Transport
	State             *state.Store
	Strategy          conflict.Strategy
	HeartbeatInterval time.Duration
	PeerTimeout       time.Duration
	Clock             clock.Clock
	Bus               *bus.Bus
	Logger            zerolog.Logger
}

type heartbeatPayload struct {
	PeerID       string    `json:"peerId"`
	RegisteredAt time.Time `json:"registeredAt"`
	Hidden       bool      `json:"hidden,omitempty"`
	LeaderID     string    `json:"leaderId,omitempty"`
}

type stateChangePayload struct {
	PeerID    string          `json:"peerId"`
	Key       string          `json:"key"`
	Value     json.RawMessage `json:"value"`
	Timestamp time.Time       `json:"timestamp"`
}

type unregisterPayload struct {
	PeerID string `json:"peerId"`
}

// ConflictEvent is published on the bus when a conflict is detected or
// resolved.
type ConflictEvent struct {
	Record   conflict.Record   `json:"record"`
	Applied  conflict.Strategy `json:"applied,omitempty"`
	Resolved json.RawMessage   `json:"resolved,omitempty"`
}

// LeaderChange is the payload of a leader-changed event.
type LeaderChange struct {
	LeaderID string `json:"leaderId"`
	SelfIs   bool   `json:"selfIs"`
}

// Manager synchronizes one peer with the rest of the active set.
type Manager struct {
	selfID   string
	strategy conflict.Strategy
	interval time.Duration
	timeout  time.Duration

	tr     transport.Transport
	st     *state.Store
	clock  clock.Clock
	events *bus.Bus
	logger zerolog.Logger

	mu           sync.RWMutex
	registered   bool
	registeredAt time.Time
	hidden       bool
	peers        map[string]peer.Record
	leaderID     string

	unsub func()
	stop  chan struct{}
	done  chan struct{}
}

func NewManager(cfg Config) *Manager {
	if cfg.SelfID == "" {
		cfg.SelfID = uuid.NewString()
	}
	if !cfg.Strategy.Valid() {
		cfg.Strategy = conflict.StrategyTimestamp
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if cfg.PeerTimeout <= 0 {
		cfg.PeerTimeout = DefaultPeerTimeoutFactor * cfg.HeartbeatInterval
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Bus == nil {
		cfg.Bus = bus.New()
	}
	return &Manager{
		selfID:   cfg.SelfID,
		strategy: cfg.Strategy,
		interval: cfg.HeartbeatInterval,
		timeout:  cfg.PeerTimeout,
		tr:       cfg.Transport,
		st:       cfg.State,
		clock:    cfg.Clock,
		events:   cfg.Bus,
		logger:   cfg.Logger.With().Str("service", "peersync").Str("peer_id", cfg.SelfID).Logger(),
		peers:    map[string]peer.Record{},
	}
}

// SelfID returns this peer's identity.
func (m *Manager) SelfID() string { return m.selfID }

// Register joins the active set: announces this peer, subscribes to
// the broadcast channel and starts the heartbeat loop.
func (m *Manager) Register() {
	m.mu.Lock()
	if m.registered {
		m.mu.Unlock()
		return
	}
	m.registered = true
	now := m.clock.Now()
	m.registeredAt = now
	m.peers[m.selfID] = peer.Record{
		PeerID:          m.selfID,
		RegisteredAt:    now,
		LastHeartbeatAt: now,
	}
	change := m.electLocked()
	m.stop = make(chan struct{})
	m.done = make(chan struct{})
	m.mu.Unlock()

	m.announceLeader(change)
	m.unsub = m.tr.Subscribe(m.handleMessage)
	m.events.Publish(bus.EventPeerRegistered, m.selfID)
	m.sendHeartbeat()
	go m.loop()
}

// Unregister leaves the active set and announces the departure so
// other peers re-elect immediately instead of waiting for the timeout.
func (m *Manager) Unregister() {
	m.mu.Lock()
	if !m.registered {
		m.mu.Unlock()
		return
	}
	m.registered = false
	delete(m.peers, m.selfID)
	change := m.electLocked()
	stop := m.stop
	done := m.done
	m.mu.Unlock()

	m.announceLeader(change)
	close(stop)
	<-done
	if m.unsub != nil {
		m.unsub()
	}
	payload, _ := json.Marshal(unregisterPayload{PeerID: m.selfID})
	if err := m.tr.Publish(transport.NewMessage(transport.TypeUnregister, m.selfID, payload)); err != nil {
		m.logger.Debug().Err(err).Msg("unregister broadcast failed")
	}
	m.events.Publish(bus.EventPeerUnregistered, m.selfID)
}

// SetHidden records whether this peer's UI is currently hidden; the
// flag rides along on heartbeats.
func (m *Manager) SetHidden(hidden bool) {
	m.mu.Lock()
	m.hidden = hidden
	m.mu.Unlock()
}

// ActivePeers returns the current active set as observed locally.
func (m *Manager) ActivePeers() []peer.Record {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]peer.Record, 0, len(m.peers))
	for _, r := range m.peers {
		r.IsLeader = r.PeerID == m.leaderID
		out = append(out, r)
	}
	return out
}

// IsLeader reports whether this peer currently believes it leads.
func (m *Manager) IsLeader() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.leaderID == m.selfID && m.registered
}

// LeaderID returns the locally believed leader, "" mid-election.
func (m *Manager) LeaderID() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.leaderID
}

// BroadcastStateChange announces a committed local mutation.
func (m *Manager) BroadcastStateChange(key string, value json.RawMessage, at time.Time) {
	payload, err := json.Marshal(stateChangePayload{
		PeerID:    m.selfID,
		Key:       key,
		Value:     value,
		Timestamp: at,
	})
	if err != nil {
		m.logger.Warn().Err(err).Str("key", key).Msg("marshal state change")
		return
	}
	if err := m.tr.Publish(transport.NewMessage(transport.TypeStateChange, m.selfID, payload)); err != nil {
		m.logger.Warn().Err(err).Str("key", key).Msg("broadcast state change failed")
	}
}

func (m *Manager) loop() {
	defer close(m.done)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.Tick()
		}
	}
}

// Tick is one heartbeat period: announce ourselves, evict the silent.
func (m *Manager) Tick() {
	m.sendHeartbeat()
	m.pruneExpired()
}

func (m *Manager) sendHeartbeat() {
	m.mu.Lock()
	if !m.registered {
		m.mu.Unlock()
		return
	}
	now := m.clock.Now()
	self := m.peers[m.selfID]
	self.LastHeartbeatAt = now
	self.Hidden = m.hidden
	m.peers[m.selfID] = self
	payload, err := json.Marshal(heartbeatPayload{
		PeerID:       m.selfID,
		RegisteredAt: m.registeredAt,
		Hidden:       m.hidden,
		LeaderID:     m.leaderID,
	})
	m.mu.Unlock()
	if err != nil {
		return
	}
	if err := m.tr.Publish(transport.NewMessage(transport.TypeHeartbeat, m.selfID, payload)); err != nil {
		m.logger.Debug().Err(err).Msg("heartbeat broadcast failed")
	}
}

func (m *Manager) pruneExpired() {
	now := m.clock.Now()
	var evicted []string
	var change *LeaderChange
	m.mu.Lock()
	for id, r := range m.peers {
		if id == m.selfID {
			continue
		}
		if r.Expired(now, m.timeout) {
			delete(m.peers, id)
			evicted = append(evicted, id)
		}
	}
	if len(evicted) > 0 {
		change = m.electLocked()
	}
	m.mu.Unlock()
	m.announceLeader(change)
	for _, id := range evicted {
		m.logger.Info().Str("evicted_peer", id).Msg("peer timed out")
		m.events.Publish(bus.EventPeerUnregistered, id)
	}
}

func (m *Manager) handleMessage(msg transport.Message) {
	switch msg.Type {
	case transport.TypeHeartbeat:
		var p heartbeatPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil || p.PeerID == "" {
			return
		}
		m.observeHeartbeat(p)
	case transport.TypeUnregister:
		var p unregisterPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil || p.PeerID == "" {
			return
		}
		m.removePeer(p.PeerID)
	case transport.TypeStateChange, transport.TypeConflictResolved:
		var p stateChangePayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil || p.Key == "" {
			return
		}
		m.applyRemoteChange(p, msg.Type == transport.TypeConflictResolved)
	}
}

func (m *Manager) observeHeartbeat(p heartbeatPayload) {
	m.mu.Lock()
	_, known := m.peers[p.PeerID]
	m.peers[p.PeerID] = peer.Record{
		PeerID:          p.PeerID,
		RegisteredAt:    p.RegisteredAt,
		LastHeartbeatAt: m.clock.Now(),
		Hidden:          p.Hidden,
	}
	change := m.electLocked()
	m.mu.Unlock()
	m.announceLeader(change)
	if !known {
		m.logger.Info().Str("new_peer", p.PeerID).Msg("peer joined")
		m.events.Publish(bus.EventPeerRegistered, p.PeerID)
	}
}

func (m *Manager) removePeer(peerID string) {
	m.mu.Lock()
	_, known := m.peers[peerID]
	delete(m.peers, peerID)
	var change *LeaderChange
	if known {
		change = m.electLocked()
	}
	m.mu.Unlock()
	m.announceLeader(change)
	if known {
		m.events.Publish(bus.EventPeerUnregistered, peerID)
	}
}

// electLocked re-runs the deterministic election over the active set
// and returns the change, nil when the leader stayed. Callers hold
// m.mu and must pass the result to announceLeader after unlocking, so
// event handlers are free to call back into the manager.
func (m *Manager) electLocked() *LeaderChange {
	records := make([]peer.Record, 0, len(m.peers))
	for _, r := range m.peers {
		records = append(records, r)
	}
	newLeader := peer.ElectLeader(records)
	if newLeader == m.leaderID {
		return nil
	}
	m.leaderID = newLeader
	return &LeaderChange{LeaderID: newLeader, SelfIs: newLeader == m.selfID}
}

func (m *Manager) announceLeader(change *LeaderChange) {
	if change == nil {
		return
	}
	m.events.Publish(bus.EventLeaderChanged, *change)
	m.logger.Info().Str("leader_id", change.LeaderID).Bool("self", change.SelfIs).Msg("leader changed")
}

// applyRemoteChange feeds an incoming remote mutation into the state
// store, raising and resolving a conflict when this peer has its own
// unobserved edit for the key.
func (m *Manager) applyRemoteChange(p stateChangePayload, alreadyResolved bool) {
	localValue := m.st.Get(p.Key, nil)
	conflicting := m.st.IsLocallyModified(p.Key) && !bytes.Equal(localValue, p.Value)
	if !conflicting || alreadyResolved {
		// Accepted remote changes (and resolution re-broadcasts, which
		// must converge everywhere) apply directly.
		if err := m.st.Set(p.Key, p.Value, true); err != nil {
			m.logger.Debug().Err(err).Str("key", p.Key).Msg("remote change rejected")
		}
		return
	}

	rec := conflict.Record{
		Key:             p.Key,
		LocalValue:      localValue,
		RemoteValue:     p.Value,
		LocalTimestamp:  m.st.LastModified(p.Key),
		RemoteTimestamp: p.Timestamp,
		RemotePeerID:    p.PeerID,
		Strategy:        m.strategy,
	}
	m.events.Publish(bus.EventConflictDetected, ConflictEvent{Record: rec})

	res := conflict.Resolve(rec, m.selfID, m.LeaderID())
	if err := m.st.Set(p.Key, res.Value, true); err != nil {
		m.logger.Warn().Err(err).Str("key", p.Key).Msg("applying conflict resolution failed")
		return
	}
	m.events.Publish(bus.EventConflictResolved, ConflictEvent{
		Record:   rec,
		Applied:  res.Applied,
		Resolved: res.Value,
	})
	m.logger.Info().
		Str("key", p.Key).
		Str("strategy", string(res.Applied)).
		Bool("remote_won", res.RemoteWon).
		Msg("conflict resolved")

	if !res.RemoteWon {
		// The sender holds the losing value; re-broadcast the winner so
		// every peer converges.
		payload, err := json.Marshal(stateChangePayload{
			PeerID:    m.selfID,
			Key:       p.Key,
			Value:     res.Value,
			Timestamp: m.clock.Now(),
		})
		if err != nil {
			return
		}
		if err := m.tr.Publish(transport.NewMessage(transport.TypeConflictResolved, m.selfID, payload)); err != nil {
			m.logger.Warn().Err(err).Str("key", p.Key).Msg("resolution re-broadcast failed")
		}
	}
}
