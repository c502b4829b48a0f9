// Package state owns the canonical in-memory settings state, validates
// it, persists it to durable storage and repairs it when storage turns
// out corrupt. Corruption never propagates to callers: the store backs
// the broken document up, falls back to defaults and reports through
// the event bus.
package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/prefsync/prefsync/internal/bus"
	"github.com/prefsync/prefsync/internal/clock"
	"github.com/prefsync/prefsync/internal/storage"
)

const (
	DefaultSizeCeiling   = 64 * 1024
	DefaultWriteAttempts = 3
	DefaultWriteBackoff  = 100 * time.Millisecond
)

var ErrValidation = errors.New("invalid setting value")

// Config wires store collaborators.
type Config struct {
	Store     storage.Store
	Namespace string
	// Defaults is the hardcoded fallback state.
	Defaults map[string]json.RawMessage
	Rules    *RuleSet
	// SizeCeiling bounds the serialized document; oversized documents
	// are trimmed oldest-field-first.
	SizeCeiling   int
	WriteAttempts int
	WriteBackoff  time.Duration
	Clock         clock.Clock
	Bus           *bus.Bus
	Logger        zerolog.Logger
}

// Store is the persisted state store.
type Store struct {
	mu       sync.Mutex
	doc      Document
	dirty    map[string]bool
	defaults map[string]json.RawMessage

	storage       storage.Store
	namespace     string
	rules         *RuleSet
	sizeCeiling   int
	writeAttempts int
	writeBackoff  time.Duration
	clock         clock.Clock
	events        *bus.Bus
	logger        zerolog.Logger

	// Single-flight save guard: while a save is in progress, further
	// save requests park a waiter channel here and share the follow-up
	// write's outcome.
	saving  bool
	waiters []chan error
}

// NewStore builds a store; call Load before first use.
func NewStore(cfg Config) *Store {
	if cfg.Rules == nil {
		cfg.Rules = NewRuleSet()
	}
	if cfg.SizeCeiling <= 0 {
		cfg.SizeCeiling = DefaultSizeCeiling
	}
	if cfg.WriteAttempts <= 0 {
		cfg.WriteAttempts = DefaultWriteAttempts
	}
	if cfg.WriteBackoff <= 0 {
		cfg.WriteBackoff = DefaultWriteBackoff
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Bus == nil {
		cfg.Bus = bus.New()
	}
	if cfg.Defaults == nil {
		cfg.Defaults = map[string]json.RawMessage{}
	}
	return &Store{
		doc:           newDocument(cfg.Defaults),
		dirty:         map[string]bool{},
		defaults:      cfg.Defaults,
		storage:       cfg.Store,
		namespace:     cfg.Namespace,
		rules:         cfg.Rules,
		sizeCeiling:   cfg.SizeCeiling,
		writeAttempts: cfg.WriteAttempts,
		writeBackoff:  cfg.WriteBackoff,
		clock:         cfg.Clock,
		events:        cfg.Bus,
		logger:        cfg.Logger.With().Str("service", "state").Logger(),
	}
}

// Get returns the value for key, or def when absent.
func (s *Store) Get(key string, def json.RawMessage) json.RawMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	if v, ok := s.doc.Fields[key]; ok {
		return append(json.RawMessage(nil), v...)
	}
	return def
}

// Fields returns a copy of the whole fields map.
func (s *Store) Fields() map[string]json.RawMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]json.RawMessage, len(s.doc.Fields))
	for k, v := range s.doc.Fields {
		out[k] = append(json.RawMessage(nil), v...)
	}
	return out
}

// Set validates and stores one field. Local writes mark the key dirty
// until the save reaches the backend; remote writes (fromRemote) clear
// the dirty mark because the incoming value supersedes the local edit.
// A local value failing validation is rejected; an invalid remote value
// is silently dropped.
func (s *Store) Set(key string, value json.RawMessage, fromRemote bool) error {
	if err := s.rules.Check(key, value); err != nil {
		if fromRemote {
			s.logger.Debug().Str("key", key).Err(err).Msg("dropping invalid remote value")
			return nil
		}
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	s.mu.Lock()
	now := s.clock.Now().UnixMilli()
	s.doc.Fields[key] = append(json.RawMessage(nil), value...)
	s.doc.FieldMeta[key] = now
	s.doc.Timestamp = now
	if fromRemote {
		delete(s.dirty, key)
	} else {
		s.dirty[key] = true
	}
	s.mu.Unlock()
	return nil
}

// Remove drops one field.
func (s *Store) Remove(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.doc.Fields, key)
	delete(s.doc.FieldMeta, key)
	delete(s.dirty, key)
	s.doc.Timestamp = s.clock.Now().UnixMilli()
}

// IsLocallyModified reports whether key has a local edit not yet
// confirmed by the backend or superseded by a remote change.
func (s *Store) IsLocallyModified(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dirty[key]
}

// MarkSynced clears the dirty mark after the backend confirmed a save.
func (s *Store) MarkSynced(keys ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range keys {
		delete(s.dirty, k)
	}
}

// LastModified returns the recorded mutation time for key.
func (s *Store) LastModified(key string) time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ms, ok := s.doc.FieldMeta[key]; ok {
		return time.UnixMilli(ms).UTC()
	}
	return time.Time{}
}

// Load restores state from durable storage. Absent storage keeps the
// defaults; a corrupt or future-versioned document triggers
// RecoverWithFallback instead of surfacing an error.
func (s *Store) Load() error {
	if s.storage == nil {
		return nil
	}
	raw, ok, err := s.storage.Get(s.stateKey())
	if err != nil {
		s.logger.Warn().Err(err).Msg("state read failed, keeping defaults")
		return nil
	}
	if !ok {
		return nil
	}
	doc, err := open([]byte(raw))
	if err != nil {
		s.logger.Warn().Err(err).Msg("persisted state unusable, recovering")
		s.events.Publish(bus.EventStateCorrupted, err.Error())
		return s.RecoverWithFallback()
	}
	s.mu.Lock()
	s.doc = doc
	s.validateLocked()
	s.mu.Unlock()
	return nil
}

// Validate runs the validation pipeline on the current in-memory state:
// future versions are rejected, invalid fields dropped, oversized
// documents trimmed oldest-first.
func (s *Store) Validate() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.doc.Version > SchemaVersion {
		return fmt.Errorf("%w: version %d", ErrFutureVersion, s.doc.Version)
	}
	s.validateLocked()
	return nil
}

func (s *Store) validateLocked() {
	for key, value := range s.doc.Fields {
		if err := s.rules.Check(key, value); err != nil {
			s.logger.Debug().Str("key", key).Err(err).Msg("dropping invalid persisted field")
			delete(s.doc.Fields, key)
			delete(s.doc.FieldMeta, key)
		}
	}
	s.trimLocked()
}

// trimLocked drops oldest fields until the sealed document fits the
// ceiling. Fields without metadata count as oldest.
func (s *Store) trimLocked() {
	for {
		data, err := seal(s.doc)
		if err != nil || len(data) <= s.sizeCeiling {
			return
		}
		oldest := ""
		var oldestAt int64 = -1
		for key := range s.doc.Fields {
			at := s.doc.FieldMeta[key]
			if oldest == "" || at < oldestAt || (at == oldestAt && key < oldest) {
				oldest = key
				oldestAt = at
			}
		}
		if oldest == "" {
			return
		}
		s.logger.Info().Str("key", oldest).Msg("trimming field to fit size ceiling")
		delete(s.doc.Fields, oldest)
		delete(s.doc.FieldMeta, oldest)
		delete(s.dirty, oldest)
	}
}

// RecoverWithFallback backs the current persisted state up under a
// timestamped key (best effort), resets in-memory state to the
// hardcoded defaults and persists the recovered state.
func (s *Store) RecoverWithFallback() error {
	if s.storage != nil {
		if raw, ok, err := s.storage.Get(s.stateKey()); err == nil && ok {
			backupKey := fmt.Sprintf("%s:backup:%d", s.namespace, s.clock.Now().UnixMilli())
			if err := s.storage.Set(backupKey, raw); err != nil {
				s.logger.Warn().Err(err).Msg("state backup failed")
			}
		}
	}
	s.mu.Lock()
	s.doc = newDocument(s.defaults)
	s.doc.Timestamp = s.clock.Now().UnixMilli()
	s.dirty = map[string]bool{}
	s.mu.Unlock()
	s.events.Publish(bus.EventStateRecovered, nil)
	if err := s.Save(); err != nil {
		s.logger.Warn().Err(err).Msg("persisting recovered state failed")
	}
	return nil
}

// BackupKeys lists stored backup snapshots, oldest first.
func (s *Store) BackupKeys() []string {
	if s.storage == nil {
		return nil
	}
	keys, err := s.storage.Keys(s.namespace + ":backup:")
	if err != nil {
		return nil
	}
	sort.Strings(keys)
	return keys
}

// Save persists the current state. Saves are single-flight: requests
// arriving while a write is in progress coalesce into one follow-up
// write and all share its outcome.
func (s *Store) Save() error {
	if s.storage == nil {
		return nil
	}
	s.mu.Lock()
	if s.saving {
		ch := make(chan error, 1)
		s.waiters = append(s.waiters, ch)
		s.mu.Unlock()
		return <-ch
	}
	s.saving = true
	s.mu.Unlock()

	err := s.writeCurrent()
	for {
		s.mu.Lock()
		waiters := s.waiters
		s.waiters = nil
		if len(waiters) == 0 {
			s.saving = false
			s.mu.Unlock()
			break
		}
		s.mu.Unlock()
		// Coalesced requests may have mutated state after the first
		// write; one more write settles them all.
		err = s.writeCurrent()
		for _, ch := range waiters {
			ch <- err
		}
	}
	if err == nil {
		s.events.Publish(bus.EventStateSaved, nil)
	}
	return err
}

// writeCurrent seals and writes the document, retrying transient
// storage failures with a short linear backoff.
func (s *Store) writeCurrent() error {
	s.mu.Lock()
	s.validateLocked()
	data, err := seal(s.doc)
	s.mu.Unlock()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	var lastErr error
	for attempt := 1; attempt <= s.writeAttempts; attempt++ {
		lastErr = s.storage.Set(s.stateKey(), string(data))
		if lastErr == nil {
			return nil
		}
		if errors.Is(lastErr, storage.ErrQuotaExceeded) {
			break
		}
		s.clock.Sleep(time.Duration(attempt) * s.writeBackoff)
	}
	return fmt.Errorf("persist state: %w", lastErr)
}

func (s *Store) stateKey() string {
	return s.namespace + ":state"
}
