// Package fswatch is the storage-event fallback transport: a broadcast
// is a message file written into a shared directory and removed shortly
// after, observed by other peers through fsnotify. Used when no relay
// is reachable; the public contract matches the relay transport.
package fswatch

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/prefsync/prefsync/internal/transport"
)

const (
	msgExt = ".msg.json"
	// Message files are transient; anything older than this is a
	// leftover from a crashed peer and gets swept.
	staleAfter = time.Minute
	cleanupLag = 500 * time.Millisecond
)

// Transport implements transport.Transport over a shared directory.
type Transport struct {
	dir      string
	senderID string
	watcher  *fsnotify.Watcher
	logger   zerolog.Logger

	mu       sync.RWMutex
	handlers map[int]transport.Handler
	nextSub  int
	closed   bool

	done chan struct{}
}

// New starts watching the shared directory.
func New(dir, senderID string, logger zerolog.Logger) (*Transport, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, errors.New("fswatch: dir is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return nil, err
	}
	t := &Transport{
		dir:      dir,
		senderID: senderID,
		watcher:  watcher,
		logger:   logger.With().Str("service", "fswatch").Logger(),
		handlers: map[int]transport.Handler{},
		done:     make(chan struct{}),
	}
	t.sweepStale()
	go t.watchLoop()
	return t, nil
}

func (t *Transport) Publish(msg transport.Message) error {
	t.mu.RLock()
	closed := t.closed
	t.mu.RUnlock()
	if closed {
		return transport.ErrClosed
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	path := filepath.Join(t.dir, msg.ID+msgExt)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		return err
	}
	// The write-then-remove pair is the broadcast; removal is delayed a
	// beat so watchers on slower filesystems still get to read it.
	time.AfterFunc(cleanupLag, func() {
		_ = os.Remove(path)
	})
	return nil
}

func (t *Transport) Subscribe(h transport.Handler) func() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nextSub++
	id := t.nextSub
	t.handlers[id] = h
	return func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		delete(t.handlers, id)
	}
}

func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()
	close(t.done)
	return t.watcher.Close()
}

func (t *Transport) watchLoop() {
	for {
		select {
		case <-t.done:
			return
		case event, ok := <-t.watcher.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Create) || !strings.HasSuffix(event.Name, msgExt) {
				continue
			}
			t.handleFile(event.Name)
		case err, ok := <-t.watcher.Errors:
			if !ok {
				return
			}
			t.logger.Warn().Err(err).Msg("watch error")
		}
	}
}

func (t *Transport) handleFile(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		// The sender may already have removed it; that is the normal
		// end of a broadcast, not a failure.
		return
	}
	var msg transport.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		t.logger.Debug().Str("file", filepath.Base(path)).Msg("dropping malformed message file")
		return
	}
	if msg.SenderID == t.senderID {
		return
	}
	t.mu.RLock()
	handlers := make([]transport.Handler, 0, len(t.handlers))
	for _, h := range t.handlers {
		handlers = append(handlers, h)
	}
	t.mu.RUnlock()
	for _, h := range handlers {
		h(msg)
	}
}

func (t *Transport) sweepStale() {
	entries, err := os.ReadDir(t.dir)
	if err != nil {
		return
	}
	cutoff := time.Now().Add(-staleAfter)
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), msgExt) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			_ = os.Remove(filepath.Join(t.dir, e.Name()))
		}
	}
}
