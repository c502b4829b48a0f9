package wsrelay

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/prefsync/prefsync/internal/transport"
)

const (
	dialTimeout  = 3 * time.Second
	writeTimeout = 5 * time.Second
)

// Conn implements transport.Transport over one websocket connection to
// a relay hub.
type Conn struct {
	conn     *websocket.Conn
	senderID string
	logger   zerolog.Logger

	mu       sync.RWMutex
	handlers map[int]transport.Handler
	nextSub  int
	closed   bool

	writeMu sync.Mutex
	done    chan struct{}
}

// Dial connects to the relay. A failed dial is how capability probing
// discovers the relay is absent; callers then fall back to the
// storage-event transport.
func Dial(ctx context.Context, relayURL, senderID string, logger zerolog.Logger) (*Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()
	conn, resp, err := websocket.DefaultDialer.DialContext(dialCtx, relayURL, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}
	c := &Conn{
		conn:     conn,
		senderID: senderID,
		logger:   logger.With().Str("service", "wsrelay-client").Logger(),
		handlers: map[int]transport.Handler{},
		done:     make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

func (c *Conn) Publish(msg transport.Message) error {
	c.mu.RLock()
	closed := c.closed
	c.mu.RUnlock()
	if closed {
		return transport.ErrClosed
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *Conn) Subscribe(h transport.Handler) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextSub++
	id := c.nextSub
	c.handlers[id] = h
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.handlers, id)
	}
}

func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	close(c.done)
	return c.conn.Close()
}

func (c *Conn) readLoop() {
	defer func() {
		_ = c.Close()
	}()
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
			default:
				c.logger.Warn().Err(err).Msg("relay connection lost")
			}
			return
		}
		var msg transport.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			c.logger.Debug().Err(err).Msg("dropping malformed frame")
			continue
		}
		if msg.SenderID == c.senderID {
			continue
		}
		c.mu.RLock()
		handlers := make([]transport.Handler, 0, len(c.handlers))
		for _, h := range c.handlers {
			handlers = append(handlers, h)
		}
		c.mu.RUnlock()
		for _, h := range handlers {
			h(msg)
		}
	}
}
