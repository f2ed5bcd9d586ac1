// Package gateway is the websocket client for the chat backend's event
// gateway. Voice events are decoded into signal messages and fanned out
// to subscribers by kind.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/voiced/internal/core"
	"github.com/dkeye/voiced/internal/signal"
)

const (
	writeWait      = 5 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
	sendBuffer     = 32
)

var (
	ErrBackpressure = errors.New("backpressure")
	ErrClosed       = errors.New("connection closed")
)

type Client struct {
	conn *websocket.Conn
	send chan core.Frame
	done chan struct{}

	mu     sync.RWMutex
	closed bool

	subsMu sync.Mutex
	subs   map[signal.Kind]map[uint64]func(signal.Message)
	nextID uint64
}

var _ core.Gateway = (*Client)(nil)

// Dial connects to the gateway. token, when set, is sent as a bearer
// credential.
func Dial(ctx context.Context, url, token string) (*Client, error) {
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, fmt.Errorf("gateway dial: %w", err)
	}
	c := newClient(ws)
	log.Info().Str("module", "gateway").Str("url", url).Msg("connected")
	return c, nil
}

func newClient(ws *websocket.Conn) *Client {
	c := &Client{
		conn: ws,
		send: make(chan core.Frame, sendBuffer),
		done: make(chan struct{}),
		subs: make(map[signal.Kind]map[uint64]func(signal.Message)),
	}
	ws.SetReadLimit(maxMessageSize)
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	go c.writePump()
	go c.readPump()
	return c
}

// Send encodes msg and queues it without blocking.
func (c *Client) Send(msg signal.Message) error {
	frame, err := signal.Encode(msg)
	if err != nil {
		return err
	}
	return c.TrySend(frame)
}

func (c *Client) TrySend(f core.Frame) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrClosed
	}
	select {
	case c.send <- f:
	default:
		return ErrBackpressure
	}
	return nil
}

func (c *Client) Subscribe(kind signal.Kind, fn func(signal.Message)) func() {
	c.subsMu.Lock()
	id := c.nextID
	c.nextID++
	if c.subs[kind] == nil {
		c.subs[kind] = make(map[uint64]func(signal.Message))
	}
	c.subs[kind][id] = fn
	c.subsMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.subsMu.Lock()
			delete(c.subs[kind], id)
			c.subsMu.Unlock()
		})
	}
}

// Done is closed when the socket is gone.
func (c *Client) Done() <-chan struct{} { return c.done }

func (c *Client) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	c.mu.Unlock()
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case data, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "gateway").Msg("writePump write error")
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				log.Error().Err(err).Str("module", "gateway").Msg("writePump ping error")
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *Client) readPump() {
	defer func() {
		log.Info().Str("module", "gateway").Msg("readPump closing")
		close(c.done)
		c.Close()
	}()
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Error().Err(err).Str("module", "gateway").Msg("readPump read error")
			}
			return
		}
		c.dispatch(data)
	}
}

func (c *Client) dispatch(frame []byte) {
	msg, err := signal.Decode(frame)
	if err != nil {
		if signal.IsUnknown(err) {
			// The gateway carries every chat event; only voice ones are ours.
			return
		}
		log.Warn().Err(err).Str("module", "gateway").Msg("discarding signaling message")
		return
	}

	c.subsMu.Lock()
	fns := make([]func(signal.Message), 0, len(c.subs[msg.Kind()]))
	for _, fn := range c.subs[msg.Kind()] {
		fns = append(fns, fn)
	}
	c.subsMu.Unlock()

	for _, fn := range fns {
		fn(msg)
	}
}
