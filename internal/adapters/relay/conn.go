package relay

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/voiced/internal/domain"
)

const (
	writeWait  = 5 * time.Second
	pongWait   = 30 * time.Second
	pingPeriod = (pongWait * 9) / 10
	sendBuffer = 16
)

var ErrClosed = errors.New("relay: connection closed")

// Conn is one authenticated control socket to the relay.
type Conn struct {
	ws     *websocket.Conn
	send   chan []byte
	events chan any
	done   chan struct{}

	mu     sync.RWMutex
	closed bool
}

// Dial opens the control socket. A rejected token yields an error
// wrapping domain.ErrTokenExpired.
func Dial(ctx context.Context, url, token string) (*Conn, error) {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	ws, resp, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, fmt.Errorf("%w: relay http %d", domain.ErrTokenExpired, resp.StatusCode)
		}
		return nil, fmt.Errorf("%w: relay dial: %v", domain.ErrUplinkLost, err)
	}
	c := &Conn{
		ws:     ws,
		send:   make(chan []byte, sendBuffer),
		events: make(chan any, sendBuffer),
		done:   make(chan struct{}),
	}
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	go c.writePump()
	go c.readPump()
	log.Info().Str("module", "relay").Str("url", url).Msg("connected")
	return c, nil
}

// Send queues an outbound message without blocking.
func (c *Conn) Send(msg any) error {
	frame, err := Encode(msg)
	if err != nil {
		return err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrClosed
	}
	select {
	case c.send <- frame:
		return nil
	default:
		return fmt.Errorf("relay: send buffer full")
	}
}

// Events yields decoded inbound messages and is closed when the socket
// drops.
func (c *Conn) Events() <-chan any { return c.events }

func (c *Conn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
	close(c.done)
}

func (c *Conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()
	for {
		select {
		case data, ok := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.ws.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "relay").Msg("writePump write error")
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Conn) readPump() {
	defer func() {
		close(c.events)
		c.Close()
		_ = c.ws.Close()
	}()
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			log.Info().Err(err).Str("module", "relay").Msg("readPump closing")
			return
		}
		msg, err := Decode(data)
		if err != nil {
			log.Warn().Err(err).Str("module", "relay").Msg("discarding message")
			continue
		}
		select {
		case c.events <- msg:
		case <-c.done:
			return
		}
	}
}
