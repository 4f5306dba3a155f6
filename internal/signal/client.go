// Package signal connects a participant to a room on the relay over a
// websocket and implements domain.Channel on top of it.
package signal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"roomcall/internal/domain"
	"roomcall/internal/logging"
)

const (
	writeWait    = 10 * time.Second
	pingInterval = 30 * time.Second
	// pongWait must be longer than pingInterval.
	pongWait = 60 * time.Second
)

// ErrClosed is returned when publishing on a closed client.
var ErrClosed = errors.New("signal: client closed")

// Client manages the websocket connection to one room on the relay.
type Client struct {
	conn *websocket.Conn
	room domain.RoomID
	log  zerolog.Logger

	pingInterval time.Duration
	pongWait     time.Duration

	writeMu sync.Mutex

	mu       sync.Mutex
	handlers map[uint64]func(domain.Signal)
	nextID   uint64

	closed chan struct{}
	once   sync.Once
}

// RoomURL returns the websocket endpoint of room on the relay at relayURL.
// http and https are mapped to ws and wss.
func RoomURL(relayURL string, room domain.RoomID) (string, error) {
	u, err := url.Parse(strings.TrimSpace(relayURL))
	if err != nil {
		return "", fmt.Errorf("parse relay url: %w", err)
	}
	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported relay url scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("relay url %q has no host", relayURL)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/rooms/" + url.PathEscape(room.String()) + "/ws"
	u.RawQuery = ""
	return u.String(), nil
}

// Dial connects to room on the relay and starts the read and ping loops.
// The connection is dropped when the relay stops answering pings.
func Dial(ctx context.Context, relayURL string, room domain.RoomID) (*Client, error) {
	return dialWithTiming(ctx, relayURL, room, pingInterval, pongWait)
}

func dialWithTiming(ctx context.Context, relayURL string, room domain.RoomID, ping, pong time.Duration) (*Client, error) {
	if room == "" {
		return nil, errors.New("signal: room is required")
	}
	u, err := RoomURL(relayURL, room)
	if err != nil {
		return nil, err
	}

	l := logging.Component("signal").With().Str("room", room.String()).Logger()
	l.Info().Str("url", u).Msg("connecting to relay")

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u, nil)
	if err != nil {
		return nil, fmt.Errorf("websocket dial: %w", err)
	}

	c := &Client{
		conn:         conn,
		room:         room,
		log:          l,
		pingInterval: ping,
		pongWait:     pong,
		handlers:     make(map[uint64]func(domain.Signal)),
		closed:       make(chan struct{}),
	}

	go c.readLoop()
	go c.pingLoop()

	return c, nil
}

// Done is closed when the connection is closed or lost.
func (c *Client) Done() <-chan struct{} {
	return c.closed
}

// Close shuts down the websocket connection.
func (c *Client) Close() {
	c.once.Do(func() {
		close(c.closed)

		c.writeMu.Lock()
		_ = c.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		c.writeMu.Unlock()

		_ = c.conn.Close()
	})
}

// Publish sends sig to the relay. Failures are returned, never retried.
func (c *Client) Publish(ctx context.Context, sig domain.Signal) error {
	if sig.Room != c.room {
		return fmt.Errorf("%w: client is in %q", domain.ErrWrongRoom, c.room)
	}
	if err := sig.Validate(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := json.Marshal(sig)
	if err != nil {
		return fmt.Errorf("marshal signal: %w", err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	select {
	case <-c.closed:
		return ErrClosed
	default:
	}

	deadline := time.Now().Add(writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = c.conn.SetWriteDeadline(deadline)
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("websocket write: %w", err)
	}

	c.log.Debug().Str("kind", string(sig.Kind)).Msg(">>> signal")
	return nil
}

// Subscribe registers onSignal for every signal the relay delivers in room,
// the client's own included. Handlers run on the read goroutine in arrival
// order.
func (c *Client) Subscribe(room domain.RoomID, onSignal func(domain.Signal)) (domain.Subscription, error) {
	if room != c.room {
		return nil, fmt.Errorf("%w: client is in %q", domain.ErrWrongRoom, c.room)
	}
	if onSignal == nil {
		return nil, errors.New("signal: handler is required")
	}

	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.handlers[id] = onSignal
	c.mu.Unlock()

	return &subscription{client: c, id: id}, nil
}

func (c *Client) unsubscribe(id uint64) {
	c.mu.Lock()
	delete(c.handlers, id)
	c.mu.Unlock()
}

func (c *Client) readLoop() {
	defer c.Close()

	_ = c.conn.SetReadDeadline(time.Now().Add(c.pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(c.pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			select {
			case <-c.closed:
			default:
				c.log.Warn().Err(err).Msg("read error")
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(c.pongWait))

		var sig domain.Signal
		if err := json.Unmarshal(data, &sig); err != nil {
			c.log.Warn().Err(err).Msg("unmarshal signal")
			continue
		}
		c.log.Debug().Str("kind", string(sig.Kind)).Str("sender", sig.Sender.String()).Msg("<<< signal")

		c.dispatch(sig)
	}
}

func (c *Client) dispatch(sig domain.Signal) {
	c.mu.Lock()
	ids := make([]uint64, 0, len(c.handlers))
	for id := range c.handlers {
		ids = append(ids, id)
	}
	c.mu.Unlock()

	// Lowest id first so subscribers see signals in subscription order.
	slices.Sort(ids)
	for _, id := range ids {
		c.mu.Lock()
		fn, ok := c.handlers[id]
		c.mu.Unlock()
		if ok {
			fn(sig)
		}
	}
}

func (c *Client) pingLoop() {
	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.closed:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			err := c.conn.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(writeWait))
			c.writeMu.Unlock()
			if err != nil {
				select {
				case <-c.closed:
				default:
					c.log.Warn().Err(err).Msg("ping error")
				}
				return
			}
		}
	}
}

type subscription struct {
	client *Client
	id     uint64
	once   sync.Once
}

func (s *subscription) Unsubscribe() {
	s.once.Do(func() {
		s.client.unsubscribe(s.id)
	})
}
