package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// ErrClosed is returned by Send once the channel has been closed.
var ErrClosed = errors.New("transport: channel closed")

// Config holds the websocket tuning knobs.
type Config struct {
	WriteTimeout   time.Duration
	PingInterval   time.Duration
	MaxMessageSize int64
}

// DefaultConfig returns the default channel configuration.
func DefaultConfig() Config {
	return Config{
		WriteTimeout:   10 * time.Second,
		PingInterval:   30 * time.Second,
		MaxMessageSize: 64 * 1024,
	}
}

// Channel is the duplex text-frame connection to one auction room
// session. Inbound frames arrive on Frames in arrival order; writes are
// serialized; Close is safe to call any number of times.
type Channel struct {
	id     string
	conn   *websocket.Conn
	config Config

	frames chan string

	writeMu   sync.Mutex
	closeOnce sync.Once
	done      chan struct{}
}

// Dial connects to the room endpoint and starts the read pump.
func Dial(ctx context.Context, url string, config Config) (*Channel, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to dial room: %w", err)
	}

	c := &Channel{
		id:     uuid.New().String(),
		conn:   conn,
		config: config,
		frames: make(chan string, 64),
		done:   make(chan struct{}),
	}

	go c.readPump()
	go c.pingPump()

	log.Info().
		Str("channel_id", c.id).
		Str("url", url).
		Msg("room channel established")

	return c, nil
}

// Frames returns the inbound frame stream. The channel is closed when
// the connection goes away.
func (c *Channel) Frames() <-chan string { return c.frames }

// Done is closed when the channel has shut down.
func (c *Channel) Done() <-chan struct{} { return c.done }

// ID returns the channel instance id used in logs.
func (c *Channel) ID() string { return c.id }

// Send writes one text frame. It is a no-op error once the channel is
// closed.
func (c *Channel) Send(frame string) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
	if err := c.conn.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
		log.Error().
			Err(err).
			Str("channel_id", c.id).
			Msg("failed to write frame")
		c.Close()
		return fmt.Errorf("failed to write frame: %w", err)
	}
	return nil
}

// SendJSON marshals v and sends it as one text frame.
func (c *Channel) SendJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal frame: %w", err)
	}
	return c.Send(string(data))
}

// Close tears the connection down. Idempotent.
func (c *Channel) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"),
			time.Now().Add(time.Second))
		c.conn.Close()
		log.Info().Str("channel_id", c.id).Msg("room channel closed")
	})
	return nil
}

// readPump delivers inbound text frames until the connection dies.
func (c *Channel) readPump() {
	defer func() {
		c.Close()
		close(c.frames)
	}()

	c.conn.SetReadLimit(c.config.MaxMessageSize)
	c.conn.SetPongHandler(func(string) error { return nil })

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				log.Error().
					Err(err).
					Str("channel_id", c.id).
					Msg("unexpected websocket close")
			}
			return
		}

		select {
		case c.frames <- string(message):
		case <-c.done:
			return
		}
	}
}

// pingPump keeps the connection alive between authority messages.
func (c *Channel) pingPump() {
	ticker := time.NewTicker(c.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			c.conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
			err := c.conn.WriteMessage(websocket.PingMessage, nil)
			c.writeMu.Unlock()
			if err != nil {
				c.Close()
				return
			}
		}
	}
}
