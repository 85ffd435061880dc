// Package signaling is the client side of the signaling websocket.
package signaling

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/dkeye/Meet/internal/protocol"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 1 << 20
)

var ErrClosed = errors.New("signaling connection closed")

// Client manages the websocket to the signaling server. Packets are decoded
// in the read pump; undecodable frames are logged and skipped.
type Client struct {
	conn     *websocket.Conn
	incoming chan protocol.ClientboundPacket
	outgoing chan []byte
	done     chan struct{}
	log      zerolog.Logger

	closeOnce sync.Once
	mu        sync.Mutex
	err       error
}

// Dial connects to the signaling endpoint, e.g. ws://host:8080/signaling.
func Dial(ctx context.Context, serverURL string) (*Client, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return nil, fmt.Errorf("invalid server URL: %w", err)
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}
	conn.SetReadLimit(maxMessageSize)

	c := &Client{
		conn:     conn,
		incoming: make(chan protocol.ClientboundPacket, 64),
		outgoing: make(chan []byte, 64),
		done:     make(chan struct{}),
		log:      log.With().Str("module", "signaling").Str("server", u.Host).Logger(),
	}
	go c.readPump()
	go c.writePump()
	c.log.Info().Msg("connected")
	return c, nil
}

func (c *Client) readPump() {
	defer func() {
		close(c.incoming)
		c.Close()
	}()

	for {
		kind, data, err := c.conn.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
			default:
				c.setErr(err)
				c.log.Warn().Err(err).Msg("read failed")
			}
			return
		}
		if kind != websocket.TextMessage {
			continue
		}
		p, err := protocol.DecodeClientbound(data)
		if err != nil {
			c.log.Warn().Err(err).Msg("server sent invalid packet")
			continue
		}
		select {
		case c.incoming <- p:
		case <-c.done:
			return
		}
	}
}

func (c *Client) writePump() {
	defer func() { _ = c.conn.Close() }()

	for {
		select {
		case data := <-c.outgoing:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.setErr(err)
				c.log.Warn().Err(err).Msg("write failed")
				c.Close()
				return
			}
		case <-c.done:
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			return
		}
	}
}

// Send queues p for writing. It blocks while the write queue is full.
func (c *Client) Send(p protocol.ServerboundPacket) error {
	data, err := protocol.EncodeServerbound(p)
	if err != nil {
		return err
	}
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	select {
	case c.outgoing <- data:
		return nil
	case <-c.done:
		return ErrClosed
	}
}

// Packets yields decoded server packets. It is closed when the connection ends.
func (c *Client) Packets() <-chan protocol.ClientboundPacket { return c.incoming }

// Done is closed once Close was called or the connection broke.
func (c *Client) Done() <-chan struct{} { return c.done }

// Err reports why the connection ended, nil after a local Close.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *Client) setErr(err error) {
	c.mu.Lock()
	if c.err == nil {
		c.err = err
	}
	c.mu.Unlock()
}

// Close sends a close frame and stops both pumps.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		// Unblocks the read pump.
		_ = c.conn.SetReadDeadline(time.Now().Add(time.Second))
	})
}
