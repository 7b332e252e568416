package wsclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var ErrNotConnected = errors.New("signaling not connected")

const (
	writeWait        = 10 * time.Second
	handshakeTimeout = 10 * time.Second
	defaultBackoff   = time.Second
	maxBackoff       = 30 * time.Second
)

type Config struct {
	URL         string
	UserID      domain.UserID
	DisplayName string
	Token       string
	// MaxReconnects bounds consecutive failed reconnect attempts.
	MaxReconnects int
	// Backoff is the first reconnect delay; it doubles up to 30s.
	Backoff time.Duration
}

// Client is the participant side of the signaling transport. It implements
// port.Signaler and hands every received envelope to the handler in order.
type Client struct {
	cfg    Config
	dialer *websocket.Dialer
	log    zerolog.Logger

	handler     func(domain.Envelope)
	onReconnect func()

	mu     sync.Mutex
	conn   *websocket.Conn
	closed bool
}

func New(cfg Config, handler func(domain.Envelope)) *Client {
	if cfg.Backoff <= 0 {
		cfg.Backoff = defaultBackoff
	}
	return &Client{
		cfg:     cfg,
		dialer:  &websocket.Dialer{HandshakeTimeout: handshakeTimeout},
		log:     log.With().Str("user_id", cfg.UserID.String()).Logger(),
		handler: handler,
	}
}

// OnReconnect sets fn to run after every successful re-registration.
func (c *Client) OnReconnect(fn func()) {
	c.mu.Lock()
	c.onReconnect = fn
	c.mu.Unlock()
}

// Connect dials and registers. It must be called before Run.
func (c *Client) Connect(ctx context.Context) error {
	conn, _, err := c.dialer.DialContext(ctx, c.cfg.URL, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.cfg.URL, err)
	}
	reg := domain.Envelope{
		Type:        domain.TypeRegister,
		UserID:      c.cfg.UserID,
		DisplayName: c.cfg.DisplayName,
		Token:       c.cfg.Token,
	}
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(reg); err != nil {
		conn.Close()
		return fmt.Errorf("register: %w", err)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		conn.Close()
		return ErrNotConnected
	}
	c.conn = conn
	c.mu.Unlock()
	c.log.Info().Str("url", c.cfg.URL).Msg("Signaling connected")
	return nil
}

// Run reads until ctx is done, reconnecting when the connection drops. It
// returns an error once MaxReconnects consecutive attempts have failed.
func (c *Client) Run(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		c.mu.Lock()
		if c.conn != nil {
			c.conn.Close()
		}
		c.mu.Unlock()
	}()

	for {
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn == nil {
			return ErrNotConnected
		}

		c.readLoop(conn)
		if ctx.Err() != nil {
			return nil
		}

		c.mu.Lock()
		closed := c.closed
		if c.conn == conn {
			c.conn = nil
		}
		c.mu.Unlock()
		if closed {
			return nil
		}

		if err := c.reconnect(ctx); err != nil {
			return err
		}
		c.mu.Lock()
		fn := c.onReconnect
		c.mu.Unlock()
		if fn != nil {
			fn()
		}
	}
}

func (c *Client) readLoop(conn *websocket.Conn) {
	defer conn.Close()
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			c.log.Info().Err(err).Msg("Signaling connection lost")
			return
		}
		var env domain.Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			c.log.Warn().Err(err).Msg("Dropping undecodable message")
			continue
		}
		if env.Type == domain.TypeRegistered {
			c.log.Debug().Msg("Registered")
		}
		c.handler(env)
	}
}

func (c *Client) reconnect(ctx context.Context) error {
	delay := c.cfg.Backoff
	for attempt := 1; attempt <= c.cfg.MaxReconnects; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		err := c.Connect(ctx)
		if err == nil {
			c.log.Info().Int("attempt", attempt).Msg("Signaling reconnected")
			return nil
		}
		c.log.Warn().Err(err).Int("attempt", attempt).Msg("Reconnect failed")
		delay *= 2
		if delay > maxBackoff {
			delay = maxBackoff
		}
	}
	return fmt.Errorf("gave up after %d reconnect attempts: %w", c.cfg.MaxReconnects, ErrNotConnected)
}

// Send writes env on the current connection. Writes are serialized by the lock.
func (c *Client) Send(ctx context.Context, env domain.Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return ErrNotConnected
	}
	deadline := time.Now().Add(writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	c.conn.SetWriteDeadline(deadline)
	if err := c.conn.WriteJSON(env); err != nil {
		return fmt.Errorf("send %s: %w", env.Type, err)
	}
	return nil
}

// Close ends the connection for good; Run returns instead of reconnecting.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	if c.conn == nil {
		return nil
	}
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	err := c.conn.Close()
	c.conn = nil
	return err
}
