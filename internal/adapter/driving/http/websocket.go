package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 << 10
	sendQueueSize  = 256
)

var (
	errQueueFull = errors.New("send queue full")
	errClosed    = errors.New("connection closed")
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// TODO: restrict to the web client's origin once it is served from a fixed host
	CheckOrigin: func(r *http.Request) bool { return true },
}

// WSClient is one signaling connection. Send only enqueues; a single write
// pump drains the queue so envelopes leave in the order they were accepted.
type WSClient struct {
	id   domain.ConnID
	conn *websocket.Conn
	send chan domain.Envelope
	done chan struct{}
	once sync.Once
	log  zerolog.Logger
}

func newWSClient(conn *websocket.Conn) *WSClient {
	id := domain.NewConnID()
	return &WSClient{
		id:   id,
		conn: conn,
		send: make(chan domain.Envelope, sendQueueSize),
		done: make(chan struct{}),
		log:  log.With().Str("client_id", id.String()).Logger(),
	}
}

func (c *WSClient) ID() domain.ConnID {
	return c.id
}

func (c *WSClient) Send(env domain.Envelope) error {
	select {
	case <-c.done:
		return errClosed
	default:
	}
	select {
	case c.send <- env:
		return nil
	case <-c.done:
		return errClosed
	default:
		return errQueueFull
	}
}

func (c *WSClient) Close() error {
	var err error
	c.once.Do(func() {
		close(c.done)
		err = c.conn.Close()
	})
	return err
}

func (c *WSClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
	}()
	for {
		select {
		case <-c.done:
			return
		case env := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(env); err != nil {
				c.log.Debug().Err(err).Msg("Write failed")
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

// ServeWS upgrades the request and relays envelopes until the peer goes away.
func (h *Handler) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("Error while upgrading ws")
		return
	}

	client := newWSClient(conn)
	l := client.log
	l.Info().Msg("New client connected")

	// The request context ends with the handler; the hub calls must outlive a cancelled request.
	ctx := context.WithoutCancel(r.Context())
	if err := h.Hub.Attach(ctx, client); err != nil {
		l.Error().Err(err).Msg("Hub unavailable")
		client.Close()
		return
	}
	go client.writePump()

	defer func() {
		if err := h.Hub.Unregister(ctx, client); err != nil {
			l.Debug().Err(err).Msg("Unregister after disconnect")
		}
		client.Close()
		l.Info().Msg("Client disconnected")
	}()

	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				l.Error().Err(err).Msg("Unexpected close error")
			}
			return
		}

		var env domain.Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			l.Warn().Err(err).Msg("Dropping undecodable message")
			continue
		}
		h.handleEnvelope(ctx, client, env, l)
	}
}

func (h *Handler) handleEnvelope(ctx context.Context, client *WSClient, env domain.Envelope, l zerolog.Logger) {
	var err error
	if env.Type == domain.TypeRegister {
		err = h.Relay.Register(ctx, client, env)
	} else {
		err = h.Relay.Forward(ctx, client, env)
	}
	switch {
	case err == nil:
	case errors.Is(err, domain.ErrDeliveryFailed):
		l.Debug().Err(err).Msg("Envelope not delivered")
	default:
		l.Warn().Err(err).Str("type", string(env.Type)).Msg("Envelope dropped")
	}
}
