package ws

import (
	"context"
	"errors"
	"sort"

	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/Wyydra/yacall/internal/core/port"
	"github.com/rs/zerolog/log"
)

var ErrStopped = errors.New("hub stopped")

type binding struct {
	userID domain.UserID
	client Client
	done   chan struct{}
}

type detach struct {
	client Client
	done   chan struct{}
}

type lookup struct {
	userID domain.UserID
	reply  chan Client
}

type identify struct {
	connID domain.ConnID
	reply  chan domain.UserID
}

// Snapshot is a read-only view of the registry used by the status endpoints.
type Snapshot struct {
	Connected int
	Online    []domain.UserID
}

// Hub is the presence registry. All state is owned by the Run goroutine, so
// register/unregister for the same user can never interleave.
// implements port.PresenceRegistry
type Hub struct {
	clients  map[domain.ConnID]Client
	bindings map[domain.UserID]Client
	owners   map[domain.ConnID]domain.UserID

	attach     chan Client
	register   chan binding
	unregister chan detach
	resolve    chan lookup
	identity   chan identify
	snapshot   chan chan Snapshot
	quit       chan struct{}

	observers []port.PresenceObserver
}

func NewHub(observers ...port.PresenceObserver) *Hub {
	return &Hub{
		clients:    make(map[domain.ConnID]Client),
		bindings:   make(map[domain.UserID]Client),
		owners:     make(map[domain.ConnID]domain.UserID),
		attach:     make(chan Client),
		register:   make(chan binding),
		unregister: make(chan detach),
		resolve:    make(chan lookup),
		identity:   make(chan identify),
		snapshot:   make(chan chan Snapshot),
		quit:       make(chan struct{}),
		observers:  observers,
	}
}

func (h *Hub) Run() {
	for {
		select {
		case <-h.quit:
			for id, client := range h.clients {
				client.Close()
				delete(h.clients, id)
			}
			return

		case client := <-h.attach:
			h.clients[client.ID()] = client
			log.Debug().Str("client_id", client.ID().String()).Msg("Client attached")

		case b := <-h.register:
			h.bind(b.userID, b.client)
			close(b.done)

		case d := <-h.unregister:
			h.unbind(d.client)
			close(d.done)

		case l := <-h.resolve:
			l.reply <- h.bindings[l.userID]

		case i := <-h.identity:
			i.reply <- h.owners[i.connID]

		case reply := <-h.snapshot:
			online := make([]domain.UserID, 0, len(h.bindings))
			for userID := range h.bindings {
				online = append(online, userID)
			}
			sort.Slice(online, func(i, j int) bool { return online[i] < online[j] })
			reply <- Snapshot{Connected: len(h.clients), Online: online}
		}
	}
}

func (h *Hub) bind(userID domain.UserID, client Client) {
	connID := client.ID()
	h.clients[connID] = client

	// Re-registering a connection under a new identity releases the old one.
	if prevUser, ok := h.owners[connID]; ok && prevUser != userID {
		if bound, ok := h.bindings[prevUser]; ok && bound.ID() == connID {
			delete(h.bindings, prevUser)
			h.announce(domain.PresenceEvent{UserID: prevUser, State: domain.PresenceOffline}, connID)
		}
	}

	if prev, ok := h.bindings[userID]; ok && prev.ID() != connID {
		// The replaced connection keeps running; its eventual unregister is stale.
		delete(h.owners, prev.ID())
		log.Info().Str("user_id", userID.String()).
			Str("client_id", connID.String()).
			Str("replaced_client_id", prev.ID().String()).
			Msg("Binding replaced")
	}

	h.bindings[userID] = client
	h.owners[connID] = userID
	log.Info().Str("user_id", userID.String()).Str("client_id", connID.String()).Int("online", len(h.bindings)).Msg("Client registered")
	h.announce(domain.PresenceEvent{UserID: userID, State: domain.PresenceOnline}, connID)
}

func (h *Hub) unbind(client Client) {
	connID := client.ID()
	delete(h.clients, connID)

	userID, ok := h.owners[connID]
	if !ok {
		return
	}
	delete(h.owners, connID)

	bound, ok := h.bindings[userID]
	if !ok || bound.ID() != connID {
		log.Debug().Str("user_id", userID.String()).Str("client_id", connID.String()).Msg("Stale unregister ignored")
		return
	}
	delete(h.bindings, userID)
	log.Info().Str("user_id", userID.String()).Str("client_id", connID.String()).Int("online", len(h.bindings)).Msg("Client unregistered")
	h.announce(domain.PresenceEvent{UserID: userID, State: domain.PresenceOffline}, connID)
}

// announce must only be called from Run.
func (h *Hub) announce(ev domain.PresenceEvent, except domain.ConnID) {
	env := ev.Envelope()
	for id, client := range h.clients {
		if id == except {
			continue
		}
		if err := client.Send(env); err != nil {
			log.Error().Err(err).Str("client_id", id.String()).Msg("Error sending presence")
			client.Close()
			delete(h.clients, id)
		}
	}
	for _, o := range h.observers {
		o.Observe(ev)
	}
}

// Attach makes c receive presence broadcasts before it registers.
func (h *Hub) Attach(ctx context.Context, c Client) error {
	select {
	case h.attach <- c:
		return nil
	case <-h.quit:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Hub) Register(ctx context.Context, userID domain.UserID, c Client) error {
	b := binding{userID: userID, client: c, done: make(chan struct{})}
	return h.call(ctx, func() bool {
		select {
		case h.register <- b:
			return true
		case <-h.quit:
			return false
		case <-ctx.Done():
			return false
		}
	}, b.done)
}

func (h *Hub) Unregister(ctx context.Context, c Client) error {
	d := detach{client: c, done: make(chan struct{})}
	return h.call(ctx, func() bool {
		select {
		case h.unregister <- d:
			return true
		case <-h.quit:
			return false
		case <-ctx.Done():
			return false
		}
	}, d.done)
}

func (h *Hub) call(ctx context.Context, submit func() bool, done chan struct{}) error {
	if !submit() {
		if err := ctx.Err(); err != nil {
			return err
		}
		return ErrStopped
	}
	select {
	case <-done:
		return nil
	case <-h.quit:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Hub) Resolve(ctx context.Context, userID domain.UserID) (port.Endpoint, bool) {
	l := lookup{userID: userID, reply: make(chan Client, 1)}
	select {
	case h.resolve <- l:
	case <-h.quit:
		return nil, false
	case <-ctx.Done():
		return nil, false
	}
	select {
	case c := <-l.reply:
		return c, c != nil
	case <-ctx.Done():
		return nil, false
	}
}

func (h *Hub) Identity(ctx context.Context, c port.Endpoint) (domain.UserID, bool) {
	i := identify{connID: c.ID(), reply: make(chan domain.UserID, 1)}
	select {
	case h.identity <- i:
	case <-h.quit:
		return "", false
	case <-ctx.Done():
		return "", false
	}
	select {
	case userID := <-i.reply:
		return userID, userID != ""
	case <-ctx.Done():
		return "", false
	}
}

func (h *Hub) Snapshot(ctx context.Context) (Snapshot, error) {
	reply := make(chan Snapshot, 1)
	select {
	case h.snapshot <- reply:
	case <-h.quit:
		return Snapshot{}, ErrStopped
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	}
	select {
	case s := <-reply:
		return s, nil
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	}
}

func (h *Hub) Stop() {
	close(h.quit)
}
