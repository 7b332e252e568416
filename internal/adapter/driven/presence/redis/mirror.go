package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Wyydra/yacall/internal/core/domain"
	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

const (
	OnlineKey = "yacall:presence:online"
	Channel   = "yacall:presence"

	queueSize    = 1024
	writeTimeout = 2 * time.Second
)

// commands is the subset of the redis client the mirror uses.
type commands interface {
	SAdd(ctx context.Context, key string, members ...interface{}) *goredis.IntCmd
	SRem(ctx context.Context, key string, members ...interface{}) *goredis.IntCmd
	Del(ctx context.Context, keys ...string) *goredis.IntCmd
	Publish(ctx context.Context, channel string, message interface{}) *goredis.IntCmd
}

// Mirror copies presence transitions into a redis set and publishes them,
// so other services can see who is online. Observe never blocks the registry.
type Mirror struct {
	rdb    commands
	events chan domain.PresenceEvent
	done   chan struct{}
}

func NewMirror(rdb commands) *Mirror {
	return &Mirror{
		rdb:    rdb,
		events: make(chan domain.PresenceEvent, queueSize),
		done:   make(chan struct{}),
	}
}

// Open connects to addr and checks it with PING.
func Open(ctx context.Context, addr string) (*goredis.Client, error) {
	if addr == "" {
		return nil, fmt.Errorf("redis addr is required")
	}
	rdb := goredis.NewClient(&goredis.Options{
		Addr:         addr,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
		PoolSize:     10,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return rdb, nil
}

func (m *Mirror) Observe(ev domain.PresenceEvent) {
	select {
	case m.events <- ev:
	default:
		log.Warn().Str("user_id", ev.UserID.String()).Str("state", string(ev.State)).Msg("Presence mirror queue full, dropping")
	}
}

// Run clears the online set left by a previous process, then applies events
// until ctx is done.
func (m *Mirror) Run(ctx context.Context) {
	defer close(m.done)
	if err := m.rdb.Del(ctx, OnlineKey).Err(); err != nil {
		log.Error().Err(err).Msg("Failed to reset presence set")
	}
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-m.events:
			m.apply(ctx, ev)
		}
	}
}

// Wait blocks until Run has returned.
func (m *Mirror) Wait() {
	<-m.done
}

func (m *Mirror) apply(ctx context.Context, ev domain.PresenceEvent) {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	l := log.With().Str("user_id", ev.UserID.String()).Str("state", string(ev.State)).Logger()

	var err error
	if ev.State == domain.PresenceOnline {
		err = m.rdb.SAdd(ctx, OnlineKey, ev.UserID.String()).Err()
	} else {
		err = m.rdb.SRem(ctx, OnlineKey, ev.UserID.String()).Err()
	}
	if err != nil {
		l.Error().Err(err).Msg("Failed to mirror presence")
		return
	}

	payload, err := json.Marshal(ev.Envelope())
	if err != nil {
		l.Error().Err(err).Msg("Failed to encode presence event")
		return
	}
	if err := m.rdb.Publish(ctx, Channel, payload).Err(); err != nil {
		l.Error().Err(err).Msg("Failed to publish presence")
	}
}
