package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/Wyydra/yacall/internal/core/domain"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

const (
	pingTimeout = 5 * time.Second
	// updateRetries bounds the compare-and-set loop in Update.
	updateRetries = 5
)

// Store persists call records and the signal log in SQLite or Postgres.
type Store struct {
	db      *sql.DB
	dialect Dialect
}

// Open connects, checks connectivity and creates the schema if needed.
// dsn must not be logged; it may carry credentials.
func Open(ctx context.Context, dialect Dialect, dsn string) (*Store, error) {
	driver, err := dialect.driver()
	if err != nil {
		return nil, err
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", dialect, err)
	}

	if dialect == SQLite {
		// One connection keeps :memory: databases coherent and serializes writers.
		db.SetMaxOpenConns(1)
		if _, err := db.ExecContext(ctx, `
			PRAGMA foreign_keys = ON;
			PRAGMA journal_mode = WAL;
			PRAGMA busy_timeout = 5000;
		`); err != nil {
			db.Close()
			return nil, fmt.Errorf("configure database: %w", err)
		}
	} else {
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(25)
		db.SetConnMaxLifetime(30 * time.Minute)
		db.SetConnMaxIdleTime(5 * time.Minute)
	}

	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("db ping failed: %w", err)
	}

	for _, stmt := range dialect.schema() {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("create schema: %w", err)
		}
	}

	log.Info().Str("dialect", string(dialect)).Msg("Call store ready")
	return &Store{db: db, dialect: dialect}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

const callColumns = `id, chat_id, caller_id, receiver_id, call_type, status, started_at, connected_at, ended_at, duration`

func (s *Store) Create(ctx context.Context, call domain.CallAttempt) error {
	_, err := s.db.ExecContext(ctx, s.dialect.rebind(`INSERT INTO calls (`+callColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		call.ID.String(), call.ChatID.String(), call.CallerID.String(), call.ReceiverID.String(),
		string(call.Kind), string(call.Status), toNanos(call.CreatedAt),
		nullNanos(call.ConnectedAt), nullNanos(call.EndedAt), call.DurationSeconds)
	if err != nil {
		return fmt.Errorf("insert call %s: %w", call.ID, err)
	}
	return nil
}

// Update applies u with a compare-and-set on the previous status, so two
// participants racing to record a transition cannot overwrite a later status.
func (s *Store) Update(ctx context.Context, id domain.CallID, u domain.StatusUpdate) (domain.CallAttempt, error) {
	for range updateRetries {
		call, err := s.Get(ctx, id)
		if err != nil {
			return domain.CallAttempt{}, err
		}
		prev := call.Status
		if err := call.Apply(u); err != nil {
			return call, err
		}
		res, err := s.db.ExecContext(ctx, s.dialect.rebind(`UPDATE calls
			SET status = ?, connected_at = ?, ended_at = ?, duration = ?
			WHERE id = ? AND status = ?`),
			string(call.Status), nullNanos(call.ConnectedAt), nullNanos(call.EndedAt), call.DurationSeconds,
			id.String(), string(prev))
		if err != nil {
			return domain.CallAttempt{}, fmt.Errorf("update call %s: %w", id, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return domain.CallAttempt{}, fmt.Errorf("update call %s: %w", id, err)
		}
		if n == 1 {
			return call, nil
		}
	}
	return domain.CallAttempt{}, fmt.Errorf("update call %s: concurrent writers: %w", id, domain.ErrStatusRegression)
}

func (s *Store) Get(ctx context.Context, id domain.CallID) (domain.CallAttempt, error) {
	row := s.db.QueryRowContext(ctx, s.dialect.rebind(`SELECT `+callColumns+` FROM calls WHERE id = ?`), id.String())
	return scanCall(row)
}

func (s *Store) ActiveByChat(ctx context.Context, chatID domain.ChatID) (domain.CallAttempt, error) {
	row := s.db.QueryRowContext(ctx, s.dialect.rebind(`SELECT `+callColumns+` FROM calls
		WHERE chat_id = ? AND status = ?
		ORDER BY started_at DESC LIMIT 1`), chatID.String(), string(domain.StatusCalling))
	return scanCall(row)
}

func (s *Store) ListByUser(ctx context.Context, userID domain.UserID, limit int) ([]domain.CallAttempt, error) {
	if limit <= 0 {
		limit = math.MaxInt32
	}
	rows, err := s.db.QueryContext(ctx, s.dialect.rebind(`SELECT `+callColumns+` FROM calls
		WHERE caller_id = ? OR receiver_id = ?
		ORDER BY started_at DESC LIMIT ?`), userID.String(), userID.String(), limit)
	if err != nil {
		return nil, fmt.Errorf("list calls of %s: %w", userID, err)
	}
	defer rows.Close()

	out := make([]domain.CallAttempt, 0)
	for rows.Next() {
		call, err := scanCall(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, call)
	}
	return out, rows.Err()
}

func (s *Store) Delete(ctx context.Context, id domain.CallID) error {
	// Signals go explicitly; ON DELETE CASCADE needs foreign_keys on every sqlite connection.
	if _, err := s.db.ExecContext(ctx, s.dialect.rebind(`DELETE FROM call_signals WHERE call_id = ?`), id.String()); err != nil {
		return fmt.Errorf("delete signals of %s: %w", id, err)
	}
	res, err := s.db.ExecContext(ctx, s.dialect.rebind(`DELETE FROM calls WHERE id = ?`), id.String())
	if err != nil {
		return fmt.Errorf("delete call %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrCallNotFound
	}
	return nil
}

func (s *Store) AppendSignal(ctx context.Context, sig domain.SignalRecord) error {
	var payload any = sig.Candidate
	if sig.Description != nil {
		payload = sig.Description
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s signal: %w", sig.Kind, err)
	}
	_, err = s.db.ExecContext(ctx, s.dialect.rebind(`INSERT INTO call_signals (id, call_id, sender_id, signal_type, payload, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`),
		sig.ID.String(), sig.CallID.String(), sig.SenderID.String(), string(sig.Kind), string(raw), toNanos(sig.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert signal for call %s: %w", sig.CallID, err)
	}
	return nil
}

func (s *Store) Signals(ctx context.Context, id domain.CallID) ([]domain.SignalRecord, error) {
	rows, err := s.db.QueryContext(ctx, s.dialect.rebind(`SELECT id, sender_id, signal_type, payload, created_at
		FROM call_signals WHERE call_id = ? ORDER BY seq`), id.String())
	if err != nil {
		return nil, fmt.Errorf("load signals of %s: %w", id, err)
	}
	defer rows.Close()

	out := make([]domain.SignalRecord, 0)
	for rows.Next() {
		var (
			sigID, sender, kind, payload string
			created                      int64
		)
		if err := rows.Scan(&sigID, &sender, &kind, &payload, &created); err != nil {
			return nil, err
		}
		sig := domain.SignalRecord{
			CallID:    id,
			SenderID:  domain.UserID(sender),
			Kind:      domain.SignalKind(kind),
			CreatedAt: fromNanos(created),
		}
		if err := sig.ID.UnmarshalText([]byte(sigID)); err != nil {
			return nil, fmt.Errorf("signal id %q: %w", sigID, err)
		}
		if sig.Kind == domain.SignalCandidate {
			sig.Candidate = &domain.ICECandidate{}
			err = json.Unmarshal([]byte(payload), sig.Candidate)
		} else {
			sig.Description = &domain.SessionDescription{}
			err = json.Unmarshal([]byte(payload), sig.Description)
		}
		if err != nil {
			return nil, fmt.Errorf("decode %s signal %s: %w", kind, sigID, err)
		}
		out = append(out, sig)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanCall(row scanner) (domain.CallAttempt, error) {
	var (
		call                         domain.CallAttempt
		id, chatID, caller, receiver string
		kind, status                 string
		started                      int64
		connected, ended             sql.NullInt64
	)
	err := row.Scan(&id, &chatID, &caller, &receiver, &kind, &status, &started, &connected, &ended, &call.DurationSeconds)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.CallAttempt{}, domain.ErrCallNotFound
	}
	if err != nil {
		return domain.CallAttempt{}, err
	}
	if call.ID, err = domain.ParseCallID(id); err != nil {
		return domain.CallAttempt{}, fmt.Errorf("call id %q: %w", id, err)
	}
	call.ChatID = domain.ChatID(chatID)
	call.CallerID = domain.UserID(caller)
	call.ReceiverID = domain.UserID(receiver)
	call.Kind = domain.MediaKind(kind)
	call.Status = domain.CallStatus(status)
	call.CreatedAt = fromNanos(started)
	if connected.Valid {
		t := fromNanos(connected.Int64)
		call.ConnectedAt = &t
	}
	if ended.Valid {
		t := fromNanos(ended.Int64)
		call.EndedAt = &t
	}
	return call, nil
}

func toNanos(t time.Time) int64 {
	return t.UTC().UnixNano()
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

func nullNanos(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: toNanos(*t), Valid: true}
}
