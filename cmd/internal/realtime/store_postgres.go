// Package realtime contains the channel server: WebSocket gateway, channel fanout,
// presence, and message and presence persistence.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore is a MessageStore and PresenceStore backed by PostgreSQL.
//
// Ownership model:
//   - PostgresStore does NOT own the pgx pool. The caller must close the pool.
//   - Close() is therefore a no-op.
//
// Concurrency model:
//   - Writes take a per-channel transactional advisory lock, so seq allocation has
//     no gaps caused by duplicates and is strictly monotonic under concurrency.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
}

// PostgresOption configures PostgresStore behavior.
type PostgresOption func(*PostgresStore) error

// WithSchema sets the DB schema used by this store (default: "huddle").
// The schema name is validated and safely quoted in queries.
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("realtime: empty schema")
		}
		if !isValidPGIdent(schema) {
			return errors.New("realtime: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresStore constructs a Postgres-backed store.
func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
	st := &PostgresStore{
		pool:   pool,
		schema: "huddle",
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, errors.New("realtime: nil pool")
	}
	return st, nil
}

// Close is a no-op because the pool is owned by the caller.
func (s *PostgresStore) Close() error { return nil }

// Migrate creates the schema objects the store needs. It is idempotent.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	cursors := pgIdent(s.schema, "channel_cursors")
	messages := pgIdent(s.schema, "messages")
	presence := pgIdent(s.schema, "presence_events")

	ddl := fmt.Sprintf(`
CREATE SCHEMA IF NOT EXISTS %s;

CREATE TABLE IF NOT EXISTS %s (
  channel           TEXT PRIMARY KEY,
  next_msg_seq      BIGINT NOT NULL DEFAULT 1,
  next_presence_seq BIGINT NOT NULL DEFAULT 1,
  updated_at        TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS %s (
  channel        TEXT NOT NULL,
  seq            BIGINT NOT NULL,
  server_msg_id  TEXT NOT NULL,
  client_msg_id  TEXT NOT NULL,
  client_id      TEXT NOT NULL,
  sender_session TEXT NOT NULL,
  name           TEXT NOT NULL DEFAULT '',
  text           TEXT NOT NULL,
  server_ts      TIMESTAMPTZ NOT NULL DEFAULT now(),

  PRIMARY KEY (channel, seq),
  CONSTRAINT uq_messages_channel_client_msg UNIQUE (channel, client_msg_id),
  CONSTRAINT uq_messages_server_msg_id UNIQUE (server_msg_id),
  CONSTRAINT chk_messages_text_len CHECK (char_length(text) > 0 AND char_length(text) <= 4096)
);

CREATE TABLE IF NOT EXISTS %s (
  channel    TEXT NOT NULL,
  seq        BIGINT NOT NULL,
  action     TEXT NOT NULL CHECK (action IN ('enter', 'update', 'leave')),
  client_id  TEXT NOT NULL,
  session_id TEXT NOT NULL,
  is_typing  BOOLEAN NOT NULL DEFAULT false,
  server_ts  TIMESTAMPTZ NOT NULL DEFAULT now(),

  PRIMARY KEY (channel, seq)
);
`, pgx.Identifier{s.schema}.Sanitize(), cursors, messages, presence)

	if _, err := s.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("realtime: migrate: %w", err)
	}
	return nil
}

// AppendMessage appends a message with idempotency and monotonic sequence allocation.
func (s *PostgresStore) AppendMessage(ctx context.Context, in AppendMessageInput) (AppendMessageResult, error) {
	if s == nil || s.pool == nil {
		return AppendMessageResult{}, errors.New("realtime: nil store")
	}
	if in.Channel == "" || in.ClientMsgID == "" || in.SenderSession == "" {
		return AppendMessageResult{}, ErrInvalidInput
	}
	if err := ctx.Err(); err != nil {
		return AppendMessageResult{}, err
	}

	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	messages := pgIdent(s.schema, "messages")
	var out AppendMessageResult

	err := s.withChannelLock(ctx, in.Channel, func(tx pgx.Tx) error {
		existing, err := readMessageByClientMsgID(ctx, tx, messages, in.Channel, in.ClientMsgID)
		if err == nil {
			out = AppendMessageResult{Stored: existing, Duplicated: true}
			return nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return err
		}

		seq, err := s.nextSeq(ctx, tx, in.Channel, "next_msg_seq")
		if err != nil {
			return err
		}

		serverMsgID, err := NewServerMsgID(now)
		if err != nil {
			return err
		}

		if _, err := tx.Exec(ctx,
			`INSERT INTO `+messages+` (
			     channel, seq, server_msg_id, client_msg_id, client_id, sender_session, name, text, server_ts
			   ) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			in.Channel, seq, serverMsgID, in.ClientMsgID, in.ClientID, in.SenderSession, in.Name, in.Text, now,
		); err != nil {
			return fmt.Errorf("insert message: %w", err)
		}

		out = AppendMessageResult{Stored: StoredMessage{
			Channel:       in.Channel,
			ClientMsgID:   in.ClientMsgID,
			ServerMsgID:   serverMsgID,
			Seq:           seq,
			ClientID:      in.ClientID,
			SenderSession: in.SenderSession,
			Name:          in.Name,
			Text:          in.Text,
			ServerTS:      now,
		}}
		return nil
	})
	if err != nil {
		return AppendMessageResult{}, err
	}
	return out, nil
}

// FetchHistory returns a message window in the requested direction.
func (s *PostgresStore) FetchHistory(ctx context.Context, in FetchHistoryInput) (FetchHistoryResult, error) {
	if s == nil || s.pool == nil {
		return FetchHistoryResult{}, errors.New("realtime: nil store")
	}
	if in.Channel == "" {
		return FetchHistoryResult{}, ErrInvalidInput
	}

	limit := clampHistoryLimit(in.Limit)
	messages := pgIdent(s.schema, "messages")

	rows, err := s.pool.Query(ctx,
		`SELECT channel, client_msg_id, server_msg_id, seq, client_id, sender_session, name, text, server_ts
		   FROM `+messages+`
		  WHERE channel = $1
		    AND ($2::bigint IS NULL OR seq > $2)
		    AND ($3::bigint IS NULL OR seq <= $3)
		  ORDER BY seq `+sqlOrder(in.Direction)+`
		  LIMIT $4`,
		in.Channel, in.AfterSeq, in.UntilSeq, limit+1,
	)
	if err != nil {
		return FetchHistoryResult{}, err
	}
	defer rows.Close()

	msgs := make([]StoredMessage, 0, limit+1)
	for rows.Next() {
		var m StoredMessage
		if err := rows.Scan(
			&m.Channel,
			&m.ClientMsgID,
			&m.ServerMsgID,
			&m.Seq,
			&m.ClientID,
			&m.SenderSession,
			&m.Name,
			&m.Text,
			&m.ServerTS,
		); err != nil {
			return FetchHistoryResult{}, err
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return FetchHistoryResult{}, err
	}

	hasMore := len(msgs) > limit
	if hasMore {
		msgs = msgs[:limit]
	}
	return FetchHistoryResult{Messages: msgs, HasMore: hasMore}, nil
}

// LatestSeq returns the last allocated message seq (0 for an unknown channel).
func (s *PostgresStore) LatestSeq(ctx context.Context, channel string) (int64, error) {
	return s.latest(ctx, channel, "next_msg_seq")
}

// AppendPresence appends one event to the channel presence log.
func (s *PostgresStore) AppendPresence(ctx context.Context, in AppendPresenceInput) (PresenceEvent, error) {
	if s == nil || s.pool == nil {
		return PresenceEvent{}, errors.New("realtime: nil store")
	}
	if in.Channel == "" || in.SessionID == "" || !validPresenceAction(in.Action) {
		return PresenceEvent{}, ErrInvalidInput
	}

	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	presence := pgIdent(s.schema, "presence_events")
	var ev PresenceEvent

	err := s.withChannelLock(ctx, in.Channel, func(tx pgx.Tx) error {
		seq, err := s.nextSeq(ctx, tx, in.Channel, "next_presence_seq")
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO `+presence+` (channel, seq, action, client_id, session_id, is_typing, server_ts)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			in.Channel, seq, in.Action, in.ClientID, in.SessionID, in.Data.IsTyping, now,
		); err != nil {
			return fmt.Errorf("insert presence: %w", err)
		}

		ev = PresenceEvent{
			Channel:   in.Channel,
			Seq:       seq,
			Action:    in.Action,
			ClientID:  in.ClientID,
			SessionID: in.SessionID,
			Data:      in.Data,
			ServerTS:  now,
		}
		return nil
	})
	if err != nil {
		return PresenceEvent{}, err
	}
	return ev, nil
}

// FetchPresenceHistory returns a presence window in the requested direction.
func (s *PostgresStore) FetchPresenceHistory(ctx context.Context, in FetchHistoryInput) (FetchPresenceHistoryResult, error) {
	if s == nil || s.pool == nil {
		return FetchPresenceHistoryResult{}, errors.New("realtime: nil store")
	}
	if in.Channel == "" {
		return FetchPresenceHistoryResult{}, ErrInvalidInput
	}

	limit := clampHistoryLimit(in.Limit)
	presence := pgIdent(s.schema, "presence_events")

	rows, err := s.pool.Query(ctx,
		`SELECT channel, seq, action, client_id, session_id, is_typing, server_ts
		   FROM `+presence+`
		  WHERE channel = $1
		    AND ($2::bigint IS NULL OR seq > $2)
		    AND ($3::bigint IS NULL OR seq <= $3)
		  ORDER BY seq `+sqlOrder(in.Direction)+`
		  LIMIT $4`,
		in.Channel, in.AfterSeq, in.UntilSeq, limit+1,
	)
	if err != nil {
		return FetchPresenceHistoryResult{}, err
	}
	defer rows.Close()

	events := make([]PresenceEvent, 0, limit+1)
	for rows.Next() {
		var e PresenceEvent
		if err := rows.Scan(&e.Channel, &e.Seq, &e.Action, &e.ClientID, &e.SessionID, &e.Data.IsTyping, &e.ServerTS); err != nil {
			return FetchPresenceHistoryResult{}, err
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return FetchPresenceHistoryResult{}, err
	}

	hasMore := len(events) > limit
	if hasMore {
		events = events[:limit]
	}
	return FetchPresenceHistoryResult{Events: events, HasMore: hasMore}, nil
}

// LatestPresenceSeq returns the last allocated presence seq (0 for an unknown channel).
func (s *PostgresStore) LatestPresenceSeq(ctx context.Context, channel string) (int64, error) {
	return s.latest(ctx, channel, "next_presence_seq")
}

// withChannelLock runs fn in a transaction holding the channel's advisory lock.
func (s *PostgresStore) withChannelLock(ctx context.Context, channel string, fn func(tx pgx.Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.ReadCommitted,
		AccessMode: pgx.ReadWrite,
	})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// hashtextextended reduces collision risk vs hashtext (still a hash, but better).
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, channel); err != nil {
		return fmt.Errorf("advisory lock: %w", err)
	}

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// nextSeq allocates from the given cursor column; column is always a package constant.
func (s *PostgresStore) nextSeq(ctx context.Context, tx pgx.Tx, channel, column string) (int64, error) {
	cursors := pgIdent(s.schema, "channel_cursors")

	if _, err := tx.Exec(ctx,
		`INSERT INTO `+cursors+` (channel) VALUES ($1) ON CONFLICT (channel) DO NOTHING`,
		channel,
	); err != nil {
		return 0, err
	}

	var seq int64
	err := tx.QueryRow(ctx,
		`UPDATE `+cursors+`
		    SET `+column+` = `+column+` + 1,
		        updated_at = now()
		  WHERE channel = $1
		RETURNING (`+column+` - 1)`,
		channel,
	).Scan(&seq)
	return seq, err
}

func (s *PostgresStore) latest(ctx context.Context, channel, column string) (int64, error) {
	if s == nil || s.pool == nil {
		return 0, errors.New("realtime: nil store")
	}

	var seq int64
	err := s.pool.QueryRow(ctx,
		`SELECT `+column+` - 1 FROM `+pgIdent(s.schema, "channel_cursors")+` WHERE channel = $1`,
		channel,
	).Scan(&seq)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	return seq, err
}

func readMessageByClientMsgID(ctx context.Context, tx pgx.Tx, messagesTable string, channel, clientMsgID string) (StoredMessage, error) {
	var m StoredMessage
	err := tx.QueryRow(ctx,
		`SELECT channel, client_msg_id, server_msg_id, seq, client_id, sender_session, name, text, server_ts
		   FROM `+messagesTable+`
		  WHERE channel = $1 AND client_msg_id = $2`,
		channel, clientMsgID,
	).Scan(&m.Channel, &m.ClientMsgID, &m.ServerMsgID, &m.Seq, &m.ClientID, &m.SenderSession, &m.Name, &m.Text, &m.ServerTS)
	return m, err
}

func sqlOrder(d Direction) string {
	if d == Forwards {
		return "ASC"
	}
	return "DESC"
}

var pgIdentRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func isValidPGIdent(s string) bool {
	return pgIdentRE.MatchString(s)
}

func pgIdent(schema, table string) string {
	// pgx.Identifier safely quotes identifiers, preventing SQL injection.
	return pgx.Identifier{schema, table}.Sanitize()
}
