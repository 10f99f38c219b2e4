package metadata

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresConfig describes the connection pool of PostgresStore.
type PostgresConfig struct {
	DSN                 string
	MaxConnections      int32
	MinConnections      int32
	MaxConnLifetime     time.Duration
	MaxConnIdleTime     time.Duration
	HealthCheckInterval time.Duration
	ConnectTimeout      time.Duration
	ApplicationName     string
	// ChatHistoryLimit caps rows returned by ChatHistory.
	ChatHistoryLimit int
}

// PostgresStore keeps channels, stream runs and chat in Postgres.
type PostgresStore struct {
	pool      *pgxpool.Pool
	chatLimit int
}

// NewPostgresStore opens the pool. It does not apply the schema; call Migrate.
func NewPostgresStore(ctx context.Context, cfg PostgresConfig) (*PostgresStore, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, errors.New("postgres dsn required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}
	if cfg.MaxConnections > 0 {
		poolCfg.MaxConns = cfg.MaxConnections
	}
	if cfg.MinConnections > 0 {
		poolCfg.MinConns = cfg.MinConnections
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.MaxConnIdleTime > 0 {
		poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime
	}
	if cfg.HealthCheckInterval > 0 {
		poolCfg.HealthCheckPeriod = cfg.HealthCheckInterval
	}
	if cfg.ConnectTimeout > 0 {
		poolCfg.ConnConfig.ConnectTimeout = cfg.ConnectTimeout
	}
	if cfg.ApplicationName != "" {
		if poolCfg.ConnConfig.RuntimeParams == nil {
			poolCfg.ConnConfig.RuntimeParams = make(map[string]string)
		}
		poolCfg.ConnConfig.RuntimeParams["application_name"] = cfg.ApplicationName
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}
	limit := cfg.ChatHistoryLimit
	if limit <= 0 {
		limit = 200
	}
	return &PostgresStore{pool: pool, chatLimit: limit}, nil
}

// Close releases the pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS channels (
		id TEXT PRIMARY KEY,
		stream_key TEXT NOT NULL UNIQUE,
		name TEXT NOT NULL DEFAULT '',
		category TEXT NOT NULL DEFAULT '',
		subscriber_count BIGINT NOT NULL DEFAULT 0,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS streams (
		id TEXT PRIMARY KEY,
		stream_key TEXT NOT NULL,
		channel_id TEXT,
		channel_name TEXT NOT NULL DEFAULT '',
		title TEXT NOT NULL DEFAULT '',
		category TEXT NOT NULL DEFAULT '',
		viewer_count BIGINT NOT NULL DEFAULT 0,
		started_at TIMESTAMPTZ NOT NULL,
		ended_at TIMESTAMPTZ
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS streams_live_key ON streams (stream_key) WHERE ended_at IS NULL`,
	`CREATE TABLE IF NOT EXISTS chat_messages (
		id TEXT PRIMARY KEY,
		stream_id TEXT NOT NULL,
		sender TEXT NOT NULL DEFAULT '',
		message TEXT NOT NULL,
		sent_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS chat_messages_stream_sent ON chat_messages (stream_id, sent_at)`,
}

// Migrate applies the schema. Every statement is idempotent.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

// UpsertChannel stores channel metadata for a stream key.
func (s *PostgresStore) UpsertChannel(ctx context.Context, streamKey string, channel ChannelMetadata) error {
	_, err := s.pool.Exec(ctx, `INSERT INTO channels (id, stream_key, name, category, subscriber_count)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET stream_key = EXCLUDED.stream_key, name = EXCLUDED.name,
			category = EXCLUDED.category, subscriber_count = EXCLUDED.subscriber_count`,
		channel.ChannelID, streamKey, channel.Name, channel.Category, channel.SubscriberCount)
	if err != nil {
		return fmt.Errorf("upsert channel %s: %w", channel.ChannelID, err)
	}
	return nil
}

func (s *PostgresStore) LiveStreams(ctx context.Context) ([]StreamRecord, error) {
	rows, err := s.pool.Query(ctx, `SELECT s.id, COALESCE(s.channel_id, c.id, ''),
			COALESCE(NULLIF(s.channel_name, ''), c.name, ''), s.stream_key, s.title,
			COALESCE(NULLIF(s.category, ''), c.category, ''), s.viewer_count,
			COALESCE(c.subscriber_count, 0), s.started_at
		FROM streams s
		LEFT JOIN channels c ON c.stream_key = s.stream_key
		WHERE s.ended_at IS NULL
		ORDER BY s.started_at, s.id`)
	if err != nil {
		return nil, fmt.Errorf("%w: query live streams: %v", ErrUnavailable, err)
	}
	records, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (StreamRecord, error) {
		var r StreamRecord
		err := row.Scan(&r.ID, &r.ChannelID, &r.ChannelName, &r.StreamKey, &r.Title, &r.Category,
			&r.ViewerCount, &r.SubscriberCount, &r.StartedAt)
		r.StartedAt = r.StartedAt.UTC()
		return r, err
	})
	if err != nil {
		return nil, fmt.Errorf("%w: scan live streams: %v", ErrUnavailable, err)
	}
	return records, nil
}

func (s *PostgresStore) ChatHistory(ctx context.Context, streamID string, since time.Time) ([]ChatMessage, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, stream_id, sender, message, sent_at
		FROM chat_messages
		WHERE stream_id = $1 AND sent_at > $2
		ORDER BY sent_at, id
		LIMIT $3`, streamID, since, s.chatLimit)
	if err != nil {
		return nil, fmt.Errorf("%w: query chat: %v", ErrUnavailable, err)
	}
	messages, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (ChatMessage, error) {
		var m ChatMessage
		err := row.Scan(&m.ID, &m.StreamID, &m.Sender, &m.Message, &m.SentAt)
		m.SentAt = m.SentAt.UTC()
		return m, err
	})
	if err != nil {
		return nil, fmt.Errorf("%w: scan chat: %v", ErrUnavailable, err)
	}
	return messages, nil
}

func (s *PostgresStore) SendChat(ctx context.Context, msg ChatMessage) error {
	if msg.ID == "" || msg.StreamID == "" {
		return fmt.Errorf("%w: chat message requires id and stream id", ErrRejected)
	}
	_, err := s.pool.Exec(ctx, `INSERT INTO chat_messages (id, stream_id, sender, message, sent_at)
		VALUES ($1, $2, $3, $4, $5) ON CONFLICT (id) DO NOTHING`,
		msg.ID, msg.StreamID, msg.Sender, msg.Message, msg.SentAt.UTC())
	if err != nil {
		return fmt.Errorf("%w: insert chat message: %v", ErrUnavailable, err)
	}
	return nil
}

// StartStream closes any open run for the key and opens a new one.
func (s *PostgresStore) StartStream(ctx context.Context, ctl StreamControl) error {
	if ctl.StreamKey == "" {
		return fmt.Errorf("%w: stream key is required", ErrRejected)
	}
	at := ctl.At
	if at.IsZero() {
		at = time.Now()
	}
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("%w: begin stream start: %v", ErrUnavailable, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `UPDATE streams SET ended_at = $2 WHERE stream_key = $1 AND ended_at IS NULL`, ctl.StreamKey, at.UTC()); err != nil {
		return fmt.Errorf("%w: close previous run: %v", ErrUnavailable, err)
	}
	var channelID any
	if ctl.ChannelID != "" {
		channelID = ctl.ChannelID
	}
	if _, err := tx.Exec(ctx, `INSERT INTO streams (id, stream_key, channel_id, channel_name, title, category, started_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		uuid.NewString(), ctl.StreamKey, channelID, ctl.ChannelName, ctl.Title, ctl.Category, at.UTC()); err != nil {
		return fmt.Errorf("%w: insert stream run: %v", ErrUnavailable, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("%w: commit stream start: %v", ErrUnavailable, err)
	}
	return nil
}

func (s *PostgresStore) StopStream(ctx context.Context, ctl StreamControl) error {
	at := ctl.At
	if at.IsZero() {
		at = time.Now()
	}
	if _, err := s.pool.Exec(ctx, `UPDATE streams SET ended_at = $2 WHERE stream_key = $1 AND ended_at IS NULL`, ctl.StreamKey, at.UTC()); err != nil {
		return fmt.Errorf("%w: stop stream: %v", ErrUnavailable, err)
	}
	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}
