package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // SQLite driver registration.

	"telemirror/internal/model"
	"telemirror/migrations"
)

const timeLayout = "2006-01-02T15:04:05Z"

// SQLite implements Store backed by a SQLite database.
type SQLite struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at dsn and runs pending migrations.
func NewSQLite(dsn string) (*SQLite, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// Every pooled connection to ":memory:" would get its own database.
	if dsn == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	if err := migrations.Run(context.Background(), db, migrations.SQLite); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &SQLite{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLite) Close() error {
	return s.db.Close()
}

// Get returns the record stored under key.
func (s *SQLite) Get(ctx context.Context, key model.CorrelationKey) (*model.CorrelationRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT thread_chat, thread_topic, thread_message, created_at, updated_at
		 FROM correlations WHERE source_chat = ? AND source_topic = ? AND group_key = ?`,
		key.Source.ChatID, key.Source.TopicID, key.Group,
	)
	rec, err := scanRecord(row, key)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT target_chat, target_topic, message_id, source_message_id
		 FROM correlation_mirrors
		 WHERE source_chat = ? AND source_topic = ? AND group_key = ?
		 ORDER BY position`,
		key.Source.ChatID, key.Source.TopicID, key.Group,
	)
	if err != nil {
		return nil, fmt.Errorf("query mirrors: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		m, err := scanMirror(rows)
		if err != nil {
			return nil, err
		}
		rec.Mirrors = append(rec.Mirrors, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate mirrors: %w", err)
	}
	return rec, nil
}

// Put replaces the record and all of its mirrors in one transaction.
func (s *SQLite) Put(ctx context.Context, rec *model.CorrelationRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	k := rec.Key
	var threadChat, threadTopic, threadMsg sql.NullInt64
	if rec.Thread != nil {
		threadChat = sql.NullInt64{Int64: rec.Thread.Chat.ChatID, Valid: true}
		threadTopic = sql.NullInt64{Int64: int64(rec.Thread.Chat.TopicID), Valid: true}
		threadMsg = sql.NullInt64{Int64: int64(rec.Thread.ID), Valid: true}
	}
	created, updated := recordTimes(rec)

	_, err = tx.ExecContext(ctx,
		`INSERT INTO correlations
		   (source_chat, source_topic, group_key, thread_chat, thread_topic, thread_message, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (source_chat, source_topic, group_key) DO UPDATE SET
		   thread_chat = excluded.thread_chat,
		   thread_topic = excluded.thread_topic,
		   thread_message = excluded.thread_message,
		   created_at = excluded.created_at,
		   updated_at = excluded.updated_at`,
		k.Source.ChatID, k.Source.TopicID, k.Group, threadChat, threadTopic, threadMsg,
		created.Format(timeLayout), updated.Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("upsert correlation: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM correlation_mirrors WHERE source_chat = ? AND source_topic = ? AND group_key = ?`,
		k.Source.ChatID, k.Source.TopicID, k.Group,
	); err != nil {
		return fmt.Errorf("clear mirrors: %w", err)
	}

	for i, m := range rec.Mirrors {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO correlation_mirrors
			   (source_chat, source_topic, group_key, position, target_chat, target_topic, message_id, source_message_id)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			k.Source.ChatID, k.Source.TopicID, k.Group, i,
			m.Target.ChatID, m.Target.TopicID, m.MessageID, m.SourceID,
		); err != nil {
			return fmt.Errorf("insert mirror: %w", err)
		}
	}
	return tx.Commit()
}

// Delete removes the record and its mirrors.
func (s *SQLite) Delete(ctx context.Context, key model.CorrelationKey) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	args := []any{key.Source.ChatID, key.Source.TopicID, key.Group}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM correlation_mirrors WHERE source_chat = ? AND source_topic = ? AND group_key = ?`, args...,
	); err != nil {
		return fmt.Errorf("delete mirrors: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM correlations WHERE source_chat = ? AND source_topic = ? AND group_key = ?`, args...,
	); err != nil {
		return fmt.Errorf("delete correlation: %w", err)
	}
	return tx.Commit()
}

// Locate returns the key of the record holding copies of message id in chat.
func (s *SQLite) Locate(ctx context.Context, chatID int64, id int) (model.CorrelationKey, error) {
	key := model.CorrelationKey{Source: model.Chat(chatID)}
	err := s.db.QueryRowContext(ctx,
		`SELECT source_topic, group_key FROM correlation_mirrors
		 WHERE source_chat = ? AND source_message_id = ?
		 ORDER BY position LIMIT 1`,
		chatID, id,
	).Scan(&key.Source.TopicID, &key.Group)
	if errors.Is(err, sql.ErrNoRows) {
		return model.CorrelationKey{}, ErrNotFound
	}
	if err != nil {
		return model.CorrelationKey{}, fmt.Errorf("locate message: %w", err)
	}
	return key, nil
}

// recordTimes fills in missing timestamps and normalizes them to UTC.
func recordTimes(rec *model.CorrelationRecord) (created, updated time.Time) {
	now := time.Now().UTC()
	created, updated = rec.CreatedAt.UTC(), rec.UpdatedAt.UTC()
	if rec.CreatedAt.IsZero() {
		created = now
	}
	if rec.UpdatedAt.IsZero() {
		updated = created
	}
	return created, updated
}

type scannable interface {
	Scan(dest ...any) error
}

func scanRecord(row scannable, key model.CorrelationKey) (*model.CorrelationRecord, error) {
	var threadChat, threadTopic, threadMsg sql.NullInt64
	var created, updated string
	err := row.Scan(&threadChat, &threadTopic, &threadMsg, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan correlation: %w", err)
	}

	rec := &model.CorrelationRecord{Key: key}
	if threadChat.Valid {
		rec.Thread = &model.MessageRef{
			Chat: model.ChannelRef{ChatID: threadChat.Int64, TopicID: int(threadTopic.Int64)},
			ID:   int(threadMsg.Int64),
		}
	}
	rec.CreatedAt, _ = time.Parse(timeLayout, created)
	rec.UpdatedAt, _ = time.Parse(timeLayout, updated)
	return rec, nil
}

func scanMirror(row scannable) (model.MirrorRef, error) {
	var m model.MirrorRef
	err := row.Scan(&m.Target.ChatID, &m.Target.TopicID, &m.MessageID, &m.SourceID)
	if err != nil {
		return m, fmt.Errorf("scan mirror: %w", err)
	}
	return m, nil
}
