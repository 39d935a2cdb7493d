package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib" // pgx driver for database/sql, used by goose.

	"telemirror/internal/model"
	"telemirror/migrations"
)

const (
	tableCorrelations = "correlations"
	tableMirrors      = "correlation_mirrors"
)

var psql = squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar)

// Postgres implements Store backed by a PostgreSQL connection pool.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres applies pending migrations and connects a pool to dsn.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	err = migrations.Run(ctx, db, migrations.Postgres)
	_ = db.Close()
	if err != nil {
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

// Close closes the pool.
func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}

func keyEq(key model.CorrelationKey) squirrel.Eq {
	return squirrel.Eq{
		"source_chat":  key.Source.ChatID,
		"source_topic": key.Source.TopicID,
		"group_key":    key.Group,
	}
}

// Get returns the record stored under key.
func (p *Postgres) Get(ctx context.Context, key model.CorrelationKey) (*model.CorrelationRecord, error) {
	query, args, err := psql.
		Select("thread_chat", "thread_topic", "thread_message", "created_at", "updated_at").
		From(tableCorrelations).
		Where(keyEq(key)).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build select: %w", err)
	}

	var threadChat *int64
	var threadTopic, threadMsg *int
	rec := &model.CorrelationRecord{Key: key}
	err = p.pool.QueryRow(ctx, query, args...).Scan(&threadChat, &threadTopic, &threadMsg, &rec.CreatedAt, &rec.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan correlation: %w", err)
	}
	rec.CreatedAt = rec.CreatedAt.UTC()
	rec.UpdatedAt = rec.UpdatedAt.UTC()
	if threadChat != nil {
		ref := model.MessageRef{Chat: model.ChannelRef{ChatID: *threadChat}}
		if threadTopic != nil {
			ref.Chat.TopicID = *threadTopic
		}
		if threadMsg != nil {
			ref.ID = *threadMsg
		}
		rec.Thread = &ref
	}

	query, args, err = psql.
		Select("target_chat", "target_topic", "message_id", "source_message_id").
		From(tableMirrors).
		Where(keyEq(key)).
		OrderBy("position").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build select mirrors: %w", err)
	}
	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query mirrors: %w", err)
	}
	defer rows.Close()

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
func (p *Postgres) Put(ctx context.Context, rec *model.CorrelationRecord) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	k := rec.Key
	var threadChat *int64
	var threadTopic, threadMsg *int
	if rec.Thread != nil {
		threadChat = &rec.Thread.Chat.ChatID
		threadTopic = &rec.Thread.Chat.TopicID
		threadMsg = &rec.Thread.ID
	}
	created, updated := recordTimes(rec)

	query, args, err := psql.
		Insert(tableCorrelations).
		Columns("source_chat", "source_topic", "group_key", "thread_chat", "thread_topic", "thread_message", "created_at", "updated_at").
		Values(k.Source.ChatID, k.Source.TopicID, k.Group, threadChat, threadTopic, threadMsg, created, updated).
		Suffix(`ON CONFLICT (source_chat, source_topic, group_key) DO UPDATE SET
			thread_chat = EXCLUDED.thread_chat,
			thread_topic = EXCLUDED.thread_topic,
			thread_message = EXCLUDED.thread_message,
			created_at = EXCLUDED.created_at,
			updated_at = EXCLUDED.updated_at`).
		ToSql()
	if err != nil {
		return fmt.Errorf("build upsert: %w", err)
	}
	if _, err := tx.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("upsert correlation: %w", err)
	}

	query, args, err = psql.Delete(tableMirrors).Where(keyEq(k)).ToSql()
	if err != nil {
		return fmt.Errorf("build delete mirrors: %w", err)
	}
	if _, err := tx.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("clear mirrors: %w", err)
	}

	if len(rec.Mirrors) > 0 {
		insert := psql.
			Insert(tableMirrors).
			Columns("source_chat", "source_topic", "group_key", "position", "target_chat", "target_topic", "message_id", "source_message_id")
		for i, m := range rec.Mirrors {
			insert = insert.Values(k.Source.ChatID, k.Source.TopicID, k.Group, i, m.Target.ChatID, m.Target.TopicID, m.MessageID, m.SourceID)
		}
		query, args, err = insert.ToSql()
		if err != nil {
			return fmt.Errorf("build insert mirrors: %w", err)
		}
		if _, err := tx.Exec(ctx, query, args...); err != nil {
			return fmt.Errorf("insert mirrors: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Delete removes the record; mirrors cascade.
func (p *Postgres) Delete(ctx context.Context, key model.CorrelationKey) error {
	query, args, err := psql.Delete(tableCorrelations).Where(keyEq(key)).ToSql()
	if err != nil {
		return fmt.Errorf("build delete: %w", err)
	}
	if _, err := p.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("delete correlation: %w", err)
	}
	return nil
}

// Locate returns the key of the record holding copies of message id in chat.
func (p *Postgres) Locate(ctx context.Context, chatID int64, id int) (model.CorrelationKey, error) {
	query, args, err := psql.
		Select("source_topic", "group_key").
		From(tableMirrors).
		Where(squirrel.Eq{"source_chat": chatID, "source_message_id": id}).
		OrderBy("position").
		Limit(1).
		ToSql()
	if err != nil {
		return model.CorrelationKey{}, fmt.Errorf("build locate: %w", err)
	}

	key := model.CorrelationKey{Source: model.Chat(chatID)}
	err = p.pool.QueryRow(ctx, query, args...).Scan(&key.Source.TopicID, &key.Group)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.CorrelationKey{}, ErrNotFound
	}
	if err != nil {
		return model.CorrelationKey{}, fmt.Errorf("locate message: %w", err)
	}
	return key, nil
}
