package transcript

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/vango-go/vai-call/pkg/core"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

type pgxQuerier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore persists transcripts in the call_messages table.
type PostgresStore struct {
	db pgxQuerier
}

func NewPostgresStore(db pgxQuerier) *PostgresStore {
	return &PostgresStore{db: db}
}

// OpenPool connects to PostgreSQL and verifies the connection.
func OpenPool(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open transcript database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping transcript database: %w", err)
	}
	return pool, nil
}

// Migrate applies the embedded schema migrations.
func Migrate(ctx context.Context, pool *pgxpool.Pool, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	sub, err := fs.Sub(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}
	db := stdlib.OpenDBFromPool(pool)
	defer db.Close()

	provider, err := goose.NewProvider(goose.DialectPostgres, db, sub)
	if err != nil {
		return fmt.Errorf("init migrations: %w", err)
	}
	results, err := provider.Up(ctx)
	if err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	for _, r := range results {
		logger.Info("applied transcript migration", "version", r.Source.Version, "duration", r.Duration)
	}
	return nil
}

const insertMessageSQL = `
INSERT INTO call_messages (id, conversation_id, role, content, message_type, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, now())
RETURNING updated_at`

func (s *PostgresStore) CreateMessage(ctx context.Context, msg NewMessage) (Message, error) {
	if err := msg.validate(); err != nil {
		return Message{}, err
	}
	out := Message{
		ID:             uuid.NewString(),
		ConversationID: msg.ConversationID,
		Role:           msg.Role,
		Content:        msg.Content,
		MessageType:    messageTypeOr(msg.MessageType, MessageTypeSpeech),
		CreatedAt:      msg.CreatedAt.UTC(),
	}
	err := s.db.QueryRow(ctx, insertMessageSQL,
		out.ID, out.ConversationID, string(out.Role), out.Content, out.MessageType, out.CreatedAt,
	).Scan(&out.UpdatedAt)
	if err != nil {
		return Message{}, fmt.Errorf("insert message: %w", err)
	}
	return out, nil
}

// created_at is always bound from the caller; the column has no update trigger.
const updateMessageSQL = `
UPDATE call_messages
SET content = $2, message_type = COALESCE(NULLIF($3, ''), message_type), created_at = $4, updated_at = now()
WHERE id = $1`

func (s *PostgresStore) UpdateMessage(ctx context.Context, id string, upd MessageUpdate) error {
	if err := upd.validate(id); err != nil {
		return err
	}
	if _, err := uuid.Parse(id); err != nil {
		return core.NewNotFoundError("message not found: " + id)
	}
	tag, err := s.db.Exec(ctx, updateMessageSQL, id, upd.Content, upd.MessageType, upd.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("update message %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return core.NewNotFoundError("message not found: " + id)
	}
	return nil
}

// Messages with the same created_at come back in insert order, matching MemoryStore.
const selectConversationSQL = `
SELECT id::text, conversation_id, role, content, message_type, created_at, updated_at
FROM call_messages
WHERE conversation_id = $1
ORDER BY created_at ASC, seq ASC`

func (s *PostgresStore) FindMessagesByConversation(ctx context.Context, conversationID string) ([]Message, error) {
	rows, err := s.db.Query(ctx, selectConversationSQL, conversationID)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	out := make([]Message, 0, 16)
	for rows.Next() {
		var (
			m    Message
			role string
		)
		if err := rows.Scan(&m.ID, &m.ConversationID, &role, &m.Content, &m.MessageType, &m.CreatedAt, &m.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.Role = Role(role)
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return out, nil
}
