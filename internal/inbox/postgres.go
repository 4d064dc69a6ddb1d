package inbox

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/SDCalvo/godot-llm-agent-framework-sub000/pkg/types"
)

// Schema is the SQL DDL for the agent_messages table. Execute it via
// [PostgresStore.Migrate] or apply it manually during deployment.
const Schema = `
CREATE TABLE IF NOT EXISTS agent_messages (
    id         TEXT PRIMARY KEY,
    from_agent TEXT NOT NULL,
    to_agent   TEXT NOT NULL,
    body       TEXT NOT NULL,
    sent_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
    read       BOOLEAN NOT NULL DEFAULT false
);
CREATE INDEX IF NOT EXISTS idx_agent_messages_to ON agent_messages(to_agent, read, sent_at);
`

// DB is the database interface used by [PostgresStore]. Both *pgxpool.Pool
// and *pgx.Conn satisfy this interface.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PostgresStore is a [Store] backed by a PostgreSQL database, giving agent
// inboxes durability across process restarts.
type PostgresStore struct {
	db DB
}

// Compile-time interface check.
var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a [PostgresStore] using the given connection or
// pool. The caller is responsible for calling [PostgresStore.Migrate] to
// ensure the schema exists before issuing queries.
func NewPostgresStore(db DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate executes the [Schema] DDL against the database, creating the
// agent_messages table and index if they do not already exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("inbox: migrate: %w", err)
	}
	return nil
}

// Deliver inserts msg into the recipient's inbox, assigning ID and SentAt.
func (s *PostgresStore) Deliver(ctx context.Context, msg types.InboxMessage) (types.InboxMessage, error) {
	msg.ID = uuid.NewString()
	msg.Read = false

	const query = `
		INSERT INTO agent_messages (id, from_agent, to_agent, body)
		VALUES ($1, $2, $3, $4)
		RETURNING sent_at`

	err := s.db.QueryRow(ctx, query, msg.ID, msg.From, msg.To, msg.Body).Scan(&msg.SentAt)
	if err != nil {
		return types.InboxMessage{}, fmt.Errorf("inbox: deliver: %w", err)
	}
	return msg, nil
}

// Unread returns the recipient's unread messages, oldest first.
func (s *PostgresStore) Unread(ctx context.Context, agentID string) ([]types.InboxMessage, error) {
	const query = `
		SELECT id, from_agent, to_agent, body, sent_at, read
		FROM agent_messages
		WHERE to_agent = $1 AND read = false
		ORDER BY sent_at`

	rows, err := s.db.Query(ctx, query, agentID)
	if err != nil {
		return nil, fmt.Errorf("inbox: unread: %w", err)
	}
	defer rows.Close()

	return scanMessages(rows)
}

// MarkRead flags the given message IDs as read. Unknown IDs are ignored.
func (s *PostgresStore) MarkRead(ctx context.Context, agentID string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	const query = `
		UPDATE agent_messages SET read = true
		WHERE to_agent = $1 AND id = ANY($2)`

	if _, err := s.db.Exec(ctx, query, agentID, ids); err != nil {
		return fmt.Errorf("inbox: mark read: %w", err)
	}
	return nil
}

// History returns all messages for the recipient, oldest first, up to limit.
func (s *PostgresStore) History(ctx context.Context, agentID string, limit int) ([]types.InboxMessage, error) {
	var (
		rows pgx.Rows
		err  error
	)
	if limit > 0 {
		const query = `
			SELECT id, from_agent, to_agent, body, sent_at, read
			FROM (
				SELECT id, from_agent, to_agent, body, sent_at, read
				FROM agent_messages
				WHERE to_agent = $1
				ORDER BY sent_at DESC
				LIMIT $2
			) recent
			ORDER BY sent_at`
		rows, err = s.db.Query(ctx, query, agentID, limit)
	} else {
		const query = `
			SELECT id, from_agent, to_agent, body, sent_at, read
			FROM agent_messages
			WHERE to_agent = $1
			ORDER BY sent_at`
		rows, err = s.db.Query(ctx, query, agentID)
	}
	if err != nil {
		return nil, fmt.Errorf("inbox: history: %w", err)
	}
	defer rows.Close()

	return scanMessages(rows)
}

// scanMessages drains rows into a message slice.
func scanMessages(rows pgx.Rows) ([]types.InboxMessage, error) {
	var msgs []types.InboxMessage
	for rows.Next() {
		var m types.InboxMessage
		if err := rows.Scan(&m.ID, &m.From, &m.To, &m.Body, &m.SentAt, &m.Read); err != nil {
			return nil, fmt.Errorf("inbox: scan: %w", err)
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("inbox: rows: %w", err)
	}
	return msgs, nil
}
