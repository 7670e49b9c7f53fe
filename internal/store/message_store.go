// Package store persists messages and the delivery failure log. Messages of
// every variant share one table: lifecycle fields live in typed columns,
// variant-specific fields round-trip through a JSONB body. Soft-deleted rows
// stay in the table but are invisible to every read path.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/xiaopohou/MessageCenter/internal/log"
	"github.com/xiaopohou/MessageCenter/internal/message"

	"github.com/lib/pq"
)

var ErrNotFound = errors.New("message not found")

type MessageStore struct {
	db     *sql.DB
	reg    *message.Registry
	logger *log.Logger
}

func NewMessageStore(db *sql.DB, reg *message.Registry, logger *log.Logger) *MessageStore {
	return &MessageStore{db: db, reg: reg, logger: logger}
}

// Migrate creates the schema idempotently.
func (s *MessageStore) Migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS messages (
			id BIGSERIAL PRIMARY KEY,
			msg_type TEXT NOT NULL,
			priority INT NOT NULL,
			status TEXT NOT NULL,
			receiver TEXT NOT NULL,
			content TEXT NOT NULL,
			body JSONB NOT NULL,
			is_deleted BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMPTZ NOT NULL,
			created_by TEXT NOT NULL DEFAULT '',
			updated_at TIMESTAMPTZ NOT NULL,
			updated_by TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_type_live
			ON messages (msg_type, is_deleted, id DESC)`,
		`CREATE TABLE IF NOT EXISTS failed_messages (
			id BIGSERIAL PRIMARY KEY,
			msg_id BIGINT NOT NULL,
			msg_type TEXT NOT NULL,
			log TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_failed_messages_key
			ON failed_messages (msg_type, msg_id, id)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// Insert stores a new message and assigns its ID. The caller has already
// set status and creation stamps.
func (s *MessageStore) Insert(ctx context.Context, msg message.Message) error {
	base := msg.Base()
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message body: %w", err)
	}
	err = s.db.QueryRowContext(ctx, `
		INSERT INTO messages (msg_type, priority, status, receiver, content, body, created_at, created_by, updated_at, updated_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id
	`, base.MsgType, base.Priority, base.Status, base.Receiver, base.Content, body,
		base.CreatedAt, base.CreatedBy, base.UpdatedAt, base.UpdatedBy).Scan(&base.ID)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

// FindByID returns the live (non-deleted) message with the given ID.
func (s *MessageStore) FindByID(ctx context.Context, typ message.MsgType, msgID int64) (message.Message, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, msg_type, priority, status, receiver, content, body, is_deleted, created_at, created_by, updated_at, updated_by
		FROM messages
		WHERE id = $1 AND msg_type = $2 AND NOT is_deleted
	`, msgID, typ)
	msg, err := s.scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find message %d: %w", msgID, err)
	}
	return msg, nil
}

// UpdateStatus flips a live message to processed or failed. A missing or
// deleted row is a no-op, not an error.
func (s *MessageStore) UpdateStatus(ctx context.Context, typ message.MsgType, data message.ProcessedMsg, updatedBy string) error {
	status := message.StatusFailed
	if data.IsSuccessed {
		status = message.StatusProcessed
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE messages
		SET status = $1, updated_at = $2, updated_by = $3
		WHERE id = $4 AND msg_type = $5 AND NOT is_deleted
	`, status, time.Now(), updatedBy, data.MsgID, typ)
	if err != nil {
		return fmt.Errorf("update message status: %w", err)
	}
	return nil
}

// SoftDelete tombstones a live row and reports whether one was found.
func (s *MessageStore) SoftDelete(ctx context.Context, typ message.MsgType, msgID int64, updatedBy string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE messages
		SET is_deleted = TRUE, updated_at = $1, updated_by = $2
		WHERE id = $3 AND msg_type = $4 AND NOT is_deleted
	`, time.Now(), updatedBy, msgID, typ)
	if err != nil {
		return false, fmt.Errorf("soft-delete message: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("soft-delete message: %w", err)
	}
	return n > 0, nil
}

// Search filters one variant's live rows, newest first, pages them, and
// joins each result against the failure log into the derived ErrorInfo.
func (s *MessageStore) Search(ctx context.Context, cond message.SearchCondition) ([]message.Message, error) {
	limit, offset := cond.Normalize()

	var (
		where = []string{"msg_type = $1", "NOT is_deleted"}
		args  = []interface{}{cond.MsgType}
	)
	if cond.Status != nil {
		args = append(args, *cond.Status)
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	if cond.Receiver != "" {
		args = append(args, cond.Receiver)
		where = append(where, fmt.Sprintf("receiver = $%d", len(args)))
	}
	if cond.Keyword != "" {
		args = append(args, "%"+cond.Keyword+"%")
		where = append(where, fmt.Sprintf("content ILIKE $%d", len(args)))
	}
	args = append(args, limit, offset)

	query := fmt.Sprintf(`
		SELECT id, msg_type, priority, status, receiver, content, body, is_deleted, created_at, created_by, updated_at, updated_by
		FROM messages
		WHERE %s
		ORDER BY id DESC
		LIMIT $%d OFFSET $%d
	`, strings.Join(where, " AND "), len(args)-1, len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("search messages: %w", err)
	}
	defer rows.Close()

	msgs := make([]message.Message, 0)
	for rows.Next() {
		msg, err := s.scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		msgs = append(msgs, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("search messages: %w", err)
	}
	if len(msgs) == 0 {
		return msgs, nil
	}

	ids := make([]int64, len(msgs))
	for i, m := range msgs {
		ids[i] = m.Base().ID
	}
	failures, err := s.ListFailures(ctx, cond.MsgType, ids)
	if err != nil {
		return nil, err
	}
	AttachErrorInfo(msgs, failures)
	return msgs, nil
}

// RecordFailure appends one failure-log line for a message.
func (s *MessageStore) RecordFailure(ctx context.Context, typ message.MsgType, msgID int64, logLine string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO failed_messages (msg_id, msg_type, log) VALUES ($1, $2, $3)
	`, msgID, typ, logLine)
	if err != nil {
		return fmt.Errorf("record failure: %w", err)
	}
	return nil
}

// ListFailures returns failure-log lines for the given messages in
// insertion order.
func (s *MessageStore) ListFailures(ctx context.Context, typ message.MsgType, msgIDs []int64) ([]message.FailedMessage, error) {
	if len(msgIDs) == 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, msg_id, msg_type, log, created_at
		FROM failed_messages
		WHERE msg_type = $1 AND msg_id = ANY($2)
		ORDER BY id ASC
	`, typ, pq.Array(msgIDs))
	if err != nil {
		return nil, fmt.Errorf("list failures: %w", err)
	}
	defer rows.Close()

	var failures []message.FailedMessage
	for rows.Next() {
		var f message.FailedMessage
		if err := rows.Scan(&f.ID, &f.MsgID, &f.MsgType, &f.Log, &f.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan failure: %w", err)
		}
		failures = append(failures, f)
	}
	return failures, rows.Err()
}

// AttachErrorInfo joins failure-log lines onto their messages, `;`-separated
// in insertion order. Messages without failures keep an empty ErrorInfo.
func AttachErrorInfo(msgs []message.Message, failures []message.FailedMessage) {
	logs := make(map[int64][]string, len(msgs))
	for _, f := range failures {
		logs[f.MsgID] = append(logs[f.MsgID], f.Log)
	}
	for _, m := range msgs {
		m.Base().ErrorInfo = strings.Join(logs[m.Base().ID], ";")
	}
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

// scanMessage rebuilds a variant from a row: the JSONB body restores the
// variant fields, then the typed columns overwrite the lifecycle fields.
func (s *MessageStore) scanMessage(row rowScanner) (message.Message, error) {
	var (
		msgID     int64
		typ       message.MsgType
		priority  message.Priority
		status    message.Status
		receiver  string
		content   string
		body      []byte
		isDeleted bool
		createdAt time.Time
		createdBy string
		updatedAt time.Time
		updatedBy string
	)
	if err := row.Scan(&msgID, &typ, &priority, &status, &receiver, &content, &body,
		&isDeleted, &createdAt, &createdBy, &updatedAt, &updatedBy); err != nil {
		return nil, err
	}
	msg, ok := s.reg.ByType(typ)
	if !ok {
		return nil, fmt.Errorf("unregistered message type %q", typ)
	}
	if err := json.Unmarshal(body, msg); err != nil {
		return nil, fmt.Errorf("unmarshal message body: %w", err)
	}
	base := msg.Base()
	base.ID = msgID
	base.MsgType = typ
	base.Priority = priority
	base.Status = status
	base.Receiver = receiver
	base.Content = content
	base.IsDeleted = isDeleted
	base.CreatedAt = createdAt
	base.CreatedBy = createdBy
	base.UpdatedAt = updatedAt
	base.UpdatedBy = updatedBy
	return msg, nil
}
