package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/xiaopohou/MessageCenter/internal/message"
)

// Txt-message read tracking. Txt messages are in-app notices; receivers
// read them out of the store directly.

// TxtByReceiver returns a live txt message if it belongs to the receiver.
func (s *MessageStore) TxtByReceiver(ctx context.Context, msgID, receiverID int64) (*message.TxtMessage, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, msg_type, priority, status, receiver, content, body, is_deleted, created_at, created_by, updated_at, updated_by
		FROM messages
		WHERE id = $1 AND msg_type = $2 AND NOT is_deleted
		  AND (body->>'receiver_id')::bigint = $3
	`, msgID, message.TypeTxt, receiverID)
	msg, err := s.scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find txt message %d: %w", msgID, err)
	}
	txt, ok := msg.(*message.TxtMessage)
	if !ok {
		return nil, fmt.Errorf("message %d is not a txt message", msgID)
	}
	return txt, nil
}

// UnreadTxtCount counts the receiver's live, unread txt messages.
func (s *MessageStore) UnreadTxtCount(ctx context.Context, receiverID int64) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*)
		FROM messages
		WHERE msg_type = $1 AND NOT is_deleted
		  AND (body->>'receiver_id')::bigint = $2
		  AND NOT (body->>'readed')::boolean
	`, message.TypeTxt, receiverID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count unread txt messages: %w", err)
	}
	return count, nil
}

// MarkTxtRead flags a live, unread txt message as read and reports whether
// one was found.
func (s *MessageStore) MarkTxtRead(ctx context.Context, msgID int64, updatedBy string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE messages
		SET body = jsonb_set(body, '{readed}', 'true'),
		    updated_at = NOW(), updated_by = $1
		WHERE id = $2 AND msg_type = $3 AND NOT is_deleted
		  AND NOT (body->>'readed')::boolean
	`, updatedBy, msgID, message.TypeTxt)
	if err != nil {
		return false, fmt.Errorf("mark txt message read: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("mark txt message read: %w", err)
	}
	return n > 0, nil
}
