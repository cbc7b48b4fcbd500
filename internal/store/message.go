package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/matheus3301/chatrelay/internal/status"
)

const messageColumns = `id, message_id, meta_msg_id, conv_key, wa_id, from_id, to_id, type,
	body, media_id, caption, filename, mime_type, timestamp, status, direction, contact_name, sender_username`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(s rowScanner) (*Message, error) {
	var (
		m    Message
		row  contentRow
		kind string
		st   string
		dir  string
	)
	if err := s.Scan(&m.ID, &m.MessageID, &m.MetaMsgID, &m.ConvKey, &m.WaID, &m.From, &m.To, &kind,
		&row.body, &row.mediaID, &row.caption, &row.filename, &row.mimeType,
		&m.Timestamp, &st, &dir, &m.ContactName, &m.SenderUsername); err != nil {
		return nil, err
	}
	row.kind = Kind(kind)
	m.Content = row.content()
	m.Status = status.Status(st)
	m.Direction = Direction(dir)
	return &m, nil
}

func scanMessages(rows *sql.Rows) ([]Message, error) {
	defer func() { _ = rows.Close() }()
	var msgs []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, *m)
	}
	return msgs, rows.Err()
}

// CreateMessage inserts a new message. It fails with ErrConflict when the
// message_id already exists, which makes it the idempotency boundary.
func (db *DB) CreateMessage(ctx context.Context, m *Message) error {
	if m.MessageID == "" {
		return errors.New("create message: empty message_id")
	}
	if m.Status == "" {
		m.Status = status.Sent
	}
	if m.Timestamp == 0 {
		m.Timestamp = time.Now().UnixMilli()
	}
	if m.Content == nil {
		m.Content = Text{}
	}
	c := flatten(m.Content)
	now := time.Now().UnixMilli()

	res, err := db.ExecContext(ctx, `
		INSERT INTO messages (message_id, meta_msg_id, conv_key, wa_id, from_id, to_id, type,
			body, media_id, caption, filename, mime_type, timestamp, status, direction,
			contact_name, sender_username, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.MessageID, m.MetaMsgID, m.ConvKey, m.WaID, m.From, m.To, c.kind,
		c.body, c.mediaID, c.caption, c.filename, c.mimeType, m.Timestamp, m.Status, m.Direction,
		m.ContactName, m.SenderUsername, now, now)
	if err != nil {
		return fmt.Errorf("create message %q: %w", m.MessageID, classify(err))
	}
	m.ID, _ = res.LastInsertId()
	return nil
}

// GetMessage looks a message up by message_id, falling back to meta_msg_id.
func (db *DB) GetMessage(ctx context.Context, key string) (*Message, error) {
	row := db.QueryRowContext(ctx, `
		SELECT `+messageColumns+`
		FROM messages
		WHERE message_id = ? OR (meta_msg_id != '' AND meta_msg_id = ?)
		ORDER BY message_id = ? DESC
		LIMIT 1`, key, key, key)
	m, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("message %q: %w", key, ErrNotFound)
	}
	if err != nil {
		return nil, classify(err)
	}
	return m, nil
}

// UpdateStatus applies a forward-only status change. Backward moves fail with
// ErrInvalidTransition; repeating the current status is a successful no-op.
// The write is a compare-and-swap on the previous status, so concurrent
// updates never regress a message.
func (db *DB) UpdateStatus(ctx context.Context, u StatusUpdate) (*Message, error) {
	if _, err := status.Parse(string(u.Status)); err != nil {
		return nil, err
	}

	for attempt := 0; attempt < 3; attempt++ {
		m, err := db.GetMessage(ctx, u.Key)
		if err != nil {
			return nil, err
		}
		if err := status.Check(m.Status, u.Status); err != nil {
			return nil, fmt.Errorf("message %q: %w", m.MessageID, err)
		}

		meta := m.MetaMsgID
		if meta == "" && u.MetaMsgID != "" && u.MetaMsgID != m.MessageID {
			meta = u.MetaMsgID
		}
		if m.Status == u.Status && meta == m.MetaMsgID {
			return m, nil
		}

		res, err := db.ExecContext(ctx, `
			UPDATE messages SET status = ?, meta_msg_id = ?, updated_at = ?
			WHERE id = ? AND status = ?`,
			u.Status, meta, time.Now().UnixMilli(), m.ID, m.Status)
		if err != nil {
			return nil, fmt.Errorf("update status %q: %w", m.MessageID, classify(err))
		}
		if n, _ := res.RowsAffected(); n == 1 {
			m.Status = u.Status
			m.MetaMsgID = meta
			return m, nil
		}
		// Another writer moved the status first; re-read and re-check.
	}
	return nil, fmt.Errorf("update status %q: %w", u.Key, ErrTransient)
}

// ListMessages returns one page of a conversation in chronological order.
// Pages are counted from the newest message backwards.
func (db *DB) ListMessages(ctx context.Context, convKey string, p Page) ([]Message, Pagination, error) {
	p = p.normalize(50, 200)

	var total int
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages WHERE conv_key = ?`, convKey).Scan(&total); err != nil {
		return nil, Pagination{}, classify(err)
	}

	rows, err := db.QueryContext(ctx, `
		SELECT `+messageColumns+`
		FROM messages
		WHERE conv_key = ?
		ORDER BY timestamp DESC, id DESC
		LIMIT ? OFFSET ?`, convKey, p.Limit, p.offset())
	if err != nil {
		return nil, Pagination{}, classify(err)
	}
	msgs, err := scanMessages(rows)
	if err != nil {
		return nil, Pagination{}, err
	}
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, NewPagination(p, total), nil
}

// FindByCounterpart lists the conversation between me and counterpart.
func (db *DB) FindByCounterpart(ctx context.Context, me, counterpart string, p Page) ([]Message, Pagination, error) {
	return db.ListMessages(ctx, ConvKey(me, counterpart), p)
}

// MarkRead moves every sent or delivered message written by sender in the
// conversation to read and returns the affected message ids.
func (db *DB) MarkRead(ctx context.Context, convKey, sender string) ([]string, error) {
	rows, err := db.QueryContext(ctx, `
		UPDATE messages SET status = 'read', updated_at = ?
		WHERE conv_key = ? AND from_id = ? AND status IN ('sent', 'delivered')
		RETURNING message_id`, time.Now().UnixMilli(), convKey, sender)
	if err != nil {
		return nil, classify(err)
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// DeleteMessage removes a message by message_id.
func (db *DB) DeleteMessage(ctx context.Context, messageID string) error {
	res, err := db.ExecContext(ctx, `DELETE FROM messages WHERE message_id = ?`, messageID)
	if err != nil {
		return classify(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("message %q: %w", messageID, ErrNotFound)
	}
	return nil
}

// MessageCount returns the total number of messages.
func (db *DB) MessageCount(ctx context.Context) (int64, error) {
	var count int64
	err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages`).Scan(&count)
	return count, err
}

// AttachMetaID records the provider id for a message that has none yet.
// It is a no-op when the message already carries one.
func (db *DB) AttachMetaID(ctx context.Context, messageID, metaID string) error {
	if metaID == "" || metaID == messageID {
		return nil
	}
	res, err := db.ExecContext(ctx, `
		UPDATE messages SET meta_msg_id = ?, updated_at = ?
		WHERE message_id = ? AND meta_msg_id = ''`, metaID, time.Now().UnixMilli(), messageID)
	if err != nil {
		return classify(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := db.GetMessage(ctx, messageID); err != nil {
			return err
		}
	}
	return nil
}
