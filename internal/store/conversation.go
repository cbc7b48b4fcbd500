package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const conversationColumns = `owner, wa_id, conv_key, contact_name, last_message_content, last_message_at,
	last_message_direction, unread_count, status, phone_number_id, display_phone_number, updated_at`

func scanConversation(s rowScanner) (*Conversation, error) {
	var c Conversation
	err := s.Scan(&c.Owner, &c.WaID, &c.ConvKey, &c.ContactName, &c.LastMessageContent, &c.LastMessageAt,
		&c.LastMessageDirection, &c.UnreadCount, &c.Status, &c.PhoneNumberID, &c.DisplayPhoneNumber, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// UpsertConversation merges p into the (owner, wa_id) summary in a single
// statement. The unread counter is incremented atomically, the last message
// fields only move forward in time, and empty metadata never overwrites a
// known value.
func (db *DB) UpsertConversation(ctx context.Context, p ConversationPatch) (*Conversation, error) {
	if p.Owner == "" || p.WaID == "" {
		return nil, errors.New("upsert conversation: owner and wa_id are required")
	}
	if p.ConvKey == "" {
		p.ConvKey = ConvKey(p.Owner, p.WaID)
	}
	if p.At == 0 {
		p.At = time.Now().UnixMilli()
	}
	now := time.Now().UnixMilli()

	row := db.QueryRowContext(ctx, `
		INSERT INTO conversations (owner, wa_id, conv_key, contact_name, last_message_content,
			last_message_at, last_message_direction, unread_count, status,
			phone_number_id, display_phone_number, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 'active', ?, ?, ?, ?)
		ON CONFLICT(owner, wa_id) DO UPDATE SET
			contact_name = CASE WHEN excluded.contact_name != '' THEN excluded.contact_name ELSE conversations.contact_name END,
			last_message_content = CASE WHEN excluded.last_message_at >= conversations.last_message_at
				THEN excluded.last_message_content ELSE conversations.last_message_content END,
			last_message_direction = CASE WHEN excluded.last_message_at >= conversations.last_message_at
				THEN excluded.last_message_direction ELSE conversations.last_message_direction END,
			last_message_at = MAX(conversations.last_message_at, excluded.last_message_at),
			unread_count = conversations.unread_count + excluded.unread_count,
			phone_number_id = CASE WHEN excluded.phone_number_id != '' THEN excluded.phone_number_id ELSE conversations.phone_number_id END,
			display_phone_number = CASE WHEN excluded.display_phone_number != '' THEN excluded.display_phone_number ELSE conversations.display_phone_number END,
			updated_at = excluded.updated_at
		RETURNING `+conversationColumns,
		p.Owner, p.WaID, p.ConvKey, p.ContactName, p.Content,
		p.At, p.Direction, p.Increment,
		p.PhoneNumberID, p.DisplayPhoneNumber, now, now)

	c, err := scanConversation(row)
	if err != nil {
		return nil, fmt.Errorf("upsert conversation %s/%s: %w", p.Owner, p.WaID, classify(err))
	}
	return c, nil
}

// GetConversation returns the owner's summary for counterpart waID.
func (db *DB) GetConversation(ctx context.Context, owner, waID string) (*Conversation, error) {
	row := db.QueryRowContext(ctx, `
		SELECT `+conversationColumns+`
		FROM conversations
		WHERE owner = ? AND wa_id = ?`, owner, waID)
	c, err := scanConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("conversation %s/%s: %w", owner, waID, ErrNotFound)
	}
	if err != nil {
		return nil, classify(err)
	}
	return c, nil
}

// ListConversations returns the owner's summaries, newest activity first.
// An empty status lists every status.
func (db *DB) ListConversations(ctx context.Context, owner string, st ConversationStatus, p Page) ([]Conversation, Pagination, error) {
	p = p.normalize(20, 100)

	where := `owner = ?`
	args := []any{owner}
	if st != "" {
		where += ` AND status = ?`
		args = append(args, st)
	}

	var total int
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM conversations WHERE `+where, args...).Scan(&total); err != nil {
		return nil, Pagination{}, classify(err)
	}

	rows, err := db.QueryContext(ctx, `
		SELECT `+conversationColumns+`
		FROM conversations
		WHERE `+where+`
		ORDER BY last_message_at DESC, wa_id ASC
		LIMIT ? OFFSET ?`, append(args, p.Limit, p.offset())...)
	if err != nil {
		return nil, Pagination{}, classify(err)
	}
	defer func() { _ = rows.Close() }()

	var convs []Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, Pagination{}, err
		}
		convs = append(convs, *c)
	}
	if err := rows.Err(); err != nil {
		return nil, Pagination{}, err
	}
	return convs, NewPagination(p, total), nil
}

// ResetUnread zeroes the owner's unread counter for waID. A missing summary
// is not an error.
func (db *DB) ResetUnread(ctx context.Context, owner, waID string) error {
	_, err := db.ExecContext(ctx, `
		UPDATE conversations SET unread_count = 0, updated_at = ?
		WHERE owner = ? AND wa_id = ?`, time.Now().UnixMilli(), owner, waID)
	return classify(err)
}

// SetConversationStatus archives, blocks or reactivates a summary.
func (db *DB) SetConversationStatus(ctx context.Context, owner, waID string, st ConversationStatus) (*Conversation, error) {
	if _, err := ParseConversationStatus(string(st)); err != nil {
		return nil, err
	}
	row := db.QueryRowContext(ctx, `
		UPDATE conversations SET status = ?, updated_at = ?
		WHERE owner = ? AND wa_id = ?
		RETURNING `+conversationColumns, st, time.Now().UnixMilli(), owner, waID)
	c, err := scanConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("conversation %s/%s: %w", owner, waID, ErrNotFound)
	}
	if err != nil {
		return nil, classify(err)
	}
	return c, nil
}

// ConversationCount returns the number of summary rows.
func (db *DB) ConversationCount(ctx context.Context) (int64, error) {
	var count int64
	err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM conversations`).Scan(&count)
	return count, err
}
