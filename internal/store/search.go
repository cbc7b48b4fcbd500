package store

import (
	"context"
	"strings"
)

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// SearchMessages finds messages in a conversation whose body, caption or
// contact name contains query, case-insensitively. Newest first.
func (db *DB) SearchMessages(ctx context.Context, convKey, query string, limit int) ([]Message, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	pattern := "%" + likeEscaper.Replace(strings.TrimSpace(query)) + "%"

	rows, err := db.QueryContext(ctx, `
		SELECT `+messageColumns+`
		FROM messages
		WHERE conv_key = ?
			AND (body LIKE ? ESCAPE '\' OR caption LIKE ? ESCAPE '\' OR contact_name LIKE ? ESCAPE '\')
		ORDER BY timestamp DESC, id DESC
		LIMIT ?`, convKey, pattern, pattern, pattern, limit)
	if err != nil {
		return nil, classify(err)
	}
	return scanMessages(rows)
}
