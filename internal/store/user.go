package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// CreateUser registers a user. Username and phone are both unique.
func (db *DB) CreateUser(ctx context.Context, u *User) error {
	if u.Username == "" || u.Phone == "" {
		return errors.New("create user: username and phone are required")
	}
	if u.CreatedAt == 0 {
		u.CreatedAt = time.Now().UnixMilli()
	}
	_, err := db.ExecContext(ctx, `
		INSERT INTO users (username, display_name, phone, created_at)
		VALUES (?, ?, ?, ?)`, u.Username, u.DisplayName, u.Phone, u.CreatedAt)
	if err != nil {
		return fmt.Errorf("create user %q: %w", u.Username, classify(err))
	}
	return nil
}

// GetUser returns the user with the given username.
func (db *DB) GetUser(ctx context.Context, username string) (*User, error) {
	return db.getUser(ctx, `username = ?`, username)
}

// GetUserByPhone returns the user registered with phone.
func (db *DB) GetUserByPhone(ctx context.Context, phone string) (*User, error) {
	return db.getUser(ctx, `phone = ?`, phone)
}

func (db *DB) getUser(ctx context.Context, where string, arg string) (*User, error) {
	var u User
	err := db.QueryRowContext(ctx, `
		SELECT username, display_name, phone, created_at
		FROM users WHERE `+where, arg).
		Scan(&u.Username, &u.DisplayName, &u.Phone, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("user %q: %w", arg, ErrNotFound)
	}
	if err != nil {
		return nil, classify(err)
	}
	return &u, nil
}

// ListUsers returns every user ordered by username.
func (db *DB) ListUsers(ctx context.Context) ([]User, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT username, display_name, phone, created_at
		FROM users ORDER BY username`)
	if err != nil {
		return nil, classify(err)
	}
	defer func() { _ = rows.Close() }()

	var users []User
	for rows.Next() {
		var u User
		if err := rows.Scan(&u.Username, &u.DisplayName, &u.Phone, &u.CreatedAt); err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}
