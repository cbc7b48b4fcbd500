package identity

import (
	"context"
	"errors"
	"fmt"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/matheus3301/chatrelay/internal/store"
)

const secret = "0123456789abcdef-test"

type fakeDirectory map[string]bool

func (d fakeDirectory) GetUser(_ context.Context, username string) (*store.User, error) {
	if d[username] {
		return &store.User{Username: username}, nil
	}
	return nil, fmt.Errorf("user %q: %w", username, store.ErrNotFound)
}

func TestVerifyRoundTrip(t *testing.T) {
	tok, err := Sign(secret, "Alice", time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	id, err := NewTokenVerifier(secret, nil).Verify(context.Background(), "Bearer "+tok)
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if id.Username != "alice" {
		t.Errorf("username = %q, want alice", id.Username)
	}
	if id.ExpiresAt.Before(time.Now()) {
		t.Errorf("ExpiresAt = %v, want future", id.ExpiresAt)
	}
}

func TestVerifyRejects(t *testing.T) {
	good, _ := Sign(secret, "alice", time.Hour)
	expired, _ := Sign(secret, "alice", -time.Minute)
	foreign, _ := Sign("another-secret-entirely", "alice", time.Hour)
	parts := strings.Split(good, ".")
	tampered := parts[0] + "." + parts[1] + "x." + parts[2]

	tests := []struct {
		name string
		cred string
	}{
		{"empty", ""},
		{"garbage", "not-a-jwt"},
		{"expired", expired},
		{"wrong secret", foreign},
		{"tampered payload", tampered},
	}
	v := NewTokenVerifier(secret, nil)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := v.Verify(context.Background(), tt.cred); !errors.Is(err, ErrUnauthenticated) {
				t.Errorf("Verify() error = %v, want ErrUnauthenticated", err)
			}
		})
	}
}

func TestVerifyRequiresKnownUser(t *testing.T) {
	v := NewTokenVerifier(secret, fakeDirectory{"alice": true})

	alice, _ := Sign(secret, "alice", time.Hour)
	if _, err := v.Verify(context.Background(), alice); err != nil {
		t.Errorf("known user rejected: %v", err)
	}

	ghost, _ := Sign(secret, "ghost", time.Hour)
	if _, err := v.Verify(context.Background(), ghost); !errors.Is(err, ErrUnauthenticated) {
		t.Errorf("unknown user err = %v, want ErrUnauthenticated", err)
	}
}

func TestAuthorize(t *testing.T) {
	bound := Identity{Username: "alice"}
	if err := Authorize(bound, "ALICE"); err != nil {
		t.Errorf("same identity rejected: %v", err)
	}
	if err := Authorize(bound, "bob"); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("spoofed identity err = %v, want ErrUnauthorized", err)
	}
	if err := Authorize(Identity{}, ""); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("unbound err = %v, want ErrUnauthorized", err)
	}
}

func TestValidateUsername(t *testing.T) {
	tests := []struct {
		input   string
		wantErr bool
	}{
		{"alice", false},
		{"bob_99", false},
		{"j.doe-x", false},
		{"ab", true},
		{"Alice", true},
		{"has space", true},
		{"waytoolongusername_123", true},
		{"", true},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			if err := ValidateUsername(tt.input); (err != nil) != tt.wantErr {
				t.Errorf("ValidateUsername(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
		})
	}
}

func TestCredential(t *testing.T) {
	r := httptest.NewRequest("GET", "/ws?token=query-tok", nil)
	if got := Credential(r); got != "query-tok" {
		t.Errorf("query credential = %q", got)
	}
	r.Header.Set("Authorization", "Bearer header-tok")
	if got := Credential(r); got != "header-tok" {
		t.Errorf("header credential = %q", got)
	}
	r.Header.Set("Authorization", "Basic abc")
	if got := Credential(r); got != "" {
		t.Errorf("non-bearer credential = %q, want empty", got)
	}
}
