package identity

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/matheus3301/chatrelay/internal/store"
)

var jwtHeader = base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"HS256","typ":"JWT"}`))

// TokenVerifier verifies HS256 JWTs. When Users is set the subject must also
// be a registered user.
type TokenVerifier struct {
	secret []byte
	users  Directory
	now    func() time.Time
}

// NewTokenVerifier returns a verifier for tokens signed with secret.
// users may be nil to skip the directory check.
func NewTokenVerifier(secret string, users Directory) *TokenVerifier {
	return &TokenVerifier{secret: []byte(secret), users: users, now: time.Now}
}

// Verify checks the signature and expiry of credential and returns its subject.
func (v *TokenVerifier) Verify(ctx context.Context, credential string) (Identity, error) {
	credential = strings.TrimSpace(strings.TrimPrefix(credential, "Bearer "))
	if credential == "" {
		return Identity{}, fmt.Errorf("%w: missing token", ErrUnauthenticated)
	}
	claims, err := v.parse(credential)
	if err != nil {
		return Identity{}, err
	}

	id := Identity{Username: claims.subject(), ExpiresAt: time.Unix(claims.Exp, 0)}
	if err := ValidateUsername(id.Username); err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}

	if v.users != nil {
		if _, err := v.users.GetUser(ctx, id.Username); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return Identity{}, fmt.Errorf("%w: token valid but user %q no longer exists", ErrUnauthenticated, id.Username)
			}
			return Identity{}, fmt.Errorf("lookup %q: %w", id.Username, err)
		}
	}
	return id, nil
}

type claims struct {
	Sub      string `json:"sub"`
	Username string `json:"username"`
	Exp      int64  `json:"exp"`
	Iat      int64  `json:"iat,omitempty"`
}

func (c claims) subject() string {
	if c.Sub != "" {
		return NormalizeUsername(c.Sub)
	}
	return NormalizeUsername(c.Username)
}

func (v *TokenVerifier) parse(raw string) (claims, error) {
	parts := strings.Split(raw, ".")
	if len(parts) != 3 {
		return claims{}, fmt.Errorf("%w: invalid jwt format", ErrUnauthenticated)
	}

	headerBytes, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return claims{}, fmt.Errorf("%w: invalid jwt header", ErrUnauthenticated)
	}
	var header struct {
		Alg string `json:"alg"`
	}
	if err := json.Unmarshal(headerBytes, &header); err != nil {
		return claims{}, fmt.Errorf("%w: invalid jwt header", ErrUnauthenticated)
	}
	if header.Alg != "HS256" {
		return claims{}, fmt.Errorf("%w: unsupported jwt algorithm %q", ErrUnauthenticated, header.Alg)
	}

	sig, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil {
		return claims{}, fmt.Errorf("%w: invalid jwt signature", ErrUnauthenticated)
	}
	if !hmac.Equal(sig, sign(v.secret, parts[0]+"."+parts[1])) {
		return claims{}, fmt.Errorf("%w: jwt signature mismatch", ErrUnauthenticated)
	}

	payload, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return claims{}, fmt.Errorf("%w: invalid jwt payload", ErrUnauthenticated)
	}
	var c claims
	if err := json.Unmarshal(payload, &c); err != nil {
		return claims{}, fmt.Errorf("%w: invalid jwt payload", ErrUnauthenticated)
	}
	if c.Exp == 0 {
		return claims{}, fmt.Errorf("%w: missing exp claim", ErrUnauthenticated)
	}
	if v.now().Unix() >= c.Exp {
		return claims{}, fmt.Errorf("%w: token expired", ErrUnauthenticated)
	}
	return c, nil
}

func sign(secret []byte, signingInput string) []byte {
	mac := hmac.New(sha256.New, secret)
	_, _ = mac.Write([]byte(signingInput))
	return mac.Sum(nil)
}

// Sign issues an HS256 token for username valid for ttl.
func Sign(secret, username string, ttl time.Duration) (string, error) {
	username = NormalizeUsername(username)
	if err := ValidateUsername(username); err != nil {
		return "", err
	}
	now := time.Now()
	payload, err := json.Marshal(claims{Sub: username, Username: username, Iat: now.Unix(), Exp: now.Add(ttl).Unix()})
	if err != nil {
		return "", err
	}
	input := jwtHeader + "." + base64.RawURLEncoding.EncodeToString(payload)
	return input + "." + base64.RawURLEncoding.EncodeToString(sign([]byte(secret), input)), nil
}
