// Copyright © 2025 Tessera Systems

// Package auth signs and verifies the session tokens clients present when
// opening a connection. Tokens are compact HS256 JWTs; the extra claims
// "model", "mode" and "admin" alter session admission.
package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"strings"
	"time"

	"github.com/tessera-io/transactor/pkg/errors"
	"github.com/tessera-io/transactor/pkg/model"
)

// SystemAccount is the privileged principal used by internal tooling:
// backup runs, upgrades and operator commands.
const SystemAccount = "core"

var (
	// ErrInvalidToken signals a token that does not parse as a JWT.
	ErrInvalidToken = errors.New("invalid token")

	// ErrSignature signals a token whose signature does not verify.
	ErrSignature = errors.New("token signature mismatch")

	// ErrExpired signals a token past its expiry claim.
	ErrExpired = errors.New("token expired")
)

// Claims is the verified content of a session token.
type Claims struct {
	Email     string            `json:"email"`
	Workspace model.WorkspaceID `json:"workspace"`
	Extra     map[string]string `json:"extra,omitempty"`
	Expiry    int64             `json:"exp,omitempty"`
	_         struct{}
}

// IsUpgrade reports whether the token drives a model upgrade session.
func (c *Claims) IsUpgrade() bool {
	return c.Extra["model"] == "upgrade"
}

// IsBackup reports whether the token drives a backup session.
func (c *Claims) IsBackup() bool {
	return c.Extra["mode"] == "backup"
}

// IsAdmin reports whether the token carries the admin claim.
func (c *Claims) IsAdmin() bool {
	return c.Extra["admin"] == "true"
}

// IsSystem reports whether the token belongs to the privileged system
// account.
func (c *Claims) IsSystem() bool {
	return c.Email == SystemAccount
}

type header struct {
	Alg string `json:"alg"`
	Typ string `json:"typ"`
}

// Sign produces a compact HS256 JWT for the claims. A zero ttl issues a
// token without expiry.
func Sign(claims *Claims, secret []byte, ttl time.Duration) (string, error) {
	c := *claims
	if ttl > 0 {
		c.Expiry = time.Now().Add(ttl).Unix()
	}
	hdr, err := json.Marshal(header{Alg: "HS256", Typ: "JWT"})
	if err != nil {
		return "", err
	}
	body, err := json.Marshal(&c)
	if err != nil {
		return "", err
	}
	signed := base64.RawURLEncoding.EncodeToString(hdr) + "." + base64.RawURLEncoding.EncodeToString(body)
	mac := hmac.New(sha256.New, secret)
	_, _ = mac.Write([]byte(signed))
	return signed + "." + base64.RawURLEncoding.EncodeToString(mac.Sum(nil)), nil
}

// Parse verifies a compact HS256 JWT and returns its claims.
func Parse(token string, secret []byte) (*Claims, error) {
	parts := strings.Split(strings.TrimSpace(token), ".")
	if len(parts) != 3 {
		return nil, ErrInvalidToken.WrapMessage("expected 3 segments, got %d", len(parts))
	}
	rawHeader, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return nil, ErrInvalidToken.Wrap(err)
	}
	var hdr header
	if err = json.Unmarshal(rawHeader, &hdr); err != nil {
		return nil, ErrInvalidToken.Wrap(err)
	}
	if hdr.Alg != "HS256" {
		return nil, ErrInvalidToken.WrapMessage("unsupported algorithm %q", hdr.Alg)
	}
	sig, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil {
		return nil, ErrInvalidToken.Wrap(err)
	}
	mac := hmac.New(sha256.New, secret)
	_, _ = mac.Write([]byte(parts[0] + "." + parts[1]))
	if !hmac.Equal(sig, mac.Sum(nil)) {
		return nil, ErrSignature
	}
	rawClaims, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return nil, ErrInvalidToken.Wrap(err)
	}
	claims := new(Claims)
	if err = json.Unmarshal(rawClaims, claims); err != nil {
		return nil, ErrInvalidToken.Wrap(err)
	}
	if claims.Expiry > 0 && time.Now().Unix() >= claims.Expiry {
		return nil, ErrExpired
	}
	return claims, nil
}
