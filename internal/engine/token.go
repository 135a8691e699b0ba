package engine

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
)

// Tokens mints and verifies per-upload deletion capabilities. A token is
// the HMAC-SHA256 of the upload name under a server-held secret, encoded
// for URL transport; whoever holds it may delete that one upload.
type Tokens struct {
	secret []byte
}

// NewTokens returns a minter for the given secret, or nil when the
// secret is empty and deletion is disabled.
func NewTokens(secret string) *Tokens {
	if secret == "" {
		return nil
	}
	return &Tokens{secret: []byte(secret)}
}

// Mint computes the deletion token for name.
func (t *Tokens) Mint(name string) string {
	mac := hmac.New(sha256.New, t.secret)
	mac.Write([]byte(name))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

// Verify reports whether token authorizes deleting name. The comparison
// is constant time, and a malformed token is simply invalid.
func (t *Tokens) Verify(name, token string) bool {
	provided, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return false
	}

	mac := hmac.New(sha256.New, t.secret)
	mac.Write([]byte(name))
	return hmac.Equal(provided, mac.Sum(nil))
}
