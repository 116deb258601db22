package model

import "time"

// RefreshToken is the stored half of a token pair. Access tokens are
// stateless JWTs whose jti references UUID; deleting the row invalidates
// the paired access token at its next check.
type RefreshToken struct {
	UUID      string    `json:"uuid"`
	User      string    `json:"user"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Expired reports whether the refresh token is past its expiry.
func (t *RefreshToken) Expired(now time.Time) bool {
	return now.After(t.ExpiresAt)
}

// TokenPair is the response shape for token issuance and refresh.
type TokenPair struct {
	Access  string `json:"access"`
	Refresh string `json:"refresh"`
}

// User is the minimal principal record consulted during token issuance.
type User struct {
	Username     string         `json:"username"`
	PasswordHash string         `json:"-"`
	Roles        []string       `json:"roles,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}
