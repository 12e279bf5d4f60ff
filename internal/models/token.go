package models

import "time"

type TokenStatus string

const (
	StatusActive  TokenStatus = "active"
	StatusUsed    TokenStatus = "used"
	StatusRevoked TokenStatus = "revoked"
)

// RefreshRecord is the server-side record of one issued refresh token.
// The plaintext secret is returned to the client once and never stored;
// only the sha256 hash of the verifier half is kept.
type RefreshRecord struct {
	ID           string      `json:"id"`
	UserID       int64       `json:"user_id"`
	FamilyID     string      `json:"family_id"`
	Selector     string      `json:"selector"`
	VerifierHash string      `json:"verifier_hash"`
	Status       TokenStatus `json:"status"`
	IssuedAt     time.Time   `json:"issued_at"`
	ExpiresAt    time.Time   `json:"expires_at"`
	UsedAt       *time.Time  `json:"used_at,omitempty"`
	RevokedAt    *time.Time  `json:"revoked_at,omitempty"`
	ReplacedBy   *string     `json:"replaced_by,omitempty"`
}

func (r *RefreshRecord) IsExpired(now time.Time) bool {
	return now.After(r.ExpiresAt)
}

// IssuedPair is what a successful login or rotation returns to the client.
type IssuedPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
}

type User struct {
	ID   int64  `json:"id"`
	GUID string `json:"guid"`
}
