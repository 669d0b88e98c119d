package models

import "time"

type Secret struct {
	ID        string    `json:"id"`
	Message   []byte    `json:"message,omitempty"` // sealed when an encryption key is configured
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
	Consumed  bool      `json:"consumed"` // only ever true on a payload-free tombstone
	Origin    string    `json:"origin,omitempty"`
}

// Expired reports whether the secret is past its expiry at now.
func (s *Secret) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// Tombstone returns a payload-free copy marked as consumed.
func (s *Secret) Tombstone() *Secret {
	return &Secret{
		ID:        s.ID,
		CreatedAt: s.CreatedAt,
		ExpiresAt: s.ExpiresAt,
		Consumed:  true,
		Origin:    s.Origin,
	}
}
