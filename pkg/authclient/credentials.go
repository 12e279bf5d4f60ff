package authclient

import (
	"sync"
	"time"
)

// Credentials is the client-side session state: the current pair plus the
// access token's absolute expiry, used for proactive refresh.
type Credentials struct {
	AccessToken     string
	RefreshToken    string
	AccessExpiresAt time.Time
}

// credentialStore guards the session state. Readers see either the old
// pair or the new one, never a torn mix.
type credentialStore struct {
	mu    sync.RWMutex
	creds Credentials
	set   bool
}

func (s *credentialStore) get() (Credentials, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.creds, s.set
}

func (s *credentialStore) put(creds Credentials) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.creds = creds
	s.set = true
}

func (s *credentialStore) clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.creds = Credentials{}
	s.set = false
}
