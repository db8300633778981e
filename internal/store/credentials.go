package store

import (
	"strings"

	"github.com/google/uuid"
)

// Credentials is the account issued to this device at registration. Both
// tokens are generated locally.
type Credentials struct {
	Username string
	Password string
}

func (c Credentials) Empty() bool {
	return strings.TrimSpace(c.Username) == "" || strings.TrimSpace(c.Password) == ""
}

// NewCredentials generates a fresh random username/password pair.
func NewCredentials() Credentials {
	return Credentials{
		Username: newToken(),
		Password: newToken(),
	}
}

func newToken() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// CredentialStore reads and writes Credentials through a KV.
type CredentialStore struct {
	kv KV
}

func NewCredentialStore(kv KV) *CredentialStore {
	return &CredentialStore{kv: kv}
}

// Load reports false unless both username and password are stored.
func (s *CredentialStore) Load() (Credentials, bool) {
	user, okUser := s.kv.Get(KeyUsername)
	pass, okPass := s.kv.Get(KeyPassword)
	c := Credentials{Username: user, Password: pass}
	if !okUser || !okPass || c.Empty() {
		return Credentials{}, false
	}
	return c, true
}

func (s *CredentialStore) Save(c Credentials) error {
	if err := s.kv.Set(KeyUsername, c.Username); err != nil {
		return err
	}
	return s.kv.Set(KeyPassword, c.Password)
}

func (s *CredentialStore) Clear() error {
	return s.kv.Remove(KeyUsername, KeyPassword)
}
