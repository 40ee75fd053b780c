// Package auth checks API callers against a static user list and
// decides which teams they may view.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"slices"
	"sort"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"
)

var (
	// ErrInvalidCredentials means the username is unknown or the
	// password does not match.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrUnauthorized means the caller may not view the team.
	ErrUnauthorized = errors.New("not authorized for team")
)

// User is one entry of the users file.
type User struct {
	Username     string   `json:"username"`
	PasswordHash string   `json:"password_hash"`
	Teams        []string `json:"teams"`
}

// Principal is an authenticated caller.
type Principal struct {
	Username string   `json:"username"`
	Teams    []string `json:"teams"`
}

// Can reports whether p may view team.
func (p Principal) Can(team string) bool {
	return slices.Contains(p.Teams, team)
}

// credentialTTL is how long a verified password is accepted
// without another bcrypt comparison.
const credentialTTL = time.Minute

// Store holds the static user list.
type Store struct {
	users map[string]User

	// Verified credentials, keyed by username. Only a salted
	// digest of the password is kept.
	mu       sync.Mutex
	verified map[string]verifiedCredential
	salt     [32]byte
	now      func() time.Time
	compare  func(hash, password []byte) error
}

type verifiedCredential struct {
	digest  [32]byte
	expires time.Time
}

// NewStore builds a store from users. Duplicate usernames and
// entries without a username or hash are rejected.
func NewStore(users []User) (*Store, error) {
	s := &Store{
		users:    make(map[string]User, len(users)),
		verified: make(map[string]verifiedCredential),
		now:      time.Now,
		compare:  bcrypt.CompareHashAndPassword,
	}
	if _, err := rand.Read(s.salt[:]); err != nil {
		return nil, fmt.Errorf("seeding credential cache: %w", err)
	}
	for i, u := range users {
		if u.Username == "" {
			return nil, fmt.Errorf("user %d: missing username", i)
		}
		if u.PasswordHash == "" {
			return nil, fmt.Errorf("user %q: missing password_hash", u.Username)
		}
		if _, dup := s.users[u.Username]; dup {
			return nil, fmt.Errorf("duplicate user %q", u.Username)
		}
		u.Teams = slices.Clone(u.Teams)
		sort.Strings(u.Teams)
		u.Teams = slices.Compact(u.Teams)
		s.users[u.Username] = u
	}
	return s, nil
}

// LoadFile reads a JSON array of users from path.
func LoadFile(path string) (*Store, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading users file: %w", err)
	}
	var users []User
	if err := json.Unmarshal(data, &users); err != nil {
		return nil, fmt.Errorf("parsing users file %s: %w", path, err)
	}
	s, err := NewStore(users)
	if err != nil {
		return nil, fmt.Errorf("users file %s: %w", path, err)
	}
	return s, nil
}

// Len returns the number of users.
func (s *Store) Len() int {
	return len(s.users)
}

// Authenticate verifies a username and password. A user that
// belongs to no team cannot log in. A password verified within
// the last credentialTTL is accepted without rehashing.
func (s *Store) Authenticate(
	username, password string,
) (Principal, error) {
	u, ok := s.users[username]
	if !ok {
		// Unknown users still pay for one comparison.
		_ = s.compare(dummyHash(), []byte(password))
		return Principal{}, ErrInvalidCredentials
	}
	digest := s.digest(username, password)
	if !s.recentlyVerified(username, digest) {
		err := s.compare([]byte(u.PasswordHash), []byte(password))
		if err != nil {
			return Principal{}, ErrInvalidCredentials
		}
		s.remember(username, digest)
	}
	if len(u.Teams) == 0 {
		return Principal{}, fmt.Errorf(
			"user %q has no teams: %w", username, ErrUnauthorized,
		)
	}
	return Principal{
		Username: u.Username,
		Teams:    slices.Clone(u.Teams),
	}, nil
}

func (s *Store) digest(username, password string) [32]byte {
	b := make([]byte, 0, len(s.salt)+len(username)+1+len(password))
	b = append(b, s.salt[:]...)
	b = append(b, username...)
	b = append(b, 0)
	b = append(b, password...)
	return sha256.Sum256(b)
}

func (s *Store) recentlyVerified(username string, digest [32]byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.verified[username]
	if !ok {
		return false
	}
	if !s.now().Before(c.expires) {
		delete(s.verified, username)
		return false
	}
	return subtle.ConstantTimeCompare(c.digest[:], digest[:]) == 1
}

func (s *Store) remember(username string, digest [32]byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.verified[username] = verifiedCredential{
		digest:  digest,
		expires: s.now().Add(credentialTTL),
	}
}

// Authorize returns ErrUnauthorized unless p may view team.
func Authorize(p Principal, team string) error {
	if !p.Can(team) {
		return fmt.Errorf("%s: %w", team, ErrUnauthorized)
	}
	return nil
}

// HashPassword returns a bcrypt hash suitable for the users file.
func HashPassword(password string) (string, error) {
	h, err := bcrypt.GenerateFromPassword(
		[]byte(password), bcrypt.DefaultCost,
	)
	if err != nil {
		return "", fmt.Errorf("hashing password: %w", err)
	}
	return string(h), nil
}

var dummyHash = sync.OnceValue(func() []byte {
	h, err := bcrypt.GenerateFromPassword(
		[]byte("contactpulse"), bcrypt.DefaultCost,
	)
	if err != nil {
		panic(err)
	}
	return h
})
