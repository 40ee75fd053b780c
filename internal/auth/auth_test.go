package auth

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func mustHash(t *testing.T, pw string) string {
	t.Helper()
	h, err := bcrypt.GenerateFromPassword([]byte(pw), bcrypt.MinCost)
	require.NoError(t, err)
	return string(h)
}

func testStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore([]User{
		{Username: "ana", PasswordHash: mustHash(t, "secret"), Teams: []string{"globex", "acme", "acme"}},
		{Username: "loner", PasswordHash: mustHash(t, "pw")},
	})
	require.NoError(t, err)
	return s
}

func TestAuthenticate(t *testing.T) {
	s := testStore(t)

	p, err := s.Authenticate("ana", "secret")
	require.NoError(t, err)
	assert.Equal(t, "ana", p.Username)
	assert.Equal(t, []string{"acme", "globex"}, p.Teams)

	tests := []struct {
		name, user, pw string
		wantErr        error
	}{
		{"wrong password", "ana", "nope", ErrInvalidCredentials},
		{"unknown user", "bob", "secret", ErrInvalidCredentials},
		{"no teams", "loner", "pw", ErrUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.Authenticate(tt.user, tt.pw)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestAuthenticateCachesVerifiedPassword(t *testing.T) {
	s := testStore(t)
	now := time.Date(2024, 6, 4, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }
	hashes := 0
	s.compare = func(hash, pw []byte) error {
		hashes++
		return bcrypt.CompareHashAndPassword(hash, pw)
	}

	for range 3 {
		p, err := s.Authenticate("ana", "secret")
		require.NoError(t, err)
		assert.Equal(t, []string{"acme", "globex"}, p.Teams)
	}
	assert.Equal(t, 1, hashes)

	// A different password is always checked and never accepted.
	_, err := s.Authenticate("ana", "Secret")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	assert.Equal(t, 2, hashes)
	_, err = s.Authenticate("ana", "secret")
	require.NoError(t, err)
	assert.Equal(t, 2, hashes)

	now = now.Add(credentialTTL)
	_, err = s.Authenticate("ana", "secret")
	require.NoError(t, err)
	assert.Equal(t, 3, hashes)

	// A cached password still cannot log in a user without teams.
	for range 2 {
		_, err = s.Authenticate("loner", "pw")
		assert.ErrorIs(t, err, ErrUnauthorized)
	}
	assert.Equal(t, 4, hashes)
}

func TestAuthorize(t *testing.T) {
	p := Principal{Username: "ana", Teams: []string{"acme"}}
	assert.NoError(t, Authorize(p, "acme"))
	assert.ErrorIs(t, Authorize(p, "globex"), ErrUnauthorized)
	assert.ErrorIs(t, Authorize(Principal{}, ""), ErrUnauthorized)
}

func TestNewStoreValidation(t *testing.T) {
	tests := []struct {
		name  string
		users []User
	}{
		{"missing username", []User{{PasswordHash: "x"}}},
		{"missing hash", []User{{Username: "a"}}},
		{"duplicate", []User{
			{Username: "a", PasswordHash: "x"},
			{Username: "a", PasswordHash: "y"},
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewStore(tt.users)
			assert.Error(t, err)
		})
	}
}

func TestLoadFile(t *testing.T) {
	hash, err := HashPassword("hunter2")
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "users.json")
	body := `[{"username":"ana","password_hash":"` + hash + `","teams":["acme"]}]`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	s, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, 1, s.Len())

	p, err := s.Authenticate("ana", "hunter2")
	require.NoError(t, err)
	assert.True(t, p.Can("acme"))

	require.NoError(t, os.WriteFile(path, []byte("{"), 0o600))
	_, err = LoadFile(path)
	assert.Error(t, err)

	_, err = LoadFile(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}
