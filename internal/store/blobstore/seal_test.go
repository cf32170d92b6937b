package blobstore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSealer(t *testing.T, passphrase string) *Sealer {
	t.Helper()
	cfg := DefaultSealConfig()
	cfg.Key = passphrase
	cfg.Iterations = 1000
	s, err := NewSealer(cfg)
	require.NoError(t, err)
	return s
}

func TestSealUnsealRoundTrip(t *testing.T) {
	s := newTestSealer(t, "correct horse battery staple")

	plaintext := []byte("blob payload")
	sealed, err := s.Seal(plaintext)
	require.NoError(t, err)
	assert.NotEqual(t, plaintext, sealed)

	opened, err := s.Unseal(sealed)
	require.NoError(t, err)
	assert.Equal(t, plaintext, opened)
}

func TestUnsealRejectsWrongKey(t *testing.T) {
	sealed, err := newTestSealer(t, "one passphrase").Seal([]byte("secret"))
	require.NoError(t, err)

	_, err = newTestSealer(t, "another passphrase").Unseal(sealed)
	require.Error(t, err)
}

func TestUnsealRejectsTruncatedCiphertext(t *testing.T) {
	s := newTestSealer(t, "pass")
	_, err := s.Unseal([]byte("short"))
	require.Error(t, err)
}

func TestSealerRejectsUnknownKeyType(t *testing.T) {
	_, err := NewSealer(&SealConfig{KeyType: "hsm"})
	require.Error(t, err)
}
