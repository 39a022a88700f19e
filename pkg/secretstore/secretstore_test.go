package secretstore

import (
	"encoding/base64"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseKey(t *testing.T) {
	k, err := ParseKey("")
	require.NoError(t, err)
	assert.Nil(t, k)

	hexKey := strings.Repeat("ab", 32)
	k, err = ParseKey("0x" + hexKey)
	require.NoError(t, err)
	assert.Len(t, k, 32)

	raw := make([]byte, 32)
	k, err = ParseKey(base64.StdEncoding.EncodeToString(raw))
	require.NoError(t, err)
	assert.Len(t, k, 32)

	_, err = ParseKey("abcd")
	assert.Error(t, err)
	_, err = ParseKey("not a key!")
	assert.Error(t, err)
}

func TestCredentials_RoundTripEncrypted(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "secrets")
	key, err := ParseKey(strings.Repeat("11", 32))
	require.NoError(t, err)

	s, err := Open(OpenOptions{Path: dir, EncryptionKey: key})
	require.NoError(t, err)

	_, err = s.LoadCredentials("binance")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.SaveCredentials("Binance", Credentials{APIKey: "k1", APISecret: "s1"}))
	require.NoError(t, s.Close())

	s, err = Open(OpenOptions{Path: dir, EncryptionKey: key, ReadOnly: true})
	require.NoError(t, err)
	defer s.Close()
	creds, err := s.LoadCredentials("binance")
	require.NoError(t, err)
	assert.Equal(t, "k1", creds.APIKey)
	assert.Equal(t, "s1", creds.APISecret)
	assert.False(t, creds.UpdatedAt.IsZero())
}

func TestCredentials_ListAndDelete(t *testing.T) {
	s, err := Open(OpenOptions{InMemory: true})
	require.NoError(t, err)
	defer s.Close()

	assert.Error(t, s.SaveCredentials("binance", Credentials{APIKey: "k"}), "缺少 secret")
	assert.Error(t, s.SaveCredentials(" ", Credentials{APIKey: "k", APISecret: "s"}))

	require.NoError(t, s.SaveCredentials("binance", Credentials{APIKey: "k", APISecret: "s"}))
	require.NoError(t, s.SaveCredentials("paper", Credentials{APIKey: "k", APISecret: "s"}))
	venues, err := s.Venues()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"binance", "paper"}, venues)

	require.NoError(t, s.DeleteCredentials("paper"))
	_, err = s.LoadCredentials("paper")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = Open(OpenOptions{})
	assert.Error(t, err)
}
