package sshkeys

import (
	"crypto/ed25519"
	"crypto/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
)

func newPublicKey(t *testing.T) ssh.PublicKey {
	t.Helper()
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	key, err := ssh.NewPublicKey(pub)
	require.NoError(t, err)
	return key
}

func TestEnsureHostKeyCreatesThenReuses(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conf", "ssh_host.key")

	first, created, err := EnsureHostKey(path)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, ssh.KeyAlgoED25519, first.PublicKey().Type())

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	second, created, err := EnsureHostKey(path)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, Fingerprint(first.PublicKey()), Fingerprint(second.PublicKey()))
}

func TestEnsureHostKeyRejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ssh_host.key")
	require.NoError(t, os.WriteFile(path, []byte("not a key"), 0o600))

	_, _, err := EnsureHostKey(path)
	assert.Error(t, err)
}

func TestLoadAuthorizedKeys(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ssh_authorized_keys")

	keys, err := LoadAuthorizedKeys(path)
	require.NoError(t, err)
	assert.Empty(t, keys)

	a, b := newPublicKey(t), newPublicKey(t)
	content := "# operators\n\n" +
		string(ssh.MarshalAuthorizedKey(a)) +
		"garbage line\n" +
		string(ssh.MarshalAuthorizedKey(b))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	keys, err = LoadAuthorizedKeys(path)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "ssh_authorized_keys:4")
	require.Len(t, keys, 2)

	ok, _ := IsAuthorized(path, b)
	assert.True(t, ok)
	ok, _ = IsAuthorized(path, newPublicKey(t))
	assert.False(t, ok)
}
