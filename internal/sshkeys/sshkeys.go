package sshkeys

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/crypto/ssh"
)

// GenerateHostKey returns a new PEM-encoded ED25519 private key.
func GenerateHostKey() ([]byte, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate ed25519 key: %w", err)
	}
	der, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return nil, fmt.Errorf("marshal private key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}), nil
}

// EnsureHostKey loads the host key at path, generating and saving one if
// the file does not exist. created reports whether a new key was written.
func EnsureHostKey(path string) (signer ssh.Signer, created bool, err error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		data, err = GenerateHostKey()
		if err != nil {
			return nil, false, err
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, false, fmt.Errorf("create key dir: %w", err)
		}
		if err := os.WriteFile(path, data, 0o600); err != nil {
			return nil, false, fmt.Errorf("write host key: %w", err)
		}
		created = true
	} else if err != nil {
		return nil, false, fmt.Errorf("read host key: %w", err)
	}

	signer, err = ssh.ParsePrivateKey(data)
	if err != nil {
		return nil, false, fmt.Errorf("parse host key %s: %w", path, err)
	}
	return signer, created, nil
}

// Fingerprint is the SHA256 fingerprint of key in the usual SHA256:xxx form.
func Fingerprint(key ssh.PublicKey) string {
	return ssh.FingerprintSHA256(key)
}

// LoadAuthorizedKeys parses an OpenSSH authorized_keys file. Blank lines
// and comments are skipped. A missing file yields no keys. Lines that fail
// to parse are returned as errors alongside the keys that did parse.
func LoadAuthorizedKeys(path string) ([]ssh.PublicKey, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read authorized keys: %w", err)
	}

	var keys []ssh.PublicKey
	var errs []error
	for n, line := range bytes.Split(data, []byte("\n")) {
		line = bytes.TrimSpace(line)
		if len(line) == 0 || line[0] == '#' {
			continue
		}
		key, _, _, _, err := ssh.ParseAuthorizedKey(line)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s:%d: %w", filepath.Base(path), n+1, err))
			continue
		}
		keys = append(keys, key)
	}
	return keys, errors.Join(errs...)
}

// IsAuthorized reports whether key appears in the authorized keys file.
func IsAuthorized(path string, key ssh.PublicKey) (bool, error) {
	keys, err := LoadAuthorizedKeys(path)
	want := key.Marshal()
	for _, k := range keys {
		if bytes.Equal(k.Marshal(), want) {
			return true, err
		}
	}
	return false, err
}
