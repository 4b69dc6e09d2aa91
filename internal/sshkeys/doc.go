// Package sshkeys manages the SSH server's host key and the operator
// authorized keys file.
//
// The host key is a single ED25519 key stored PEM-encoded with 0600
// permissions. It is generated on first start and reused afterwards so
// clients see a stable fingerprint.
//
// The authorized keys file uses the OpenSSH format. It is read on every
// authentication attempt, so edits take effect without a restart.
package sshkeys
