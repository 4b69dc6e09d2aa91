package config

import (
	"errors"
	"fmt"
	"os"
)

const sampleConfig = `# Server wrapper configuration. Environment variables (MCSW_*) are read
# first and values in this file override them.

jarPath: server.jar
javaPath: java
jvmArgs: []
jarArgs: [nogui]
minMemory: 1G
maxMemory: 2G
autoStart: true
stopCommand: stop
graceWindow: 60s
healthInterval: 10s

consoleLineBuffer: 1000
commandPrefix: "."
maxLineLength: 1024

remoteUser: admin
# Leave both empty to allow only public keys from ssh_authorized_keys.
# Generate a hash with --hash-password.
remotePass: ""
remotePassHash: ""
remoteHost: 0.0.0.0
remotePort: 25522
httpAddr: ""

auditRetentionDays: 90
logLevel: info
`

// EnsureConfigDir creates the config directory with a sample config file
// and an empty authorized keys file. Existing files are left alone. It
// reports whether the config file was created.
func (s *Settings) EnsureConfigDir() (created bool, err error) {
	if err := os.MkdirAll(s.ConfigDir, 0o700); err != nil {
		return false, fmt.Errorf("create config dir: %w", err)
	}

	created, err = writeIfMissing(s.FilePath(), []byte(sampleConfig), 0o600)
	if err != nil {
		return false, fmt.Errorf("write sample config: %w", err)
	}
	if _, err := writeIfMissing(s.AuthorizedKeysPath(), nil, 0o600); err != nil {
		return created, fmt.Errorf("create authorized keys file: %w", err)
	}
	return created, nil
}

func writeIfMissing(path string, data []byte, perm os.FileMode) (bool, error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, perm)
	if errors.Is(err, os.ErrExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return false, err
	}
	return true, f.Close()
}
