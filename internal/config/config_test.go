package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validSettings(t *testing.T) Settings {
	t.Helper()
	dir := t.TempDir()
	jar := filepath.Join(dir, "server.jar")
	require.NoError(t, os.WriteFile(jar, []byte("PK"), 0o644))
	java := filepath.Join(dir, "java")
	require.NoError(t, os.WriteFile(java, []byte("#!/bin/sh\n"), 0o755))

	return Settings{
		JarPath:            jar,
		JavaPath:           java,
		MinMemory:          "1G",
		MaxMemory:          "2G",
		StopCommand:        "stop",
		GraceWindow:        time.Minute,
		HealthInterval:     10 * time.Second,
		ConsoleLineBuffer:  1000,
		CommandPrefix:      ".",
		MaxLineLength:      1024,
		RemoteUser:         "admin",
		RemotePort:         25522,
		AuditRetentionDays: 90,
	}
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("MCSW_CONFIG_DIR", t.TempDir())

	s, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "java", s.JavaPath)
	assert.Equal(t, "1G", s.MinMemory)
	assert.Equal(t, "2G", s.MaxMemory)
	assert.True(t, s.AutoStart)
	assert.Equal(t, "stop", s.StopCommand)
	assert.Equal(t, 60*time.Second, s.GraceWindow)
	assert.Equal(t, 10*time.Second, s.HealthInterval)
	assert.Equal(t, 1000, s.ConsoleLineBuffer)
	assert.Equal(t, ".", s.CommandPrefix)
	assert.Equal(t, 1024, s.MaxLineLength)
	assert.Equal(t, "admin", s.RemoteUser)
	assert.Empty(t, s.RemotePass)
	assert.Equal(t, 25522, s.RemotePort)
	assert.Equal(t, 90, s.AuditRetentionDays)
	assert.Equal(t, filepath.Join(s.ConfigDir, DatabaseFile), s.DatabasePath)
	assert.Equal(t, filepath.Join(s.ConfigDir, LogFile), s.LogPath)
}

func TestLoadFileOverridesEnvironment(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("MCSW_CONFIG_DIR", dir)
	t.Setenv("MCSW_MAX_MEMORY", "4G")
	t.Setenv("MCSW_REMOTE_PORT", "2222")

	yml := "maxMemory: 8G\ngraceWindow: 5s\njarArgs: [nogui, --port, \"25570\"]\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, FileName), []byte(yml), 0o600))

	s, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "8G", s.MaxMemory)
	assert.Equal(t, 2222, s.RemotePort)
	assert.Equal(t, 5*time.Second, s.GraceWindow)
	assert.Equal(t, []string{"nogui", "--port", "25570"}, s.JarArgs)
}

func TestLoadRejectsBadYAML(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("MCSW_CONFIG_DIR", dir)
	require.NoError(t, os.WriteFile(filepath.Join(dir, FileName), []byte("remotePort: [nope"), 0o600))

	_, err := Load()
	assert.Error(t, err)
}

func TestValidateAcceptsGoodSettings(t *testing.T) {
	s := validSettings(t)
	s.JvmArgs = []string{"-Xmx8G", "-XX:+UseG1GC", "-xms512m"}

	require.NoError(t, s.Validate())
	assert.Equal(t, []string{"-XX:+UseG1GC"}, s.JvmArgs)
	assert.True(t, filepath.IsAbs(s.JarPath))
}

func TestValidateMakesRelativeJarAbsolute(t *testing.T) {
	s := validSettings(t)
	t.Chdir(filepath.Dir(s.JarPath))
	s.JarPath = "server.jar"

	require.NoError(t, s.Validate())
	assert.True(t, filepath.IsAbs(s.JarPath))
	assert.Equal(t, "server.jar", filepath.Base(s.JarPath))
}

func TestValidateReportsEveryProblem(t *testing.T) {
	s := validSettings(t)
	s.JarPath = filepath.Join(t.TempDir(), "missing.jar")
	s.MinMemory = "lots"
	s.CommandPrefix = ".."
	s.RemotePort = 70000
	s.MaxLineLength = 0

	err := s.Validate()
	require.Error(t, err)
	for _, field := range []string{"jarPath", "minMemory", "commandPrefix", "remotePort", "maxLineLength"} {
		assert.Contains(t, err.Error(), field)
	}
	assert.NotContains(t, err.Error(), "maxMemory")
}

func TestValidateMemoryOrdering(t *testing.T) {
	s := validSettings(t)
	s.MinMemory = "4G"
	s.MaxMemory = "512M"

	err := s.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exceeds maxMemory")
}

func TestValidateCommandPrefix(t *testing.T) {
	for prefix, ok := range map[string]bool{".": true, "!": true, "#": true, "a": false, " ": false, "": false, "!!": false} {
		s := validSettings(t)
		s.CommandPrefix = prefix
		err := s.Validate()
		if ok {
			assert.NoError(t, err, "prefix %q", prefix)
		} else {
			assert.Error(t, err, "prefix %q", prefix)
		}
	}
}

func TestValidateRejectsMalformedHash(t *testing.T) {
	s := validSettings(t)
	s.RemotePassHash = "not-a-hash"

	err := s.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "remotePassHash")
}

func TestCommandLine(t *testing.T) {
	s := Settings{
		JavaPath:  "/usr/bin/java",
		MinMemory: "1G",
		MaxMemory: "2G",
		JvmArgs:   []string{"-XX:+UseG1GC"},
		JarPath:   "/srv/mc/server.jar",
		JarArgs:   []string{"nogui"},
	}
	assert.Equal(t, []string{
		"/usr/bin/java", "-Xms1G", "-Xmx2G", "-XX:+UseG1GC", "-jar", "/srv/mc/server.jar", "nogui",
	}, s.CommandLine())
	assert.Equal(t, "/srv/mc", s.WorkDir())
}

func TestEnsureConfigDir(t *testing.T) {
	s := Settings{ConfigDir: filepath.Join(t.TempDir(), "MCSWrapper")}

	created, err := s.EnsureConfigDir()
	require.NoError(t, err)
	assert.True(t, created)
	assert.FileExists(t, s.FilePath())
	assert.FileExists(t, s.AuthorizedKeysPath())

	// The sample must load cleanly.
	t.Setenv("MCSW_CONFIG_DIR", s.ConfigDir)
	loaded, err := Load()
	require.NoError(t, err)
	assert.Equal(t, []string{"nogui"}, loaded.JarArgs)

	require.NoError(t, os.WriteFile(s.FilePath(), []byte("remotePort: 1\n"), 0o600))
	created, err = s.EnsureConfigDir()
	require.NoError(t, err)
	assert.False(t, created)
	data, err := os.ReadFile(s.FilePath())
	require.NoError(t, err)
	assert.Equal(t, "remotePort: 1\n", string(data))
}
