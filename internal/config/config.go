package config

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/docker/go-units"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"github.com/ruifung/mcswrappr/internal/auth"
)

const (
	EnvPrefix          = "MCSW"
	FileName           = "mcsw-config.yml"
	AuthorizedKeysFile = "ssh_authorized_keys"
	HostKeyFile        = "ssh_host.key"
	DatabaseFile       = "mcsw.db"
	LogFile            = "mcsw.log"
)

type Settings struct {
	// Server process
	JarPath        string        `envconfig:"JAR_PATH" yaml:"jarPath"`
	JavaPath       string        `envconfig:"JAVA_PATH" default:"java" yaml:"javaPath"`
	JvmArgs        []string      `envconfig:"JVM_ARGS" yaml:"jvmArgs"`
	JarArgs        []string      `envconfig:"JAR_ARGS" yaml:"jarArgs"`
	MinMemory      string        `envconfig:"MIN_MEMORY" default:"1G" yaml:"minMemory"`
	MaxMemory      string        `envconfig:"MAX_MEMORY" default:"2G" yaml:"maxMemory"`
	AutoStart      bool          `envconfig:"AUTO_START" default:"true" yaml:"autoStart"`
	StopCommand    string        `envconfig:"STOP_COMMAND" default:"stop" yaml:"stopCommand"`
	GraceWindow    time.Duration `envconfig:"GRACE_WINDOW" default:"60s" yaml:"graceWindow"`
	HealthInterval time.Duration `envconfig:"HEALTH_INTERVAL" default:"10s" yaml:"healthInterval"`

	// Console
	ConsoleLineBuffer int    `envconfig:"CONSOLE_LINE_BUFFER" default:"1000" yaml:"consoleLineBuffer"`
	CommandPrefix     string `envconfig:"COMMAND_PREFIX" default:"." yaml:"commandPrefix"`
	MaxLineLength     int    `envconfig:"MAX_LINE_LENGTH" default:"1024" yaml:"maxLineLength"`

	// Remote access. An empty password disables password login; keys in
	// the authorized keys file still work.
	RemoteUser     string `envconfig:"REMOTE_USER" default:"admin" yaml:"remoteUser"`
	RemotePass     string `envconfig:"REMOTE_PASS" yaml:"remotePass"`
	RemotePassHash string `envconfig:"REMOTE_PASS_HASH" yaml:"remotePassHash"`
	RemoteHost     string `envconfig:"REMOTE_HOST" default:"0.0.0.0" yaml:"remoteHost"`
	RemotePort     int    `envconfig:"REMOTE_PORT" default:"25522" yaml:"remotePort"`
	// HTTPAddr enables the admin API and web console when set, e.g. ":8080".
	HTTPAddr string `envconfig:"HTTP_ADDR" yaml:"httpAddr"`

	// Storage and logging. Empty paths default to files in ConfigDir.
	ConfigDir          string `envconfig:"CONFIG_DIR" default:"MCSWrapper" yaml:"-"`
	DatabasePath       string `envconfig:"DATABASE_PATH" yaml:"databasePath"`
	AuditRetentionDays int    `envconfig:"AUDIT_RETENTION_DAYS" default:"90" yaml:"auditRetentionDays"`
	LogPath            string `envconfig:"LOG_PATH" yaml:"logPath"`
	LogLevel           string `envconfig:"LOG_LEVEL" default:"info" yaml:"logLevel"`
	LogDev             bool   `envconfig:"LOG_DEV" default:"false" yaml:"logDev"`
}

// Load reads settings from MCSW_* environment variables, then overlays the
// YAML file in the config directory if it exists. File values win.
func Load() (Settings, error) {
	var s Settings
	if err := envconfig.Process(EnvPrefix, &s); err != nil {
		return s, fmt.Errorf("load environment: %w", err)
	}

	data, err := os.ReadFile(s.FilePath())
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return s, fmt.Errorf("read config file: %w", err)
	default:
		if err := yaml.Unmarshal(data, &s); err != nil {
			return s, fmt.Errorf("parse %s: %w", s.FilePath(), err)
		}
	}

	if s.DatabasePath == "" {
		s.DatabasePath = filepath.Join(s.ConfigDir, DatabaseFile)
	}
	if s.LogPath == "" {
		s.LogPath = filepath.Join(s.ConfigDir, LogFile)
	}
	return s, nil
}

func (s *Settings) FilePath() string           { return filepath.Join(s.ConfigDir, FileName) }
func (s *Settings) AuthorizedKeysPath() string { return filepath.Join(s.ConfigDir, AuthorizedKeysFile) }
func (s *Settings) HostKeyPath() string        { return filepath.Join(s.ConfigDir, HostKeyFile) }

// RemoteAddr is the SSH listen address.
func (s *Settings) RemoteAddr() string {
	return fmt.Sprintf("%s:%d", s.RemoteHost, s.RemotePort)
}

// Credentials returns the operator account for the remote surfaces.
func (s *Settings) Credentials() auth.Credentials {
	return auth.Credentials{User: s.RemoteUser, Password: s.RemotePass, PasswordHash: s.RemotePassHash}
}

var (
	memoryPattern = regexp.MustCompile(`(?i)^\d+[KMG]$`)
	memoryFlag    = regexp.MustCompile(`(?i)-xm[xs]`)
)

// Validate checks the settings and normalizes them in place: paths become
// absolute and memory flags are removed from JvmArgs. All problems are
// reported together.
func (s *Settings) Validate() error {
	var errs []error
	fail := func(field, format string, args ...any) {
		errs = append(errs, fmt.Errorf("%s: %s", field, fmt.Sprintf(format, args...)))
	}

	if s.JarPath == "" {
		fail("jarPath", "is required")
	} else if abs, err := existingPath(s.JarPath); err != nil {
		fail("jarPath", "%v", err)
	} else {
		s.JarPath = abs
	}

	if s.JavaPath == "" {
		fail("javaPath", "is required")
	} else if abs, err := resolveExecutable(s.JavaPath); err != nil {
		fail("javaPath", "%v", err)
	} else {
		s.JavaPath = abs
	}

	minOK := memoryPattern.MatchString(s.MinMemory)
	maxOK := memoryPattern.MatchString(s.MaxMemory)
	if !minOK {
		fail("minMemory", "invalid memory size %q, want e.g. 512M or 2G", s.MinMemory)
	}
	if !maxOK {
		fail("maxMemory", "invalid memory size %q, want e.g. 512M or 2G", s.MaxMemory)
	}
	if minOK && maxOK {
		lo, errLo := units.RAMInBytes(s.MinMemory)
		hi, errHi := units.RAMInBytes(s.MaxMemory)
		if errLo == nil && errHi == nil && lo > hi {
			fail("minMemory", "%s exceeds maxMemory %s", s.MinMemory, s.MaxMemory)
		}
	}

	kept := s.JvmArgs[:0:0]
	for _, arg := range s.JvmArgs {
		if !memoryFlag.MatchString(arg) {
			kept = append(kept, arg)
		}
	}
	s.JvmArgs = kept

	if utf8.RuneCountInString(s.CommandPrefix) != 1 {
		fail("commandPrefix", "must be exactly one character, got %q", s.CommandPrefix)
	} else if r, _ := utf8.DecodeRuneInString(s.CommandPrefix); unicode.IsSpace(r) || unicode.IsLetter(r) || unicode.IsDigit(r) {
		fail("commandPrefix", "must be a symbol, got %q", s.CommandPrefix)
	}
	if s.ConsoleLineBuffer <= 0 {
		fail("consoleLineBuffer", "must be positive")
	}
	if s.MaxLineLength <= 0 {
		fail("maxLineLength", "must be positive")
	}
	if s.GraceWindow <= 0 {
		fail("graceWindow", "must be positive")
	}
	if s.HealthInterval <= 0 {
		fail("healthInterval", "must be positive")
	}
	if strings.TrimSpace(s.StopCommand) == "" {
		fail("stopCommand", "is required")
	}
	if s.RemotePort <= 0 || s.RemotePort > 65535 {
		fail("remotePort", "out of range: %d", s.RemotePort)
	}
	if s.RemoteUser == "" {
		fail("remoteUser", "is required")
	}
	if s.RemotePassHash != "" {
		if err := auth.ValidateHash(s.RemotePassHash); err != nil {
			fail("remotePassHash", "%v", err)
		}
	}
	if s.AuditRetentionDays <= 0 {
		fail("auditRetentionDays", "must be positive")
	}

	return errors.Join(errs...)
}

// CommandLine is the argv used to launch the server.
func (s *Settings) CommandLine() []string {
	argv := []string{s.JavaPath, "-Xms" + s.MinMemory, "-Xmx" + s.MaxMemory}
	argv = append(argv, s.JvmArgs...)
	argv = append(argv, "-jar", s.JarPath)
	return append(argv, s.JarArgs...)
}

// WorkDir is the directory containing the server archive.
func (s *Settings) WorkDir() string {
	return filepath.Dir(s.JarPath)
}

func existingPath(p string) (string, error) {
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(abs); err != nil {
		return "", fmt.Errorf("non-existent path %s", abs)
	}
	return abs, nil
}

// resolveExecutable accepts a path or a bare command name found on PATH.
func resolveExecutable(p string) (string, error) {
	if !strings.ContainsRune(p, filepath.Separator) && !strings.ContainsRune(p, '/') {
		found, err := exec.LookPath(p)
		if err != nil {
			return "", fmt.Errorf("%s not found on PATH", p)
		}
		p = found
	}
	return existingPath(p)
}
