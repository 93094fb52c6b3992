package config

import (
	"crypto/ecdsa"
	"os"
	"os/user"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/rifflock/lfshook"
	"github.com/sirupsen/logrus"
	"github.com/trellisnet/trellis/src/common"
	prefixed "github.com/x-cray/logrus-prefixed-formatter"
)

// Default filenames.
const (
	// DefaultKeyfile is the default name of the file containing the node's
	// private key
	DefaultKeyfile = "priv_key"

	// DefaultBadgerFile is the default name of the folder containing the
	// Badger database of committed circuits
	DefaultBadgerFile = "badger_db"
)

// Default configuration values.
const (
	DefaultLogLevel          = "debug"
	DefaultBindAddr          = "127.0.0.1:1337"
	DefaultServiceAddr       = "127.0.0.1:8000"
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultMaxRetryFrequency = 300 * time.Second
	DefaultVoteWindow        = 30 * time.Second
	DefaultTCPTimeout        = 1000 * time.Millisecond
	DefaultIncomingCapacity  = 512
	DefaultOutgoingCapacity  = 16
)

// Config contains all the configuration properties of a Trellis node.
type Config struct {
	// DataDir is the top-level directory containing Trellis configuration
	// and data
	DataDir string `mapstructure:"datadir"`

	// LogLevel determines the chattiness of the log output.
	LogLevel string `mapstructure:"log"`

	// LogFile, when set, duplicates log output to a file.
	LogFile string `mapstructure:"log-file"`

	// BindAddr is the local address:port where this node listens for
	// connections from other nodes.
	BindAddr string `mapstructure:"listen"`

	// NoService disables the HTTP API service.
	NoService bool `mapstructure:"no-service"`

	// ServiceAddr is the address:port of the HTTP API service.
	ServiceAddr string `mapstructure:"service-listen"`

	// HeartbeatInterval is how often connections are heartbeated and
	// broken ones retried.
	HeartbeatInterval time.Duration `mapstructure:"heartbeat"`

	// MaxRetryFrequency caps the reconnection backoff, which doubles on
	// every failed attempt.
	MaxRetryFrequency time.Duration `mapstructure:"max-retry"`

	// VoteWindow is how long a circuit proposal may collect votes before
	// being abandoned.
	VoteWindow time.Duration `mapstructure:"vote-window"`

	// TCPTimeout is the dial timeout for outbound TCP connections.
	TCPTimeout time.Duration `mapstructure:"timeout"`

	// IncomingCapacity bounds the shared queue of received envelopes.
	IncomingCapacity int `mapstructure:"incoming-capacity"`

	// OutgoingCapacity bounds each connection's queue of unsent messages.
	OutgoingCapacity int `mapstructure:"outgoing-capacity"`

	// DatabaseDir is the directory containing the circuit database.
	DatabaseDir string `mapstructure:"db"`

	// Moniker defines the friendly name of this node.
	Moniker string `mapstructure:"moniker"`

	// Key is the private key of the node.
	Key *ecdsa.PrivateKey

	logger *logrus.Logger
}

// NewDefaultConfig returns a config object with default values.
func NewDefaultConfig() *Config {
	return &Config{
		DataDir:           DefaultDataDir(),
		LogLevel:          DefaultLogLevel,
		BindAddr:          DefaultBindAddr,
		ServiceAddr:       DefaultServiceAddr,
		HeartbeatInterval: DefaultHeartbeatInterval,
		MaxRetryFrequency: DefaultMaxRetryFrequency,
		VoteWindow:        DefaultVoteWindow,
		TCPTimeout:        DefaultTCPTimeout,
		IncomingCapacity:  DefaultIncomingCapacity,
		OutgoingCapacity:  DefaultOutgoingCapacity,
		DatabaseDir:       DefaultDatabaseDir(),
	}
}

// NewTestConfig returns a config object with default values and a special
// logger for debugging tests.
func NewTestConfig(t testing.TB, level logrus.Level) *Config {
	config := NewDefaultConfig()
	config.logger = common.NewTestLogger(t, level)
	return config
}

// SetDataDir sets the top-level Trellis directory, and updates the database
// directory if it is currently set to the default value. If the database
// directory is not currently the default, it means the user has explicitely
// set it to something else, so avoid changing it again here.
func (c *Config) SetDataDir(dataDir string) {
	c.DataDir = dataDir
	if c.DatabaseDir == DefaultDatabaseDir() {
		c.DatabaseDir = filepath.Join(dataDir, DefaultBadgerFile)
	}
}

// Keyfile returns the full path of the file containing the private key.
func (c *Config) Keyfile() string {
	return filepath.Join(c.DataDir, DefaultKeyfile)
}

// Logger returns a formatted logrus Entry, with prefix set to "trellis".
func (c *Config) Logger() *logrus.Entry {
	if c.logger == nil {
		c.logger = logrus.New()
		c.logger.Level = LogLevel(c.LogLevel)
		c.logger.Formatter = new(prefixed.TextFormatter)

		if c.LogFile != "" {
			if _, err := os.OpenFile(c.LogFile, os.O_CREATE|os.O_WRONLY, 0666); err != nil {
				c.logger.WithError(err).Warn("Failed to open log file, using stderr only")
			} else {
				c.logger.Hooks.Add(lfshook.NewHook(
					c.LogFile,
					&logrus.TextFormatter{},
				))
			}
		}
	}
	return c.logger.WithField("prefix", "trellis")
}

// DefaultDatabaseDir returns the default path for the badger database files.
func DefaultDatabaseDir() string {
	return filepath.Join(DefaultDataDir(), DefaultBadgerFile)
}

// DefaultDataDir returns the default directory name for top-level Trellis
// config based on the underlying OS, attempting to respect conventions.
func DefaultDataDir() string {
	home := HomeDir()
	if home != "" {
		if runtime.GOOS == "darwin" {
			return filepath.Join(home, ".Trellis")
		} else if runtime.GOOS == "windows" {
			return filepath.Join(home, "AppData", "Roaming", "Trellis")
		} else {
			return filepath.Join(home, ".trellis")
		}
	}
	// As we cannot guess a stable location, return empty and handle later
	return ""
}

// HomeDir returns the user's home directory.
func HomeDir() string {
	if home := os.Getenv("HOME"); home != "" {
		return home
	}
	if usr, err := user.Current(); err == nil {
		return usr.HomeDir
	}
	return ""
}

// LogLevel parses a string into a Logrus log level.
func LogLevel(l string) logrus.Level {
	switch l {
	case "debug":
		return logrus.DebugLevel
	case "info":
		return logrus.InfoLevel
	case "warn":
		return logrus.WarnLevel
	case "error":
		return logrus.ErrorLevel
	case "fatal":
		return logrus.FatalLevel
	case "panic":
		return logrus.PanicLevel
	default:
		return logrus.DebugLevel
	}
}
