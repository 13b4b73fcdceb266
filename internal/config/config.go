// Package config loads the daemon's settings via viper, the same way the
// teacher's server component does: a config file (optional) overlaid with
// environment variables, all seeded with explicit defaults so a fresh
// install runs without writing anything first.
package config

import (
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Listener ListenerConfig
	Shell    ShellConfig
	Groups   GroupsConfig
	Edit     EditConfig
	Save     SaveConfig
	Callback CallbackConfig
	Paths    PathsConfig
	Observe  ObserveConfig
	LogLevel string
}

// ObserveConfig controls the optional HTTP endpoint exposing Prometheus
// metrics and the observability websocket hub — outside the core wire
// protocol, but carried as ambient instrumentation per the teacher's own
// metrics/websocket stack.
type ObserveConfig struct {
	Enabled bool
	Addr    string
}

// ListenerConfig picks between the two mutually exclusive transport modes
// of §4.8: a local domain socket, or TLS over TCP.
type ListenerConfig struct {
	UseTLS        bool
	SocketPath    string
	SocketPerm    uint32
	Host          string
	Port          int
	TLSCertPath   string
	TLSKeyPath    string
	TLSServerName string
}

// ShellConfig configures the shell used to spawn both tasks and the
// callback command (§4.7, §4.10).
type ShellConfig struct {
	Command []string
}

// GroupsConfig controls default group creation and pause-on-failure
// behavior (§4.3, §9).
type GroupsConfig struct {
	DefaultParallelTasks int
	PauseOnFailure       bool
	PauseAllGroupsOnFail bool
	PauseGroupDescendant bool
	GracePeriod          time.Duration
}

// EditConfig controls the two-phase edit-lock protocol's timeout (§9 Open
// Question: "implementers should define an explicit timeout").
type EditConfig struct {
	LockTimeout time.Duration
}

// SaveConfig tunes state.json persistence (§4.1, §6).
type SaveConfig struct {
	Compress            bool
	RetryMaxAttempts    int
	RetryInitialBackoff time.Duration
	RetryMaxBackoff     time.Duration
	RetryBackoffFactor  float64
	RetryJitterFactor   float64
}

// CallbackConfig configures the optional done-callback (§4.10).
type CallbackConfig struct {
	Enabled  bool
	Template string
	LogLines int
}

// PathsConfig locates the daemon's runtime directory, pid file, alias
// file, log directory and shared-secret file (§6). Generation of the
// secret and certificate files is out of scope (§1) — the daemon only
// consumes them.
type PathsConfig struct {
	RuntimeDir string
	PidFile    string
	AliasFile  string
	LogDir     string
	SecretFile string
}

func Load() (*Config, error) {
	viper.SetConfigName("pueue")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")
	viper.AddConfigPath("/etc/pueue")

	setDefaults()

	viper.SetEnvPrefix("PUEUE")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults() {
	// Listener defaults: domain socket mode, local to the runtime dir.
	viper.SetDefault("listener.usetls", false)
	viper.SetDefault("listener.socketpath", "/tmp/pueue.socket")
	viper.SetDefault("listener.socketperm", 0o700)
	viper.SetDefault("listener.host", "127.0.0.1")
	viper.SetDefault("listener.port", 6924)
	viper.SetDefault("listener.tlscertpath", "")
	viper.SetDefault("listener.tlskeypath", "")
	viper.SetDefault("listener.tlsservername", "pueue.local")

	// Shell defaults: sh -c on POSIX.
	viper.SetDefault("shell.command", []string{"sh", "-c"})

	// Groups defaults.
	viper.SetDefault("groups.defaultparalleltasks", 1)
	viper.SetDefault("groups.pauseonfailure", false)
	viper.SetDefault("groups.pauseallgroupsonfail", false)
	viper.SetDefault("groups.pausegroupdescendant", false)
	viper.SetDefault("groups.graceperiod", 0) // 0 == wait indefinitely

	// Edit defaults.
	viper.SetDefault("edit.locktimeout", 5*time.Minute)

	// Save defaults.
	viper.SetDefault("save.compress", false)
	viper.SetDefault("save.retrymaxattempts", 3)
	viper.SetDefault("save.retryinitialbackoff", 50*time.Millisecond)
	viper.SetDefault("save.retrymaxbackoff", 1*time.Second)
	viper.SetDefault("save.retrybackofffactor", 2.0)
	viper.SetDefault("save.retryjitterfactor", 0.2)

	// Callback defaults.
	viper.SetDefault("callback.enabled", false)
	viper.SetDefault("callback.template", "")
	viper.SetDefault("callback.loglines", 10)

	// Paths defaults.
	viper.SetDefault("paths.runtimedir", "/tmp/pueue")
	viper.SetDefault("paths.pidfile", "/tmp/pueue/pueue.pid")
	viper.SetDefault("paths.aliasfile", "")
	viper.SetDefault("paths.logdir", "/tmp/pueue/task_logs")
	viper.SetDefault("paths.secretfile", "/tmp/pueue/secret")

	// Observability defaults.
	viper.SetDefault("observe.enabled", false)
	viper.SetDefault("observe.addr", "127.0.0.1:6925")

	// Logging defaults.
	viper.SetDefault("loglevel", "info")
}
