package config

const (
	defaultConfigPath       = "~/.config/diagport/config.toml"
	defaultRuntimeDir       = "~/.local/share/diagport/run"
	defaultLogDir           = "~/.local/share/diagport/logs"
	defaultLogFormat        = "console"
	defaultLogLevel         = "info"
	defaultLogRetentionDays = 30
	defaultDialTimeoutMS    = 2000
	defaultPollMinTimeoutMS = 10
	defaultPollMaxTimeoutMS = 500
	defaultPollFalloff      = 1.25
	defaultPollErrorPauseMS = 100
	defaultJournalFile      = "sessions.db"
	defaultJournalRetention = 30
	defaultMetricsBind      = "127.0.0.1:9464"
	portsEnvVar             = "DIAGPORT_PORTS"
	defaultListenEnvVar     = "DIAGPORT_DEFAULT_LISTEN"
	runtimeDirEnvVar        = "DIAGPORT_RUNTIME_DIR"
	maxUnixSocketPathLength = 107
	portSpecSeparator       = ";"
	portSpecFieldSeparator  = ","
)

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Paths: Paths{
			RuntimeDir: defaultRuntimeDir,
			LogDir:     defaultLogDir,
		},
		Ports: Ports{
			DefaultListen: true,
			DialTimeoutMS: defaultDialTimeoutMS,
		},
		Poll: Poll{
			MinTimeoutMS:  defaultPollMinTimeoutMS,
			MaxTimeoutMS:  defaultPollMaxTimeoutMS,
			FalloffFactor: defaultPollFalloff,
			ErrorPauseMS:  defaultPollErrorPauseMS,
		},
		Journal: Journal{
			Enabled:       true,
			RetentionDays: defaultJournalRetention,
		},
		Metrics: Metrics{
			Enabled: false,
			Bind:    defaultMetricsBind,
		},
		Logging: Logging{
			Format:        defaultLogFormat,
			Level:         defaultLogLevel,
			RetentionDays: defaultLogRetentionDays,
		},
	}
}
