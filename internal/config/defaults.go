package config

const (
	defaultConfigPath         = "~/.config/cellqc/config.toml"
	projectConfigName         = "cellqc.toml"
	defaultStateDir           = "~/.local/share/cellqc"
	defaultLogDir             = "~/.local/share/cellqc/logs"
	defaultLogRetentionDays   = 30
	defaultLogFormat          = "console"
	defaultLogLevel           = "info"
	defaultMaxParallel        = 2
	defaultModelTimeout       = 30
	defaultFallbackPercentile = 0.95
	defaultKeepValue          = "keep"
)

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Paths: Paths{
			StateDir: defaultStateDir,
			LogDir:   defaultLogDir,
		},
		Logging: Logging{
			Format:        defaultLogFormat,
			Level:         defaultLogLevel,
			RetentionDays: defaultLogRetentionDays,
		},
		Run: Run{
			MaxParallel:         defaultMaxParallel,
			ModelTimeoutSeconds: defaultModelTimeout,
		},
	}
}
