package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

func (c *Config) normalize() error {
	if err := c.normalizePaths(); err != nil {
		return err
	}
	if err := c.normalizePorts(); err != nil {
		return err
	}
	c.normalizePoll()
	if err := c.normalizeJournal(); err != nil {
		return err
	}
	c.normalizeMetrics()
	c.normalizeLogging()
	return nil
}

func (c *Config) normalizePaths() error {
	if value, ok := os.LookupEnv(runtimeDirEnvVar); ok && strings.TrimSpace(value) != "" {
		c.Paths.RuntimeDir = strings.TrimSpace(value)
	}
	if strings.TrimSpace(c.Paths.RuntimeDir) == "" {
		c.Paths.RuntimeDir = defaultRuntimeDir
	}
	if strings.TrimSpace(c.Paths.LogDir) == "" {
		c.Paths.LogDir = defaultLogDir
	}
	var err error
	if c.Paths.RuntimeDir, err = expandPath(c.Paths.RuntimeDir); err != nil {
		return fmt.Errorf("paths.runtime_dir: %w", err)
	}
	if c.Paths.LogDir, err = expandPath(c.Paths.LogDir); err != nil {
		return fmt.Errorf("paths.log_dir: %w", err)
	}
	return nil
}

// normalizePorts appends DIAGPORT_PORTS entries to the configured endpoints
// and rewrites every address to an absolute path. Tags are kept verbatim.
func (c *Config) normalizePorts() error {
	if value, ok := os.LookupEnv(portsEnvVar); ok {
		for _, entry := range strings.Split(value, portSpecSeparator) {
			if trimmed := strings.TrimSpace(entry); trimmed != "" {
				c.Ports.Endpoints = append(c.Ports.Endpoints, trimmed)
			}
		}
	}
	if value, ok := os.LookupEnv(defaultListenEnvVar); ok {
		enabled, err := strconv.ParseBool(strings.TrimSpace(value))
		if err != nil {
			return fmt.Errorf("%s: %w", defaultListenEnvVar, err)
		}
		c.Ports.DefaultListen = enabled
	}

	normalized := make([]string, 0, len(c.Ports.Endpoints))
	for _, entry := range c.Ports.Endpoints {
		trimmed := strings.TrimSpace(entry)
		if trimmed == "" {
			continue
		}
		address, tags, _ := strings.Cut(trimmed, portSpecFieldSeparator)
		expanded, err := expandPath(strings.TrimSpace(address))
		if err != nil {
			return fmt.Errorf("ports.endpoints %q: %w", trimmed, err)
		}
		if tags != "" {
			expanded += portSpecFieldSeparator + tags
		}
		normalized = append(normalized, expanded)
	}
	c.Ports.Endpoints = normalized

	if c.Ports.DialTimeoutMS <= 0 {
		c.Ports.DialTimeoutMS = defaultDialTimeoutMS
	}
	return nil
}

func (c *Config) normalizePoll() {
	if c.Poll.MinTimeoutMS == 0 {
		c.Poll.MinTimeoutMS = defaultPollMinTimeoutMS
	}
	if c.Poll.MaxTimeoutMS == 0 {
		c.Poll.MaxTimeoutMS = defaultPollMaxTimeoutMS
	}
	if c.Poll.FalloffFactor == 0 {
		c.Poll.FalloffFactor = defaultPollFalloff
	}
	if c.Poll.ErrorPauseMS == 0 {
		c.Poll.ErrorPauseMS = defaultPollErrorPauseMS
	}
}

func (c *Config) normalizeJournal() error {
	if strings.TrimSpace(c.Journal.Path) == "" {
		c.Journal.Path = filepath.Join(c.Paths.LogDir, defaultJournalFile)
	}
	var err error
	if c.Journal.Path, err = expandPath(c.Journal.Path); err != nil {
		return fmt.Errorf("journal.path: %w", err)
	}
	if c.Journal.RetentionDays < 0 {
		c.Journal.RetentionDays = 0
	}
	return nil
}

func (c *Config) normalizeMetrics() {
	c.Metrics.Bind = strings.TrimSpace(c.Metrics.Bind)
	c.Metrics.Token = strings.TrimSpace(c.Metrics.Token)
	if c.Metrics.Bind == "" {
		c.Metrics.Bind = defaultMetricsBind
	}
}

func (c *Config) normalizeLogging() {
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	switch c.Logging.Format {
	case "", "console":
		c.Logging.Format = "console"
	case "json":
	default:
		c.Logging.Format = "console"
	}
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogLevel
	}
	if c.Logging.RetentionDays < 0 {
		c.Logging.RetentionDays = 0
	}
}
