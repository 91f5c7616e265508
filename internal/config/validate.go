package config

import (
	"errors"
	"fmt"
	"net"
	"sort"
)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validatePorts(); err != nil {
		return err
	}
	if err := c.validatePoll(); err != nil {
		return err
	}
	if err := c.validateMetrics(); err != nil {
		return err
	}
	return c.validateLogging()
}

func (c *Config) validatePorts() error {
	specs, err := c.PortSpecs()
	if err != nil {
		return err
	}
	if len(specs) == 0 && !c.Ports.DefaultListen {
		return errors.New("ports: no endpoints configured and ports.default_listen is false")
	}
	seen := make(map[string]struct{}, len(specs))
	for _, spec := range specs {
		if _, dup := seen[spec.Address]; dup {
			return fmt.Errorf("ports.endpoints: %s listed more than once", spec.Address)
		}
		seen[spec.Address] = struct{}{}
	}
	if c.Ports.DefaultListen {
		// pid and epoch seconds are at most 10 digits each.
		probe := len(c.Paths.RuntimeDir) + len("/diagport--") + 10 + 10 + len("-socket")
		if probe > maxUnixSocketPathLength {
			return fmt.Errorf("paths.runtime_dir is too long for a unix socket path (%d bytes)", len(c.Paths.RuntimeDir))
		}
	}
	if len(c.ControlSocketPath()) > maxUnixSocketPathLength {
		return fmt.Errorf("paths.runtime_dir is too long for the control socket (%d bytes)", len(c.Paths.RuntimeDir))
	}
	return nil
}

func (c *Config) validatePoll() error {
	if err := ensurePositiveMap(map[string]int{
		"poll.min_timeout_ms":   c.Poll.MinTimeoutMS,
		"poll.max_timeout_ms":   c.Poll.MaxTimeoutMS,
		"poll.error_pause_ms":   c.Poll.ErrorPauseMS,
		"ports.dial_timeout_ms": c.Ports.DialTimeoutMS,
	}); err != nil {
		return err
	}
	if c.Poll.MaxTimeoutMS < c.Poll.MinTimeoutMS {
		return errors.New("poll.max_timeout_ms must be >= poll.min_timeout_ms")
	}
	if c.Poll.FalloffFactor <= 1 {
		return errors.New("poll.falloff_factor must be greater than 1")
	}
	return nil
}

func (c *Config) validateMetrics() error {
	if !c.Metrics.Enabled {
		return nil
	}
	if _, _, err := net.SplitHostPort(c.Metrics.Bind); err != nil {
		return fmt.Errorf("metrics.bind: %w", err)
	}
	return nil
}

func (c *Config) validateLogging() error {
	switch c.Logging.Level {
	case "debug", "info", "warn", "warning", "error":
		return nil
	default:
		return fmt.Errorf("logging.level: unsupported value %q", c.Logging.Level)
	}
}

// ensurePositiveMap reports the first non-positive value in key order.
func ensurePositiveMap(values map[string]int) error {
	keys := make([]string, 0, len(values))
	for key := range values {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		if values[key] <= 0 {
			return fmt.Errorf("%s must be positive", key)
		}
	}
	return nil
}
