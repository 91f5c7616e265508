package config

import (
	"fmt"
	"strings"
)

// PortMode selects how a diagnostic port reaches its peer.
type PortMode string

const (
	// PortConnect dials a tool that is listening on the address.
	PortConnect PortMode = "connect"
	// PortListen accepts tools connecting to the address.
	PortListen PortMode = "listen"
)

// PortSpec is one parsed "address[,tag...]" entry.
type PortSpec struct {
	Address string
	Mode    PortMode
	// Suspend records the suspend/nosuspend tag. It is accepted for
	// compatibility and has no effect on the daemon.
	Suspend bool
	// Ignored lists unrecognized tags.
	Ignored []string
}

func (p PortSpec) String() string {
	return p.Address + portSpecFieldSeparator + string(p.Mode)
}

// ParsePortSpec parses "address[,tag...]". Tags are case-insensitive:
// connect and listen select the mode (default connect, last one wins),
// suspend and nosuspend are recorded, anything else is collected in Ignored.
func ParsePortSpec(value string) (PortSpec, error) {
	fields := strings.Split(strings.TrimSpace(value), portSpecFieldSeparator)
	spec := PortSpec{Address: strings.TrimSpace(fields[0]), Mode: PortConnect}
	if spec.Address == "" {
		return PortSpec{}, fmt.Errorf("port %q: address is empty", value)
	}
	if len(spec.Address) > maxUnixSocketPathLength {
		return PortSpec{}, fmt.Errorf("port %q: address exceeds %d bytes", value, maxUnixSocketPathLength)
	}
	for _, raw := range fields[1:] {
		tag := strings.ToLower(strings.TrimSpace(raw))
		switch tag {
		case "":
		case string(PortConnect):
			spec.Mode = PortConnect
		case string(PortListen):
			spec.Mode = PortListen
		case "suspend":
			spec.Suspend = true
		case "nosuspend":
			spec.Suspend = false
		default:
			spec.Ignored = append(spec.Ignored, tag)
		}
	}
	return spec, nil
}

// ParsePortList parses a ';'-separated list of port specs, skipping blanks.
func ParsePortList(value string) ([]PortSpec, error) {
	var specs []PortSpec
	for _, entry := range strings.Split(value, portSpecSeparator) {
		if strings.TrimSpace(entry) == "" {
			continue
		}
		spec, err := ParsePortSpec(entry)
		if err != nil {
			return nil, err
		}
		specs = append(specs, spec)
	}
	return specs, nil
}

// PortSpecs parses the configured endpoints in order.
func (c *Config) PortSpecs() ([]PortSpec, error) {
	specs := make([]PortSpec, 0, len(c.Ports.Endpoints))
	for _, entry := range c.Ports.Endpoints {
		spec, err := ParsePortSpec(entry)
		if err != nil {
			return nil, fmt.Errorf("ports.endpoints: %w", err)
		}
		specs = append(specs, spec)
	}
	return specs, nil
}
