package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/die-net/detour/internal/hostlist"
)

// Duration is a time.Duration that accepts either a Go duration string
// ("1m30s") or a plain integer number of seconds, both in YAML and on the
// command line.
type Duration time.Duration

func parseDuration(s string) (Duration, error) {
	s = strings.TrimSpace(s)
	if n, err := strconv.Atoi(s); err == nil {
		return Duration(time.Duration(n) * time.Second), nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q", s)
	}
	return Duration(d), nil
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: duration must be a scalar", node.Line)
	}
	v, err := parseDuration(node.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*d = v
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return d.String(), nil
}

func (d Duration) String() string { return time.Duration(d).String() }

func (d *Duration) Set(s string) error {
	v, err := parseDuration(s)
	if err != nil {
		return err
	}
	*d = v
	return nil
}

func (d *Duration) Type() string { return "duration" }

// HostList is a list of host list entries. In YAML it is either a sequence
// or a comma-separated string; on the command line it is comma-separated.
type HostList []string

func (l *HostList) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		*l = HostList(hostlist.Parse(node.Value))
		return nil
	case yaml.SequenceNode:
		var entries []string
		if err := node.Decode(&entries); err != nil {
			return err
		}
		*l = HostList(hostlist.Parse(strings.Join(entries, ",")))
		return nil
	default:
		return fmt.Errorf("line %d: host list must be a string or a sequence", node.Line)
	}
}

func (l HostList) String() string { return strings.Join(l, ",") }

// Set replaces the list.
func (l *HostList) Set(s string) error {
	*l = HostList(hostlist.Parse(s))
	return nil
}

func (l *HostList) Type() string { return "hosts" }

// List returns the entries as a hostlist.List.
func (l HostList) List() hostlist.List {
	return hostlist.List(l)
}
