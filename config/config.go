// Package config loads the daemon configuration: a YAML file carrying the
// runtime knobs, dispatcher-level tags, named profiles, and the source and
// sink descriptor maps. A descriptor's common keys (kind, bucket, timings)
// are interpreted here; everything else in the node stays raw YAML for the
// kind's factory, so driver settings never leak into this package.
package config

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/sdss/cerebro/control"
	"github.com/sdss/cerebro/errors"
	"github.com/sdss/cerebro/pkg/timeutil"
	"github.com/sdss/cerebro/point"
)

// File is the parsed configuration file.
type File struct {
	// Socket is the control endpoint path.
	Socket string `yaml:"socket"`
	// MetricsAddr enables the metrics/health HTTP listener when set,
	// e.g. "localhost:9090".
	MetricsAddr string `yaml:"metrics_addr"`
	// Tags are merged into every relayed point. They carry deployment
	// identity and win over point tags on conflict.
	Tags point.Tags `yaml:"tags"`
	// NTP disciplines point timestamps against an SNTP server when set.
	NTP NTPConfig `yaml:"ntp"`
	// Profiles name subsets of the descriptor maps. Empty means one
	// implicit profile running everything.
	Profiles map[string]Profile `yaml:"profiles"`
	// Sources and Sinks map instance name to descriptor node.
	Sources map[string]yaml.Node `yaml:"sources"`
	Sinks   map[string]yaml.Node `yaml:"sinks"`
}

// Profile lists the sources and sinks that run, in start order.
type Profile struct {
	Sources []string `yaml:"sources"`
	Sinks   []string `yaml:"sinks"`
}

// NTPConfig configures the optional SNTP clock discipline.
type NTPConfig struct {
	Server  string            `yaml:"server"`
	Refresh timeutil.Duration `yaml:"refresh"`
}

// Load reads and parses the file at path. $VAR and ${VAR} in the raw bytes
// are replaced from the environment before parsing, with $$ escaping a
// literal dollar, so tokens and passwords stay out of the file.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.WrapFatal(err, "config", "Load", "read "+path)
	}
	f, err := Parse(data)
	if err != nil {
		return nil, errors.WrapFatal(err, "config", "Load", "parse "+path)
	}
	return f, nil
}

// Parse parses configuration bytes after environment expansion.
func Parse(data []byte) (*File, error) {
	expanded := os.Expand(string(data), func(name string) string {
		if name == "$" {
			return "$"
		}
		return os.Getenv(name)
	})

	var f File
	if err := yaml.Unmarshal([]byte(expanded), &f); err != nil {
		return nil, errors.WrapFatal(err, "config", "Parse", "unmarshal yaml")
	}
	if f.Socket == "" {
		f.Socket = control.DefaultSocket
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

// Validate checks the cross-references the YAML layer cannot: every name a
// profile lists must have a descriptor, and no profile may list a name
// twice. Descriptor contents are validated later, when Build constructs
// them.
func (f *File) Validate() error {
	for profileName, p := range f.Profiles {
		if err := checkNames(p.Sources, f.Sources, profileName, "source"); err != nil {
			return err
		}
		if err := checkNames(p.Sinks, f.Sinks, profileName, "sink"); err != nil {
			return err
		}
	}
	return nil
}

func checkNames(names []string, table map[string]yaml.Node, profile, what string) error {
	seen := make(map[string]bool, len(names))
	for _, name := range names {
		if seen[name] {
			return errors.WrapFatal(errors.ErrDuplicateName, "config", "Validate",
				fmt.Sprintf("profile %q lists %s %q twice", profile, what, name))
		}
		seen[name] = true
		if _, ok := table[name]; !ok {
			return errors.WrapFatal(errors.ErrNotFound, "config", "Validate",
				fmt.Sprintf("profile %q references unknown %s %q", profile, what, name))
		}
	}
	return nil
}

// DefaultProfile is the profile Build resolves when none is named.
const DefaultProfile = "default"

// resolve returns the source and sink names a profile selects. With no
// profiles section everything runs, names sorted for a deterministic start
// order.
func (f *File) resolve(profile string) ([]string, []string, error) {
	if len(f.Profiles) == 0 {
		return sortedKeys(f.Sources), sortedKeys(f.Sinks), nil
	}
	p, ok := f.Profiles[profile]
	if !ok {
		return nil, nil, errors.NotFound("config", "profile", profile)
	}
	return p.Sources, p.Sinks, nil
}

func sortedKeys(m map[string]yaml.Node) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
