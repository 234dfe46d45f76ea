// Package mapping holds the immutable set of source to target mappings the
// engine mirrors, and the rules a set must satisfy before it is installed.
package mapping

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"

	"github.com/paulschiretz/pgl-mirror/pkg/faults"
	"github.com/paulschiretz/pgl-mirror/pkg/util"
)

// WatchMapping pairs one watched source directory with the directories it is mirrored into.
type WatchMapping struct {
	Source  string
	Targets []string
}

// Configuration is an ordered, immutable set of mappings keyed by source.
// Construct it with New; a Configuration is never modified after that.
type Configuration struct {
	mappings []WatchMapping
	index    map[string]int
}

// New builds a configuration. Paths are made absolute and cleaned, and
// duplicate targets within one mapping are dropped. Duplicate sources are kept
// so that Validate can reject them.
func New(mappings ...WatchMapping) *Configuration {
	c := &Configuration{
		mappings: make([]WatchMapping, 0, len(mappings)),
		index:    make(map[string]int, len(mappings)),
	}
	for _, m := range mappings {
		nm := WatchMapping{Source: normalize(m.Source)}
		seen := make(map[string]bool, len(m.Targets))
		for _, t := range m.Targets {
			nt := normalize(t)
			if seen[util.PathKey(nt)] {
				continue
			}
			seen[util.PathKey(nt)] = true
			nm.Targets = append(nm.Targets, nt)
		}
		key := util.PathKey(nm.Source)
		if _, dup := c.index[key]; !dup {
			c.index[key] = len(c.mappings)
		}
		c.mappings = append(c.mappings, nm)
	}
	return c
}

func normalize(p string) string {
	if p == "" {
		return ""
	}
	if abs, err := util.AbsPath(p); err == nil {
		return abs
	}
	return filepath.Clean(p)
}

// Len returns the number of mappings.
func (c *Configuration) Len() int {
	if c == nil {
		return 0
	}
	return len(c.mappings)
}

// Mappings returns a copy of the mappings in configuration order.
func (c *Configuration) Mappings() []WatchMapping {
	if c == nil {
		return nil
	}
	out := make([]WatchMapping, len(c.mappings))
	for i, m := range c.mappings {
		out[i] = WatchMapping{Source: m.Source, Targets: slices.Clone(m.Targets)}
	}
	return out
}

// Lookup returns the mapping for source.
func (c *Configuration) Lookup(source string) (WatchMapping, bool) {
	if c == nil {
		return WatchMapping{}, false
	}
	i, ok := c.index[util.PathKey(normalize(source))]
	if !ok {
		return WatchMapping{}, false
	}
	m := c.mappings[i]
	return WatchMapping{Source: m.Source, Targets: slices.Clone(m.Targets)}, true
}

// Contains reports whether source is mirrored into target.
func (c *Configuration) Contains(source, target string) bool {
	m, ok := c.Lookup(source)
	if !ok {
		return false
	}
	key := util.PathKey(normalize(target))
	return slices.ContainsFunc(m.Targets, func(t string) bool { return util.PathKey(t) == key })
}

// With returns a new configuration that also mirrors source into target.
// When the pair is already present the receiver itself is returned.
func (c *Configuration) With(source, target string) *Configuration {
	if c.Contains(source, target) {
		return c
	}
	mappings := c.Mappings()
	key := util.PathKey(normalize(source))
	for i := range mappings {
		if util.PathKey(mappings[i].Source) == key {
			mappings[i].Targets = append(mappings[i].Targets, target)
			return New(mappings...)
		}
	}
	return New(append(mappings, WatchMapping{Source: source, Targets: []string{target}})...)
}

// Equal reports whether both configurations hold the same mappings in the same order.
func (c *Configuration) Equal(other *Configuration) bool {
	if c.Len() != other.Len() {
		return false
	}
	for i := range c.Len() {
		a, b := c.mappings[i], other.mappings[i]
		if util.PathKey(a.Source) != util.PathKey(b.Source) {
			return false
		}
		if !slices.EqualFunc(a.Targets, b.Targets, func(x, y string) bool { return util.PathKey(x) == util.PathKey(y) }) {
			return false
		}
	}
	return true
}

// Validate checks the configuration:
//   - at least one mapping
//   - every source is unique, exists and is a directory
//   - every mapping has at least one target
//   - no target equals, contains or lies within its own source
//
// All problems are reported together as one Validation error.
func (c *Configuration) Validate() error {
	if c.Len() == 0 {
		return faults.New(faults.Validation, "validate configuration", "", errors.New("no mappings configured"))
	}

	var errs []error
	seen := make(map[string]bool, len(c.mappings))
	for i, m := range c.mappings {
		if m.Source == "" {
			errs = append(errs, fmt.Errorf("mapping %d: source path cannot be empty", i+1))
			continue
		}
		key := util.PathKey(m.Source)
		if seen[key] {
			errs = append(errs, fmt.Errorf("mapping %d: duplicate source %s", i+1, m.Source))
			continue
		}
		seen[key] = true

		info, err := os.Stat(m.Source)
		switch {
		case err != nil:
			errs = append(errs, fmt.Errorf("mapping %d: source %s is not accessible: %w", i+1, m.Source, err))
		case !info.IsDir():
			errs = append(errs, fmt.Errorf("mapping %d: source %s is not a directory", i+1, m.Source))
		}

		if len(m.Targets) == 0 {
			errs = append(errs, fmt.Errorf("mapping %d: source %s has no targets", i+1, m.Source))
		}
		for _, t := range m.Targets {
			switch {
			case t == "":
				errs = append(errs, fmt.Errorf("mapping %d: target path cannot be empty", i+1))
			case util.IsWithin(m.Source, t):
				errs = append(errs, fmt.Errorf("mapping %d: target %s lies within its source %s", i+1, t, m.Source))
			case util.IsWithin(t, m.Source):
				errs = append(errs, fmt.Errorf("mapping %d: target %s contains its source %s", i+1, t, m.Source))
			}
		}
	}

	if len(errs) > 0 {
		return faults.New(faults.Validation, "validate configuration", "", errors.Join(errs...))
	}
	return nil
}
