// Package seed reads connection definitions from a YAML file.
//
//	connections:
//	  - id: web
//	    name: Website
//	    type: http
//	    target: https://example.com
//	    check_interval: 60
//	  - name: Primary DB
//	    type: database
//	    target: db.internal
//	    port: 5432
package seed

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"

	"github.com/hamed0406/connwatch/internal/domain"
)

type file struct {
	Connections []entry `yaml:"connections"`
}

type entry struct {
	ID          string `yaml:"id"`
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	Type        string `yaml:"type"`
	Target      string `yaml:"target"`
	Port        int    `yaml:"port"`
	Engine      string `yaml:"engine"`
	Timeout     int    `yaml:"timeout"`
	Interval    int    `yaml:"check_interval"`
	Enabled     *bool  `yaml:"enabled"`
}

// Load parses path and returns validated connections with defaults applied.
// A missing file yields no connections. Every invalid entry is reported.
func Load(path string, timeout, interval time.Duration) ([]domain.Connection, error) {
	if path == "" {
		return nil, nil
	}
	content, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read connections file: %w", err)
	}
	return Parse(content, timeout, interval)
}

func Parse(content []byte, timeout, interval time.Duration) ([]domain.Connection, error) {
	var f file
	if err := yaml.Unmarshal(content, &f); err != nil {
		return nil, fmt.Errorf("parse connections file: %w", err)
	}

	var (
		out  []domain.Connection
		errs error
		seen = make(map[domain.ConnectionID]bool)
	)
	for i, e := range f.Connections {
		c := domain.Connection{
			ID:          domain.ConnectionID(strings.TrimSpace(e.ID)),
			Name:        strings.TrimSpace(e.Name),
			Description: e.Description,
			Kind:        domain.Kind(strings.ToLower(strings.TrimSpace(e.Type))),
			Target:      strings.TrimSpace(e.Target),
			Port:        e.Port,
			Engine:      domain.Engine(strings.ToLower(strings.TrimSpace(e.Engine))),
			TimeoutS:    e.Timeout,
			IntervalS:   e.Interval,
			Enabled:     e.Enabled == nil || *e.Enabled,
		}
		if c.ID == "" {
			c.ID = domain.ConnectionID(Slug(c.Name))
		}
		c = c.WithDefaults(timeout, interval)
		if err := c.Validate(); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("connection %d (%s): %w", i, c.Name, err))
			continue
		}
		if seen[c.ID] {
			errs = multierr.Append(errs, fmt.Errorf("connection %d: duplicate id %q", i, c.ID))
			continue
		}
		seen[c.ID] = true
		out = append(out, c)
	}
	return out, errs
}

// Slug turns a display name into an id: lower case, runs of other
// characters collapsed to a single dash.
func Slug(name string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(name) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			dash = false
		case b.Len() > 0 && !dash:
			b.WriteByte('-')
			dash = true
		}
	}
	return strings.TrimSuffix(b.String(), "-")
}
