package domain

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"go.uber.org/multierr"
)

var ErrInvalidConnection = errors.New("invalid connection")

// ConfigurationError lists every problem found in a connection definition.
// Connections that fail validation are rejected at registration and never
// reach the scheduler.
type ConfigurationError struct {
	Err error
}

func (e *ConfigurationError) Error() string {
	return "invalid connection: " + e.Err.Error()
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

func (e *ConfigurationError) Is(target error) bool { return target == ErrInvalidConnection }

// Problems returns the individual validation failures.
func (e *ConfigurationError) Problems() []string {
	errs := multierr.Errors(e.Err)
	out := make([]string, 0, len(errs))
	for _, err := range errs {
		out = append(out, err.Error())
	}
	return out
}

func (c Connection) Validate() error {
	var err error
	if c.ID == "" {
		err = multierr.Append(err, errors.New("id is required"))
	}
	if strings.TrimSpace(c.Name) == "" {
		err = multierr.Append(err, errors.New("name is required"))
	}
	if strings.TrimSpace(c.Target) == "" {
		err = multierr.Append(err, errors.New("target is required"))
	}
	if !c.Kind.Valid() {
		err = multierr.Append(err, fmt.Errorf("type %q is not one of http, ping, tcp, database", c.Kind))
	}
	if c.Kind.NeedsPort() && c.Port == 0 {
		err = multierr.Append(err, fmt.Errorf("port is required for %s connections", c.Kind))
	}
	if c.Port < 0 || c.Port > 65535 {
		err = multierr.Append(err, fmt.Errorf("port %d out of range", c.Port))
	}
	if c.TimeoutS <= 0 {
		err = multierr.Append(err, errors.New("timeout must be positive"))
	}
	if c.IntervalS <= 0 {
		err = multierr.Append(err, errors.New("check_interval must be positive"))
	}
	if !c.Engine.Valid() {
		err = multierr.Append(err, fmt.Errorf("engine %q is not one of postgres, mysql, redis, tcp", c.Engine))
	} else if c.Engine != EngineAuto && c.Kind != KindDatabase {
		err = multierr.Append(err, errors.New("engine only applies to database connections"))
	}
	if c.Kind == KindHTTP && strings.TrimSpace(c.Target) != "" {
		if _, uerr := HTTPURL(c.Target); uerr != nil {
			err = multierr.Append(err, uerr)
		}
	}
	if err != nil {
		return &ConfigurationError{Err: err}
	}
	return nil
}

// HTTPURL normalises an http target, defaulting the scheme to http.
func HTTPURL(target string) (string, error) {
	raw := strings.TrimSpace(target)
	if !strings.Contains(raw, "://") {
		raw = "http://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("target is not a valid url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("target scheme %q is not http or https", u.Scheme)
	}
	if u.Hostname() == "" {
		return "", errors.New("target url has no host")
	}
	return u.String(), nil
}
