package domain

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
)

// ProbeSpec is the closed set of per-type probe parameters. Only the four
// variants below implement it.
type ProbeSpec interface {
	kind() Kind
}

type HTTPSpec struct {
	URL string
}

type PingSpec struct {
	Host string
}

type TCPSpec struct {
	Host string
	Port int
}

type DatabaseSpec struct {
	Host   string
	Port   int
	Engine Engine
	// DSN is the original target when it was written as a connection URL.
	DSN string
}

func (HTTPSpec) kind() Kind     { return KindHTTP }
func (PingSpec) kind() Kind     { return KindPing }
func (TCPSpec) kind() Kind      { return KindTCP }
func (DatabaseSpec) kind() Kind { return KindDatabase }

// Spec validates the connection and returns its typed probe parameters.
func (c Connection) Spec() (ProbeSpec, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	switch c.Kind {
	case KindHTTP:
		u, err := HTTPURL(c.Target)
		if err != nil {
			return nil, &ConfigurationError{Err: err}
		}
		return HTTPSpec{URL: withPort(u, c.Port)}, nil
	case KindPing:
		// ICMP has no ports; a port on a ping connection is ignored.
		return PingSpec{Host: hostOnly(c.Target)}, nil
	case KindTCP:
		return TCPSpec{Host: hostOnly(c.Target), Port: c.Port}, nil
	case KindDatabase:
		spec := DatabaseSpec{Host: hostOnly(c.Target), Port: c.Port, Engine: c.Engine}
		if strings.Contains(c.Target, "://") {
			spec.DSN = strings.TrimSpace(c.Target)
		}
		if spec.Engine == EngineAuto {
			spec.Engine = InferEngine(c.Target, c.Port)
		}
		return spec, nil
	}
	return nil, &ConfigurationError{Err: fmt.Errorf("type %q is not supported", c.Kind)}
}

// InferEngine guesses the database protocol from the target and port.
func InferEngine(target string, port int) Engine {
	t := strings.ToLower(target)
	switch {
	case strings.HasPrefix(t, "postgres://"), strings.HasPrefix(t, "postgresql://"), strings.Contains(t, "postgres"):
		return EnginePostgres
	case strings.HasPrefix(t, "mysql://"), strings.Contains(t, "mysql"), strings.Contains(t, "mariadb"):
		return EngineMySQL
	case strings.HasPrefix(t, "redis://"), strings.Contains(t, "redis"):
		return EngineRedis
	}
	switch port {
	case 5432:
		return EnginePostgres
	case 3306:
		return EngineMySQL
	case 6379:
		return EngineRedis
	}
	return EngineTCP
}

// withPort puts port into a normalised http URL that does not name one.
func withPort(raw string, port int) string {
	if port == 0 {
		return raw
	}
	u, err := url.Parse(raw)
	if err != nil || u.Port() != "" {
		return raw
	}
	u.Host = net.JoinHostPort(u.Hostname(), strconv.Itoa(port))
	return u.String()
}

// hostOnly strips a scheme, credentials, path and port from a target.
func hostOnly(target string) string {
	t := strings.TrimSpace(target)
	if strings.Contains(t, "://") {
		if u, err := url.Parse(t); err == nil && u.Hostname() != "" {
			return u.Hostname()
		}
	}
	if i := strings.IndexByte(t, '/'); i >= 0 {
		t = t[:i]
	}
	if strings.HasPrefix(t, "[") {
		if i := strings.IndexByte(t, ']'); i > 0 {
			return t[1:i]
		}
	}
	if strings.Count(t, ":") == 1 {
		t = t[:strings.IndexByte(t, ':')]
	}
	return t
}
