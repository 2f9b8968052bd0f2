package domain

import (
	"time"
)

type ConnectionID string

// Kind selects the probe driver for a connection.
type Kind string

const (
	KindHTTP     Kind = "http"
	KindPing     Kind = "ping"
	KindTCP      Kind = "tcp"
	KindDatabase Kind = "database"
)

// Kinds lists every supported connection type.
var Kinds = []Kind{KindHTTP, KindPing, KindTCP, KindDatabase}

func (k Kind) Valid() bool {
	switch k {
	case KindHTTP, KindPing, KindTCP, KindDatabase:
		return true
	}
	return false
}

// NeedsPort reports whether connections of this kind must carry a port.
func (k Kind) NeedsPort() bool {
	return k == KindTCP || k == KindDatabase
}

// Engine is the wire protocol spoken by a database target.
type Engine string

const (
	EngineAuto     Engine = ""
	EnginePostgres Engine = "postgres"
	EngineMySQL    Engine = "mysql"
	EngineRedis    Engine = "redis"
	EngineTCP      Engine = "tcp"
)

func (e Engine) Valid() bool {
	switch e {
	case EngineAuto, EnginePostgres, EngineMySQL, EngineRedis, EngineTCP:
		return true
	}
	return false
}

// Connection is a user-defined monitoring target.
type Connection struct {
	ID          ConnectionID `json:"id" yaml:"id"`
	Name        string       `json:"name" yaml:"name"`
	Description string       `json:"description,omitempty" yaml:"description"`
	Kind        Kind         `json:"type" yaml:"type"`
	Target      string       `json:"target" yaml:"target"`
	Port        int          `json:"port,omitempty" yaml:"port"`
	Engine      Engine       `json:"engine,omitempty" yaml:"engine"`
	TimeoutS    int          `json:"timeout" yaml:"timeout"`               // seconds
	IntervalS   int          `json:"check_interval" yaml:"check_interval"` // seconds
	Enabled     bool         `json:"enabled" yaml:"enabled"`
	CreatedAt   time.Time    `json:"created_at" yaml:"-"`
	UpdatedAt   time.Time    `json:"updated_at" yaml:"-"`
}

func (c Connection) Timeout() time.Duration {
	return time.Duration(c.TimeoutS) * time.Second
}

func (c Connection) Interval() time.Duration {
	return time.Duration(c.IntervalS) * time.Second
}

// WithDefaults fills a zero timeout or interval from the process defaults.
func (c Connection) WithDefaults(timeout, interval time.Duration) Connection {
	if c.TimeoutS == 0 {
		c.TimeoutS = int(timeout / time.Second)
	}
	if c.IntervalS == 0 {
		c.IntervalS = int(interval / time.Second)
	}
	return c
}
