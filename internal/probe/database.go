package probe

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"

	"github.com/hamed0406/connwatch/internal/domain"
)

// DefaultProbeUser is the login presented when the target carries no credentials.
// Authentication is expected to fail; the handshake itself is what is measured.
const DefaultProbeUser = "connwatch"

type DatabaseDriver struct {
	User   string
	Dialer *net.Dialer
	tcp    *TCPDriver
}

func NewDatabaseDriver(user string, resolver *net.Resolver) *DatabaseDriver {
	if user == "" {
		user = DefaultProbeUser
	}
	d := &net.Dialer{Resolver: resolver}
	return &DatabaseDriver{User: user, Dialer: d, tcp: &TCPDriver{Dialer: d}}
}

// Check performs the engine's connection handshake and closes the session
// without running a query. A server that answers, even with an
// authentication error, is up.
func (d *DatabaseDriver) Check(ctx context.Context, spec domain.DatabaseSpec) Result {
	addr := net.JoinHostPort(spec.Host, strconv.Itoa(spec.Port))
	switch spec.Engine {
	case domain.EnginePostgres:
		return d.postgres(ctx, spec, addr)
	case domain.EngineMySQL:
		return d.mysql(ctx, spec, addr)
	case domain.EngineRedis:
		return d.redis(ctx, spec, addr)
	default:
		return d.tcp.dial(ctx, "database connect "+addr, addr)
	}
}

func (d *DatabaseDriver) postgres(ctx context.Context, spec domain.DatabaseSpec, addr string) Result {
	op := "postgres handshake " + addr

	dsn := spec.DSN
	if dsn == "" || !strings.HasPrefix(dsn, "postgres") {
		u := url.URL{
			Scheme:   "postgres",
			User:     url.User(d.User),
			Host:     addr,
			Path:     "/postgres",
			RawQuery: "sslmode=disable",
		}
		dsn = u.String()
	}
	cfg, err := pgconn.ParseConfig(dsn)
	if err != nil {
		return Result{Err: &ProbeError{Class: ErrProtocol, Op: op, Err: err}}
	}
	cfg.Port = uint16(spec.Port)
	for _, fb := range cfg.Fallbacks {
		fb.Port = uint16(spec.Port)
	}
	cfg.DialFunc = d.Dialer.DialContext
	cfg.ConnectTimeout = 0

	start := time.Now()
	conn, err := pgconn.ConnectConfig(ctx, cfg)
	latency := time.Since(start)
	if err == nil {
		_ = conn.Close(context.Background())
		return Result{Latency: latency}
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return Result{Latency: latency}
	}
	return Result{Err: classify(ctx, op, err)}
}

func (d *DatabaseDriver) mysql(ctx context.Context, spec domain.DatabaseSpec, addr string) Result {
	op := "mysql handshake " + addr

	cfg := mysql.NewConfig()
	cfg.Net = "tcp"
	cfg.Addr = addr
	cfg.User = d.User
	if u, err := url.Parse(spec.DSN); err == nil && u.User != nil {
		cfg.User = u.User.Username()
		cfg.Passwd, _ = u.User.Password()
		cfg.DBName = strings.TrimPrefix(u.Path, "/")
	}
	if dl, ok := ctx.Deadline(); ok {
		remaining := time.Until(dl)
		cfg.Timeout, cfg.ReadTimeout, cfg.WriteTimeout = remaining, remaining, remaining
	}

	connector, err := mysql.NewConnector(cfg)
	if err != nil {
		return Result{Err: &ProbeError{Class: ErrProtocol, Op: op, Err: err}}
	}

	start := time.Now()
	conn, err := connector.Connect(ctx)
	latency := time.Since(start)
	if err == nil {
		_ = conn.Close()
		return Result{Latency: latency}
	}
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		return Result{Latency: latency}
	}
	return Result{Err: classify(ctx, op, err)}
}

func (d *DatabaseDriver) redis(ctx context.Context, spec domain.DatabaseSpec, addr string) Result {
	op := "redis handshake " + addr

	opts := &redis.Options{}
	if spec.DSN != "" && strings.HasPrefix(spec.DSN, "redis") {
		parsed, err := redis.ParseURL(spec.DSN)
		if err != nil {
			return Result{Err: &ProbeError{Class: ErrProtocol, Op: op, Err: err}}
		}
		opts = parsed
	}
	opts.Addr = addr
	opts.MaxRetries = -1
	opts.PoolSize = 1
	opts.MinIdleConns = 0
	opts.Dialer = d.Dialer.DialContext
	if dl, ok := ctx.Deadline(); ok {
		remaining := time.Until(dl)
		opts.DialTimeout, opts.ReadTimeout, opts.WriteTimeout = remaining, remaining, remaining
	}

	client := redis.NewClient(opts)
	defer client.Close()

	start := time.Now()
	err := client.Ping(ctx).Err()
	latency := time.Since(start)
	if err == nil {
		return Result{Latency: latency}
	}
	var redisErr redis.Error
	if errors.As(err, &redisErr) {
		return Result{Latency: latency}
	}
	return Result{Err: classify(ctx, op, err)}
}

// RouteDriverLogs sends the mysql and redis client libraries' own log lines
// through l instead of the standard logger.
func RouteDriverLogs(l *zap.Logger) error {
	redis.SetLogger(redisLogger{l.Named("redis").Sugar()})
	if err := mysql.SetLogger(zap.NewStdLog(l.Named("mysql"))); err != nil {
		return fmt.Errorf("mysql logger: %w", err)
	}
	return nil
}

type redisLogger struct {
	s *zap.SugaredLogger
}

func (r redisLogger) Printf(_ context.Context, format string, v ...interface{}) {
	r.s.Debugf(format, v...)
}
