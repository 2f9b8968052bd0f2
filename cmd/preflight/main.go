// cmd/preflight/main.go
package main

import (
	"fmt"
	"os"
	"strings"

	"go.uber.org/multierr"

	"github.com/hamed0406/connwatch/internal/config"
	"github.com/hamed0406/connwatch/internal/repo/seed"
)

func main() {
	failed := false
	fail := func(msg string) {
		fmt.Fprintln(os.Stderr, "✖", msg)
		failed = true
	}
	warn := func(msg string) { fmt.Fprintln(os.Stderr, "⚠", msg) }
	ok := func(msg string) { fmt.Println("✔", msg) }

	cfg, err := config.Load()
	for _, e := range multierr.Errors(err) {
		fail(e.Error())
	}

	if len(cfg.AdminAPIKeys) == 0 {
		fail("ADMIN_API_KEYS is empty (write routes will 401).")
	}
	if len(cfg.PublicAPIKeys) == 0 {
		warn("PUBLIC_API_KEYS is empty; only admin keys can read.")
	}
	// Lists are trimmed, but a key with inner spaces is almost always a typo.
	for _, k := range append(append([]string{}, cfg.AdminAPIKeys...), cfg.PublicAPIKeys...) {
		if strings.ContainsAny(k, " \t") {
			warn("an API key contains whitespace; use comma-separated keys, e.g. key1,key2")
			break
		}
	}

	ok("API_ADDR=" + cfg.Addr)
	switch cfg.StoreKind() {
	case "postgres":
		ok("DATABASE_URL present (postgres store)")
	case "sqlite":
		ok("SQLITE_PATH=" + cfg.SQLitePath)
	default:
		warn("DATABASE_URL and SQLITE_PATH empty; connections and history are lost on restart.")
	}

	if cfg.ConnectionsFile != "" {
		conns, err := seed.Load(cfg.ConnectionsFile, cfg.DefaultTimeout, cfg.DefaultInterval)
		if err != nil {
			for _, e := range multierr.Errors(err) {
				fail(cfg.ConnectionsFile + ": " + e.Error())
			}
		} else {
			ok(fmt.Sprintf("CONNECTIONS_FILE defines %d connection(s)", len(conns)))
		}
	}

	if len(cfg.AllowedOrigins) == 0 {
		warn("ALLOWED_ORIGINS empty; CORS allows every origin.")
	} else {
		ok("ALLOWED_ORIGINS=" + strings.Join(cfg.AllowedOrigins, ","))
	}
	if cfg.PingMode == "icmp" {
		warn("PING_MODE=icmp needs unprivileged ICMP sockets (net.ipv4.ping_group_range) or CAP_NET_RAW.")
	}

	if failed {
		os.Exit(1)
	}
	ok("preflight passed")
}
