package probe

import (
	"bufio"
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/hamed0406/connwatch/internal/domain"
)

func TestHTTPDriver_StatusOK(t *testing.T) {
	var ua string
	s := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ua = r.UserAgent()
		w.WriteHeader(200)
		w.Write([]byte("ok"))
	}))
	defer s.Close()

	d := NewHTTPDriver(HTTPOptions{})
	res := d.Check(context.Background(), domain.HTTPSpec{URL: s.URL})
	if res.Err != nil {
		t.Fatalf("want success, got %v", res.Err)
	}
	if res.HTTPStatus != 200 {
		t.Fatalf("want status 200, got %d", res.HTTPStatus)
	}
	if res.Latency <= 0 {
		t.Fatalf("latency should be > 0, got %s", res.Latency)
	}
	if ua != DefaultUserAgent {
		t.Fatalf("want user agent %q, got %q", DefaultUserAgent, ua)
	}
}

func TestHTTPDriver_RedirectFollowed(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/old", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/new", http.StatusMovedPermanently)
	})
	mux.HandleFunc("/new", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(204)
	})
	s := httptest.NewServer(mux)
	defer s.Close()

	res := NewHTTPDriver(HTTPOptions{}).Check(context.Background(), domain.HTTPSpec{URL: s.URL + "/old"})
	if res.Err != nil || res.HTTPStatus != 204 {
		t.Fatalf("want 204 after redirect, got %d (%v)", res.HTTPStatus, res.Err)
	}
}

func TestHTTPDriver_Status500(t *testing.T) {
	s := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", 500)
	}))
	defer s.Close()

	res := NewHTTPDriver(HTTPOptions{}).Check(context.Background(), domain.HTTPSpec{URL: s.URL})
	var sc *StatusCodeError
	if !errors.As(res.Err, &sc) {
		t.Fatalf("want StatusCodeError, got %v", res.Err)
	}
	if res.HTTPStatus != 500 {
		t.Fatalf("want status 500, got %d", res.HTTPStatus)
	}
	if !strings.HasPrefix(res.Err.Error(), "HTTP 500") {
		t.Fatalf("want message to start with HTTP 500, got %q", res.Err.Error())
	}
}

func TestHTTPDriver_Timeout(t *testing.T) {
	// Server sleeps longer than the probe deadline
	release := make(chan struct{})
	s := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer s.Close()
	defer close(release)

	ctx, cancel := context.WithTimeout(withBudget(context.Background(), 50*time.Millisecond), 50*time.Millisecond)
	defer cancel()

	res := NewHTTPDriver(HTTPOptions{}).Check(ctx, domain.HTTPSpec{URL: s.URL})
	if !errors.Is(res.Err, ErrTimeout) {
		t.Fatalf("want timeout, got %v", res.Err)
	}
	if res.HTTPStatus != 0 {
		t.Fatalf("want status 0 on transport error, got %d", res.HTTPStatus)
	}
	if !strings.Contains(res.Err.Error(), "no answer within 50ms") {
		t.Fatalf("want budget in detail, got %q", res.Err.Error())
	}
}

func TestHTTPDriver_MalformedResponseIsProtocolError(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			bufio.NewReader(c).ReadString('\n')
			c.Write([]byte("this is not http at all\r\n\r\n"))
			c.Close()
		}
	}()

	res := NewHTTPDriver(HTTPOptions{}).Check(context.Background(), domain.HTTPSpec{URL: "http://" + ln.Addr().String()})
	if !errors.Is(res.Err, ErrProtocol) {
		t.Fatalf("want protocol error, got %v", res.Err)
	}
}

func TestHTTPDriver_DNSFailureIsUnreachable(t *testing.T) {
	d := NewHTTPDriver(HTTPOptions{Resolver: failingResolver()})
	res := d.Check(context.Background(), domain.HTTPSpec{URL: "http://example.invalid"})
	if !errors.Is(res.Err, ErrUnreachable) {
		t.Fatalf("want unreachable, got %v", res.Err)
	}
	if errors.Is(res.Err, ErrTimeout) {
		t.Fatalf("dns failure must not read as timeout: %v", res.Err)
	}
}

// failingResolver never reaches a name server, so lookups fail immediately.
func failingResolver() *net.Resolver {
	return &net.Resolver{
		PreferGo: true,
		Dial: func(ctx context.Context, network, address string) (net.Conn, error) {
			return nil, &net.OpError{Op: "dial", Net: network, Err: errors.New("no name servers in test")}
		},
	}
}
