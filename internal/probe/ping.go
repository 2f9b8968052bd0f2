package probe

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"net"
	"os"
	"os/exec"
	"regexp"
	"runtime"
	"strconv"
	"strings"
	"time"

	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv4"

	"github.com/hamed0406/connwatch/internal/domain"
)

type PingMode string

const (
	PingAuto PingMode = "auto" // ICMP socket, OS ping when sockets are not permitted
	PingICMP PingMode = "icmp"
	PingExec PingMode = "exec"
)

var errICMPUnavailable = errors.New("icmp socket unavailable")

type PingDriver struct {
	Mode     PingMode
	Resolver *net.Resolver
}

func NewPingDriver(mode PingMode, resolver *net.Resolver) *PingDriver {
	if mode == "" {
		mode = PingAuto
	}
	if resolver == nil {
		resolver = net.DefaultResolver
	}
	return &PingDriver{Mode: mode, Resolver: resolver}
}

// Check sends a single echo request and waits for the matching reply.
func (p *PingDriver) Check(ctx context.Context, spec domain.PingSpec) Result {
	switch p.Mode {
	case PingExec:
		return p.execPing(ctx, spec.Host)
	case PingICMP:
		return p.icmpPing(ctx, spec.Host)
	}
	res := p.icmpPing(ctx, spec.Host)
	if errors.Is(res.Err, errICMPUnavailable) {
		return p.execPing(ctx, spec.Host)
	}
	return res
}

func (p *PingDriver) icmpPing(ctx context.Context, host string) Result {
	op := "icmp echo " + host

	ip, err := p.resolve4(ctx, host)
	if err != nil {
		return Result{Err: classify(ctx, op, err)}
	}

	// Unprivileged datagram sockets first, raw sockets when running as root.
	privileged := false
	conn, err := icmp.ListenPacket("udp4", "0.0.0.0")
	if err != nil {
		conn, err = icmp.ListenPacket("ip4:icmp", "0.0.0.0")
		if err != nil {
			return Result{Err: &ProbeError{Class: ErrProtocol, Op: op, Err: fmt.Errorf("%w: %v", errICMPUnavailable, err)}}
		}
		privileged = true
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()
	if dl, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(dl)
	}

	id := os.Getpid() & 0xffff
	seq := rand.Intn(0xffff)
	payload := make([]byte, 16)
	binary.BigEndian.PutUint64(payload, rand.Uint64())
	msg := icmp.Message{
		Type: ipv4.ICMPTypeEcho,
		Body: &icmp.Echo{ID: id, Seq: seq, Data: payload},
	}
	wire, err := msg.Marshal(nil)
	if err != nil {
		return Result{Err: &ProbeError{Class: ErrProtocol, Op: op, Err: err}}
	}

	var dst net.Addr = &net.UDPAddr{IP: ip}
	if privileged {
		dst = &net.IPAddr{IP: ip}
	}

	start := time.Now()
	if _, err := conn.WriteTo(wire, dst); err != nil {
		return Result{Err: classify(ctx, op, err)}
	}

	buf := make([]byte, 1500)
	for {
		n, _, err := conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil {
				return Result{Err: classify(ctx, op, ctx.Err())}
			}
			return Result{Err: classify(ctx, op, err)}
		}
		reply, err := icmp.ParseMessage(ipv4.ICMPTypeEchoReply.Protocol(), buf[:n])
		if err != nil {
			continue
		}
		switch reply.Type {
		case ipv4.ICMPTypeEchoReply:
			echo, ok := reply.Body.(*icmp.Echo)
			// The kernel rewrites the id on datagram sockets, so only raw sockets compare it.
			if !ok || echo.Seq != seq || (privileged && echo.ID != id) || !bytesEqual(echo.Data, payload) {
				continue
			}
			return Result{Latency: time.Since(start)}
		case ipv4.ICMPTypeDestinationUnreachable:
			du, ok := reply.Body.(*icmp.DstUnreach)
			// Raw sockets see every error the host receives; only ours ends the wait.
			if !ok || !quotesEcho(du.Data, ip, id, seq, privileged) {
				continue
			}
			return Result{Err: &ProbeError{Class: ErrUnreachable, Op: op, Err: errors.New("destination unreachable")}}
		}
	}
}

// quotesEcho reports whether the datagram quoted in an ICMP error is the echo
// request we sent to dst: an IPv4 header followed by at least the first 8
// bytes of the echo.
func quotesEcho(quoted []byte, dst net.IP, id, seq int, checkID bool) bool {
	if len(quoted) < ipv4.HeaderLen {
		return false
	}
	ihl := int(quoted[0]&0x0f) * 4
	if quoted[0]>>4 != 4 || ihl < ipv4.HeaderLen || len(quoted) < ihl+8 {
		return false
	}
	if quoted[9] != byte(ipv4.ICMPTypeEcho.Protocol()) || !net.IP(quoted[16:20]).Equal(dst) {
		return false
	}
	echo := quoted[ihl:]
	if echo[0] != byte(ipv4.ICMPTypeEcho) {
		return false
	}
	if checkID && int(binary.BigEndian.Uint16(echo[4:6])) != id {
		return false
	}
	return int(binary.BigEndian.Uint16(echo[6:8])) == seq
}

func (p *PingDriver) resolve4(ctx context.Context, host string) (net.IP, error) {
	if ip := net.ParseIP(host); ip != nil {
		if v4 := ip.To4(); v4 != nil {
			return v4, nil
		}
		return nil, fmt.Errorf("%w: %s is not an IPv4 address", errICMPUnavailable, host)
	}
	addrs, err := p.Resolver.LookupIPAddr(ctx, host)
	if err != nil {
		return nil, err
	}
	for _, a := range addrs {
		if v4 := a.IP.To4(); v4 != nil {
			return v4, nil
		}
	}
	return nil, fmt.Errorf("%w: %s has no IPv4 address", errICMPUnavailable, host)
}

func (p *PingDriver) execPing(ctx context.Context, host string) Result {
	op := "ping " + host

	wait := time.Second
	if dl, ok := ctx.Deadline(); ok {
		wait = time.Until(dl)
	}

	var cmd *exec.Cmd
	if runtime.GOOS == "windows" {
		cmd = exec.CommandContext(ctx, "ping", "-n", "1", "-w", strconv.FormatInt(wait.Milliseconds(), 10), host)
	} else {
		secs := int(math.Ceil(wait.Seconds()))
		if secs < 1 {
			secs = 1
		}
		cmd = exec.CommandContext(ctx, "ping", "-c", "1", "-W", strconv.Itoa(secs), host)
	}

	start := time.Now()
	output, err := cmd.CombinedOutput()
	elapsed := time.Since(start)
	if ctx.Err() != nil {
		return Result{Err: classify(ctx, op, ctx.Err())}
	}
	if err != nil {
		detail := strings.TrimSpace(string(output))
		if detail == "" {
			detail = err.Error()
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return Result{Err: &ProbeError{Class: ErrUnreachable, Op: op, Err: errors.New(lastLine(detail))}}
		}
		return Result{Err: &ProbeError{Class: ErrProtocol, Op: op, Err: err}}
	}

	if rtt := parsePingOutput(string(output)); rtt > 0 {
		return Result{Latency: time.Duration(rtt * float64(time.Millisecond))}
	}
	return Result{Latency: elapsed}
}

var rttPatterns = []*regexp.Regexp{
	regexp.MustCompile(`time[=<]([0-9.]+)\s*ms`),
	regexp.MustCompile(`round-trip min/avg/max(?:/stddev)? = [0-9.]+/([0-9.]+)/`),
}

// parsePingOutput extracts the round-trip time in milliseconds, 0 if absent.
func parsePingOutput(output string) float64 {
	for _, re := range rttPatterns {
		if m := re.FindStringSubmatch(output); len(m) > 1 {
			if rtt, err := strconv.ParseFloat(m[1], 64); err == nil {
				return rtt
			}
		}
	}
	return 0
}

func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	return strings.TrimSpace(lines[len(lines)-1])
}

func bytesEqual(a, b []byte) bool {
	if len(a) < len(b) {
		return false
	}
	for i := range b {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
