package probe

import (
	"net"
)

// dnsClass gives a short resolver verdict for failure details.
func dnsClass(err *net.DNSError) string {
	switch {
	case err.IsNotFound:
		return "NXDOMAIN"
	case err.IsTimeout, err.IsTemporary:
		return "SERVFAIL_or_TIMEOUT"
	default:
		return "resolution failed"
	}
}
