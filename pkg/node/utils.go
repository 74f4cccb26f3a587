package node

import (
	"net"
	"strings"
)

// NormalizeHostPort cuts the http:// https:// prefixes from the input address
// and adds a default port. A bare :port gets localhost.
func NormalizeHostPort(addr, defPort string) string {
	if rest, ok := strings.CutPrefix(addr, "http://"); ok {
		addr = rest
	} else if rest, ok := strings.CutPrefix(addr, "https://"); ok {
		addr = rest
	}
	addr = strings.TrimSuffix(addr, "/")

	if host, port, err := net.SplitHostPort(addr); err == nil {
		if host == "" {
			return net.JoinHostPort("localhost", port)
		}
		return addr
	}

	return net.JoinHostPort(addr, defPort)
}
