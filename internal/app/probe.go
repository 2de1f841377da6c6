package app

import (
	"net"
	"net/url"
	"strings"
	"time"
)

// hostReachable dials the host's TCP port once. It only feeds a startup
// warning; requests are never gated on it.
func hostReachable(rawURL string, timeout time.Duration) bool {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil || u.Hostname() == "" {
		return false
	}
	port := u.Port()
	if port == "" {
		port = "80"
		if u.Scheme == "https" {
			port = "443"
		}
	}
	return isTCPListening(net.JoinHostPort(u.Hostname(), port), timeout)
}

func isTCPListening(addr string, timeout time.Duration) bool {
	if strings.TrimSpace(addr) == "" {
		return false
	}
	c, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return false
	}
	_ = c.Close()
	return true
}
