package security

import (
	"errors"
	"net"
	"net/url"
	"strconv"
	"strings"
)

var ErrInvalidBaseURL = errors.New("invalid base url")

// LoopbackHint is shown while auto-connect is blocked by the loopback policy.
const LoopbackHint = "Current Base URL points to localhost. On a different device, set Base URL to the control plane address (for example http://192.168.x.x:18080)."

var loopbackHosts = map[string]struct{}{
	"127.0.0.1": {},
	"localhost": {},
	"::1":       {},
}

// ValidateBaseURL accepts http(s) URLs with a host, an optional valid port
// and no path beyond "/".
func ValidateBaseURL(raw string) error {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return ErrInvalidBaseURL
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
	default:
		return ErrInvalidBaseURL
	}
	if u.Hostname() == "" {
		return ErrInvalidBaseURL
	}
	if p := u.Port(); p != "" {
		n, err := strconv.Atoi(p)
		if err != nil || n < 1 || n > 65535 {
			return ErrInvalidBaseURL
		}
	}
	if u.Path != "" && u.Path != "/" {
		return ErrInvalidBaseURL
	}
	return nil
}

func IsLoopbackURL(raw string) bool {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return false
	}
	host := strings.ToLower(u.Hostname())
	if _, ok := loopbackHosts[host]; ok {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// ConnectionPolicy decides whether the client may auto-connect to baseURL.
// denyLoopback is set when the control plane's loopback address is not
// reachable from this device.
func ConnectionPolicy(baseURL string, denyLoopback bool) (allowed bool, hint string) {
	if denyLoopback && IsLoopbackURL(baseURL) {
		return false, LoopbackHint
	}
	return true, ""
}
