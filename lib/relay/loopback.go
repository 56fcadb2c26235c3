package relay

import (
	"net"
	"strings"
)

// isLoopbackAddr reports whether an http.Request RemoteAddr is a loopback
// peer. Both WebSocket upgrade paths refuse anything else; the relay
// fronts a local browser and must never be reachable across the network.
func isLoopbackAddr(remoteAddr string) bool {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	host = strings.Trim(host, "[]")
	if ip := net.ParseIP(host); ip != nil {
		return ip.IsLoopback()
	}
	return strings.EqualFold(host, "localhost")
}

// originAllowed accepts upgrades with no Origin header (native clients)
// or an extension origin. Web pages always send an http(s) Origin, so
// this keeps drive-by browser scripts out.
func originAllowed(origin string) bool {
	return origin == "" || strings.HasPrefix(origin, "chrome-extension://")
}
