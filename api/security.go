package api

import (
	"net"
	"net/http"
	"strings"
)

// getRealIP extracts the client address used as the rate limit key.
// Forwarding headers are honoured only when trustProxy is set and the
// direct peer belongs to one of the trusted networks.
func getRealIP(r *http.Request, trustProxy bool, trustedNetworks []string) string {
	directIP, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		directIP = r.RemoteAddr
	}
	if !trustProxy || !isTrustedProxy(directIP, trustedNetworks) {
		return directIP
	}

	// X-Forwarded-For can contain multiple IPs, the first one is the original client
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		ip := strings.TrimSpace(strings.Split(xff, ",")[0])
		if ip != "" && net.ParseIP(ip) != nil {
			return ip
		}
	}
	if xri := strings.TrimSpace(r.Header.Get("X-Real-IP")); xri != "" && net.ParseIP(xri) != nil {
		return xri
	}
	return directIP
}

// isTrustedProxy checks an address against CIDR blocks or exact addresses.
func isTrustedProxy(ip string, trustedNetworks []string) bool {
	parsedIP := net.ParseIP(ip)
	if parsedIP == nil {
		return false
	}
	for _, network := range trustedNetworks {
		if strings.Contains(network, "/") {
			_, ipNet, err := net.ParseCIDR(network)
			if err == nil && ipNet.Contains(parsedIP) {
				return true
			}
		} else if network == ip {
			return true
		}
	}
	return false
}
