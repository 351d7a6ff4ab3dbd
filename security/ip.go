package security

import (
	"net"
	"net/http"
	"strings"
)

// DefaultMaxForwardedHops is the longest forwarding chain a request may carry
const DefaultMaxForwardedHops = 3

// forwardingHeaders are inspected for over-long proxy chains
var forwardingHeaders = []string{
	"X-Forwarded-For",
	"X-Real-IP",
	"X-Client-IP",
	"X-Originating-IP",
}

// GetClientIP extracts the caller's IP address from the request.
// Forwarding headers are honoured only when trustProxy is set.
//
// SECURITY CONSIDERATIONS:
// - Only enable trustProxy behind a reverse proxy you operate
// - X-Forwarded-For format: "client, proxy1, proxy2, ..."
// - trustedProxyCount is the number of proxies to trust from the right
func GetClientIP(r *http.Request, trustProxy bool, trustedProxyCount int) string {
	if trustProxy {
		if ip := extractIPFromXFF(r.Header.Get("X-Forwarded-For"), trustedProxyCount); ip != "" {
			return ip
		}
		if ip := extractIPFromXRealIP(r.Header.Get("X-Real-IP")); ip != "" {
			return ip
		}
	}
	return extractIPFromRemoteAddr(r.RemoteAddr)
}

// ForwardingChainAnomaly reports whether any forwarding header lists more than
// maxHops addresses, counted across all lines of that header. It returns the offending header and its hop count.
// A non-positive maxHops uses DefaultMaxForwardedHops.
func ForwardingChainAnomaly(r *http.Request, maxHops int) (header string, hops int, anomalous bool) {
	if maxHops <= 0 {
		maxHops = DefaultMaxForwardedHops
	}
	for _, h := range forwardingHeaders {
		// Repeated lines of one header form a single list
		n := 0
		for _, v := range r.Header.Values(h) {
			n += countHops(v)
		}
		if n > maxHops {
			return h, n, true
		}
	}
	return "", 0, false
}

// countHops counts the comma-separated entries of a forwarding header value
func countHops(v string) int {
	if strings.TrimSpace(v) == "" {
		return 0
	}
	return strings.Count(v, ",") + 1
}

// extractIPFromXFF returns the client entry of an X-Forwarded-For list,
// skipping trustedProxyCount entries from the right.
//
// Example with trustedProxyCount=2:
//
//	X-Forwarded-For: "1.2.3.4, untrusted-ip, proxy2-ip"
//	ips[len(ips) - 2 - 1] = ips[0] = "1.2.3.4"
func extractIPFromXFF(xff string, trustedProxyCount int) string {
	if xff == "" {
		return ""
	}

	ips := strings.Split(xff, ",")
	clientIP := strings.TrimSpace(ips[calculateClientIPIndex(len(ips), trustedProxyCount)])

	if net.ParseIP(clientIP) != nil {
		return clientIP
	}
	return ""
}

// calculateClientIPIndex returns the index of the client IP in an X-Forwarded-For list.
// A trustedProxyCount of 0 assumes a single trusted proxy; short lists resolve to the leftmost entry.
func calculateClientIPIndex(numIPs, trustedProxyCount int) int {
	proxyCount := trustedProxyCount
	if proxyCount == 0 {
		proxyCount = 1
	}

	clientIndex := numIPs - proxyCount - 1
	if clientIndex < 0 {
		return 0
	}
	return clientIndex
}

func extractIPFromXRealIP(xri string) string {
	xri = strings.TrimSpace(xri)
	if net.ParseIP(xri) != nil {
		return xri
	}
	return ""
}

// extractIPFromRemoteAddr returns the host part of a direct connection address
func extractIPFromRemoteAddr(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}
