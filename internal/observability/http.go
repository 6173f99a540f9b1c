package observability

import (
	"net"
	"net/http"
	"strings"
)

const (
	HeaderDeviceID  = "X-Device-Id"
	HeaderRequestID = "X-Request-Id"
)

// RequestMeta is what the relay records about the origin of a connection.
type RequestMeta struct {
	DeviceID  string
	RequestID string
	IP        string
}

func RequestMetaFrom(r *http.Request) RequestMeta {
	return RequestMeta{
		DeviceID:  r.Header.Get(HeaderDeviceID),
		RequestID: r.Header.Get(HeaderRequestID),
		IP:        IPFromRequest(r),
	}
}

// IPFromRequest prefers the first proxy hop, then X-Real-IP, then the
// socket peer.
func IPFromRequest(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		first, _, _ := strings.Cut(forwarded, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	if realIP := strings.TrimSpace(r.Header.Get("X-Real-IP")); realIP != "" {
		return realIP
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err == nil {
		return host
	}
	return r.RemoteAddr
}
