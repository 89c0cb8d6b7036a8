package security

import (
	"net/http"
	"testing"
)

func TestClientIP(t *testing.T) {
	tests := []struct {
		name         string
		remoteAddr   string
		forwardedFor string
		realIP       string
		trustProxy   bool
		proxyCount   int
		want         string
	}{
		{
			name:       "remote addr only",
			remoteAddr: "203.0.113.7:54321",
			want:       "203.0.113.7",
		},
		{
			name:       "remote addr without port",
			remoteAddr: "203.0.113.7",
			want:       "203.0.113.7",
		},
		{
			name:         "forwarded-for ignored when proxy untrusted",
			remoteAddr:   "10.0.0.1:443",
			forwardedFor: "198.51.100.4",
			want:         "10.0.0.1",
		},
		{
			name:         "forwarded-for honored when proxy trusted",
			remoteAddr:   "10.0.0.1:443",
			forwardedFor: "198.51.100.4",
			trustProxy:   true,
			proxyCount:   1,
			want:         "198.51.100.4",
		},
		{
			name:         "forwarded-for chain picks client before proxies",
			remoteAddr:   "10.0.0.1:443",
			forwardedFor: "198.51.100.4, 10.0.0.2, 10.0.0.3",
			trustProxy:   true,
			proxyCount:   2,
			want:         "198.51.100.4",
		},
		{
			name:         "proxy count larger than chain clamps to first",
			remoteAddr:   "10.0.0.1:443",
			forwardedFor: "198.51.100.4, 10.0.0.2",
			trustProxy:   true,
			proxyCount:   5,
			want:         "198.51.100.4",
		},
		{
			name:       "real-ip honored when trusted and no forwarded-for",
			remoteAddr: "10.0.0.1:443",
			realIP:     "198.51.100.9",
			trustProxy: true,
			proxyCount: 1,
			want:       "198.51.100.9",
		},
		{
			name:         "invalid forwarded-for falls through",
			remoteAddr:   "10.0.0.1:443",
			forwardedFor: "not-an-ip",
			trustProxy:   true,
			proxyCount:   1,
			want:         "10.0.0.1",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := http.NewRequest(http.MethodGet, "http://example.com/", nil)
			if err != nil {
				t.Fatalf("NewRequest() error = %v", err)
			}
			req.RemoteAddr = tt.remoteAddr
			if tt.forwardedFor != "" {
				req.Header.Set("X-Forwarded-For", tt.forwardedFor)
			}
			if tt.realIP != "" {
				req.Header.Set("X-Real-IP", tt.realIP)
			}

			if got := ClientIP(req, tt.trustProxy, tt.proxyCount); got != tt.want {
				t.Errorf("ClientIP() = %q, want %q", got, tt.want)
			}
		})
	}
}
