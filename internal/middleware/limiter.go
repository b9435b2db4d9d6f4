package middleware

import (
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
)

// ConnectionsLimiter caps the number of concurrent persistent connections per
// client address.
type ConnectionsLimiter struct {
	mux         sync.Mutex
	connections map[string]int
	max         int
}

func NewConnectionLimiter(i int) *ConnectionsLimiter {
	return &ConnectionsLimiter{
		connections: map[string]int{},
		max:         i,
	}
}

// LeaseConnection reserves a connection slot for the request's client. The
// returned release must be called exactly once when the connection ends.
func (auth *ConnectionsLimiter) LeaseConnection(request *http.Request) (release func(), err error) {
	key := fmt.Sprintf("ip-%v", realIP(request))
	auth.mux.Lock()
	defer auth.mux.Unlock()
	if auth.max > 0 && auth.connections[key] >= auth.max {
		return nil, fmt.Errorf("you have reached the limit of streaming connections: %v max", auth.max)
	}
	auth.connections[key] += 1

	var once sync.Once
	return func() {
		once.Do(func() {
			auth.mux.Lock()
			defer auth.mux.Unlock()
			auth.connections[key] -= 1
			if auth.connections[key] <= 0 {
				delete(auth.connections, key)
			}
		})
	}, nil
}

func (auth *ConnectionsLimiter) Active(request *http.Request) int {
	key := fmt.Sprintf("ip-%v", realIP(request))
	auth.mux.Lock()
	defer auth.mux.Unlock()
	return auth.connections[key]
}

func realIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		return strings.TrimSpace(strings.Split(xff, ",")[0])
	}
	if xrip := r.Header.Get("X-Real-Ip"); xrip != "" {
		return xrip
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
