package middleware

import (
	"net/http"
	"net/netip"

	chimiddleware "github.com/go-chi/chi/v5/middleware"
)

// forwardingHeaders are the headers chi's RealIP copies into RemoteAddr.
var forwardingHeaders = []string{"True-Client-IP", "X-Real-IP", "X-Forwarded-For"}

// TrustedRealIP applies chi's RealIP only to connections from one of the
// trusted proxies. Any other peer has its forwarding headers removed, so
// RemoteAddr stays the socket address and a client cannot choose its own
// login rate limit bucket. The proxy should set X-Real-IP, since RealIP
// takes the leftmost X-Forwarded-For entry.
func TrustedRealIP(trusted []netip.Prefix) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		viaProxy := chimiddleware.RealIP(next)

		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if peerTrusted(r.RemoteAddr, trusted) {
				viaProxy.ServeHTTP(w, r)
				return
			}

			for _, h := range forwardingHeaders {
				if r.Header.Get(h) != "" {
					r = r.Clone(r.Context())
					for _, h := range forwardingHeaders {
						r.Header.Del(h)
					}
					break
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

func peerTrusted(remoteAddr string, trusted []netip.Prefix) bool {
	if len(trusted) == 0 {
		return false
	}

	var addr netip.Addr
	if ap, err := netip.ParseAddrPort(remoteAddr); err == nil {
		addr = ap.Addr()
	} else if a, err := netip.ParseAddr(remoteAddr); err == nil {
		addr = a
	} else {
		return false
	}
	addr = addr.Unmap()

	for _, p := range trusted {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}
