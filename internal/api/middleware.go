package api

import (
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"

	"github.com/jmoncayo-pursuit/market-data-api/internal/app/services/ratelimit"
)

// RateLimit throttles requests per client and route. The route template is
// the endpoint key, so /prices/poll/{id} counts as one endpoint regardless
// of the id. Over-limit requests get a 429 with Retry-After.
func RateLimit(limiter *ratelimit.Limiter) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			endpoint := r.URL.Path
			if route := mux.CurrentRoute(r); route != nil {
				if template, err := route.GetPathTemplate(); err == nil {
					endpoint = template
				}
			}

			if !limiter.Allow(r.Context(), clientKey(r), r.Method+" "+endpoint) {
				retryAfter := int(limiter.Window().Seconds())
				w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
				writeErrorMessage(w, http.StatusTooManyRequests, "rate limit exceeded, try again later")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// clientKey identifies the caller. Behind a proxy the first address in
// X-Forwarded-For is the client; otherwise the connection's remote host.
func clientKey(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		first := strings.TrimSpace(strings.Split(forwarded, ",")[0])
		if first != "" {
			return first
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
