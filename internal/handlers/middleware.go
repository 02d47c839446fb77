package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// originPolicy decides which browser origins may reach the relay. "*"
// allows any origin. Requests without an origin come from native clients
// and are always allowed.
type originPolicy struct {
	any     bool
	allowed map[string]struct{}
}

func newOriginPolicy(origins []string) originPolicy {
	p := originPolicy{allowed: make(map[string]struct{}, len(origins))}
	for _, origin := range origins {
		if origin == "*" {
			p.any = true
		}
		p.allowed[origin] = struct{}{}
	}
	return p
}

func (p originPolicy) allows(origin string) bool {
	if origin == "" || p.any {
		return true
	}
	_, ok := p.allowed[origin]
	return ok
}

// requestOrigin falls back to Sec-WebSocket-Origin for older WebSocket
// clients that do not send Origin.
func requestOrigin(r *http.Request) string {
	if origin := r.Header.Get("Origin"); origin != "" {
		return origin
	}
	return r.Header.Get("Sec-WebSocket-Origin")
}

// checkOrigin is the upgrader hook for the signaling socket.
func (p originPolicy) checkOrigin(r *http.Request) bool {
	return p.allows(requestOrigin(r))
}

// OriginFilter rejects requests from origins outside allowedOrigins and
// answers CORS preflights for the call API.
func OriginFilter(allowedOrigins []string) gin.HandlerFunc {
	policy := newOriginPolicy(allowedOrigins)

	return func(c *gin.Context) {
		origin := requestOrigin(c.Request)
		if !policy.allows(origin) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error": "Origin not allowed",
			})
			return
		}

		if origin != "" {
			h := c.Writer.Header()
			h.Set("Access-Control-Allow-Origin", origin)
			h.Set("Access-Control-Allow-Credentials", "true")
			h.Set("Access-Control-Allow-Methods", "GET, POST, PATCH, OPTIONS")
			h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			h.Add("Vary", "Origin")
		}

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
