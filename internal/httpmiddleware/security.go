package httpmiddleware

import (
	"github.com/gin-gonic/gin"

	"busattendance/internal/auth"
)

// SecurityHeaders sets the standard response hardening headers. HSTS is
// only sent in release mode.
func SecurityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")
		if gin.Mode() == gin.ReleaseMode {
			c.Header("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}
		c.Next()
	}
}

// DeviceOrIP charges requests that passed auth.RequireToken to the verified
// token subject and the rest to the client address. Mount it after the token
// check; the raw Authorization header is never used as a key.
func DeviceOrIP(c *gin.Context) string {
	if claims, ok := auth.ClaimsFrom(c); ok && claims.Subject != "" {
		return "dev:" + claims.Subject
	}
	return ClientIP(c)
}
