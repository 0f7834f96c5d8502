// Package middleware contains any custom middleware used in the app
package middleware

import (
	"regexp"

	"github.com/gin-gonic/gin"
	gonanoid "github.com/matoous/go-nanoid/v2"
)

const requestIDHeader = "X-Request-ID"

// Ids forwarded by a proxy are kept when they look sane
var validRequestID = regexp.MustCompile(`^[A-Za-z0-9_-]{6,64}$`)

// NewRequestIDMiddleware tags every request with an id, stored as requestID
// and echoed in the X-Request-ID header
func NewRequestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(requestIDHeader)
		if !validRequestID.MatchString(id) {
			id = gonanoid.Must(10)
		}

		c.Set("requestID", id)
		c.Header(requestIDHeader, id)
		c.Next()
	}
}
