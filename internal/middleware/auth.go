package middleware

import (
	"github.com/gin-gonic/gin"

	"github.com/taskloop/taskloop/internal/errors"
)

// UserIDHeader carries the caller identity. Authentication itself happens
// upstream; by the time a request reaches this service the header is
// trusted.
const UserIDHeader = "X-User-ID"

const userIDContextKey = "taskloop.user_id"

// Identity requires the caller identity header and stores it on the gin
// context for handlers to read through UserID.
func Identity() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.GetHeader(UserIDHeader)
		if userID == "" {
			_ = c.Error(errors.NewAuthenticationError("missing " + UserIDHeader + " header"))
			c.Abort()
			return
		}
		c.Set(userIDContextKey, userID)
		c.Next()
	}
}

// UserID returns the caller identity set by Identity, or "" outside it.
func UserID(c *gin.Context) string {
	v, ok := c.Get(userIDContextKey)
	if !ok {
		return ""
	}
	userID, _ := v.(string)
	return userID
}
