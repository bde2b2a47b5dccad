package middleware

import (
	"context"

	"stakeengine/pkg/errutil"

	"github.com/gin-gonic/gin"
)

const UserIDHeader = "X-User-ID"

type userKey struct{}

var UserContextKey = userKey{}

// Identity pulls the authenticated user id set by the upstream identity
// layer and puts it on the request context. Routes behind it reject
// requests without one.
func Identity() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.GetHeader(UserIDHeader)
		if userID == "" {
			c.Error(errutil.Unauthorized("missing user identity", nil))
			c.Abort()
			return
		}

		ctx := context.WithValue(c.Request.Context(), UserContextKey, userID)
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

// UserID returns the authenticated user id, or "" when absent.
func UserID(ctx context.Context) string {
	id, _ := ctx.Value(UserContextKey).(string)
	return id
}
