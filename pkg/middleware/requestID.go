package middleware

import (
	"context"

	"github.com/gin-gonic/gin"
	"storebot.com/pkg/common"
	"storebot.com/pkg/logger"
)

// ReqId propagates or assigns X-Request-Id and uses it as the log trace id.
func ReqId() gin.HandlerFunc {
	return func(c *gin.Context) {
		rid := c.GetHeader(common.HeaderRequestID)
		if rid == "" {
			rid = common.NewRequestID()
		}
		c.Set(common.CtxKeyRequestID, rid)
		c.Header(common.HeaderRequestID, rid)
		ctx := context.WithValue(c.Request.Context(), logger.TraceIdKey, rid)
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}
