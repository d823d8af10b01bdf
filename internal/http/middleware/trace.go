package middleware

import (
	"github.com/aws/aws-xray-sdk-go/xray"
	"github.com/gin-gonic/gin"
)

// Trace はリクエストごとにX-Rayのセグメントを開始します
// 以降のサービスとリポジトリのサブセグメントはこのセグメントにぶら下がります
func Trace(name string) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, seg := xray.BeginSegment(c.Request.Context(), name)
		c.Request = c.Request.WithContext(ctx)

		c.Next()

		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		_ = seg.AddAnnotation("method", c.Request.Method)
		_ = seg.AddAnnotation("route", path)
		_ = seg.AddAnnotation("status", c.Writer.Status())

		var err error
		if last := c.Errors.Last(); last != nil {
			err = last.Err
		}
		seg.Close(err)
	}
}
