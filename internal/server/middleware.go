package server

import (
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"staticserve/internal/metrics"
)

const (
	requestIDHeader = "X-Request-Id"
	requestIDKey    = "request_id"
)

// requestID はリクエストごとにIDを割り当てる
// クライアントが UUID を送ってきた場合はそれを引き継ぐ
func requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(requestIDHeader)
		if _, err := uuid.Parse(id); err != nil {
			id = uuid.NewString()
		}
		c.Set(requestIDKey, id)
		c.Header(requestIDHeader, id)
		c.Next()
	}
}

// accessLog はメトリクスを記録し、有効ならアクセスログを出す
func accessLog(log logrus.FieldLogger, m *metrics.Metrics, enabled bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		size := max(c.Writer.Size(), 0)
		m.ObserveRequest(c.Request.Method, status, start)
		m.AddBytes(size)

		if !enabled {
			return
		}

		entry := log.WithFields(logrus.Fields{
			"request_id": c.GetString(requestIDKey),
			"method":     c.Request.Method,
			"path":       c.Request.URL.Path,
			"status":     status,
			"bytes":      size,
			"duration":   time.Since(start).String(),
			"remote":     c.Request.RemoteAddr,
		})
		if last := c.Errors.Last(); last != nil {
			entry = entry.WithField("error", last.Error())
		}
		entry.Info(http.StatusText(status))
	}
}

// recovery はハンドラのパニックを 500 に変換する
func recovery(log logrus.FieldLogger) gin.HandlerFunc {
	return gin.CustomRecoveryWithWriter(io.Discard, func(c *gin.Context, err any) {
		log.WithFields(logrus.Fields{
			"request_id": c.GetString(requestIDKey),
			"path":       c.Request.URL.Path,
			"panic":      err,
		}).Error("パニックから復帰しました")
		c.AbortWithStatus(http.StatusInternalServerError)
	})
}
