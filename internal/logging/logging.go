// Package logging configures logrus output and provides the gin request-id
// middleware.
package logging

import (
	"io"
	"os"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"github.com/tokenbilling/creditledger/internal/config"
	"gopkg.in/natefinch/lumberjack.v2"
)

// RequestIDKey is the gin context key and response header for request ids.
const RequestIDKey = "X-Request-ID"

// Setup applies the log configuration to the global logrus logger. When a
// file is configured, output goes to both stdout and a rotated file.
func Setup(cfg config.LogConfig) {
	level, errParse := log.ParseLevel(strings.TrimSpace(cfg.Level))
	if errParse != nil {
		level = log.InfoLevel
	}
	log.SetLevel(level)
	log.SetFormatter(&log.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05",
	})

	if strings.TrimSpace(cfg.File) == "" {
		log.SetOutput(os.Stdout)
		return
	}
	rotated := &lumberjack.Logger{
		Filename:   cfg.File,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		Compress:   cfg.Compress,
	}
	log.SetOutput(io.MultiWriter(os.Stdout, rotated))
}

// GinRequestID attaches a request id to every request: the caller-supplied
// X-Request-ID header when present, a fresh UUID otherwise. The id is echoed
// on the response so clients can correlate retries.
func GinRequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := strings.TrimSpace(c.GetHeader(RequestIDKey))
		if requestID == "" {
			requestID = uuid.NewString()
		}
		c.Set(RequestIDKey, requestID)
		c.Writer.Header().Set(RequestIDKey, requestID)
		c.Next()
	}
}

// RequestIDFromContext returns the request id set by GinRequestID.
func RequestIDFromContext(c *gin.Context) string {
	if c == nil {
		return ""
	}
	if v, ok := c.Get(RequestIDKey); ok {
		if s, okStr := v.(string); okStr {
			return s
		}
	}
	return ""
}
