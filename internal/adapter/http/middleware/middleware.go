package middleware

import (
	"bytes"
	"io"
	"net/http"
	"strconv"
	"time"

	"wallet-settlement/internal/core/ports"
	"wallet-settlement/pkg/apperror"
	"wallet-settlement/pkg/response"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	// Webhook signature headers per sender.
	HeaderNetworkSignature = "X-Network-Signature"
	HeaderNetworkTimestamp = "X-Network-Timestamp"
	HeaderGatewaySignature = "X-Gateway-Signature"
	HeaderGatewayTimestamp = "X-Gateway-Timestamp"
	HeaderRequestID        = "X-Request-ID"

	// Max timestamp drift allowed on signed webhooks.
	maxTimestampDrift = 5 * time.Minute

	// Context keys
	CtxUserID    = "user_id"
	CtxRequestID = "request_id"
	CtxSource    = "webhook_source"
)

// WebhookSignature verifies hex(HMAC-SHA256(secret, timestamp + "." + body))
// on deliveries from an external sender. The body is restored for binding.
func WebhookSignature(source, secret string, sigSvc ports.SignatureService, sigHeader, tsHeader string, log zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		signature := c.GetHeader(sigHeader)
		timestampStr := c.GetHeader(tsHeader)
		if signature == "" || timestampStr == "" {
			response.Error(c, apperror.ErrMissingSignature())
			c.Abort()
			return
		}

		timestamp, err := strconv.ParseInt(timestampStr, 10, 64)
		if err != nil {
			response.Error(c, apperror.ErrTimestampExpired())
			c.Abort()
			return
		}
		drift := time.Since(time.Unix(timestamp, 0))
		if drift > maxTimestampDrift || drift < -maxTimestampDrift {
			response.Error(c, apperror.ErrTimestampExpired())
			c.Abort()
			return
		}

		bodyBytes, err := io.ReadAll(c.Request.Body)
		if err != nil {
			response.Error(c, apperror.Validation("cannot read request body"))
			c.Abort()
			return
		}
		c.Request.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))

		canonical := sigSvc.BuildCanonicalString(timestamp, string(bodyBytes))
		if !sigSvc.Verify(secret, canonical, signature) {
			log.Warn().Str("source", source).Str("path", c.Request.URL.Path).Msg("webhook signature mismatch")
			response.Error(c, apperror.ErrInvalidSignature())
			c.Abort()
			return
		}

		c.Set(CtxSource, source)
		c.Next()
	}
}

// JWTAuth validates bearer tokens on the client routes and stores the
// wallet owner's id under CtxUserID.
func JWTAuth(tokenSvc ports.TokenService, log zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if len(authHeader) < 8 || authHeader[:7] != "Bearer " {
			response.Error(c, apperror.ErrInvalidToken())
			c.Abort()
			return
		}

		claims, err := tokenSvc.Validate(authHeader[7:])
		if err != nil {
			log.Debug().Err(err).Msg("token rejected")
			response.Error(c, apperror.ErrInvalidToken())
			c.Abort()
			return
		}

		c.Set(CtxUserID, claims.UserID)
		c.Next()
	}
}

// UserID returns the authenticated wallet owner, if any.
func UserID(c *gin.Context) (uuid.UUID, bool) {
	v, ok := c.Get(CtxUserID)
	if !ok {
		return uuid.Nil, false
	}
	id, ok := v.(uuid.UUID)
	return id, ok
}

// RequestID propagates X-Request-ID or assigns a fresh one, so envelopes and
// log lines carry the same id.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(HeaderRequestID)
		if id == "" || len(id) > 64 {
			id = uuid.NewString()
		}
		c.Set(CtxRequestID, id)
		c.Header(HeaderRequestID, id)
		c.Next()
	}
}

// RequestLogger creates a middleware that logs every HTTP request.
func RequestLogger(log zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		latency := time.Since(start)
		status := c.Writer.Status()

		event := log.Info()
		if status >= http.StatusInternalServerError {
			event = log.Error()
		} else if status >= http.StatusBadRequest {
			event = log.Warn()
		}

		event.
			Str("request_id", c.GetString(CtxRequestID)).
			Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Int("status", status).
			Dur("latency", latency).
			Str("client_ip", c.ClientIP()).
			Msg("http request")
	}
}

// Recovery creates a panic recovery middleware.
func Recovery(log zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				log.Error().Interface("panic", r).Str("path", c.Request.URL.Path).Msg("panic recovered")
				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
					"error_code": "SYS_001",
					"message":    "Internal server error",
					"request_id": c.GetString(CtxRequestID),
				})
			}
		}()
		c.Next()
	}
}

// MaxBodySize limits the request body. Reads past the limit fail, which
// surfaces as a binding error or a signature read error.
func MaxBodySize(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.Body != nil {
			c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		}
		c.Next()
	}
}
