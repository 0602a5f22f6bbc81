package httpapi

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

type RouterConfig struct {
	MaxInflight int
	Logger      *slog.Logger
}

func Router(h *Handlers, users UserLookup, cfg RouterConfig) *gin.Engine {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := gin.New()
	r.Use(gin.Recovery(), requestLog(logger))

	// Backpressure at the edge.
	// Prevents unbounded goroutine/pool queueing when the DB is saturated.
	r.Use(withConcurrencyLimit(cfg.MaxInflight))

	r.GET("/healthz", h.Healthz)

	api := r.Group("", Protected(users))

	api.POST("/accounts", h.CreateAccount)
	api.GET("/accounts", h.ListAccounts)
	api.DELETE("/accounts/:number", h.DeleteAccount)

	tx := api.Group("/transactions")
	tx.POST("/initiate", h.InitiateTransfer)
	tx.POST("/verify", h.VerifyTransfer)
	tx.POST("/resend", h.ResendTransfer)
	tx.GET("/", h.ListTransfers)

	dep := api.Group("/deposit")
	dep.POST("/initiate", h.InitiateDeposit)
	dep.POST("/confirm", h.ConfirmDeposit)
	dep.POST("/resend", h.ResendDeposit)

	o := api.Group("/otp")
	o.POST("/send", h.SendUserOTP)
	o.POST("/verify", h.VerifyUserOTP)

	return r
}

func withConcurrencyLimit(max int) gin.HandlerFunc {
	if max <= 0 {
		max = 64
	}
	sem := make(chan struct{}, max)

	return func(c *gin.Context) {
		select {
		case sem <- struct{}{}:
			defer func() { <-sem }()
			c.Next()
		default:
			// Fast fail instead of queueing forever.
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "server busy"})
		}
	}
}

func requestLog(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		reqID := c.GetHeader("X-Request-Id")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		c.Header("X-Request-Id", reqID)

		c.Next()

		logger.Info("http request",
			"request_id", reqID,
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"latency_ms", time.Since(start).Milliseconds(),
		)
	}
}
