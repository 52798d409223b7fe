package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"order-saga/internal/service"
	"order-saga/internal/util"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const idempotencyHeader = "Idempotency-Key"

// OrderCoordinator is the command surface the HTTP API drives.
type OrderCoordinator interface {
	PlaceOrder(ctx context.Context, productName string, price int64) (service.Reply, error)
	AddPayment(ctx context.Context, orderID string, amount int64) (service.Reply, error)
	FinishOrder(ctx context.Context, orderID string) (service.Reply, error)
	CancelOrder(ctx context.Context, orderID string) (service.Reply, error)
	GetOrder(ctx context.Context, orderID string) (service.OrderView, error)
}

// IdempotencyStore remembers the order id assigned to an Idempotency-Key.
type IdempotencyStore interface {
	GetIdempotencyKey(ctx context.Context, key string) (string, bool, error)
	SetIdempotencyKey(ctx context.Context, key string, value string, ttl time.Duration) error
	AcquireLock(ctx context.Context, lockKey string, ttl time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, lockKey string) error
}

// ReadinessCheck reports whether a dependency is usable.
type ReadinessCheck func(ctx context.Context) error

// Handler contains HTTP handlers
type Handler struct {
	orders         OrderCoordinator
	idempotency    IdempotencyStore
	idempotencyTTL time.Duration
	checks         map[string]ReadinessCheck
	logger         *zap.Logger
}

// Option configures a Handler.
type Option func(*Handler)

// WithIdempotency enables Idempotency-Key handling on order creation.
func WithIdempotency(store IdempotencyStore, ttl time.Duration) Option {
	return func(h *Handler) {
		h.idempotency = store
		h.idempotencyTTL = ttl
	}
}

// WithReadinessCheck adds a dependency to /ready.
func WithReadinessCheck(name string, check ReadinessCheck) Option {
	return func(h *Handler) {
		h.checks[name] = check
	}
}

// NewHandler creates a new HTTP handler
func NewHandler(orders OrderCoordinator, opts ...Option) *Handler {
	h := &Handler{
		orders: orders,
		checks: make(map[string]ReadinessCheck),
		logger: util.GetLogger(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// CreateOrderRequest represents a request to create an order
type CreateOrderRequest struct {
	ProductName string `json:"productName" binding:"required"`
	Price       int64  `json:"price" binding:"required"`
}

// AddPaymentRequest represents a payment offered to an order
type AddPaymentRequest struct {
	Amount int64 `json:"amount" binding:"required"`
}

// SetupRoutes sets up HTTP routes
func (h *Handler) SetupRoutes(router *gin.Engine) {
	router.Use(gin.Recovery())
	router.Use(prometheusMiddleware())
	router.Use(gin.Logger())

	router.GET("/health", h.healthCheck)
	router.GET("/ready", h.readinessCheck)

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/api/v1")
	{
		v1.POST("/orders", h.createOrder)
		v1.GET("/orders/:id", h.getOrder)
		v1.POST("/orders/:id/payments", h.addPayment)
		v1.POST("/orders/:id/finish", h.finishOrder)
		v1.POST("/orders/:id/cancel", h.cancelOrder)
	}
}

// healthCheck handles health check requests
func (h *Handler) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}

// readinessCheck runs every registered dependency check
func (h *Handler) readinessCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	failed := gin.H{}
	for name, check := range h.checks {
		if err := check(ctx); err != nil {
			failed[name] = err.Error()
		}
	}
	if len(failed) > 0 {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "not ready",
			"failed": failed,
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status": "ready",
		"time":   time.Now().Unix(),
	})
}

// createOrder handles order creation
func (h *Handler) createOrder(c *gin.Context) {
	ctx, span := util.StartSpan(c.Request.Context(), "Handler.CreateOrder")
	defer span.End()

	var req CreateOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	key := c.GetHeader(idempotencyHeader)
	if key == "" || h.idempotency == nil {
		reply, err := h.orders.PlaceOrder(ctx, req.ProductName, req.Price)
		h.respond(c, reply, err, http.StatusAccepted)
		return
	}

	if orderID, found, err := h.idempotency.GetIdempotencyKey(ctx, key); err != nil {
		h.logger.Error("Failed to check idempotency key", zap.Error(err))
	} else if found {
		h.logger.Info("Duplicate order request detected",
			zap.String("idempotency_key", key),
			zap.String("order_id", orderID))
		c.JSON(http.StatusOK, service.Reply{OrderID: orderID})
		return
	}

	acquired, err := h.idempotency.AcquireLock(ctx, "idempotency:"+key, 30*time.Second)
	if err != nil {
		h.logger.Error("Failed to acquire idempotency lock", zap.Error(err))
	} else if !acquired {
		c.JSON(http.StatusConflict, gin.H{"error": "A request with this Idempotency-Key is in progress"})
		return
	} else {
		defer func() {
			if err := h.idempotency.ReleaseLock(context.Background(), "idempotency:"+key); err != nil {
				h.logger.Warn("Failed to release idempotency lock", zap.Error(err))
			}
		}()
	}

	reply, err := h.orders.PlaceOrder(ctx, req.ProductName, req.Price)
	if err == nil && reply.Success() {
		if err := h.idempotency.SetIdempotencyKey(ctx, key, reply.OrderID, h.idempotencyTTL); err != nil {
			h.logger.Error("Failed to store idempotency key", zap.Error(err))
		}
	}
	h.respond(c, reply, err, http.StatusAccepted)
}

// addPayment offers a payment to an order
func (h *Handler) addPayment(c *gin.Context) {
	ctx, span := util.StartSpan(c.Request.Context(), "Handler.AddPayment")
	defer span.End()

	var req AddPaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	reply, err := h.orders.AddPayment(ctx, c.Param("id"), req.Amount)
	h.respond(c, reply, err, http.StatusAccepted)
}

// finishOrder starts charging a complete order
func (h *Handler) finishOrder(c *gin.Context) {
	ctx, span := util.StartSpan(c.Request.Context(), "Handler.FinishOrder")
	defer span.End()

	reply, err := h.orders.FinishOrder(ctx, c.Param("id"))
	h.respond(c, reply, err, http.StatusAccepted)
}

// cancelOrder starts refunding an order
func (h *Handler) cancelOrder(c *gin.Context) {
	ctx, span := util.StartSpan(c.Request.Context(), "Handler.CancelOrder")
	defer span.End()

	reply, err := h.orders.CancelOrder(ctx, c.Param("id"))
	h.respond(c, reply, err, http.StatusAccepted)
}

// getOrder handles get order by ID
func (h *Handler) getOrder(c *gin.Context) {
	order, err := h.orders.GetOrder(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, order)
}

func (h *Handler) respond(c *gin.Context, reply service.Reply, err error, okStatus int) {
	if err != nil {
		h.respondError(c, err)
		return
	}
	if !reply.Success() {
		c.JSON(http.StatusUnprocessableEntity, reply)
		return
	}
	c.JSON(okStatus, reply)
}

func (h *Handler) respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, service.ErrUnknownOrder):
		c.JSON(http.StatusNotFound, gin.H{"error": "Order not found", "details": err.Error()})
	case errors.Is(err, service.ErrAskTimeout):
		c.JSON(http.StatusGatewayTimeout, gin.H{"error": "Timed out waiting for order", "details": err.Error()})
	default:
		h.logger.Error("Order request failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal error", "details": err.Error()})
	}
}

// prometheusMiddleware collects HTTP metrics
func prometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())

		util.HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Observe(duration)

		util.HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Inc()
	}
}
