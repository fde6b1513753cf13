package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"bingwa-sokoni/internal/daraja"
	"bingwa-sokoni/internal/models"
	"bingwa-sokoni/internal/service"
	"bingwa-sokoni/internal/store"
	"bingwa-sokoni/internal/util"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Handler wires HTTP routes to the services.
type Handler struct {
	users    *service.UserService
	catalog  *service.CatalogService
	orders   *service.OrderService
	payments *service.PaymentService
	delivery *service.DeliveryService
	logger   *zap.Logger
}

// NewHandler creates a new API handler.
func NewHandler(users *service.UserService, catalog *service.CatalogService,
	orders *service.OrderService, payments *service.PaymentService,
	delivery *service.DeliveryService) *Handler {
	return &Handler{
		users:    users,
		catalog:  catalog,
		orders:   orders,
		payments: payments,
		delivery: delivery,
		logger:   util.GetLogger(),
	}
}

// SetupRoutes registers all routes on the router.
func (h *Handler) SetupRoutes(router *gin.Engine) {
	router.Use(prometheusMiddleware())

	router.GET("/health", h.health)
	router.GET("/ready", h.ready)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/api/v1")
	{
		users := v1.Group("/users")
		{
			users.POST("/register", h.registerUser)
			users.GET("/:id", h.getUser)
			users.GET("/phone/:phone", h.getUserByPhone)
		}

		packages := v1.Group("/packages")
		{
			packages.GET("", h.listPackages)
			packages.GET("/:id", h.getPackage)
			packages.POST("", h.createPackage)
			packages.PATCH("/:id", h.updatePackage)
			packages.DELETE("/:id", h.deactivatePackage)
		}

		orders := v1.Group("/orders")
		{
			orders.POST("", h.createOrder)
			orders.GET("", h.listOrders)
			orders.POST("/sync", h.syncOrders)
			orders.GET("/:id", h.getOrder)
			orders.PATCH("/:id", h.patchOrder)
			orders.POST("/:id/cancel", h.cancelOrder)
			orders.POST("/:id/pay", h.initiatePush)
		}

		payments := v1.Group("/payments")
		{
			payments.POST("/callback", h.mpesaCallback)
			payments.GET("/:id", h.getPaymentStatus)
			payments.POST("/:id/query", h.queryPayment)
			payments.POST("/:id/sync", h.syncPayment)
		}

		delivery := v1.Group("/delivery")
		{
			delivery.POST("/:orderId", h.deliverBundle)
			delivery.POST("/:orderId/retry", h.retryDelivery)
		}
	}
}

func (h *Handler) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}

func (h *Handler) ready(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

func (h *Handler) registerUser(c *gin.Context) {
	var req service.RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadRequest(c, err)
		return
	}

	user, isNew, err := h.users.Register(c.Request.Context(), req)
	if err != nil {
		h.respondError(c, err)
		return
	}

	status := http.StatusOK
	if isNew {
		status = http.StatusCreated
	}
	c.JSON(status, gin.H{"success": true, "data": user, "is_new": isNew})
}

func (h *Handler) getUser(c *gin.Context) {
	user, err := h.users.GetUser(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	respondOK(c, user)
}

func (h *Handler) getUserByPhone(c *gin.Context) {
	user, err := h.users.GetUserByPhone(c.Request.Context(), c.Param("phone"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	respondOK(c, user)
}

func (h *Handler) listPackages(c *gin.Context) {
	packages, err := h.catalog.ListPackages(c.Request.Context(), c.Query("category"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	respondOK(c, packages)
}

func (h *Handler) getPackage(c *gin.Context) {
	pkg, err := h.catalog.GetPackage(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	respondOK(c, pkg)
}

func (h *Handler) createPackage(c *gin.Context) {
	var req service.CreatePackageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadRequest(c, err)
		return
	}

	pkg, err := h.catalog.CreatePackage(c.Request.Context(), req)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"success": true, "data": pkg})
}

func (h *Handler) updatePackage(c *gin.Context) {
	var updates map[string]interface{}
	if err := c.ShouldBindJSON(&updates); err != nil {
		respondBadRequest(c, err)
		return
	}

	pkg, err := h.catalog.UpdatePackage(c.Request.Context(), c.Param("id"), updates)
	if err != nil {
		h.respondError(c, err)
		return
	}
	respondOK(c, pkg)
}

func (h *Handler) deactivatePackage(c *gin.Context) {
	if err := h.catalog.DeactivatePackage(c.Request.Context(), c.Param("id")); err != nil {
		h.respondError(c, err)
		return
	}
	respondOK(c, gin.H{"deactivated": true})
}

func (h *Handler) createOrder(c *gin.Context) {
	var req service.CreateOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadRequest(c, err)
		return
	}

	order, err := h.orders.CreateOrder(c.Request.Context(), req)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"success": true, "data": order})
}

func (h *Handler) listOrders(c *gin.Context) {
	limit, _ := strconv.Atoi(c.Query("limit"))
	offset, _ := strconv.Atoi(c.Query("offset"))

	orders, err := h.orders.ListOrders(c.Request.Context(), store.OrderFilter{
		Status: c.Query("status"),
		Phone:  c.Query("phone"),
		Limit:  limit,
		Offset: offset,
	})
	if err != nil {
		h.respondError(c, err)
		return
	}
	respondOK(c, orders)
}

func (h *Handler) getOrder(c *gin.Context) {
	order, err := h.orders.GetOrder(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	respondOK(c, order)
}

func (h *Handler) patchOrder(c *gin.Context) {
	var req struct {
		Status string `json:"status" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadRequest(c, err)
		return
	}

	order, err := h.orders.PatchOrderStatus(c.Request.Context(), c.Param("id"), models.OrderStatus(req.Status))
	if err != nil {
		h.respondError(c, err)
		return
	}
	respondOK(c, order)
}

func (h *Handler) cancelOrder(c *gin.Context) {
	order, err := h.orders.CancelOrder(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	respondOK(c, order)
}

func (h *Handler) syncOrders(c *gin.Context) {
	var req struct {
		Orders []service.SyncOrderItem `json:"orders" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadRequest(c, err)
		return
	}

	results := h.orders.SyncOrders(c.Request.Context(), req.Orders)
	respondOK(c, results)
}

func (h *Handler) initiatePush(c *gin.Context) {
	var req struct {
		PhoneNumber string `json:"phone_number"`
	}
	// Body is optional; the push defaults to the order's phone.
	_ = c.ShouldBindJSON(&req)

	order, err := h.orders.GetOrder(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}

	phone := order.PhoneNumber
	if req.PhoneNumber != "" {
		phone = daraja.NormalizePhone(req.PhoneNumber)
	}

	resp, err := h.payments.InitiatePush(c.Request.Context(), order.ID, phone, order.Amount)
	if err != nil {
		h.respondError(c, err)
		return
	}
	respondOK(c, resp)
}

// mpesaCallback always acknowledges with a success envelope; a non-200
// here would make the gateway retry-storm the endpoint.
func (h *Handler) mpesaCallback(c *gin.Context) {
	var envelope daraja.CallbackEnvelope
	if err := c.ShouldBindJSON(&envelope); err != nil {
		h.logger.Warn("Unparseable callback body", zap.Error(err))
		c.JSON(http.StatusOK, daraja.Ack())
		return
	}

	if err := h.payments.HandleCallback(c.Request.Context(), &envelope); err != nil {
		h.logger.Error("Callback reconciliation failed", zap.Error(err))
	}
	c.JSON(http.StatusOK, daraja.Ack())
}

func (h *Handler) getPaymentStatus(c *gin.Context) {
	payment, order, err := h.payments.GetPaymentStatus(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	respondOK(c, gin.H{"payment": payment, "order": order})
}

func (h *Handler) queryPayment(c *gin.Context) {
	result, err := h.payments.QueryStatus(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	respondOK(c, result)
}

func (h *Handler) syncPayment(c *gin.Context) {
	payment, err := h.payments.SyncFromGateway(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	respondOK(c, payment)
}

func (h *Handler) deliverBundle(c *gin.Context) {
	result, err := h.delivery.DeliverBundle(c.Request.Context(), c.Param("orderId"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	respondOK(c, result)
}

func (h *Handler) retryDelivery(c *gin.Context) {
	result, err := h.delivery.RetryDelivery(c.Request.Context(), c.Param("orderId"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	respondOK(c, result)
}

func respondOK(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, gin.H{"success": true, "data": data})
}

func respondBadRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": err.Error()})
}

// respondError maps the service error taxonomy to HTTP statuses.
func (h *Handler) respondError(c *gin.Context, err error) {
	var validationErr *service.ValidationError
	var orderStateErr *service.InvalidOrderStateError
	var deliveryStateErr *service.InvalidDeliveryStateError

	switch {
	case errors.As(err, &validationErr),
		errors.As(err, &orderStateErr),
		errors.As(err, &deliveryStateErr),
		errors.Is(err, service.ErrPushRejected),
		errors.Is(err, service.ErrNoCheckoutID):
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": err.Error()})

	case errors.Is(err, service.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"success": false, "message": err.Error()})

	case errors.Is(err, service.ErrDeliveryInProgress):
		c.JSON(http.StatusConflict, gin.H{"success": false, "message": err.Error()})

	case errors.Is(err, daraja.ErrCredential), errors.Is(err, daraja.ErrGatewayUnavailable):
		c.JSON(http.StatusBadGateway, gin.H{"success": false, "message": "payment gateway unavailable"})

	default:
		h.logger.Error("Unhandled API error", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "message": "internal server error"})
	}
}

func prometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		status := strconv.Itoa(c.Writer.Status())

		util.HTTPRequestsTotal.WithLabelValues(c.Request.Method, path, status).Inc()
		util.HTTPRequestDuration.WithLabelValues(c.Request.Method, path, status).
			Observe(time.Since(start).Seconds())
	}
}
