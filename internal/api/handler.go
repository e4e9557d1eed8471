package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"installment-service/internal/apperrors"
	"installment-service/internal/models"
	"installment-service/internal/service"
	"installment-service/internal/units"
	"installment-service/internal/util"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Pinger is a dependency checked by the readiness probe
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler contains HTTP handlers
type Handler struct {
	plans   *service.PlanService
	engine  *service.PaymentEngine
	queries *service.QueryService
	auth    *Authenticator
	checks  map[string]Pinger
	logger  *zap.Logger
}

// NewHandler creates a new HTTP handler
func NewHandler(
	plans *service.PlanService,
	engine *service.PaymentEngine,
	queries *service.QueryService,
	auth *Authenticator,
	checks map[string]Pinger,
) *Handler {
	return &Handler{
		plans:   plans,
		engine:  engine,
		queries: queries,
		auth:    auth,
		checks:  checks,
		logger:  util.GetLogger(),
	}
}

var registerOnce sync.Once

// registerValidators adds the "quantity" tag for base-10 integer strings
func registerValidators() {
	registerOnce.Do(func() {
		v, ok := binding.Validator.Engine().(*validator.Validate)
		if !ok {
			return
		}
		_ = v.RegisterValidation("quantity", func(fl validator.FieldLevel) bool {
			_, err := units.Parse(fl.Field().String())
			return err == nil
		})
	})
}

// SetupRoutes sets up HTTP routes
func (h *Handler) SetupRoutes(router *gin.Engine) {
	registerValidators()

	router.Use(gin.Recovery())
	router.Use(prometheusMiddleware())

	router.GET("/health", h.healthCheck)
	router.GET("/ready", h.readinessCheck)

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/api/v1")
	v1.Use(h.auth.Middleware())
	{
		v1.POST("/plans", h.createPlan)
		v1.GET("/plans/:id", h.getPlan)
		v1.GET("/plans/:id/next-due", h.getNextDue)
		v1.GET("/plans/:id/summary", h.getPlanSummary)
		v1.POST("/plans/:id/installments/:number/collect", h.collectInstallment)
		v1.POST("/plans/:id/release", h.releaseCollateral)
		v1.GET("/users/:user/plans", h.getUserPlans)
	}
}

// healthCheck handles health check requests
func (h *Handler) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}

// readinessCheck pings every registered dependency
func (h *Handler) readinessCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	failed := gin.H{}
	for name, check := range h.checks {
		if err := check.Ping(ctx); err != nil {
			h.logger.Warn("Readiness check failed", zap.String("dependency", name), zap.Error(err))
			failed[name] = err.Error()
		}
	}

	if len(failed) > 0 {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "not ready",
			"failed": failed,
			"time":   time.Now().Unix(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status": "ready",
		"time":   time.Now().Unix(),
	})
}

type createPlanBody struct {
	Merchant          string      `json:"merchant" binding:"required"`
	TotalAmount       string      `json:"total_amount" binding:"required,quantity"`
	InstallmentsCount int         `json:"installments_count"`
	DueDates          []time.Time `json:"due_dates"`
	// User defaults to the authenticated caller
	User string `json:"user"`
}

// createPlan handles plan creation for the authenticated caller
func (h *Handler) createPlan(c *gin.Context) {
	var body createPlanBody
	if err := c.ShouldBindJSON(&body); err != nil {
		h.respondError(c, apperrors.ErrInvalidRequest.WithDetails(err.Error()))
		return
	}

	amount, err := units.Parse(body.TotalAmount)
	if err != nil {
		h.respondError(c, apperrors.Wrap(apperrors.ErrInvalidAmount, err))
		return
	}

	caller := callerFrom(c)
	user := body.User
	if user == "" {
		user = caller
	}

	planID, err := h.plans.CreatePlan(c.Request.Context(), caller, &service.CreatePlanRequest{
		User:              user,
		Merchant:          body.Merchant,
		TotalAmount:       amount,
		InstallmentsCount: body.InstallmentsCount,
		DueDates:          body.DueDates,
		IdempotencyKey:    c.GetHeader("Idempotency-Key"),
	})
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"plan_id": planID})
}

// getPlan handles get plan by ID
func (h *Handler) getPlan(c *gin.Context) {
	plan, err := h.queries.GetPlan(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, plan)
}

func (h *Handler) getNextDue(c *gin.Context) {
	inst, err := h.queries.GetNextDue(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"next_due": inst})
}

func (h *Handler) getPlanSummary(c *gin.Context) {
	summary, err := h.queries.GetPlanSummary(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, summary)
}

func (h *Handler) getUserPlans(c *gin.Context) {
	ids, err := h.queries.GetUserPlans(c.Request.Context(), c.Param("user"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	if ids == nil {
		ids = []string{}
	}
	c.JSON(http.StatusOK, gin.H{"plan_ids": ids})
}

type collectBody struct {
	MerchantOverride string `json:"merchant_override"`
}

// collectInstallment runs one collection. A default answers 402 with the
// recorded outcome in the body.
func (h *Handler) collectInstallment(c *gin.Context) {
	// installments are numbered from 1, so an unparseable number matches none
	// and the engine reports it after the plan and caller checks
	number, err := strconv.Atoi(c.Param("number"))
	if err != nil {
		number = 0
	}

	var body collectBody
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&body); err != nil {
			h.respondError(c, apperrors.ErrInvalidRequest.WithDetails(err.Error()))
			return
		}
	}

	result, err := h.engine.CollectInstallment(c.Request.Context(), callerFrom(c), &service.CollectRequest{
		PlanID:            c.Param("id"),
		InstallmentNumber: number,
		MerchantOverride:  body.MerchantOverride,
	})
	if errors.Is(err, apperrors.ErrInsufficientFunds) && result != nil {
		c.JSON(apperrors.HTTPStatus(err), gin.H{
			"error":  apperrors.From(err),
			"result": result,
		})
		return
	}
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, result)
}

// releaseCollateral retries the final unlock of a completed plan
func (h *Handler) releaseCollateral(c *gin.Context) {
	plan, err := h.engine.ReleaseCollateral(c.Request.Context(), callerFrom(c), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, planView(plan))
}

func planView(plan *models.Plan) gin.H {
	return gin.H{
		"plan_id":          plan.PlanID,
		"status":           plan.Status,
		"protected_shares": plan.ProtectedShares,
	}
}

func (h *Handler) respondError(c *gin.Context, err error) {
	status := apperrors.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("Request failed",
			zap.String("path", c.FullPath()),
			zap.Error(err))
	}
	c.JSON(status, gin.H{"error": apperrors.From(err)})
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
