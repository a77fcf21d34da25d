package main

import (
	"errors"
	"io"
	"log"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/yourorg/marketplace-payments/internal/adapter"
	"github.com/yourorg/marketplace-payments/internal/domain"
	"github.com/yourorg/marketplace-payments/internal/gateway"
	"github.com/yourorg/marketplace-payments/internal/reporting"
	"github.com/yourorg/marketplace-payments/internal/settlement"
	"github.com/yourorg/marketplace-payments/internal/store"
)

// createOrderLine is one line of the create-order payload.
type createOrderLine struct {
	ProductID string `json:"product_id" binding:"required"`
	VendorID  string `json:"vendor_id" binding:"required"`
	Quantity  int    `json:"quantity" binding:"required"`
	UnitPrice string `json:"unit_price" binding:"required"`
}

type createOrderRequest struct {
	UserID   string                 `json:"user_id" binding:"required"`
	Method   domain.PaymentMethod   `json:"payment_method" binding:"required"`
	Shipping domain.ShippingAddress `json:"shipping"`
	Lines    []createOrderLine      `json:"lines" binding:"required"`
}

type startPaymentRequest struct {
	Method          domain.PaymentMethod `json:"method"`
	Phone           string               `json:"phone"`
	Email           string               `json:"email"`
	PaymentMethodID string               `json:"payment_method_id"`
}

// writeError maps domain errors onto HTTP statuses.
func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, store.ErrOrderNotFound),
		errors.Is(err, store.ErrAttemptNotFound),
		errors.Is(err, store.ErrLineNotFound),
		errors.Is(err, adapter.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, settlement.ErrOrderNotPayable),
		errors.Is(err, settlement.ErrOrderAlreadySettled),
		errors.Is(err, settlement.ErrOrderNotSettled),
		errors.Is(err, gateway.ErrPaymentAlreadyInFlight),
		errors.Is(err, store.ErrStatusConflict):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, adapter.ErrInvalidParams),
		errors.Is(err, adapter.ErrMalformed),
		errors.Is(err, adapter.ErrNotCapturable),
		errors.Is(err, gateway.ErrUnknownMethod),
		errors.Is(err, gateway.ErrNoLiveAttempt):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, adapter.ErrInvalidSignature):
		c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
	case errors.Is(err, adapter.ErrProviderUnavailable):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

func (a *app) createOrderHandler(c *gin.Context) {
	var req createOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
		return
	}

	lines := make([]domain.OrderLineItem, 0, len(req.Lines))
	for _, l := range req.Lines {
		price, err := decimal.NewFromString(l.UnitPrice)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid unit price: " + l.UnitPrice})
			return
		}
		li, err := domain.NewOrderLineItem("", l.ProductID, l.VendorID, l.Quantity, price)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		lines = append(lines, li)
	}

	order, err := domain.NewOrder(req.UserID, req.Method, req.Shipping, lines)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := a.repo.CreateOrder(c.Request.Context(), order); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, order)
}

func (a *app) getOrderHandler(c *gin.Context) {
	order, err := a.repo.GetOrder(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, order)
}

func (a *app) startPaymentHandler(c *gin.Context) {
	var req startPaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
		return
	}

	method := req.Method
	if method == "" {
		order, err := a.repo.GetOrder(c.Request.Context(), c.Param("id"))
		if err != nil {
			writeError(c, err)
			return
		}
		method = order.PaymentMethod
	}

	res, err := a.gateway.StartPayment(c.Request.Context(), c.Param("id"), method, adapter.InitiateParams{
		Phone:           req.Phone,
		Email:           req.Email,
		PaymentMethodID: req.PaymentMethodID,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, res)
}

func (a *app) pollStatusHandler(c *gin.Context) {
	res, err := a.gateway.PollStatus(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (a *app) captureHandler(c *gin.Context) {
	res, err := a.gateway.Capture(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (a *app) cancelHandler(c *gin.Context) {
	if err := a.coordinator.Cancel(c.Request.Context(), c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (a *app) fulfillLineHandler(c *gin.Context) {
	if err := a.coordinator.MarkLineFulfilled(c.Request.Context(), c.Param("id"), c.Param("lineID")); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// settlementReportHandler aggregates the attempt history of every order into
// the operator retrospective.
func (a *app) settlementReportHandler(c *gin.Context) {
	orders, err := a.repo.ListOrders(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	var records []reporting.AttemptRecord
	for _, o := range orders {
		attempts, err := a.repo.ListAttempts(c.Request.Context(), o.ID)
		if err != nil {
			writeError(c, err)
			return
		}
		for _, attempt := range attempts {
			records = append(records, reporting.AttemptRecord{Attempt: attempt, Total: o.Total})
		}
	}
	c.JSON(http.StatusOK, reporting.NewReporter().Generate(records))
}

// pushPaymentWebhookHandler always acknowledges: the push rail retries
// aggressively on any non-success response and carries no signature, so the
// ACK never depends on internal processing. Failures are logged and counted,
// never echoed back.
func (a *app) pushPaymentWebhookHandler(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err == nil {
		if herr := a.gateway.HandleCallback(c.Request.Context(), domain.MethodPushPayment, body, c.Request.Header); herr != nil {
			log.Printf("[webhook] push-payment callback not applied: %v", herr)
		}
	}
	c.JSON(http.StatusOK, gin.H{"ResultCode": 0, "ResultDesc": "Accepted"})
}

// signedWebhookHandler serves the rails whose callbacks are signed; those
// providers honor error statuses, so rejections are surfaced.
func (a *app) signedWebhookHandler(rail domain.PaymentMethod) gin.HandlerFunc {
	return func(c *gin.Context) {
		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable body"})
			return
		}
		if err := a.gateway.HandleCallback(c.Request.Context(), rail, body, c.Request.Header); err != nil {
			// A settled/duplicate delivery is acknowledged so the provider
			// stops retrying.
			if errors.Is(err, settlement.ErrOrderAlreadySettled) {
				c.Status(http.StatusOK)
				return
			}
			writeError(c, err)
			return
		}
		c.Status(http.StatusOK)
	}
}
