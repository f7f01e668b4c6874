package handler

import (
	"wallet-settlement/internal/adapter/http/dto"
	"wallet-settlement/internal/core/domain"
	"wallet-settlement/internal/core/ports"
	"wallet-settlement/pkg/apperror"
	"wallet-settlement/pkg/response"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// GatewayHandler receives payout outcomes from the payment gateway.
type GatewayHandler struct {
	reconSvc ports.ReconciliationService
}

// NewGatewayHandler creates a new GatewayHandler.
func NewGatewayHandler(reconSvc ports.ReconciliationService) *GatewayHandler {
	return &GatewayHandler{reconSvc: reconSvc}
}

// Events handles POST /api/v1/gateway/events.
func (h *GatewayHandler) Events(c *gin.Context) {
	var req dto.GatewayEventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, apperror.Validation(err.Error()))
		return
	}
	dto.SanitizeStruct(&req)

	ev := domain.GatewayEvent{
		ID:            req.ID,
		Type:          domain.GatewayEventType(req.Type),
		TransferRef:   req.TransferRef,
		FailureReason: req.FailureReason,
	}
	if req.PaymentID != "" {
		id, err := uuid.Parse(req.PaymentID)
		if err != nil {
			response.Error(c, apperror.Validation("invalid payment_id"))
			return
		}
		ev.PaymentID = &id
	}

	if err := h.reconSvc.HandleGatewayEvent(c.Request.Context(), ev); err != nil {
		response.Error(c, err)
		return
	}

	response.Accepted(c, dto.EventAck{Received: true})
}
