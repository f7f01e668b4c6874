package handler

import (
	"wallet-settlement/internal/adapter/http/dto"
	"wallet-settlement/internal/core/domain"
	"wallet-settlement/internal/core/ports"
	"wallet-settlement/pkg/apperror"
	"wallet-settlement/pkg/response"

	"github.com/gin-gonic/gin"
)

// NetworkHandler serves the card network's signed callbacks.
type NetworkHandler struct {
	authSvc  ports.AuthorizationService
	reconSvc ports.ReconciliationService
}

// NewNetworkHandler creates a new NetworkHandler.
func NewNetworkHandler(authSvc ports.AuthorizationService, reconSvc ports.ReconciliationService) *NetworkHandler {
	return &NetworkHandler{authSvc: authSvc, reconSvc: reconSvc}
}

// Authorize handles POST /api/v1/network/authorizations. The network always
// gets a decision with 200; declines carry a reason instead of an error.
func (h *NetworkHandler) Authorize(c *gin.Context) {
	var req dto.AuthorizationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, apperror.Validation(err.Error()))
		return
	}
	dto.SanitizeStruct(&req.Merchant)

	decision := h.authSvc.Decide(c.Request.Context(), ports.AuthorizationRequest{
		AuthorizationRef: req.AuthorizationRef,
		CardholderRef:    req.CardholderRef,
		Amount:           req.Amount,
		Currency:         req.Currency,
		Merchant: domain.MerchantDescriptor{
			NetworkID: req.Merchant.NetworkID,
			Name:      req.Merchant.Name,
			City:      req.Merchant.City,
		},
	})

	response.OK(c, decision)
}

// Events handles POST /api/v1/network/events.
func (h *NetworkHandler) Events(c *gin.Context) {
	var req dto.NetworkEventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, apperror.Validation(err.Error()))
		return
	}
	dto.SanitizeStruct(&req.Merchant)

	result, err := h.reconSvc.HandleNetworkEvent(c.Request.Context(), req.ToDomain())
	if err != nil {
		response.Error(c, err)
		return
	}

	if result.Decision != nil {
		response.OK(c, result.Decision)
		return
	}

	data := gin.H{"received": true, "duplicate": result.Duplicate}
	if result.Payment != nil {
		data["payment"] = toPaymentResponse(result.Payment)
	}
	response.Accepted(c, data)
}
