package handler

import (
	"wallet-settlement/internal/adapter/http/dto"
	"wallet-settlement/internal/adapter/http/middleware"
	"wallet-settlement/internal/core/ports"
	"wallet-settlement/pkg/apperror"
	"wallet-settlement/pkg/response"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// RedemptionHandler drives payment records to completion at a venue.
type RedemptionHandler struct {
	redemptionSvc ports.RedemptionService
}

// NewRedemptionHandler creates a new RedemptionHandler.
func NewRedemptionHandler(redemptionSvc ports.RedemptionService) *RedemptionHandler {
	return &RedemptionHandler{redemptionSvc: redemptionSvc}
}

// Redeem handles POST /api/v1/redemptions.
func (h *RedemptionHandler) Redeem(c *gin.Context) {
	userID, ok := middleware.UserID(c)
	if !ok {
		response.Error(c, apperror.ErrInvalidToken())
		return
	}

	var req dto.RedeemRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, apperror.Validation(err.Error()))
		return
	}

	merchantID, err := uuid.Parse(req.MerchantID)
	if err != nil {
		response.Error(c, apperror.Validation("invalid merchant_id"))
		return
	}
	redeem := ports.RedeemRequest{
		RedemptionCode: req.RedemptionCode,
		MerchantID:     merchantID,
		IdempotencyKey: req.IdempotencyKey,
		ActorID:        userID,
	}
	if req.PaymentID != "" {
		id, err := uuid.Parse(req.PaymentID)
		if err != nil {
			response.Error(c, apperror.Validation("invalid payment_id"))
			return
		}
		redeem.PaymentID = &id
	}

	result, err := h.redemptionSvc.Redeem(c.Request.Context(), redeem)
	if err != nil {
		response.Error(c, err)
		return
	}

	response.OK(c, result)
}
