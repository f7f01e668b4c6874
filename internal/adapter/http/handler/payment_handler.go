package handler

import (
	"time"

	"wallet-settlement/internal/adapter/http/dto"
	"wallet-settlement/internal/adapter/http/middleware"
	"wallet-settlement/internal/core/domain"
	"wallet-settlement/internal/core/ports"
	"wallet-settlement/pkg/apperror"
	"wallet-settlement/pkg/response"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// PaymentHandler lets payers and payees inspect their payment records.
type PaymentHandler struct {
	walletSvc ports.WalletService
}

// NewPaymentHandler creates a new PaymentHandler.
func NewPaymentHandler(walletSvc ports.WalletService) *PaymentHandler {
	return &PaymentHandler{walletSvc: walletSvc}
}

// Get handles GET /api/v1/payments/:id.
func (h *PaymentHandler) Get(c *gin.Context) {
	userID, ok := middleware.UserID(c)
	if !ok {
		response.Error(c, apperror.ErrInvalidToken())
		return
	}

	paymentID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.Error(c, apperror.Validation("invalid payment id"))
		return
	}

	rec, err := h.walletSvc.GetPayment(c.Request.Context(), userID, paymentID)
	if err != nil {
		response.Error(c, err)
		return
	}

	response.OK(c, toPaymentResponse(rec))
}

// List handles GET /api/v1/payments.
func (h *PaymentHandler) List(c *gin.Context) {
	userID, ok := middleware.UserID(c)
	if !ok {
		response.Error(c, apperror.ErrInvalidToken())
		return
	}

	var q dto.PaymentListQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		response.Error(c, apperror.Validation(err.Error()))
		return
	}
	if q.Page == 0 {
		q.Page = 1
	}
	if q.PageSize == 0 {
		q.PageSize = 20
	}

	params := ports.PaymentListParams{UserID: userID, Page: q.Page, PageSize: q.PageSize}
	if q.Status != "" {
		s := domain.Status(q.Status)
		params.Status = &s
	}
	if q.Kind != "" {
		k := domain.Kind(q.Kind)
		params.Kind = &k
	}

	records, total, err := h.walletSvc.ListPayments(c.Request.Context(), params)
	if err != nil {
		response.Error(c, err)
		return
	}

	items := make([]dto.PaymentResponse, 0, len(records))
	for i := range records {
		items = append(items, toPaymentResponse(&records[i]))
	}
	response.OK(c, dto.PaymentListResponse{
		Payments: items,
		Total:    total,
		Page:     q.Page,
		PageSize: q.PageSize,
	})
}

// toPaymentResponse converts domain.PaymentRecord to DTO.
func toPaymentResponse(p *domain.PaymentRecord) dto.PaymentResponse {
	resp := dto.PaymentResponse{
		ID:               p.ID.String(),
		Kind:             string(p.Kind),
		Status:           string(p.Status),
		PayerID:          uuidString(p.PayerID),
		PayeeID:          uuidString(p.PayeeID),
		MerchantID:       uuidString(p.MerchantID),
		Amount:           p.Amount.StringFixed(2),
		Currency:         p.Currency,
		TransferRef:      p.ExternalTransferRef,
		AuthorizationRef: p.ExternalAuthorizationRef,
		Metadata:         p.Metadata,
		CreatedAt:        p.CreatedAt.Format(time.RFC3339),
		UpdatedAt:        p.UpdatedAt.Format(time.RFC3339),
	}
	if p.CompletedAt != nil {
		s := p.CompletedAt.Format(time.RFC3339)
		resp.CompletedAt = &s
	}
	return resp
}

func uuidString(id *uuid.UUID) *string {
	if id == nil {
		return nil
	}
	s := id.String()
	return &s
}
