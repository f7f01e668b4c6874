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

// HeaderIdempotencyKey is accepted as an alternative to the body field.
const HeaderIdempotencyKey = "Idempotency-Key"

// WalletHandler handles the wallet owner's balance and money movements.
type WalletHandler struct {
	walletSvc ports.WalletService
}

// NewWalletHandler creates a new WalletHandler.
func NewWalletHandler(walletSvc ports.WalletService) *WalletHandler {
	return &WalletHandler{walletSvc: walletSvc}
}

// GetBalance handles GET /api/v1/wallets/balance.
func (h *WalletHandler) GetBalance(c *gin.Context) {
	userID, ok := middleware.UserID(c)
	if !ok {
		response.Error(c, apperror.ErrInvalidToken())
		return
	}

	bal, err := h.walletSvc.GetBalance(c.Request.Context(), userID)
	if err != nil {
		response.Error(c, err)
		return
	}

	response.OK(c, dto.BalanceResponse{
		UserID:         bal.UserID.String(),
		Currency:       bal.Currency,
		Balance:        bal.Balance.StringFixed(2),
		PendingBalance: bal.PendingBalance.StringFixed(2),
	})
}

// Topup handles POST /api/v1/wallets/topup.
func (h *WalletHandler) Topup(c *gin.Context) {
	userID, ok := middleware.UserID(c)
	if !ok {
		response.Error(c, apperror.ErrInvalidToken())
		return
	}

	var req dto.TopupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, apperror.Validation(err.Error()))
		return
	}

	rec, err := h.walletSvc.Topup(c.Request.Context(), ports.TopupRequest{
		UserID:         userID,
		Amount:         req.Amount,
		IdempotencyKey: idempotencyKey(c, req.IdempotencyKey),
	})
	if err != nil {
		response.Error(c, err)
		return
	}

	response.Created(c, toPaymentResponse(rec))
}

// SendTransfer handles POST /api/v1/transfers.
func (h *WalletHandler) SendTransfer(c *gin.Context) {
	userID, ok := middleware.UserID(c)
	if !ok {
		response.Error(c, apperror.ErrInvalidToken())
		return
	}

	var req dto.PeerTransferRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, apperror.Validation(err.Error()))
		return
	}
	payeeID, err := uuid.Parse(req.PayeeID)
	if err != nil {
		response.Error(c, apperror.Validation("invalid payee_id"))
		return
	}

	issued, err := h.walletSvc.SendPeerTransfer(c.Request.Context(), ports.PeerTransferRequest{
		PayerID:        userID,
		PayeeID:        payeeID,
		Amount:         req.Amount,
		IdempotencyKey: idempotencyKey(c, req.IdempotencyKey),
	})
	if err != nil {
		response.Error(c, err)
		return
	}

	response.Created(c, toIssuedResponse(issued))
}

// CreateVenuePayment handles POST /api/v1/venue-payments.
func (h *WalletHandler) CreateVenuePayment(c *gin.Context) {
	userID, ok := middleware.UserID(c)
	if !ok {
		response.Error(c, apperror.ErrInvalidToken())
		return
	}

	var req dto.VenuePaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, apperror.Validation(err.Error()))
		return
	}

	issued, err := h.walletSvc.CreateVenuePayment(c.Request.Context(), ports.VenuePaymentRequest{
		PayerID:        userID,
		Amount:         req.Amount,
		IdempotencyKey: idempotencyKey(c, req.IdempotencyKey),
	})
	if err != nil {
		response.Error(c, err)
		return
	}

	response.Created(c, toIssuedResponse(issued))
}

func idempotencyKey(c *gin.Context, fromBody string) string {
	if fromBody != "" {
		return fromBody
	}
	return c.GetHeader(HeaderIdempotencyKey)
}

// toIssuedResponse carries the redemption code only on first issue; replays
// come back without it.
func toIssuedResponse(issued *ports.IssuedPayment) dto.IssuedPaymentResponse {
	return dto.IssuedPaymentResponse{
		Payment:        toPaymentResponse(issued.Payment),
		RedemptionCode: issued.RedemptionCode,
	}
}
