package payments

import (
	"context"

	"github.com/gofiber/fiber/v2"

	"github.com/congo-pay/wallet_ledger/internal/ledger"
	"github.com/congo-pay/wallet_ledger/internal/middleware"
)

// Transferrer moves funds between two wallets.
type Transferrer interface {
	Transfer(ctx context.Context, req ledger.TransferRequest) (ledger.Outcome[ledger.TransferReceipt], error)
}

// Handler exposes payment endpoints.
type Handler struct {
	ledger Transferrer
}

// NewHandler constructs a payment handler.
func NewHandler(l Transferrer) *Handler {
	return &Handler{ledger: l}
}

type transferRequest struct {
	SourceWalletID int64  `json:"source_wallet_id" validate:"required,gt=0"`
	TargetWalletID int64  `json:"target_wallet_id" validate:"required,gt=0"`
	Amount         *int64 `json:"amount" validate:"required"`
}

// Transfer processes a wallet-to-wallet transfer. Same-wallet and
// cross-currency requests are left to the ledger so they surface with their
// own error codes.
func (h *Handler) Transfer(c *fiber.Ctx) error {
	key, err := middleware.IdempotencyKey(c)
	if err != nil {
		return err
	}
	var req transferRequest
	if err := middleware.BindJSON(c, &req); err != nil {
		return err
	}

	out, err := h.ledger.Transfer(c.UserContext(), ledger.TransferRequest{
		SourceWalletID: req.SourceWalletID,
		TargetWalletID: req.TargetWalletID,
		Amount:         *req.Amount,
		IdempotencyKey: key,
	})
	if err != nil {
		return err
	}
	return middleware.Movement(c, out.Raw, out.Replayed())
}
