package routes

import (
	"github.com/gofiber/fiber/v2"

	"github.com/congo-pay/wallet_ledger/internal/wallet"
)

// RegisterWalletRoutes wires wallet-related endpoints.
func RegisterWalletRoutes(r fiber.Router, h *wallet.Handler) {
	r.Post("/wallets", h.Create)
	r.Get("/wallets", h.List)
	r.Get("/wallets/:walletId", h.Show)
	r.Get("/wallets/:walletId/balance", h.Balance)
	r.Post("/wallets/:walletId/deposit", h.Deposit)
	r.Post("/wallets/:walletId/withdraw", h.Withdraw)
	r.Get("/wallets/:walletId/transactions", h.Transactions)
}
