package wallet

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/congo-pay/wallet_ledger/internal/ledger"
)

// minorUnitExp is the exponent between major and minor currency units.
const minorUnitExp = -2

type walletResponse struct {
	ID               int64     `json:"id"`
	OwnerName        string    `json:"owner_name"`
	Currency         string    `json:"currency"`
	Balance          int64     `json:"balance"`
	FormattedBalance string    `json:"formatted_balance"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

type balanceResponse struct {
	WalletID         int64  `json:"wallet_id"`
	Balance          int64  `json:"balance"`
	Currency         string `json:"currency"`
	FormattedBalance string `json:"formatted_balance"`
}

type transactionResponse struct {
	ID              int64          `json:"id"`
	WalletID        int64          `json:"wallet_id"`
	Type            string         `json:"type"`
	Amount          int64          `json:"amount"`
	FormattedAmount string         `json:"formatted_amount"`
	RelatedWalletID *int64         `json:"related_wallet_id"`
	IdempotencyKey  *string        `json:"idempotency_key"`
	Metadata        map[string]any `json:"metadata"`
	CreatedAt       time.Time      `json:"created_at"`
}

// formatMinor renders minor units as a fixed two-decimal string, e.g. 10050 -> "100.50".
func formatMinor(amount int64) string {
	return decimal.New(amount, minorUnitExp).StringFixed(2)
}

func toWalletResponse(w ledger.Wallet) walletResponse {
	return walletResponse{
		ID:               w.ID,
		OwnerName:        w.OwnerName,
		Currency:         w.Currency,
		Balance:          w.Balance,
		FormattedBalance: formatMinor(w.Balance),
		CreatedAt:        w.CreatedAt,
		UpdatedAt:        w.UpdatedAt,
	}
}

func toTransactionResponse(e ledger.Entry) transactionResponse {
	return transactionResponse{
		ID:              e.ID,
		WalletID:        e.WalletID,
		Type:            string(e.Type),
		Amount:          e.Amount,
		FormattedAmount: formatMinor(e.Amount),
		RelatedWalletID: e.RelatedWalletID,
		IdempotencyKey:  e.IdempotencyKey,
		Metadata:        e.Metadata,
		CreatedAt:       e.CreatedAt,
	}
}
