package wallet

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/congo-pay/wallet_ledger/internal/ledger"
	"github.com/congo-pay/wallet_ledger/internal/middleware"
)

// Ledger is the subset of the ledger engine the wallet endpoints use.
type Ledger interface {
	CreateWallet(ctx context.Context, ownerName, currency string) (ledger.Wallet, error)
	Wallet(ctx context.Context, id int64) (ledger.Wallet, error)
	ListWallets(ctx context.Context, filter ledger.WalletFilter) (ledger.WalletPage, error)
	GetBalance(ctx context.Context, walletID int64) (ledger.Balance, error)
	Deposit(ctx context.Context, req ledger.MovementRequest) (ledger.Outcome[ledger.MovementReceipt], error)
	Withdraw(ctx context.Context, req ledger.MovementRequest) (ledger.Outcome[ledger.MovementReceipt], error)
	ListTransactions(ctx context.Context, filter ledger.EntryFilter) (ledger.EntryPage, error)
}

// Handler exposes wallet HTTP endpoints.
type Handler struct {
	ledger Ledger
}

// NewHandler builds a wallet HTTP handler.
func NewHandler(l Ledger) *Handler {
	return &Handler{ledger: l}
}

type createRequest struct {
	OwnerName string `json:"owner_name" validate:"required,max=255"`
	Currency  string `json:"currency" validate:"required,len=3,alpha"`
}

type movementRequest struct {
	Amount *int64 `json:"amount" validate:"required"`
}

// Create opens a wallet with a zero balance.
func (h *Handler) Create(c *fiber.Ctx) error {
	var req createRequest
	if err := middleware.BindJSON(c, &req); err != nil {
		return err
	}
	w, err := h.ledger.CreateWallet(c.UserContext(), strings.TrimSpace(req.OwnerName), req.Currency)
	if err != nil {
		return err
	}
	return middleware.Success(c, http.StatusCreated, toWalletResponse(w))
}

// List pages through wallets, newest first.
func (h *Handler) List(c *fiber.Ctx) error {
	page, err := h.ledger.ListWallets(c.UserContext(), ledger.WalletFilter{
		OwnerName: strings.TrimSpace(c.Query("owner_name")),
		Currency:  strings.TrimSpace(c.Query("currency")),
		Page:      c.QueryInt("page", 1),
		PerPage:   c.QueryInt("per_page", 0),
	})
	if err != nil {
		return err
	}
	data := make([]walletResponse, 0, len(page.Wallets))
	for _, w := range page.Wallets {
		data = append(data, toWalletResponse(w))
	}
	return middleware.List(c, data, page.Page)
}

// Show returns a single wallet.
func (h *Handler) Show(c *fiber.Ctx) error {
	id, err := walletID(c)
	if err != nil {
		return err
	}
	w, err := h.ledger.Wallet(c.UserContext(), id)
	if err != nil {
		return err
	}
	return middleware.Success(c, http.StatusOK, toWalletResponse(w))
}

// Balance returns the committed wallet balance.
func (h *Handler) Balance(c *fiber.Ctx) error {
	id, err := walletID(c)
	if err != nil {
		return err
	}
	b, err := h.ledger.GetBalance(c.UserContext(), id)
	if err != nil {
		return err
	}
	return middleware.Success(c, http.StatusOK, balanceResponse{
		WalletID:         b.WalletID,
		Balance:          b.Balance,
		Currency:         b.Currency,
		FormattedBalance: formatMinor(b.Balance),
	})
}

// Deposit credits the wallet.
func (h *Handler) Deposit(c *fiber.Ctx) error {
	return h.move(c, h.ledger.Deposit)
}

// Withdraw debits the wallet.
func (h *Handler) Withdraw(c *fiber.Ctx) error {
	return h.move(c, h.ledger.Withdraw)
}

func (h *Handler) move(c *fiber.Ctx, op func(context.Context, ledger.MovementRequest) (ledger.Outcome[ledger.MovementReceipt], error)) error {
	id, err := walletID(c)
	if err != nil {
		return err
	}
	key, err := middleware.IdempotencyKey(c)
	if err != nil {
		return err
	}
	var req movementRequest
	if err := middleware.BindJSON(c, &req); err != nil {
		return err
	}

	out, err := op(c.UserContext(), ledger.MovementRequest{WalletID: id, Amount: *req.Amount, IdempotencyKey: key})
	if err != nil {
		return err
	}
	return middleware.Movement(c, out.Raw, out.Replayed())
}

// Transactions pages through the wallet's ledger entries, newest first.
func (h *Handler) Transactions(c *fiber.Ctx) error {
	id, err := walletID(c)
	if err != nil {
		return err
	}

	filter := ledger.EntryFilter{
		WalletID: id,
		Page:     c.QueryInt("page", 1),
		PerPage:  c.QueryInt("per_page", 0),
	}
	if t := c.Query("type"); t != "" {
		filter.Type = ledger.EntryType(t)
		if !filter.Type.Valid() {
			return middleware.Invalid("type", "oneof=deposit withdrawal transfer_debit transfer_credit")
		}
	}
	if filter.From, err = parseDate(c.Query("from_date"), false); err != nil {
		return middleware.Invalid("from_date", "date")
	}
	if filter.To, err = parseDate(c.Query("to_date"), true); err != nil {
		return middleware.Invalid("to_date", "date")
	}
	if !filter.From.IsZero() && !filter.To.IsZero() && filter.To.Before(filter.From) {
		return middleware.Invalid("to_date", "after_or_equal=from_date")
	}

	page, err := h.ledger.ListTransactions(c.UserContext(), filter)
	if err != nil {
		return err
	}
	data := make([]transactionResponse, 0, len(page.Entries))
	for _, e := range page.Entries {
		data = append(data, toTransactionResponse(e))
	}
	return middleware.List(c, data, page.Page)
}

// walletID reads the :walletId path parameter. Anything that is not a
// positive integer cannot name a wallet.
func walletID(c *fiber.Ctx) (int64, error) {
	id, err := strconv.ParseInt(c.Params("walletId"), 10, 64)
	if err != nil || id <= 0 {
		return 0, ledger.ErrWalletNotFound
	}
	return id, nil
}

// parseDate accepts RFC 3339 timestamps or plain dates. A plain date used as
// an upper bound covers the whole day.
func parseDate(v string, endOfDay bool) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.DateOnly, v)
	if err != nil {
		return time.Time{}, err
	}
	if endOfDay {
		t = t.Add(24*time.Hour - time.Nanosecond)
	}
	return t, nil
}
