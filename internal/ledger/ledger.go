package ledger

import (
	"context"
	"encoding/json"
	"time"
)

// EntryType carries the direction of a ledger entry; amounts are always positive.
type EntryType string

const (
	EntryDeposit        EntryType = "deposit"
	EntryWithdrawal     EntryType = "withdrawal"
	EntryTransferDebit  EntryType = "transfer_debit"
	EntryTransferCredit EntryType = "transfer_credit"
)

// Valid reports whether t is one of the known entry types.
func (t EntryType) Valid() bool {
	switch t {
	case EntryDeposit, EntryWithdrawal, EntryTransferDebit, EntryTransferCredit:
		return true
	}
	return false
}

const (
	defaultPerPage = 15
	maxPerPage     = 100
)

// Wallet is a balance holder. Balance is in minor units and never negative.
type Wallet struct {
	ID        int64
	OwnerName string
	Currency  string
	Balance   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Balance is the read model returned by GetBalance.
type Balance struct {
	WalletID int64
	Balance  int64
	Currency string
}

// Entry is an immutable ledger record.
type Entry struct {
	ID              int64
	WalletID        int64
	Type            EntryType
	Amount          int64
	RelatedWalletID *int64
	IdempotencyKey  *string
	Metadata        map[string]any
	CreatedAt       time.Time
}

// IdempotencyRecord maps a caller key to the fingerprint of the request that
// first used it and the exact receipt bytes that were returned.
type IdempotencyRecord struct {
	Key         string
	Fingerprint string
	Response    json.RawMessage
	CreatedAt   time.Time
}

// WalletFilter narrows ListWallets.
type WalletFilter struct {
	OwnerName string
	Currency  string
	Page      int
	PerPage   int
}

// EntryFilter narrows ListTransactions. Zero values mean "no filter".
type EntryFilter struct {
	WalletID int64
	Type     EntryType
	From     time.Time
	To       time.Time
	Page     int
	PerPage  int
}

// Page describes the position of a result slice within the full result set.
type Page struct {
	Page    int
	PerPage int
	Total   int
}

// LastPage returns the index of the final page (at least 1).
func (p Page) LastPage() int {
	if p.PerPage <= 0 || p.Total == 0 {
		return 1
	}
	return (p.Total + p.PerPage - 1) / p.PerPage
}

func (p Page) offset() int {
	return (p.Page - 1) * p.PerPage
}

func normalizePage(page, perPage int) Page {
	if page < 1 {
		page = 1
	}
	if perPage < 1 {
		perPage = defaultPerPage
	}
	if perPage > maxPerPage {
		perPage = maxPerPage
	}
	return Page{Page: page, PerPage: perPage}
}

// WalletPage is one page of wallets, newest first.
type WalletPage struct {
	Wallets []Wallet
	Page
}

// EntryPage is one page of ledger entries, newest first.
type EntryPage struct {
	Entries []Entry
	Page
}

// Store is the durable home of wallets, the journal and idempotency records.
// All balance mutation goes through WithinUnitOfWork.
type Store interface {
	CreateWallet(ctx context.Context, ownerName, currency string) (Wallet, error)
	Wallet(ctx context.Context, id int64) (Wallet, error)
	ListWallets(ctx context.Context, filter WalletFilter) (WalletPage, error)
	ListEntries(ctx context.Context, filter EntryFilter) (EntryPage, error)
	LookupIdempotency(ctx context.Context, key string) (IdempotencyRecord, bool, error)

	// WithinUnitOfWork runs fn atomically: every write made through the
	// UnitOfWork commits together or not at all. Locks taken inside fn are
	// released when it returns.
	WithinUnitOfWork(ctx context.Context, fn func(ctx context.Context, uow UnitOfWork) error) error
}

// UnitOfWork is the write side of a single atomic operation.
type UnitOfWork interface {
	// LockWallet acquires exclusive access to the wallet row for the rest of
	// the unit of work and returns its current state. It waits at most the
	// store's lock timeout.
	LockWallet(ctx context.Context, id int64) (Wallet, error)
	SetBalance(ctx context.Context, id int64, balance int64) error
	AppendEntry(ctx context.Context, entry Entry) (Entry, error)

	// RecordOnce stores the idempotency record. Uniqueness of the key is
	// enforced no later than commit; a losing writer's unit of work fails
	// with an error wrapping errKeyTaken.
	RecordOnce(ctx context.Context, record IdempotencyRecord) error
}

// ReplayCache is a fast, non-authoritative copy of idempotency records.
type ReplayCache interface {
	Get(ctx context.Context, key string) (IdempotencyRecord, bool, error)
	Put(ctx context.Context, record IdempotencyRecord) error
}
