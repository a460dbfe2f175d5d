package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/congo-pay/wallet_ledger/internal/notification"
)

// MovementRequest captures a single-wallet deposit or withdrawal.
type MovementRequest struct {
	WalletID       int64
	Amount         int64
	IdempotencyKey string
}

// TransferRequest captures a movement between two wallets.
type TransferRequest struct {
	SourceWalletID int64
	TargetWalletID int64
	Amount         int64
	IdempotencyKey string
}

// Engine validates money movements, runs them as one unit of work against
// the store and deduplicates retried requests by idempotency key.
type Engine struct {
	store    Store
	cache    ReplayCache
	notifier notification.Notifier
	logger   *slog.Logger
	now      func() time.Time
}

// Option customises an Engine.
type Option func(*Engine)

// WithReplayCache puts a non-authoritative cache in front of idempotency lookups.
func WithReplayCache(cache ReplayCache) Option {
	return func(e *Engine) { e.cache = cache }
}

// WithNotifier sends a message after every freshly committed movement.
func WithNotifier(notifier notification.Notifier) Option {
	return func(e *Engine) { e.notifier = notifier }
}

// WithClock overrides the time source used for idempotency records.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// NewEngine builds a ledger engine on top of store.
func NewEngine(store Store, logger *slog.Logger, opts ...Option) *Engine {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(discardWriter{}, nil))
	}
	e := &Engine{store: store, logger: logger, now: time.Now}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// CreateWallet opens a wallet with a zero balance.
func (e *Engine) CreateWallet(ctx context.Context, ownerName, currency string) (Wallet, error) {
	currency = strings.ToUpper(strings.TrimSpace(currency))
	if !validCurrency(currency) {
		return Wallet{}, ErrInvalidCurrency
	}
	w, err := e.store.CreateWallet(ctx, strings.TrimSpace(ownerName), currency)
	if err != nil {
		return Wallet{}, e.storageError("create wallet", err)
	}
	e.logger.Info("wallet created", slog.Int64("wallet_id", w.ID), slog.String("currency", w.Currency))
	return w, nil
}

// Wallet returns the committed state of a wallet.
func (e *Engine) Wallet(ctx context.Context, id int64) (Wallet, error) {
	w, err := e.store.Wallet(ctx, id)
	if err != nil {
		return Wallet{}, e.storageError("get wallet", err)
	}
	return w, nil
}

// ListWallets pages through wallets, newest first.
func (e *Engine) ListWallets(ctx context.Context, filter WalletFilter) (WalletPage, error) {
	filter.Currency = strings.ToUpper(strings.TrimSpace(filter.Currency))
	p := normalizePage(filter.Page, filter.PerPage)
	filter.Page, filter.PerPage = p.Page, p.PerPage
	page, err := e.store.ListWallets(ctx, filter)
	if err != nil {
		return WalletPage{}, e.storageError("list wallets", err)
	}
	return page, nil
}

// GetBalance returns the committed balance of a wallet.
func (e *Engine) GetBalance(ctx context.Context, walletID int64) (Balance, error) {
	w, err := e.Wallet(ctx, walletID)
	if err != nil {
		return Balance{}, err
	}
	return Balance{WalletID: w.ID, Balance: w.Balance, Currency: w.Currency}, nil
}

// ListTransactions pages through a wallet's ledger entries, newest first.
func (e *Engine) ListTransactions(ctx context.Context, filter EntryFilter) (EntryPage, error) {
	if _, err := e.Wallet(ctx, filter.WalletID); err != nil {
		return EntryPage{}, err
	}
	p := normalizePage(filter.Page, filter.PerPage)
	filter.Page, filter.PerPage = p.Page, p.PerPage
	page, err := e.store.ListEntries(ctx, filter)
	if err != nil {
		return EntryPage{}, e.storageError("list entries", err)
	}
	return page, nil
}

// Deposit credits a wallet.
func (e *Engine) Deposit(ctx context.Context, req MovementRequest) (Outcome[MovementReceipt], error) {
	if req.Amount <= 0 {
		return Outcome[MovementReceipt]{}, ErrInvalidAmount
	}

	var owner string
	fp := movementFingerprint(opDeposit, req.WalletID, req.Amount)
	out, err := execute(ctx, e, req.IdempotencyKey, fp, func(ctx context.Context, uow UnitOfWork) (MovementReceipt, error) {
		w, err := uow.LockWallet(ctx, req.WalletID)
		if err != nil {
			return MovementReceipt{}, err
		}
		if w.Balance > math.MaxInt64-req.Amount {
			return MovementReceipt{}, &Error{Code: CodeInvalidAmount, Message: "amount would overflow the wallet balance"}
		}
		owner = w.OwnerName

		newBalance := w.Balance + req.Amount
		if err := uow.SetBalance(ctx, w.ID, newBalance); err != nil {
			return MovementReceipt{}, err
		}
		entry, err := uow.AppendEntry(ctx, Entry{
			WalletID:       w.ID,
			Type:           EntryDeposit,
			Amount:         req.Amount,
			IdempotencyKey: optionalKey(req.IdempotencyKey),
		})
		if err != nil {
			return MovementReceipt{}, err
		}
		return MovementReceipt{
			TransactionID: entry.ID,
			WalletID:      w.ID,
			Type:          EntryDeposit,
			Amount:        req.Amount,
			NewBalance:    newBalance,
		}, nil
	})
	if err != nil {
		return out, err
	}
	e.afterMovement(ctx, out, owner, notification.KindDeposit)
	return out, nil
}

// Withdraw debits a wallet, failing when the locked balance does not cover
// the amount.
func (e *Engine) Withdraw(ctx context.Context, req MovementRequest) (Outcome[MovementReceipt], error) {
	if req.Amount <= 0 {
		return Outcome[MovementReceipt]{}, ErrInvalidAmount
	}

	var owner string
	fp := movementFingerprint(opWithdrawal, req.WalletID, req.Amount)
	out, err := execute(ctx, e, req.IdempotencyKey, fp, func(ctx context.Context, uow UnitOfWork) (MovementReceipt, error) {
		w, err := uow.LockWallet(ctx, req.WalletID)
		if err != nil {
			return MovementReceipt{}, err
		}
		if w.Balance < req.Amount {
			return MovementReceipt{}, insufficientBalance(w.Balance, req.Amount)
		}
		owner = w.OwnerName

		newBalance := w.Balance - req.Amount
		if err := uow.SetBalance(ctx, w.ID, newBalance); err != nil {
			return MovementReceipt{}, err
		}
		entry, err := uow.AppendEntry(ctx, Entry{
			WalletID:       w.ID,
			Type:           EntryWithdrawal,
			Amount:         req.Amount,
			IdempotencyKey: optionalKey(req.IdempotencyKey),
		})
		if err != nil {
			return MovementReceipt{}, err
		}
		return MovementReceipt{
			TransactionID: entry.ID,
			WalletID:      w.ID,
			Type:          EntryWithdrawal,
			Amount:        req.Amount,
			NewBalance:    newBalance,
		}, nil
	})
	if err != nil {
		return out, err
	}
	e.afterMovement(ctx, out, owner, notification.KindWithdrawal)
	return out, nil
}

// Transfer moves funds between two wallets of the same currency. Both rows
// are locked in ascending id order whichever side is the source, so two
// opposite transfers over the same pair can never wait on each other in a
// cycle.
func (e *Engine) Transfer(ctx context.Context, req TransferRequest) (Outcome[TransferReceipt], error) {
	if req.Amount <= 0 {
		return Outcome[TransferReceipt]{}, ErrInvalidAmount
	}
	if req.SourceWalletID == req.TargetWalletID {
		return Outcome[TransferReceipt]{}, ErrSelfTransfer
	}

	source, err := e.Wallet(ctx, req.SourceWalletID)
	if err != nil {
		return Outcome[TransferReceipt]{}, err
	}
	target, err := e.Wallet(ctx, req.TargetWalletID)
	if err != nil {
		return Outcome[TransferReceipt]{}, err
	}
	if source.Currency != target.Currency {
		return Outcome[TransferReceipt]{}, currencyMismatch(source.Currency, target.Currency)
	}

	fp := transferFingerprint(req.SourceWalletID, req.TargetWalletID, req.Amount)
	out, err := execute(ctx, e, req.IdempotencyKey, fp, func(ctx context.Context, uow UnitOfWork) (TransferReceipt, error) {
		locked := make(map[int64]Wallet, 2)
		for _, id := range lockOrder(req.SourceWalletID, req.TargetWalletID) {
			w, err := uow.LockWallet(ctx, id)
			if err != nil {
				return TransferReceipt{}, err
			}
			locked[id] = w
		}
		src, dst := locked[req.SourceWalletID], locked[req.TargetWalletID]

		if src.Balance < req.Amount {
			return TransferReceipt{}, insufficientBalance(src.Balance, req.Amount)
		}
		if dst.Balance > math.MaxInt64-req.Amount {
			return TransferReceipt{}, &Error{Code: CodeInvalidAmount, Message: "amount would overflow the target wallet balance"}
		}
		source, target = src, dst

		srcBalance := src.Balance - req.Amount
		dstBalance := dst.Balance + req.Amount
		if err := uow.SetBalance(ctx, src.ID, srcBalance); err != nil {
			return TransferReceipt{}, err
		}
		if err := uow.SetBalance(ctx, dst.ID, dstBalance); err != nil {
			return TransferReceipt{}, err
		}

		debit, err := uow.AppendEntry(ctx, Entry{
			WalletID:        src.ID,
			Type:            EntryTransferDebit,
			Amount:          req.Amount,
			RelatedWalletID: &dst.ID,
			IdempotencyKey:  optionalKey(req.IdempotencyKey),
			Metadata: map[string]any{
				"transfer_to":           dst.OwnerName,
				"transfer_to_wallet_id": dst.ID,
			},
		})
		if err != nil {
			return TransferReceipt{}, err
		}
		// The credit leg never carries the key: one key, one logical operation.
		credit, err := uow.AppendEntry(ctx, Entry{
			WalletID:        dst.ID,
			Type:            EntryTransferCredit,
			Amount:          req.Amount,
			RelatedWalletID: &src.ID,
			Metadata: map[string]any{
				"transfer_from":           src.OwnerName,
				"transfer_from_wallet_id": src.ID,
			},
		})
		if err != nil {
			return TransferReceipt{}, err
		}

		return TransferReceipt{
			TransferID:          debit.ID,
			SourceWalletID:      src.ID,
			TargetWalletID:      dst.ID,
			Amount:              req.Amount,
			SourceNewBalance:    srcBalance,
			TargetNewBalance:    dstBalance,
			DebitTransactionID:  debit.ID,
			CreditTransactionID: credit.ID,
		}, nil
	})
	if err != nil {
		return out, err
	}

	if out.Replayed() {
		e.logger.Info("ledger transfer replayed",
			slog.Int64("transfer_id", out.Receipt.TransferID),
			slog.String("idempotency_key", req.IdempotencyKey))
		return out, nil
	}
	e.logger.Info("ledger transfer committed",
		slog.Int64("transfer_id", out.Receipt.TransferID),
		slog.Int64("source_wallet_id", out.Receipt.SourceWalletID),
		slog.Int64("target_wallet_id", out.Receipt.TargetWalletID),
		slog.Int64("amount", out.Receipt.Amount))
	e.notify(ctx, notification.Message{
		Kind:        notification.KindTransfer,
		Destination: target.OwnerName,
		Body:        fmt.Sprintf("You received %d %s from wallet %d", req.Amount, target.Currency, source.ID),
	})
	return out, nil
}

// execute runs the idempotency pre-check, the atomic unit of work and the
// idempotency bookkeeping shared by every movement.
func execute[T any](ctx context.Context, e *Engine, key, fp string, apply func(ctx context.Context, uow UnitOfWork) (T, error)) (Outcome[T], error) {
	if key != "" {
		rec, found, err := e.lookup(ctx, key)
		if err != nil {
			return Outcome[T]{}, e.storageError("idempotency lookup", err)
		}
		if found {
			return replay[T](rec, fp)
		}
	}

	var (
		receipt T
		raw     json.RawMessage
		record  IdempotencyRecord
	)
	err := e.store.WithinUnitOfWork(ctx, func(ctx context.Context, uow UnitOfWork) error {
		var err error
		receipt, err = apply(ctx, uow)
		if err != nil {
			return err
		}
		raw, err = json.Marshal(receipt)
		if err != nil {
			return fmt.Errorf("encode receipt: %w", err)
		}
		if key == "" {
			return nil
		}
		record = IdempotencyRecord{Key: key, Fingerprint: fp, Response: raw, CreatedAt: e.now().UTC()}
		return uow.RecordOnce(ctx, record)
	})
	if err != nil {
		if key != "" && errors.Is(err, errKeyTaken) {
			return resolveRace[T](ctx, e, key, fp, err)
		}
		return Outcome[T]{}, e.storageError("unit of work", err)
	}

	if key != "" && e.cache != nil {
		if err := e.cache.Put(ctx, record); err != nil {
			e.logger.Warn("replay cache write failed", slog.String("idempotency_key", key), slog.Any("error", err))
		}
	}
	return Outcome[T]{Status: StatusApplied, Receipt: receipt, Raw: raw}, nil
}

// resolveRace handles a concurrent writer that committed the same key first:
// its record is re-read from the durable store and replayed.
func resolveRace[T any](ctx context.Context, e *Engine, key, fp string, cause error) (Outcome[T], error) {
	rec, found, err := e.store.LookupIdempotency(ctx, key)
	if err != nil {
		return Outcome[T]{}, e.storageError("idempotency re-read", err)
	}
	if !found {
		e.logger.Error("idempotency key taken but no record visible", slog.String("idempotency_key", key), slog.Any("error", cause))
		return Outcome[T]{}, transient(cause)
	}
	e.logger.Warn("idempotency race resolved by replay", slog.String("idempotency_key", key))
	if e.cache != nil {
		if err := e.cache.Put(ctx, rec); err != nil {
			e.logger.Warn("replay cache write failed", slog.String("idempotency_key", key), slog.Any("error", err))
		}
	}
	return replay[T](rec, fp)
}

func replay[T any](rec IdempotencyRecord, fp string) (Outcome[T], error) {
	if rec.Fingerprint != fp {
		return Outcome[T]{}, ErrIdempotencyKeyConflict
	}
	var receipt T
	if err := json.Unmarshal(rec.Response, &receipt); err != nil {
		return Outcome[T]{}, transient(fmt.Errorf("decode stored receipt: %w", err))
	}
	return Outcome[T]{Status: StatusReplayed, Receipt: receipt, Raw: rec.Response}, nil
}

// lookup consults the replay cache and falls back to the durable store,
// warming the cache on a durable hit. Cache failures are never fatal.
func (e *Engine) lookup(ctx context.Context, key string) (IdempotencyRecord, bool, error) {
	if e.cache != nil {
		rec, ok, err := e.cache.Get(ctx, key)
		if err != nil {
			e.logger.Warn("replay cache read failed", slog.String("idempotency_key", key), slog.Any("error", err))
		} else if ok {
			return rec, true, nil
		}
	}

	rec, found, err := e.store.LookupIdempotency(ctx, key)
	if err != nil || !found {
		return IdempotencyRecord{}, false, err
	}
	if e.cache != nil {
		if err := e.cache.Put(ctx, rec); err != nil {
			e.logger.Warn("replay cache write failed", slog.String("idempotency_key", key), slog.Any("error", err))
		}
	}
	return rec, true, nil
}

func (e *Engine) afterMovement(ctx context.Context, out Outcome[MovementReceipt], owner, kind string) {
	r := out.Receipt
	if out.Replayed() {
		e.logger.Info("ledger movement replayed", slog.String("type", string(r.Type)), slog.Int64("transaction_id", r.TransactionID))
		return
	}
	e.logger.Info("ledger movement committed",
		slog.String("type", string(r.Type)),
		slog.Int64("transaction_id", r.TransactionID),
		slog.Int64("wallet_id", r.WalletID),
		slog.Int64("amount", r.Amount),
		slog.Int64("new_balance", r.NewBalance))
	e.notify(ctx, notification.Message{
		Kind:        kind,
		Destination: owner,
		Body:        fmt.Sprintf("%s of %d on wallet %d, new balance %d", r.Type, r.Amount, r.WalletID, r.NewBalance),
	})
}

func (e *Engine) notify(ctx context.Context, msg notification.Message) {
	if e.notifier == nil {
		return
	}
	if err := e.notifier.Send(ctx, msg); err != nil {
		e.logger.Warn("notification failed", slog.String("kind", msg.Kind), slog.Any("error", err))
	}
}

// storageError passes domain errors through and hides everything else
// behind a retryable failure.
func (e *Engine) storageError(op string, err error) error {
	var domainErr *Error
	if errors.As(err, &domainErr) {
		return domainErr
	}
	if errors.Is(err, errLockTimeout) {
		e.logger.Warn("wallet lock timeout", slog.String("op", op), slog.Any("error", err))
		return transient(err)
	}
	e.logger.Error("ledger storage failure", slog.String("op", op), slog.Any("error", err))
	return transient(err)
}

// lockOrder returns the two wallet ids in ascending order.
func lockOrder(a, b int64) [2]int64 {
	if a < b {
		return [2]int64{a, b}
	}
	return [2]int64{b, a}
}

func optionalKey(key string) *string {
	if key == "" {
		return nil
	}
	return &key
}

func validCurrency(code string) bool {
	if len(code) != 3 {
		return false
	}
	for _, r := range code {
		if r < 'A' || r > 'Z' {
			return false
		}
	}
	return true
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }
