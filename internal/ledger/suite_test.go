package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/congo-pay/wallet_ledger/internal/logging"
)

// runEngineSuite exercises the engine's guarantees against any Store. The
// in-memory run lives in engine_test.go; the Postgres run sits behind the
// integration build tag.
func runEngineSuite(t *testing.T, newStore func(t *testing.T) Store) {
	ctx := context.Background()
	newEngine := func(t *testing.T) *Engine {
		return NewEngine(newStore(t), logging.Discard())
	}

	t.Run("transfer moves funds and writes both legs", func(t *testing.T) {
		e := newEngine(t)
		a := openWallet(t, e, "Alice", "USD", 10_000)
		b := openWallet(t, e, "Bob", "USD", 0)

		out, err := e.Transfer(ctx, TransferRequest{SourceWalletID: a.ID, TargetWalletID: b.ID, Amount: 5_000})
		require.NoError(t, err)
		assert.Equal(t, StatusApplied, out.Status)
		assert.Equal(t, int64(5_000), out.Receipt.SourceNewBalance)
		assert.Equal(t, int64(5_000), out.Receipt.TargetNewBalance)

		assert.Equal(t, int64(5_000), balanceOf(t, e, a.ID))
		assert.Equal(t, int64(5_000), balanceOf(t, e, b.ID))

		debits := entriesOf(t, e, a.ID, EntryTransferDebit)
		require.Len(t, debits, 1)
		assert.Equal(t, int64(5_000), debits[0].Amount)
		require.NotNil(t, debits[0].RelatedWalletID)
		assert.Equal(t, b.ID, *debits[0].RelatedWalletID)
		assert.Equal(t, out.Receipt.DebitTransactionID, debits[0].ID)
		assert.Equal(t, "Bob", debits[0].Metadata["transfer_to"])

		credits := entriesOf(t, e, b.ID, EntryTransferCredit)
		require.Len(t, credits, 1)
		assert.Equal(t, int64(5_000), credits[0].Amount)
		require.NotNil(t, credits[0].RelatedWalletID)
		assert.Equal(t, a.ID, *credits[0].RelatedWalletID)
		assert.Equal(t, out.Receipt.CreditTransactionID, credits[0].ID)
		assert.Nil(t, credits[0].IdempotencyKey)
	})

	t.Run("withdraw beyond balance fails with figures", func(t *testing.T) {
		e := newEngine(t)
		a := openWallet(t, e, "Alice", "USD", 3_000)

		_, err := e.Withdraw(ctx, MovementRequest{WalletID: a.ID, Amount: 5_000})
		require.ErrorIs(t, err, ErrInsufficientBalance)

		var ledgerErr *Error
		require.True(t, errors.As(err, &ledgerErr))
		assert.Equal(t, int64(3_000), ledgerErr.Available)
		assert.Equal(t, int64(5_000), ledgerErr.Requested)
		assert.Equal(t, "Insufficient balance. Available: 3000, Requested: 5000", ledgerErr.Message)

		assert.Equal(t, int64(3_000), balanceOf(t, e, a.ID))
		assert.Len(t, entriesOf(t, e, a.ID, ""), 1)
	})

	t.Run("transfer across currencies is rejected", func(t *testing.T) {
		e := newEngine(t)
		a := openWallet(t, e, "Alice", "USD", 5_000)
		b := openWallet(t, e, "Bob", "EUR", 0)

		_, err := e.Transfer(ctx, TransferRequest{SourceWalletID: a.ID, TargetWalletID: b.ID, Amount: 1_000})
		require.ErrorIs(t, err, ErrCurrencyMismatch)
		assert.Equal(t, int64(5_000), balanceOf(t, e, a.ID))
		assert.Equal(t, int64(0), balanceOf(t, e, b.ID))
	})

	t.Run("repeated deposit with same key is replayed", func(t *testing.T) {
		e := newEngine(t)
		a := openWallet(t, e, "Alice", "USD", 0)
		key := uniqueKey(t, "k1")

		first, err := e.Deposit(ctx, MovementRequest{WalletID: a.ID, Amount: 10_000, IdempotencyKey: key})
		require.NoError(t, err)
		assert.False(t, first.Replayed())
		assert.Equal(t, int64(10_000), first.Receipt.NewBalance)

		second, err := e.Deposit(ctx, MovementRequest{WalletID: a.ID, Amount: 10_000, IdempotencyKey: key})
		require.NoError(t, err)
		assert.True(t, second.Replayed())
		assert.Equal(t, first.Receipt, second.Receipt)
		assert.Equal(t, string(first.Raw), string(second.Raw))

		assert.Equal(t, int64(10_000), balanceOf(t, e, a.ID))
		assert.Len(t, entriesOf(t, e, a.ID, ""), 1)
	})

	t.Run("same key with different amount conflicts", func(t *testing.T) {
		e := newEngine(t)
		a := openWallet(t, e, "Alice", "USD", 0)
		key := uniqueKey(t, "k2")

		_, err := e.Deposit(ctx, MovementRequest{WalletID: a.ID, Amount: 10_000, IdempotencyKey: key})
		require.NoError(t, err)

		_, err = e.Deposit(ctx, MovementRequest{WalletID: a.ID, Amount: 9_999, IdempotencyKey: key})
		require.ErrorIs(t, err, ErrIdempotencyKeyConflict)
		assert.Equal(t, int64(10_000), balanceOf(t, e, a.ID))
	})

	t.Run("key reused for another operation kind conflicts", func(t *testing.T) {
		e := newEngine(t)
		a := openWallet(t, e, "Alice", "USD", 0)
		key := uniqueKey(t, "kind")

		_, err := e.Deposit(ctx, MovementRequest{WalletID: a.ID, Amount: 1_000, IdempotencyKey: key})
		require.NoError(t, err)

		_, err = e.Withdraw(ctx, MovementRequest{WalletID: a.ID, Amount: 1_000, IdempotencyKey: key})
		require.ErrorIs(t, err, ErrIdempotencyKeyConflict)
		assert.Equal(t, int64(1_000), balanceOf(t, e, a.ID))
	})

	t.Run("repeated transfer with same key is replayed", func(t *testing.T) {
		e := newEngine(t)
		a := openWallet(t, e, "Alice", "USD", 10_000)
		b := openWallet(t, e, "Bob", "USD", 0)
		key := uniqueKey(t, "t1")
		req := TransferRequest{SourceWalletID: a.ID, TargetWalletID: b.ID, Amount: 2_500, IdempotencyKey: key}

		first, err := e.Transfer(ctx, req)
		require.NoError(t, err)
		second, err := e.Transfer(ctx, req)
		require.NoError(t, err)

		assert.True(t, second.Replayed())
		assert.Equal(t, first.Receipt, second.Receipt)
		assert.Equal(t, int64(7_500), balanceOf(t, e, a.ID))
		assert.Equal(t, int64(2_500), balanceOf(t, e, b.ID))
		assert.Len(t, entriesOf(t, e, a.ID, EntryTransferDebit), 1)
		assert.Len(t, entriesOf(t, e, b.ID, EntryTransferCredit), 1)

		req.TargetWalletID, req.SourceWalletID = a.ID, b.ID
		_, err = e.Transfer(ctx, req)
		require.ErrorIs(t, err, ErrIdempotencyKeyConflict)
	})

	t.Run("invalid amounts are rejected", func(t *testing.T) {
		e := newEngine(t)
		a := openWallet(t, e, "Alice", "USD", 100)
		b := openWallet(t, e, "Bob", "USD", 0)

		for _, amount := range []int64{0, -5} {
			_, err := e.Deposit(ctx, MovementRequest{WalletID: a.ID, Amount: amount})
			assert.ErrorIs(t, err, ErrInvalidAmount)
			_, err = e.Withdraw(ctx, MovementRequest{WalletID: a.ID, Amount: amount})
			assert.ErrorIs(t, err, ErrInvalidAmount)
			_, err = e.Transfer(ctx, TransferRequest{SourceWalletID: a.ID, TargetWalletID: b.ID, Amount: amount})
			assert.ErrorIs(t, err, ErrInvalidAmount)
		}
		assert.Equal(t, int64(100), balanceOf(t, e, a.ID))
	})

	t.Run("unknown wallets are reported", func(t *testing.T) {
		e := newEngine(t)
		a := openWallet(t, e, "Alice", "USD", 100)
		const missing = int64(1 << 40)

		_, err := e.Deposit(ctx, MovementRequest{WalletID: missing, Amount: 10})
		assert.ErrorIs(t, err, ErrWalletNotFound)
		_, err = e.Transfer(ctx, TransferRequest{SourceWalletID: a.ID, TargetWalletID: missing, Amount: 10})
		assert.ErrorIs(t, err, ErrWalletNotFound)
		_, err = e.GetBalance(ctx, missing)
		assert.ErrorIs(t, err, ErrWalletNotFound)
		_, err = e.ListTransactions(ctx, EntryFilter{WalletID: missing})
		assert.ErrorIs(t, err, ErrWalletNotFound)
	})

	t.Run("concurrent withdrawals never overdraw", func(t *testing.T) {
		e := newEngine(t)
		a := openWallet(t, e, "Alice", "USD", 1_000)

		const workers = 20
		var (
			wg        sync.WaitGroup
			mu        sync.Mutex
			succeeded int
		)
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := e.Withdraw(ctx, MovementRequest{WalletID: a.ID, Amount: 100})
				if err == nil {
					mu.Lock()
					succeeded++
					mu.Unlock()
					return
				}
				if !errors.Is(err, ErrInsufficientBalance) {
					t.Errorf("unexpected withdraw error: %v", err)
				}
			}()
		}
		wg.Wait()

		assert.Equal(t, 10, succeeded)
		assert.Equal(t, int64(0), balanceOf(t, e, a.ID))
	})

	t.Run("opposite transfers on the same pair both complete", func(t *testing.T) {
		e := newEngine(t)
		a := openWallet(t, e, "Alice", "USD", 10_000)
		b := openWallet(t, e, "Bob", "USD", 10_000)

		const rounds = 50
		var wg sync.WaitGroup
		for i := 0; i < rounds; i++ {
			wg.Add(2)
			go func() {
				defer wg.Done()
				if _, err := e.Transfer(ctx, TransferRequest{SourceWalletID: a.ID, TargetWalletID: b.ID, Amount: 30}); err != nil {
					t.Errorf("a->b: %v", err)
				}
			}()
			go func() {
				defer wg.Done()
				if _, err := e.Transfer(ctx, TransferRequest{SourceWalletID: b.ID, TargetWalletID: a.ID, Amount: 70}); err != nil {
					t.Errorf("b->a: %v", err)
				}
			}()
		}
		wg.Wait()

		assert.Equal(t, int64(10_000-rounds*30+rounds*70), balanceOf(t, e, a.ID))
		assert.Equal(t, int64(10_000+rounds*30-rounds*70), balanceOf(t, e, b.ID))
	})

	t.Run("concurrent first use of a key applies once", func(t *testing.T) {
		e := newEngine(t)
		a := openWallet(t, e, "Alice", "USD", 0)
		key := uniqueKey(t, "race")

		const workers = 8
		outcomes := make([]Outcome[MovementReceipt], workers)
		var wg sync.WaitGroup
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				out, err := e.Deposit(ctx, MovementRequest{WalletID: a.ID, Amount: 500, IdempotencyKey: key})
				if err != nil {
					t.Errorf("deposit %d: %v", i, err)
					return
				}
				outcomes[i] = out
			}(i)
		}
		wg.Wait()

		applied := 0
		for _, out := range outcomes {
			if out.Status == StatusApplied {
				applied++
			}
			assert.Equal(t, outcomes[0].Receipt, out.Receipt)
		}
		assert.Equal(t, 1, applied)
		assert.Equal(t, int64(500), balanceOf(t, e, a.ID))
		assert.Len(t, entriesOf(t, e, a.ID, ""), 1)
	})

	t.Run("balances equal deposits minus withdrawals", func(t *testing.T) {
		e := newEngine(t)
		wallets := []Wallet{
			openWallet(t, e, "Alice", "USD", 0),
			openWallet(t, e, "Bob", "USD", 0),
			openWallet(t, e, "Carol", "USD", 0),
		}

		var deposited, withdrawn int64
		for i := 0; i < 30; i++ {
			w := wallets[i%len(wallets)]
			other := wallets[(i+1)%len(wallets)]
			amount := int64(100 + i*7)
			switch i % 3 {
			case 0:
				_, err := e.Deposit(ctx, MovementRequest{WalletID: w.ID, Amount: amount * 3})
				require.NoError(t, err)
				deposited += amount * 3
			case 1:
				if _, err := e.Withdraw(ctx, MovementRequest{WalletID: w.ID, Amount: amount}); err == nil {
					withdrawn += amount
				} else {
					require.ErrorIs(t, err, ErrInsufficientBalance)
				}
			case 2:
				if _, err := e.Transfer(ctx, TransferRequest{SourceWalletID: w.ID, TargetWalletID: other.ID, Amount: amount}); err != nil {
					require.ErrorIs(t, err, ErrInsufficientBalance)
				}
			}
		}

		var total int64
		for _, w := range wallets {
			balance := balanceOf(t, e, w.ID)
			assert.GreaterOrEqual(t, balance, int64(0))
			assert.Equal(t, balance, journalBalance(t, e, w.ID), "journal of wallet %d", w.ID)
			total += balance
		}
		assert.Equal(t, deposited-withdrawn, total)
	})

	t.Run("history is paged newest first", func(t *testing.T) {
		e := newEngine(t)
		a := openWallet(t, e, "Alice", "USD", 0)
		for i := 1; i <= 5; i++ {
			_, err := e.Deposit(ctx, MovementRequest{WalletID: a.ID, Amount: int64(i)})
			require.NoError(t, err)
		}

		page, err := e.ListTransactions(ctx, EntryFilter{WalletID: a.ID, Page: 1, PerPage: 2})
		require.NoError(t, err)
		require.Len(t, page.Entries, 2)
		assert.Equal(t, 5, page.Total)
		assert.Equal(t, 3, page.LastPage())
		assert.Equal(t, int64(5), page.Entries[0].Amount)
		assert.Equal(t, int64(4), page.Entries[1].Amount)

		last, err := e.ListTransactions(ctx, EntryFilter{WalletID: a.ID, Page: 3, PerPage: 2})
		require.NoError(t, err)
		require.Len(t, last.Entries, 1)
		assert.Equal(t, int64(1), last.Entries[0].Amount)
	})

	t.Run("history honours the date window", func(t *testing.T) {
		e := newEngine(t)
		a := openWallet(t, e, "Alice", "USD", 0)
		_, err := e.Deposit(ctx, MovementRequest{WalletID: a.ID, Amount: 700})
		require.NoError(t, err)
		now := time.Now()

		inside, err := e.ListTransactions(ctx, EntryFilter{WalletID: a.ID, From: now.Add(-time.Hour), To: now.Add(time.Hour)})
		require.NoError(t, err)
		require.Len(t, inside.Entries, 1)
		assert.Equal(t, int64(700), inside.Entries[0].Amount)

		before, err := e.ListTransactions(ctx, EntryFilter{WalletID: a.ID, To: now.Add(-time.Hour)})
		require.NoError(t, err)
		assert.Empty(t, before.Entries)
		assert.Zero(t, before.Total)

		after, err := e.ListTransactions(ctx, EntryFilter{WalletID: a.ID, From: now.Add(time.Hour)})
		require.NoError(t, err)
		assert.Empty(t, after.Entries)
	})

	t.Run("owner filter matches wildcards literally", func(t *testing.T) {
		e := newEngine(t)
		marker := uniqueKey(t, "owner")
		pure := openWallet(t, e, marker+" 100% Pure", "USD", 0)
		openWallet(t, e, marker+" 1000 Plain", "USD", 0)
		openWallet(t, e, marker+" a_b", "USD", 0)
		openWallet(t, e, marker+" axb", "USD", 0)

		page, err := e.ListWallets(ctx, WalletFilter{OwnerName: "100%"})
		require.NoError(t, err)
		require.Len(t, page.Wallets, 1)
		assert.Equal(t, pure.ID, page.Wallets[0].ID)

		page, err = e.ListWallets(ctx, WalletFilter{OwnerName: marker + " a_b"})
		require.NoError(t, err)
		require.Len(t, page.Wallets, 1)
		assert.Equal(t, marker+" a_b", page.Wallets[0].OwnerName)
	})
}

func openWallet(t *testing.T, e *Engine, owner, currency string, balance int64) Wallet {
	t.Helper()
	ctx := context.Background()
	w, err := e.CreateWallet(ctx, owner, currency)
	require.NoError(t, err)
	if balance > 0 {
		_, err = e.Deposit(ctx, MovementRequest{WalletID: w.ID, Amount: balance})
		require.NoError(t, err)
		w.Balance = balance
	}
	return w
}

func balanceOf(t *testing.T, e *Engine, walletID int64) int64 {
	t.Helper()
	b, err := e.GetBalance(context.Background(), walletID)
	require.NoError(t, err)
	return b.Balance
}

func entriesOf(t *testing.T, e *Engine, walletID int64, kind EntryType) []Entry {
	t.Helper()
	page, err := e.ListTransactions(context.Background(), EntryFilter{WalletID: walletID, Type: kind, PerPage: maxPerPage})
	require.NoError(t, err)
	return page.Entries
}

// journalBalance replays a wallet's entries into a balance.
func journalBalance(t *testing.T, e *Engine, walletID int64) int64 {
	t.Helper()
	var sum int64
	for page := 1; ; page++ {
		p, err := e.ListTransactions(context.Background(), EntryFilter{WalletID: walletID, Page: page, PerPage: maxPerPage})
		require.NoError(t, err)
		for _, entry := range p.Entries {
			switch entry.Type {
			case EntryDeposit, EntryTransferCredit:
				sum += entry.Amount
			case EntryWithdrawal, EntryTransferDebit:
				sum -= entry.Amount
			}
		}
		if page >= p.LastPage() {
			return sum
		}
	}
}

// uniqueKey keeps keys distinct across runs sharing one database.
func uniqueKey(t *testing.T, prefix string) string {
	t.Helper()
	return prefix + "-" + uuid.NewString()
}
