package ledger

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const defaultLockTimeout = 3 * time.Second

type inMemoryStore struct {
	mu         sync.RWMutex
	wallets    map[int64]Wallet
	locks      map[int64]chan struct{}
	entries    []Entry
	entryKeys  map[string]struct{}
	records    map[string]IdempotencyRecord
	nextWallet int64
	nextEntry  atomic.Int64

	lockTimeout time.Duration
	now         func() time.Time
}

// MemoryOption customises the in-memory store.
type MemoryOption func(*inMemoryStore)

// WithLockTimeout bounds how long a unit of work waits for a wallet lock.
func WithLockTimeout(d time.Duration) MemoryOption {
	return func(s *inMemoryStore) {
		if d > 0 {
			s.lockTimeout = d
		}
	}
}

// NewInMemoryStore creates a concurrency-safe in-memory store useful for unit
// tests and local development. Each wallet has its own exclusive lock; writes
// made inside a unit of work are buffered and applied in one step at commit.
func NewInMemoryStore(opts ...MemoryOption) Store {
	s := &inMemoryStore{
		wallets:     make(map[int64]Wallet),
		locks:       make(map[int64]chan struct{}),
		entryKeys:   make(map[string]struct{}),
		records:     make(map[string]IdempotencyRecord),
		lockTimeout: defaultLockTimeout,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *inMemoryStore) CreateWallet(_ context.Context, ownerName, currency string) (Wallet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextWallet++
	now := s.now().UTC()
	w := Wallet{
		ID:        s.nextWallet,
		OwnerName: ownerName,
		Currency:  currency,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.wallets[w.ID] = w
	s.locks[w.ID] = make(chan struct{}, 1)
	return w, nil
}

func (s *inMemoryStore) Wallet(_ context.Context, id int64) (Wallet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.wallets[id]
	if !ok {
		return Wallet{}, ErrWalletNotFound
	}
	return w, nil
}

func (s *inMemoryStore) ListWallets(_ context.Context, filter WalletFilter) (WalletPage, error) {
	s.mu.RLock()
	matched := make([]Wallet, 0, len(s.wallets))
	owner := strings.ToLower(filter.OwnerName)
	for _, w := range s.wallets {
		if owner != "" && !strings.Contains(strings.ToLower(w.OwnerName), owner) {
			continue
		}
		if filter.Currency != "" && w.Currency != filter.Currency {
			continue
		}
		matched = append(matched, w)
	}
	s.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool { return matched[i].ID > matched[j].ID })

	p := normalizePage(filter.Page, filter.PerPage)
	p.Total = len(matched)
	return WalletPage{Wallets: window(matched, p), Page: p}, nil
}

func (s *inMemoryStore) ListEntries(_ context.Context, filter EntryFilter) (EntryPage, error) {
	s.mu.RLock()
	var matched []Entry
	for i := len(s.entries) - 1; i >= 0; i-- {
		e := s.entries[i]
		if e.WalletID != filter.WalletID {
			continue
		}
		if filter.Type != "" && e.Type != filter.Type {
			continue
		}
		if !filter.From.IsZero() && e.CreatedAt.Before(filter.From) {
			continue
		}
		if !filter.To.IsZero() && e.CreatedAt.After(filter.To) {
			continue
		}
		matched = append(matched, e)
	}
	s.mu.RUnlock()

	// Entries are appended at commit, so ids within one unit of work may
	// land out of order relative to another; sort to keep newest first.
	sort.Slice(matched, func(i, j int) bool { return matched[i].ID > matched[j].ID })

	p := normalizePage(filter.Page, filter.PerPage)
	p.Total = len(matched)
	return EntryPage{Entries: window(matched, p), Page: p}, nil
}

func (s *inMemoryStore) LookupIdempotency(_ context.Context, key string) (IdempotencyRecord, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[key]
	return rec, ok, nil
}

func (s *inMemoryStore) WithinUnitOfWork(ctx context.Context, fn func(ctx context.Context, uow UnitOfWork) error) error {
	u := &memoryUnit{
		store:    s,
		held:     make(map[int64]struct{}, 2),
		balances: make(map[int64]int64, 2),
	}
	defer u.release()

	if err := fn(ctx, u); err != nil {
		return err
	}
	return s.commit(u)
}

// commit applies the buffered writes while the unit still holds its wallet
// locks, so the next holder always reads the committed balance.
func (s *inMemoryStore) commit(u *memoryUnit) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if u.record != nil {
		if _, taken := s.records[u.record.Key]; taken {
			return fmt.Errorf("record %q: %w", u.record.Key, errKeyTaken)
		}
	}
	for _, e := range u.entries {
		if e.IdempotencyKey == nil {
			continue
		}
		if _, taken := s.entryKeys[*e.IdempotencyKey]; taken {
			return fmt.Errorf("entry key %q: %w", *e.IdempotencyKey, errKeyTaken)
		}
	}

	now := s.now().UTC()
	for id, balance := range u.balances {
		w := s.wallets[id]
		w.Balance = balance
		w.UpdatedAt = now
		s.wallets[id] = w
	}
	for _, e := range u.entries {
		if e.IdempotencyKey != nil {
			s.entryKeys[*e.IdempotencyKey] = struct{}{}
		}
		s.entries = append(s.entries, e)
	}
	if u.record != nil {
		s.records[u.record.Key] = *u.record
	}
	return nil
}

type memoryUnit struct {
	store    *inMemoryStore
	held     map[int64]struct{}
	order    []int64
	balances map[int64]int64
	entries  []Entry
	record   *IdempotencyRecord
}

func (u *memoryUnit) LockWallet(ctx context.Context, id int64) (Wallet, error) {
	s := u.store
	s.mu.RLock()
	lock, ok := s.locks[id]
	s.mu.RUnlock()
	if !ok {
		return Wallet{}, ErrWalletNotFound
	}

	if _, mine := u.held[id]; !mine {
		timer := time.NewTimer(s.lockTimeout)
		defer timer.Stop()
		select {
		case lock <- struct{}{}:
		case <-ctx.Done():
			return Wallet{}, fmt.Errorf("lock wallet %d: %w", id, ctx.Err())
		case <-timer.C:
			return Wallet{}, fmt.Errorf("lock wallet %d: %w", id, errLockTimeout)
		}
		u.held[id] = struct{}{}
		u.order = append(u.order, id)
	}

	s.mu.RLock()
	w := s.wallets[id]
	s.mu.RUnlock()
	if balance, dirty := u.balances[id]; dirty {
		w.Balance = balance
	}
	return w, nil
}

func (u *memoryUnit) SetBalance(_ context.Context, id int64, balance int64) error {
	if _, mine := u.held[id]; !mine {
		return fmt.Errorf("set balance of wallet %d without holding its lock", id)
	}
	if balance < 0 {
		return fmt.Errorf("set balance of wallet %d: negative balance %d", id, balance)
	}
	u.balances[id] = balance
	return nil
}

func (u *memoryUnit) AppendEntry(_ context.Context, entry Entry) (Entry, error) {
	if entry.Amount <= 0 {
		return Entry{}, fmt.Errorf("append entry: non-positive amount %d", entry.Amount)
	}
	if !entry.Type.Valid() {
		return Entry{}, fmt.Errorf("append entry: unknown type %q", entry.Type)
	}
	entry.ID = u.store.nextEntry.Add(1)
	entry.CreatedAt = u.store.now().UTC()
	u.entries = append(u.entries, entry)
	return entry, nil
}

func (u *memoryUnit) RecordOnce(_ context.Context, record IdempotencyRecord) error {
	if u.record != nil {
		return fmt.Errorf("record %q: unit of work already holds a record", record.Key)
	}
	u.record = &record
	return nil
}

func (u *memoryUnit) release() {
	for i := len(u.order) - 1; i >= 0; i-- {
		<-u.store.locks[u.order[i]]
	}
	u.order = nil
}

func window[T any](items []T, p Page) []T {
	start := p.offset()
	if start >= len(items) {
		return []T{}
	}
	end := start + p.PerPage
	if end > len(items) {
		end = len(items)
	}
	return items[start:end]
}
