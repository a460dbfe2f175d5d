package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// SQLSTATE codes the store reacts to.
const (
	pgUniqueViolation  = "23505"
	pgLockNotAvailable = "55P03"
)

// PostgresStore persists wallets, ledger entries and idempotency records in
// PostgreSQL. Every unit of work is one transaction; wallet rows are locked
// with SELECT ... FOR UPDATE.
type PostgresStore struct {
	db          *pgxpool.Pool
	lockTimeout time.Duration
}

// NewPostgresStore constructs a Postgres-backed store. lock_timeout has
// millisecond resolution and 0 disables it, so shorter timeouts are raised
// to one millisecond.
func NewPostgresStore(db *pgxpool.Pool, lockTimeout time.Duration) *PostgresStore {
	switch {
	case lockTimeout <= 0:
		lockTimeout = defaultLockTimeout
	case lockTimeout < time.Millisecond:
		lockTimeout = time.Millisecond
	}
	return &PostgresStore{db: db, lockTimeout: lockTimeout}
}

const walletColumns = `id, owner_name, currency, balance, created_at, updated_at`

func scanWallet(row pgx.Row) (Wallet, error) {
	var w Wallet
	err := row.Scan(&w.ID, &w.OwnerName, &w.Currency, &w.Balance, &w.CreatedAt, &w.UpdatedAt)
	return w, err
}

// CreateWallet inserts a wallet with a zero balance.
func (s *PostgresStore) CreateWallet(ctx context.Context, ownerName, currency string) (Wallet, error) {
	row := s.db.QueryRow(ctx, `INSERT INTO wallets (owner_name, currency) VALUES ($1, $2)
        RETURNING `+walletColumns, ownerName, currency)
	w, err := scanWallet(row)
	if err != nil {
		return Wallet{}, fmt.Errorf("insert wallet: %w", err)
	}
	return w, nil
}

// Wallet returns the committed wallet row.
func (s *PostgresStore) Wallet(ctx context.Context, id int64) (Wallet, error) {
	w, err := scanWallet(s.db.QueryRow(ctx, `SELECT `+walletColumns+` FROM wallets WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Wallet{}, ErrWalletNotFound
		}
		return Wallet{}, fmt.Errorf("select wallet %d: %w", id, err)
	}
	return w, nil
}

// ListWallets returns one newest-first page of wallets.
func (s *PostgresStore) ListWallets(ctx context.Context, filter WalletFilter) (WalletPage, error) {
	var (
		where []string
		args  []any
	)
	if filter.OwnerName != "" {
		args = append(args, escapeLike(filter.OwnerName))
		where = append(where, fmt.Sprintf(`owner_name ILIKE '%%' || $%d || '%%'`, len(args)))
	}
	if filter.Currency != "" {
		args = append(args, filter.Currency)
		where = append(where, fmt.Sprintf(`currency = $%d`, len(args)))
	}
	clause := whereClause(where)

	p := normalizePage(filter.Page, filter.PerPage)
	if err := s.db.QueryRow(ctx, `SELECT COUNT(*) FROM wallets`+clause, args...).Scan(&p.Total); err != nil {
		return WalletPage{}, fmt.Errorf("count wallets: %w", err)
	}

	args = append(args, p.PerPage, p.offset())
	query := fmt.Sprintf(`SELECT %s FROM wallets%s ORDER BY id DESC LIMIT $%d OFFSET $%d`,
		walletColumns, clause, len(args)-1, len(args))
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return WalletPage{}, fmt.Errorf("list wallets: %w", err)
	}
	defer rows.Close()

	wallets := []Wallet{}
	for rows.Next() {
		w, err := scanWallet(rows)
		if err != nil {
			return WalletPage{}, fmt.Errorf("scan wallet: %w", err)
		}
		wallets = append(wallets, w)
	}
	if err := rows.Err(); err != nil {
		return WalletPage{}, fmt.Errorf("list wallets: %w", err)
	}
	return WalletPage{Wallets: wallets, Page: p}, nil
}

// ListEntries returns one newest-first page of a wallet's ledger entries.
func (s *PostgresStore) ListEntries(ctx context.Context, filter EntryFilter) (EntryPage, error) {
	where := []string{`wallet_id = $1`}
	args := []any{filter.WalletID}
	if filter.Type != "" {
		args = append(args, string(filter.Type))
		where = append(where, fmt.Sprintf(`type = $%d`, len(args)))
	}
	if !filter.From.IsZero() {
		args = append(args, filter.From)
		where = append(where, fmt.Sprintf(`created_at >= $%d`, len(args)))
	}
	if !filter.To.IsZero() {
		args = append(args, filter.To)
		where = append(where, fmt.Sprintf(`created_at <= $%d`, len(args)))
	}
	clause := whereClause(where)

	p := normalizePage(filter.Page, filter.PerPage)
	if err := s.db.QueryRow(ctx, `SELECT COUNT(*) FROM ledger_entries`+clause, args...).Scan(&p.Total); err != nil {
		return EntryPage{}, fmt.Errorf("count entries: %w", err)
	}

	args = append(args, p.PerPage, p.offset())
	query := fmt.Sprintf(`SELECT id, wallet_id, type, amount, related_wallet_id, idempotency_key, metadata, created_at
        FROM ledger_entries%s ORDER BY id DESC LIMIT $%d OFFSET $%d`, clause, len(args)-1, len(args))
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return EntryPage{}, fmt.Errorf("list entries: %w", err)
	}
	defer rows.Close()

	entries := []Entry{}
	for rows.Next() {
		var (
			e        Entry
			kind     string
			metadata []byte
		)
		if err := rows.Scan(&e.ID, &e.WalletID, &kind, &e.Amount, &e.RelatedWalletID, &e.IdempotencyKey, &metadata, &e.CreatedAt); err != nil {
			return EntryPage{}, fmt.Errorf("scan entry: %w", err)
		}
		e.Type = EntryType(kind)
		if len(metadata) > 0 {
			if err := json.Unmarshal(metadata, &e.Metadata); err != nil {
				return EntryPage{}, fmt.Errorf("decode entry %d metadata: %w", e.ID, err)
			}
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return EntryPage{}, fmt.Errorf("list entries: %w", err)
	}
	return EntryPage{Entries: entries, Page: p}, nil
}

// LookupIdempotency reads the durable idempotency record for key.
func (s *PostgresStore) LookupIdempotency(ctx context.Context, key string) (IdempotencyRecord, bool, error) {
	const query = `SELECT idempotency_key, fingerprint, response, created_at
        FROM idempotency_records WHERE idempotency_key = $1`
	var rec IdempotencyRecord
	var response []byte
	if err := s.db.QueryRow(ctx, query, key).Scan(&rec.Key, &rec.Fingerprint, &response, &rec.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return IdempotencyRecord{}, false, nil
		}
		return IdempotencyRecord{}, false, fmt.Errorf("select idempotency record: %w", err)
	}
	rec.Response = response
	return rec, true, nil
}

// WithinUnitOfWork runs fn inside one transaction with a bounded lock wait.
func (s *PostgresStore) WithinUnitOfWork(ctx context.Context, fn func(ctx context.Context, uow UnitOfWork) error) error {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx) // nolint:errcheck

	if _, err := tx.Exec(ctx, fmt.Sprintf(`SET LOCAL lock_timeout = '%dms'`, s.lockTimeout.Milliseconds())); err != nil {
		return fmt.Errorf("set lock timeout: %w", err)
	}

	if err := fn(ctx, &pgUnit{tx: tx}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return classify(fmt.Errorf("commit: %w", err))
	}
	return nil
}

type pgUnit struct {
	tx pgx.Tx
}

func (u *pgUnit) LockWallet(ctx context.Context, id int64) (Wallet, error) {
	w, err := scanWallet(u.tx.QueryRow(ctx, `SELECT `+walletColumns+` FROM wallets WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Wallet{}, ErrWalletNotFound
		}
		return Wallet{}, classify(fmt.Errorf("lock wallet %d: %w", id, err))
	}
	return w, nil
}

func (u *pgUnit) SetBalance(ctx context.Context, id int64, balance int64) error {
	tag, err := u.tx.Exec(ctx, `UPDATE wallets SET balance = $2, updated_at = NOW() WHERE id = $1`, id, balance)
	if err != nil {
		return classify(fmt.Errorf("update wallet %d: %w", id, err))
	}
	if tag.RowsAffected() != 1 {
		return ErrWalletNotFound
	}
	return nil
}

func (u *pgUnit) AppendEntry(ctx context.Context, entry Entry) (Entry, error) {
	var metadata []byte
	if len(entry.Metadata) > 0 {
		var err error
		if metadata, err = json.Marshal(entry.Metadata); err != nil {
			return Entry{}, fmt.Errorf("encode entry metadata: %w", err)
		}
	}
	const query = `INSERT INTO ledger_entries (wallet_id, type, amount, related_wallet_id, idempotency_key, metadata)
        VALUES ($1, $2, $3, $4, $5, $6) RETURNING id, created_at`
	err := u.tx.QueryRow(ctx, query, entry.WalletID, string(entry.Type), entry.Amount,
		entry.RelatedWalletID, entry.IdempotencyKey, metadata).Scan(&entry.ID, &entry.CreatedAt)
	if err != nil {
		return Entry{}, classify(fmt.Errorf("insert entry: %w", err))
	}
	return entry, nil
}

func (u *pgUnit) RecordOnce(ctx context.Context, record IdempotencyRecord) error {
	const query = `INSERT INTO idempotency_records (idempotency_key, fingerprint, response, created_at)
        VALUES ($1, $2, $3, $4)`
	if _, err := u.tx.Exec(ctx, query, record.Key, record.Fingerprint, []byte(record.Response), record.CreatedAt); err != nil {
		return classify(fmt.Errorf("insert idempotency record: %w", err))
	}
	return nil
}

// classify tags the Postgres failures the engine treats specially. Anything
// else, deadlocks and serialization failures included, stays as is and is
// reported as a transient failure.
func classify(err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch pgErr.Code {
	case pgUniqueViolation:
		if strings.Contains(pgErr.ConstraintName, "idempotency") {
			return fmt.Errorf("%w: %w", errKeyTaken, err)
		}
	case pgLockNotAvailable:
		return fmt.Errorf("%w: %w", errLockTimeout, err)
	}
	return err
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// escapeLike makes s match literally inside a LIKE pattern, using the
// default backslash escape.
func escapeLike(s string) string {
	return likeEscaper.Replace(s)
}

func whereClause(conds []string) string {
	if len(conds) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(conds, " AND ")
}
