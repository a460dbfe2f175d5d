package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// Status tells a fresh execution apart from an idempotent replay.
type Status string

const (
	StatusApplied  Status = "applied"
	StatusReplayed Status = "replayed"
)

// Outcome is the success result of a money movement. Raw holds the exact
// receipt bytes; a replay returns the bytes stored by the original call.
type Outcome[T any] struct {
	Status  Status
	Receipt T
	Raw     json.RawMessage
}

// Replayed reports whether the outcome was served from the idempotency cache.
func (o Outcome[T]) Replayed() bool { return o.Status == StatusReplayed }

// MovementReceipt describes a committed deposit or withdrawal.
type MovementReceipt struct {
	TransactionID int64     `json:"transaction_id"`
	WalletID      int64     `json:"wallet_id"`
	Type          EntryType `json:"type"`
	Amount        int64     `json:"amount"`
	NewBalance    int64     `json:"new_balance"`
}

// TransferReceipt describes a committed transfer. TransferID is the debit
// entry id.
type TransferReceipt struct {
	TransferID          int64 `json:"transfer_id"`
	SourceWalletID      int64 `json:"source_wallet_id"`
	TargetWalletID      int64 `json:"target_wallet_id"`
	Amount              int64 `json:"amount"`
	SourceNewBalance    int64 `json:"source_new_balance"`
	TargetNewBalance    int64 `json:"target_new_balance"`
	DebitTransactionID  int64 `json:"debit_transaction_id"`
	CreditTransactionID int64 `json:"credit_transaction_id"`
}

type operation string

const (
	opDeposit    operation = "deposit"
	opWithdrawal operation = "withdrawal"
	opTransfer   operation = "transfer"
)

// fingerprintInput is marshalled in field order, which keeps the hash stable.
type fingerprintInput struct {
	Op             operation `json:"op"`
	WalletID       int64     `json:"wallet_id,omitempty"`
	SourceWalletID int64     `json:"source_wallet_id,omitempty"`
	TargetWalletID int64     `json:"target_wallet_id,omitempty"`
	Amount         int64     `json:"amount"`
}

// fingerprint hashes the semantically relevant request fields. The
// operation kind is part of the input, so one key cannot be replayed
// across deposit and withdrawal of the same amount.
func fingerprint(in fingerprintInput) string {
	payload, _ := json.Marshal(in)
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

func movementFingerprint(op operation, walletID, amount int64) string {
	return fingerprint(fingerprintInput{Op: op, WalletID: walletID, Amount: amount})
}

func transferFingerprint(sourceID, targetID, amount int64) string {
	return fingerprint(fingerprintInput{Op: opTransfer, SourceWalletID: sourceID, TargetWalletID: targetID, Amount: amount})
}
