package models

import "time"

// TransactionKind names what a submitted transaction does
type TransactionKind string

const (
	TxKindApprove    TransactionKind = "approve"
	TxKindFill       TransactionKind = "fill"
	TxKindClaim      TransactionKind = "claim"
	TxKindChallenge  TransactionKind = "challenge"
	TxKindInvalidate TransactionKind = "invalidate"
	TxKindWithdraw   TransactionKind = "withdraw"
	TxKindProve      TransactionKind = "prove"
	TxKindRelay      TransactionKind = "relay"
)

// TransactionOutcome is how a submission ended
type TransactionOutcome string

const (
	TxOutcomeMined    TransactionOutcome = "mined"
	TxOutcomeReverted TransactionOutcome = "reverted"
	TxOutcomeTimeout  TransactionOutcome = "timeout"
	TxOutcomeFailed   TransactionOutcome = "failed"
)

// Transaction is one journal entry
type Transaction struct {
	ID        int64              `db:"id"`
	ChainID   int64              `db:"chain_id"`
	TxHash    *string            `db:"tx_hash"` // nullable, unset when submission failed
	Kind      TransactionKind    `db:"kind"`
	RequestID *string            `db:"request_id"`
	ClaimID   *int64             `db:"claim_id"`
	Outcome   TransactionOutcome `db:"outcome"`
	Error     *string            `db:"error_message"`
	CreatedAt time.Time          `db:"created_at"`
}
