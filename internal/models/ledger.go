package models

import (
	"time"
)

// Entry kinds. Every monetary movement in the system is one of these.
const (
	KindTopUp           = "TOP_UP"
	KindWithdrawal      = "WITHDRAWAL"
	KindRentPayment     = "RENT_PAYMENT"
	KindRevenueCredit   = "REVENUE_CREDIT"
	KindRevenueTransfer = "REVENUE_TRANSFER"
	KindRefund          = "REFUND"
)

// Entry directions. Amounts are always positive; the direction carries the sign.
const (
	DirectionDebit  = "DEBIT"
	DirectionCredit = "CREDIT"
)

// Balance pools. Rent revenue accrues in the landlord's held pool until it is
// transferred to the spendable wallet pool.
const (
	PoolWallet      = "WALLET"
	PoolHeldRevenue = "HELD_REVENUE"
)

// Entry statuses. COMMITTED -> REVERSED is the only permitted transition and
// is recorded with a compensating entry, never an edit of the amount.
const (
	EntryStatusPending   = "PENDING"
	EntryStatusCommitted = "COMMITTED"
	EntryStatusReversed  = "REVERSED"
)

// LedgerEntry is one immutable row in the wallet ledger. EntryID doubles as
// the idempotency key: a retried settlement re-submits the same EntryID and
// gets the original row back instead of a duplicate. TransferID links the two
// halves of a two-sided movement (rent payment, revenue transfer).
type LedgerEntry struct {
	ID                    int       `json:"id" db:"id"`
	EntryID               string    `json:"entry_id" db:"entry_id"`
	TransferID            string    `json:"transfer_id" db:"transfer_id"`
	AccountID             string    `json:"account_id" db:"account_id"`
	CounterpartyAccountID string    `json:"counterparty_account_id,omitempty" db:"counterparty_account_id"`
	Kind                  string    `json:"kind" db:"kind"`
	Direction             string    `json:"direction" db:"direction"`
	Pool                  string    `json:"pool" db:"pool"`
	Amount                int64     `json:"amount" db:"amount"` // in minor currency units
	ContractID            string    `json:"contract_id,omitempty" db:"contract_id"`
	Status                string    `json:"status" db:"status"`
	PayloadHash           string    `json:"-" db:"payload_hash"`
	ReversalOf            string    `json:"reversal_of,omitempty" db:"reversal_of"`
	CreatedAt             time.Time `json:"created_at" db:"created_at"` // server-assigned
}

// Account holds the cached balances for one party. The ledger is the source
// of truth: both balances must equal the fold of COMMITTED entries and are
// only written inside the same transaction as the entries that move them.
type Account struct {
	AccountID          string    `json:"account_id" db:"account_id"`
	AccountName        string    `json:"account_name" db:"account_name"`
	Role               string    `json:"role" db:"role"` // TENANT or LANDLORD
	WalletBalance      int64     `json:"wallet_balance" db:"wallet_balance"`
	HeldRevenueBalance int64     `json:"held_revenue_balance" db:"held_revenue_balance"`
	Version            int       `json:"version" db:"version"` // for optimistic locking
	UpdatedAt          time.Time `json:"updated_at" db:"updated_at"`
}
