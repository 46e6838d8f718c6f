package services

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	"github.com/homelet/backend/internal/audit"
	"github.com/homelet/backend/internal/config"
	"github.com/homelet/backend/internal/models"
)

// SettlementEngine is the only component that creates ledger entries. Every
// operation runs as one database transaction: ordered row locks, replay
// lookup, business checks, entry appends, version-checked balance updates.
// A call that times out before the commit acknowledgment can be retried with
// the same idempotency key; the replay lookup turns the retry into a read.
type SettlementEngine struct {
	db         *sql.DB
	store      *LedgerStore
	audit      *audit.Logger
	dispatcher NotificationDispatcher
	cfg        *config.WalletConfig
}

// SettlementResult is returned from every settlement operation. Replayed is
// set when the idempotency key matched a prior committed transfer and no new
// entries were written.
type SettlementResult struct {
	TransferID string               `json:"transfer_id"`
	Entries    []models.LedgerEntry `json:"entries"`
	Replayed   bool                 `json:"replayed"`
}

func NewSettlementEngine(db *sql.DB, dispatcher NotificationDispatcher) *SettlementEngine {
	return &SettlementEngine{
		db:         db,
		store:      NewLedgerStore(db),
		audit:      audit.NewLogger(),
		dispatcher: dispatcher,
		cfg:        config.LoadWalletConfig(),
	}
}

// Store exposes the ledger store backing this engine.
func (e *SettlementEngine) Store() *LedgerStore {
	return e.store
}

// TopUp credits an account's wallet. Amount must be within the configured
// top-up bounds.
func (e *SettlementEngine) TopUp(ctx context.Context, accountID string, amount int64, key string) (*SettlementResult, error) {
	if key == "" {
		return nil, ErrIdempotencyKeyRequired
	}
	if amount <= 0 {
		return nil, &InvalidAmountError{Amount: amount, Reason: "must be positive"}
	}
	if amount < e.cfg.TopUpMin || amount > e.cfg.TopUpMax {
		return nil, &InvalidAmountError{
			Amount: amount,
			Reason: fmt.Sprintf("top-up must be between %d and %d", e.cfg.TopUpMin, e.cfg.TopUpMax),
		}
	}

	draft := models.LedgerEntry{
		EntryID:    key,
		TransferID: key,
		AccountID:  accountID,
		Kind:       models.KindTopUp,
		Direction:  models.DirectionCredit,
		Pool:       models.PoolWallet,
		Amount:     amount,
		Status:     models.EntryStatusCommitted,
	}

	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, &StoreUnavailableError{Op: "begin", Err: err}
	}
	defer tx.Rollback()

	acct, err := lockAccountTx(tx, accountID)
	if err != nil {
		return nil, err
	}

	if res, err := e.replayTx(tx, key, draft); res != nil || err != nil {
		return res, err
	}

	entry, err := e.store.AppendTx(tx, draft)
	if err != nil {
		return nil, err
	}

	acct.WalletBalance += amount
	if err := updateBalancesTx(tx, acct); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, &StoreUnavailableError{Op: "commit", Err: err}
	}

	e.audit.LogSettlement(key, models.KindTopUp, "", accountID, amount, models.EntryStatusCommitted)
	e.notify(accountID, models.KindTopUp, map[string]interface{}{"amount": amount, "transfer_id": key})

	return &SettlementResult{TransferID: key, Entries: []models.LedgerEntry{*entry}}, nil
}

// Withdraw debits an account's wallet for payout to an external destination.
func (e *SettlementEngine) Withdraw(ctx context.Context, accountID string, amount int64, destination, key string) (*SettlementResult, error) {
	if key == "" {
		return nil, ErrIdempotencyKeyRequired
	}
	if amount <= 0 {
		return nil, &InvalidAmountError{Amount: amount, Reason: "must be positive"}
	}
	if amount < e.cfg.WithdrawMin {
		return nil, &InvalidAmountError{
			Amount: amount,
			Reason: fmt.Sprintf("withdrawal must be at least %d", e.cfg.WithdrawMin),
		}
	}

	draft := models.LedgerEntry{
		EntryID:               key,
		TransferID:            key,
		AccountID:             accountID,
		CounterpartyAccountID: destination,
		Kind:                  models.KindWithdrawal,
		Direction:             models.DirectionDebit,
		Pool:                  models.PoolWallet,
		Amount:                amount,
		Status:                models.EntryStatusCommitted,
	}

	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, &StoreUnavailableError{Op: "begin", Err: err}
	}
	defer tx.Rollback()

	acct, err := lockAccountTx(tx, accountID)
	if err != nil {
		return nil, err
	}

	if res, err := e.replayTx(tx, key, draft); res != nil || err != nil {
		return res, err
	}

	if acct.WalletBalance < amount {
		return nil, ErrInsufficientFunds
	}

	entry, err := e.store.AppendTx(tx, draft)
	if err != nil {
		return nil, err
	}

	acct.WalletBalance -= amount
	if err := updateBalancesTx(tx, acct); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, &StoreUnavailableError{Op: "commit", Err: err}
	}

	e.audit.LogSettlement(key, models.KindWithdrawal, accountID, destination, amount, models.EntryStatusCommitted)
	e.notify(accountID, models.KindWithdrawal, map[string]interface{}{"amount": amount, "transfer_id": key})

	return &SettlementResult{TransferID: key, Entries: []models.LedgerEntry{*entry}}, nil
}

// PayRent moves rent from the tenant's wallet to the landlord's held-revenue
// pool: a RENT_PAYMENT debit and a REVENUE_CREDIT credit sharing one transfer
// id, committed together or not at all.
func (e *SettlementEngine) PayRent(ctx context.Context, tenantAccountID, ownerAccountID, contractID string, amount int64, key string) (*SettlementResult, error) {
	if key == "" {
		return nil, ErrIdempotencyKeyRequired
	}
	if amount <= 0 {
		return nil, &InvalidAmountError{Amount: amount, Reason: "must be positive"}
	}
	if tenantAccountID == ownerAccountID {
		return nil, fmt.Errorf("tenant and landlord accounts must differ")
	}

	debit := models.LedgerEntry{
		EntryID:               key + "-D",
		TransferID:            key,
		AccountID:             tenantAccountID,
		CounterpartyAccountID: ownerAccountID,
		Kind:                  models.KindRentPayment,
		Direction:             models.DirectionDebit,
		Pool:                  models.PoolWallet,
		Amount:                amount,
		ContractID:            contractID,
		Status:                models.EntryStatusCommitted,
	}
	credit := models.LedgerEntry{
		EntryID:               key + "-C",
		TransferID:            key,
		AccountID:             ownerAccountID,
		CounterpartyAccountID: tenantAccountID,
		Kind:                  models.KindRevenueCredit,
		Direction:             models.DirectionCredit,
		Pool:                  models.PoolHeldRevenue,
		Amount:                amount,
		ContractID:            contractID,
		Status:                models.EntryStatusCommitted,
	}

	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, &StoreUnavailableError{Op: "begin", Err: err}
	}
	defer tx.Rollback()

	// Lock both accounts in consistent order to prevent deadlocks
	firstLock, secondLock := tenantAccountID, ownerAccountID
	if tenantAccountID > ownerAccountID {
		firstLock, secondLock = ownerAccountID, tenantAccountID
	}

	first, err := lockAccountTx(tx, firstLock)
	if err != nil {
		return nil, err
	}
	second, err := lockAccountTx(tx, secondLock)
	if err != nil {
		return nil, err
	}

	tenant, owner := first, second
	if firstLock != tenantAccountID {
		tenant, owner = second, first
	}

	if res, err := e.replayTx(tx, key, debit, credit); res != nil || err != nil {
		return res, err
	}

	if tenant.WalletBalance < amount {
		return nil, ErrInsufficientFunds
	}

	debitEntry, err := e.store.AppendTx(tx, debit)
	if err != nil {
		return nil, err
	}
	creditEntry, err := e.store.AppendTx(tx, credit)
	if err != nil {
		return nil, err
	}

	tenant.WalletBalance -= amount
	owner.HeldRevenueBalance += amount
	if err := updateBalancesTx(tx, tenant); err != nil {
		return nil, err
	}
	if err := updateBalancesTx(tx, owner); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, &StoreUnavailableError{Op: "commit", Err: err}
	}

	e.audit.LogSettlement(key, models.KindRentPayment, tenantAccountID, ownerAccountID, amount, models.EntryStatusCommitted)
	e.notify(tenantAccountID, models.KindRentPayment, map[string]interface{}{"amount": amount, "contract_id": contractID, "transfer_id": key})
	e.notify(ownerAccountID, models.KindRevenueCredit, map[string]interface{}{"amount": amount, "contract_id": contractID, "transfer_id": key})

	return &SettlementResult{TransferID: key, Entries: []models.LedgerEntry{*debitEntry, *creditEntry}}, nil
}

// TransferHeldRevenue releases a landlord's held revenue into the spendable
// wallet. When a hold period is configured, revenue credited within that
// window stays unreleasable.
func (e *SettlementEngine) TransferHeldRevenue(ctx context.Context, ownerAccountID string, amount int64, key string) (*SettlementResult, error) {
	if key == "" {
		return nil, ErrIdempotencyKeyRequired
	}
	if amount <= 0 {
		return nil, &InvalidAmountError{Amount: amount, Reason: "must be positive"}
	}

	debit := models.LedgerEntry{
		EntryID:    key + "-D",
		TransferID: key,
		AccountID:  ownerAccountID,
		Kind:       models.KindRevenueTransfer,
		Direction:  models.DirectionDebit,
		Pool:       models.PoolHeldRevenue,
		Amount:     amount,
		Status:     models.EntryStatusCommitted,
	}
	credit := models.LedgerEntry{
		EntryID:    key + "-C",
		TransferID: key,
		AccountID:  ownerAccountID,
		Kind:       models.KindRevenueTransfer,
		Direction:  models.DirectionCredit,
		Pool:       models.PoolWallet,
		Amount:     amount,
		Status:     models.EntryStatusCommitted,
	}

	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, &StoreUnavailableError{Op: "begin", Err: err}
	}
	defer tx.Rollback()

	acct, err := lockAccountTx(tx, ownerAccountID)
	if err != nil {
		return nil, err
	}

	if res, err := e.replayTx(tx, key, debit, credit); res != nil || err != nil {
		return res, err
	}

	if acct.HeldRevenueBalance < amount {
		return nil, ErrInsufficientFunds
	}

	if e.cfg.RevenueHoldDays > 0 {
		var inHold int64
		err = tx.QueryRow(`
			SELECT COALESCE(SUM(amount), 0) FROM ledger_entries
			WHERE account_id = $1 AND kind = $2 AND status = $3
			  AND created_at > NOW() - ($4 * INTERVAL '1 day')`,
			ownerAccountID, models.KindRevenueCredit, models.EntryStatusCommitted, e.cfg.RevenueHoldDays).Scan(&inHold)
		if err != nil {
			return nil, &StoreUnavailableError{Op: "hold period check", Err: err}
		}
		if acct.HeldRevenueBalance-inHold < amount {
			return nil, ErrInsufficientFunds
		}
	}

	debitEntry, err := e.store.AppendTx(tx, debit)
	if err != nil {
		return nil, err
	}
	creditEntry, err := e.store.AppendTx(tx, credit)
	if err != nil {
		return nil, err
	}

	acct.HeldRevenueBalance -= amount
	acct.WalletBalance += amount
	if err := updateBalancesTx(tx, acct); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, &StoreUnavailableError{Op: "commit", Err: err}
	}

	e.audit.LogSettlement(key, models.KindRevenueTransfer, ownerAccountID, ownerAccountID, amount, models.EntryStatusCommitted)
	e.notify(ownerAccountID, models.KindRevenueTransfer, map[string]interface{}{"amount": amount, "transfer_id": key})

	return &SettlementResult{TransferID: key, Entries: []models.LedgerEntry{*debitEntry, *creditEntry}}, nil
}

// replayTx looks up a prior transfer with the same idempotency key. It must
// run after the account locks are held: a concurrent duplicate then blocks on
// the lock and, once the first submission commits, observes its entries here
// instead of re-applying the balance change. A full payload match returns the
// prior result; a mismatch is a DuplicateConflict; no match lets the
// settlement proceed.
func (e *SettlementEngine) replayTx(tx *sql.Tx, transferID string, drafts ...models.LedgerEntry) (*SettlementResult, error) {
	existing, err := e.store.findByTransferIDTx(tx, transferID)
	if err != nil {
		return nil, &StoreUnavailableError{Op: "replay lookup", Err: err}
	}
	if len(existing) == 0 {
		return nil, nil
	}

	if len(existing) != len(drafts) {
		return nil, &DuplicateConflictError{EntryID: transferID}
	}
	byEntryID := make(map[string]models.LedgerEntry, len(existing))
	for _, entry := range existing {
		byEntryID[entry.EntryID] = entry
	}
	for i := range drafts {
		want := entryPayloadHash(&drafts[i])
		got, ok := byEntryID[drafts[i].EntryID]
		if !ok || got.PayloadHash != want {
			return nil, &DuplicateConflictError{EntryID: drafts[i].EntryID}
		}
	}

	log.Printf("[SETTLEMENT] Replay detected for transfer %s, returning prior result", transferID)
	return &SettlementResult{TransferID: transferID, Entries: existing, Replayed: true}, nil
}

// notify dispatches a settlement event after commit. Fire-and-forget: a
// dispatch failure never affects the committed settlement.
func (e *SettlementEngine) notify(accountID, eventType string, payload map[string]interface{}) {
	if e.dispatcher == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := e.dispatcher.Notify(ctx, accountID, eventType, payload); err != nil {
			log.Printf("[SETTLEMENT] Notification dispatch failed for account %s: %v", accountID, err)
		}
	}()
}
