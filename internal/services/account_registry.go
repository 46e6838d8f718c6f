package services

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/homelet/backend/internal/audit"
	"github.com/homelet/backend/internal/models"
)

// AccountRegistry exposes wallet and held-revenue balances. Balances are
// caches over the ledger: they move only inside the same transaction as the
// entries that justify them, and Rebuild can re-derive them at any time.
type AccountRegistry struct {
	db    *sql.DB
	audit *audit.Logger
}

func NewAccountRegistry(db *sql.DB) *AccountRegistry {
	return &AccountRegistry{
		db:    db,
		audit: audit.NewLogger(),
	}
}

// GetAccount fetches the full account row.
func (r *AccountRegistry) GetAccount(ctx context.Context, accountID string) (*models.Account, error) {
	var a models.Account
	err := r.db.QueryRowContext(ctx, `
		SELECT account_id, account_name, role, wallet_balance, held_revenue_balance, version, updated_at
		FROM accounts
		WHERE account_id = $1`, accountID).Scan(
		&a.AccountID, &a.AccountName, &a.Role, &a.WalletBalance, &a.HeldRevenueBalance, &a.Version, &a.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, &StoreUnavailableError{Op: "account fetch", Err: err}
	}
	return &a, nil
}

// GetBalance returns the cached balance for one pool.
func (r *AccountRegistry) GetBalance(ctx context.Context, accountID, pool string) (int64, error) {
	acct, err := r.GetAccount(ctx, accountID)
	if err != nil {
		return 0, err
	}
	switch pool {
	case models.PoolWallet:
		return acct.WalletBalance, nil
	case models.PoolHeldRevenue:
		return acct.HeldRevenueBalance, nil
	default:
		return 0, fmt.Errorf("unknown balance pool %q", pool)
	}
}

// Rebuild re-derives a balance by folding all COMMITTED entries for the pool
// in server-assigned order. A mismatch against the cached value is an
// integrity fault: it is logged and returned, never silently corrected.
func (r *AccountRegistry) Rebuild(ctx context.Context, accountID, pool string) (int64, error) {
	cached, err := r.GetBalance(ctx, accountID, pool)
	if err != nil {
		return 0, err
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT direction, amount FROM ledger_entries
		WHERE account_id = $1 AND pool = $2 AND status = $3
		ORDER BY created_at, id`,
		accountID, pool, models.EntryStatusCommitted)
	if err != nil {
		return 0, &StoreUnavailableError{Op: "ledger fold", Err: err}
	}
	defer rows.Close()

	var derived int64
	for rows.Next() {
		var direction string
		var amount int64
		if err := rows.Scan(&direction, &amount); err != nil {
			return 0, &StoreUnavailableError{Op: "ledger fold", Err: err}
		}
		if direction == models.DirectionCredit {
			derived += amount
		} else {
			derived -= amount
		}
	}
	if err := rows.Err(); err != nil {
		return 0, &StoreUnavailableError{Op: "ledger fold", Err: err}
	}

	if derived != cached {
		r.audit.LogIntegrityFault(accountID, pool, cached, derived)
		return derived, &IntegrityFaultError{AccountID: accountID, Pool: pool, Cached: cached, Derived: derived}
	}

	return derived, nil
}

// EnsureAccountTx creates the account row at registration time, inside the
// caller's transaction. Accounts are created once and never deleted.
func (r *AccountRegistry) EnsureAccountTx(tx *sql.Tx, accountID, accountName, role string) error {
	_, err := tx.Exec(`
		INSERT INTO accounts (account_id, account_name, role, wallet_balance, held_revenue_balance, version, updated_at)
		VALUES ($1, $2, $3, 0, 0, 1, NOW())
		ON CONFLICT (account_id) DO NOTHING`,
		accountID, accountName, role)
	if err != nil {
		return &StoreUnavailableError{Op: "account create", Err: err}
	}
	return nil
}

// lockAccountTx takes the row lock that serializes settlements touching the
// account. Callers locking two accounts must lock in account-id order to
// prevent deadlocks.
func lockAccountTx(tx *sql.Tx, accountID string) (*models.Account, error) {
	var a models.Account
	err := tx.QueryRow(`
		SELECT account_id, wallet_balance, held_revenue_balance, version, updated_at
		FROM accounts
		WHERE account_id = $1
		FOR UPDATE`, accountID).Scan(
		&a.AccountID, &a.WalletBalance, &a.HeldRevenueBalance, &a.Version, &a.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, &StoreUnavailableError{Op: "account lock", Err: err}
	}
	return &a, nil
}

// updateBalancesTx writes both cached balances with an optimistic version
// check on top of the row lock. Zero rows affected means a concurrent writer
// got there first despite the lock ordering; the settlement must abort.
func updateBalancesTx(tx *sql.Tx, acct *models.Account) error {
	result, err := tx.Exec(`
		UPDATE accounts
		SET wallet_balance = $1, held_revenue_balance = $2, version = version + 1, updated_at = NOW()
		WHERE account_id = $3 AND version = $4`,
		acct.WalletBalance, acct.HeldRevenueBalance, acct.AccountID, acct.Version)
	if err != nil {
		return &StoreUnavailableError{Op: "balance update", Err: err}
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return &StoreUnavailableError{Op: "balance update", Err: err}
	}
	if rowsAffected == 0 {
		return fmt.Errorf("optimistic lock failed for account %s", acct.AccountID)
	}

	return nil
}
