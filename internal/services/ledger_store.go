package services

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"github.com/homelet/backend/internal/models"
)

// LedgerStore is the append-only record of monetary movements and the source
// of truth for balances. Entries are only written through AppendTx inside a
// settlement transaction; nothing ever updates an entry's amount.
type LedgerStore struct {
	db *sql.DB
}

func NewLedgerStore(db *sql.DB) *LedgerStore {
	return &LedgerStore{db: db}
}

// entryPayloadHash fingerprints the fields that define an entry. A retry with
// the same entry_id must carry the same hash; anything else is a conflict.
func entryPayloadHash(e *models.LedgerEntry) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%s|%s|%s|%s|%s|%d|%s",
		e.EntryID, e.TransferID, e.AccountID, e.CounterpartyAccountID,
		e.Kind, e.Direction, e.Pool, e.Amount, e.ContractID)
	return hex.EncodeToString(h.Sum(nil))
}

// AppendTx appends an entry within an open settlement transaction. If an
// entry with the same entry_id already exists it is returned as-is when the
// payload matches (idempotent retry) and rejected with DuplicateConflict when
// it does not.
func (s *LedgerStore) AppendTx(tx *sql.Tx, draft models.LedgerEntry) (*models.LedgerEntry, error) {
	draft.PayloadHash = entryPayloadHash(&draft)

	existing, err := s.findByEntryIDTx(tx, draft.EntryID)
	if err != nil && err != sql.ErrNoRows {
		return nil, &StoreUnavailableError{Op: "ledger lookup", Err: err}
	}
	if err == nil {
		if existing.PayloadHash != draft.PayloadHash {
			return nil, &DuplicateConflictError{EntryID: draft.EntryID}
		}
		return existing, nil
	}

	err = tx.QueryRow(`
		INSERT INTO ledger_entries
		(entry_id, transfer_id, account_id, counterparty_account_id, kind, direction, pool, amount, contract_id, status, payload_hash, reversal_of, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, NOW())
		RETURNING id, created_at`,
		draft.EntryID, draft.TransferID, draft.AccountID, draft.CounterpartyAccountID,
		draft.Kind, draft.Direction, draft.Pool, draft.Amount, draft.ContractID,
		draft.Status, draft.PayloadHash, draft.ReversalOf,
	).Scan(&draft.ID, &draft.CreatedAt)
	if err != nil {
		return nil, &StoreUnavailableError{Op: "ledger append", Err: err}
	}

	return &draft, nil
}

func (s *LedgerStore) findByEntryIDTx(tx *sql.Tx, entryID string) (*models.LedgerEntry, error) {
	var e models.LedgerEntry
	err := tx.QueryRow(`
		SELECT id, entry_id, transfer_id, account_id, counterparty_account_id, kind, direction, pool, amount, contract_id, status, payload_hash, reversal_of, created_at
		FROM ledger_entries
		WHERE entry_id = $1`, entryID).Scan(
		&e.ID, &e.EntryID, &e.TransferID, &e.AccountID, &e.CounterpartyAccountID,
		&e.Kind, &e.Direction, &e.Pool, &e.Amount, &e.ContractID,
		&e.Status, &e.PayloadHash, &e.ReversalOf, &e.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (s *LedgerStore) findByTransferIDTx(tx *sql.Tx, transferID string) ([]models.LedgerEntry, error) {
	rows, err := tx.Query(`
		SELECT id, entry_id, transfer_id, account_id, counterparty_account_id, kind, direction, pool, amount, contract_id, status, payload_hash, reversal_of, created_at
		FROM ledger_entries
		WHERE transfer_id = $1
		ORDER BY id`, transferID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEntries(rows)
}

// GetEntry fetches one entry by its entry id.
func (s *LedgerStore) GetEntry(ctx context.Context, entryID string) (*models.LedgerEntry, error) {
	var e models.LedgerEntry
	err := s.db.QueryRowContext(ctx, `
		SELECT id, entry_id, transfer_id, account_id, counterparty_account_id, kind, direction, pool, amount, contract_id, status, payload_hash, reversal_of, created_at
		FROM ledger_entries
		WHERE entry_id = $1`, entryID).Scan(
		&e.ID, &e.EntryID, &e.TransferID, &e.AccountID, &e.CounterpartyAccountID,
		&e.Kind, &e.Direction, &e.Pool, &e.Amount, &e.ContractID,
		&e.Status, &e.PayloadHash, &e.ReversalOf, &e.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrEntryNotFound
	}
	if err != nil {
		return nil, &StoreUnavailableError{Op: "entry fetch", Err: err}
	}
	return &e, nil
}

// ListByAccount returns an account's entries ordered by server-assigned
// creation time (then row id, so the order is total). The offset makes the
// listing restartable.
func (s *LedgerStore) ListByAccount(ctx context.Context, accountID, kind string, limit, offset int) ([]models.LedgerEntry, error) {
	query := `
		SELECT id, entry_id, transfer_id, account_id, counterparty_account_id, kind, direction, pool, amount, contract_id, status, payload_hash, reversal_of, created_at
		FROM ledger_entries
		WHERE account_id = $1`
	args := []interface{}{accountID}

	if kind != "" {
		query += fmt.Sprintf(" AND kind = $%d", len(args)+1)
		args = append(args, kind)
	}

	query += " ORDER BY created_at, id"
	query += fmt.Sprintf(" LIMIT $%d OFFSET $%d", len(args)+1, len(args)+2)
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, &StoreUnavailableError{Op: "ledger list", Err: err}
	}
	defer rows.Close()
	return scanEntries(rows)
}

// CountCommittedRentPayments counts committed rent payment debits for a
// contract. The due-date scheduler derives the next due date from this count.
func (s *LedgerStore) CountCommittedRentPayments(ctx context.Context, contractID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM ledger_entries
		WHERE contract_id = $1 AND kind = $2 AND direction = $3 AND status = $4`,
		contractID, models.KindRentPayment, models.DirectionDebit, models.EntryStatusCommitted).Scan(&count)
	if err != nil {
		return 0, &StoreUnavailableError{Op: "rent payment count", Err: err}
	}
	return count, nil
}

// Reverse backs out a committed entry together with every other committed
// entry sharing its transfer id: a transfer's halves stand or fall together,
// so reversing one side alone would mint or destroy value. Each original
// transitions to REVERSED (the one status change the ledger permits) and gets
// a compensating REFUND entry with the opposite direction, cross-referencing
// it. The cached balances of every touched account move in the same
// transaction. Reversing an already reversed entry returns the existing
// compensating entry.
func (s *LedgerStore) Reverse(ctx context.Context, entryID string) (*models.LedgerEntry, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, &StoreUnavailableError{Op: "begin", Err: err}
	}
	defer tx.Rollback()

	var original models.LedgerEntry
	err = tx.QueryRow(`
		SELECT id, entry_id, transfer_id, account_id, counterparty_account_id, kind, direction, pool, amount, contract_id, status, payload_hash, reversal_of, created_at
		FROM ledger_entries
		WHERE entry_id = $1
		FOR UPDATE`, entryID).Scan(
		&original.ID, &original.EntryID, &original.TransferID, &original.AccountID, &original.CounterpartyAccountID,
		&original.Kind, &original.Direction, &original.Pool, &original.Amount, &original.ContractID,
		&original.Status, &original.PayloadHash, &original.ReversalOf, &original.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrEntryNotFound
	}
	if err != nil {
		return nil, &StoreUnavailableError{Op: "entry lookup", Err: err}
	}

	if original.Status == models.EntryStatusReversed {
		var comp models.LedgerEntry
		err = tx.QueryRow(`
			SELECT id, entry_id, transfer_id, account_id, counterparty_account_id, kind, direction, pool, amount, contract_id, status, payload_hash, reversal_of, created_at
			FROM ledger_entries
			WHERE reversal_of = $1`, entryID).Scan(
			&comp.ID, &comp.EntryID, &comp.TransferID, &comp.AccountID, &comp.CounterpartyAccountID,
			&comp.Kind, &comp.Direction, &comp.Pool, &comp.Amount, &comp.ContractID,
			&comp.Status, &comp.PayloadHash, &comp.ReversalOf, &comp.CreatedAt)
		if err != nil {
			return nil, &StoreUnavailableError{Op: "reversal lookup", Err: err}
		}
		return &comp, nil
	}

	if original.Status != models.EntryStatusCommitted {
		return nil, fmt.Errorf("only committed entries can be reversed, entry %s is %s", entryID, original.Status)
	}

	// All committed entries of the transfer, the requested one included.
	targets, err := s.lockTransferEntriesTx(tx, original.TransferID)
	if err != nil {
		return nil, &StoreUnavailableError{Op: "transfer lookup", Err: err}
	}

	accountIDs := []string{}
	seen := map[string]bool{}
	for _, entry := range targets {
		if !seen[entry.AccountID] {
			seen[entry.AccountID] = true
			accountIDs = append(accountIDs, entry.AccountID)
		}
	}
	// Lock accounts in id order, same discipline as settlement
	sort.Strings(accountIDs)
	accounts := make(map[string]*models.Account, len(accountIDs))
	for _, id := range accountIDs {
		acct, err := lockAccountTx(tx, id)
		if err != nil {
			return nil, err
		}
		accounts[id] = acct
	}

	var requested *models.LedgerEntry
	for i := range targets {
		target := targets[i]

		if _, err := tx.Exec(`
			UPDATE ledger_entries SET status = $1 WHERE entry_id = $2`,
			models.EntryStatusReversed, target.EntryID); err != nil {
			return nil, &StoreUnavailableError{Op: "status transition", Err: err}
		}

		direction := models.DirectionDebit
		if target.Direction == models.DirectionDebit {
			direction = models.DirectionCredit
		}
		comp := models.LedgerEntry{
			EntryID:               "REV-" + uuid.NewString(),
			TransferID:            target.TransferID,
			AccountID:             target.AccountID,
			CounterpartyAccountID: target.CounterpartyAccountID,
			Kind:                  models.KindRefund,
			Direction:             direction,
			Pool:                  target.Pool,
			Amount:                target.Amount,
			ContractID:            target.ContractID,
			Status:                models.EntryStatusReversed,
			ReversalOf:            target.EntryID,
		}
		appended, err := s.AppendTx(tx, comp)
		if err != nil {
			return nil, err
		}
		if target.EntryID == entryID {
			requested = appended
		}

		// Back out the original's effect from the cached balance.
		delta := target.Amount
		if target.Direction == models.DirectionDebit {
			delta = -delta
		}
		acct := accounts[target.AccountID]
		switch target.Pool {
		case models.PoolWallet:
			acct.WalletBalance -= delta
		case models.PoolHeldRevenue:
			acct.HeldRevenueBalance -= delta
		}
	}

	for _, id := range accountIDs {
		if err := updateBalancesTx(tx, accounts[id]); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, &StoreUnavailableError{Op: "commit", Err: err}
	}

	if requested == nil {
		return nil, ErrEntryNotFound
	}
	return requested, nil
}

// lockTransferEntriesTx locks and returns a transfer's committed entries in
// insertion order. Prior refunds carry REVERSED status, so they never match.
func (s *LedgerStore) lockTransferEntriesTx(tx *sql.Tx, transferID string) ([]models.LedgerEntry, error) {
	rows, err := tx.Query(`
		SELECT id, entry_id, transfer_id, account_id, counterparty_account_id, kind, direction, pool, amount, contract_id, status, payload_hash, reversal_of, created_at
		FROM ledger_entries
		WHERE transfer_id = $1 AND status = $2
		ORDER BY id
		FOR UPDATE`, transferID, models.EntryStatusCommitted)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEntries(rows)
}

func scanEntries(rows *sql.Rows) ([]models.LedgerEntry, error) {
	entries := []models.LedgerEntry{}
	for rows.Next() {
		var e models.LedgerEntry
		if err := rows.Scan(
			&e.ID, &e.EntryID, &e.TransferID, &e.AccountID, &e.CounterpartyAccountID,
			&e.Kind, &e.Direction, &e.Pool, &e.Amount, &e.ContractID,
			&e.Status, &e.PayloadHash, &e.ReversalOf, &e.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
