package services

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"

	"github.com/homelet/backend/internal/models"
)

var entryColumns = []string{
	"id", "entry_id", "transfer_id", "account_id", "counterparty_account_id",
	"kind", "direction", "pool", "amount", "contract_id",
	"status", "payload_hash", "reversal_of", "created_at",
}

func entryRow(e models.LedgerEntry) *sqlmock.Rows {
	return sqlmock.NewRows(entryColumns).AddRow(
		e.ID, e.EntryID, e.TransferID, e.AccountID, e.CounterpartyAccountID,
		e.Kind, e.Direction, e.Pool, e.Amount, e.ContractID,
		e.Status, e.PayloadHash, e.ReversalOf, e.CreatedAt)
}

func topUpDraft(entryID, accountID string, amount int64) models.LedgerEntry {
	return models.LedgerEntry{
		EntryID:    entryID,
		TransferID: entryID,
		AccountID:  accountID,
		Kind:       models.KindTopUp,
		Direction:  models.DirectionCredit,
		Pool:       models.PoolWallet,
		Amount:     amount,
		Status:     models.EntryStatusCommitted,
	}
}

func TestLedgerStore_AppendTx(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	store := NewLedgerStore(db)

	t.Run("appends new entry", func(t *testing.T) {
		draft := topUpDraft("key-1", "1000000001", 500)

		mock.ExpectBegin()
		mock.ExpectQuery("FROM ledger_entries WHERE entry_id = \\$1").
			WithArgs("key-1").
			WillReturnError(sql.ErrNoRows)
		mock.ExpectQuery("INSERT INTO ledger_entries").
			WithArgs("key-1", "key-1", "1000000001", "", models.KindTopUp,
				models.DirectionCredit, models.PoolWallet, int64(500), "",
				models.EntryStatusCommitted, sqlmock.AnyArg(), "").
			WillReturnRows(sqlmock.NewRows([]string{"id", "created_at"}).AddRow(1, time.Now()))
		mock.ExpectCommit()

		tx, _ := db.Begin()
		entry, err := store.AppendTx(tx, draft)
		assert.NoError(t, err)
		assert.Equal(t, "key-1", entry.EntryID)
		assert.Equal(t, int64(500), entry.Amount)
		assert.NotEmpty(t, entry.PayloadHash)
		assert.NoError(t, tx.Commit())
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("same key and payload returns existing entry", func(t *testing.T) {
		draft := topUpDraft("key-1", "1000000001", 500)
		existing := draft
		existing.ID = 1
		existing.PayloadHash = entryPayloadHash(&draft)
		existing.CreatedAt = time.Now()

		mock.ExpectBegin()
		mock.ExpectQuery("FROM ledger_entries WHERE entry_id = \\$1").
			WithArgs("key-1").
			WillReturnRows(entryRow(existing))
		mock.ExpectRollback()

		tx, _ := db.Begin()
		entry, err := store.AppendTx(tx, draft)
		assert.NoError(t, err)
		assert.Equal(t, 1, entry.ID)
		tx.Rollback()
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("same key with different payload is a conflict", func(t *testing.T) {
		original := topUpDraft("key-1", "1000000001", 500)
		existing := original
		existing.ID = 1
		existing.PayloadHash = entryPayloadHash(&original)
		existing.CreatedAt = time.Now()

		// Same idempotency key, different amount.
		draft := topUpDraft("key-1", "1000000001", 900)

		mock.ExpectBegin()
		mock.ExpectQuery("FROM ledger_entries WHERE entry_id = \\$1").
			WithArgs("key-1").
			WillReturnRows(entryRow(existing))
		mock.ExpectRollback()

		tx, _ := db.Begin()
		_, err := store.AppendTx(tx, draft)
		var conflict *DuplicateConflictError
		assert.ErrorAs(t, err, &conflict)
		assert.Equal(t, "key-1", conflict.EntryID)
		tx.Rollback()
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestLedgerStore_GetEntry(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	store := NewLedgerStore(db)

	t.Run("unknown entry", func(t *testing.T) {
		mock.ExpectQuery("FROM ledger_entries WHERE entry_id = \\$1").
			WithArgs("missing").
			WillReturnError(sql.ErrNoRows)

		_, err := store.GetEntry(context.Background(), "missing")
		assert.ErrorIs(t, err, ErrEntryNotFound)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("store failure is retry-safe", func(t *testing.T) {
		mock.ExpectQuery("FROM ledger_entries WHERE entry_id = \\$1").
			WithArgs("key-1").
			WillReturnError(errors.New("connection reset"))

		_, err := store.GetEntry(context.Background(), "key-1")
		var unavailable *StoreUnavailableError
		assert.ErrorAs(t, err, &unavailable)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestLedgerStore_ListByAccount(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	store := NewLedgerStore(db)

	t.Run("lists in server-assigned order", func(t *testing.T) {
		first := topUpDraft("key-1", "1000000001", 500)
		first.ID = 1
		second := topUpDraft("key-2", "1000000001", 700)
		second.ID = 2

		rows := entryRow(first).AddRow(
			second.ID, second.EntryID, second.TransferID, second.AccountID, second.CounterpartyAccountID,
			second.Kind, second.Direction, second.Pool, second.Amount, second.ContractID,
			second.Status, second.PayloadHash, second.ReversalOf, second.CreatedAt)

		mock.ExpectQuery("FROM ledger_entries WHERE account_id = \\$1 ORDER BY created_at, id LIMIT \\$2 OFFSET \\$3").
			WithArgs("1000000001", 50, 0).
			WillReturnRows(rows)

		entries, err := store.ListByAccount(context.Background(), "1000000001", "", 50, 0)
		assert.NoError(t, err)
		assert.Len(t, entries, 2)
		assert.Equal(t, "key-1", entries[0].EntryID)
		assert.Equal(t, "key-2", entries[1].EntryID)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("kind filter", func(t *testing.T) {
		mock.ExpectQuery("FROM ledger_entries WHERE account_id = \\$1 AND kind = \\$2 ORDER BY created_at, id LIMIT \\$3 OFFSET \\$4").
			WithArgs("1000000001", models.KindRentPayment, 10, 20).
			WillReturnRows(sqlmock.NewRows(entryColumns))

		entries, err := store.ListByAccount(context.Background(), "1000000001", models.KindRentPayment, 10, 20)
		assert.NoError(t, err)
		assert.Empty(t, entries)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestLedgerStore_CountCommittedRentPayments(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	store := NewLedgerStore(db)

	mock.ExpectQuery("SELECT COUNT\\(\\*\\) FROM ledger_entries").
		WithArgs("CT-1", models.KindRentPayment, models.DirectionDebit, models.EntryStatusCommitted).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(3))

	count, err := store.CountCommittedRentPayments(context.Background(), "CT-1")
	assert.NoError(t, err)
	assert.Equal(t, 3, count)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLedgerStore_Reverse(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	store := NewLedgerStore(db)

	t.Run("reverses committed entry", func(t *testing.T) {
		original := topUpDraft("key-1", "1000000001", 500)
		original.ID = 1
		original.PayloadHash = entryPayloadHash(&original)
		original.CreatedAt = time.Now()

		mock.ExpectBegin()
		mock.ExpectQuery("FROM ledger_entries WHERE entry_id = \\$1 FOR UPDATE").
			WithArgs("key-1").
			WillReturnRows(entryRow(original))
		mock.ExpectQuery("WHERE transfer_id = \\$1 AND status = \\$2 ORDER BY id FOR UPDATE").
			WithArgs("key-1", models.EntryStatusCommitted).
			WillReturnRows(entryRow(original))
		mock.ExpectQuery("FROM accounts WHERE account_id = \\$1 FOR UPDATE").
			WithArgs("1000000001").
			WillReturnRows(sqlmock.NewRows([]string{"account_id", "wallet_balance", "held_revenue_balance", "version", "updated_at"}).
				AddRow("1000000001", 800, 0, 3, time.Now()))
		mock.ExpectExec("UPDATE ledger_entries SET status = \\$1 WHERE entry_id = \\$2").
			WithArgs(models.EntryStatusReversed, "key-1").
			WillReturnResult(sqlmock.NewResult(0, 1))

		// Compensating entry append: lookup then insert
		mock.ExpectQuery("FROM ledger_entries WHERE entry_id = \\$1").
			WithArgs(sqlmock.AnyArg()).
			WillReturnError(sql.ErrNoRows)
		mock.ExpectQuery("INSERT INTO ledger_entries").
			WithArgs(sqlmock.AnyArg(), "key-1", "1000000001", "", models.KindRefund,
				models.DirectionDebit, models.PoolWallet, int64(500), "",
				models.EntryStatusReversed, sqlmock.AnyArg(), "key-1").
			WillReturnRows(sqlmock.NewRows([]string{"id", "created_at"}).AddRow(2, time.Now()))

		// Original was a wallet credit of 500; balance drops by 500
		mock.ExpectExec("UPDATE accounts").
			WithArgs(int64(300), int64(0), "1000000001", 3).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		comp, err := store.Reverse(context.Background(), "key-1")
		assert.NoError(t, err)
		assert.Equal(t, models.KindRefund, comp.Kind)
		assert.Equal(t, models.DirectionDebit, comp.Direction)
		assert.Equal(t, models.EntryStatusReversed, comp.Status)
		assert.Equal(t, "key-1", comp.ReversalOf)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("reversing one half of a rent transfer backs out both", func(t *testing.T) {
		tenantID := "1000000001"
		ownerID := "2000000002"

		debit := models.LedgerEntry{
			ID: 1, EntryID: "rent-1-D", TransferID: "rent-1",
			AccountID: tenantID, CounterpartyAccountID: ownerID,
			Kind: models.KindRentPayment, Direction: models.DirectionDebit,
			Pool: models.PoolWallet, Amount: 50_000, ContractID: "CT-1",
			Status: models.EntryStatusCommitted, CreatedAt: time.Now(),
		}
		debit.PayloadHash = entryPayloadHash(&debit)
		credit := models.LedgerEntry{
			ID: 2, EntryID: "rent-1-C", TransferID: "rent-1",
			AccountID: ownerID, CounterpartyAccountID: tenantID,
			Kind: models.KindRevenueCredit, Direction: models.DirectionCredit,
			Pool: models.PoolHeldRevenue, Amount: 50_000, ContractID: "CT-1",
			Status: models.EntryStatusCommitted, CreatedAt: time.Now(),
		}
		credit.PayloadHash = entryPayloadHash(&credit)

		transferRows := entryRow(debit).AddRow(
			credit.ID, credit.EntryID, credit.TransferID, credit.AccountID, credit.CounterpartyAccountID,
			credit.Kind, credit.Direction, credit.Pool, credit.Amount, credit.ContractID,
			credit.Status, credit.PayloadHash, credit.ReversalOf, credit.CreatedAt)

		mock.ExpectBegin()
		mock.ExpectQuery("FROM ledger_entries WHERE entry_id = \\$1 FOR UPDATE").
			WithArgs("rent-1-D").
			WillReturnRows(entryRow(debit))
		mock.ExpectQuery("WHERE transfer_id = \\$1 AND status = \\$2 ORDER BY id FOR UPDATE").
			WithArgs("rent-1", models.EntryStatusCommitted).
			WillReturnRows(transferRows)

		// Account locks in id order
		mock.ExpectQuery("FROM accounts WHERE account_id = \\$1 FOR UPDATE").
			WithArgs(tenantID).
			WillReturnRows(sqlmock.NewRows([]string{"account_id", "wallet_balance", "held_revenue_balance", "version", "updated_at"}).
				AddRow(tenantID, 10_000, 0, 2, time.Now()))
		mock.ExpectQuery("FROM accounts WHERE account_id = \\$1 FOR UPDATE").
			WithArgs(ownerID).
			WillReturnRows(sqlmock.NewRows([]string{"account_id", "wallet_balance", "held_revenue_balance", "version", "updated_at"}).
				AddRow(ownerID, 0, 70_000, 6, time.Now()))

		// Tenant's debit is compensated by a wallet credit
		mock.ExpectExec("UPDATE ledger_entries SET status = \\$1 WHERE entry_id = \\$2").
			WithArgs(models.EntryStatusReversed, "rent-1-D").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectQuery("FROM ledger_entries WHERE entry_id = \\$1").
			WithArgs(sqlmock.AnyArg()).
			WillReturnError(sql.ErrNoRows)
		mock.ExpectQuery("INSERT INTO ledger_entries").
			WithArgs(sqlmock.AnyArg(), "rent-1", tenantID, ownerID, models.KindRefund,
				models.DirectionCredit, models.PoolWallet, int64(50_000), "CT-1",
				models.EntryStatusReversed, sqlmock.AnyArg(), "rent-1-D").
			WillReturnRows(sqlmock.NewRows([]string{"id", "created_at"}).AddRow(3, time.Now()))

		// Owner's held-revenue credit is compensated by a held-revenue debit
		mock.ExpectExec("UPDATE ledger_entries SET status = \\$1 WHERE entry_id = \\$2").
			WithArgs(models.EntryStatusReversed, "rent-1-C").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectQuery("FROM ledger_entries WHERE entry_id = \\$1").
			WithArgs(sqlmock.AnyArg()).
			WillReturnError(sql.ErrNoRows)
		mock.ExpectQuery("INSERT INTO ledger_entries").
			WithArgs(sqlmock.AnyArg(), "rent-1", ownerID, tenantID, models.KindRefund,
				models.DirectionDebit, models.PoolHeldRevenue, int64(50_000), "CT-1",
				models.EntryStatusReversed, sqlmock.AnyArg(), "rent-1-C").
			WillReturnRows(sqlmock.NewRows([]string{"id", "created_at"}).AddRow(4, time.Now()))

		// Both cached balances move in the same transaction
		mock.ExpectExec("UPDATE accounts").
			WithArgs(int64(60_000), int64(0), tenantID, 2).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec("UPDATE accounts").
			WithArgs(int64(0), int64(20_000), ownerID, 6).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		comp, err := store.Reverse(context.Background(), "rent-1-D")
		assert.NoError(t, err)
		assert.Equal(t, models.KindRefund, comp.Kind)
		assert.Equal(t, models.DirectionCredit, comp.Direction)
		assert.Equal(t, "rent-1-D", comp.ReversalOf)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("reversing a reversed entry returns existing compensation", func(t *testing.T) {
		original := topUpDraft("key-1", "1000000001", 500)
		original.ID = 1
		original.Status = models.EntryStatusReversed

		comp := models.LedgerEntry{
			ID: 2, EntryID: "REV-abc", TransferID: "key-1", AccountID: "1000000001",
			Kind: models.KindRefund, Direction: models.DirectionDebit, Pool: models.PoolWallet,
			Amount: 500, Status: models.EntryStatusReversed, ReversalOf: "key-1",
			CreatedAt: time.Now(),
		}

		mock.ExpectBegin()
		mock.ExpectQuery("FROM ledger_entries WHERE entry_id = \\$1 FOR UPDATE").
			WithArgs("key-1").
			WillReturnRows(entryRow(original))
		mock.ExpectQuery("FROM ledger_entries WHERE reversal_of = \\$1").
			WithArgs("key-1").
			WillReturnRows(entryRow(comp))
		mock.ExpectRollback()

		got, err := store.Reverse(context.Background(), "key-1")
		assert.NoError(t, err)
		assert.Equal(t, "REV-abc", got.EntryID)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("unknown entry", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectQuery("FROM ledger_entries WHERE entry_id = \\$1 FOR UPDATE").
			WithArgs("missing").
			WillReturnError(sql.ErrNoRows)
		mock.ExpectRollback()

		_, err := store.Reverse(context.Background(), "missing")
		assert.ErrorIs(t, err, ErrEntryNotFound)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}
