package services

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"

	"github.com/homelet/backend/internal/models"
)

func newTestEngine(t *testing.T) (*SettlementEngine, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	engine := NewSettlementEngine(db, nil)
	return engine, mock, func() { db.Close() }
}

func expectAccountLock(mock sqlmock.Sqlmock, accountID string, wallet, held int64, version int) {
	mock.ExpectQuery("FROM accounts WHERE account_id = \\$1 FOR UPDATE").
		WithArgs(accountID).
		WillReturnRows(sqlmock.NewRows([]string{"account_id", "wallet_balance", "held_revenue_balance", "version", "updated_at"}).
			AddRow(accountID, wallet, held, version, time.Now()))
}

func expectEmptyReplay(mock sqlmock.Sqlmock, transferID string) {
	mock.ExpectQuery("FROM ledger_entries WHERE transfer_id = \\$1 ORDER BY id").
		WithArgs(transferID).
		WillReturnRows(sqlmock.NewRows(entryColumns))
}

func expectEntryInsert(mock sqlmock.Sqlmock, id int64, e models.LedgerEntry) {
	mock.ExpectQuery("FROM ledger_entries WHERE entry_id = \\$1").
		WithArgs(e.EntryID).
		WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery("INSERT INTO ledger_entries").
		WithArgs(e.EntryID, e.TransferID, e.AccountID, e.CounterpartyAccountID,
			e.Kind, e.Direction, e.Pool, e.Amount, e.ContractID,
			e.Status, sqlmock.AnyArg(), e.ReversalOf).
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at"}).AddRow(id, time.Now()))
}

func TestSettlementEngine_TopUp(t *testing.T) {
	t.Run("credits wallet", func(t *testing.T) {
		engine, mock, closeDB := newTestEngine(t)
		defer closeDB()

		mock.ExpectBegin()
		expectAccountLock(mock, "1000000001", 1000, 0, 1)
		expectEmptyReplay(mock, "tu-1")
		expectEntryInsert(mock, 1, topUpDraft("tu-1", "1000000001", 500))
		mock.ExpectExec("UPDATE accounts").
			WithArgs(int64(1500), int64(0), "1000000001", 1).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		result, err := engine.TopUp(context.Background(), "1000000001", 500, "tu-1")
		assert.NoError(t, err)
		assert.Equal(t, "tu-1", result.TransferID)
		assert.False(t, result.Replayed)
		assert.Len(t, result.Entries, 1)
		assert.Equal(t, models.KindTopUp, result.Entries[0].Kind)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("replay returns prior result with no new entries", func(t *testing.T) {
		engine, mock, closeDB := newTestEngine(t)
		defer closeDB()

		draft := topUpDraft("tu-1", "1000000001", 500)
		existing := draft
		existing.ID = 1
		existing.PayloadHash = entryPayloadHash(&draft)
		existing.CreatedAt = time.Now()

		mock.ExpectBegin()
		expectAccountLock(mock, "1000000001", 1500, 0, 2)
		mock.ExpectQuery("FROM ledger_entries WHERE transfer_id = \\$1 ORDER BY id").
			WithArgs("tu-1").
			WillReturnRows(entryRow(existing))
		mock.ExpectRollback()

		result, err := engine.TopUp(context.Background(), "1000000001", 500, "tu-1")
		assert.NoError(t, err)
		assert.True(t, result.Replayed)
		assert.Len(t, result.Entries, 1)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("concurrent duplicate sees the committed transfer under the lock", func(t *testing.T) {
		// Two submissions race with the same key. The second blocks on the
		// account lock; when it acquires the lock it observes the state the
		// first one committed (balance already credited, entry present). It
		// must return the prior result and issue no balance update.
		engine, mock, closeDB := newTestEngine(t)
		defer closeDB()

		draft := topUpDraft("tu-1", "1000000001", 500)
		committed := draft
		committed.ID = 1
		committed.PayloadHash = entryPayloadHash(&draft)
		committed.CreatedAt = time.Now()

		mock.ExpectBegin()
		// Lock returns the post-commit balance and bumped version.
		expectAccountLock(mock, "1000000001", 1500, 0, 2)
		mock.ExpectQuery("FROM ledger_entries WHERE transfer_id = \\$1 ORDER BY id").
			WithArgs("tu-1").
			WillReturnRows(entryRow(committed))
		mock.ExpectRollback()

		result, err := engine.TopUp(context.Background(), "1000000001", 500, "tu-1")
		assert.NoError(t, err)
		assert.True(t, result.Replayed)
		assert.Len(t, result.Entries, 1)
		assert.Equal(t, int64(500), result.Entries[0].Amount)
		// No UPDATE accounts was expected; an attempted double-credit would
		// fail the expectation check below.
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("same key different amount conflicts", func(t *testing.T) {
		engine, mock, closeDB := newTestEngine(t)
		defer closeDB()

		draft := topUpDraft("tu-1", "1000000001", 500)
		existing := draft
		existing.ID = 1
		existing.PayloadHash = entryPayloadHash(&draft)
		existing.CreatedAt = time.Now()

		mock.ExpectBegin()
		expectAccountLock(mock, "1000000001", 1500, 0, 2)
		mock.ExpectQuery("FROM ledger_entries WHERE transfer_id = \\$1 ORDER BY id").
			WithArgs("tu-1").
			WillReturnRows(entryRow(existing))
		mock.ExpectRollback()

		_, err := engine.TopUp(context.Background(), "1000000001", 900, "tu-1")
		var conflict *DuplicateConflictError
		assert.ErrorAs(t, err, &conflict)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("amount outside configured bounds", func(t *testing.T) {
		engine, _, closeDB := newTestEngine(t)
		defer closeDB()

		var invalid *InvalidAmountError

		_, err := engine.TopUp(context.Background(), "1000000001", 5, "tu-1")
		assert.ErrorAs(t, err, &invalid)

		_, err = engine.TopUp(context.Background(), "1000000001", 10_000_000, "tu-2")
		assert.ErrorAs(t, err, &invalid)

		_, err = engine.TopUp(context.Background(), "1000000001", -50, "tu-3")
		assert.ErrorAs(t, err, &invalid)
	})

	t.Run("missing idempotency key", func(t *testing.T) {
		engine, _, closeDB := newTestEngine(t)
		defer closeDB()

		_, err := engine.TopUp(context.Background(), "1000000001", 500, "")
		assert.ErrorIs(t, err, ErrIdempotencyKeyRequired)
	})
}

func TestSettlementEngine_Withdraw(t *testing.T) {
	t.Run("debits wallet", func(t *testing.T) {
		engine, mock, closeDB := newTestEngine(t)
		defer closeDB()

		draft := models.LedgerEntry{
			EntryID: "wd-1", TransferID: "wd-1", AccountID: "1000000001",
			CounterpartyAccountID: "058:0123456789",
			Kind:                  models.KindWithdrawal, Direction: models.DirectionDebit,
			Pool: models.PoolWallet, Amount: 400, Status: models.EntryStatusCommitted,
		}

		mock.ExpectBegin()
		expectAccountLock(mock, "1000000001", 1000, 0, 2)
		expectEmptyReplay(mock, "wd-1")
		expectEntryInsert(mock, 1, draft)
		mock.ExpectExec("UPDATE accounts").
			WithArgs(int64(600), int64(0), "1000000001", 2).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		result, err := engine.Withdraw(context.Background(), "1000000001", 400, "058:0123456789", "wd-1")
		assert.NoError(t, err)
		assert.Len(t, result.Entries, 1)
		assert.Equal(t, models.DirectionDebit, result.Entries[0].Direction)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("insufficient balance writes nothing", func(t *testing.T) {
		engine, mock, closeDB := newTestEngine(t)
		defer closeDB()

		mock.ExpectBegin()
		expectAccountLock(mock, "1000000001", 300, 0, 2)
		expectEmptyReplay(mock, "wd-1")
		mock.ExpectRollback()

		_, err := engine.Withdraw(context.Background(), "1000000001", 400, "058:0123456789", "wd-1")
		assert.ErrorIs(t, err, ErrInsufficientFunds)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("below minimum", func(t *testing.T) {
		engine, _, closeDB := newTestEngine(t)
		defer closeDB()

		var invalid *InvalidAmountError
		_, err := engine.Withdraw(context.Background(), "1000000001", 50, "058:0123456789", "wd-1")
		assert.ErrorAs(t, err, &invalid)
	})

	t.Run("unknown account", func(t *testing.T) {
		engine, mock, closeDB := newTestEngine(t)
		defer closeDB()

		mock.ExpectBegin()
		mock.ExpectQuery("FROM accounts WHERE account_id = \\$1 FOR UPDATE").
			WithArgs("9999999999").
			WillReturnError(sql.ErrNoRows)
		mock.ExpectRollback()

		_, err := engine.Withdraw(context.Background(), "9999999999", 400, "058:0123456789", "wd-1")
		assert.ErrorIs(t, err, ErrAccountNotFound)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestSettlementEngine_PayRent(t *testing.T) {
	tenantID := "1000000001"
	ownerID := "2000000002"

	rentDebit := func(key string, amount int64) models.LedgerEntry {
		return models.LedgerEntry{
			EntryID: key + "-D", TransferID: key,
			AccountID: tenantID, CounterpartyAccountID: ownerID,
			Kind: models.KindRentPayment, Direction: models.DirectionDebit,
			Pool: models.PoolWallet, Amount: amount, ContractID: "CT-1",
			Status: models.EntryStatusCommitted,
		}
	}
	revenueCredit := func(key string, amount int64) models.LedgerEntry {
		return models.LedgerEntry{
			EntryID: key + "-C", TransferID: key,
			AccountID: ownerID, CounterpartyAccountID: tenantID,
			Kind: models.KindRevenueCredit, Direction: models.DirectionCredit,
			Pool: models.PoolHeldRevenue, Amount: amount, ContractID: "CT-1",
			Status: models.EntryStatusCommitted,
		}
	}

	t.Run("writes both entries atomically", func(t *testing.T) {
		engine, mock, closeDB := newTestEngine(t)
		defer closeDB()

		mock.ExpectBegin()
		// Locks taken in account-id order: tenant sorts first
		expectAccountLock(mock, tenantID, 60_000, 0, 1)
		expectAccountLock(mock, ownerID, 0, 20_000, 5)
		expectEmptyReplay(mock, "rent-1")
		expectEntryInsert(mock, 1, rentDebit("rent-1", 50_000))
		expectEntryInsert(mock, 2, revenueCredit("rent-1", 50_000))
		mock.ExpectExec("UPDATE accounts").
			WithArgs(int64(10_000), int64(0), tenantID, 1).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec("UPDATE accounts").
			WithArgs(int64(0), int64(70_000), ownerID, 5).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		result, err := engine.PayRent(context.Background(), tenantID, ownerID, "CT-1", 50_000, "rent-1")
		assert.NoError(t, err)
		assert.Len(t, result.Entries, 2)
		assert.Equal(t, result.Entries[0].TransferID, result.Entries[1].TransferID)
		assert.Equal(t, models.KindRentPayment, result.Entries[0].Kind)
		assert.Equal(t, models.KindRevenueCredit, result.Entries[1].Kind)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("insufficient tenant balance writes neither entry", func(t *testing.T) {
		engine, mock, closeDB := newTestEngine(t)
		defer closeDB()

		mock.ExpectBegin()
		expectAccountLock(mock, tenantID, 30_000, 0, 1)
		expectAccountLock(mock, ownerID, 0, 20_000, 5)
		expectEmptyReplay(mock, "rent-1")
		mock.ExpectRollback()

		_, err := engine.PayRent(context.Background(), tenantID, ownerID, "CT-1", 50_000, "rent-1")
		assert.ErrorIs(t, err, ErrInsufficientFunds)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("replay returns both prior entries", func(t *testing.T) {
		engine, mock, closeDB := newTestEngine(t)
		defer closeDB()

		debit := rentDebit("rent-1", 50_000)
		debit.ID = 1
		debit.PayloadHash = entryPayloadHash(&debit)
		credit := revenueCredit("rent-1", 50_000)
		credit.ID = 2
		credit.PayloadHash = entryPayloadHash(&credit)

		rows := entryRow(debit).AddRow(
			credit.ID, credit.EntryID, credit.TransferID, credit.AccountID, credit.CounterpartyAccountID,
			credit.Kind, credit.Direction, credit.Pool, credit.Amount, credit.ContractID,
			credit.Status, credit.PayloadHash, credit.ReversalOf, credit.CreatedAt)

		mock.ExpectBegin()
		expectAccountLock(mock, tenantID, 10_000, 0, 2)
		expectAccountLock(mock, ownerID, 0, 70_000, 6)
		mock.ExpectQuery("FROM ledger_entries WHERE transfer_id = \\$1 ORDER BY id").
			WithArgs("rent-1").
			WillReturnRows(rows)
		mock.ExpectRollback()

		result, err := engine.PayRent(context.Background(), tenantID, ownerID, "CT-1", 50_000, "rent-1")
		assert.NoError(t, err)
		assert.True(t, result.Replayed)
		assert.Len(t, result.Entries, 2)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("same key different amount conflicts", func(t *testing.T) {
		engine, mock, closeDB := newTestEngine(t)
		defer closeDB()

		debit := rentDebit("rent-1", 50_000)
		debit.ID = 1
		debit.PayloadHash = entryPayloadHash(&debit)
		credit := revenueCredit("rent-1", 50_000)
		credit.ID = 2
		credit.PayloadHash = entryPayloadHash(&credit)

		rows := entryRow(debit).AddRow(
			credit.ID, credit.EntryID, credit.TransferID, credit.AccountID, credit.CounterpartyAccountID,
			credit.Kind, credit.Direction, credit.Pool, credit.Amount, credit.ContractID,
			credit.Status, credit.PayloadHash, credit.ReversalOf, credit.CreatedAt)

		mock.ExpectBegin()
		expectAccountLock(mock, tenantID, 10_000, 0, 2)
		expectAccountLock(mock, ownerID, 0, 70_000, 6)
		mock.ExpectQuery("FROM ledger_entries WHERE transfer_id = \\$1 ORDER BY id").
			WithArgs("rent-1").
			WillReturnRows(rows)
		mock.ExpectRollback()

		_, err := engine.PayRent(context.Background(), tenantID, ownerID, "CT-1", 60_000, "rent-1")
		var conflict *DuplicateConflictError
		assert.ErrorAs(t, err, &conflict)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("tenant paying themselves is rejected", func(t *testing.T) {
		engine, _, closeDB := newTestEngine(t)
		defer closeDB()

		_, err := engine.PayRent(context.Background(), tenantID, tenantID, "CT-1", 50_000, "rent-1")
		assert.Error(t, err)
	})
}

func TestSettlementEngine_TransferHeldRevenue(t *testing.T) {
	ownerID := "2000000002"

	t.Run("moves held revenue into wallet", func(t *testing.T) {
		engine, mock, closeDB := newTestEngine(t)
		defer closeDB()

		debit := models.LedgerEntry{
			EntryID: "rt-1-D", TransferID: "rt-1", AccountID: ownerID,
			Kind: models.KindRevenueTransfer, Direction: models.DirectionDebit,
			Pool: models.PoolHeldRevenue, Amount: 40_000, Status: models.EntryStatusCommitted,
		}
		credit := models.LedgerEntry{
			EntryID: "rt-1-C", TransferID: "rt-1", AccountID: ownerID,
			Kind: models.KindRevenueTransfer, Direction: models.DirectionCredit,
			Pool: models.PoolWallet, Amount: 40_000, Status: models.EntryStatusCommitted,
		}

		mock.ExpectBegin()
		expectAccountLock(mock, ownerID, 1000, 70_000, 3)
		expectEmptyReplay(mock, "rt-1")
		expectEntryInsert(mock, 1, debit)
		expectEntryInsert(mock, 2, credit)
		mock.ExpectExec("UPDATE accounts").
			WithArgs(int64(41_000), int64(30_000), ownerID, 3).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		result, err := engine.TransferHeldRevenue(context.Background(), ownerID, 40_000, "rt-1")
		assert.NoError(t, err)
		assert.Len(t, result.Entries, 2)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("insufficient held revenue", func(t *testing.T) {
		engine, mock, closeDB := newTestEngine(t)
		defer closeDB()

		mock.ExpectBegin()
		expectAccountLock(mock, ownerID, 1000, 10_000, 3)
		expectEmptyReplay(mock, "rt-1")
		mock.ExpectRollback()

		_, err := engine.TransferHeldRevenue(context.Background(), ownerID, 40_000, "rt-1")
		assert.ErrorIs(t, err, ErrInsufficientFunds)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("hold period gates recent revenue", func(t *testing.T) {
		engine, mock, closeDB := newTestEngine(t)
		defer closeDB()
		engine.cfg.RevenueHoldDays = 7

		mock.ExpectBegin()
		expectAccountLock(mock, ownerID, 1000, 70_000, 3)
		expectEmptyReplay(mock, "rt-1")
		// 50k of the 70k was credited inside the hold window
		mock.ExpectQuery("SELECT COALESCE\\(SUM\\(amount\\), 0\\) FROM ledger_entries").
			WithArgs(ownerID, models.KindRevenueCredit, models.EntryStatusCommitted, 7).
			WillReturnRows(sqlmock.NewRows([]string{"coalesce"}).AddRow(50_000))
		mock.ExpectRollback()

		_, err := engine.TransferHeldRevenue(context.Background(), ownerID, 40_000, "rt-1")
		assert.ErrorIs(t, err, ErrInsufficientFunds)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}
