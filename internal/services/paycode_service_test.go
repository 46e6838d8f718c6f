package services

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-redis/redismock/v8"
	"github.com/stretchr/testify/assert"
)

func newTestPaycodeService(t *testing.T) (*PaycodeService, sqlmock.Sqlmock, redismock.ClientMock, func()) {
	t.Helper()
	db, dbMock, err := sqlmock.New()
	assert.NoError(t, err)
	redisClient, redisMock := redismock.NewClientMock()
	return NewPaycodeService(db, redisClient), dbMock, redisMock, func() { db.Close() }
}

func TestPaycodeService_GenerateCode(t *testing.T) {
	landlordID := "2000000002"

	t.Run("issues a code pinned to the contract rent", func(t *testing.T) {
		svc, dbMock, redisMock, closeDB := newTestPaycodeService(t)
		defer closeDB()

		redisMock.ExpectGet("paycode:ratelimit:" + landlordID).RedisNil()
		dbMock.ExpectQuery("SELECT landlord_account_id, status, rent_amount FROM contracts WHERE contract_id = \\$1").
			WithArgs("CT-1").
			WillReturnRows(sqlmock.NewRows([]string{"landlord_account_id", "status", "rent_amount"}).
				AddRow(landlordID, "ACTIVE", int64(50_000)))
		dbMock.ExpectExec("INSERT INTO rent_codes").
			WithArgs(sqlmock.AnyArg(), "CT-1", landlordID, int64(50_000), sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(1, 1))
		redisMock.ExpectIncr("paycode:ratelimit:" + landlordID).SetVal(1)
		redisMock.ExpectExpire("paycode:ratelimit:"+landlordID, time.Hour).SetVal(true)

		rentCode, err := svc.GenerateCode(context.Background(), landlordID, "CT-1")
		assert.NoError(t, err)
		assert.Len(t, rentCode.Code, 8)
		assert.Equal(t, int64(50_000), rentCode.Amount)
		assert.Equal(t, "CT-1", rentCode.ContractID)
		assert.True(t, rentCode.ExpiresAt.After(time.Now()))
		assert.NoError(t, dbMock.ExpectationsWereMet())
		assert.NoError(t, redisMock.ExpectationsWereMet())
	})

	t.Run("rate limit blocks generation", func(t *testing.T) {
		svc, dbMock, redisMock, closeDB := newTestPaycodeService(t)
		defer closeDB()

		redisMock.ExpectGet("paycode:ratelimit:" + landlordID).SetVal("10")

		_, err := svc.GenerateCode(context.Background(), landlordID, "CT-1")
		assert.ErrorIs(t, err, ErrRateLimitExceeded)
		assert.NoError(t, dbMock.ExpectationsWereMet())
	})

	t.Run("contract owned by someone else", func(t *testing.T) {
		svc, dbMock, redisMock, closeDB := newTestPaycodeService(t)
		defer closeDB()

		redisMock.ExpectGet("paycode:ratelimit:" + landlordID).RedisNil()
		dbMock.ExpectQuery("SELECT landlord_account_id, status, rent_amount FROM contracts WHERE contract_id = \\$1").
			WithArgs("CT-1").
			WillReturnRows(sqlmock.NewRows([]string{"landlord_account_id", "status", "rent_amount"}).
				AddRow("3000000003", "ACTIVE", int64(50_000)))

		_, err := svc.GenerateCode(context.Background(), landlordID, "CT-1")
		assert.Error(t, err)
		assert.NoError(t, dbMock.ExpectationsWereMet())
	})

	t.Run("inactive contract is not eligible", func(t *testing.T) {
		svc, dbMock, redisMock, closeDB := newTestPaycodeService(t)
		defer closeDB()

		redisMock.ExpectGet("paycode:ratelimit:" + landlordID).RedisNil()
		dbMock.ExpectQuery("SELECT landlord_account_id, status, rent_amount FROM contracts WHERE contract_id = \\$1").
			WithArgs("CT-1").
			WillReturnRows(sqlmock.NewRows([]string{"landlord_account_id", "status", "rent_amount"}).
				AddRow(landlordID, "DRAFT", int64(50_000)))

		_, err := svc.GenerateCode(context.Background(), landlordID, "CT-1")
		assert.ErrorIs(t, err, ErrContractNotEligible)
		assert.NoError(t, dbMock.ExpectationsWereMet())
	})
}

func TestPaycodeService_ValidateAndConsume(t *testing.T) {
	codeColumns := []string{"contract_id", "landlord_account_id", "amount", "expires_at", "used", "created_at"}

	t.Run("marks a live code used", func(t *testing.T) {
		svc, dbMock, _, closeDB := newTestPaycodeService(t)
		defer closeDB()

		hashed := svc.hashCode("12345678")
		dbMock.ExpectBegin()
		dbMock.ExpectQuery("FROM rent_codes").
			WithArgs(hashed).
			WillReturnRows(sqlmock.NewRows(codeColumns).
				AddRow("CT-1", "2000000002", int64(50_000), time.Now().Add(time.Hour), false, time.Now()))
		dbMock.ExpectExec("UPDATE rent_codes").
			WithArgs(sqlmock.AnyArg(), hashed).
			WillReturnResult(sqlmock.NewResult(0, 1))
		dbMock.ExpectCommit()

		rentCode, err := svc.ValidateAndConsume(context.Background(), "12345678")
		assert.NoError(t, err)
		assert.True(t, rentCode.Used)
		assert.Equal(t, "CT-1", rentCode.ContractID)
		assert.NoError(t, dbMock.ExpectationsWereMet())
	})

	t.Run("unknown code", func(t *testing.T) {
		svc, dbMock, _, closeDB := newTestPaycodeService(t)
		defer closeDB()

		dbMock.ExpectBegin()
		dbMock.ExpectQuery("FROM rent_codes").
			WithArgs(svc.hashCode("00000000")).
			WillReturnRows(sqlmock.NewRows(codeColumns))
		dbMock.ExpectRollback()

		_, err := svc.ValidateAndConsume(context.Background(), "00000000")
		assert.ErrorIs(t, err, ErrInvalidRentCode)
		assert.NoError(t, dbMock.ExpectationsWereMet())
	})

	t.Run("already used code", func(t *testing.T) {
		svc, dbMock, _, closeDB := newTestPaycodeService(t)
		defer closeDB()

		dbMock.ExpectBegin()
		dbMock.ExpectQuery("FROM rent_codes").
			WithArgs(svc.hashCode("12345678")).
			WillReturnRows(sqlmock.NewRows(codeColumns).
				AddRow("CT-1", "2000000002", int64(50_000), time.Now().Add(time.Hour), true, time.Now()))
		dbMock.ExpectRollback()

		_, err := svc.ValidateAndConsume(context.Background(), "12345678")
		assert.ErrorIs(t, err, ErrRentCodeUsed)
		assert.NoError(t, dbMock.ExpectationsWereMet())
	})

	t.Run("expired code", func(t *testing.T) {
		svc, dbMock, _, closeDB := newTestPaycodeService(t)
		defer closeDB()

		dbMock.ExpectBegin()
		dbMock.ExpectQuery("FROM rent_codes").
			WithArgs(svc.hashCode("12345678")).
			WillReturnRows(sqlmock.NewRows(codeColumns).
				AddRow("CT-1", "2000000002", int64(50_000), time.Now().Add(-time.Hour), false, time.Now().Add(-25*time.Hour)))
		dbMock.ExpectRollback()

		_, err := svc.ValidateAndConsume(context.Background(), "12345678")
		assert.ErrorIs(t, err, ErrRentCodeExpired)
		assert.NoError(t, dbMock.ExpectationsWereMet())
	})
}

func TestPaycodeService_Release(t *testing.T) {
	svc, dbMock, _, closeDB := newTestPaycodeService(t)
	defer closeDB()

	dbMock.ExpectExec("UPDATE rent_codes").
		WithArgs(svc.hashCode("12345678")).
		WillReturnResult(sqlmock.NewResult(0, 1))

	assert.NoError(t, svc.Release(context.Background(), "12345678"))
	assert.NoError(t, dbMock.ExpectationsWereMet())
}

func TestPaycodeService_SettlementKey(t *testing.T) {
	svc, _, _, closeDB := newTestPaycodeService(t)
	defer closeDB()

	key1 := svc.SettlementKey("12345678")
	key2 := svc.SettlementKey("12345678")
	other := svc.SettlementKey("87654321")

	assert.Equal(t, key1, key2)
	assert.NotEqual(t, key1, other)
	assert.Len(t, key1, 35)
	assert.Contains(t, key1, "RC-")
}
