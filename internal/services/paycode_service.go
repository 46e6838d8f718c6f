package services

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"math/big"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/homelet/backend/internal/config"
	"github.com/homelet/backend/internal/models"
)

// RentCode is a single-use code a landlord hands to their tenant to settle
// one rent period. The code never touches the database in the clear; only
// its iterated hash is stored, and that hash doubles as the settlement
// idempotency key so redeeming the same code twice replays rather than
// double-charges.
type RentCode struct {
	Code              string    `json:"code,omitempty"`
	ContractID        string    `json:"contractId"`
	LandlordAccountID string    `json:"landlordAccountId"`
	Amount            int64     `json:"amount"`
	ExpiresAt         time.Time `json:"expiresAt"`
	Used              bool      `json:"used"`
	CreatedAt         time.Time `json:"createdAt"`
}

var (
	ErrInvalidRentCode     = errors.New("invalid code")
	ErrRentCodeUsed        = errors.New("code already used")
	ErrRentCodeExpired     = errors.New("code expired")
	ErrRateLimitExceeded   = errors.New("rate limit exceeded")
	ErrContractNotEligible = errors.New("contract is not active")
)

type PaycodeService struct {
	db     *sql.DB
	redis  *redis.Client
	config *config.PaycodeConfig
}

func NewPaycodeService(db *sql.DB, redisClient *redis.Client) *PaycodeService {
	return &PaycodeService{
		db:     db,
		redis:  redisClient,
		config: config.LoadPaycodeConfig(),
	}
}

// GenerateCode issues a rent request code bound to one of the landlord's
// active contracts. The amount is pinned to the contract rent at issue time.
func (s *PaycodeService) GenerateCode(ctx context.Context, landlordAccountID, contractID string) (*RentCode, error) {
	log.Printf("[PAYCODE] GenerateCode - landlord: %s, contract: %s", landlordAccountID, contractID)

	if err := s.checkRateLimit(ctx, landlordAccountID); err != nil {
		log.Printf("[PAYCODE] GenerateCode - Rate limit error: %v", err)
		return nil, err
	}

	var owner, status string
	var rentAmount int64
	err := s.db.QueryRowContext(ctx,
		`SELECT landlord_account_id, status, rent_amount FROM contracts WHERE contract_id = $1`,
		contractID).Scan(&owner, &status, &rentAmount)
	if err == sql.ErrNoRows {
		return nil, ErrContractNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load contract: %w", err)
	}
	if owner != landlordAccountID {
		return nil, errors.New("contract does not belong to caller")
	}
	if status != models.ContractStatusActive {
		return nil, ErrContractNotEligible
	}

	code := s.generateSecureCode()
	hashedCode := s.hashCode(code)
	expiresAt := time.Now().Add(s.config.CodeTimeout)

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO rent_codes (code_hash, contract_id, landlord_account_id, amount, expires_at, used)
		VALUES ($1, $2, $3, $4, $5, false)
	`, hashedCode, contractID, landlordAccountID, rentAmount, expiresAt)
	if err != nil {
		log.Printf("[PAYCODE] GenerateCode - DB insert error: %v", err)
		return nil, fmt.Errorf("failed to store code: %w", err)
	}

	s.incrementRateLimit(ctx, landlordAccountID)

	log.Printf("[PAYCODE] GenerateCode - Issued for contract %s, expires %v", contractID, expiresAt)
	return &RentCode{
		Code:              code,
		ContractID:        contractID,
		LandlordAccountID: landlordAccountID,
		Amount:            rentAmount,
		ExpiresAt:         expiresAt,
	}, nil
}

// ValidateAndConsume marks a code used and returns its binding. The row lock
// makes concurrent redemptions of the same code serialize; the loser sees
// used=true.
func (s *PaycodeService) ValidateAndConsume(ctx context.Context, code string) (*RentCode, error) {
	hashedCode := s.hashCode(code)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var rc RentCode
	err = tx.QueryRowContext(ctx, `
		SELECT contract_id, landlord_account_id, amount, expires_at, used, created_at
		FROM rent_codes
		WHERE code_hash = $1
		FOR UPDATE
	`, hashedCode).Scan(&rc.ContractID, &rc.LandlordAccountID, &rc.Amount, &rc.ExpiresAt, &rc.Used, &rc.CreatedAt)

	if err == sql.ErrNoRows {
		return nil, ErrInvalidRentCode
	}
	if err != nil {
		return nil, err
	}

	if rc.Used {
		return nil, ErrRentCodeUsed
	}
	if time.Now().After(rc.ExpiresAt) {
		return nil, ErrRentCodeExpired
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE rent_codes
		SET used = true, used_at = $1
		WHERE code_hash = $2
	`, time.Now(), hashedCode)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	rc.Code = code
	rc.Used = true
	return &rc, nil
}

// Release puts a consumed code back after a failed settlement so the tenant
// can retry once the failure (usually insufficient balance) is resolved.
// Safe because the settlement key is deterministic per code: even if two
// redemptions race through release, the ledger replays instead of
// double-charging.
func (s *PaycodeService) Release(ctx context.Context, code string) error {
	hashedCode := s.hashCode(code)
	_, err := s.db.ExecContext(ctx, `
		UPDATE rent_codes
		SET used = false, used_at = NULL
		WHERE code_hash = $1 AND expires_at > NOW()
	`, hashedCode)
	return err
}

// SettlementKey derives the idempotency key a redemption settles under.
// Deterministic per code, so a retried redemption replays the settlement.
func (s *PaycodeService) SettlementKey(code string) string {
	return "RC-" + s.hashCode(code)[:32]
}

func (s *PaycodeService) GetCodeTimeout() time.Duration {
	return s.config.CodeTimeout
}

func (s *PaycodeService) generateSecureCode() string {
	const charset = "0123456789"
	code := make([]byte, s.config.CodeLength)
	charsetLen := big.NewInt(int64(len(charset)))

	for i := range code {
		n, _ := rand.Int(rand.Reader, charsetLen)
		code[i] = charset[n.Int64()]
	}

	return string(code)
}

func (s *PaycodeService) hashCode(code string) string {
	hash := sha256.Sum256([]byte(code))
	for i := 1; i < s.config.HashIterations; i++ {
		hash = sha256.Sum256(hash[:])
	}
	return hex.EncodeToString(hash[:])
}

func (s *PaycodeService) checkRateLimit(ctx context.Context, accountID string) error {
	key := fmt.Sprintf("paycode:ratelimit:%s", accountID)
	count, err := s.redis.Get(ctx, key).Int()
	if err != nil && err != redis.Nil {
		return err
	}

	if count >= s.config.MaxGenerationPerUser {
		return ErrRateLimitExceeded
	}

	return nil
}

func (s *PaycodeService) incrementRateLimit(ctx context.Context, accountID string) {
	key := fmt.Sprintf("paycode:ratelimit:%s", accountID)
	pipe := s.redis.Pipeline()
	pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, s.config.RateLimitWindow)
	pipe.Exec(ctx)
}

// CleanupExpiredCodes drops expired and stale used codes. Called from a
// background ticker at startup.
func (s *PaycodeService) CleanupExpiredCodes(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM rent_codes
		WHERE expires_at < $1 OR (used = true AND used_at < $2)
	`, time.Now(), time.Now().Add(-24*time.Hour))
	return err
}
