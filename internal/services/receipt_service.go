package services

import (
	"bytes"
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"image/png"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/skip2/go-qrcode"

	"github.com/homelet/backend/internal/models"
)

// ReceiptService issues scannable rent receipts. A receipt is a QR image
// wrapping a short-lived verification token; anyone scanning it can confirm
// against the ledger that the payment exists and is committed, without being
// logged in as either party.
type ReceiptService struct {
	db    *sql.DB
	redis *redis.Client
	store *LedgerStore
}

func NewReceiptService(db *sql.DB, redisClient *redis.Client, store *LedgerStore) *ReceiptService {
	return &ReceiptService{
		db:    db,
		redis: redisClient,
		store: store,
	}
}

const receiptTokenTTL = 24 * time.Hour

// GenerateReceipt builds a QR receipt for a committed rent payment entry
// belonging to the caller. Returns the verification token and the PNG image
// base64-encoded.
func (s *ReceiptService) GenerateReceipt(ctx context.Context, accountID, entryID string) (string, string, error) {
	entry, err := s.store.GetEntry(ctx, entryID)
	if err != nil {
		return "", "", err
	}
	if entry.AccountID != accountID && entry.CounterpartyAccountID != accountID {
		return "", "", fmt.Errorf("entry does not belong to caller")
	}
	if entry.Kind != models.KindRentPayment && entry.Kind != models.KindRevenueCredit {
		return "", "", fmt.Errorf("receipts are only issued for rent payments")
	}
	if entry.Status != models.EntryStatusCommitted {
		return "", "", fmt.Errorf("entry is not committed")
	}

	receiptData := map[string]any{
		"entryId":    entry.EntryID,
		"transferId": entry.TransferID,
		"contractId": entry.ContractID,
		"amount":     entry.Amount,
		"paidAt":     entry.CreatedAt.Unix(),
		"nonce":      s.generateNonce(),
	}

	jsonData, err := json.Marshal(receiptData)
	if err != nil {
		return "", "", err
	}

	token := base64.URLEncoding.EncodeToString(jsonData)

	key := fmt.Sprintf("receipt:%s", token)
	if err := s.redis.Set(ctx, key, jsonData, receiptTokenTTL).Err(); err != nil {
		return "", "", err
	}

	qr, err := qrcode.New(token, qrcode.Medium)
	if err != nil {
		return "", "", err
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, qr.Image(256)); err != nil {
		return "", "", err
	}

	qrImage := base64.StdEncoding.EncodeToString(buf.Bytes())

	return token, qrImage, nil
}

// VerifyReceipt resolves a scanned token and re-checks the entry against the
// ledger. The token survives verification so a receipt can be scanned more
// than once within its lifetime.
func (s *ReceiptService) VerifyReceipt(ctx context.Context, token string) (map[string]any, error) {
	key := fmt.Sprintf("receipt:%s", token)

	data, err := s.redis.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, fmt.Errorf("invalid or expired receipt")
	}
	if err != nil {
		return nil, err
	}

	var claim map[string]any
	if err := json.Unmarshal(data, &claim); err != nil {
		return nil, err
	}

	entryID, _ := claim["entryId"].(string)
	entry, err := s.store.GetEntry(ctx, entryID)
	if err != nil {
		return nil, fmt.Errorf("receipt does not match the ledger")
	}

	claim["status"] = entry.Status
	claim["valid"] = entry.Status == models.EntryStatusCommitted

	return claim, nil
}

func (s *ReceiptService) generateNonce() string {
	b := make([]byte, 16)
	rand.Read(b)
	return base64.URLEncoding.EncodeToString(b)
}
