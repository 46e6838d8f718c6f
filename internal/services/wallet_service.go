package services

import (
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strconv"

	"github.com/homelet/backend/internal/audit"
	"github.com/homelet/backend/internal/models"
)

// WalletService is the HTTP surface of the wallet: top-ups, withdrawals, rent
// payments, revenue transfers, balances and statements. All mutations go
// through the settlement engine; this layer only validates, maps errors and
// shapes responses.
type WalletService struct {
	db        *sql.DB
	engine    *SettlementEngine
	registry  *AccountRegistry
	banks     *BankService
	audit     *audit.Logger
	validator *ValidationHelper
}

func NewWalletService(db *sql.DB, engine *SettlementEngine, registry *AccountRegistry, banks *BankService) *WalletService {
	return &WalletService{
		db:        db,
		engine:    engine,
		registry:  registry,
		banks:     banks,
		audit:     audit.NewLogger(),
		validator: NewValidationHelper(),
	}
}

// TopUp credits the caller's wallet
// @Summary Top up wallet
// @Description Credit the authenticated user's wallet balance
// @Tags wallet
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body object{amount=int64,idempotencyKey=string} true "Top-up request"
// @Success 200 {object} SettlementResult
// @Failure 400 {object} ErrorResponse
// @Failure 401 {object} ErrorResponse
// @Router /wallet/topup [post]
func (ws *WalletService) TopUp(w http.ResponseWriter, r *http.Request) {
	accountID, ok := ws.callerAccountID(w, r)
	if !ok {
		return
	}

	var req struct {
		Amount         int64  `json:"amount" validate:"required,gt=0"`
		IdempotencyKey string `json:"idempotencyKey" validate:"required,min=8,max=128"`
	}
	if !ws.decode(w, r, &req) {
		return
	}

	log.Printf("[WALLET] Top-up request: account=%s, amount=%d, key=%s", accountID, req.Amount, req.IdempotencyKey)

	result, err := ws.engine.TopUp(r.Context(), accountID, req.Amount, req.IdempotencyKey)
	if err != nil {
		ws.writeSettlementError(w, req.IdempotencyKey, accountID, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(result)
}

// Withdraw debits the caller's wallet for payout to a bank account
// @Summary Withdraw from wallet
// @Description Debit the authenticated user's wallet for payout to an external bank account
// @Tags wallet
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body object{amount=int64,bankCode=string,destinationAccount=string,idempotencyKey=string} true "Withdrawal request"
// @Success 200 {object} SettlementResult
// @Failure 400 {object} ErrorResponse
// @Failure 401 {object} ErrorResponse
// @Router /wallet/withdraw [post]
func (ws *WalletService) Withdraw(w http.ResponseWriter, r *http.Request) {
	accountID, ok := ws.callerAccountID(w, r)
	if !ok {
		return
	}

	var req struct {
		Amount             int64  `json:"amount" validate:"required,gt=0"`
		BankCode           string `json:"bankCode" validate:"required,min=3,max=6"`
		DestinationAccount string `json:"destinationAccount" validate:"required,min=10,max=20"`
		IdempotencyKey     string `json:"idempotencyKey" validate:"required,min=8,max=128"`
	}
	if !ws.decode(w, r, &req) {
		return
	}

	if !ws.banks.IsValidCode(req.BankCode) {
		SendErrorResponse(w, "Unknown bank code", http.StatusBadRequest, nil)
		return
	}

	log.Printf("[WALLET] Withdrawal request: account=%s, amount=%d, bank=%s", accountID, req.Amount, req.BankCode)

	destination := req.BankCode + ":" + req.DestinationAccount
	result, err := ws.engine.Withdraw(r.Context(), accountID, req.Amount, destination, req.IdempotencyKey)
	if err != nil {
		ws.writeSettlementError(w, req.IdempotencyKey, accountID, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(result)
}

// PayRent settles the caller's rent for a contract
// @Summary Pay rent
// @Description Pay one rent period from the tenant's wallet into the landlord's held revenue
// @Tags wallet
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body object{contractId=string,idempotencyKey=string} true "Rent payment request"
// @Success 200 {object} SettlementResult
// @Failure 400 {object} ErrorResponse
// @Failure 401 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Router /wallet/pay-rent [post]
func (ws *WalletService) PayRent(w http.ResponseWriter, r *http.Request) {
	accountID, ok := ws.callerAccountID(w, r)
	if !ok {
		return
	}

	var req struct {
		ContractID     string `json:"contractId" validate:"required"`
		IdempotencyKey string `json:"idempotencyKey" validate:"required,min=8,max=128"`
	}
	if !ws.decode(w, r, &req) {
		return
	}

	var landlordAccountID, tenantAccountID, status string
	var rentAmount int64
	err := ws.db.QueryRowContext(r.Context(), `
		SELECT landlord_account_id, tenant_account_id, rent_amount, status
		FROM contracts WHERE contract_id = $1`, req.ContractID).Scan(
		&landlordAccountID, &tenantAccountID, &rentAmount, &status)
	if err == sql.ErrNoRows {
		SendErrorResponse(w, "Contract not found", http.StatusNotFound, nil)
		return
	}
	if err != nil {
		log.Printf("[WALLET] Contract lookup failed for %s: %v", req.ContractID, err)
		SendErrorResponse(w, "Failed to process payment", http.StatusInternalServerError, nil)
		return
	}

	if tenantAccountID != accountID {
		log.Printf("[WALLET] Account %s attempted rent payment on contract %s belonging to %s", accountID, req.ContractID, tenantAccountID)
		SendErrorResponse(w, "Contract does not belong to caller", http.StatusForbidden, nil)
		return
	}
	if status != models.ContractStatusActive {
		SendErrorResponse(w, "Contract is not active", http.StatusConflict, nil)
		return
	}

	log.Printf("[WALLET] Rent payment: contract=%s, tenant=%s, landlord=%s, amount=%d",
		req.ContractID, accountID, landlordAccountID, rentAmount)

	result, err := ws.engine.PayRent(r.Context(), accountID, landlordAccountID, req.ContractID, rentAmount, req.IdempotencyKey)
	if err != nil {
		ws.writeSettlementError(w, req.IdempotencyKey, accountID, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(result)
}

// TransferRevenue releases held revenue into the caller's wallet
// @Summary Transfer held revenue
// @Description Move landlord earnings from held revenue into the withdrawable wallet balance
// @Tags wallet
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body object{amount=int64,idempotencyKey=string} true "Revenue transfer request"
// @Success 200 {object} SettlementResult
// @Failure 400 {object} ErrorResponse
// @Failure 401 {object} ErrorResponse
// @Router /wallet/transfer-revenue [post]
func (ws *WalletService) TransferRevenue(w http.ResponseWriter, r *http.Request) {
	accountID, ok := ws.callerAccountID(w, r)
	if !ok {
		return
	}

	var req struct {
		Amount         int64  `json:"amount" validate:"required,gt=0"`
		IdempotencyKey string `json:"idempotencyKey" validate:"required,min=8,max=128"`
	}
	if !ws.decode(w, r, &req) {
		return
	}

	log.Printf("[WALLET] Revenue transfer request: account=%s, amount=%d", accountID, req.Amount)

	result, err := ws.engine.TransferHeldRevenue(r.Context(), accountID, req.Amount, req.IdempotencyKey)
	if err != nil {
		ws.writeSettlementError(w, req.IdempotencyKey, accountID, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(result)
}

// GetBalance returns the caller's balances
// @Summary Get wallet balances
// @Description Get the authenticated user's wallet and held-revenue balances
// @Tags wallet
// @Produce json
// @Security BearerAuth
// @Success 200 {object} object{accountId=string,walletBalance=int64,heldRevenueBalance=int64}
// @Failure 401 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Router /wallet/balance [get]
func (ws *WalletService) GetBalance(w http.ResponseWriter, r *http.Request) {
	accountID, ok := ws.callerAccountID(w, r)
	if !ok {
		return
	}

	acct, err := ws.registry.GetAccount(r.Context(), accountID)
	if err != nil {
		if errors.Is(err, ErrAccountNotFound) {
			SendErrorResponse(w, "Account not found", http.StatusNotFound, nil)
		} else {
			SendErrorResponse(w, "Failed to fetch balance", http.StatusInternalServerError, nil)
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"accountId":          acct.AccountID,
		"walletBalance":      acct.WalletBalance,
		"heldRevenueBalance": acct.HeldRevenueBalance,
	})
}

// ListTransactions returns the caller's ledger entries
// @Summary List wallet transactions
// @Description List the authenticated user's ledger entries, oldest first
// @Tags wallet
// @Produce json
// @Security BearerAuth
// @Param kind query string false "Filter by entry kind"
// @Param limit query int false "Page size (default 50, max 200)"
// @Param offset query int false "Page offset"
// @Success 200 {object} object{transactions=[]models.LedgerEntry,count=int}
// @Failure 401 {object} ErrorResponse
// @Router /wallet/transactions [get]
func (ws *WalletService) ListTransactions(w http.ResponseWriter, r *http.Request) {
	accountID, ok := ws.callerAccountID(w, r)
	if !ok {
		return
	}

	kind := r.URL.Query().Get("kind")
	limit := 50
	if l, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && l > 0 && l <= 200 {
		limit = l
	}
	offset := 0
	if o, err := strconv.Atoi(r.URL.Query().Get("offset")); err == nil && o > 0 {
		offset = o
	}

	entries, err := ws.engine.Store().ListByAccount(r.Context(), accountID, kind, limit, offset)
	if err != nil {
		log.Printf("[WALLET] Failed to list transactions for %s: %v", accountID, err)
		SendErrorResponse(w, "Failed to fetch transactions", http.StatusInternalServerError, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"transactions": entries,
		"count":        len(entries),
	})
}

// RebuildBalance audits the caller's cached balance against the ledger
// @Summary Audit wallet balance
// @Description Recompute a balance from the ledger and compare it with the cache
// @Tags wallet
// @Produce json
// @Security BearerAuth
// @Param pool query string false "Balance pool (WALLET or HELD_REVENUE, default WALLET)"
// @Success 200 {object} object{accountId=string,pool=string,balance=int64,consistent=bool}
// @Failure 401 {object} ErrorResponse
// @Router /wallet/audit/rebuild [post]
func (ws *WalletService) RebuildBalance(w http.ResponseWriter, r *http.Request) {
	accountID, ok := ws.callerAccountID(w, r)
	if !ok {
		return
	}

	pool := r.URL.Query().Get("pool")
	if pool == "" {
		pool = models.PoolWallet
	}
	if pool != models.PoolWallet && pool != models.PoolHeldRevenue {
		SendErrorResponse(w, "Unknown balance pool", http.StatusBadRequest, nil)
		return
	}

	derived, err := ws.registry.Rebuild(r.Context(), accountID, pool)
	if err != nil {
		var fault *IntegrityFaultError
		if errors.As(err, &fault) {
			// Surfaced for operator attention; the user gets a generic message.
			ws.audit.LogError(accountID, accountID, fault)
			SendErrorResponse(w, "Balance audit flagged an inconsistency, please contact support", http.StatusConflict, nil)
			return
		}
		if errors.Is(err, ErrAccountNotFound) {
			SendErrorResponse(w, "Account not found", http.StatusNotFound, nil)
			return
		}
		SendErrorResponse(w, "Failed to audit balance", http.StatusInternalServerError, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"accountId":  accountID,
		"pool":       pool,
		"balance":    derived,
		"consistent": true,
	})
}

// ReverseEntry refunds a committed transfer
// @Summary Reverse ledger entry
// @Description Append compensating refund entries backing out the full transfer of a committed entry the caller is party to
// @Tags wallet
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body object{entryId=string} true "Reversal request"
// @Success 200 {object} models.LedgerEntry
// @Failure 400 {object} ErrorResponse
// @Failure 401 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Router /wallet/reverse [post]
func (ws *WalletService) ReverseEntry(w http.ResponseWriter, r *http.Request) {
	accountID, ok := ws.callerAccountID(w, r)
	if !ok {
		return
	}

	var req struct {
		EntryID string `json:"entryId" validate:"required"`
	}
	if !ws.decode(w, r, &req) {
		return
	}

	entry, err := ws.engine.Store().GetEntry(r.Context(), req.EntryID)
	if err != nil {
		if errors.Is(err, ErrEntryNotFound) {
			SendErrorResponse(w, "Entry not found", http.StatusNotFound, nil)
		} else {
			SendErrorResponse(w, "Failed to reverse entry", http.StatusInternalServerError, nil)
		}
		return
	}

	// Only the side that received value may give it back.
	if entry.Direction == models.DirectionCredit && entry.AccountID != accountID ||
		entry.Direction == models.DirectionDebit && entry.CounterpartyAccountID != accountID {
		SendErrorResponse(w, "Entry cannot be reversed by caller", http.StatusForbidden, nil)
		return
	}

	log.Printf("[WALLET] Reversal request: entry=%s, by=%s", req.EntryID, accountID)

	compensating, err := ws.engine.Store().Reverse(r.Context(), req.EntryID)
	if err != nil {
		ws.writeSettlementError(w, req.EntryID, accountID, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(compensating)
}

// writeSettlementError maps the settlement error taxonomy onto HTTP
// responses. Business-rule violations carry actionable messages; conflicts
// and integrity faults are logged for operators and kept generic for users.
func (ws *WalletService) writeSettlementError(w http.ResponseWriter, transferID, accountID string, err error) {
	var invalidAmount *InvalidAmountError
	var duplicate *DuplicateConflictError
	var unavailable *StoreUnavailableError
	var fault *IntegrityFaultError

	switch {
	case errors.Is(err, ErrInsufficientFunds):
		SendErrorResponse(w, "Insufficient balance", http.StatusBadRequest, nil)
	case errors.As(err, &invalidAmount):
		SendErrorResponse(w, invalidAmount.Error(), http.StatusBadRequest, nil)
	case errors.Is(err, ErrIdempotencyKeyRequired):
		SendErrorResponse(w, "Idempotency key is required", http.StatusBadRequest, nil)
	case errors.Is(err, ErrAccountNotFound):
		SendErrorResponse(w, "Account not found", http.StatusNotFound, nil)
	case errors.As(err, &duplicate):
		ws.audit.LogError(transferID, accountID, err)
		SendErrorResponse(w, "Request conflicts with an earlier operation, please try again or contact support", http.StatusConflict, nil)
	case errors.As(err, &fault):
		ws.audit.LogError(transferID, accountID, err)
		SendErrorResponse(w, "Something went wrong, please try again or contact support", http.StatusInternalServerError, nil)
	case errors.As(err, &unavailable):
		ws.audit.LogError(transferID, accountID, err)
		SendErrorResponse(w, "Service temporarily unavailable, please retry", http.StatusServiceUnavailable, nil)
	default:
		ws.audit.LogError(transferID, accountID, err)
		SendErrorResponse(w, "Failed to process operation", http.StatusInternalServerError, nil)
	}
}

// callerAccountID resolves the authenticated user to their wallet account.
func (ws *WalletService) callerAccountID(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID, ok := r.Context().Value("userID").(string)
	if !ok || userID == "" {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return "", false
	}

	var accountID string
	err := ws.db.QueryRowContext(r.Context(), `SELECT account_id FROM users WHERE id = $1::integer`, userID).Scan(&accountID)
	if err != nil {
		log.Printf("[WALLET] Account lookup failed for user %s: %v", userID, err)
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return "", false
	}
	return accountID, true
}

// decode reads and validates a JSON request body.
func (ws *WalletService) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 1_048_576)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(dst); err != nil {
		SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return false
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		SendErrorResponse(w, "Request body must only contain a single JSON object", http.StatusBadRequest, nil)
		return false
	}
	if err := ws.validator.ValidateStruct(dst); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return false
	}
	return true
}
