package handlers

import (
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"

	"github.com/homelet/backend/internal/models"
	"github.com/homelet/backend/internal/services"
)

// PaycodeHandler exposes rent request codes: landlords issue them, tenants
// redeem them to settle a rent period without typing amounts or contract ids.
type PaycodeHandler struct {
	db        *sql.DB
	paycodes  *services.PaycodeService
	engine    *services.SettlementEngine
	validator *services.ValidationHelper
}

func NewPaycodeHandler(db *sql.DB, paycodes *services.PaycodeService, engine *services.SettlementEngine) *PaycodeHandler {
	return &PaycodeHandler{
		db:        db,
		paycodes:  paycodes,
		engine:    engine,
		validator: services.NewValidationHelper(),
	}
}

// GenerateCode issues a rent request code
// @Summary Generate rent code
// @Description Issue a single-use code bound to one of the landlord's active contracts
// @Tags paycodes
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body object{contractId=string} true "Rent code request"
// @Success 200 {object} object{code=string,amount=int64,expiresIn=int}
// @Failure 400 {object} services.ErrorResponse
// @Failure 401 {object} services.ErrorResponse
// @Failure 429 {object} services.ErrorResponse
// @Router /paycodes/generate [post]
func (h *PaycodeHandler) GenerateCode(w http.ResponseWriter, r *http.Request) {
	accountID, role, ok := h.caller(w, r)
	if !ok {
		return
	}
	if role != models.RoleLandlord {
		services.SendErrorResponse(w, "Only landlords can issue rent codes", http.StatusForbidden, nil)
		return
	}

	var req struct {
		ContractID string `json:"contractId" validate:"required"`
	}
	if !h.decode(w, r, &req) {
		return
	}

	rentCode, err := h.paycodes.GenerateCode(r.Context(), accountID, req.ContractID)
	if err != nil {
		log.Printf("[PAYCODE] GenerateCode - Service error: %v", err)
		switch {
		case errors.Is(err, services.ErrRateLimitExceeded):
			services.SendErrorResponse(w, "Too many codes issued, try again later", http.StatusTooManyRequests, nil)
		case errors.Is(err, services.ErrContractNotFound):
			services.SendErrorResponse(w, "Contract not found", http.StatusNotFound, nil)
		case errors.Is(err, services.ErrContractNotEligible):
			services.SendErrorResponse(w, "Contract is not active", http.StatusConflict, nil)
		default:
			services.SendErrorResponse(w, err.Error(), http.StatusBadRequest, nil)
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"success":   true,
		"code":      rentCode.Code,
		"amount":    rentCode.Amount,
		"expiresIn": int(h.paycodes.GetCodeTimeout().Seconds()),
	})
}

// RedeemCode settles rent with a code
// @Summary Redeem rent code
// @Description Redeem a landlord-issued code, settling one rent period from the tenant's wallet
// @Tags paycodes
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body object{code=string} true "Redemption request"
// @Success 200 {object} services.SettlementResult
// @Failure 400 {object} services.ErrorResponse
// @Failure 401 {object} services.ErrorResponse
// @Router /paycodes/redeem [post]
func (h *PaycodeHandler) RedeemCode(w http.ResponseWriter, r *http.Request) {
	accountID, _, ok := h.caller(w, r)
	if !ok {
		return
	}

	var req struct {
		Code string `json:"code" validate:"required,min=6,max=12"`
	}
	if !h.decode(w, r, &req) {
		return
	}

	rentCode, err := h.paycodes.ValidateAndConsume(r.Context(), req.Code)
	if err != nil {
		log.Printf("[PAYCODE] RedeemCode - Validation error: %v", err)
		switch {
		case errors.Is(err, services.ErrInvalidRentCode),
			errors.Is(err, services.ErrRentCodeUsed),
			errors.Is(err, services.ErrRentCodeExpired):
			services.SendErrorResponse(w, err.Error(), http.StatusBadRequest, nil)
		default:
			services.SendErrorResponse(w, "Failed to redeem code", http.StatusInternalServerError, nil)
		}
		return
	}

	var tenantAccountID string
	err = h.db.QueryRowContext(r.Context(),
		`SELECT tenant_account_id FROM contracts WHERE contract_id = $1`,
		rentCode.ContractID).Scan(&tenantAccountID)
	if err != nil {
		log.Printf("[PAYCODE] RedeemCode - Contract lookup failed for %s: %v", rentCode.ContractID, err)
		services.SendErrorResponse(w, "Failed to redeem code", http.StatusInternalServerError, nil)
		return
	}
	if tenantAccountID != accountID {
		// Not the tenant on this lease. Put the code back untouched.
		if relErr := h.paycodes.Release(r.Context(), req.Code); relErr != nil {
			log.Printf("[PAYCODE] RedeemCode - Release failed for contract %s: %v", rentCode.ContractID, relErr)
		}
		services.SendErrorResponse(w, "Code is not addressed to caller", http.StatusForbidden, nil)
		return
	}

	key := h.paycodes.SettlementKey(req.Code)
	result, err := h.engine.PayRent(r.Context(), accountID, rentCode.LandlordAccountID, rentCode.ContractID, rentCode.Amount, key)
	if err != nil {
		log.Printf("[PAYCODE] RedeemCode - Settlement error for contract %s: %v", rentCode.ContractID, err)
		if relErr := h.paycodes.Release(r.Context(), req.Code); relErr != nil {
			log.Printf("[PAYCODE] RedeemCode - Release failed for contract %s: %v", rentCode.ContractID, relErr)
		}
		if errors.Is(err, services.ErrInsufficientFunds) {
			services.SendErrorResponse(w, "Insufficient balance", http.StatusBadRequest, nil)
			return
		}
		services.SendErrorResponse(w, "Failed to settle rent", http.StatusInternalServerError, nil)
		return
	}

	log.Printf("[PAYCODE] RedeemCode - Settled contract %s, transfer %s, replayed=%v", rentCode.ContractID, result.TransferID, result.Replayed)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(result)
}

func (h *PaycodeHandler) caller(w http.ResponseWriter, r *http.Request) (string, string, bool) {
	userID, ok := r.Context().Value("userID").(string)
	if !ok || userID == "" {
		services.SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return "", "", false
	}

	var accountID, role string
	err := h.db.QueryRowContext(r.Context(),
		`SELECT account_id, role FROM users WHERE id = $1::integer`, userID).Scan(&accountID, &role)
	if err != nil {
		log.Printf("[PAYCODE] Account lookup failed for user %s: %v", userID, err)
		services.SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return "", "", false
	}
	return accountID, role, true
}

func (h *PaycodeHandler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 1_048_576)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(dst); err != nil {
		services.SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return false
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		services.SendErrorResponse(w, "Request body must only contain a single JSON object", http.StatusBadRequest, nil)
		return false
	}
	if err := h.validator.ValidateStruct(dst); err != nil {
		services.SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return false
	}
	return true
}
