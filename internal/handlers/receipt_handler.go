package handlers

import (
	"database/sql"
	"encoding/json"
	"io"
	"log"
	"net/http"

	"github.com/homelet/backend/internal/services"
)

type ReceiptHandler struct {
	db        *sql.DB
	service   *services.ReceiptService
	validator *services.ValidationHelper
}

func NewReceiptHandler(db *sql.DB, service *services.ReceiptService) *ReceiptHandler {
	return &ReceiptHandler{
		db:        db,
		service:   service,
		validator: services.NewValidationHelper(),
	}
}

// GenerateReceipt issues a QR receipt for a rent payment
// @Summary Generate rent receipt
// @Description Issue a scannable QR receipt for a committed rent payment entry
// @Tags receipts
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body object{entryId=string} true "Receipt request"
// @Success 200 {object} object{receiptToken=string,qrImage=string}
// @Failure 400 {object} services.ErrorResponse
// @Failure 401 {object} services.ErrorResponse
// @Router /receipts/generate [post]
func (h *ReceiptHandler) GenerateReceipt(w http.ResponseWriter, r *http.Request) {
	userID, ok := r.Context().Value("userID").(string)
	if !ok || userID == "" {
		services.SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	var accountID string
	if err := h.db.QueryRowContext(r.Context(),
		`SELECT account_id FROM users WHERE id = $1::integer`, userID).Scan(&accountID); err != nil {
		log.Printf("[RECEIPT] Account lookup failed for user %s: %v", userID, err)
		services.SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	var req struct {
		EntryID string `json:"entryId" validate:"required"`
	}

	r.Body = http.MaxBytesReader(w, r.Body, 1_048_576)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(&req); err != nil {
		services.SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return
	}

	if err := dec.Decode(&struct{}{}); err != io.EOF {
		services.SendErrorResponse(w, "Request body must only contain a single JSON object", http.StatusBadRequest, nil)
		return
	}

	if err := h.validator.ValidateStruct(&req); err != nil {
		services.SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	token, qrImage, err := h.service.GenerateReceipt(r.Context(), accountID, req.EntryID)
	if err != nil {
		log.Printf("[RECEIPT] GenerateReceipt - Service error: %v", err)
		services.SendErrorResponse(w, err.Error(), http.StatusBadRequest, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"success":      true,
		"receiptToken": token,
		"qrImage":      qrImage,
	})
}

// VerifyReceipt checks a scanned receipt against the ledger
// @Summary Verify rent receipt
// @Description Verify a scanned receipt token against the ledger
// @Tags receipts
// @Accept json
// @Produce json
// @Param request body object{receiptToken=string} true "Verification request"
// @Success 200 {object} object{valid=bool}
// @Failure 400 {object} services.ErrorResponse
// @Router /receipts/verify [post]
func (h *ReceiptHandler) VerifyReceipt(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ReceiptToken string `json:"receiptToken" validate:"required"`
	}

	r.Body = http.MaxBytesReader(w, r.Body, 1_048_576)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(&req); err != nil {
		services.SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return
	}

	if err := dec.Decode(&struct{}{}); err != io.EOF {
		services.SendErrorResponse(w, "Request body must only contain a single JSON object", http.StatusBadRequest, nil)
		return
	}

	if err := h.validator.ValidateStruct(&req); err != nil {
		services.SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	result, err := h.service.VerifyReceipt(r.Context(), req.ReceiptToken)
	if err != nil {
		services.SendErrorResponse(w, err.Error(), http.StatusBadRequest, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"success": true,
		"data":    result,
	})
}
