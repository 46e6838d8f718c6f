package services

import (
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/homelet/backend/internal/models"
)

// ContractService manages the lease lifecycle: a landlord drafts a contract
// for one of their properties, both sides can inspect it, activation opens
// the rent schedule and termination closes it. Due dates are always derived
// from the ledger, never stored.
type ContractService struct {
	db         *sql.DB
	store      *LedgerStore
	dispatcher NotificationDispatcher
	validator  *ValidationHelper
}

func NewContractService(db *sql.DB, store *LedgerStore, dispatcher NotificationDispatcher) *ContractService {
	return &ContractService{
		db:         db,
		store:      store,
		dispatcher: dispatcher,
		validator:  NewValidationHelper(),
	}
}

type createContractRequest struct {
	PropertyID          string `json:"propertyId" validate:"required"`
	TenantAccountID     string `json:"tenantAccountId" validate:"required"`
	LeaseStart          string `json:"leaseStart" validate:"required"`
	LeaseDurationMonths int    `json:"leaseDurationMonths" validate:"required,gte=1,lte=60"`
	DueDayOfMonth       int    `json:"dueDayOfMonth" validate:"required,gte=1,lte=31"`
	RentAmount          int64  `json:"rentAmount" validate:"required,gt=0"`
}

// CreateContract drafts a lease
// @Summary Create contract
// @Description Draft a lease contract for one of the landlord's properties
// @Tags contracts
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body createContractRequest true "Contract terms"
// @Success 201 {object} models.Contract
// @Failure 400 {object} ErrorResponse
// @Failure 403 {object} ErrorResponse
// @Router /contracts [post]
func (cs *ContractService) CreateContract(w http.ResponseWriter, r *http.Request) {
	caller, ok := cs.caller(w, r)
	if !ok {
		return
	}
	if caller.Role != models.RoleLandlord {
		SendErrorResponse(w, "Only landlords can create contracts", http.StatusForbidden, nil)
		return
	}

	var req createContractRequest
	if !cs.decode(w, r, &req) {
		return
	}

	leaseStart, err := time.Parse("2006-01-02", req.LeaseStart)
	if err != nil {
		SendErrorResponse(w, "leaseStart must be a date in YYYY-MM-DD format", http.StatusBadRequest, nil)
		return
	}

	var propertyOwner, propertyStatus string
	err = cs.db.QueryRowContext(r.Context(),
		`SELECT landlord_account_id, status FROM properties WHERE property_id = $1`,
		req.PropertyID).Scan(&propertyOwner, &propertyStatus)
	if err == sql.ErrNoRows {
		SendErrorResponse(w, "Property not found", http.StatusNotFound, nil)
		return
	}
	if err != nil {
		log.Printf("[CONTRACT] Property lookup failed for %s: %v", req.PropertyID, err)
		SendErrorResponse(w, "Failed to create contract", http.StatusInternalServerError, nil)
		return
	}
	if propertyOwner != caller.AccountID {
		SendErrorResponse(w, "Property does not belong to caller", http.StatusForbidden, nil)
		return
	}
	if propertyStatus != models.PropertyStatusAvailable {
		SendErrorResponse(w, "Property is not available", http.StatusConflict, nil)
		return
	}
	if req.TenantAccountID == caller.AccountID {
		SendErrorResponse(w, "Landlord cannot be the tenant of their own property", http.StatusBadRequest, nil)
		return
	}

	contract := models.Contract{
		ContractID:          "CT-" + uuid.New().String(),
		PropertyID:          req.PropertyID,
		LandlordAccountID:   caller.AccountID,
		TenantAccountID:     req.TenantAccountID,
		LeaseStart:          leaseStart,
		LeaseDurationMonths: req.LeaseDurationMonths,
		DueDayOfMonth:       req.DueDayOfMonth,
		RentAmount:          req.RentAmount,
		Status:              models.ContractStatusDraft,
	}

	err = cs.db.QueryRowContext(r.Context(), `
		INSERT INTO contracts (contract_id, property_id, landlord_account_id, tenant_account_id,
			lease_start, lease_duration_months, due_day_of_month, rent_amount, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id, created_at, updated_at`,
		contract.ContractID, contract.PropertyID, contract.LandlordAccountID, contract.TenantAccountID,
		contract.LeaseStart, contract.LeaseDurationMonths, contract.DueDayOfMonth, contract.RentAmount,
		contract.Status).Scan(&contract.ID, &contract.CreatedAt, &contract.UpdatedAt)
	if err != nil {
		log.Printf("[CONTRACT] Failed to insert contract for property %s: %v", req.PropertyID, err)
		SendErrorResponse(w, "Failed to create contract", http.StatusInternalServerError, nil)
		return
	}

	log.Printf("[CONTRACT] Created %s: property=%s, tenant=%s, rent=%d", contract.ContractID, contract.PropertyID, contract.TenantAccountID, contract.RentAmount)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(contract)
}

// ActivateContract moves a draft lease into force
// @Summary Activate contract
// @Description Activate a draft contract and mark the property rented
// @Tags contracts
// @Produce json
// @Security BearerAuth
// @Param contractId path string true "Contract ID"
// @Success 200 {object} models.Contract
// @Failure 403 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Failure 409 {object} ErrorResponse
// @Router /contracts/{contractId}/activate [post]
func (cs *ContractService) ActivateContract(w http.ResponseWriter, r *http.Request) {
	caller, ok := cs.caller(w, r)
	if !ok {
		return
	}
	contractID := chi.URLParam(r, "contractId")

	tx, err := cs.db.BeginTx(r.Context(), nil)
	if err != nil {
		SendErrorResponse(w, "Failed to activate contract", http.StatusInternalServerError, nil)
		return
	}
	defer tx.Rollback()

	contract, err := findContractTx(tx, contractID)
	if err != nil {
		if errors.Is(err, ErrContractNotFound) {
			SendErrorResponse(w, "Contract not found", http.StatusNotFound, nil)
		} else {
			SendErrorResponse(w, "Failed to activate contract", http.StatusInternalServerError, nil)
		}
		return
	}
	if contract.LandlordAccountID != caller.AccountID {
		SendErrorResponse(w, "Contract does not belong to caller", http.StatusForbidden, nil)
		return
	}
	if contract.Status != models.ContractStatusDraft {
		SendErrorResponse(w, "Only draft contracts can be activated", http.StatusConflict, nil)
		return
	}

	if _, err := tx.Exec(
		`UPDATE contracts SET status = $1, updated_at = NOW() WHERE contract_id = $2`,
		models.ContractStatusActive, contractID); err != nil {
		log.Printf("[CONTRACT] Failed to activate %s: %v", contractID, err)
		SendErrorResponse(w, "Failed to activate contract", http.StatusInternalServerError, nil)
		return
	}
	if _, err := tx.Exec(
		`UPDATE properties SET status = $1, updated_at = NOW() WHERE property_id = $2`,
		models.PropertyStatusRented, contract.PropertyID); err != nil {
		log.Printf("[CONTRACT] Failed to mark property %s rented: %v", contract.PropertyID, err)
		SendErrorResponse(w, "Failed to activate contract", http.StatusInternalServerError, nil)
		return
	}
	if err := tx.Commit(); err != nil {
		SendErrorResponse(w, "Failed to activate contract", http.StatusInternalServerError, nil)
		return
	}

	contract.Status = models.ContractStatusActive
	log.Printf("[CONTRACT] Activated %s", contractID)

	go func() {
		ctx, cancel := context5s()
		defer cancel()
		if err := cs.dispatcher.Notify(ctx, contract.TenantAccountID, "CONTRACT_ACTIVATED", map[string]interface{}{
			"contractId": contract.ContractID,
			"propertyId": contract.PropertyID,
			"rentAmount": contract.RentAmount,
		}); err != nil {
			log.Printf("[CONTRACT] Notification dispatch failed for %s: %v", contractID, err)
		}
	}()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(contract)
}

// GetContract returns one contract
// @Summary Get contract
// @Description Get a contract visible to the caller
// @Tags contracts
// @Produce json
// @Security BearerAuth
// @Param contractId path string true "Contract ID"
// @Success 200 {object} models.Contract
// @Failure 403 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Router /contracts/{contractId} [get]
func (cs *ContractService) GetContract(w http.ResponseWriter, r *http.Request) {
	caller, ok := cs.caller(w, r)
	if !ok {
		return
	}

	contract, ok := cs.visibleContract(w, r, caller)
	if !ok {
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(contract)
}

// ListContracts returns the caller's contracts
// @Summary List contracts
// @Description List contracts where the caller is landlord or tenant
// @Tags contracts
// @Produce json
// @Security BearerAuth
// @Success 200 {object} object{contracts=[]models.Contract,count=int}
// @Failure 401 {object} ErrorResponse
// @Router /contracts [get]
func (cs *ContractService) ListContracts(w http.ResponseWriter, r *http.Request) {
	caller, ok := cs.caller(w, r)
	if !ok {
		return
	}

	rows, err := cs.db.QueryContext(r.Context(), `
		SELECT id, contract_id, property_id, landlord_account_id, tenant_account_id,
			lease_start, lease_duration_months, due_day_of_month, rent_amount, status,
			created_at, updated_at
		FROM contracts
		WHERE landlord_account_id = $1 OR tenant_account_id = $1
		ORDER BY created_at DESC`, caller.AccountID)
	if err != nil {
		log.Printf("[CONTRACT] Failed to list contracts for %s: %v", caller.AccountID, err)
		SendErrorResponse(w, "Failed to fetch contracts", http.StatusInternalServerError, nil)
		return
	}
	defer rows.Close()

	contracts := []models.Contract{}
	for rows.Next() {
		var c models.Contract
		if err := rows.Scan(&c.ID, &c.ContractID, &c.PropertyID, &c.LandlordAccountID,
			&c.TenantAccountID, &c.LeaseStart, &c.LeaseDurationMonths, &c.DueDayOfMonth,
			&c.RentAmount, &c.Status, &c.CreatedAt, &c.UpdatedAt); err != nil {
			SendErrorResponse(w, "Failed to fetch contracts", http.StatusInternalServerError, nil)
			return
		}
		contracts = append(contracts, c)
	}
	if err := rows.Err(); err != nil {
		SendErrorResponse(w, "Failed to fetch contracts", http.StatusInternalServerError, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"contracts": contracts,
		"count":     len(contracts),
	})
}

// TerminateContract ends a lease early
// @Summary Terminate contract
// @Description Terminate an active contract and release the property
// @Tags contracts
// @Produce json
// @Security BearerAuth
// @Param contractId path string true "Contract ID"
// @Success 200 {object} models.Contract
// @Failure 403 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Failure 409 {object} ErrorResponse
// @Router /contracts/{contractId}/terminate [post]
func (cs *ContractService) TerminateContract(w http.ResponseWriter, r *http.Request) {
	caller, ok := cs.caller(w, r)
	if !ok {
		return
	}
	contractID := chi.URLParam(r, "contractId")

	tx, err := cs.db.BeginTx(r.Context(), nil)
	if err != nil {
		SendErrorResponse(w, "Failed to terminate contract", http.StatusInternalServerError, nil)
		return
	}
	defer tx.Rollback()

	contract, err := findContractTx(tx, contractID)
	if err != nil {
		if errors.Is(err, ErrContractNotFound) {
			SendErrorResponse(w, "Contract not found", http.StatusNotFound, nil)
		} else {
			SendErrorResponse(w, "Failed to terminate contract", http.StatusInternalServerError, nil)
		}
		return
	}
	if contract.LandlordAccountID != caller.AccountID {
		SendErrorResponse(w, "Only the landlord can terminate a contract", http.StatusForbidden, nil)
		return
	}
	if contract.Status != models.ContractStatusActive {
		SendErrorResponse(w, "Only active contracts can be terminated", http.StatusConflict, nil)
		return
	}

	if _, err := tx.Exec(
		`UPDATE contracts SET status = $1, updated_at = NOW() WHERE contract_id = $2`,
		models.ContractStatusTerminated, contractID); err != nil {
		log.Printf("[CONTRACT] Failed to terminate %s: %v", contractID, err)
		SendErrorResponse(w, "Failed to terminate contract", http.StatusInternalServerError, nil)
		return
	}
	if _, err := tx.Exec(
		`UPDATE properties SET status = $1, updated_at = NOW() WHERE property_id = $2`,
		models.PropertyStatusAvailable, contract.PropertyID); err != nil {
		log.Printf("[CONTRACT] Failed to release property %s: %v", contract.PropertyID, err)
		SendErrorResponse(w, "Failed to terminate contract", http.StatusInternalServerError, nil)
		return
	}
	if err := tx.Commit(); err != nil {
		SendErrorResponse(w, "Failed to terminate contract", http.StatusInternalServerError, nil)
		return
	}

	contract.Status = models.ContractStatusTerminated
	log.Printf("[CONTRACT] Terminated %s", contractID)

	go func() {
		ctx, cancel := context5s()
		defer cancel()
		if err := cs.dispatcher.Notify(ctx, contract.TenantAccountID, "CONTRACT_TERMINATED", map[string]interface{}{
			"contractId": contract.ContractID,
			"propertyId": contract.PropertyID,
		}); err != nil {
			log.Printf("[CONTRACT] Notification dispatch failed for %s: %v", contractID, err)
		}
	}()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(contract)
}

// NextDue returns the contract's billing status
// @Summary Get next rent due date
// @Description Derive the next rent due date from the lease terms and the ledger
// @Tags contracts
// @Produce json
// @Security BearerAuth
// @Param contractId path string true "Contract ID"
// @Success 200 {object} object{contractId=string,nextDueDate=string,committedPayments=int,paymentsRemaining=int,overdue=bool}
// @Failure 403 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Router /contracts/{contractId}/next-due [get]
func (cs *ContractService) NextDue(w http.ResponseWriter, r *http.Request) {
	caller, ok := cs.caller(w, r)
	if !ok {
		return
	}

	contract, ok := cs.visibleContract(w, r, caller)
	if !ok {
		return
	}

	committed, err := cs.store.CountCommittedRentPayments(r.Context(), contract.ContractID)
	if err != nil {
		log.Printf("[CONTRACT] Failed to count payments for %s: %v", contract.ContractID, err)
		SendErrorResponse(w, "Failed to compute due date", http.StatusInternalServerError, nil)
		return
	}

	schedule := contract.Schedule()
	nextDueDate := NextDueDate(schedule, committed)
	overdue := contract.Status == models.ContractStatusActive && IsOverdue(nextDueDate, time.Now().UTC())

	if overdue {
		go func() {
			ctx, cancel := context5s()
			defer cancel()
			if err := cs.dispatcher.Notify(ctx, contract.TenantAccountID, "RENT_OVERDUE", map[string]interface{}{
				"contractId":  contract.ContractID,
				"nextDueDate": nextDueDate.Format("2006-01-02"),
				"rentAmount":  contract.RentAmount,
			}); err != nil {
				log.Printf("[CONTRACT] Overdue notification failed for %s: %v", contract.ContractID, err)
			}
		}()
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"contractId":        contract.ContractID,
		"nextDueDate":       nextDueDate.Format("2006-01-02"),
		"committedPayments": committed,
		"paymentsRemaining": PaymentsRemaining(schedule, committed),
		"overdue":           overdue,
	})
}

// visibleContract loads the contract in the URL and checks the caller is a
// party to it.
func (cs *ContractService) visibleContract(w http.ResponseWriter, r *http.Request, caller *contractCaller) (*models.Contract, bool) {
	contractID := chi.URLParam(r, "contractId")

	var c models.Contract
	err := cs.db.QueryRowContext(r.Context(), `
		SELECT id, contract_id, property_id, landlord_account_id, tenant_account_id,
			lease_start, lease_duration_months, due_day_of_month, rent_amount, status,
			created_at, updated_at
		FROM contracts WHERE contract_id = $1`, contractID).Scan(
		&c.ID, &c.ContractID, &c.PropertyID, &c.LandlordAccountID, &c.TenantAccountID,
		&c.LeaseStart, &c.LeaseDurationMonths, &c.DueDayOfMonth, &c.RentAmount, &c.Status,
		&c.CreatedAt, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		SendErrorResponse(w, "Contract not found", http.StatusNotFound, nil)
		return nil, false
	}
	if err != nil {
		log.Printf("[CONTRACT] Contract lookup failed for %s: %v", contractID, err)
		SendErrorResponse(w, "Failed to fetch contract", http.StatusInternalServerError, nil)
		return nil, false
	}

	if c.LandlordAccountID != caller.AccountID && c.TenantAccountID != caller.AccountID {
		SendErrorResponse(w, "Contract does not belong to caller", http.StatusForbidden, nil)
		return nil, false
	}
	return &c, true
}

func findContractTx(tx *sql.Tx, contractID string) (*models.Contract, error) {
	var c models.Contract
	err := tx.QueryRow(`
		SELECT id, contract_id, property_id, landlord_account_id, tenant_account_id,
			lease_start, lease_duration_months, due_day_of_month, rent_amount, status,
			created_at, updated_at
		FROM contracts WHERE contract_id = $1 FOR UPDATE`, contractID).Scan(
		&c.ID, &c.ContractID, &c.PropertyID, &c.LandlordAccountID, &c.TenantAccountID,
		&c.LeaseStart, &c.LeaseDurationMonths, &c.DueDayOfMonth, &c.RentAmount, &c.Status,
		&c.CreatedAt, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrContractNotFound
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

type contractCaller struct {
	AccountID string
	Role      string
}

// caller resolves the authenticated user to their account id and role.
func (cs *ContractService) caller(w http.ResponseWriter, r *http.Request) (*contractCaller, bool) {
	userID, ok := r.Context().Value("userID").(string)
	if !ok || userID == "" {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return nil, false
	}

	var c contractCaller
	err := cs.db.QueryRowContext(r.Context(),
		`SELECT account_id, role FROM users WHERE id = $1::integer`, userID).Scan(&c.AccountID, &c.Role)
	if err != nil {
		log.Printf("[CONTRACT] Account lookup failed for user %s: %v", userID, err)
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return nil, false
	}
	return &c, true
}

func (cs *ContractService) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
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
	if err := cs.validator.ValidateStruct(dst); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return false
	}
	return true
}
