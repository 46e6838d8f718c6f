package services

import (
	"database/sql"
	"encoding/json"
	"io"
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/homelet/backend/internal/models"
)

// MaintenanceService handles repair requests filed by tenants against their
// active contracts and worked by landlords.
type MaintenanceService struct {
	db         *sql.DB
	dispatcher NotificationDispatcher
	validator  *ValidationHelper
}

func NewMaintenanceService(db *sql.DB, dispatcher NotificationDispatcher) *MaintenanceService {
	return &MaintenanceService{
		db:         db,
		dispatcher: dispatcher,
		validator:  NewValidationHelper(),
	}
}

// Allowed status transitions, keyed by current status.
var maintenanceTransitions = map[string][]string{
	models.MaintenanceStatusOpen:       {models.MaintenanceStatusInProgress, models.MaintenanceStatusRejected},
	models.MaintenanceStatusInProgress: {models.MaintenanceStatusResolved},
}

// CreateRequest files a maintenance request
// @Summary File maintenance request
// @Description File a repair request against one of the tenant's active contracts
// @Tags maintenance
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body object{contractId=string,title=string,description=string} true "Request details"
// @Success 201 {object} models.MaintenanceRequest
// @Failure 400 {object} ErrorResponse
// @Failure 403 {object} ErrorResponse
// @Router /maintenance [post]
func (ms *MaintenanceService) CreateRequest(w http.ResponseWriter, r *http.Request) {
	accountID, ok := ms.caller(w, r)
	if !ok {
		return
	}

	var req struct {
		ContractID  string `json:"contractId" validate:"required"`
		Title       string `json:"title" validate:"required,min=3,max=120"`
		Description string `json:"description" validate:"max=2000"`
	}
	if !ms.decode(w, r, &req) {
		return
	}

	var tenantAccountID, landlordAccountID, contractStatus string
	err := ms.db.QueryRowContext(r.Context(),
		`SELECT tenant_account_id, landlord_account_id, status FROM contracts WHERE contract_id = $1`,
		req.ContractID).Scan(&tenantAccountID, &landlordAccountID, &contractStatus)
	if err == sql.ErrNoRows {
		SendErrorResponse(w, "Contract not found", http.StatusNotFound, nil)
		return
	}
	if err != nil {
		log.Printf("[MAINTENANCE] Contract lookup failed for %s: %v", req.ContractID, err)
		SendErrorResponse(w, "Failed to file request", http.StatusInternalServerError, nil)
		return
	}
	if tenantAccountID != accountID {
		SendErrorResponse(w, "Contract does not belong to caller", http.StatusForbidden, nil)
		return
	}
	if contractStatus != models.ContractStatusActive {
		SendErrorResponse(w, "Contract is not active", http.StatusConflict, nil)
		return
	}

	request := models.MaintenanceRequest{
		RequestID:       "MR-" + uuid.New().String(),
		ContractID:      req.ContractID,
		TenantAccountID: accountID,
		Title:           req.Title,
		Description:     req.Description,
		Status:          models.MaintenanceStatusOpen,
	}

	err = ms.db.QueryRowContext(r.Context(), `
		INSERT INTO maintenance_requests (request_id, contract_id, tenant_account_id, title, description, status)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at, updated_at`,
		request.RequestID, request.ContractID, request.TenantAccountID, request.Title,
		request.Description, request.Status).Scan(&request.ID, &request.CreatedAt, &request.UpdatedAt)
	if err != nil {
		log.Printf("[MAINTENANCE] Failed to insert request for contract %s: %v", req.ContractID, err)
		SendErrorResponse(w, "Failed to file request", http.StatusInternalServerError, nil)
		return
	}

	log.Printf("[MAINTENANCE] Filed %s on contract %s", request.RequestID, req.ContractID)

	go func() {
		ctx, cancel := context5s()
		defer cancel()
		if err := ms.dispatcher.Notify(ctx, landlordAccountID, "MAINTENANCE_FILED", map[string]interface{}{
			"requestId":  request.RequestID,
			"contractId": request.ContractID,
			"title":      request.Title,
		}); err != nil {
			log.Printf("[MAINTENANCE] Notification dispatch failed for %s: %v", request.RequestID, err)
		}
	}()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(request)
}

// ListRequests returns requests visible to the caller
// @Summary List maintenance requests
// @Description List maintenance requests where the caller is the tenant or the landlord
// @Tags maintenance
// @Produce json
// @Security BearerAuth
// @Param status query string false "Filter by status"
// @Success 200 {object} object{requests=[]models.MaintenanceRequest,count=int}
// @Failure 401 {object} ErrorResponse
// @Router /maintenance [get]
func (ms *MaintenanceService) ListRequests(w http.ResponseWriter, r *http.Request) {
	accountID, ok := ms.caller(w, r)
	if !ok {
		return
	}

	query := `
		SELECT m.id, m.request_id, m.contract_id, m.tenant_account_id, m.title,
			m.description, m.status, m.created_at, m.updated_at
		FROM maintenance_requests m
		JOIN contracts c ON c.contract_id = m.contract_id
		WHERE (m.tenant_account_id = $1 OR c.landlord_account_id = $1)`
	args := []interface{}{accountID}
	if status := r.URL.Query().Get("status"); status != "" {
		query += ` AND m.status = $2`
		args = append(args, status)
	}
	query += ` ORDER BY m.created_at DESC`

	rows, err := ms.db.QueryContext(r.Context(), query, args...)
	if err != nil {
		log.Printf("[MAINTENANCE] Listing query failed for %s: %v", accountID, err)
		SendErrorResponse(w, "Failed to fetch requests", http.StatusInternalServerError, nil)
		return
	}
	defer rows.Close()

	requests := []models.MaintenanceRequest{}
	for rows.Next() {
		var m models.MaintenanceRequest
		if err := rows.Scan(&m.ID, &m.RequestID, &m.ContractID, &m.TenantAccountID,
			&m.Title, &m.Description, &m.Status, &m.CreatedAt, &m.UpdatedAt); err != nil {
			SendErrorResponse(w, "Failed to fetch requests", http.StatusInternalServerError, nil)
			return
		}
		requests = append(requests, m)
	}
	if err := rows.Err(); err != nil {
		SendErrorResponse(w, "Failed to fetch requests", http.StatusInternalServerError, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"requests": requests,
		"count":    len(requests),
	})
}

// UpdateStatus advances a request through its lifecycle
// @Summary Update maintenance request status
// @Description Advance a request (landlord only): OPEN to IN_PROGRESS or REJECTED, IN_PROGRESS to RESOLVED
// @Tags maintenance
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param requestId path string true "Request ID"
// @Param request body object{status=string} true "New status"
// @Success 200 {object} models.MaintenanceRequest
// @Failure 400 {object} ErrorResponse
// @Failure 403 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Failure 409 {object} ErrorResponse
// @Router /maintenance/{requestId}/status [patch]
func (ms *MaintenanceService) UpdateStatus(w http.ResponseWriter, r *http.Request) {
	accountID, ok := ms.caller(w, r)
	if !ok {
		return
	}
	requestID := chi.URLParam(r, "requestId")

	var req struct {
		Status string `json:"status" validate:"required,oneof=IN_PROGRESS RESOLVED REJECTED"`
	}
	if !ms.decode(w, r, &req) {
		return
	}

	var current, landlordAccountID, tenantAccountID string
	err := ms.db.QueryRowContext(r.Context(), `
		SELECT m.status, c.landlord_account_id, m.tenant_account_id
		FROM maintenance_requests m
		JOIN contracts c ON c.contract_id = m.contract_id
		WHERE m.request_id = $1`, requestID).Scan(&current, &landlordAccountID, &tenantAccountID)
	if err == sql.ErrNoRows {
		SendErrorResponse(w, "Request not found", http.StatusNotFound, nil)
		return
	}
	if err != nil {
		log.Printf("[MAINTENANCE] Lookup failed for %s: %v", requestID, err)
		SendErrorResponse(w, "Failed to update request", http.StatusInternalServerError, nil)
		return
	}
	if landlordAccountID != accountID {
		SendErrorResponse(w, "Only the landlord can update a request", http.StatusForbidden, nil)
		return
	}
	if !transitionAllowed(current, req.Status) {
		SendErrorResponse(w, "Invalid status transition", http.StatusConflict, nil)
		return
	}

	var m models.MaintenanceRequest
	err = ms.db.QueryRowContext(r.Context(), `
		UPDATE maintenance_requests SET status = $1, updated_at = NOW() WHERE request_id = $2
		RETURNING id, request_id, contract_id, tenant_account_id, title, description, status, created_at, updated_at`,
		req.Status, requestID).Scan(&m.ID, &m.RequestID, &m.ContractID, &m.TenantAccountID,
		&m.Title, &m.Description, &m.Status, &m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		log.Printf("[MAINTENANCE] Status update failed for %s: %v", requestID, err)
		SendErrorResponse(w, "Failed to update request", http.StatusInternalServerError, nil)
		return
	}

	log.Printf("[MAINTENANCE] %s moved %s -> %s", requestID, current, req.Status)

	go func() {
		ctx, cancel := context5s()
		defer cancel()
		if err := ms.dispatcher.Notify(ctx, tenantAccountID, "MAINTENANCE_UPDATED", map[string]interface{}{
			"requestId": m.RequestID,
			"status":    m.Status,
		}); err != nil {
			log.Printf("[MAINTENANCE] Notification dispatch failed for %s: %v", requestID, err)
		}
	}()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(m)
}

func transitionAllowed(from, to string) bool {
	for _, next := range maintenanceTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

func (ms *MaintenanceService) caller(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID, ok := r.Context().Value("userID").(string)
	if !ok || userID == "" {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return "", false
	}

	var accountID string
	err := ms.db.QueryRowContext(r.Context(),
		`SELECT account_id FROM users WHERE id = $1::integer`, userID).Scan(&accountID)
	if err != nil {
		log.Printf("[MAINTENANCE] Account lookup failed for user %s: %v", userID, err)
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return "", false
	}
	return accountID, true
}

func (ms *MaintenanceService) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
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
	if err := ms.validator.ValidateStruct(dst); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return false
	}
	return true
}
