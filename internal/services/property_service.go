package services

import (
	"database/sql"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/homelet/backend/internal/models"
)

// PropertyService manages rental listings. Landlords create and update
// their listings; tenants browse available ones.
type PropertyService struct {
	db        *sql.DB
	validator *ValidationHelper
}

func NewPropertyService(db *sql.DB) *PropertyService {
	return &PropertyService{db: db, validator: NewValidationHelper()}
}

type createPropertyRequest struct {
	Title       string `json:"title" validate:"required,min=3,max=120"`
	Description string `json:"description" validate:"max=2000"`
	Address     string `json:"address" validate:"required,min=5,max=200"`
	City        string `json:"city" validate:"required,min=2,max=60"`
	Bedrooms    int    `json:"bedrooms" validate:"gte=0,lte=20"`
	Bathrooms   int    `json:"bathrooms" validate:"gte=0,lte=20"`
	RentAmount  int64  `json:"rentAmount" validate:"required,gt=0"`
}

// CreateProperty lists a property
// @Summary Create property listing
// @Description Create a rental listing owned by the authenticated landlord
// @Tags properties
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body createPropertyRequest true "Listing details"
// @Success 201 {object} models.Property
// @Failure 400 {object} ErrorResponse
// @Failure 403 {object} ErrorResponse
// @Router /properties [post]
func (ps *PropertyService) CreateProperty(w http.ResponseWriter, r *http.Request) {
	accountID, role, ok := ps.caller(w, r)
	if !ok {
		return
	}
	if role != models.RoleLandlord {
		SendErrorResponse(w, "Only landlords can list properties", http.StatusForbidden, nil)
		return
	}

	var req createPropertyRequest
	if !ps.decode(w, r, &req) {
		return
	}

	property := models.Property{
		PropertyID:        "PR-" + uuid.New().String(),
		LandlordAccountID: accountID,
		Title:             req.Title,
		Description:       req.Description,
		Address:           req.Address,
		City:              req.City,
		Bedrooms:          req.Bedrooms,
		Bathrooms:         req.Bathrooms,
		RentAmount:        req.RentAmount,
		Status:            models.PropertyStatusAvailable,
	}

	err := ps.db.QueryRowContext(r.Context(), `
		INSERT INTO properties (property_id, landlord_account_id, title, description,
			address, city, bedrooms, bathrooms, rent_amount, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id, created_at, updated_at`,
		property.PropertyID, property.LandlordAccountID, property.Title, property.Description,
		property.Address, property.City, property.Bedrooms, property.Bathrooms,
		property.RentAmount, property.Status).Scan(&property.ID, &property.CreatedAt, &property.UpdatedAt)
	if err != nil {
		log.Printf("[PROPERTY] Failed to insert listing for %s: %v", accountID, err)
		SendErrorResponse(w, "Failed to create listing", http.StatusInternalServerError, nil)
		return
	}

	log.Printf("[PROPERTY] Created %s in %s by %s", property.PropertyID, property.City, accountID)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(property)
}

// ListProperties searches listings
// @Summary List properties
// @Description Search property listings, filterable by city and status
// @Tags properties
// @Produce json
// @Security BearerAuth
// @Param city query string false "Filter by city (case-insensitive)"
// @Param status query string false "Filter by status (default AVAILABLE)"
// @Success 200 {object} object{properties=[]models.Property,count=int}
// @Failure 401 {object} ErrorResponse
// @Router /properties [get]
func (ps *PropertyService) ListProperties(w http.ResponseWriter, r *http.Request) {
	if _, _, ok := ps.caller(w, r); !ok {
		return
	}

	status := r.URL.Query().Get("status")
	if status == "" {
		status = models.PropertyStatusAvailable
	}
	city := strings.TrimSpace(r.URL.Query().Get("city"))

	query := `
		SELECT id, property_id, landlord_account_id, title, description, address, city,
			bedrooms, bathrooms, rent_amount, photo_path, status, created_at, updated_at
		FROM properties WHERE status = $1`
	args := []interface{}{status}
	if city != "" {
		query += ` AND LOWER(city) = LOWER($2)`
		args = append(args, city)
	}
	query += ` ORDER BY created_at DESC`

	rows, err := ps.db.QueryContext(r.Context(), query, args...)
	if err != nil {
		log.Printf("[PROPERTY] Listing query failed: %v", err)
		SendErrorResponse(w, "Failed to fetch listings", http.StatusInternalServerError, nil)
		return
	}
	defer rows.Close()

	properties := []models.Property{}
	for rows.Next() {
		var p models.Property
		if err := rows.Scan(&p.ID, &p.PropertyID, &p.LandlordAccountID, &p.Title, &p.Description,
			&p.Address, &p.City, &p.Bedrooms, &p.Bathrooms, &p.RentAmount, &p.PhotoPath,
			&p.Status, &p.CreatedAt, &p.UpdatedAt); err != nil {
			SendErrorResponse(w, "Failed to fetch listings", http.StatusInternalServerError, nil)
			return
		}
		properties = append(properties, p)
	}
	if err := rows.Err(); err != nil {
		SendErrorResponse(w, "Failed to fetch listings", http.StatusInternalServerError, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"properties": properties,
		"count":      len(properties),
	})
}

// GetProperty returns one listing
// @Summary Get property
// @Description Get a single property listing
// @Tags properties
// @Produce json
// @Security BearerAuth
// @Param propertyId path string true "Property ID"
// @Success 200 {object} models.Property
// @Failure 404 {object} ErrorResponse
// @Router /properties/{propertyId} [get]
func (ps *PropertyService) GetProperty(w http.ResponseWriter, r *http.Request) {
	if _, _, ok := ps.caller(w, r); !ok {
		return
	}
	propertyID := chi.URLParam(r, "propertyId")

	var p models.Property
	err := ps.db.QueryRowContext(r.Context(), `
		SELECT id, property_id, landlord_account_id, title, description, address, city,
			bedrooms, bathrooms, rent_amount, photo_path, status, created_at, updated_at
		FROM properties WHERE property_id = $1`, propertyID).Scan(
		&p.ID, &p.PropertyID, &p.LandlordAccountID, &p.Title, &p.Description, &p.Address,
		&p.City, &p.Bedrooms, &p.Bathrooms, &p.RentAmount, &p.PhotoPath, &p.Status,
		&p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		SendErrorResponse(w, "Property not found", http.StatusNotFound, nil)
		return
	}
	if err != nil {
		log.Printf("[PROPERTY] Lookup failed for %s: %v", propertyID, err)
		SendErrorResponse(w, "Failed to fetch listing", http.StatusInternalServerError, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(p)
}

// UpdateStatus changes a listing's status
// @Summary Update property status
// @Description Delist or relist one of the landlord's properties
// @Tags properties
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param propertyId path string true "Property ID"
// @Param request body object{status=string} true "New status"
// @Success 200 {object} models.Property
// @Failure 400 {object} ErrorResponse
// @Failure 403 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Router /properties/{propertyId}/status [patch]
func (ps *PropertyService) UpdateStatus(w http.ResponseWriter, r *http.Request) {
	accountID, _, ok := ps.caller(w, r)
	if !ok {
		return
	}
	propertyID := chi.URLParam(r, "propertyId")

	var req struct {
		Status string `json:"status" validate:"required,oneof=AVAILABLE DELISTED"`
	}
	if !ps.decode(w, r, &req) {
		return
	}

	var owner, current string
	err := ps.db.QueryRowContext(r.Context(),
		`SELECT landlord_account_id, status FROM properties WHERE property_id = $1`,
		propertyID).Scan(&owner, &current)
	if err == sql.ErrNoRows {
		SendErrorResponse(w, "Property not found", http.StatusNotFound, nil)
		return
	}
	if err != nil {
		SendErrorResponse(w, "Failed to update listing", http.StatusInternalServerError, nil)
		return
	}
	if owner != accountID {
		SendErrorResponse(w, "Property does not belong to caller", http.StatusForbidden, nil)
		return
	}
	// Rented properties are managed through the contract lifecycle.
	if current == models.PropertyStatusRented {
		SendErrorResponse(w, "Rented properties cannot be updated directly", http.StatusConflict, nil)
		return
	}

	var p models.Property
	err = ps.db.QueryRowContext(r.Context(), `
		UPDATE properties SET status = $1, updated_at = NOW() WHERE property_id = $2
		RETURNING id, property_id, landlord_account_id, title, description, address, city,
			bedrooms, bathrooms, rent_amount, photo_path, status, created_at, updated_at`,
		req.Status, propertyID).Scan(
		&p.ID, &p.PropertyID, &p.LandlordAccountID, &p.Title, &p.Description, &p.Address,
		&p.City, &p.Bedrooms, &p.Bathrooms, &p.RentAmount, &p.PhotoPath, &p.Status,
		&p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		log.Printf("[PROPERTY] Status update failed for %s: %v", propertyID, err)
		SendErrorResponse(w, "Failed to update listing", http.StatusInternalServerError, nil)
		return
	}

	log.Printf("[PROPERTY] %s status changed to %s", propertyID, req.Status)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(p)
}

func (ps *PropertyService) caller(w http.ResponseWriter, r *http.Request) (string, string, bool) {
	userID, ok := r.Context().Value("userID").(string)
	if !ok || userID == "" {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return "", "", false
	}

	var accountID, role string
	err := ps.db.QueryRowContext(r.Context(),
		`SELECT account_id, role FROM users WHERE id = $1::integer`, userID).Scan(&accountID, &role)
	if err != nil {
		log.Printf("[PROPERTY] Account lookup failed for user %s: %v", userID, err)
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return "", "", false
	}
	return accountID, role, true
}

func (ps *PropertyService) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
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
	if err := ps.validator.ValidateStruct(dst); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return false
	}
	return true
}
