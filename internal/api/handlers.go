/**
 * @description
 * This file contains shared plumbing for the coupon-service's HTTP handlers.
 * Handlers are responsible for parsing incoming requests, calling the appropriate
 * methods on the application service, and writing the HTTP response. They act as the
 * bridge between the web layer and the business logic layer.
 *
 * @dependencies
 * - encoding/json, net/http: Standard Go libraries.
 * - internal/app: For the application service.
 */

package api

import (
	"encoding/json"
	"net/http"

	"github.com/ecoco/coupon-service/internal/app"
	"github.com/google/uuid"
)

// CouponHandlers holds the application service that handlers will use.
type CouponHandlers struct {
	service *app.Service
}

// NewCouponHandlers creates the handler set backed by the given service.
func NewCouponHandlers(service *app.Service) *CouponHandlers {
	return &CouponHandlers{service: service}
}

// authedUserID extracts and parses the authenticated user's UUID, writing the
// error response itself when the context or format is broken.
func (h *CouponHandlers) authedUserID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	subject, ok := GetAuthUserID(r.Context())
	if !ok {
		h.writeError(w, http.StatusInternalServerError, "Could not get user ID from context")
		return uuid.Nil, false
	}
	userID, err := uuid.Parse(subject)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid user ID format")
		return uuid.Nil, false
	}
	return userID, true
}

// writeJSON is a helper for writing JSON responses.
func (h *CouponHandlers) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// writeError is a helper for writing JSON error responses.
func (h *CouponHandlers) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
