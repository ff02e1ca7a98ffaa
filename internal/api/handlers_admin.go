/**
 * @description
 * This file contains the internal admin handlers used by partner tooling to
 * create coupon offers, load pool codes and toggle availability. These
 * endpoints sit behind the internal API key, not user JWTs.
 */

package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"github.com/ecoco/coupon-service/internal/app"
	"github.com/ecoco/coupon-service/internal/domain"
	"github.com/ecoco/coupon-service/internal/store"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

// CreateCouponHandler creates a new coupon offer.
func (h *CouponHandlers) CreateCouponHandler(w http.ResponseWriter, r *http.Request) {
	var req domain.CreateCouponRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	coupon, err := h.service.CreateCoupon(r.Context(), req)
	if err != nil {
		if errors.Is(err, app.ErrInvalidRequest) {
			h.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		log.Printf("CreateCouponHandler: failed to create coupon: %v", err)
		h.writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	h.writeJSON(w, http.StatusCreated, coupon)
}

// ProvisionCodesHandler bulk-loads pool codes into a coupon.
func (h *CouponHandlers) ProvisionCodesHandler(w http.ResponseWriter, r *http.Request) {
	couponID, err := uuid.Parse(chi.URLParam(r, "couponID"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid coupon ID format")
		return
	}

	var req domain.ProvisionCodesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	inserted, err := h.service.ProvisionCodes(r.Context(), couponID, req.Codes)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrCouponNotFound):
			h.writeError(w, http.StatusNotFound, "Coupon not found")
		case errors.Is(err, app.ErrNotPoolRedemptionType):
			h.writeError(w, http.StatusUnprocessableEntity, "Coupon does not use a code pool")
		case errors.Is(err, store.ErrDuplicateCode):
			h.writeError(w, http.StatusConflict, "Duplicate code in batch")
		case errors.Is(err, app.ErrInvalidRequest):
			h.writeError(w, http.StatusBadRequest, err.Error())
		default:
			log.Printf("ProvisionCodesHandler: failed for coupon %s: %v", couponID, err)
			h.writeError(w, http.StatusInternalServerError, "Internal server error")
		}
		return
	}
	h.writeJSON(w, http.StatusCreated, map[string]int{"provisioned": inserted})
}

// SetCouponActiveHandler toggles a coupon's availability.
func (h *CouponHandlers) SetCouponActiveHandler(w http.ResponseWriter, r *http.Request) {
	couponID, err := uuid.Parse(chi.URLParam(r, "couponID"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid coupon ID format")
		return
	}

	var req struct {
		IsActive bool `json:"is_active"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if err := h.service.SetCouponActive(r.Context(), couponID, req.IsActive); err != nil {
		if errors.Is(err, store.ErrCouponNotFound) {
			h.writeError(w, http.StatusNotFound, "Coupon not found")
			return
		}
		log.Printf("SetCouponActiveHandler: failed for coupon %s: %v", couponID, err)
		h.writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"coupon_id": couponID, "is_active": req.IsActive})
}
