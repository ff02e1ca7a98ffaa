/**
 * @description
 * This file contains the user-facing HTTP handlers for browsing coupons,
 * redeeming them, managing the user's coupon wallet and reading the
 * redemption history.
 */

package api

import (
	"errors"
	"log"
	"net/http"
	"strconv"

	"github.com/ecoco/coupon-service/internal/app"
	"github.com/ecoco/coupon-service/internal/domain"
	"github.com/ecoco/coupon-service/internal/store"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

// ListCouponsHandler returns the active, in-window catalog.
func (h *CouponHandlers) ListCouponsHandler(w http.ResponseWriter, r *http.Request) {
	coupons, err := h.service.ListCoupons(r.Context())
	if err != nil {
		log.Printf("ListCouponsHandler: failed to list coupons: %v", err)
		h.writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"coupons": coupons})
}

// GetCouponStatusHandler reports a coupon's availability for display.
func (h *CouponHandlers) GetCouponStatusHandler(w http.ResponseWriter, r *http.Request) {
	couponID, err := uuid.Parse(chi.URLParam(r, "couponID"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid coupon ID format")
		return
	}

	status, err := h.service.GetCouponStatus(r.Context(), couponID)
	if err != nil {
		if errors.Is(err, store.ErrCouponNotFound) {
			h.writeError(w, http.StatusNotFound, "Coupon not found")
			return
		}
		log.Printf("GetCouponStatusHandler: failed for coupon %s: %v", couponID, err)
		h.writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	h.writeJSON(w, http.StatusOK, status)
}

// RedeemCouponHandler executes a redemption for the authenticated user. An
// optional X-Idempotency-Key header makes retries of the same request safe.
func (h *CouponHandlers) RedeemCouponHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.authedUserID(w, r)
	if !ok {
		return
	}
	couponID, err := uuid.Parse(chi.URLParam(r, "couponID"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid coupon ID format")
		return
	}

	idempotencyKey := r.Header.Get("X-Idempotency-Key")
	response, err := h.service.Redeem(r.Context(), userID, couponID, idempotencyKey)
	if err != nil {
		h.writeRedeemError(w, couponID, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, response)
}

// writeRedeemError maps redemption failures onto HTTP statuses. Business
// rejections are 4xx so clients can show a meaningful message.
func (h *CouponHandlers) writeRedeemError(w http.ResponseWriter, couponID uuid.UUID, err error) {
	switch {
	case errors.Is(err, store.ErrCouponNotFound):
		h.writeError(w, http.StatusNotFound, "Coupon not found")
	case errors.Is(err, store.ErrCouponInactive):
		h.writeError(w, http.StatusConflict, "Coupon is not active")
	case errors.Is(err, store.ErrCouponWindowClosed):
		h.writeError(w, http.StatusConflict, "Coupon is outside its redemption window")
	case errors.Is(err, store.ErrQuantityExceeded), errors.Is(err, store.ErrPoolExhausted):
		h.writeError(w, http.StatusConflict, "Coupon is sold out")
	case errors.Is(err, store.ErrAlreadyRedeemed):
		h.writeError(w, http.StatusConflict, "Coupon already redeemed")
	case errors.Is(err, app.ErrInsufficientBalance):
		h.writeError(w, http.StatusPaymentRequired, "Insufficient balance")
	case errors.Is(err, app.ErrRateLimited):
		h.writeError(w, http.StatusTooManyRequests, "Too many redemption attempts. Please wait and try again.")
	case errors.Is(err, store.ErrRedemptionIdempotencyInProgress):
		h.writeError(w, http.StatusConflict, "A redemption with this idempotency key is already in progress")
	case errors.Is(err, store.ErrRedemptionIdempotencyConflict):
		h.writeError(w, http.StatusUnprocessableEntity, "Idempotency key was already used for a different request")
	default:
		log.Printf("RedeemCouponHandler: failed for coupon %s: %v", couponID, err)
		h.writeError(w, http.StatusInternalServerError, "Internal server error")
	}
}

// MyCouponsHandler returns the authenticated user's coupon wallet.
func (h *CouponHandlers) MyCouponsHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.authedUserID(w, r)
	if !ok {
		return
	}

	items, err := h.service.ListUserCoupons(r.Context(), userID)
	if err != nil {
		log.Printf("MyCouponsHandler: failed for user %s: %v", userID, err)
		h.writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"coupons": items})
}

// MarkUsedHandler records that the user presented a redeemed coupon.
func (h *CouponHandlers) MarkUsedHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.authedUserID(w, r)
	if !ok {
		return
	}
	userCouponID, err := uuid.Parse(chi.URLParam(r, "userCouponID"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid user coupon ID format")
		return
	}

	userCoupon, err := h.service.MarkUsed(r.Context(), userCouponID, userID)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrUserCouponNotFound):
			h.writeError(w, http.StatusNotFound, "Coupon not found")
		case errors.Is(err, store.ErrAlreadyUsed):
			h.writeError(w, http.StatusConflict, "Coupon has already been used")
		case errors.Is(err, store.ErrUserCouponExpired):
			h.writeError(w, http.StatusConflict, "Coupon has expired")
		default:
			log.Printf("MarkUsedHandler: failed for instance %s: %v", userCouponID, err)
			h.writeError(w, http.StatusInternalServerError, "Internal server error")
		}
		return
	}
	h.writeJSON(w, http.StatusOK, userCoupon)
}

// RedemptionHistoryHandler returns the user's ledger entries with limit and
// offset pagination.
func (h *CouponHandlers) RedemptionHistoryHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.authedUserID(w, r)
	if !ok {
		return
	}

	opts := domain.HistoryListOptions{}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 1 {
			h.writeError(w, http.StatusBadRequest, "Invalid limit")
			return
		}
		opts.Limit = limit
	}
	if raw := r.URL.Query().Get("offset"); raw != "" {
		offset, err := strconv.Atoi(raw)
		if err != nil || offset < 0 {
			h.writeError(w, http.StatusBadRequest, "Invalid offset")
			return
		}
		opts.Offset = offset
	}

	entries, err := h.service.GetRedemptionHistory(r.Context(), userID, opts)
	if err != nil {
		log.Printf("RedemptionHistoryHandler: failed for user %s: %v", userID, err)
		h.writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"history": entries})
}
