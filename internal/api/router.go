/**
 * @description
 * This file sets up the HTTP router for the coupon-service. It defines the API
 * endpoints, associates them with their corresponding handlers, and applies any
 * necessary middleware, such as for authentication.
 *
 * @dependencies
 * - net/http: Standard Go library for HTTP functionality.
 * - github.com/go-chi/chi/v5: A lightweight and idiomatic router for Go.
 */

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// CouponRoutes creates and returns a new router for the coupon service.
func CouponRoutes(h *CouponHandlers, jwksURL, internalAPIKey string) http.Handler {
	r := chi.NewRouter()

	// Add standard middleware for logging, panic recovery, and timeouts.
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	// Health check endpoint
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("healthy"))
	})

	// Group routes that require user authentication.
	r.Group(func(r chi.Router) {
		r.Use(AuthMiddleware(jwksURL))

		// Catalog and redemption endpoints
		r.Get("/coupons", h.ListCouponsHandler)
		r.Get("/coupons/{couponID}/status", h.GetCouponStatusHandler)
		r.Post("/coupons/{couponID}/redeem", h.RedeemCouponHandler)

		// User wallet endpoints
		r.Get("/my-coupons", h.MyCouponsHandler)
		r.Post("/my-coupons/{userCouponID}/use", h.MarkUsedHandler)
		r.Get("/my-coupons/history", h.RedemptionHistoryHandler)
	})

	// Admin endpoints for partner tooling, guarded by the internal API key.
	r.Group(func(r chi.Router) {
		r.Use(InternalAPIKeyMiddleware(internalAPIKey))

		r.Post("/internal/coupons", h.CreateCouponHandler)
		r.Post("/internal/coupons/{couponID}/codes", h.ProvisionCodesHandler)
		r.Put("/internal/coupons/{couponID}/active", h.SetCouponActiveHandler)
	})

	return r
}
