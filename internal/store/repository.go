/**
 * @description
 * This file defines the `Repository` interface, which specifies the contract for all
 * data access operations required by the coupon-service. By defining an interface,
 * we decouple the application's business logic from the specific database implementation
 * (e.g., PostgreSQL), making the code more modular and easier to test.
 *
 * @dependencies
 * - context, time: Standard Go libraries.
 * - github.com/google/uuid: For UUID generation and handling.
 * - internal/domain: For the service's domain models.
 */

package store

import (
	"context"
	"time"

	"github.com/ecoco/coupon-service/internal/domain"
	"github.com/google/uuid"
)

// RedeemParams carries everything the atomic redemption transaction needs.
// For pool-backed coupons the code is claimed inside the transaction and
// SerialNumber is ignored; for verification coupons SerialNumber holds the
// code synthesized by the engine.
type RedeemParams struct {
	UserID       uuid.UUID
	CouponID     uuid.UUID
	SerialNumber string
	ExpiresAt    *time.Time
	Now          time.Time
}

// Repository defines the set of methods for interacting with the database.
type Repository interface {
	// Coupon catalog methods
	CreateCoupon(ctx context.Context, coupon *domain.Coupon) error
	FindCouponByID(ctx context.Context, couponID uuid.UUID) (*domain.Coupon, error)
	ListActiveCoupons(ctx context.Context, now time.Time) ([]domain.Coupon, error)
	SetCouponActive(ctx context.Context, couponID uuid.UUID, active bool) (bool, error)

	// Code pool methods
	ProvisionCodes(ctx context.Context, couponID uuid.UUID, codes []string) (int, error)
	CountRemainingCodes(ctx context.Context, couponID uuid.UUID) (int, error)

	// Redemption engine method. Claims a code (pool coupons), creates the
	// user coupon, increments the redeemed counter and appends the ledger
	// entry as one serializable unit. Returns the created instance and the
	// number of redemptions still available (-1 when uncapped).
	RedeemCouponAtomic(ctx context.Context, params RedeemParams) (*domain.UserCoupon, int, error)

	// User coupon methods
	FindUserCouponByID(ctx context.Context, userCouponID uuid.UUID) (*domain.UserCoupon, error)
	ListUserCouponsByUserID(ctx context.Context, userID uuid.UUID) ([]domain.UserCouponListItem, error)
	MarkUserCouponUsed(ctx context.Context, userCouponID, userID uuid.UUID, now time.Time) (*domain.UserCoupon, error)

	// Redemption ledger methods
	HasRedeemed(ctx context.Context, userID, couponID uuid.UUID) (bool, error)
	ListRedemptionHistory(ctx context.Context, userID uuid.UUID, opts domain.HistoryListOptions) ([]domain.RedemptionLogEntry, error)

	// Redemption idempotency methods
	AcquireRedemptionIdempotency(ctx context.Context, userID, couponID uuid.UUID, key, requestHash string, ttl, staleWindow time.Duration) (*domain.RedeemCouponResponse, bool, error)
	CompleteRedemptionIdempotency(ctx context.Context, userID, couponID uuid.UUID, key string, userCouponID uuid.UUID, response domain.RedeemCouponResponse) error
	ReleaseRedemptionIdempotency(ctx context.Context, userID, couponID uuid.UUID, key string) error
}
