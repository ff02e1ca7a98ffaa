/**
 * @description
 * This file defines the core domain models for the coupon-service.
 * These structs represent the main entities and data transfer objects (DTOs)
 * used throughout the service's business logic, database interactions, and API layers.
 *
 * @notes
 * - Using distinct types for API requests, database models, and external service
 *   payloads ensures clear separation of concerns and type safety.
 * - Point and coin costs are stored as plain non-negative integers; the actual
 *   balance deduction is performed by the external wallet service.
 */

package domain

import (
	"time"

	"github.com/google/uuid"
)

// Redemption types determine where a coupon's code comes from. Serial-number
// and barcode coupons draw from a pre-provisioned pool of codes; verification
// coupons synthesize a fresh code at redemption time.
const (
	RedemptionTypeSerialNumber     = "SERIAL_NUMBER"
	RedemptionTypeBarcode          = "BARCODE"
	RedemptionTypeVerificationCode = "VERIFICATION_CODE"
)

// Ledger actions recorded in the redemption_log table.
const (
	LedgerActionRedeemed = "redeemed"
	LedgerActionUsed     = "used"
)

// ValidRedemptionType reports whether the given string is one of the three
// supported redemption types.
func ValidRedemptionType(t string) bool {
	switch t {
	case RedemptionTypeSerialNumber, RedemptionTypeBarcode, RedemptionTypeVerificationCode:
		return true
	}
	return false
}

// Coupon represents a redeemable offer definition. This struct maps directly
// to the `coupons` table in the database.
type Coupon struct {
	ID               uuid.UUID  `json:"id" db:"id"`
	PartnerID        uuid.UUID  `json:"partner_id" db:"partner_id"`
	Title            string     `json:"title" db:"title"`
	Description      string     `json:"description" db:"description"`
	ImageURL         string     `json:"image_url" db:"image_url"`
	CostPoints       int64      `json:"cost_points" db:"cost_points"`
	CostCoins        int64      `json:"cost_coins" db:"cost_coins"`
	RedemptionType   string     `json:"redemption_type" db:"redemption_type"`
	TotalQuantity    int        `json:"total_quantity" db:"total_quantity"`
	RedeemedQuantity int        `json:"redeemed_quantity" db:"redeemed_quantity"`
	StartDate        time.Time  `json:"start_date" db:"start_date"`
	EndDate          time.Time  `json:"end_date" db:"end_date"`
	FixedExpiresAt   *time.Time `json:"fixed_expires_at,omitempty" db:"fixed_expires_at"`
	ValidityDays     *int       `json:"validity_days,omitempty" db:"validity_days"`
	SingleUsePerUser bool       `json:"single_use_per_user" db:"single_use_per_user"`
	IsActive         bool       `json:"is_active" db:"is_active"`
	Terms            string     `json:"terms,omitempty" db:"terms"`
	CreatedAt        time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at" db:"updated_at"`
}

// Unlimited reports whether the coupon has no quantity cap. Coupons created
// through the API always carry a finite cap; a zero total_quantity only
// occurs on legacy seeded rows and means uncapped.
func (c *Coupon) Unlimited() bool {
	return c.TotalQuantity <= 0
}

// UsesCodePool reports whether redemptions of this coupon consume a
// pre-provisioned code from the pool.
func (c *Coupon) UsesCodePool() bool {
	return c.RedemptionType == RedemptionTypeSerialNumber || c.RedemptionType == RedemptionTypeBarcode
}

// CouponCode is one pre-generated unit of a coupon's pool. A code flips to
// assigned exactly once, atomically with the creation of the owning
// UserCoupon, and is never released back to the pool.
type CouponCode struct {
	ID           uuid.UUID  `json:"id" db:"id"`
	CouponID     uuid.UUID  `json:"coupon_id" db:"coupon_id"`
	Code         string     `json:"code" db:"code"`
	IsAssigned   bool       `json:"is_assigned" db:"is_assigned"`
	UserCouponID *uuid.UUID `json:"user_coupon_id,omitempty" db:"user_coupon_id"`
	CreatedAt    time.Time  `json:"created_at" db:"created_at"`
}

// UserCoupon is a specific user's redeemed instance of a coupon, carrying the
// actual code the user presents at the merchant.
type UserCoupon struct {
	ID           uuid.UUID  `json:"id" db:"id"`
	UserID       uuid.UUID  `json:"user_id" db:"user_id"`
	CouponID     uuid.UUID  `json:"coupon_id" db:"coupon_id"`
	SerialNumber string     `json:"serial_number" db:"serial_number"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty" db:"expires_at"`
	UsedAt       *time.Time `json:"used_at,omitempty" db:"used_at"`
	CreatedAt    time.Time  `json:"created_at" db:"created_at"`
}

// UserCoupon display statuses. Used and expired are derived from used_at and
// expires_at rather than stored.
const (
	UserCouponStatusAvailable = "available"
	UserCouponStatusUsed      = "used"
	UserCouponStatusExpired   = "expired"
)

// Status derives the display status of a user coupon at the given time.
// A used coupon reports used even when its expiry has since passed.
func (uc *UserCoupon) Status(now time.Time) string {
	if uc.UsedAt != nil {
		return UserCouponStatusUsed
	}
	if uc.ExpiresAt != nil && !now.Before(*uc.ExpiresAt) {
		return UserCouponStatusExpired
	}
	return UserCouponStatusAvailable
}

// RedemptionLogEntry is one append-only row of the redemption ledger. Entries
// are never mutated or deleted.
type RedemptionLogEntry struct {
	ID           uuid.UUID  `json:"id" db:"id"`
	UserID       uuid.UUID  `json:"user_id" db:"user_id"`
	CouponID     uuid.UUID  `json:"coupon_id" db:"coupon_id"`
	UserCouponID *uuid.UUID `json:"user_coupon_id,omitempty" db:"user_coupon_id"`
	Action       string     `json:"action" db:"action"`
	SerialNumber string     `json:"serial_number" db:"serial_number"`
	CreatedAt    time.Time  `json:"created_at" db:"created_at"`
}

// CreateCouponRequest defines the payload for creating a new coupon offer.
type CreateCouponRequest struct {
	PartnerID        uuid.UUID  `json:"partner_id"`
	Title            string     `json:"title"`
	Description      string     `json:"description"`
	ImageURL         string     `json:"image_url"`
	CostPoints       int64      `json:"cost_points"`
	CostCoins        int64      `json:"cost_coins"`
	RedemptionType   string     `json:"redemption_type"`
	TotalQuantity    int        `json:"total_quantity"`
	StartDate        time.Time  `json:"start_date"`
	EndDate          time.Time  `json:"end_date"`
	FixedExpiresAt   *time.Time `json:"fixed_expires_at,omitempty"`
	ValidityDays     *int       `json:"validity_days,omitempty"`
	SingleUsePerUser bool       `json:"single_use_per_user"`
	Terms            string     `json:"terms"`
}

// ProvisionCodesRequest defines the payload for bulk-loading pool codes into
// a serial-number or barcode coupon.
type ProvisionCodesRequest struct {
	Codes []string `json:"codes"`
}

// RedeemCouponResponse is the successful response after redeeming a coupon.
type RedeemCouponResponse struct {
	UserCoupon *UserCoupon `json:"user_coupon"`
	Message    string      `json:"message"`
}

// CouponStatus is the read-only display view of a coupon's availability.
// It is informational; the redemption engine re-validates internally.
type CouponStatus struct {
	CouponID       uuid.UUID `json:"coupon_id"`
	IsActive       bool      `json:"is_active"`
	RedemptionType string    `json:"redemption_type"`
	Remaining      int       `json:"remaining"`
	Unlimited      bool      `json:"unlimited"`
	StartDate      time.Time `json:"start_date"`
	EndDate        time.Time `json:"end_date"`
}

// UserCouponListItem pairs a redeemed instance with its derived status and
// enough offer metadata for the wallet display.
type UserCouponListItem struct {
	UserCoupon
	Status      string `json:"status"`
	CouponTitle string `json:"coupon_title"`
	ImageURL    string `json:"image_url"`
}

// HistoryListOptions controls pagination for ledger history queries.
type HistoryListOptions struct {
	Limit  int
	Offset int
}
