package domain

import (
	"time"

	"github.com/google/uuid"
)

// CouponLifecycleEvent represents the message emitted by partner/marketing
// systems to activate or deactivate a coupon offer out of band.
type CouponLifecycleEvent struct {
	EventID    string    `json:"event_id"`
	EventType  string    `json:"event_type"`
	CouponID   string    `json:"coupon_id"`
	Reason     string    `json:"reason"`
	OccurredAt time.Time `json:"occurred_at"`
}

// RedemptionEvent is the payload published to RabbitMQ whenever a coupon is
// redeemed, used, or sells out. Downstream reporting and notification
// services consume these.
type RedemptionEvent struct {
	UserID       uuid.UUID  `json:"user_id"`
	CouponID     uuid.UUID  `json:"coupon_id"`
	UserCouponID *uuid.UUID `json:"user_coupon_id,omitempty"`
	Action       string     `json:"action"`
	SerialNumber string     `json:"serial_number,omitempty"`
	Remaining    int        `json:"remaining"`
	Timestamp    time.Time  `json:"timestamp"`
}
