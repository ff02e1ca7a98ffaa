package app

import (
	"context"
	"encoding/json"
	"log"
	"strings"
	"time"

	"github.com/ecoco/coupon-service/internal/domain"
	"github.com/ecoco/coupon-service/internal/store"
	"github.com/google/uuid"
)

// CouponLifecycleConsumer reacts to activation and deactivation events
// emitted by partner and marketing systems.
type CouponLifecycleConsumer struct {
	repo store.Repository
}

func NewCouponLifecycleConsumer(repo store.Repository) *CouponLifecycleConsumer {
	return &CouponLifecycleConsumer{repo: repo}
}

// HandleMessage processes one lifecycle event. Returning true acknowledges
// the delivery; malformed payloads are acknowledged so they do not loop.
func (c *CouponLifecycleConsumer) HandleMessage(body []byte) bool {
	var event domain.CouponLifecycleEvent
	if err := json.Unmarshal(body, &event); err != nil {
		log.Printf("lifecycle-consumer: failed to unmarshal payload: %v", err)
		return true
	}

	couponID, err := uuid.Parse(strings.TrimSpace(event.CouponID))
	if err != nil {
		log.Printf("lifecycle-consumer: invalid coupon id %q in event %s", event.CouponID, event.EventID)
		return true
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := c.processEvent(ctx, couponID, event); err != nil {
		log.Printf("lifecycle-consumer: processing error for coupon %s: %v", couponID, err)
		return false
	}

	return true
}

func (c *CouponLifecycleConsumer) processEvent(ctx context.Context, couponID uuid.UUID, event domain.CouponLifecycleEvent) error {
	active, known := normalizeLifecycleEventType(event.EventType)
	if !known {
		log.Printf("lifecycle-consumer: unknown event type %q for coupon %s; acknowledging", event.EventType, couponID)
		return nil
	}

	found, err := c.repo.SetCouponActive(ctx, couponID, active)
	if err != nil {
		return err
	}
	if !found {
		// Events can outlive their coupons; dropping is correct.
		log.Printf("lifecycle-consumer: no coupon found for id %s; acknowledging", couponID)
		return nil
	}

	log.Printf("lifecycle-consumer: coupon %s active=%v (reason: %s)", couponID, active, event.Reason)
	return nil
}

func normalizeLifecycleEventType(eventType string) (active bool, known bool) {
	switch strings.TrimSpace(strings.ToLower(eventType)) {
	case "coupon.activated", "activated", "activate":
		return true, true
	case "coupon.deactivated", "deactivated", "deactivate", "suspended":
		return false, true
	default:
		return false, false
	}
}
