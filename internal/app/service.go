/**
 * @description
 * This file contains the core business logic for the coupon-service. The `Service`
 * struct orchestrates coupon catalog management, code pool provisioning and the
 * redemption flow, coordinating between the database repository, the wallet-service
 * client and the message broker.
 *
 * Key features:
 * - Implements the redemption engine: eligibility checks, wallet charge,
 *   atomic code claim and expiry stamping.
 * - Synthesizes verification codes at redemption time for coupons without a
 *   pre-provisioned pool.
 * - Publishes events to RabbitMQ for asynchronous processing by other services.
 *
 * @dependencies
 * - context, crypto/rand, errors, fmt, log, time: Standard Go libraries.
 * - github.com/google/uuid: For UUID generation.
 * - internal/domain, internal/store: For domain models and data access.
 * - pkg/rabbitmq, pkg/walletclient: For external service communication.
 */

package app

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/ecoco/coupon-service/internal/domain"
	"github.com/ecoco/coupon-service/internal/store"
	"github.com/ecoco/coupon-service/pkg/rabbitmq"
	"github.com/ecoco/coupon-service/pkg/walletclient"
	"github.com/google/uuid"
)

const (
	VerificationCodeLength = 12

	RoutingKeyCouponRedeemed = "coupon.redeemed"
	RoutingKeyCouponUsed     = "coupon.used"
	RoutingKeyCouponSoldOut  = "coupon.sold_out"
)

var (
	ErrInvalidRequest         = errors.New("invalid request")
	ErrInsufficientBalance    = walletclient.ErrInsufficientBalance
	ErrRateLimited            = errors.New("too many redemption attempts")
	ErrNotPoolRedemptionType  = errors.New("coupon does not use a code pool")
	ErrIdempotencyKeyConflict = store.ErrRedemptionIdempotencyConflict
)

// WalletClient is the subset of the wallet-service API the engine needs.
type WalletClient interface {
	Deduct(ctx context.Context, userID uuid.UUID, points, coins int64, reason string) error
	Credit(ctx context.Context, userID uuid.UUID, points, coins int64, reason string) error
}

// RateLimiter counts redemption attempts per subject within a window.
type RateLimiter interface {
	ConsumeRateLimit(ctx context.Context, scope, subject string, limit int, window time.Duration) (count int, retryAfterSeconds int, err error)
}

// RateLimitSettings bounds how often a single user may attempt redemptions.
type RateLimitSettings struct {
	Limit  int
	Window time.Duration
}

// IdempotencySettings controls replay protection for redemption requests.
type IdempotencySettings struct {
	TTL         time.Duration
	StaleWindow time.Duration
}

// Service provides the core business logic for coupons.
type Service struct {
	repo          store.Repository
	walletClient  WalletClient
	eventProducer rabbitmq.Publisher
	rateLimiter   RateLimiter
	rateLimits    RateLimitSettings
	idempotency   IdempotencySettings
	now           func() time.Time
}

// NewService creates a new coupon service instance. walletClient and
// rateLimiter may be nil, which disables wallet charging and rate limiting
// respectively.
func NewService(
	repo store.Repository,
	walletClient WalletClient,
	producer rabbitmq.Publisher,
	rateLimiter RateLimiter,
	rateLimits RateLimitSettings,
	idempotency IdempotencySettings,
) *Service {
	return &Service{
		repo:          repo,
		walletClient:  walletClient,
		eventProducer: producer,
		rateLimiter:   rateLimiter,
		rateLimits:    rateLimits,
		idempotency:   idempotency,
		now:           time.Now,
	}
}

// CreateCoupon validates and persists a new coupon offer. Offers are created
// active with a zero redeemed count.
func (s *Service) CreateCoupon(ctx context.Context, req domain.CreateCouponRequest) (*domain.Coupon, error) {
	if strings.TrimSpace(req.Title) == "" {
		return nil, fmt.Errorf("%w: title is required", ErrInvalidRequest)
	}
	if req.PartnerID == uuid.Nil {
		return nil, fmt.Errorf("%w: partner_id is required", ErrInvalidRequest)
	}
	if !domain.ValidRedemptionType(req.RedemptionType) {
		return nil, fmt.Errorf("%w: unknown redemption type %q", ErrInvalidRequest, req.RedemptionType)
	}
	if req.TotalQuantity < 1 {
		return nil, fmt.Errorf("%w: total_quantity must be at least 1", ErrInvalidRequest)
	}
	if req.CostPoints < 0 || req.CostCoins < 0 {
		return nil, fmt.Errorf("%w: costs cannot be negative", ErrInvalidRequest)
	}
	if !req.StartDate.Before(req.EndDate) {
		return nil, fmt.Errorf("%w: start_date must precede end_date", ErrInvalidRequest)
	}
	if req.FixedExpiresAt != nil && req.ValidityDays != nil {
		return nil, fmt.Errorf("%w: fixed_expires_at and validity_days are mutually exclusive", ErrInvalidRequest)
	}
	if req.ValidityDays != nil && *req.ValidityDays < 1 {
		return nil, fmt.Errorf("%w: validity_days must be at least 1", ErrInvalidRequest)
	}

	coupon := &domain.Coupon{
		ID:               uuid.New(),
		PartnerID:        req.PartnerID,
		Title:            strings.TrimSpace(req.Title),
		Description:      req.Description,
		ImageURL:         req.ImageURL,
		CostPoints:       req.CostPoints,
		CostCoins:        req.CostCoins,
		RedemptionType:   req.RedemptionType,
		TotalQuantity:    req.TotalQuantity,
		StartDate:        req.StartDate,
		EndDate:          req.EndDate,
		FixedExpiresAt:   req.FixedExpiresAt,
		ValidityDays:     req.ValidityDays,
		SingleUsePerUser: req.SingleUsePerUser,
		Terms:            req.Terms,
	}
	if err := s.repo.CreateCoupon(ctx, coupon); err != nil {
		return nil, err
	}
	log.Printf("CreateCoupon: created coupon %s (%s, quantity %d)", coupon.ID, coupon.RedemptionType, coupon.TotalQuantity)
	return coupon, nil
}

// ListCoupons returns the active, in-window catalog.
func (s *Service) ListCoupons(ctx context.Context) ([]domain.Coupon, error) {
	return s.repo.ListActiveCoupons(ctx, s.now())
}

// GetCoupon returns a single coupon by ID.
func (s *Service) GetCoupon(ctx context.Context, couponID uuid.UUID) (*domain.Coupon, error) {
	return s.repo.FindCouponByID(ctx, couponID)
}

// SetCouponActive toggles a coupon's active flag, typically in response to a
// lifecycle event from a partner system.
func (s *Service) SetCouponActive(ctx context.Context, couponID uuid.UUID, active bool) error {
	found, err := s.repo.SetCouponActive(ctx, couponID, active)
	if err != nil {
		return err
	}
	if !found {
		return store.ErrCouponNotFound
	}
	return nil
}

// ProvisionCodes bulk-loads pool codes into a serial-number or barcode
// coupon. Codes are trimmed; blanks and duplicates fail the whole batch.
func (s *Service) ProvisionCodes(ctx context.Context, couponID uuid.UUID, codes []string) (int, error) {
	coupon, err := s.repo.FindCouponByID(ctx, couponID)
	if err != nil {
		return 0, err
	}
	if !coupon.UsesCodePool() {
		return 0, ErrNotPoolRedemptionType
	}
	if len(codes) == 0 {
		return 0, fmt.Errorf("%w: codes list is empty", ErrInvalidRequest)
	}

	cleaned := make([]string, 0, len(codes))
	seen := make(map[string]struct{}, len(codes))
	for _, code := range codes {
		code = strings.TrimSpace(code)
		if code == "" {
			return 0, fmt.Errorf("%w: blank code in batch", ErrInvalidRequest)
		}
		if _, dup := seen[code]; dup {
			return 0, store.ErrDuplicateCode
		}
		seen[code] = struct{}{}
		cleaned = append(cleaned, code)
	}

	inserted, err := s.repo.ProvisionCodes(ctx, couponID, cleaned)
	if err != nil {
		return 0, err
	}
	log.Printf("ProvisionCodes: loaded %d codes into coupon %s", inserted, couponID)
	return inserted, nil
}

// GetCouponStatus reports a coupon's availability for display. The numbers
// are informational; the atomic redemption path re-validates everything.
func (s *Service) GetCouponStatus(ctx context.Context, couponID uuid.UUID) (*domain.CouponStatus, error) {
	coupon, err := s.repo.FindCouponByID(ctx, couponID)
	if err != nil {
		return nil, err
	}

	status := &domain.CouponStatus{
		CouponID:       coupon.ID,
		IsActive:       coupon.IsActive,
		RedemptionType: coupon.RedemptionType,
		Unlimited:      coupon.Unlimited(),
		StartDate:      coupon.StartDate,
		EndDate:        coupon.EndDate,
	}

	remaining := -1
	if !coupon.Unlimited() {
		remaining = coupon.TotalQuantity - coupon.RedeemedQuantity
		if remaining < 0 {
			remaining = 0
		}
	}
	if coupon.UsesCodePool() {
		poolLeft, err := s.repo.CountRemainingCodes(ctx, couponID)
		if err != nil {
			return nil, err
		}
		// The pool can be shorter than the quantity cap; the tighter bound wins.
		if remaining < 0 || poolLeft < remaining {
			remaining = poolLeft
		}
		status.Unlimited = false
	}
	status.Remaining = remaining
	return status, nil
}

// Redeem executes the full redemption flow for a user:
//
//  1. Rate limit and idempotency key checks.
//  2. Eligibility pre-read so obviously ineligible requests fail before the
//     wallet charge. The atomic transaction re-checks everything.
//  3. Wallet charge for the coupon's cost.
//  4. Atomic claim, instance creation, counter increment and ledger append.
//  5. Compensating wallet credit if step 4 fails after a successful charge.
//  6. Event publication.
//
// idempotencyKey may be empty, which disables replay protection for the call.
func (s *Service) Redeem(ctx context.Context, userID, couponID uuid.UUID, idempotencyKey string) (*domain.RedeemCouponResponse, error) {
	now := s.now()

	// 1. Rate limit per user across all coupons.
	if s.rateLimiter != nil && s.rateLimits.Limit > 0 {
		count, retryAfter, err := s.rateLimiter.ConsumeRateLimit(ctx, "coupon_redeem", userID.String(), s.rateLimits.Limit, s.rateLimits.Window)
		if err != nil {
			// Redis being down must not block redemptions.
			log.Printf("WARN: Redeem: rate limiter unavailable for user %s: %v", userID, err)
		} else if count > s.rateLimits.Limit {
			log.Printf("Redeem: user %s rate limited (count %d, retry after %ds)", userID, count, retryAfter)
			return nil, ErrRateLimited
		}
	}

	idempotencyKey = strings.TrimSpace(idempotencyKey)
	if idempotencyKey != "" {
		requestHash := redemptionRequestHash(userID, couponID)
		cached, acquired, err := s.repo.AcquireRedemptionIdempotency(ctx, userID, couponID, idempotencyKey, requestHash, s.idempotency.TTL, s.idempotency.StaleWindow)
		if err != nil {
			return nil, err
		}
		if cached != nil {
			log.Printf("Redeem: replaying cached redemption for user %s key %s", userID, idempotencyKey)
			return cached, nil
		}
		if !acquired {
			return nil, store.ErrRedemptionIdempotencyInProgress
		}
	}

	response, err := s.redeemCharged(ctx, userID, couponID, now)
	if err != nil {
		if idempotencyKey != "" {
			if releaseErr := s.repo.ReleaseRedemptionIdempotency(ctx, userID, couponID, idempotencyKey); releaseErr != nil {
				log.Printf("WARN: Redeem: failed to release idempotency key %s for user %s: %v", idempotencyKey, userID, releaseErr)
			}
		}
		return nil, err
	}

	if idempotencyKey != "" {
		if err := s.repo.CompleteRedemptionIdempotency(ctx, userID, couponID, idempotencyKey, response.UserCoupon.ID, *response); err != nil {
			log.Printf("WARN: Redeem: failed to persist idempotent response for key %s: %v", idempotencyKey, err)
		}
	}
	return response, nil
}

// redeemCharged runs the charge-then-claim portion of the flow.
func (s *Service) redeemCharged(ctx context.Context, userID, couponID uuid.UUID, now time.Time) (*domain.RedeemCouponResponse, error) {
	// 2. Eligibility pre-read. Failing here costs nothing.
	coupon, err := s.repo.FindCouponByID(ctx, couponID)
	if err != nil {
		return nil, err
	}
	if !coupon.IsActive {
		return nil, store.ErrCouponInactive
	}
	if now.Before(coupon.StartDate) || now.After(coupon.EndDate) {
		return nil, store.ErrCouponWindowClosed
	}
	if !coupon.Unlimited() && coupon.RedeemedQuantity >= coupon.TotalQuantity {
		return nil, store.ErrQuantityExceeded
	}
	if coupon.SingleUsePerUser {
		already, err := s.repo.HasRedeemed(ctx, userID, couponID)
		if err != nil {
			return nil, err
		}
		if already {
			return nil, store.ErrAlreadyRedeemed
		}
	}

	// 3. Charge the wallet before claiming so a failed charge never burns a code.
	charged := coupon.CostPoints > 0 || coupon.CostCoins > 0
	if charged && s.walletClient != nil {
		reason := fmt.Sprintf("Coupon redemption: %s", coupon.Title)
		if err := s.walletClient.Deduct(ctx, userID, coupon.CostPoints, coupon.CostCoins, reason); err != nil {
			log.Printf("Redeem: wallet charge failed for user %s coupon %s: %v", userID, couponID, err)
			return nil, err
		}
	}

	params := store.RedeemParams{
		UserID:    userID,
		CouponID:  couponID,
		ExpiresAt: computeExpiresAt(coupon, now),
		Now:       now,
	}
	if !coupon.UsesCodePool() {
		code, err := generateVerificationCode(VerificationCodeLength)
		if err != nil {
			s.refundCharge(ctx, userID, coupon, charged)
			return nil, fmt.Errorf("failed to generate verification code: %w", err)
		}
		params.SerialNumber = code
	}

	// 4. Atomic claim.
	userCoupon, remaining, err := s.repo.RedeemCouponAtomic(ctx, params)
	if err != nil {
		// 5. Compensate the charge; the claim never happened.
		s.refundCharge(ctx, userID, coupon, charged)
		return nil, err
	}

	log.Printf("Redeem: user %s redeemed coupon %s (instance %s, remaining %d)", userID, couponID, userCoupon.ID, remaining)

	// 6. Events are best-effort; the redemption is already durable.
	event := domain.RedemptionEvent{
		UserID:       userID,
		CouponID:     couponID,
		UserCouponID: &userCoupon.ID,
		Action:       domain.LedgerActionRedeemed,
		SerialNumber: userCoupon.SerialNumber,
		Remaining:    remaining,
		Timestamp:    now,
	}
	if err := s.eventProducer.Publish(ctx, rabbitmq.CouponEventsExchange, RoutingKeyCouponRedeemed, event); err != nil {
		log.Printf("WARN: Redeem: failed to publish redeemed event for coupon %s: %v", couponID, err)
	}
	if remaining == 0 {
		soldOut := domain.RedemptionEvent{
			CouponID:  couponID,
			Action:    "sold_out",
			Remaining: 0,
			Timestamp: now,
		}
		if err := s.eventProducer.Publish(ctx, rabbitmq.CouponEventsExchange, RoutingKeyCouponSoldOut, soldOut); err != nil {
			log.Printf("WARN: Redeem: failed to publish sold-out event for coupon %s: %v", couponID, err)
		}
	}

	return &domain.RedeemCouponResponse{
		UserCoupon: userCoupon,
		Message:    "Coupon redeemed successfully",
	}, nil
}

// refundCharge credits back a wallet charge after a failed redemption. A
// failed credit is logged loudly for manual reconciliation; there is nothing
// further the request path can do.
func (s *Service) refundCharge(ctx context.Context, userID uuid.UUID, coupon *domain.Coupon, charged bool) {
	if !charged || s.walletClient == nil {
		return
	}
	reason := fmt.Sprintf("Refund for failed coupon redemption: %s", coupon.Title)
	if err := s.walletClient.Credit(ctx, userID, coupon.CostPoints, coupon.CostCoins, reason); err != nil {
		log.Printf("ERROR: Redeem: compensating credit failed for user %s coupon %s (points %d, coins %d): %v",
			userID, coupon.ID, coupon.CostPoints, coupon.CostCoins, err)
	}
}

// ListUserCoupons returns the user's wallet of redeemed coupons with derived
// statuses.
func (s *Service) ListUserCoupons(ctx context.Context, userID uuid.UUID) ([]domain.UserCouponListItem, error) {
	items, err := s.repo.ListUserCouponsByUserID(ctx, userID)
	if err != nil {
		return nil, err
	}
	now := s.now()
	for i := range items {
		items[i].Status = items[i].UserCoupon.Status(now)
	}
	return items, nil
}

// MarkUsed records that the user presented the coupon at a merchant. Exactly
// one mark-used succeeds per instance.
func (s *Service) MarkUsed(ctx context.Context, userCouponID, userID uuid.UUID) (*domain.UserCoupon, error) {
	now := s.now()
	userCoupon, err := s.repo.MarkUserCouponUsed(ctx, userCouponID, userID, now)
	if err != nil {
		return nil, err
	}

	log.Printf("MarkUsed: user %s used coupon instance %s", userID, userCouponID)
	event := domain.RedemptionEvent{
		UserID:       userID,
		CouponID:     userCoupon.CouponID,
		UserCouponID: &userCoupon.ID,
		Action:       domain.LedgerActionUsed,
		SerialNumber: userCoupon.SerialNumber,
		Remaining:    -1,
		Timestamp:    now,
	}
	if err := s.eventProducer.Publish(ctx, rabbitmq.CouponEventsExchange, RoutingKeyCouponUsed, event); err != nil {
		log.Printf("WARN: MarkUsed: failed to publish used event for instance %s: %v", userCouponID, err)
	}
	return userCoupon, nil
}

// GetRedemptionHistory returns the user's ledger entries, newest first.
func (s *Service) GetRedemptionHistory(ctx context.Context, userID uuid.UUID, opts domain.HistoryListOptions) ([]domain.RedemptionLogEntry, error) {
	return s.repo.ListRedemptionHistory(ctx, userID, opts)
}

// computeExpiresAt resolves a redeemed instance's expiry from the coupon's
// policy at redemption time. A fixed date wins over a validity period; a
// coupon with neither never expires.
func computeExpiresAt(coupon *domain.Coupon, now time.Time) *time.Time {
	if coupon.FixedExpiresAt != nil {
		t := *coupon.FixedExpiresAt
		return &t
	}
	if coupon.ValidityDays != nil && *coupon.ValidityDays > 0 {
		t := now.AddDate(0, 0, *coupon.ValidityDays)
		return &t
	}
	return nil
}

const verificationCodeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

// generateVerificationCode produces a random code from an alphabet with the
// easily confused characters (0/O, 1/I) removed.
func generateVerificationCode(length int) (string, error) {
	buf := make([]byte, length)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	for i, b := range buf {
		buf[i] = verificationCodeAlphabet[int(b)%len(verificationCodeAlphabet)]
	}
	return string(buf), nil
}

// redemptionRequestHash fingerprints a redemption request for idempotency
// conflict detection. A redeem request has no body beyond its identifiers.
func redemptionRequestHash(userID, couponID uuid.UUID) string {
	return userID.String() + ":" + couponID.String()
}
