package app

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ecoco/coupon-service/internal/domain"
	"github.com/ecoco/coupon-service/internal/store"
	"github.com/google/uuid"
)

type publishedEvent struct {
	exchange   string
	routingKey string
	body       interface{}
}

type publisherStub struct {
	mu     sync.Mutex
	events []publishedEvent
}

func (p *publisherStub) Publish(ctx context.Context, exchange, routingKey string, body interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, publishedEvent{exchange: exchange, routingKey: routingKey, body: body})
	return nil
}

func (p *publisherStub) Close() {}

func (p *publisherStub) routingKeys() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	keys := make([]string, 0, len(p.events))
	for _, e := range p.events {
		keys = append(keys, e.routingKey)
	}
	return keys
}

type walletStub struct {
	deductErr     error
	deductCalled  bool
	creditCalled  bool
	deductedPts   int64
	deductedCoins int64
}

func (w *walletStub) Deduct(ctx context.Context, userID uuid.UUID, points, coins int64, reason string) error {
	w.deductCalled = true
	w.deductedPts = points
	w.deductedCoins = coins
	return w.deductErr
}

func (w *walletStub) Credit(ctx context.Context, userID uuid.UUID, points, coins int64, reason string) error {
	w.creditCalled = true
	return nil
}

type redeemRepoStub struct {
	store.Repository

	coupon       *domain.Coupon
	hasRedeemed  bool
	redeemErr    error
	remaining    int
	redeemCalled bool
	lastParams   store.RedeemParams
}

func (s *redeemRepoStub) FindCouponByID(ctx context.Context, couponID uuid.UUID) (*domain.Coupon, error) {
	if s.coupon == nil {
		return nil, store.ErrCouponNotFound
	}
	return s.coupon, nil
}

func (s *redeemRepoStub) HasRedeemed(ctx context.Context, userID, couponID uuid.UUID) (bool, error) {
	return s.hasRedeemed, nil
}

func (s *redeemRepoStub) RedeemCouponAtomic(ctx context.Context, params store.RedeemParams) (*domain.UserCoupon, int, error) {
	s.redeemCalled = true
	s.lastParams = params
	if s.redeemErr != nil {
		return nil, 0, s.redeemErr
	}
	serial := params.SerialNumber
	if serial == "" {
		serial = "POOL-CODE-001"
	}
	return &domain.UserCoupon{
		ID:           uuid.New(),
		UserID:       params.UserID,
		CouponID:     params.CouponID,
		SerialNumber: serial,
		ExpiresAt:    params.ExpiresAt,
		CreatedAt:    params.Now,
	}, s.remaining, nil
}

func newTestService(repo store.Repository, wallet WalletClient, producer *publisherStub, now time.Time) *Service {
	svc := NewService(repo, wallet, producer, nil, RateLimitSettings{}, IdempotencySettings{})
	svc.now = func() time.Time { return now }
	return svc
}

func activeCoupon(redemptionType string) *domain.Coupon {
	return &domain.Coupon{
		ID:               uuid.New(),
		PartnerID:        uuid.New(),
		Title:            "Free Coffee",
		RedemptionType:   redemptionType,
		TotalQuantity:    10,
		RedeemedQuantity: 0,
		StartDate:        time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		EndDate:          time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		SingleUsePerUser: true,
		IsActive:         true,
	}
}

func TestRedeem_RejectsInactiveCoupon(t *testing.T) {
	coupon := activeCoupon(domain.RedemptionTypeSerialNumber)
	coupon.IsActive = false
	repo := &redeemRepoStub{coupon: coupon}
	svc := newTestService(repo, nil, &publisherStub{}, time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))

	_, err := svc.Redeem(context.Background(), uuid.New(), coupon.ID, "")
	if !errors.Is(err, store.ErrCouponInactive) {
		t.Fatalf("expected ErrCouponInactive, got %v", err)
	}
	if repo.redeemCalled {
		t.Fatal("atomic redeem should not run for an inactive coupon")
	}
}

func TestRedeem_RejectsOutsideWindow(t *testing.T) {
	coupon := activeCoupon(domain.RedemptionTypeSerialNumber)
	repo := &redeemRepoStub{coupon: coupon}
	svc := newTestService(repo, nil, &publisherStub{}, time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC))

	_, err := svc.Redeem(context.Background(), uuid.New(), coupon.ID, "")
	if !errors.Is(err, store.ErrCouponWindowClosed) {
		t.Fatalf("expected ErrCouponWindowClosed, got %v", err)
	}
}

func TestRedeem_RejectsWhenQuantityExhausted(t *testing.T) {
	coupon := activeCoupon(domain.RedemptionTypeSerialNumber)
	coupon.TotalQuantity = 1
	coupon.RedeemedQuantity = 1
	repo := &redeemRepoStub{coupon: coupon}
	svc := newTestService(repo, nil, &publisherStub{}, time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC))

	_, err := svc.Redeem(context.Background(), uuid.New(), coupon.ID, "")
	if !errors.Is(err, store.ErrQuantityExceeded) {
		t.Fatalf("expected ErrQuantityExceeded, got %v", err)
	}
}

func TestRedeem_RejectsSecondRedemptionForSingleUseCoupon(t *testing.T) {
	coupon := activeCoupon(domain.RedemptionTypeBarcode)
	repo := &redeemRepoStub{coupon: coupon, hasRedeemed: true}
	svc := newTestService(repo, nil, &publisherStub{}, time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC))

	_, err := svc.Redeem(context.Background(), uuid.New(), coupon.ID, "")
	if !errors.Is(err, store.ErrAlreadyRedeemed) {
		t.Fatalf("expected ErrAlreadyRedeemed, got %v", err)
	}
}

func TestRedeem_SynthesizesVerificationCode(t *testing.T) {
	coupon := activeCoupon(domain.RedemptionTypeVerificationCode)
	repo := &redeemRepoStub{coupon: coupon, remaining: 9}
	producer := &publisherStub{}
	svc := newTestService(repo, nil, producer, time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC))

	resp, err := svc.Redeem(context.Background(), uuid.New(), coupon.ID, "")
	if err != nil {
		t.Fatalf("Redeem returned error: %v", err)
	}
	code := repo.lastParams.SerialNumber
	if len(code) != VerificationCodeLength {
		t.Fatalf("expected %d-character verification code, got %q", VerificationCodeLength, code)
	}
	for _, ch := range code {
		if !strings.ContainsRune(verificationCodeAlphabet, ch) {
			t.Fatalf("verification code %q contains character outside alphabet", code)
		}
	}
	if resp.UserCoupon.SerialNumber != code {
		t.Fatalf("response serial %q does not match claimed code %q", resp.UserCoupon.SerialNumber, code)
	}
}

func TestRedeem_VerificationCodesDiffer(t *testing.T) {
	coupon := activeCoupon(domain.RedemptionTypeVerificationCode)
	coupon.SingleUsePerUser = false
	repo := &redeemRepoStub{coupon: coupon, remaining: 8}
	svc := newTestService(repo, nil, &publisherStub{}, time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC))

	seen := make(map[string]struct{})
	for i := 0; i < 20; i++ {
		if _, err := svc.Redeem(context.Background(), uuid.New(), coupon.ID, ""); err != nil {
			t.Fatalf("Redeem returned error: %v", err)
		}
		code := repo.lastParams.SerialNumber
		if _, dup := seen[code]; dup {
			t.Fatalf("verification code %q repeated", code)
		}
		seen[code] = struct{}{}
	}
}

func TestRedeem_FixedExpiryWinsOverValidityDays(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	fixed := time.Date(2025, 12, 31, 23, 59, 59, 0, time.UTC)
	days := 30

	coupon := activeCoupon(domain.RedemptionTypeVerificationCode)
	coupon.FixedExpiresAt = &fixed
	coupon.ValidityDays = &days
	repo := &redeemRepoStub{coupon: coupon, remaining: 9}
	svc := newTestService(repo, nil, &publisherStub{}, now)

	if _, err := svc.Redeem(context.Background(), uuid.New(), coupon.ID, ""); err != nil {
		t.Fatalf("Redeem returned error: %v", err)
	}
	if repo.lastParams.ExpiresAt == nil || !repo.lastParams.ExpiresAt.Equal(fixed) {
		t.Fatalf("expected expiry %v, got %v", fixed, repo.lastParams.ExpiresAt)
	}
}

func TestRedeem_ValidityDaysComputedFromRedemptionTime(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	days := 30

	coupon := activeCoupon(domain.RedemptionTypeVerificationCode)
	coupon.ValidityDays = &days
	repo := &redeemRepoStub{coupon: coupon, remaining: 9}
	svc := newTestService(repo, nil, &publisherStub{}, now)

	if _, err := svc.Redeem(context.Background(), uuid.New(), coupon.ID, ""); err != nil {
		t.Fatalf("Redeem returned error: %v", err)
	}
	want := time.Date(2025, 1, 31, 0, 0, 0, 0, time.UTC)
	if repo.lastParams.ExpiresAt == nil || !repo.lastParams.ExpiresAt.Equal(want) {
		t.Fatalf("expected expiry %v, got %v", want, repo.lastParams.ExpiresAt)
	}
}

func TestRedeem_NoExpiryPolicyMeansNoExpiry(t *testing.T) {
	coupon := activeCoupon(domain.RedemptionTypeVerificationCode)
	repo := &redeemRepoStub{coupon: coupon, remaining: 9}
	svc := newTestService(repo, nil, &publisherStub{}, time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC))

	if _, err := svc.Redeem(context.Background(), uuid.New(), coupon.ID, ""); err != nil {
		t.Fatalf("Redeem returned error: %v", err)
	}
	if repo.lastParams.ExpiresAt != nil {
		t.Fatalf("expected nil expiry, got %v", repo.lastParams.ExpiresAt)
	}
}

func TestRedeem_WalletChargeFailureStopsRedemption(t *testing.T) {
	coupon := activeCoupon(domain.RedemptionTypeSerialNumber)
	coupon.CostPoints = 500
	repo := &redeemRepoStub{coupon: coupon}
	wallet := &walletStub{deductErr: ErrInsufficientBalance}
	svc := newTestService(repo, wallet, &publisherStub{}, time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC))

	_, err := svc.Redeem(context.Background(), uuid.New(), coupon.ID, "")
	if !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
	if repo.redeemCalled {
		t.Fatal("atomic redeem should not run after a failed charge")
	}
	if wallet.creditCalled {
		t.Fatal("no compensating credit expected when the charge itself failed")
	}
}

func TestRedeem_RefundsChargeWhenClaimFails(t *testing.T) {
	coupon := activeCoupon(domain.RedemptionTypeSerialNumber)
	coupon.CostPoints = 500
	coupon.CostCoins = 2
	repo := &redeemRepoStub{coupon: coupon, redeemErr: store.ErrPoolExhausted}
	wallet := &walletStub{}
	svc := newTestService(repo, wallet, &publisherStub{}, time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC))

	_, err := svc.Redeem(context.Background(), uuid.New(), coupon.ID, "")
	if !errors.Is(err, store.ErrPoolExhausted) {
		t.Fatalf("expected ErrPoolExhausted, got %v", err)
	}
	if !wallet.deductCalled {
		t.Fatal("expected wallet charge before the claim")
	}
	if !wallet.creditCalled {
		t.Fatal("expected compensating credit after the failed claim")
	}
}

func TestRedeem_PublishesSoldOutOnLastRedemption(t *testing.T) {
	coupon := activeCoupon(domain.RedemptionTypeSerialNumber)
	repo := &redeemRepoStub{coupon: coupon, remaining: 0}
	producer := &publisherStub{}
	svc := newTestService(repo, nil, producer, time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC))

	if _, err := svc.Redeem(context.Background(), uuid.New(), coupon.ID, ""); err != nil {
		t.Fatalf("Redeem returned error: %v", err)
	}

	keys := producer.routingKeys()
	if len(keys) != 2 || keys[0] != RoutingKeyCouponRedeemed || keys[1] != RoutingKeyCouponSoldOut {
		t.Fatalf("expected redeemed then sold_out events, got %v", keys)
	}
}

func TestRedeem_DoesNotPublishSoldOutWhileStockRemains(t *testing.T) {
	coupon := activeCoupon(domain.RedemptionTypeSerialNumber)
	repo := &redeemRepoStub{coupon: coupon, remaining: 3}
	producer := &publisherStub{}
	svc := newTestService(repo, nil, producer, time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC))

	if _, err := svc.Redeem(context.Background(), uuid.New(), coupon.ID, ""); err != nil {
		t.Fatalf("Redeem returned error: %v", err)
	}

	keys := producer.routingKeys()
	if len(keys) != 1 || keys[0] != RoutingKeyCouponRedeemed {
		t.Fatalf("expected only the redeemed event, got %v", keys)
	}
}

type markUsedRepoStub struct {
	store.Repository

	userCoupon *domain.UserCoupon
	err        error
}

func (s *markUsedRepoStub) MarkUserCouponUsed(ctx context.Context, userCouponID, userID uuid.UUID, now time.Time) (*domain.UserCoupon, error) {
	if s.err != nil {
		return nil, s.err
	}
	uc := *s.userCoupon
	uc.UsedAt = &now
	return &uc, nil
}

func TestMarkUsed_PublishesUsedEvent(t *testing.T) {
	userID := uuid.New()
	repo := &markUsedRepoStub{userCoupon: &domain.UserCoupon{
		ID:           uuid.New(),
		UserID:       userID,
		CouponID:     uuid.New(),
		SerialNumber: "MK-ABC12345",
	}}
	producer := &publisherStub{}
	svc := newTestService(repo, nil, producer, time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC))

	uc, err := svc.MarkUsed(context.Background(), repo.userCoupon.ID, userID)
	if err != nil {
		t.Fatalf("MarkUsed returned error: %v", err)
	}
	if uc.UsedAt == nil {
		t.Fatal("expected used_at to be set")
	}
	keys := producer.routingKeys()
	if len(keys) != 1 || keys[0] != RoutingKeyCouponUsed {
		t.Fatalf("expected a single used event, got %v", keys)
	}
}

func TestMarkUsed_PropagatesAlreadyUsed(t *testing.T) {
	repo := &markUsedRepoStub{err: store.ErrAlreadyUsed}
	producer := &publisherStub{}
	svc := newTestService(repo, nil, producer, time.Now())

	_, err := svc.MarkUsed(context.Background(), uuid.New(), uuid.New())
	if !errors.Is(err, store.ErrAlreadyUsed) {
		t.Fatalf("expected ErrAlreadyUsed, got %v", err)
	}
	if len(producer.routingKeys()) != 0 {
		t.Fatal("no event expected for a failed mark-used")
	}
}

func TestCreateCoupon_Validation(t *testing.T) {
	base := domain.CreateCouponRequest{
		PartnerID:      uuid.New(),
		Title:          "Free Coffee",
		RedemptionType: domain.RedemptionTypeSerialNumber,
		TotalQuantity:  100,
		StartDate:      time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		EndDate:        time.Date(2025, 12, 31, 0, 0, 0, 0, time.UTC),
	}

	days := 0
	fixed := time.Date(2025, 12, 31, 0, 0, 0, 0, time.UTC)
	validDays := 30

	cases := []struct {
		name   string
		mutate func(*domain.CreateCouponRequest)
	}{
		{"empty title", func(r *domain.CreateCouponRequest) { r.Title = "  " }},
		{"missing partner", func(r *domain.CreateCouponRequest) { r.PartnerID = uuid.Nil }},
		{"unknown redemption type", func(r *domain.CreateCouponRequest) { r.RedemptionType = "QR_CODE" }},
		{"zero quantity", func(r *domain.CreateCouponRequest) { r.TotalQuantity = 0 }},
		{"negative quantity", func(r *domain.CreateCouponRequest) { r.TotalQuantity = -5 }},
		{"negative cost", func(r *domain.CreateCouponRequest) { r.CostPoints = -1 }},
		{"inverted window", func(r *domain.CreateCouponRequest) { r.StartDate, r.EndDate = r.EndDate, r.StartDate }},
		{"both expiry policies", func(r *domain.CreateCouponRequest) { r.FixedExpiresAt = &fixed; r.ValidityDays = &validDays }},
		{"zero validity days", func(r *domain.CreateCouponRequest) { r.ValidityDays = &days }},
	}

	svc := newTestService(&redeemRepoStub{}, nil, &publisherStub{}, time.Now())
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := base
			tc.mutate(&req)
			if _, err := svc.CreateCoupon(context.Background(), req); !errors.Is(err, ErrInvalidRequest) {
				t.Fatalf("expected ErrInvalidRequest, got %v", err)
			}
		})
	}
}

type createRepoStub struct {
	store.Repository

	created *domain.Coupon
}

func (s *createRepoStub) CreateCoupon(ctx context.Context, coupon *domain.Coupon) error {
	s.created = coupon
	coupon.IsActive = true
	coupon.CreatedAt = time.Now()
	coupon.UpdatedAt = coupon.CreatedAt
	return nil
}

func TestCreateCoupon_PersistsValidRequest(t *testing.T) {
	repo := &createRepoStub{}
	svc := newTestService(repo, nil, &publisherStub{}, time.Now())

	req := domain.CreateCouponRequest{
		PartnerID:        uuid.New(),
		Title:            "  Free Coffee  ",
		RedemptionType:   domain.RedemptionTypeBarcode,
		TotalQuantity:    50,
		CostPoints:       300,
		StartDate:        time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		EndDate:          time.Date(2025, 12, 31, 0, 0, 0, 0, time.UTC),
		SingleUsePerUser: true,
	}
	coupon, err := svc.CreateCoupon(context.Background(), req)
	if err != nil {
		t.Fatalf("CreateCoupon returned error: %v", err)
	}
	if repo.created == nil {
		t.Fatal("expected coupon to be persisted")
	}
	if coupon.Title != "Free Coffee" {
		t.Fatalf("expected trimmed title, got %q", coupon.Title)
	}
	if coupon.ID == uuid.Nil {
		t.Fatal("expected coupon ID to be assigned")
	}
}

type statusRepoStub struct {
	store.Repository

	coupon   *domain.Coupon
	poolLeft int
}

func (s *statusRepoStub) FindCouponByID(ctx context.Context, couponID uuid.UUID) (*domain.Coupon, error) {
	return s.coupon, nil
}

func (s *statusRepoStub) CountRemainingCodes(ctx context.Context, couponID uuid.UUID) (int, error) {
	return s.poolLeft, nil
}

func TestGetCouponStatus_PoolShorterThanCapWins(t *testing.T) {
	coupon := activeCoupon(domain.RedemptionTypeSerialNumber)
	coupon.TotalQuantity = 100
	coupon.RedeemedQuantity = 10
	repo := &statusRepoStub{coupon: coupon, poolLeft: 5}
	svc := newTestService(repo, nil, &publisherStub{}, time.Now())

	status, err := svc.GetCouponStatus(context.Background(), coupon.ID)
	if err != nil {
		t.Fatalf("GetCouponStatus returned error: %v", err)
	}
	if status.Remaining != 5 {
		t.Fatalf("expected remaining 5 (pool bound), got %d", status.Remaining)
	}
}

func TestGetCouponStatus_VerificationCouponUsesQuantityOnly(t *testing.T) {
	coupon := activeCoupon(domain.RedemptionTypeVerificationCode)
	coupon.TotalQuantity = 100
	coupon.RedeemedQuantity = 40
	repo := &statusRepoStub{coupon: coupon, poolLeft: 0}
	svc := newTestService(repo, nil, &publisherStub{}, time.Now())

	status, err := svc.GetCouponStatus(context.Background(), coupon.ID)
	if err != nil {
		t.Fatalf("GetCouponStatus returned error: %v", err)
	}
	if status.Remaining != 60 {
		t.Fatalf("expected remaining 60, got %d", status.Remaining)
	}
}

type provisionRepoStub struct {
	store.Repository

	coupon   *domain.Coupon
	received []string
}

func (s *provisionRepoStub) FindCouponByID(ctx context.Context, couponID uuid.UUID) (*domain.Coupon, error) {
	return s.coupon, nil
}

func (s *provisionRepoStub) ProvisionCodes(ctx context.Context, couponID uuid.UUID, codes []string) (int, error) {
	s.received = codes
	return len(codes), nil
}

func TestProvisionCodes_RejectsVerificationCoupon(t *testing.T) {
	repo := &provisionRepoStub{coupon: activeCoupon(domain.RedemptionTypeVerificationCode)}
	svc := newTestService(repo, nil, &publisherStub{}, time.Now())

	_, err := svc.ProvisionCodes(context.Background(), repo.coupon.ID, []string{"MK-ABC12345"})
	if !errors.Is(err, ErrNotPoolRedemptionType) {
		t.Fatalf("expected ErrNotPoolRedemptionType, got %v", err)
	}
}

func TestProvisionCodes_RejectsDuplicatesWithinBatch(t *testing.T) {
	repo := &provisionRepoStub{coupon: activeCoupon(domain.RedemptionTypeSerialNumber)}
	svc := newTestService(repo, nil, &publisherStub{}, time.Now())

	_, err := svc.ProvisionCodes(context.Background(), repo.coupon.ID, []string{"MK-AAA", "MK-BBB", "MK-AAA"})
	if !errors.Is(err, store.ErrDuplicateCode) {
		t.Fatalf("expected ErrDuplicateCode, got %v", err)
	}
}

func TestProvisionCodes_TrimsAndInserts(t *testing.T) {
	repo := &provisionRepoStub{coupon: activeCoupon(domain.RedemptionTypeBarcode)}
	svc := newTestService(repo, nil, &publisherStub{}, time.Now())

	n, err := svc.ProvisionCodes(context.Background(), repo.coupon.ID, []string{" 4901234567890 ", "4901234567891"})
	if err != nil {
		t.Fatalf("ProvisionCodes returned error: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 codes provisioned, got %d", n)
	}
	if repo.received[0] != "4901234567890" {
		t.Fatalf("expected trimmed code, got %q", repo.received[0])
	}
}

type idempotencyRepoStub struct {
	redeemRepoStub

	cached        *domain.RedeemCouponResponse
	acquired      bool
	completeCalls int
	releaseCalls  int
}

func (s *idempotencyRepoStub) AcquireRedemptionIdempotency(ctx context.Context, userID, couponID uuid.UUID, key, requestHash string, ttl, staleWindow time.Duration) (*domain.RedeemCouponResponse, bool, error) {
	return s.cached, s.acquired, nil
}

func (s *idempotencyRepoStub) CompleteRedemptionIdempotency(ctx context.Context, userID, couponID uuid.UUID, key string, userCouponID uuid.UUID, response domain.RedeemCouponResponse) error {
	s.completeCalls++
	return nil
}

func (s *idempotencyRepoStub) ReleaseRedemptionIdempotency(ctx context.Context, userID, couponID uuid.UUID, key string) error {
	s.releaseCalls++
	return nil
}

func TestRedeem_ReplaysCachedIdempotentResponse(t *testing.T) {
	cached := &domain.RedeemCouponResponse{
		UserCoupon: &domain.UserCoupon{ID: uuid.New(), SerialNumber: "MK-CACHED01"},
		Message:    "Coupon redeemed successfully",
	}
	repo := &idempotencyRepoStub{cached: cached}
	repo.coupon = activeCoupon(domain.RedemptionTypeSerialNumber)
	svc := newTestService(repo, nil, &publisherStub{}, time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC))

	resp, err := svc.Redeem(context.Background(), uuid.New(), repo.coupon.ID, "retry-key")
	if err != nil {
		t.Fatalf("Redeem returned error: %v", err)
	}
	if resp != cached {
		t.Fatal("expected the cached response to be replayed")
	}
	if repo.redeemCalled {
		t.Fatal("atomic redeem should not run for a replayed request")
	}
}

func TestRedeem_CompletesIdempotencyOnSuccess(t *testing.T) {
	repo := &idempotencyRepoStub{acquired: true}
	repo.coupon = activeCoupon(domain.RedemptionTypeSerialNumber)
	repo.remaining = 4
	svc := newTestService(repo, nil, &publisherStub{}, time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC))

	if _, err := svc.Redeem(context.Background(), uuid.New(), repo.coupon.ID, "fresh-key"); err != nil {
		t.Fatalf("Redeem returned error: %v", err)
	}
	if repo.completeCalls != 1 {
		t.Fatalf("expected one idempotency completion, got %d", repo.completeCalls)
	}
	if repo.releaseCalls != 0 {
		t.Fatalf("no release expected on success, got %d", repo.releaseCalls)
	}
}

func TestRedeem_ReleasesIdempotencyOnFailure(t *testing.T) {
	repo := &idempotencyRepoStub{acquired: true}
	repo.coupon = activeCoupon(domain.RedemptionTypeSerialNumber)
	repo.redeemErr = store.ErrPoolExhausted
	svc := newTestService(repo, nil, &publisherStub{}, time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC))

	_, err := svc.Redeem(context.Background(), uuid.New(), repo.coupon.ID, "fresh-key")
	if !errors.Is(err, store.ErrPoolExhausted) {
		t.Fatalf("expected ErrPoolExhausted, got %v", err)
	}
	if repo.releaseCalls != 1 {
		t.Fatalf("expected one idempotency release, got %d", repo.releaseCalls)
	}
	if repo.completeCalls != 0 {
		t.Fatalf("no completion expected on failure, got %d", repo.completeCalls)
	}
}
