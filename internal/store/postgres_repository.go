/**
 * @description
 * This file provides the PostgreSQL implementation of the `Repository` interface.
 * It contains all the necessary SQL queries to interact with the database tables
 * related to coupons, coupon codes, user coupons and the redemption ledger.
 *
 * The redemption-critical path (`RedeemCouponAtomic`) locks the coupon row with
 * FOR UPDATE, claims the lowest-sequence unassigned pool code with FOR UPDATE
 * SKIP LOCKED, and commits the code claim, user coupon insert, counter
 * increment and ledger append as a single transaction.
 *
 * @dependencies
 * - context, time, errors: Standard Go libraries.
 * - github.com/jackc/pgx/v5: The PostgreSQL driver for database operations.
 * - internal/domain: Contains the domain models used for data transfer.
 */

package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ecoco/coupon-service/internal/domain"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	ErrCouponNotFound     = errors.New("coupon not found")
	ErrCouponInactive     = errors.New("coupon is not active")
	ErrCouponWindowClosed = errors.New("coupon is outside its redemption window")
	ErrQuantityExceeded   = errors.New("coupon quantity exhausted")
	ErrPoolExhausted      = errors.New("coupon code pool exhausted")
	ErrAlreadyRedeemed    = errors.New("coupon already redeemed by this user")
	ErrDuplicateCode      = errors.New("duplicate code in coupon pool")
	ErrUserCouponNotFound = errors.New("user coupon not found")
	ErrAlreadyUsed        = errors.New("user coupon already used")
	ErrUserCouponExpired  = errors.New("user coupon expired")
)

// PostgresRepository is a concrete implementation of the Repository interface for PostgreSQL.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a new instance of PostgresRepository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// CreateCoupon inserts a new coupon offer definition.
func (r *PostgresRepository) CreateCoupon(ctx context.Context, coupon *domain.Coupon) error {
	query := `
		INSERT INTO coupons (
			id, partner_id, title, description, image_url, cost_points, cost_coins,
			redemption_type, total_quantity, redeemed_quantity, start_date, end_date,
			fixed_expires_at, validity_days, single_use_per_user, is_active, terms
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, 0, $10, $11, $12, $13, $14, TRUE, $15)
		RETURNING redeemed_quantity, is_active, created_at, updated_at
	`
	err := r.db.QueryRow(ctx, query,
		coupon.ID, coupon.PartnerID, coupon.Title, coupon.Description, coupon.ImageURL,
		coupon.CostPoints, coupon.CostCoins, coupon.RedemptionType, coupon.TotalQuantity,
		coupon.StartDate, coupon.EndDate, coupon.FixedExpiresAt, coupon.ValidityDays,
		coupon.SingleUsePerUser, coupon.Terms,
	).Scan(&coupon.RedeemedQuantity, &coupon.IsActive, &coupon.CreatedAt, &coupon.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create coupon: %w", err)
	}
	return nil
}

const couponColumns = `
	id, partner_id, title, description, image_url, cost_points, cost_coins,
	redemption_type, total_quantity, redeemed_quantity, start_date, end_date,
	fixed_expires_at, validity_days, single_use_per_user, is_active, terms,
	created_at, updated_at
`

func scanCoupon(row pgx.Row, coupon *domain.Coupon) error {
	return row.Scan(
		&coupon.ID, &coupon.PartnerID, &coupon.Title, &coupon.Description, &coupon.ImageURL,
		&coupon.CostPoints, &coupon.CostCoins, &coupon.RedemptionType, &coupon.TotalQuantity,
		&coupon.RedeemedQuantity, &coupon.StartDate, &coupon.EndDate, &coupon.FixedExpiresAt,
		&coupon.ValidityDays, &coupon.SingleUsePerUser, &coupon.IsActive, &coupon.Terms,
		&coupon.CreatedAt, &coupon.UpdatedAt,
	)
}

// FindCouponByID retrieves a coupon by its ID.
func (r *PostgresRepository) FindCouponByID(ctx context.Context, couponID uuid.UUID) (*domain.Coupon, error) {
	var coupon domain.Coupon
	query := `SELECT ` + couponColumns + ` FROM coupons WHERE id = $1`
	err := scanCoupon(r.db.QueryRow(ctx, query, couponID), &coupon)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrCouponNotFound
		}
		return nil, err
	}
	return &coupon, nil
}

// ListActiveCoupons returns coupons that are active and inside their
// redemption window at the given time, newest first.
func (r *PostgresRepository) ListActiveCoupons(ctx context.Context, now time.Time) ([]domain.Coupon, error) {
	query := `
		SELECT ` + couponColumns + `
		FROM coupons
		WHERE is_active = TRUE AND start_date <= $1 AND end_date >= $1
		ORDER BY created_at DESC
	`
	rows, err := r.db.Query(ctx, query, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	coupons := make([]domain.Coupon, 0)
	for rows.Next() {
		var coupon domain.Coupon
		if err := scanCoupon(rows, &coupon); err != nil {
			return nil, err
		}
		coupons = append(coupons, coupon)
	}
	return coupons, rows.Err()
}

// SetCouponActive toggles a coupon's active flag. Returns false when no
// coupon with the given ID exists.
func (r *PostgresRepository) SetCouponActive(ctx context.Context, couponID uuid.UUID, active bool) (bool, error) {
	query := `UPDATE coupons SET is_active = $1, updated_at = NOW() WHERE id = $2`
	result, err := r.db.Exec(ctx, query, active, couponID)
	if err != nil {
		return false, err
	}
	return result.RowsAffected() > 0, nil
}

// ProvisionCodes bulk-inserts pool codes for a coupon, all unassigned. The
// whole batch is one transaction: a duplicate code, either within the batch
// or against codes already provisioned for the coupon, fails the entire
// operation with ErrDuplicateCode.
func (r *PostgresRepository) ProvisionCodes(ctx context.Context, couponID uuid.UUID, codes []string) (int, error) {
	if len(codes) == 0 {
		return 0, nil
	}

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	// Verify the coupon exists before loading codes against it.
	var exists bool
	if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM coupons WHERE id = $1)`, couponID).Scan(&exists); err != nil {
		return 0, err
	}
	if !exists {
		return 0, ErrCouponNotFound
	}

	insertQuery := `
		INSERT INTO coupon_codes (id, coupon_id, code, is_assigned)
		VALUES ($1, $2, $3, FALSE)
	`
	for _, code := range codes {
		if _, err := tx.Exec(ctx, insertQuery, uuid.New(), couponID, code); err != nil {
			if isUniqueViolation(err) {
				return 0, ErrDuplicateCode
			}
			return 0, fmt.Errorf("failed to insert pool code: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	return len(codes), nil
}

// CountRemainingCodes returns the number of unassigned codes left in a
// coupon's pool. Non-authoritative: the atomic claim inside
// RedeemCouponAtomic is the only exhaustion check that matters.
func (r *PostgresRepository) CountRemainingCodes(ctx context.Context, couponID uuid.UUID) (int, error) {
	var count int
	query := `SELECT COUNT(*) FROM coupon_codes WHERE coupon_id = $1 AND is_assigned = FALSE`
	if err := r.db.QueryRow(ctx, query, couponID).Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

// RedeemCouponAtomic performs an atomic redemption of a coupon for a user.
// Every validation and mutation happens under the coupon row lock so that
// two concurrent redemptions of the same coupon serialize, while
// redemptions of different coupons proceed independently.
func (r *PostgresRepository) RedeemCouponAtomic(ctx context.Context, params RedeemParams) (*domain.UserCoupon, int, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	// 1. Lock the coupon row and validate eligibility in order:
	//    exists+active, window, quantity cap.
	var coupon domain.Coupon
	lockQuery := `SELECT ` + couponColumns + ` FROM coupons WHERE id = $1 FOR UPDATE`
	if err := scanCoupon(tx.QueryRow(ctx, lockQuery, params.CouponID), &coupon); err != nil {
		if err == pgx.ErrNoRows {
			return nil, 0, ErrCouponNotFound
		}
		return nil, 0, fmt.Errorf("failed to get and lock coupon: %w", err)
	}

	if !coupon.IsActive {
		return nil, 0, ErrCouponInactive
	}
	if params.Now.Before(coupon.StartDate) || params.Now.After(coupon.EndDate) {
		return nil, 0, ErrCouponWindowClosed
	}
	if !coupon.Unlimited() && coupon.RedeemedQuantity >= coupon.TotalQuantity {
		return nil, 0, ErrQuantityExceeded
	}

	// 2. Single-use-per-user gate, checked against the ledger under the lock.
	if coupon.SingleUsePerUser {
		var redeemCount int
		claimCheckQuery := `
			SELECT COUNT(*)
			FROM redemption_log
			WHERE user_id = $1 AND coupon_id = $2 AND action = $3
		`
		if err := tx.QueryRow(ctx, claimCheckQuery, params.UserID, params.CouponID, domain.LedgerActionRedeemed).Scan(&redeemCount); err != nil {
			return nil, 0, fmt.Errorf("failed to check existing redemptions: %w", err)
		}
		if redeemCount > 0 {
			return nil, 0, ErrAlreadyRedeemed
		}
	}

	// 3. Resolve the code. Pool coupons claim the lowest-sequence unassigned
	//    code; exhaustion here is authoritative over the quantity counter.
	serialNumber := params.SerialNumber
	var claimedCodeID *uuid.UUID
	if coupon.UsesCodePool() {
		claimQuery := `
			UPDATE coupon_codes
			SET is_assigned = TRUE
			WHERE id = (
				SELECT id FROM coupon_codes
				WHERE coupon_id = $1 AND is_assigned = FALSE
				ORDER BY seq
				LIMIT 1
				FOR UPDATE SKIP LOCKED
			)
			RETURNING id, code
		`
		var codeID uuid.UUID
		if err := tx.QueryRow(ctx, claimQuery, params.CouponID).Scan(&codeID, &serialNumber); err != nil {
			if err == pgx.ErrNoRows {
				return nil, 0, ErrPoolExhausted
			}
			return nil, 0, fmt.Errorf("failed to claim pool code: %w", err)
		}
		claimedCodeID = &codeID
	} else if serialNumber == "" {
		return nil, 0, errors.New("verification code must be supplied for non-pool coupons")
	}

	// 4. Create the user coupon record.
	userCoupon := &domain.UserCoupon{
		ID:           uuid.New(),
		UserID:       params.UserID,
		CouponID:     params.CouponID,
		SerialNumber: serialNumber,
		ExpiresAt:    params.ExpiresAt,
	}
	insertQuery := `
		INSERT INTO user_coupons (id, user_id, coupon_id, serial_number, expires_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at
	`
	if err := tx.QueryRow(ctx, insertQuery,
		userCoupon.ID, userCoupon.UserID, userCoupon.CouponID, userCoupon.SerialNumber, userCoupon.ExpiresAt,
	).Scan(&userCoupon.CreatedAt); err != nil {
		return nil, 0, fmt.Errorf("failed to insert user coupon: %w", err)
	}

	// 5. Point the claimed code at its owning user coupon.
	if claimedCodeID != nil {
		backrefQuery := `UPDATE coupon_codes SET user_coupon_id = $1 WHERE id = $2`
		if _, err := tx.Exec(ctx, backrefQuery, userCoupon.ID, *claimedCodeID); err != nil {
			return nil, 0, fmt.Errorf("failed to set code back-reference: %w", err)
		}
	}

	// 6. Increment the redeemed counter.
	var newCount int
	incrementQuery := `
		UPDATE coupons
		SET redeemed_quantity = redeemed_quantity + 1, updated_at = NOW()
		WHERE id = $1
		RETURNING redeemed_quantity
	`
	if err := tx.QueryRow(ctx, incrementQuery, params.CouponID).Scan(&newCount); err != nil {
		return nil, 0, fmt.Errorf("failed to increment redeemed quantity: %w", err)
	}

	// 7. Append the ledger entry within the same transaction.
	ledgerQuery := `
		INSERT INTO redemption_log (id, user_id, coupon_id, user_coupon_id, action, serial_number)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	if _, err := tx.Exec(ctx, ledgerQuery,
		uuid.New(), params.UserID, params.CouponID, userCoupon.ID, domain.LedgerActionRedeemed, serialNumber,
	); err != nil {
		return nil, 0, fmt.Errorf("failed to append redemption log: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, 0, fmt.Errorf("failed to commit redemption: %w", err)
	}

	remaining := -1
	if !coupon.Unlimited() {
		remaining = coupon.TotalQuantity - newCount
		if remaining < 0 {
			remaining = 0
		}
	}
	return userCoupon, remaining, nil
}

// FindUserCouponByID retrieves a user coupon by its ID.
func (r *PostgresRepository) FindUserCouponByID(ctx context.Context, userCouponID uuid.UUID) (*domain.UserCoupon, error) {
	var uc domain.UserCoupon
	query := `
		SELECT id, user_id, coupon_id, serial_number, expires_at, used_at, created_at
		FROM user_coupons
		WHERE id = $1
	`
	err := r.db.QueryRow(ctx, query, userCouponID).Scan(
		&uc.ID, &uc.UserID, &uc.CouponID, &uc.SerialNumber, &uc.ExpiresAt, &uc.UsedAt, &uc.CreatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrUserCouponNotFound
		}
		return nil, err
	}
	return &uc, nil
}

// ListUserCouponsByUserID returns a user's redeemed coupons with offer
// metadata for display, newest first.
func (r *PostgresRepository) ListUserCouponsByUserID(ctx context.Context, userID uuid.UUID) ([]domain.UserCouponListItem, error) {
	query := `
		SELECT uc.id, uc.user_id, uc.coupon_id, uc.serial_number, uc.expires_at, uc.used_at, uc.created_at,
		       c.title, c.image_url
		FROM user_coupons uc
		JOIN coupons c ON c.id = uc.coupon_id
		WHERE uc.user_id = $1
		ORDER BY uc.created_at DESC
	`
	rows, err := r.db.Query(ctx, query, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := make([]domain.UserCouponListItem, 0)
	for rows.Next() {
		var item domain.UserCouponListItem
		if err := rows.Scan(
			&item.ID, &item.UserID, &item.CouponID, &item.SerialNumber, &item.ExpiresAt, &item.UsedAt, &item.CreatedAt,
			&item.CouponTitle, &item.ImageURL,
		); err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// MarkUserCouponUsed sets used_at on a user coupon exactly once. The row is
// locked so that two concurrent mark-used calls cannot both succeed. The
// "used" ledger entry commits together with the update.
func (r *PostgresRepository) MarkUserCouponUsed(ctx context.Context, userCouponID, userID uuid.UUID, now time.Time) (*domain.UserCoupon, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var uc domain.UserCoupon
	lockQuery := `
		SELECT id, user_id, coupon_id, serial_number, expires_at, used_at, created_at
		FROM user_coupons
		WHERE id = $1
		FOR UPDATE
	`
	err = tx.QueryRow(ctx, lockQuery, userCouponID).Scan(
		&uc.ID, &uc.UserID, &uc.CouponID, &uc.SerialNumber, &uc.ExpiresAt, &uc.UsedAt, &uc.CreatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrUserCouponNotFound
		}
		return nil, fmt.Errorf("failed to get and lock user coupon: %w", err)
	}

	// Ownership is enforced here rather than in the query so that a foreign
	// ID reads as not-found, not as someone else's coupon.
	if uc.UserID != userID {
		return nil, ErrUserCouponNotFound
	}
	if uc.UsedAt != nil {
		return nil, ErrAlreadyUsed
	}
	if uc.ExpiresAt != nil && !now.Before(*uc.ExpiresAt) {
		return nil, ErrUserCouponExpired
	}

	updateQuery := `UPDATE user_coupons SET used_at = $1 WHERE id = $2`
	if _, err := tx.Exec(ctx, updateQuery, now, userCouponID); err != nil {
		return nil, fmt.Errorf("failed to mark user coupon used: %w", err)
	}

	ledgerQuery := `
		INSERT INTO redemption_log (id, user_id, coupon_id, user_coupon_id, action, serial_number)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	if _, err := tx.Exec(ctx, ledgerQuery,
		uuid.New(), uc.UserID, uc.CouponID, uc.ID, domain.LedgerActionUsed, uc.SerialNumber,
	); err != nil {
		return nil, fmt.Errorf("failed to append usage log: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit mark-used: %w", err)
	}

	usedAt := now
	uc.UsedAt = &usedAt
	return &uc, nil
}

// HasRedeemed reports whether the user has a prior redemption entry for the
// coupon in the ledger.
func (r *PostgresRepository) HasRedeemed(ctx context.Context, userID, couponID uuid.UUID) (bool, error) {
	var count int
	query := `
		SELECT COUNT(*)
		FROM redemption_log
		WHERE user_id = $1 AND coupon_id = $2 AND action = $3
	`
	if err := r.db.QueryRow(ctx, query, userID, couponID, domain.LedgerActionRedeemed).Scan(&count); err != nil {
		return false, err
	}
	return count > 0, nil
}

// ListRedemptionHistory returns a user's ledger entries ordered by recency.
func (r *PostgresRepository) ListRedemptionHistory(ctx context.Context, userID uuid.UUID, opts domain.HistoryListOptions) ([]domain.RedemptionLogEntry, error) {
	limit := opts.Limit
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	offset := opts.Offset
	if offset < 0 {
		offset = 0
	}

	query := `
		SELECT id, user_id, coupon_id, user_coupon_id, action, serial_number, created_at
		FROM redemption_log
		WHERE user_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2 OFFSET $3
	`
	rows, err := r.db.Query(ctx, query, userID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := make([]domain.RedemptionLogEntry, 0)
	for rows.Next() {
		var entry domain.RedemptionLogEntry
		if err := rows.Scan(
			&entry.ID, &entry.UserID, &entry.CouponID, &entry.UserCouponID,
			&entry.Action, &entry.SerialNumber, &entry.CreatedAt,
		); err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}
