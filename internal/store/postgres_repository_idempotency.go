package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ecoco/coupon-service/internal/domain"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

const (
	redemptionIdempotencyStatusProcessing = "processing"
	redemptionIdempotencyStatusCompleted  = "completed"
)

var (
	ErrRedemptionIdempotencyInProgress = errors.New("redemption with this idempotency key is in progress")
	ErrRedemptionIdempotencyConflict   = errors.New("idempotency key reused with a different request")
)

func isUndefinedTableError(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "42P01"
}

// AcquireRedemptionIdempotency reserves an idempotency key for a redemption
// request. The first caller to present a key acquires it and must go on to
// redeem; a retry with the same key and request hash gets the cached
// response once the original completes, or in-progress while it runs. A
// stale processing row (crashed caller) is reclaimed after staleWindow.
//
// If the idempotency table has not been migrated yet the method degrades to
// acquired so redemptions keep working without replay protection.
func (r *PostgresRepository) AcquireRedemptionIdempotency(
	ctx context.Context,
	userID uuid.UUID,
	couponID uuid.UUID,
	key string,
	requestHash string,
	ttl time.Duration,
	staleWindow time.Duration,
) (cachedResponse *domain.RedeemCouponResponse, acquired bool, err error) {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	if staleWindow <= 0 {
		staleWindow = 2 * time.Minute
	}

	tx, err := r.db.Begin(ctx)
	if err != nil {
		if isUndefinedTableError(err) {
			return nil, true, nil
		}
		return nil, false, fmt.Errorf("begin idempotency tx: %w", err)
	}
	defer tx.Rollback(ctx)

	expiresAt := time.Now().UTC().Add(ttl)
	insertQuery := `
		INSERT INTO redemption_idempotency (
			coupon_id,
			user_id,
			idempotency_key,
			request_hash,
			status,
			expires_at,
			updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
		ON CONFLICT (user_id, idempotency_key) DO NOTHING
	`
	insertResult, err := tx.Exec(
		ctx,
		insertQuery,
		couponID,
		userID,
		key,
		requestHash,
		redemptionIdempotencyStatusProcessing,
		expiresAt,
	)
	if err != nil {
		if isUndefinedTableError(err) {
			return nil, true, nil
		}
		return nil, false, fmt.Errorf("reserve idempotency key: %w", err)
	}
	if insertResult.RowsAffected() == 1 {
		if err := tx.Commit(ctx); err != nil {
			return nil, false, err
		}
		return nil, true, nil
	}

	var (
		existingCouponID uuid.UUID
		existingHash     string
		status           string
		responsePayload  []byte
		updatedAt        time.Time
		existingExpires  time.Time
	)
	selectQuery := `
		SELECT coupon_id, request_hash, status, response_payload, updated_at, expires_at
		FROM redemption_idempotency
		WHERE user_id = $1 AND idempotency_key = $2
		FOR UPDATE
	`
	if err := tx.QueryRow(ctx, selectQuery, userID, key).Scan(
		&existingCouponID,
		&existingHash,
		&status,
		&responsePayload,
		&updatedAt,
		&existingExpires,
	); err != nil {
		if isUndefinedTableError(err) {
			return nil, true, nil
		}
		if err == pgx.ErrNoRows {
			return nil, false, ErrRedemptionIdempotencyInProgress
		}
		return nil, false, fmt.Errorf("load idempotency row: %w", err)
	}

	if existingCouponID != couponID || existingHash != requestHash {
		return nil, false, ErrRedemptionIdempotencyConflict
	}

	now := time.Now().UTC()
	if status == redemptionIdempotencyStatusCompleted {
		if len(responsePayload) == 0 {
			return nil, false, ErrRedemptionIdempotencyInProgress
		}
		var response domain.RedeemCouponResponse
		if err := json.Unmarshal(responsePayload, &response); err != nil {
			return nil, false, fmt.Errorf("decode idempotent response payload: %w", err)
		}
		if err := tx.Commit(ctx); err != nil {
			return nil, false, err
		}
		return &response, false, nil
	}

	isStale := updatedAt.Before(now.Add(-staleWindow)) || existingExpires.Before(now)
	if !isStale {
		if err := tx.Commit(ctx); err != nil {
			return nil, false, err
		}
		return nil, false, ErrRedemptionIdempotencyInProgress
	}

	reclaimQuery := `
		UPDATE redemption_idempotency
		SET
			coupon_id = $3,
			request_hash = $4,
			status = $5,
			response_payload = NULL,
			user_coupon_id = NULL,
			expires_at = $6,
			updated_at = NOW()
		WHERE user_id = $1 AND idempotency_key = $2
	`
	if _, err := tx.Exec(
		ctx,
		reclaimQuery,
		userID,
		key,
		couponID,
		requestHash,
		redemptionIdempotencyStatusProcessing,
		expiresAt,
	); err != nil {
		if isUndefinedTableError(err) {
			return nil, true, nil
		}
		return nil, false, fmt.Errorf("reclaim stale idempotency row: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, false, err
	}
	return nil, true, nil
}

// CompleteRedemptionIdempotency stores the successful redemption response
// against the reserved key so retries replay it instead of redeeming again.
func (r *PostgresRepository) CompleteRedemptionIdempotency(
	ctx context.Context,
	userID uuid.UUID,
	couponID uuid.UUID,
	key string,
	userCouponID uuid.UUID,
	response domain.RedeemCouponResponse,
) error {
	responsePayload, err := json.Marshal(response)
	if err != nil {
		return fmt.Errorf("marshal idempotent response payload: %w", err)
	}

	query := `
		UPDATE redemption_idempotency
		SET
			status = $5,
			response_payload = $4::jsonb,
			user_coupon_id = $6,
			updated_at = NOW()
		WHERE coupon_id = $1 AND user_id = $2 AND idempotency_key = $3
	`
	result, err := r.db.Exec(
		ctx,
		query,
		couponID,
		userID,
		key,
		string(responsePayload),
		redemptionIdempotencyStatusCompleted,
		userCouponID,
	)
	if err != nil {
		if isUndefinedTableError(err) {
			return nil
		}
		return err
	}
	if result.RowsAffected() == 0 {
		return ErrRedemptionIdempotencyInProgress
	}
	return nil
}

// ReleaseRedemptionIdempotency deletes a still-processing reservation after
// a failed redemption so the caller can retry with the same key.
func (r *PostgresRepository) ReleaseRedemptionIdempotency(
	ctx context.Context,
	userID uuid.UUID,
	couponID uuid.UUID,
	key string,
) error {
	query := `
		DELETE FROM redemption_idempotency
		WHERE coupon_id = $1
		  AND user_id = $2
		  AND idempotency_key = $3
		  AND status = $4
	`
	_, err := r.db.Exec(ctx, query, couponID, userID, key, redemptionIdempotencyStatusProcessing)
	if isUndefinedTableError(err) {
		return nil
	}
	return err
}
