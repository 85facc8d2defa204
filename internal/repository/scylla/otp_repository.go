package scylla

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"otp-login-service/internal/model"
	"otp-login-service/internal/util"
)

// sweepWorkers bounds the fan-out of the expired-row sweep.
const sweepWorkers = 4

// OTPRepository persists OTP rows under (user_id) partitions, newest
// first. Rows carry a storage TTL longer than the code lifetime so the
// resend counter can still see recently issued codes.
type OTPRepository struct {
	client     *ScyllaClient
	storageTTL time.Duration
}

func NewOTPRepository(client *ScyllaClient, storageTTL time.Duration) *OTPRepository {
	return &OTPRepository{
		client:     client,
		storageTTL: storageTTL,
	}
}

func (r *OTPRepository) Create(ctx context.Context, otp *model.OTP) error {
	if otp.OTPID == "" {
		otp.OTPID = uuid.New().String()
	}
	if otp.CreatedAt.IsZero() {
		otp.CreatedAt = time.Now().UTC()
	}

	ttlSeconds := int(r.storageTTL / time.Second)
	if codeWindow := int(time.Until(otp.ExpiresAt) / time.Second); codeWindow > ttlSeconds {
		ttlSeconds = codeWindow
	}

	query := r.client.Prepared.CreateOTP.
		Bind(otp.UserID, otp.CreatedAt, otp.OTPID, otp.CodeHash, otp.CodeSalt,
			otp.Attempts, otp.MaxAttempts, otp.IsUsed, otp.ExpiresAt, ttlSeconds).
		WithContext(ctx)

	if err := r.client.ExecuteWithRetry(query, 3); err != nil {
		util.Error("Failed to create OTP",
			util.String("user_id", otp.UserID),
			util.ErrorField(err))
		return fmt.Errorf("failed to create otp: %w", err)
	}
	return nil
}

// ListRecentUnused returns the newest unused rows for the user, newest
// first. Expired and exhausted rows are included; the caller decides
// what they mean.
func (r *OTPRepository) ListRecentUnused(ctx context.Context, userID string, limit int) ([]*model.OTP, error) {
	query := r.client.Prepared.ListRecentOTPs.Bind(userID, limit).WithContext(ctx)

	iter := query.Iter()
	var otps []*model.OTP
	for {
		otp := &model.OTP{}
		if !iter.Scan(&otp.UserID, &otp.CreatedAt, &otp.OTPID, &otp.CodeHash, &otp.CodeSalt,
			&otp.Attempts, &otp.MaxAttempts, &otp.IsUsed, &otp.ExpiresAt) {
			break
		}
		if !otp.IsUsed {
			otps = append(otps, otp)
		}
	}
	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("failed to list otps: %w", err)
	}
	return otps, nil
}

// RecordAttempt bumps the attempt counter with a conditional update so
// two racing verifications cannot both consume the same attempt slot.
func (r *OTPRepository) RecordAttempt(ctx context.Context, otp *model.OTP) error {
	prev := otp.Attempts
	var current int
	applied, err := r.client.Query(`
        UPDATE otps SET attempts = ?
        WHERE user_id = ? AND created_at = ? AND otp_id = ?
        IF attempts = ?`,
		prev+1, otp.UserID, otp.CreatedAt, otp.OTPID, prev).
		WithContext(ctx).
		ScanCAS(&current)
	if err != nil {
		return fmt.Errorf("failed to record attempt: %w", err)
	}
	if !applied {
		// Lost the race. Adopt the winner's count; the caller re-checks
		// the ceiling against it.
		otp.Attempts = current
		return model.ErrConflict
	}
	otp.Attempts = prev + 1
	return nil
}

// MarkUsed consumes the OTP. ErrConflict if a racing request already did.
func (r *OTPRepository) MarkUsed(ctx context.Context, otp *model.OTP) error {
	var used bool
	applied, err := r.client.Query(`
        UPDATE otps SET is_used = true
        WHERE user_id = ? AND created_at = ? AND otp_id = ?
        IF is_used = false`,
		otp.UserID, otp.CreatedAt, otp.OTPID).
		WithContext(ctx).
		ScanCAS(&used)
	if err != nil {
		return fmt.Errorf("failed to mark otp used: %w", err)
	}
	if !applied {
		return model.ErrConflict
	}
	otp.IsUsed = true
	return nil
}

// CountRecentForUser counts rows issued to the user since the cutoff,
// used or not. Backs the resend throttle.
func (r *OTPRepository) CountRecentForUser(ctx context.Context, userID string, since time.Time) (int, error) {
	var count int
	query := r.client.Prepared.CountRecentOTPs.Bind(userID, since).WithContext(ctx)
	if err := r.client.ScanWithRetry(query, &count); err != nil {
		return 0, fmt.Errorf("failed to count recent otps: %w", err)
	}
	return count, nil
}

// SweepExpired removes rows whose code expired before the storage
// retention ran out. The table scan pages through all partitions and
// deletes fan out over a small worker pool.
func (r *OTPRepository) SweepExpired(ctx context.Context) (int, error) {
	now := time.Now().UTC()

	iter := r.client.Query(`
        SELECT user_id, created_at, otp_id, is_used, expires_at FROM otps`).
		WithContext(ctx).PageSize(500).Iter()

	type key struct {
		userID    string
		createdAt time.Time
		otpID     string
	}

	var stale []key
	var (
		userID    string
		createdAt time.Time
		otpID     string
		isUsed    bool
		expiresAt time.Time
	)
	for iter.Scan(&userID, &createdAt, &otpID, &isUsed, &expiresAt) {
		if isUsed || now.After(expiresAt) {
			stale = append(stale, key{userID, createdAt, otpID})
		}
	}
	if err := iter.Close(); err != nil {
		return 0, fmt.Errorf("failed to scan otps for sweep: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(sweepWorkers)
	for _, k := range stale {
		k := k
		g.Go(func() error {
			query := r.client.Prepared.DeleteOTP.
				Bind(k.userID, k.createdAt, k.otpID).
				WithContext(gctx)
			return r.client.ExecuteWithRetry(query, 2)
		})
	}
	if err := g.Wait(); err != nil {
		return 0, fmt.Errorf("failed to sweep expired otps: %w", err)
	}

	if len(stale) > 0 {
		util.Info("Swept stale OTP rows", util.Int("count", len(stale)))
	}
	return len(stale), nil
}

func (r *OTPRepository) Delete(ctx context.Context, otp *model.OTP) error {
	query := r.client.Prepared.DeleteOTP.
		Bind(otp.UserID, otp.CreatedAt, otp.OTPID).
		WithContext(ctx)
	if err := r.client.ExecuteWithRetry(query, 3); err != nil {
		return fmt.Errorf("failed to delete otp: %w", err)
	}
	return nil
}

func (r *OTPRepository) DeleteForUser(ctx context.Context, userID string) error {
	query := r.client.Prepared.DeleteOTPsByUser.Bind(userID).WithContext(ctx)
	if err := r.client.ExecuteWithRetry(query, 3); err != nil {
		return fmt.Errorf("failed to delete otps for user: %w", err)
	}
	return nil
}

var _ model.OTPRepository = (*OTPRepository)(nil)
var _ model.UserRepository = (*UserRepository)(nil)
