package scylla

import (
	"context"
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"github.com/google/uuid"

	"otp-login-service/internal/bucketing"
	"otp-login-service/internal/model"
	"otp-login-service/internal/util"
)

// UserRepository persists users plus the identifier lookup tables.
// Plaintext identifiers never reach this layer; the service hands it
// hashes and encrypted blobs.
type UserRepository struct {
	client  *ScyllaClient
	buckets *bucketing.Manager
}

func NewUserRepository(client *ScyllaClient, buckets *bucketing.Manager) *UserRepository {
	return &UserRepository{
		client:  client,
		buckets: buckets,
	}
}

func (r *UserRepository) Create(ctx context.Context, user *model.User) error {
	if user.UserID == "" {
		user.UserID = uuid.New().String()
	}
	user.UserBucket = r.buckets.UserBucket(user.UserID)

	now := time.Now().UTC()
	user.CreatedAt = now

	// User row and lookup rows commit together.
	batch := r.client.Batch(gocql.LoggedBatch).WithContext(ctx)

	batch.Query(r.client.Prepared.CreateUser.Statement(),
		user.UserBucket, user.UserID, user.Username, user.MobileHash, user.EmailHash,
		user.MobileEncrypted, user.EmailEncrypted, user.KeyID, user.PasswordHash, user.PasswordSalt,
		user.FirstName, user.LastName, user.HasProfile, user.CreatedAt, user.LastLogin, user.UpdatedAt)

	if user.MobileHash != "" {
		batch.Query(r.client.Prepared.CreateMobileToUser.Statement(),
			user.MobileHash, user.UserBucket, user.UserID, user.CreatedAt)
	}
	if user.EmailHash != "" {
		batch.Query(r.client.Prepared.CreateEmailToUser.Statement(),
			user.EmailHash, user.UserBucket, user.UserID, user.CreatedAt)
	}

	if err := r.client.ExecuteBatch(batch); err != nil {
		util.Error("Failed to create user",
			util.String("user_id", user.UserID),
			util.ErrorField(err))
		return fmt.Errorf("failed to create user: %w", err)
	}

	util.Info("User created",
		util.String("user_id", user.UserID),
		util.String("username", user.Username))

	return nil
}

func (r *UserRepository) GetByID(ctx context.Context, userID string) (*model.User, error) {
	bucket := r.buckets.UserBucket(userID)
	return r.getByKey(ctx, bucket, userID)
}

func (r *UserRepository) getByKey(ctx context.Context, bucket int, userID string) (*model.User, error) {
	user := &model.User{}

	query := r.client.Prepared.GetUserByID.Bind(bucket, userID).WithContext(ctx)

	err := r.client.ScanWithRetry(query,
		&user.UserBucket, &user.UserID, &user.Username, &user.MobileHash, &user.EmailHash,
		&user.MobileEncrypted, &user.EmailEncrypted, &user.KeyID, &user.PasswordHash, &user.PasswordSalt,
		&user.FirstName, &user.LastName, &user.HasProfile, &user.CreatedAt, &user.LastLogin, &user.UpdatedAt)
	if err != nil {
		if err == gocql.ErrNotFound {
			return nil, model.ErrNotFound
		}
		util.Error("Failed to get user by ID",
			util.String("user_id", userID),
			util.ErrorField(err))
		return nil, fmt.Errorf("failed to get user by ID: %w", err)
	}

	return user, nil
}

// GetByMobileHash resolves a mobile lookup hash to the full user row.
func (r *UserRepository) GetByMobileHash(ctx context.Context, mobileHash string) (*model.User, error) {
	var bucket int
	var userID string

	query := r.client.Prepared.GetUserByMobile.Bind(mobileHash).WithContext(ctx)
	if err := r.client.ScanWithRetry(query, &bucket, &userID); err != nil {
		if err == gocql.ErrNotFound {
			return nil, model.ErrNotFound
		}
		return nil, fmt.Errorf("failed to resolve mobile hash: %w", err)
	}

	return r.getByKey(ctx, bucket, userID)
}

// GetByEmailHash resolves an email lookup hash to the full user row.
func (r *UserRepository) GetByEmailHash(ctx context.Context, emailHash string) (*model.User, error) {
	var bucket int
	var userID string

	query := r.client.Prepared.GetUserByEmail.Bind(emailHash).WithContext(ctx)
	if err := r.client.ScanWithRetry(query, &bucket, &userID); err != nil {
		if err == gocql.ErrNotFound {
			return nil, model.ErrNotFound
		}
		return nil, fmt.Errorf("failed to resolve email hash: %w", err)
	}

	return r.getByKey(ctx, bucket, userID)
}

// UpdateNames writes the first/last name columns and the profile flag.
func (r *UserRepository) UpdateNames(ctx context.Context, user *model.User) error {
	now := time.Now().UTC()
	user.UpdatedAt = &now

	query := r.client.Prepared.UpdateUserNames.
		Bind(user.FirstName, user.LastName, user.HasProfile, now, user.UserBucket, user.UserID).
		WithContext(ctx)

	if err := r.client.ExecuteWithRetry(query, 3); err != nil {
		return fmt.Errorf("failed to update user names: %w", err)
	}
	return nil
}

// TouchLastLogin stamps the user's last successful login.
func (r *UserRepository) TouchLastLogin(ctx context.Context, userID string, at time.Time) error {
	bucket := r.buckets.UserBucket(userID)
	query := r.client.Prepared.UpdateLastLogin.Bind(at, bucket, userID).WithContext(ctx)

	if err := r.client.ExecuteWithRetry(query, 3); err != nil {
		return fmt.Errorf("failed to update last login: %w", err)
	}
	return nil
}

func (r *UserRepository) Delete(ctx context.Context, user *model.User) error {
	batch := r.client.Batch(gocql.LoggedBatch).WithContext(ctx)

	batch.Query(r.client.Prepared.DeleteUser.Statement(), user.UserBucket, user.UserID)
	if user.MobileHash != "" {
		batch.Query(r.client.Prepared.DeleteMobileToUser.Statement(), user.MobileHash)
	}
	if user.EmailHash != "" {
		batch.Query(r.client.Prepared.DeleteEmailToUser.Statement(), user.EmailHash)
	}

	if err := r.client.ExecuteBatch(batch); err != nil {
		util.Error("Failed to delete user",
			util.String("user_id", user.UserID),
			util.ErrorField(err))
		return fmt.Errorf("failed to delete user: %w", err)
	}

	util.Info("User deleted", util.String("user_id", user.UserID))
	return nil
}
