package scylla

import (
	"context"
	"fmt"
	"time"

	"github.com/gocql/gocql"

	"otp-login-service/internal/model"
	"otp-login-service/internal/util"
)

// ProfileRepository persists profile rows. Profile creation also stamps
// the user's name columns; both writes ride one logged batch so a
// half-completed profile can never be observed.
type ProfileRepository struct {
	client *ScyllaClient
}

func NewProfileRepository(client *ScyllaClient) *ProfileRepository {
	return &ProfileRepository{client: client}
}

func (r *ProfileRepository) Get(ctx context.Context, userID string) (*model.Profile, error) {
	profile := &model.Profile{}

	query := r.client.Prepared.GetProfile.Bind(userID).WithContext(ctx)

	err := r.client.ScanWithRetry(query,
		&profile.UserID, &profile.FirstName, &profile.LastName,
		&profile.AddressLine1, &profile.AddressLine2,
		&profile.City, &profile.State, &profile.PostalCode, &profile.Country,
		&profile.DateOfBirth, &profile.CreatedAt, &profile.UpdatedAt)
	if err != nil {
		if err == gocql.ErrNotFound {
			return nil, model.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get profile: %w", err)
	}

	return profile, nil
}

func (r *ProfileRepository) CompleteProfile(ctx context.Context, user *model.User, profile *model.Profile) error {
	now := time.Now().UTC()
	profile.UserID = user.UserID
	profile.CreatedAt = now
	profile.UpdatedAt = now

	batch := r.client.Batch(gocql.LoggedBatch).WithContext(ctx)

	batch.Query(`
        INSERT INTO profiles (
            user_id, first_name, last_name, address_line1, address_line2,
            city, state, postal_code, country, date_of_birth, created_at, updated_at
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		profile.UserID, profile.FirstName, profile.LastName,
		profile.AddressLine1, profile.AddressLine2,
		profile.City, profile.State, profile.PostalCode, profile.Country,
		profile.DateOfBirth, profile.CreatedAt, profile.UpdatedAt)

	batch.Query(r.client.Prepared.UpdateUserNames.Statement(),
		profile.FirstName, profile.LastName, true, now, user.UserBucket, user.UserID)

	if err := r.client.ExecuteBatch(batch); err != nil {
		util.Error("Failed to complete profile",
			util.String("user_id", user.UserID),
			util.ErrorField(err))
		return fmt.Errorf("failed to complete profile: %w", err)
	}

	user.FirstName = profile.FirstName
	user.LastName = profile.LastName
	user.HasProfile = true

	util.Info("Profile completed", util.String("user_id", user.UserID))
	return nil
}

func (r *ProfileRepository) UpdateProfile(ctx context.Context, user *model.User, profile *model.Profile) error {
	now := time.Now().UTC()
	profile.UserID = user.UserID
	profile.UpdatedAt = now

	batch := r.client.Batch(gocql.LoggedBatch).WithContext(ctx)

	batch.Query(`
        UPDATE profiles SET first_name = ?, last_name = ?, address_line1 = ?,
            address_line2 = ?, city = ?, state = ?, postal_code = ?, country = ?,
            date_of_birth = ?, updated_at = ?
        WHERE user_id = ?`,
		profile.FirstName, profile.LastName, profile.AddressLine1, profile.AddressLine2,
		profile.City, profile.State, profile.PostalCode, profile.Country,
		profile.DateOfBirth, profile.UpdatedAt, profile.UserID)

	batch.Query(r.client.Prepared.UpdateUserNames.Statement(),
		profile.FirstName, profile.LastName, true, now, user.UserBucket, user.UserID)

	if err := r.client.ExecuteBatch(batch); err != nil {
		return fmt.Errorf("failed to update profile: %w", err)
	}

	user.FirstName = profile.FirstName
	user.LastName = profile.LastName
	return nil
}

func (r *ProfileRepository) DeleteForUser(ctx context.Context, userID string) error {
	query := r.client.Prepared.DeleteProfile.Bind(userID).WithContext(ctx)
	if err := r.client.ExecuteWithRetry(query, 3); err != nil {
		return fmt.Errorf("failed to delete profile: %w", err)
	}
	return nil
}

var _ model.ProfileRepository = (*ProfileRepository)(nil)
