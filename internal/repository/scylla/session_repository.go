package scylla

import (
	"context"
	"fmt"
	"time"

	"otp-login-service/internal/model"
	"otp-login-service/internal/util"
)

// SessionRepository persists session rows. Logout deactivates instead
// of deleting so the row survives for audit.
type SessionRepository struct {
	client *ScyllaClient
}

func NewSessionRepository(client *ScyllaClient) *SessionRepository {
	return &SessionRepository{client: client}
}

func (r *SessionRepository) Open(ctx context.Context, session *model.Session) error {
	now := time.Now().UTC()
	if session.CreatedAt.IsZero() {
		session.CreatedAt = now
	}
	session.LastActivity = now
	session.IsActive = true

	query := r.client.Prepared.CreateSession.
		Bind(session.UserID, session.SessionToken, session.IPAddress, session.UserAgent,
			session.IsActive, session.CreatedAt, session.LastActivity).
		WithContext(ctx)

	if err := r.client.ExecuteWithRetry(query, 3); err != nil {
		util.Error("Failed to open session",
			util.String("user_id", session.UserID),
			util.ErrorField(err))
		return fmt.Errorf("failed to open session: %w", err)
	}
	return nil
}

func (r *SessionRepository) Close(ctx context.Context, userID, sessionToken string) error {
	query := r.client.Prepared.CloseSession.
		Bind(false, time.Now().UTC(), userID, sessionToken).
		WithContext(ctx)

	if err := r.client.ExecuteWithRetry(query, 3); err != nil {
		return fmt.Errorf("failed to close session: %w", err)
	}
	return nil
}

func (r *SessionRepository) Touch(ctx context.Context, userID, sessionToken string) error {
	query := r.client.Prepared.TouchSession.
		Bind(time.Now().UTC(), userID, sessionToken).
		WithContext(ctx)

	if err := r.client.ExecuteWithRetry(query, 3); err != nil {
		return fmt.Errorf("failed to touch session: %w", err)
	}
	return nil
}

func (r *SessionRepository) DeleteForUser(ctx context.Context, userID string) error {
	query := r.client.Prepared.DeleteSessions.Bind(userID).WithContext(ctx)
	if err := r.client.ExecuteWithRetry(query, 3); err != nil {
		return fmt.Errorf("failed to delete sessions for user: %w", err)
	}
	return nil
}

var _ model.SessionRepository = (*SessionRepository)(nil)
