package service

import (
	"otp-login-service/internal/config"
	"otp-login-service/internal/encryption"
	"otp-login-service/internal/hashing"
	"otp-login-service/internal/model"
)

// ServiceFactory creates and manages service instances
type ServiceFactory struct {
	cfg *config.Config

	users    model.UserRepository
	otps     model.OTPRepository
	sessions model.SessionRepository
	profiles model.ProfileRepository

	pending    model.LoginCache
	authCache  model.SessionCache
	rateLimits model.RateLimitCache

	hasher   *hashing.Hasher
	enc      *encryption.Manager
	notifier model.Notifier
	audit    model.AuditRecorder

	authService *AuthService
}

// NewServiceFactory creates a new service factory
func NewServiceFactory(
	cfg *config.Config,
	users model.UserRepository,
	otps model.OTPRepository,
	sessions model.SessionRepository,
	profiles model.ProfileRepository,
	pending model.LoginCache,
	authCache model.SessionCache,
	rateLimits model.RateLimitCache,
	hasher *hashing.Hasher,
	enc *encryption.Manager,
	notifier model.Notifier,
	audit model.AuditRecorder,
) *ServiceFactory {
	return &ServiceFactory{
		cfg:        cfg,
		users:      users,
		otps:       otps,
		sessions:   sessions,
		profiles:   profiles,
		pending:    pending,
		authCache:  authCache,
		rateLimits: rateLimits,
		hasher:     hasher,
		enc:        enc,
		notifier:   notifier,
		audit:      audit,
	}
}

// AuthService returns the auth service instance (singleton)
func (f *ServiceFactory) AuthService() *AuthService {
	if f.authService == nil {
		f.authService = NewAuthService(
			f.cfg,
			f.users,
			f.otps,
			f.sessions,
			f.profiles,
			f.pending,
			f.authCache,
			f.rateLimits,
			f.hasher,
			f.enc,
			f.notifier,
			f.audit,
		)
	}
	return f.authService
}
