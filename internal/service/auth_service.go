package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"otp-login-service/internal/config"
	"otp-login-service/internal/encryption"
	"otp-login-service/internal/hashing"
	"otp-login-service/internal/identity"
	"otp-login-service/internal/model"
	"otp-login-service/internal/otp"
	"otp-login-service/internal/util"
)

var (
	ErrValidation       = errors.New("invalid input")
	ErrNotFound         = errors.New("not found")
	ErrRateLimited      = errors.New("rate limited")
	ErrDelivery         = errors.New("code delivery failed")
	ErrIntegrity        = errors.New("storage integrity failure")
	ErrLoginRequired    = errors.New("no login in progress")
	ErrInvalidCode      = errors.New("invalid verification code")
	ErrAttemptsExceeded = errors.New("too many failed attempts")
	ErrUnauthenticated  = errors.New("not authenticated")
)

const (
	// recentOTPLimit bounds how many unused rows verification inspects.
	recentOTPLimit = 10

	// issueLimit/issueWindow cap code issuance per identifier. This is
	// broader than the resend limit and catches clients that restart
	// the flow instead of resending.
	issueLimit  = 10
	issueWindow = time.Hour

	placeholderPasswordLen = 24

	verifyLockTTL     = 3 * time.Second
	verifyLockRetries = 3
	verifyLockBackoff = 50 * time.Millisecond
)

// AuthService drives the OTP login flow: identifier submission, code
// verification, resends, sessions and profile completion.
type AuthService struct {
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

	now func() time.Time
}

func NewAuthService(
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
) *AuthService {
	return &AuthService{
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
		now:        time.Now,
	}
}

// -------------------- REQUESTS / RESPONSES --------------------

type LoginRequest struct {
	Identifier string `json:"identifier"`
}

type LoginResponse struct {
	Identifier string `json:"identifier"` // masked
	NewUser    bool   `json:"new_user"`
	ExpiresIn  int    `json:"expires_in"` // seconds
}

type VerifyRequest struct {
	Code string `json:"code"`
}

type VerifyResponse struct {
	UserID          string `json:"user_id"`
	Username        string `json:"username"`
	NewUser         bool   `json:"new_user"`
	ProfileComplete bool   `json:"profile_complete"`
}

type ProfileRequest struct {
	FirstName    string `json:"first_name"`
	LastName     string `json:"last_name"`
	AddressLine1 string `json:"address_line1"`
	AddressLine2 string `json:"address_line2"`
	City         string `json:"city"`
	State        string `json:"state"`
	PostalCode   string `json:"postal_code"`
	Country      string `json:"country"`
	DateOfBirth  string `json:"date_of_birth"` // YYYY-MM-DD, optional
}

type MeResponse struct {
	UserID          string         `json:"user_id"`
	Username        string         `json:"username"`
	Identifier      string         `json:"identifier"`
	FirstName       string         `json:"first_name"`
	LastName        string         `json:"last_name"`
	ProfileComplete bool           `json:"profile_complete"`
	Profile         *model.Profile `json:"profile,omitempty"`
}

type RequestMeta struct {
	IPAddress string
	UserAgent string
}

// -------------------- LOGIN --------------------

// SubmitIdentifier starts (or restarts) a login for the transport
// session: classifies the identifier, finds or creates the user, and
// issues a code. A fresh identifier submission replaces any pending one.
func (s *AuthService) SubmitIdentifier(ctx context.Context, sessionToken string, req *LoginRequest, meta *RequestMeta) (*LoginResponse, error) {
	identifier, kind := identity.Classify(req.Identifier)
	if kind == identity.KindInvalid {
		return nil, fmt.Errorf("%w: enter a valid mobile number or email address", ErrValidation)
	}

	idHash := hashing.IdentifierHash(identifier)

	allowed, _, err := s.rateLimits.AllowSlidingWindow(ctx, "issue:"+idHash, issueLimit, issueWindow)
	if err != nil {
		util.Error("Issue rate limit check failed", util.ErrorField(err))
	} else if !allowed {
		s.record(ctx, model.AuditEvent{
			Type:       model.EventRateLimited,
			Identifier: identity.MaskIdentifier(identifier),
			IPAddress:  meta.IPAddress,
			Detail:     "issue window exhausted",
		})
		return nil, fmt.Errorf("%w: too many codes requested, try again later", ErrRateLimited)
	}

	user, newUser, err := s.findOrCreateUser(ctx, identifier, kind, idHash)
	if err != nil {
		return nil, err
	}

	if err := s.issueCode(ctx, user, identifier, newUser, meta); err != nil {
		return nil, err
	}

	pending := &model.PendingLogin{
		Identifier: identifier,
		UserID:     user.UserID,
		NewUser:    newUser,
	}
	if err := s.pending.SetPending(ctx, sessionToken, pending, s.cfg.OTP.Expiry); err != nil {
		return nil, fmt.Errorf("%w: could not stage login", ErrIntegrity)
	}

	return &LoginResponse{
		Identifier: identity.MaskIdentifier(identifier),
		NewUser:    newUser,
		ExpiresIn:  int(s.cfg.OTP.Expiry / time.Second),
	}, nil
}

func (s *AuthService) findOrCreateUser(ctx context.Context, identifier string, kind identity.Kind, idHash string) (*model.User, bool, error) {
	var (
		user *model.User
		err  error
	)
	switch kind {
	case identity.KindMobile:
		user, err = s.users.GetByMobileHash(ctx, idHash)
	case identity.KindEmail:
		user, err = s.users.GetByEmailHash(ctx, idHash)
	}
	if err == nil {
		user.Mobile, user.Email = "", ""
		if kind == identity.KindMobile {
			user.Mobile = identifier
		} else {
			user.Email = identifier
		}
		return user, false, nil
	}
	if !errors.Is(err, model.ErrNotFound) {
		return nil, false, fmt.Errorf("%w: user lookup failed", ErrIntegrity)
	}

	return s.createUser(ctx, identifier, kind, idHash)
}

func (s *AuthService) createUser(ctx context.Context, identifier string, kind identity.Kind, idHash string) (*model.User, bool, error) {
	password, err := otp.GeneratePassword(placeholderPasswordLen)
	if err != nil {
		return nil, false, fmt.Errorf("%w: %v", ErrIntegrity, err)
	}
	passwordHash, err := s.hasher.HashPassword(password)
	if err != nil {
		return nil, false, fmt.Errorf("%w: %v", ErrIntegrity, err)
	}

	encrypted, keyID, err := s.enc.Seal(ctx, identifier)
	if err != nil {
		return nil, false, fmt.Errorf("%w: identifier encryption failed", ErrIntegrity)
	}

	user := &model.User{
		UserID:       uuid.New().String(),
		Username:     identity.Username(identifier, kind),
		KeyID:        keyID,
		PasswordHash: passwordHash.Hash,
		PasswordSalt: passwordHash.Salt,
	}
	switch kind {
	case identity.KindMobile:
		user.Mobile = identifier
		user.MobileHash = idHash
		user.MobileEncrypted = encrypted
	case identity.KindEmail:
		user.Email = identifier
		user.EmailHash = idHash
		user.EmailEncrypted = encrypted
	}

	if err := s.users.Create(ctx, user); err != nil {
		return nil, false, fmt.Errorf("%w: user creation failed", ErrIntegrity)
	}

	return user, true, nil
}

// issueCode generates, stores and delivers one code. On delivery
// failure the stored row is removed, and a user created just for this
// login is removed with it.
func (s *AuthService) issueCode(ctx context.Context, user *model.User, identifier string, freshUser bool, meta *RequestMeta) error {
	code, err := otp.GenerateCode(s.cfg.OTP.Length)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrIntegrity, err)
	}
	codeHash, err := s.hasher.HashCode(code)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrIntegrity, err)
	}

	now := s.now().UTC()
	row := &model.OTP{
		UserID:      user.UserID,
		CodeHash:    codeHash.Hash,
		CodeSalt:    codeHash.Salt,
		MaxAttempts: s.cfg.OTP.MaxAttempts,
		CreatedAt:   now,
		ExpiresAt:   now.Add(s.cfg.OTP.Expiry),
	}
	if err := s.otps.Create(ctx, row); err != nil {
		return fmt.Errorf("%w: could not store code", ErrIntegrity)
	}

	if !s.notifier.Send(ctx, identifier, code) {
		if err := s.otps.Delete(ctx, row); err != nil {
			util.Error("Failed to remove undelivered code",
				util.String("user_id", user.UserID),
				util.ErrorField(err))
		}
		if freshUser {
			// The account exists only because of this attempt; a
			// retry recreates it cleanly.
			if err := s.users.Delete(ctx, user); err != nil {
				util.Error("Failed to roll back fresh user",
					util.String("user_id", user.UserID),
					util.ErrorField(err))
			}
		}
		s.record(ctx, model.AuditEvent{
			Type:       model.EventDeliveryFailed,
			UserID:     user.UserID,
			Identifier: identity.MaskIdentifier(identifier),
			IPAddress:  meta.IPAddress,
		})
		return fmt.Errorf("%w: could not deliver the code, try again", ErrDelivery)
	}

	s.record(ctx, model.AuditEvent{
		Type:       model.EventOTPIssued,
		UserID:     user.UserID,
		Identifier: identity.MaskIdentifier(identifier),
		IPAddress:  meta.IPAddress,
	})
	return nil
}

// -------------------- VERIFY --------------------

// SubmitCode verifies a code against the pending login for the
// transport session. On success the session becomes authenticated.
func (s *AuthService) SubmitCode(ctx context.Context, sessionToken string, req *VerifyRequest, meta *RequestMeta) (*VerifyResponse, error) {
	code := strings.TrimSpace(req.Code)
	if code == "" {
		return nil, fmt.Errorf("%w: code is required", ErrValidation)
	}

	pending, err := s.pending.GetPending(ctx, sessionToken)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return nil, fmt.Errorf("%w: submit your mobile number or email first", ErrLoginRequired)
		}
		return nil, fmt.Errorf("%w: could not load login state", ErrIntegrity)
	}

	guesses, err := s.rateLimits.IncrementCounter(ctx, "guess:"+pending.UserID, s.cfg.OTP.Expiry)
	if err != nil {
		util.Error("Guess counter failed", util.ErrorField(err))
	} else if guesses > s.cfg.OTP.MaxGuessesPerUser {
		s.record(ctx, model.AuditEvent{
			Type:      model.EventRateLimited,
			UserID:    pending.UserID,
			IPAddress: meta.IPAddress,
			Detail:    "guess budget exhausted",
		})
		return nil, fmt.Errorf("%w: too many attempts, request a new code", ErrRateLimited)
	}

	unlock, err := s.lockUser(ctx, pending.UserID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	return s.verifyLocked(ctx, sessionToken, pending, code, meta)
}

// lockUser serializes verification per user so concurrent submissions
// of the same code cannot both succeed.
func (s *AuthService) lockUser(ctx context.Context, userID string) (func(), error) {
	key := "verify:" + userID
	for i := 0; i < verifyLockRetries; i++ {
		ok, err := s.rateLimits.AcquireLock(ctx, key, verifyLockTTL)
		if err != nil {
			return nil, fmt.Errorf("%w: lock acquisition failed", ErrIntegrity)
		}
		if ok {
			return func() {
				if err := s.rateLimits.ReleaseLock(context.WithoutCancel(ctx), key); err != nil {
					util.Warn("Failed to release verify lock", util.ErrorField(err))
				}
			}, nil
		}
		time.Sleep(verifyLockBackoff)
	}
	return nil, fmt.Errorf("%w: verification already in progress", ErrRateLimited)
}

func (s *AuthService) verifyLocked(ctx context.Context, sessionToken string, pending *model.PendingLogin, code string, meta *RequestMeta) (*VerifyResponse, error) {
	rows, err := s.otps.ListRecentUnused(ctx, pending.UserID, recentOTPLimit)
	if err != nil {
		return nil, fmt.Errorf("%w: could not load codes", ErrIntegrity)
	}

	now := s.now().UTC()

	var match *model.OTP
	for _, row := range rows {
		ok, err := s.hasher.VerifyCode(code, &hashing.HashResult{Hash: row.CodeHash, Salt: row.CodeSalt})
		if err != nil {
			util.Error("Stored code hash unreadable",
				util.String("otp_id", row.OTPID),
				util.ErrorField(err))
			continue
		}
		if ok {
			match = row
			break
		}
	}

	if match == nil {
		// Unknown code. Nothing to count it against.
		s.record(ctx, model.AuditEvent{
			Type:      model.EventOTPInvalid,
			UserID:    pending.UserID,
			IPAddress: meta.IPAddress,
			Detail:    "no matching code",
		})
		return nil, fmt.Errorf("%w: the code is incorrect or has expired", ErrInvalidCode)
	}

	if match.IsExpired(now) {
		// The right code, too late. Burns an attempt on that row.
		if err := s.otps.RecordAttempt(ctx, match); err != nil && !errors.Is(err, model.ErrConflict) {
			util.Error("Failed to record attempt", util.ErrorField(err))
		}
		s.record(ctx, model.AuditEvent{
			Type:      model.EventOTPInvalid,
			UserID:    pending.UserID,
			IPAddress: meta.IPAddress,
			Detail:    "code expired",
		})
		return nil, fmt.Errorf("%w: the code is incorrect or has expired", ErrInvalidCode)
	}

	if match.Attempts >= match.MaxAttempts {
		// The row is burned out. The whole login starts over.
		if err := s.pending.DeletePending(ctx, sessionToken); err != nil {
			util.Warn("Failed to clear pending login", util.ErrorField(err))
		}
		s.record(ctx, model.AuditEvent{
			Type:      model.EventAttemptsExceeded,
			UserID:    pending.UserID,
			IPAddress: meta.IPAddress,
		})
		return nil, fmt.Errorf("%w: request a new code and start again", ErrAttemptsExceeded)
	}

	if err := s.otps.MarkUsed(ctx, match); err != nil {
		if errors.Is(err, model.ErrConflict) {
			return nil, fmt.Errorf("%w: the code is incorrect or has expired", ErrInvalidCode)
		}
		return nil, fmt.Errorf("%w: could not consume code", ErrIntegrity)
	}

	s.record(ctx, model.AuditEvent{
		Type:      model.EventOTPVerified,
		UserID:    pending.UserID,
		IPAddress: meta.IPAddress,
	})

	return s.establishSession(ctx, sessionToken, pending, meta)
}

func (s *AuthService) establishSession(ctx context.Context, sessionToken string, pending *model.PendingLogin, meta *RequestMeta) (*VerifyResponse, error) {
	user, err := s.users.GetByID(ctx, pending.UserID)
	if err != nil {
		return nil, fmt.Errorf("%w: user vanished mid-login", ErrIntegrity)
	}

	session := &model.Session{
		UserID:       user.UserID,
		SessionToken: sessionToken,
		IPAddress:    meta.IPAddress,
		UserAgent:    meta.UserAgent,
	}
	if err := s.sessions.Open(ctx, session); err != nil {
		return nil, fmt.Errorf("%w: could not open session", ErrIntegrity)
	}
	if err := s.authCache.SetSession(ctx, sessionToken, user.UserID, s.cfg.OTP.SessionTTL); err != nil {
		return nil, fmt.Errorf("%w: could not activate session", ErrIntegrity)
	}

	now := s.now().UTC()
	if err := s.users.TouchLastLogin(ctx, user.UserID, now); err != nil {
		util.Warn("Failed to stamp last login", util.ErrorField(err))
	}
	if err := s.rateLimits.ResetCounter(ctx, "guess:"+user.UserID); err != nil {
		util.Warn("Failed to reset guess counter", util.ErrorField(err))
	}
	if err := s.pending.DeletePending(ctx, sessionToken); err != nil {
		util.Warn("Failed to clear pending login", util.ErrorField(err))
	}

	s.record(ctx, model.AuditEvent{
		Type:      model.EventLogin,
		UserID:    user.UserID,
		IPAddress: meta.IPAddress,
	})
	util.Info("User logged in",
		util.String("user_id", user.UserID),
		util.Bool("new_user", pending.NewUser))

	return &VerifyResponse{
		UserID:          user.UserID,
		Username:        user.Username,
		NewUser:         pending.NewUser,
		ProfileComplete: user.HasProfile,
	}, nil
}

// -------------------- RESEND --------------------

// ResendCode issues a fresh code for the pending login, subject to the
// per-user resend window.
func (s *AuthService) ResendCode(ctx context.Context, sessionToken string, meta *RequestMeta) (*LoginResponse, error) {
	pending, err := s.pending.GetPending(ctx, sessionToken)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return nil, fmt.Errorf("%w: submit your mobile number or email first", ErrLoginRequired)
		}
		return nil, fmt.Errorf("%w: could not load login state", ErrIntegrity)
	}

	since := s.now().UTC().Add(-s.cfg.OTP.ResendWindow)
	recent, err := s.otps.CountRecentForUser(ctx, pending.UserID, since)
	if err != nil {
		return nil, fmt.Errorf("%w: could not check resend budget", ErrIntegrity)
	}
	if recent >= s.cfg.OTP.ResendLimit {
		s.record(ctx, model.AuditEvent{
			Type:      model.EventRateLimited,
			UserID:    pending.UserID,
			IPAddress: meta.IPAddress,
			Detail:    "resend window exhausted",
		})
		return nil, fmt.Errorf("%w: resend limit reached, try again later", ErrRateLimited)
	}

	user, err := s.users.GetByID(ctx, pending.UserID)
	if err != nil {
		return nil, fmt.Errorf("%w: user vanished mid-login", ErrIntegrity)
	}

	if err := s.issueCode(ctx, user, pending.Identifier, false, meta); err != nil {
		if errors.Is(err, ErrDelivery) && pending.NewUser && user.LastLogin == nil {
			// The account has never verified a code anywhere; it exists
			// only because of this signup attempt and can't receive codes.
			s.discardSignup(ctx, sessionToken, user)
		}
		return nil, err
	}

	// New code, fresh expiry for the staged login.
	if err := s.pending.SetPending(ctx, sessionToken, pending, s.cfg.OTP.Expiry); err != nil {
		return nil, fmt.Errorf("%w: could not refresh login state", ErrIntegrity)
	}

	return &LoginResponse{
		Identifier: identity.MaskIdentifier(pending.Identifier),
		NewUser:    pending.NewUser,
		ExpiresIn:  int(s.cfg.OTP.Expiry / time.Second),
	}, nil
}

func (s *AuthService) discardSignup(ctx context.Context, sessionToken string, user *model.User) {
	if err := s.otps.DeleteForUser(ctx, user.UserID); err != nil {
		util.Error("Failed to drop codes for discarded signup", util.ErrorField(err))
	}
	if err := s.users.Delete(ctx, user); err != nil {
		util.Error("Failed to drop discarded signup", util.ErrorField(err))
	}
	if err := s.pending.DeletePending(ctx, sessionToken); err != nil {
		util.Warn("Failed to clear pending login", util.ErrorField(err))
	}
}

// -------------------- SESSION / PROFILE --------------------

// Authenticate resolves the transport session token to a user ID.
func (s *AuthService) Authenticate(ctx context.Context, sessionToken string) (string, error) {
	if sessionToken == "" {
		return "", fmt.Errorf("%w: missing session token", ErrUnauthenticated)
	}
	userID, err := s.authCache.GetSession(ctx, sessionToken)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return "", fmt.Errorf("%w: log in first", ErrUnauthenticated)
		}
		return "", fmt.Errorf("%w: session lookup failed", ErrIntegrity)
	}
	return userID, nil
}

// CurrentUser returns the authenticated user with the decrypted
// identifier and profile, if any.
func (s *AuthService) CurrentUser(ctx context.Context, sessionToken string) (*MeResponse, error) {
	userID, err := s.Authenticate(ctx, sessionToken)
	if err != nil {
		return nil, err
	}

	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return nil, fmt.Errorf("%w: account no longer exists", ErrNotFound)
		}
		return nil, fmt.Errorf("%w: user lookup failed", ErrIntegrity)
	}

	identifier := s.decryptIdentifier(ctx, user)

	resp := &MeResponse{
		UserID:          user.UserID,
		Username:        user.Username,
		Identifier:      identifier,
		FirstName:       user.FirstName,
		LastName:        user.LastName,
		ProfileComplete: user.HasProfile,
	}

	if user.HasProfile {
		profile, err := s.profiles.Get(ctx, user.UserID)
		if err == nil {
			resp.Profile = profile
		} else if !errors.Is(err, model.ErrNotFound) {
			util.Warn("Profile lookup failed", util.ErrorField(err))
		}
	}

	if err := s.sessions.Touch(ctx, userID, sessionToken); err != nil {
		util.Warn("Failed to touch session", util.ErrorField(err))
	}

	return resp, nil
}

func (s *AuthService) decryptIdentifier(ctx context.Context, user *model.User) string {
	blob := user.MobileEncrypted
	if len(blob) == 0 {
		blob = user.EmailEncrypted
	}
	identifier, err := s.enc.Open(ctx, blob)
	if err != nil {
		util.Error("Failed to decrypt identifier",
			util.String("user_id", user.UserID),
			util.ErrorField(err))
		return ""
	}
	return identifier
}

// CompleteProfile records the user's profile and name in one shot.
// Requires an authenticated session.
func (s *AuthService) CompleteProfile(ctx context.Context, sessionToken string, req *ProfileRequest, meta *RequestMeta) (*model.Profile, error) {
	userID, err := s.Authenticate(ctx, sessionToken)
	if err != nil {
		return nil, err
	}

	profile, err := s.buildProfile(req)
	if err != nil {
		return nil, err
	}

	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("%w: user lookup failed", ErrIntegrity)
	}

	if user.HasProfile {
		if err := s.profiles.UpdateProfile(ctx, user, profile); err != nil {
			return nil, fmt.Errorf("%w: profile update failed", ErrIntegrity)
		}
	} else {
		if err := s.profiles.CompleteProfile(ctx, user, profile); err != nil {
			return nil, fmt.Errorf("%w: profile completion failed", ErrIntegrity)
		}
	}

	s.record(ctx, model.AuditEvent{
		Type:      model.EventProfileCompleted,
		UserID:    user.UserID,
		IPAddress: meta.IPAddress,
	})

	return profile, nil
}

func (s *AuthService) buildProfile(req *ProfileRequest) (*model.Profile, error) {
	required := map[string]string{
		"first_name":    req.FirstName,
		"last_name":     req.LastName,
		"address_line1": req.AddressLine1,
		"city":          req.City,
		"state":         req.State,
		"postal_code":   req.PostalCode,
	}
	for field, value := range required {
		if strings.TrimSpace(value) == "" {
			return nil, fmt.Errorf("%w: %s is required", ErrValidation, field)
		}
	}

	profile := &model.Profile{
		FirstName:    util.SanitizeInput(strings.TrimSpace(req.FirstName)),
		LastName:     util.SanitizeInput(strings.TrimSpace(req.LastName)),
		AddressLine1: util.SanitizeInput(req.AddressLine1),
		AddressLine2: util.SanitizeInput(req.AddressLine2),
		City:         util.SanitizeInput(req.City),
		State:        util.SanitizeInput(req.State),
		PostalCode:   util.SanitizeInput(req.PostalCode),
		Country:      util.SanitizeInput(req.Country),
	}

	if req.DateOfBirth != "" {
		dob, err := time.Parse("2006-01-02", req.DateOfBirth)
		if err != nil {
			return nil, fmt.Errorf("%w: date of birth must be YYYY-MM-DD", ErrValidation)
		}
		if dob.After(s.now()) {
			return nil, fmt.Errorf("%w: date of birth is in the future", ErrValidation)
		}
		profile.DateOfBirth = &dob
	}

	return profile, nil
}

// Logout tears down the session. Safe to call without one.
func (s *AuthService) Logout(ctx context.Context, sessionToken string, meta *RequestMeta) error {
	if sessionToken == "" {
		return nil
	}

	userID, err := s.authCache.GetSession(ctx, sessionToken)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			// Also drop any half-finished login staged on this token.
			if err := s.pending.DeletePending(ctx, sessionToken); err != nil {
				util.Warn("Failed to clear pending login", util.ErrorField(err))
			}
			return nil
		}
		return fmt.Errorf("%w: session lookup failed", ErrIntegrity)
	}

	if err := s.authCache.DeleteSession(ctx, sessionToken); err != nil {
		return fmt.Errorf("%w: could not drop session", ErrIntegrity)
	}
	if err := s.sessions.Close(ctx, userID, sessionToken); err != nil {
		util.Warn("Failed to close session row", util.ErrorField(err))
	}

	s.record(ctx, model.AuditEvent{
		Type:      model.EventLogout,
		UserID:    userID,
		IPAddress: meta.IPAddress,
	})
	return nil
}

// SweepExpiredCodes removes stale OTP rows. Run periodically.
func (s *AuthService) SweepExpiredCodes(ctx context.Context) (int, error) {
	return s.otps.SweepExpired(ctx)
}

func (s *AuthService) record(ctx context.Context, event model.AuditEvent) {
	if s.audit != nil {
		s.audit.Record(ctx, event)
	}
}
