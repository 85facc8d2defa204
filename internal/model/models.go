package model

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by repositories on lookup misses. Callers
// branch on it (e.g. an unknown identifier becomes a signup); it is
// never surfaced to clients as-is.
var ErrNotFound = errors.New("not found")

// ErrConflict is returned when a conditional (LWT) update loses a race,
// e.g. marking an already-used OTP.
var ErrConflict = errors.New("conditional update failed")

// -------------------- USER --------------------

// User is distinguished by exactly one of mobile/email. The plaintext
// identifier is encrypted at rest; the hash columns are the lookup keys.
type User struct {
	UserBucket      int        `db:"user_bucket"`
	UserID          string     `db:"user_id"` // UUID
	Username        string     `db:"username"`
	Mobile          string     `db:"-"` // plaintext, populated on read
	Email           string     `db:"-"`
	MobileHash      string     `db:"mobile_hash"`
	EmailHash       string     `db:"email_hash"`
	MobileEncrypted []byte     `db:"mobile_encrypted"`
	EmailEncrypted  []byte     `db:"email_encrypted"`
	KeyID           string     `db:"key_id"`
	PasswordHash    string     `db:"password_hash"` // placeholder credential, never surfaced
	PasswordSalt    string     `db:"password_salt"`
	FirstName       string     `db:"first_name"`
	LastName        string     `db:"last_name"`
	HasProfile      bool       `db:"has_profile"`
	CreatedAt       time.Time  `db:"created_at"`
	LastLogin       *time.Time `db:"last_login"`
	UpdatedAt       *time.Time `db:"updated_at"`
}

// Identifier returns the user's login identifier, preferring mobile.
func (u *User) Identifier() string {
	if u.Mobile != "" {
		return u.Mobile
	}
	return u.Email
}

// -------------------- OTP --------------------

// OTP belongs to exactly one user. The code is stored hashed with a
// per-code salt; Attempts/IsUsed are mutated with conditional updates.
type OTP struct {
	UserID      string    `db:"user_id"`
	OTPID       string    `db:"otp_id"` // UUID
	CodeHash    string    `db:"code_hash"`
	CodeSalt    string    `db:"code_salt"`
	Attempts    int       `db:"attempts"`
	MaxAttempts int       `db:"max_attempts"`
	IsUsed      bool      `db:"is_used"`
	CreatedAt   time.Time `db:"created_at"`
	ExpiresAt   time.Time `db:"expires_at"`
}

func (o *OTP) IsExpired(now time.Time) bool {
	return now.After(o.ExpiresAt)
}

// IsValid reports whether the OTP is still usable: not used, not
// expired, and under its attempt ceiling.
func (o *OTP) IsValid(now time.Time) bool {
	return !o.IsUsed && !o.IsExpired(now) && o.Attempts < o.MaxAttempts
}

// -------------------- SESSION --------------------

// Session ties a user to one transport session token. Rows are retained
// after logout (is_active=false) for audit.
type Session struct {
	UserID       string    `db:"user_id"`
	SessionToken string    `db:"session_token"`
	IPAddress    string    `db:"ip_address"`
	UserAgent    string    `db:"user_agent"`
	IsActive     bool      `db:"is_active"`
	CreatedAt    time.Time `db:"created_at"`
	LastActivity time.Time `db:"last_activity"`
}

// -------------------- PROFILE --------------------

// Profile is one-to-one with User, created at profile completion.
type Profile struct {
	UserID       string     `db:"user_id"`
	FirstName    string     `db:"first_name"`
	LastName     string     `db:"last_name"`
	AddressLine1 string     `db:"address_line1"`
	AddressLine2 string     `db:"address_line2"`
	City         string     `db:"city"`
	State        string     `db:"state"`
	PostalCode   string     `db:"postal_code"`
	Country      string     `db:"country"`
	DateOfBirth  *time.Time `db:"date_of_birth"`
	CreatedAt    time.Time  `db:"created_at"`
	UpdatedAt    time.Time  `db:"updated_at"`
}

func (p *Profile) FullName() string {
	return p.FirstName + " " + p.LastName
}

// PendingLogin is the verification context stored between identifier
// submission and code verification, keyed by the transport session token.
type PendingLogin struct {
	Identifier string `json:"identifier"`
	UserID     string `json:"user_id"`
	NewUser    bool   `json:"new_user"`
}

// -------------------- REPOSITORY INTERFACES --------------------

// UserRepository persists users and their identifier lookup rows.
type UserRepository interface {
	Create(ctx context.Context, user *User) error
	GetByID(ctx context.Context, userID string) (*User, error)
	GetByMobileHash(ctx context.Context, mobileHash string) (*User, error)
	GetByEmailHash(ctx context.Context, emailHash string) (*User, error)
	UpdateNames(ctx context.Context, user *User) error
	TouchLastLogin(ctx context.Context, userID string, at time.Time) error
	// Delete removes the user row and its identifier lookups. OTPs,
	// sessions and profile are cascaded by the caller.
	Delete(ctx context.Context, user *User) error
}

// OTPRepository persists OTP rows. Mutations are read-modify-write
// against the stored row and must serialize per row under concurrent
// verification attempts.
type OTPRepository interface {
	Create(ctx context.Context, otp *OTP) error
	// ListRecentUnused returns the newest unused rows for the user,
	// newest first, regardless of expiry or attempt count.
	ListRecentUnused(ctx context.Context, userID string, limit int) ([]*OTP, error)
	// RecordAttempt increments the attempt counter; on success the
	// passed row reflects the new count.
	RecordAttempt(ctx context.Context, otp *OTP) error
	// MarkUsed flips the used flag; ErrConflict if another request won.
	MarkUsed(ctx context.Context, otp *OTP) error
	CountRecentForUser(ctx context.Context, userID string, since time.Time) (int, error)
	SweepExpired(ctx context.Context) (int, error)
	Delete(ctx context.Context, otp *OTP) error
	DeleteForUser(ctx context.Context, userID string) error
}

// SessionRepository persists session rows.
type SessionRepository interface {
	Open(ctx context.Context, session *Session) error
	// Close deactivates the matching session; a miss is a no-op.
	Close(ctx context.Context, userID, sessionToken string) error
	Touch(ctx context.Context, userID, sessionToken string) error
	DeleteForUser(ctx context.Context, userID string) error
}

// ProfileRepository persists profiles. CompleteProfile writes the
// profile row and the user's name fields atomically.
type ProfileRepository interface {
	Get(ctx context.Context, userID string) (*Profile, error)
	CompleteProfile(ctx context.Context, user *User, profile *Profile) error
	UpdateProfile(ctx context.Context, user *User, profile *Profile) error
	DeleteForUser(ctx context.Context, userID string) error
}

// -------------------- CACHE INTERFACES --------------------

// LoginCache stores pending verification context per transport session.
type LoginCache interface {
	SetPending(ctx context.Context, sessionToken string, pending *PendingLogin, ttl time.Duration) error
	GetPending(ctx context.Context, sessionToken string) (*PendingLogin, error)
	DeletePending(ctx context.Context, sessionToken string) error
}

// SessionCache resolves transport session tokens to authenticated users.
type SessionCache interface {
	SetSession(ctx context.Context, sessionToken, userID string, ttl time.Duration) error
	GetSession(ctx context.Context, sessionToken string) (string, error)
	DeleteSession(ctx context.Context, sessionToken string) error
}

// RateLimitCache backs resend throttling, the verification guess
// counter and the per-user verification lock.
type RateLimitCache interface {
	AllowSlidingWindow(ctx context.Context, key string, limit int, window time.Duration) (bool, int, error)
	IncrementCounter(ctx context.Context, key string, ttl time.Duration) (int, error)
	ResetCounter(ctx context.Context, key string) error
	AcquireLock(ctx context.Context, key string, ttl time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, key string) error
}

// -------------------- EXTERNAL COLLABORATORS --------------------

// Notifier delivers an OTP code to an identifier. It reports delivery
// failure by returning false and must never panic on transport errors.
type Notifier interface {
	Send(ctx context.Context, identifier, code string) bool
}

// AuditRecorder records auth events; implementations are best-effort
// and must not fail the request path.
type AuditRecorder interface {
	Record(ctx context.Context, event AuditEvent)
}

// AuditEvent is one auth-flow occurrence for the audit trail.
type AuditEvent struct {
	Type       string    `json:"type"`
	UserID     string    `json:"user_id"`
	Identifier string    `json:"identifier"` // masked
	IPAddress  string    `json:"ip_address"`
	Detail     string    `json:"detail"`
	At         time.Time `json:"at"`
}

// Audit event types.
const (
	EventOTPIssued        = "otp_issued"
	EventOTPVerified      = "otp_verified"
	EventOTPInvalid       = "otp_invalid"
	EventAttemptsExceeded = "otp_attempts_exceeded"
	EventRateLimited      = "rate_limited"
	EventDeliveryFailed   = "delivery_failed"
	EventLogin            = "login"
	EventLogout           = "logout"
	EventProfileCompleted = "profile_completed"
)
