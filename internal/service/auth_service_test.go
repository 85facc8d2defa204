package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"otp-login-service/internal/config"
	"otp-login-service/internal/encryption"
	"otp-login-service/internal/hashing"
	"otp-login-service/internal/model"
)

// -------------------- IN-MEMORY FAKES --------------------

type fakeUserRepo struct {
	mu      sync.Mutex
	byID    map[string]*model.User
	byMHash map[string]string
	byEHash map[string]string
}

func newFakeUserRepo() *fakeUserRepo {
	return &fakeUserRepo{
		byID:    make(map[string]*model.User),
		byMHash: make(map[string]string),
		byEHash: make(map[string]string),
	}
}

func (r *fakeUserRepo) Create(ctx context.Context, user *model.User) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	user.CreatedAt = time.Now().UTC()
	r.byID[user.UserID] = user
	if user.MobileHash != "" {
		r.byMHash[user.MobileHash] = user.UserID
	}
	if user.EmailHash != "" {
		r.byEHash[user.EmailHash] = user.UserID
	}
	return nil
}

func (r *fakeUserRepo) GetByID(ctx context.Context, userID string) (*model.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	user, ok := r.byID[userID]
	if !ok {
		return nil, model.ErrNotFound
	}
	return user, nil
}

func (r *fakeUserRepo) GetByMobileHash(ctx context.Context, mobileHash string) (*model.User, error) {
	r.mu.Lock()
	id, ok := r.byMHash[mobileHash]
	r.mu.Unlock()
	if !ok {
		return nil, model.ErrNotFound
	}
	return r.GetByID(ctx, id)
}

func (r *fakeUserRepo) GetByEmailHash(ctx context.Context, emailHash string) (*model.User, error) {
	r.mu.Lock()
	id, ok := r.byEHash[emailHash]
	r.mu.Unlock()
	if !ok {
		return nil, model.ErrNotFound
	}
	return r.GetByID(ctx, id)
}

func (r *fakeUserRepo) UpdateNames(ctx context.Context, user *model.User) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored, ok := r.byID[user.UserID]
	if !ok {
		return model.ErrNotFound
	}
	stored.FirstName = user.FirstName
	stored.LastName = user.LastName
	stored.HasProfile = user.HasProfile
	return nil
}

func (r *fakeUserRepo) TouchLastLogin(ctx context.Context, userID string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if stored, ok := r.byID[userID]; ok {
		stored.LastLogin = &at
	}
	return nil
}

func (r *fakeUserRepo) Delete(ctx context.Context, user *model.User) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byID, user.UserID)
	delete(r.byMHash, user.MobileHash)
	delete(r.byEHash, user.EmailHash)
	return nil
}

type fakeOTPRepo struct {
	mu   sync.Mutex
	rows []*model.OTP
	now  func() time.Time
	seq  int
}

func newFakeOTPRepo(now func() time.Time) *fakeOTPRepo {
	return &fakeOTPRepo{now: now}
}

func (r *fakeOTPRepo) Create(ctx context.Context, otp *model.OTP) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if otp.OTPID == "" {
		r.seq++
		otp.OTPID = fmt.Sprintf("otp-%d", r.seq)
	}
	r.rows = append(r.rows, otp)
	return nil
}

func (r *fakeOTPRepo) ListRecentUnused(ctx context.Context, userID string, limit int) ([]*model.OTP, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*model.OTP
	for _, row := range r.rows {
		if row.UserID == userID && !row.IsUsed {
			out = append(out, row)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *fakeOTPRepo) RecordAttempt(ctx context.Context, otp *model.OTP) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, row := range r.rows {
		if row.OTPID == otp.OTPID {
			if row.Attempts != otp.Attempts {
				otp.Attempts = row.Attempts
				return model.ErrConflict
			}
			row.Attempts++
			otp.Attempts = row.Attempts
			return nil
		}
	}
	return model.ErrNotFound
}

func (r *fakeOTPRepo) MarkUsed(ctx context.Context, otp *model.OTP) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, row := range r.rows {
		if row.OTPID == otp.OTPID {
			if row.IsUsed {
				return model.ErrConflict
			}
			row.IsUsed = true
			otp.IsUsed = true
			return nil
		}
	}
	return model.ErrNotFound
}

func (r *fakeOTPRepo) CountRecentForUser(ctx context.Context, userID string, since time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	count := 0
	for _, row := range r.rows {
		if row.UserID == userID && row.CreatedAt.After(since) {
			count++
		}
	}
	return count, nil
}

func (r *fakeOTPRepo) SweepExpired(ctx context.Context) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now().UTC()
	var kept []*model.OTP
	removed := 0
	for _, row := range r.rows {
		if row.IsUsed || now.After(row.ExpiresAt) {
			removed++
			continue
		}
		kept = append(kept, row)
	}
	r.rows = kept
	return removed, nil
}

func (r *fakeOTPRepo) Delete(ctx context.Context, otp *model.OTP) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, row := range r.rows {
		if row.OTPID == otp.OTPID {
			r.rows = append(r.rows[:i], r.rows[i+1:]...)
			return nil
		}
	}
	return nil
}

func (r *fakeOTPRepo) DeleteForUser(ctx context.Context, userID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var kept []*model.OTP
	for _, row := range r.rows {
		if row.UserID != userID {
			kept = append(kept, row)
		}
	}
	r.rows = kept
	return nil
}

func (r *fakeOTPRepo) countForUser(userID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	count := 0
	for _, row := range r.rows {
		if row.UserID == userID {
			count++
		}
	}
	return count
}

type fakeSessionRepo struct {
	mu   sync.Mutex
	rows map[string]*model.Session // token -> session
}

func newFakeSessionRepo() *fakeSessionRepo {
	return &fakeSessionRepo{rows: make(map[string]*model.Session)}
}

func (r *fakeSessionRepo) Open(ctx context.Context, session *model.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	session.IsActive = true
	r.rows[session.SessionToken] = session
	return nil
}

func (r *fakeSessionRepo) Close(ctx context.Context, userID, sessionToken string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.rows[sessionToken]; ok && s.UserID == userID {
		s.IsActive = false
	}
	return nil
}

func (r *fakeSessionRepo) Touch(ctx context.Context, userID, sessionToken string) error {
	return nil
}

func (r *fakeSessionRepo) DeleteForUser(ctx context.Context, userID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for token, s := range r.rows {
		if s.UserID == userID {
			delete(r.rows, token)
		}
	}
	return nil
}

type fakeProfileRepo struct {
	mu    sync.Mutex
	rows  map[string]*model.Profile
	users *fakeUserRepo
}

func newFakeProfileRepo(users *fakeUserRepo) *fakeProfileRepo {
	return &fakeProfileRepo{rows: make(map[string]*model.Profile), users: users}
}

func (r *fakeProfileRepo) Get(ctx context.Context, userID string) (*model.Profile, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.rows[userID]
	if !ok {
		return nil, model.ErrNotFound
	}
	return p, nil
}

func (r *fakeProfileRepo) CompleteProfile(ctx context.Context, user *model.User, profile *model.Profile) error {
	r.mu.Lock()
	profile.UserID = user.UserID
	r.rows[user.UserID] = profile
	r.mu.Unlock()

	user.FirstName = profile.FirstName
	user.LastName = profile.LastName
	user.HasProfile = true
	return r.users.UpdateNames(ctx, user)
}

func (r *fakeProfileRepo) UpdateProfile(ctx context.Context, user *model.User, profile *model.Profile) error {
	return r.CompleteProfile(ctx, user, profile)
}

func (r *fakeProfileRepo) DeleteForUser(ctx context.Context, userID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.rows, userID)
	return nil
}

type fakeLoginCache struct {
	mu   sync.Mutex
	rows map[string]*model.PendingLogin
}

func newFakeLoginCache() *fakeLoginCache {
	return &fakeLoginCache{rows: make(map[string]*model.PendingLogin)}
}

func (c *fakeLoginCache) SetPending(ctx context.Context, token string, pending *model.PendingLogin, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rows[token] = pending
	return nil
}

func (c *fakeLoginCache) GetPending(ctx context.Context, token string) (*model.PendingLogin, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.rows[token]
	if !ok {
		return nil, model.ErrNotFound
	}
	return p, nil
}

func (c *fakeLoginCache) DeletePending(ctx context.Context, token string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.rows, token)
	return nil
}

type fakeSessionCache struct {
	mu   sync.Mutex
	rows map[string]string
}

func newFakeSessionCache() *fakeSessionCache {
	return &fakeSessionCache{rows: make(map[string]string)}
}

func (c *fakeSessionCache) SetSession(ctx context.Context, token, userID string, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rows[token] = userID
	return nil
}

func (c *fakeSessionCache) GetSession(ctx context.Context, token string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	userID, ok := c.rows[token]
	if !ok {
		return "", model.ErrNotFound
	}
	return userID, nil
}

func (c *fakeSessionCache) DeleteSession(ctx context.Context, token string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.rows, token)
	return nil
}

type fakeRateLimits struct {
	mu       sync.Mutex
	counters map[string]int
	windows  map[string]int
	locks    map[string]bool
}

func newFakeRateLimits() *fakeRateLimits {
	return &fakeRateLimits{
		counters: make(map[string]int),
		windows:  make(map[string]int),
		locks:    make(map[string]bool),
	}
}

func (c *fakeRateLimits) AllowSlidingWindow(ctx context.Context, key string, limit int, window time.Duration) (bool, int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.windows[key] >= limit {
		return false, c.windows[key], nil
	}
	c.windows[key]++
	return true, c.windows[key], nil
}

func (c *fakeRateLimits) IncrementCounter(ctx context.Context, key string, ttl time.Duration) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counters[key]++
	return c.counters[key], nil
}

func (c *fakeRateLimits) ResetCounter(ctx context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.counters, key)
	return nil
}

func (c *fakeRateLimits) AcquireLock(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.locks[key] {
		return false, nil
	}
	c.locks[key] = true
	return true, nil
}

func (c *fakeRateLimits) ReleaseLock(ctx context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.locks, key)
	return nil
}

type fakeNotifier struct {
	mu   sync.Mutex
	sent []sentCode
	fail bool
}

type sentCode struct {
	identifier string
	code       string
}

func (n *fakeNotifier) Send(ctx context.Context, identifier, code string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.fail {
		return false
	}
	n.sent = append(n.sent, sentCode{identifier, code})
	return true
}

func (n *fakeNotifier) lastCode() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.sent) == 0 {
		return ""
	}
	return n.sent[len(n.sent)-1].code
}

func (n *fakeNotifier) sentCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.sent)
}

type fakeAudit struct {
	mu     sync.Mutex
	events []model.AuditEvent
}

func (a *fakeAudit) Record(ctx context.Context, event model.AuditEvent) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, event)
}

func (a *fakeAudit) types() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, len(a.events))
	for i, e := range a.events {
		out[i] = e.Type
	}
	return out
}

// -------------------- HARNESS --------------------

type harness struct {
	svc      *AuthService
	users    *fakeUserRepo
	otps     *fakeOTPRepo
	sessions *fakeSessionRepo
	profiles *fakeProfileRepo
	pending  *fakeLoginCache
	auth     *fakeSessionCache
	limits   *fakeRateLimits
	notifier *fakeNotifier
	audit    *fakeAudit
	clock    *time.Time
}

func (h *harness) advance(d time.Duration) {
	*h.clock = h.clock.Add(d)
}

func testConfig() *config.Config {
	cfg := &config.Config{Environment: "test"}
	cfg.OTP.Length = 6
	cfg.OTP.Expiry = 10 * time.Minute
	cfg.OTP.MaxAttempts = 3
	cfg.OTP.ResendLimit = 3
	cfg.OTP.ResendWindow = time.Hour
	cfg.OTP.MaxGuessesPerUser = 10
	cfg.OTP.SessionTTL = 24 * time.Hour
	cfg.Hashing.Argon2MemoryCost = 1024
	cfg.Hashing.Argon2TimeCost = 1
	cfg.Hashing.Argon2Parallelism = 1
	cfg.Hashing.Pepper = "test-pepper"
	cfg.Bucketing.UserBuckets = 8
	return cfg
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	cfg := testConfig()
	start := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	clock := &start
	now := func() time.Time { return *clock }

	users := newFakeUserRepo()
	otps := newFakeOTPRepo(now)
	sessions := newFakeSessionRepo()
	profiles := newFakeProfileRepo(users)
	pending := newFakeLoginCache()
	auth := newFakeSessionCache()
	limits := newFakeRateLimits()
	fn := &fakeNotifier{}
	recorder := &fakeAudit{}

	svc := NewAuthService(cfg,
		users, otps, sessions, profiles,
		pending, auth, limits,
		hashing.NewHasher(cfg),
		encryption.NewManager(cfg, nil),
		fn, recorder)
	svc.now = now

	return &harness{
		svc:      svc,
		users:    users,
		otps:     otps,
		sessions: sessions,
		profiles: profiles,
		pending:  pending,
		auth:     auth,
		limits:   limits,
		notifier: fn,
		audit:    recorder,
		clock:    clock,
	}
}

func (h *harness) login(t *testing.T, token, identifier string) *LoginResponse {
	t.Helper()
	resp, err := h.svc.SubmitIdentifier(context.Background(), token,
		&LoginRequest{Identifier: identifier}, &RequestMeta{IPAddress: "10.0.0.1"})
	if err != nil {
		t.Fatalf("SubmitIdentifier(%q): %v", identifier, err)
	}
	return resp
}

func (h *harness) verify(token, code string) (*VerifyResponse, error) {
	return h.svc.SubmitCode(context.Background(), token,
		&VerifyRequest{Code: code}, &RequestMeta{IPAddress: "10.0.0.1"})
}

// -------------------- TESTS --------------------

func TestSignupFlow(t *testing.T) {
	h := newHarness(t)
	token := "tok-1"

	resp := h.login(t, token, "+14155552671")
	if !resp.NewUser {
		t.Fatal("expected new user")
	}
	if !strings.HasSuffix(resp.Identifier, "2671") || strings.Contains(resp.Identifier, "+1415555") {
		t.Fatalf("identifier not masked: %q", resp.Identifier)
	}
	if h.notifier.sentCount() != 1 {
		t.Fatalf("sent %d codes, want 1", h.notifier.sentCount())
	}

	code := h.notifier.lastCode()
	if len(code) != 6 {
		t.Fatalf("code %q", code)
	}

	vr, err := h.verify(token, code)
	if err != nil {
		t.Fatalf("SubmitCode: %v", err)
	}
	if !vr.NewUser || vr.ProfileComplete {
		t.Fatalf("unexpected verify response: %+v", vr)
	}
	if vr.Username != "user_14155552671" {
		t.Fatalf("username = %q", vr.Username)
	}

	if _, err := h.auth.GetSession(context.Background(), token); err != nil {
		t.Fatal("session not activated")
	}
	if _, err := h.pending.GetPending(context.Background(), token); !errors.Is(err, model.ErrNotFound) {
		t.Fatal("pending login not cleared")
	}

	// Same code cannot log in twice.
	if _, err := h.verify(token, code); !errors.Is(err, ErrLoginRequired) {
		t.Fatalf("replayed code: err = %v, want ErrLoginRequired", err)
	}
}

func TestReturningUserFlow(t *testing.T) {
	h := newHarness(t)

	h.login(t, "tok-1", "alice@example.com")
	code := h.notifier.lastCode()
	if _, err := h.verify("tok-1", code); err != nil {
		t.Fatalf("first login: %v", err)
	}

	resp := h.login(t, "tok-2", "alice@example.com")
	if resp.NewUser {
		t.Fatal("second login should not create a user")
	}

	code = h.notifier.lastCode()
	vr, err := h.verify("tok-2", code)
	if err != nil {
		t.Fatalf("second verify: %v", err)
	}
	if vr.NewUser {
		t.Fatal("expected returning user")
	}
}

func TestInvalidIdentifierRejected(t *testing.T) {
	h := newHarness(t)

	for _, in := range []string{"", "not-an-identifier", "a@b", "+1-415-555"} {
		_, err := h.svc.SubmitIdentifier(context.Background(), "tok",
			&LoginRequest{Identifier: in}, &RequestMeta{})
		if !errors.Is(err, ErrValidation) {
			t.Errorf("SubmitIdentifier(%q): err = %v, want ErrValidation", in, err)
		}
	}
	if h.notifier.sentCount() != 0 {
		t.Fatal("no codes should be sent for invalid identifiers")
	}
}

func TestVerifyWithoutPendingLogin(t *testing.T) {
	h := newHarness(t)

	if _, err := h.verify("tok", "123456"); !errors.Is(err, ErrLoginRequired) {
		t.Fatalf("err = %v, want ErrLoginRequired", err)
	}
}

func TestWrongCodeThenRightCode(t *testing.T) {
	h := newHarness(t)
	token := "tok-1"

	h.login(t, token, "+14155552671")
	code := h.notifier.lastCode()

	wrong := "000000"
	if wrong == code {
		wrong = "000001"
	}
	if _, err := h.verify(token, wrong); !errors.Is(err, ErrInvalidCode) {
		t.Fatalf("wrong code: err = %v, want ErrInvalidCode", err)
	}

	// An unknown guess burns nothing; the right code still works.
	if _, err := h.verify(token, code); err != nil {
		t.Fatalf("right code after wrong guess: %v", err)
	}
}

func TestExpiredCodeBurnsAttempt(t *testing.T) {
	h := newHarness(t)
	token := "tok-1"

	h.login(t, token, "+14155552671")
	code := h.notifier.lastCode()

	h.advance(11 * time.Minute)

	if _, err := h.verify(token, code); !errors.Is(err, ErrInvalidCode) {
		t.Fatalf("expired code: err = %v, want ErrInvalidCode", err)
	}

	rows, _ := h.otps.ListRecentUnused(context.Background(), userIDFor(t, h, "+14155552671"), 10)
	if len(rows) != 1 || rows[0].Attempts != 1 {
		t.Fatalf("expected one attempt recorded, rows = %+v", rows)
	}
}

func TestExhaustedCodeForcesRestart(t *testing.T) {
	h := newHarness(t)
	token := "tok-1"

	h.login(t, token, "+14155552671")
	code := h.notifier.lastCode()
	userID := userIDFor(t, h, "+14155552671")

	// Burn the row's attempt budget.
	rows, _ := h.otps.ListRecentUnused(context.Background(), userID, 10)
	rows[0].Attempts = rows[0].MaxAttempts

	if _, err := h.verify(token, code); !errors.Is(err, ErrAttemptsExceeded) {
		t.Fatalf("err = %v, want ErrAttemptsExceeded", err)
	}

	// The login context is gone; the user must start over.
	if _, err := h.verify(token, code); !errors.Is(err, ErrLoginRequired) {
		t.Fatalf("after restart: err = %v, want ErrLoginRequired", err)
	}
}

func TestGuessBudget(t *testing.T) {
	h := newHarness(t)
	token := "tok-1"

	h.login(t, token, "+14155552671")
	code := h.notifier.lastCode()

	wrong := "000000"
	if wrong == code {
		wrong = "000001"
	}
	for i := 0; i < 10; i++ {
		if _, err := h.verify(token, wrong); !errors.Is(err, ErrInvalidCode) {
			t.Fatalf("guess %d: err = %v", i, err)
		}
	}

	// Budget spent; even the right code is refused now.
	if _, err := h.verify(token, code); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("err = %v, want ErrRateLimited", err)
	}
}

func TestDeliveryFailureRollsBackSignup(t *testing.T) {
	h := newHarness(t)
	h.notifier.fail = true

	_, err := h.svc.SubmitIdentifier(context.Background(), "tok",
		&LoginRequest{Identifier: "+14155552671"}, &RequestMeta{})
	if !errors.Is(err, ErrDelivery) {
		t.Fatalf("err = %v, want ErrDelivery", err)
	}

	// Neither the user nor the code survives.
	if len(h.users.byID) != 0 {
		t.Fatal("fresh user should be rolled back")
	}
	if len(h.otps.rows) != 0 {
		t.Fatal("undelivered code should be removed")
	}
}

func TestDeliveryFailureKeepsExistingUser(t *testing.T) {
	h := newHarness(t)

	h.login(t, "tok-1", "+14155552671")
	if _, err := h.verify("tok-1", h.notifier.lastCode()); err != nil {
		t.Fatal(err)
	}

	h.notifier.fail = true
	_, err := h.svc.SubmitIdentifier(context.Background(), "tok-2",
		&LoginRequest{Identifier: "+14155552671"}, &RequestMeta{})
	if !errors.Is(err, ErrDelivery) {
		t.Fatalf("err = %v, want ErrDelivery", err)
	}

	if len(h.users.byID) != 1 {
		t.Fatal("existing user must survive delivery failure")
	}
}

func TestResendFailureSparesVerifiedUser(t *testing.T) {
	h := newHarness(t)

	// Signup starts on device A, but the user verifies on device B first.
	h.login(t, "tok-a", "+14155552671")
	h.login(t, "tok-b", "+14155552671")
	if _, err := h.verify("tok-b", h.notifier.lastCode()); err != nil {
		t.Fatal(err)
	}
	userID := userIDFor(t, h, "+14155552671")

	// Device A's resend failing must not take the account down with it.
	h.notifier.fail = true
	_, err := h.svc.ResendCode(context.Background(), "tok-a", &RequestMeta{})
	if !errors.Is(err, ErrDelivery) {
		t.Fatalf("err = %v, want ErrDelivery", err)
	}

	if _, err := h.users.GetByID(context.Background(), userID); err != nil {
		t.Fatalf("verified user deleted on resend failure: %v", err)
	}
	if got, err := h.svc.Authenticate(context.Background(), "tok-b"); err != nil || got != userID {
		t.Fatalf("active session broken: (%q, %v)", got, err)
	}

	// Device A can still finish once delivery recovers.
	h.notifier.fail = false
	if _, err := h.svc.ResendCode(context.Background(), "tok-a", &RequestMeta{}); err != nil {
		t.Fatalf("resend after recovery: %v", err)
	}
	if _, err := h.verify("tok-a", h.notifier.lastCode()); err != nil {
		t.Fatalf("verify after recovery: %v", err)
	}
}

func TestResendIssuesFreshCode(t *testing.T) {
	h := newHarness(t)
	token := "tok-1"

	h.login(t, token, "alice@example.com")
	first := h.notifier.lastCode()

	resp, err := h.svc.ResendCode(context.Background(), token, &RequestMeta{})
	if err != nil {
		t.Fatalf("ResendCode: %v", err)
	}
	if resp.Identifier != "a***@example.com" {
		t.Fatalf("masked identifier = %q", resp.Identifier)
	}
	if h.notifier.sentCount() != 2 {
		t.Fatalf("sent %d codes, want 2", h.notifier.sentCount())
	}

	// Either outstanding code logs the user in.
	if _, err := h.verify(token, first); err != nil {
		t.Fatalf("old code after resend: %v", err)
	}
}

func TestResendLimit(t *testing.T) {
	h := newHarness(t)
	token := "tok-1"

	h.login(t, token, "alice@example.com")

	// The login itself issued one code, leaving two resends in the window.
	for i := 0; i < 2; i++ {
		if _, err := h.svc.ResendCode(context.Background(), token, &RequestMeta{}); err != nil {
			t.Fatalf("resend %d: %v", i, err)
		}
	}
	if _, err := h.svc.ResendCode(context.Background(), token, &RequestMeta{}); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("err = %v, want ErrRateLimited", err)
	}

	// The window slides; an hour later resends work again.
	h.advance(61 * time.Minute)
	if _, err := h.svc.ResendCode(context.Background(), token, &RequestMeta{}); err != nil {
		t.Fatalf("resend after window: %v", err)
	}
}

func TestResendWithoutPending(t *testing.T) {
	h := newHarness(t)
	if _, err := h.svc.ResendCode(context.Background(), "tok", &RequestMeta{}); !errors.Is(err, ErrLoginRequired) {
		t.Fatalf("err = %v, want ErrLoginRequired", err)
	}
}

func TestIssueWindowLimitsRestarts(t *testing.T) {
	h := newHarness(t)

	for i := 0; i < 10; i++ {
		h.login(t, "tok", "+14155552671")
	}
	_, err := h.svc.SubmitIdentifier(context.Background(), "tok",
		&LoginRequest{Identifier: "+14155552671"}, &RequestMeta{})
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("err = %v, want ErrRateLimited", err)
	}
}

func TestCompleteProfile(t *testing.T) {
	h := newHarness(t)
	token := "tok-1"

	h.login(t, token, "+14155552671")
	if _, err := h.verify(token, h.notifier.lastCode()); err != nil {
		t.Fatal(err)
	}

	profile, err := h.svc.CompleteProfile(context.Background(), token, &ProfileRequest{
		FirstName:    "Ada",
		LastName:     "Lovelace",
		AddressLine1: "12 Analytical Way",
		City:         "London",
		State:        "Greater London",
		PostalCode:   "N1 9GU",
		Country:      "GB",
		DateOfBirth:  "1990-12-10",
	}, &RequestMeta{})
	if err != nil {
		t.Fatalf("CompleteProfile: %v", err)
	}
	if profile.FullName() != "Ada Lovelace" {
		t.Fatalf("full name = %q", profile.FullName())
	}

	me, err := h.svc.CurrentUser(context.Background(), token)
	if err != nil {
		t.Fatalf("CurrentUser: %v", err)
	}
	if !me.ProfileComplete || me.FirstName != "Ada" || me.LastName != "Lovelace" {
		t.Fatalf("unexpected me: %+v", me)
	}
	if me.Identifier != "+14155552671" {
		t.Fatalf("identifier = %q, want decrypted original", me.Identifier)
	}
	if me.Profile == nil || me.Profile.City != "London" {
		t.Fatalf("profile missing from me: %+v", me.Profile)
	}
}

func TestCompleteProfileValidation(t *testing.T) {
	h := newHarness(t)
	token := "tok-1"

	h.login(t, token, "+14155552671")
	if _, err := h.verify(token, h.notifier.lastCode()); err != nil {
		t.Fatal(err)
	}

	valid := ProfileRequest{
		FirstName:    "Ada",
		LastName:     "Lovelace",
		AddressLine1: "12 Analytical Way",
		City:         "London",
		State:        "Greater London",
		PostalCode:   "N1 9GU",
	}

	cases := []func(r *ProfileRequest){
		func(r *ProfileRequest) { r.FirstName = "" },
		func(r *ProfileRequest) { r.LastName = "   " },
		func(r *ProfileRequest) { r.AddressLine1 = "" },
		func(r *ProfileRequest) { r.City = "" },
		func(r *ProfileRequest) { r.State = "" },
		func(r *ProfileRequest) { r.PostalCode = "" },
		func(r *ProfileRequest) { r.DateOfBirth = "12/10/1990" },
		func(r *ProfileRequest) { r.DateOfBirth = "2031-01-01" },
	}
	for i, mutate := range cases {
		req := valid
		mutate(&req)
		if _, err := h.svc.CompleteProfile(context.Background(), token, &req, &RequestMeta{}); !errors.Is(err, ErrValidation) {
			t.Errorf("case %d: err = %v, want ErrValidation", i, err)
		}
	}

	// The optional fields really are optional.
	if _, err := h.svc.CompleteProfile(context.Background(), token, &valid, &RequestMeta{}); err != nil {
		t.Fatalf("valid request rejected: %v", err)
	}
}

func TestCompleteProfileRequiresAuth(t *testing.T) {
	h := newHarness(t)

	_, err := h.svc.CompleteProfile(context.Background(), "tok", &ProfileRequest{
		FirstName: "Ada", LastName: "Lovelace",
	}, &RequestMeta{})
	if !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("err = %v, want ErrUnauthenticated", err)
	}
}

func TestLogout(t *testing.T) {
	h := newHarness(t)
	token := "tok-1"

	// Logging out without a session is fine.
	if err := h.svc.Logout(context.Background(), token, &RequestMeta{}); err != nil {
		t.Fatalf("logout without session: %v", err)
	}
	if err := h.svc.Logout(context.Background(), "", &RequestMeta{}); err != nil {
		t.Fatalf("logout without token: %v", err)
	}

	h.login(t, token, "+14155552671")
	if _, err := h.verify(token, h.notifier.lastCode()); err != nil {
		t.Fatal(err)
	}

	if err := h.svc.Logout(context.Background(), token, &RequestMeta{}); err != nil {
		t.Fatalf("logout: %v", err)
	}
	if _, err := h.svc.CurrentUser(context.Background(), token); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("after logout: err = %v, want ErrUnauthenticated", err)
	}

	// Idempotent.
	if err := h.svc.Logout(context.Background(), token, &RequestMeta{}); err != nil {
		t.Fatalf("second logout: %v", err)
	}
}

func TestLogoutAbandonsPendingLogin(t *testing.T) {
	h := newHarness(t)
	token := "tok-1"

	h.login(t, token, "+14155552671")
	if err := h.svc.Logout(context.Background(), token, &RequestMeta{}); err != nil {
		t.Fatal(err)
	}
	if _, err := h.verify(token, h.notifier.lastCode()); !errors.Is(err, ErrLoginRequired) {
		t.Fatalf("err = %v, want ErrLoginRequired", err)
	}
}

func TestSweepExpiredCodes(t *testing.T) {
	h := newHarness(t)

	h.login(t, "tok-1", "+14155552671")
	h.login(t, "tok-2", "bob@example.com")

	h.advance(11 * time.Minute)
	h.login(t, "tok-3", "carol@example.com")

	removed, err := h.svc.SweepExpiredCodes(context.Background())
	if err != nil {
		t.Fatalf("SweepExpiredCodes: %v", err)
	}
	if removed != 2 {
		t.Fatalf("removed %d rows, want 2", removed)
	}

	// Carol's still-valid code survives the sweep.
	if _, err := h.verify("tok-3", h.notifier.lastCode()); err != nil {
		t.Fatalf("verify after sweep: %v", err)
	}
}

func TestConcurrentVerifyLock(t *testing.T) {
	h := newHarness(t)
	token := "tok-1"

	h.login(t, token, "+14155552671")
	userID := userIDFor(t, h, "+14155552671")

	// Another request holds the verification lock.
	if ok, _ := h.limits.AcquireLock(context.Background(), "verify:"+userID, time.Minute); !ok {
		t.Fatal("setup: could not take lock")
	}

	if _, err := h.verify(token, h.notifier.lastCode()); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("err = %v, want ErrRateLimited", err)
	}

	h.limits.ReleaseLock(context.Background(), "verify:"+userID)
	if _, err := h.verify(token, h.notifier.lastCode()); err != nil {
		t.Fatalf("verify after lock release: %v", err)
	}
}

func TestAuditTrailOnLogin(t *testing.T) {
	h := newHarness(t)
	token := "tok-1"

	h.login(t, token, "+14155552671")
	wrong := "000000"
	if wrong == h.notifier.lastCode() {
		wrong = "111111"
	}
	if _, err := h.verify(token, wrong); !errors.Is(err, ErrInvalidCode) {
		t.Fatalf("err = %v, want ErrInvalidCode", err)
	}
	if _, err := h.verify(token, h.notifier.lastCode()); err != nil {
		t.Fatal(err)
	}

	want := map[string]bool{
		model.EventOTPIssued:   true,
		model.EventOTPInvalid:  true,
		model.EventOTPVerified: true,
		model.EventLogin:       true,
	}
	for _, typ := range h.audit.types() {
		delete(want, typ)
	}
	for typ := range want {
		t.Errorf("event %q never recorded", typ)
	}
}

func userIDFor(t *testing.T, h *harness, identifier string) string {
	t.Helper()
	user, err := h.users.GetByMobileHash(context.Background(), hashing.IdentifierHash(identifier))
	if err != nil {
		t.Fatalf("no user for %q", identifier)
	}
	return user.UserID
}
