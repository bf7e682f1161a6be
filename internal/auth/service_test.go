package auth

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/pquerna/otp/totp"
	"github.com/redis/go-redis/v9"

	"github.com/keyxmakerx/warden/internal/apperror"
	"github.com/keyxmakerx/warden/internal/mfa"
	"github.com/keyxmakerx/warden/internal/session"
)

// --- Mock Repository ---

// mockPrincipalRepo implements PrincipalRepository for testing.
type mockPrincipalRepo struct {
	createFn               func(ctx context.Context, p *Principal) error
	findByIDFn             func(ctx context.Context, id string) (*Principal, error)
	findByMailFn           func(ctx context.Context, mail string) (*Principal, error)
	updatePasswordFn       func(ctx context.Context, userID, passwordHash string) error
	updateMFATypeFn        func(ctx context.Context, userID string, mfaType mfa.Type, secret string, confirmed bool) error
	setPendingTOTPSecretFn func(ctx context.Context, userID, secret string) error
	markOnboardedFn        func(ctx context.Context, userID string) error
	updateLastLoginFn      func(ctx context.Context, userID string) error
	countPrincipalsFn      func(ctx context.Context) (int, error)
}

func (m *mockPrincipalRepo) Create(ctx context.Context, p *Principal) error {
	if m.createFn != nil {
		return m.createFn(ctx, p)
	}
	return nil
}

func (m *mockPrincipalRepo) FindByID(ctx context.Context, id string) (*Principal, error) {
	if m.findByIDFn != nil {
		return m.findByIDFn(ctx, id)
	}
	return nil, apperror.NewNotFound("principal not found")
}

func (m *mockPrincipalRepo) FindByMail(ctx context.Context, mail string) (*Principal, error) {
	if m.findByMailFn != nil {
		return m.findByMailFn(ctx, mail)
	}
	return nil, apperror.NewNotFound("principal not found")
}

func (m *mockPrincipalRepo) UpdatePassword(ctx context.Context, userID, passwordHash string) error {
	if m.updatePasswordFn != nil {
		return m.updatePasswordFn(ctx, userID, passwordHash)
	}
	return nil
}

func (m *mockPrincipalRepo) UpdateMFAType(ctx context.Context, userID string, mfaType mfa.Type, secret string, confirmed bool) error {
	if m.updateMFATypeFn != nil {
		return m.updateMFATypeFn(ctx, userID, mfaType, secret, confirmed)
	}
	return nil
}

func (m *mockPrincipalRepo) SetPendingTOTPSecret(ctx context.Context, userID, secret string) error {
	if m.setPendingTOTPSecretFn != nil {
		return m.setPendingTOTPSecretFn(ctx, userID, secret)
	}
	return nil
}

func (m *mockPrincipalRepo) MarkOnboarded(ctx context.Context, userID string) error {
	if m.markOnboardedFn != nil {
		return m.markOnboardedFn(ctx, userID)
	}
	return nil
}

func (m *mockPrincipalRepo) UpdateLastLogin(ctx context.Context, userID string) error {
	if m.updateLastLoginFn != nil {
		return m.updateLastLoginFn(ctx, userID)
	}
	return nil
}

func (m *mockPrincipalRepo) CountPrincipals(ctx context.Context) (int, error) {
	if m.countPrincipalsFn != nil {
		return m.countPrincipalsFn(ctx)
	}
	return 0, nil
}

// statefulRepo wires a mock repo to a single principal record so that
// updates made by the service are visible to subsequent reads, the way the
// real store behaves.
func statefulRepo(p *Principal) *mockPrincipalRepo {
	return &mockPrincipalRepo{
		findByIDFn: func(ctx context.Context, id string) (*Principal, error) {
			if id != p.ID {
				return nil, apperror.NewNotFound("principal not found")
			}
			cp := *p
			return &cp, nil
		},
		findByMailFn: func(ctx context.Context, mail string) (*Principal, error) {
			if mail != p.Mail {
				return nil, apperror.NewNotFound("principal not found")
			}
			cp := *p
			return &cp, nil
		},
		updatePasswordFn: func(ctx context.Context, userID, hash string) error {
			p.PasswordHash = hash
			return nil
		},
		updateMFATypeFn: func(ctx context.Context, userID string, t mfa.Type, secret string, confirmed bool) error {
			p.MFAType, p.TOTPSecret, p.TOTPConfirmed = t, secret, confirmed
			p.PendingTOTPSecret = ""
			return nil
		},
		setPendingTOTPSecretFn: func(ctx context.Context, userID, secret string) error {
			p.PendingTOTPSecret = secret
			return nil
		},
		markOnboardedFn: func(ctx context.Context, userID string) error {
			p.Onboarded = true
			return nil
		},
	}
}

// --- Mock Mail Sender ---

type mockMailSender struct {
	sendMailFn func(ctx context.Context, to []string, subject, body string) error
	configured *bool
	// Capture fields for assertions.
	lastTo    []string
	lastBody  string
	sendCount int
}

func (m *mockMailSender) SendMail(ctx context.Context, to []string, subject, body string) error {
	if m.sendMailFn != nil {
		if err := m.sendMailFn(ctx, to, subject, body); err != nil {
			return err
		}
	}
	m.lastTo = to
	m.lastBody = body
	m.sendCount++
	return nil
}

func (m *mockMailSender) IsConfigured() bool {
	if m.configured != nil {
		return *m.configured
	}
	return true
}

// --- Test Helpers ---

// testEnv holds a full service wired against miniredis and a mock repo.
type testEnv struct {
	svc  AuthService
	mail *mockMailSender
	mr   *miniredis.Miniredis
}

func newTestEnv(t *testing.T, repo PrincipalRepository) *testEnv {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	mail := &mockMailSender{}
	sessions := session.NewManager(rdb, 12*time.Hour, 10*time.Minute)
	verifier := mfa.NewVerifier(rdb, mail, "Warden", 10*time.Minute)
	tokens := NewChangeTokens(rdb, "test-secret-key")

	svc := NewAuthService(repo, sessions, verifier, tokens, mail,
		"http://localhost:8080", "Warden", time.Hour)

	return &testEnv{svc: svc, mail: mail, mr: mr}
}

// fixturePassword is the known-good password of every test principal.
const fixturePassword = "Password1"

var (
	fixtureHashOnce sync.Once
	fixtureHash     string
)

// hashedFixture returns the argon2id hash of fixturePassword, computed once
// per test binary because the hash is deliberately expensive.
func hashedFixture() string {
	fixtureHashOnce.Do(func() {
		h, err := hashPassword(fixturePassword)
		if err != nil {
			panic(err)
		}
		fixtureHash = h
	})
	return fixtureHash
}

// testPrincipal builds a default principal; mutate the result per test.
func testPrincipal() *Principal {
	return &Principal{
		ID:           "user-1",
		Mail:         "a@x.com",
		PasswordHash: hashedFixture(),
		Onboarded:    true,
		MFAType:      mfa.TypeNone,
		CreatedAt:    time.Now().UTC(),
	}
}

// assertAppError checks that err is an *apperror.AppError with the expected code.
func assertAppError(t *testing.T, err error, expectedCode int) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected error with code %d, got nil", expectedCode)
	}
	var appErr *apperror.AppError
	if !errors.As(err, &appErr) {
		t.Fatalf("expected *apperror.AppError, got %T: %v", err, err)
	}
	if appErr.Code != expectedCode {
		t.Errorf("expected status %d, got %d (message: %s)", expectedCode, appErr.Code, appErr.Message)
	}
}

// mailCodeFor reads the outstanding mail code for a principal out of Redis.
func mailCodeFor(t *testing.T, mr *miniredis.Miniredis, userID string) string {
	t.Helper()
	code, err := mr.Get("mfa:code:" + userID)
	if err != nil {
		t.Fatalf("no outstanding mail code for %s: %v", userID, err)
	}
	return code
}

// appTOTPPrincipal returns a principal with a confirmed app-totp secret plus
// a generator for currently valid codes.
func appTOTPPrincipal(t *testing.T) (*Principal, func() string) {
	t.Helper()
	key, err := totp.Generate(totp.GenerateOpts{Issuer: "Warden", AccountName: "a@x.com"})
	if err != nil {
		t.Fatal(err)
	}

	p := testPrincipal()
	p.MFAType = mfa.TypeAppTOTP
	p.TOTPSecret = key.Secret()
	p.TOTPConfirmed = true

	return p, func() string {
		code, err := totp.GenerateCode(key.Secret(), time.Now().UTC())
		if err != nil {
			t.Fatal(err)
		}
		return code
	}
}

// --- Login Tests ---

func TestLogin_NoMFAGoesStraightToLoggedIn(t *testing.T) {
	p := testPrincipal()
	env := newTestEnv(t, statefulRepo(p))

	token, state, err := env.svc.Login(context.Background(), LoginInput{Mail: "a@x.com", Password: fixturePassword})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if state != session.StateLoggedIn {
		t.Errorf("expected logged-in, got %s", state)
	}

	info, err := env.svc.CurrentUser(context.Background(), token)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if info.LoginState != session.StateLoggedIn {
		t.Errorf("expected logged-in session, got %s", info.LoginState)
	}
	if info.UserID != "user-1" || info.Mail != "a@x.com" {
		t.Errorf("unexpected user info: %+v", info)
	}
}

func TestLogin_MailNormalization(t *testing.T) {
	p := testPrincipal()
	env := newTestEnv(t, statefulRepo(p))

	_, state, err := env.svc.Login(context.Background(), LoginInput{Mail: "  A@X.com  ", Password: fixturePassword})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if state != session.StateLoggedIn {
		t.Errorf("expected logged-in, got %s", state)
	}
}

func TestLogin_MailTOTPYieldsTwoFactorWaiting(t *testing.T) {
	p := testPrincipal()
	p.MFAType = mfa.TypeMailTOTP
	env := newTestEnv(t, statefulRepo(p))

	_, state, err := env.svc.Login(context.Background(), LoginInput{Mail: "a@x.com", Password: fixturePassword})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if state != session.StateTwoFactorWaiting {
		t.Errorf("expected two-factor-waiting, got %s", state)
	}
	if env.mail.sendCount != 1 {
		t.Errorf("expected 1 challenge mail, got %d", env.mail.sendCount)
	}
	if !strings.Contains(env.mail.lastBody, mailCodeFor(t, env.mr, "user-1")) {
		t.Error("mailed body does not carry the stored code")
	}
}

func TestLogin_AppTOTPYieldsTwoFactorWaiting(t *testing.T) {
	p, _ := appTOTPPrincipal(t)
	env := newTestEnv(t, statefulRepo(p))

	_, state, err := env.svc.Login(context.Background(), LoginInput{Mail: "a@x.com", Password: fixturePassword})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if state != session.StateTwoFactorWaiting {
		t.Errorf("expected two-factor-waiting, got %s", state)
	}
	if env.mail.sendCount != 0 {
		t.Error("app-totp login must not send mail")
	}
}

func TestLogin_NotOnboardedYieldsOnboardingWaiting(t *testing.T) {
	p := testPrincipal()
	p.Onboarded = false
	p.MFAType = mfa.TypeMailTOTP // irrelevant: onboarding wins
	env := newTestEnv(t, statefulRepo(p))

	_, state, err := env.svc.Login(context.Background(), LoginInput{Mail: "a@x.com", Password: fixturePassword})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if state != session.StateOnboardingWaiting {
		t.Errorf("expected onboarding-waiting, got %s", state)
	}
}

func TestLogin_FailuresAreIndistinguishable(t *testing.T) {
	blocked := testPrincipal()
	blocked.Blocked = true
	env := newTestEnv(t, statefulRepo(blocked))

	cases := map[string]LoginInput{
		"unknown mail":   {Mail: "nobody@x.com", Password: fixturePassword},
		"wrong password": {Mail: "a@x.com", Password: "WrongPassword1"},
		"blocked":        {Mail: "a@x.com", Password: fixturePassword},
	}

	var payloads []map[string]any
	for name, input := range cases {
		_, _, err := env.svc.Login(context.Background(), input)
		assertAppError(t, err, 401)
		code, payload := apperror.Payload(err)
		if code != 401 {
			t.Errorf("%s: expected 401 payload, got %d", name, code)
		}
		payloads = append(payloads, payload)
	}

	for i := 1; i < len(payloads); i++ {
		if payloads[i]["message"] != payloads[0]["message"] {
			t.Errorf("failure payloads differ: %v vs %v", payloads[0], payloads[i])
		}
	}
}

func TestLogin_ChallengeDeliveryFailureLeavesNoSession(t *testing.T) {
	p := testPrincipal()
	p.MFAType = mfa.TypeMailTOTP
	env := newTestEnv(t, statefulRepo(p))
	env.mail.sendMailFn = func(context.Context, []string, string, string) error {
		return errors.New("relay down")
	}

	_, _, err := env.svc.Login(context.Background(), LoginInput{Mail: "a@x.com", Password: fixturePassword})
	assertAppError(t, err, 503)

	for _, key := range env.mr.Keys() {
		if strings.HasPrefix(key, "session:") || strings.HasPrefix(key, "user_session:") {
			t.Errorf("no session may exist after a failed challenge delivery, found %s", key)
		}
	}
}

func TestLogin_ReplacesPreviousSession(t *testing.T) {
	p := testPrincipal()
	env := newTestEnv(t, statefulRepo(p))
	ctx := context.Background()

	first, _, err := env.svc.Login(ctx, LoginInput{Mail: "a@x.com", Password: fixturePassword})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	_, _, err = env.svc.Login(ctx, LoginInput{Mail: "a@x.com", Password: fixturePassword})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	_, err = env.svc.CurrentUser(ctx, first)
	assertAppError(t, err, 401)
}

// --- ConfirmMFA Tests ---

func TestConfirmMFA_MailCodeCompletesLogin(t *testing.T) {
	p := testPrincipal()
	p.MFAType = mfa.TypeMailTOTP
	env := newTestEnv(t, statefulRepo(p))
	ctx := context.Background()

	token, _, err := env.svc.Login(ctx, LoginInput{Mail: "a@x.com", Password: fixturePassword})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	code := mailCodeFor(t, env.mr, "user-1")

	state, err := env.svc.ConfirmMFA(ctx, token, code)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if state != session.StateLoggedIn {
		t.Errorf("expected logged-in, got %s", state)
	}

	// The code was burned with the login; a second submission cannot run at
	// all because no second factor is expected anymore.
	_, err = env.svc.ConfirmMFA(ctx, token, code)
	assertAppError(t, err, 409)
}

func TestConfirmMFA_AppTOTPScenario(t *testing.T) {
	p, codeNow := appTOTPPrincipal(t)
	env := newTestEnv(t, statefulRepo(p))
	ctx := context.Background()

	token, state, err := env.svc.Login(ctx, LoginInput{Mail: "a@x.com", Password: fixturePassword})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if state != session.StateTwoFactorWaiting {
		t.Fatalf("expected two-factor-waiting, got %s", state)
	}

	// Wrong code: failure reported, state unchanged.
	_, err = env.svc.ConfirmMFA(ctx, token, "000000")
	assertAppError(t, err, 401)
	info, err := env.svc.CurrentUser(ctx, token)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if info.LoginState != session.StateTwoFactorWaiting {
		t.Errorf("wrong code must not change state, got %s", info.LoginState)
	}

	// Correct code: logged-in.
	state, err = env.svc.ConfirmMFA(ctx, token, codeNow())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if state != session.StateLoggedIn {
		t.Errorf("expected logged-in, got %s", state)
	}
}

func TestConfirmMFA_WithoutSession(t *testing.T) {
	env := newTestEnv(t, statefulRepo(testPrincipal()))

	// A code from a logged-out caller is a state-machine violation.
	_, err := env.svc.ConfirmMFA(context.Background(), "no-such-token", "123456")
	assertAppError(t, err, 409)

	for _, key := range env.mr.Keys() {
		if strings.HasPrefix(key, "session:") {
			t.Errorf("code submission without a session must not create one, found %s", key)
		}
	}
}

func TestConfirmMFA_ActivatesPendingEnrollment(t *testing.T) {
	p := testPrincipal()
	p.MFAType = mfa.TypeMailTOTP
	env := newTestEnv(t, statefulRepo(p))
	ctx := context.Background()

	// Complete a mail-totp login first.
	token, _, err := env.svc.Login(ctx, LoginInput{Mail: "a@x.com", Password: fixturePassword})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := env.svc.ConfirmMFA(ctx, token, mailCodeFor(t, env.mr, "user-1")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Switch to app-totp: pending secret stored, old factor still active.
	enr, err := env.svc.SwitchMFAType(ctx, token, "", mfa.TypeAppTOTP)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if enr == nil || enr.Secret == "" {
		t.Fatal("expected enrollment material")
	}
	if p.MFAType != mfa.TypeMailTOTP {
		t.Errorf("old factor must stay active until confirmation, got %s", p.MFAType)
	}
	if p.PendingTOTPSecret != enr.Secret {
		t.Error("expected the new secret stored as pending")
	}

	// A valid code from the new secret activates it.
	code, err := totp.GenerateCode(enr.Secret, time.Now().UTC())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.svc.ConfirmMFA(ctx, token, code); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.MFAType != mfa.TypeAppTOTP || p.TOTPSecret != enr.Secret || !p.TOTPConfirmed {
		t.Errorf("expected confirmed app-totp, got %s confirmed=%v", p.MFAType, p.TOTPConfirmed)
	}
	if p.PendingTOTPSecret != "" {
		t.Error("expected the pending secret to be consumed")
	}
}

// --- Onboarding Tests ---

func TestCompleteOnboarding_MailTOTP(t *testing.T) {
	p := testPrincipal()
	p.Onboarded = false
	env := newTestEnv(t, statefulRepo(p))
	ctx := context.Background()

	token, _, err := env.svc.Login(ctx, LoginInput{Mail: "a@x.com", Password: fixturePassword})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	state, err := env.svc.CompleteOnboarding(ctx, token, OnboardInput{
		NewPassword: "NewPassword1",
		MFAType:     mfa.TypeMailTOTP,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if state != session.StateLoggedIn {
		t.Errorf("expected logged-in, got %s", state)
	}
	if !p.Onboarded {
		t.Error("expected principal to be onboarded")
	}
	if p.MFAType != mfa.TypeMailTOTP {
		t.Errorf("expected mail-totp, got %s", p.MFAType)
	}
	if !verifyPassword("NewPassword1", p.PasswordHash) {
		t.Error("expected the new password to be stored")
	}
}

func TestCompleteOnboarding_RefusedWhenAlreadyOnboarded(t *testing.T) {
	p := testPrincipal()
	p.Onboarded = false
	env := newTestEnv(t, statefulRepo(p))
	ctx := context.Background()

	token, _, err := env.svc.Login(ctx, LoginInput{Mail: "a@x.com", Password: fixturePassword})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if _, err := env.svc.CompleteOnboarding(ctx, token, OnboardInput{NewPassword: "NewPassword1"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Running it again fails: the session is logged-in now, and even a fresh
	// onboarding-waiting session would hit the onboarded flag.
	_, err = env.svc.CompleteOnboarding(ctx, token, OnboardInput{NewPassword: "OtherPassword1"})
	assertAppError(t, err, 409)
}

func TestCompleteOnboarding_PasswordPolicy(t *testing.T) {
	p := testPrincipal()
	p.Onboarded = false
	env := newTestEnv(t, statefulRepo(p))
	ctx := context.Background()

	token, _, err := env.svc.Login(ctx, LoginInput{Mail: "a@x.com", Password: fixturePassword})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	for _, weak := range []string{"short1A", "alllowercase1", "ALLUPPERCASE1", "NoDigitsHere"} {
		_, err := env.svc.CompleteOnboarding(ctx, token, OnboardInput{NewPassword: weak})
		assertAppError(t, err, 400)
	}
	if p.Onboarded {
		t.Error("a rejected onboarding must not mark the principal onboarded")
	}
}

func TestCompleteOnboarding_AppTOTPRequiresProof(t *testing.T) {
	p := testPrincipal()
	p.Onboarded = false
	env := newTestEnv(t, statefulRepo(p))
	ctx := context.Background()

	token, _, err := env.svc.Login(ctx, LoginInput{Mail: "a@x.com", Password: fixturePassword})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Choosing app-totp before any enrollment was started is rejected.
	_, err = env.svc.CompleteOnboarding(ctx, token, OnboardInput{
		NewPassword: "NewPassword1",
		MFAType:     mfa.TypeAppTOTP,
	})
	assertAppError(t, err, 400)

	// Fetching the enrollment URL creates the pending secret.
	if _, err := env.svc.EnrollmentURL(ctx, token); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.PendingTOTPSecret == "" {
		t.Fatal("expected a pending secret")
	}

	// A wrong code does not finish onboarding.
	_, err = env.svc.CompleteOnboarding(ctx, token, OnboardInput{
		NewPassword: "NewPassword1",
		MFAType:     mfa.TypeAppTOTP,
		Code:        "000000",
	})
	assertAppError(t, err, 401)

	// The right code does.
	code, err := totp.GenerateCode(p.PendingTOTPSecret, time.Now().UTC())
	if err != nil {
		t.Fatal(err)
	}
	state, err := env.svc.CompleteOnboarding(ctx, token, OnboardInput{
		NewPassword: "NewPassword1",
		MFAType:     mfa.TypeAppTOTP,
		Code:        code,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if state != session.StateLoggedIn {
		t.Errorf("expected logged-in, got %s", state)
	}
	if p.MFAType != mfa.TypeAppTOTP || !p.TOTPConfirmed || !p.Onboarded {
		t.Errorf("unexpected principal after onboarding: %+v", p)
	}
}

// --- MFA Type Switch Tests ---

func TestSwitchMFAType_RequiresLoggedIn(t *testing.T) {
	p := testPrincipal()
	p.MFAType = mfa.TypeMailTOTP
	env := newTestEnv(t, statefulRepo(p))
	ctx := context.Background()

	token, _, err := env.svc.Login(ctx, LoginInput{Mail: "a@x.com", Password: fixturePassword})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	_, err = env.svc.SwitchMFAType(ctx, token, "", mfa.TypeNone)
	assertAppError(t, err, 409)
}

func TestSwitchMFAType_ToMailAppliesImmediately(t *testing.T) {
	p, _ := appTOTPPrincipal(t)
	env := newTestEnv(t, statefulRepo(p))
	ctx := context.Background()

	token := loginAndConfirmTOTP(t, env, p)

	enr, err := env.svc.SwitchMFAType(ctx, token, "", mfa.TypeMailTOTP)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if enr != nil {
		t.Error("mail-totp switch needs no enrollment material")
	}
	if p.MFAType != mfa.TypeMailTOTP || p.TOTPSecret != "" {
		t.Errorf("expected mail-totp with dropped secret, got %s / %q", p.MFAType, p.TOTPSecret)
	}
}

func TestEnrollmentURLKeepsActiveFactorWorking(t *testing.T) {
	p, codeNow := appTOTPPrincipal(t)
	env := newTestEnv(t, statefulRepo(p))
	ctx := context.Background()

	token := loginAndConfirmTOTP(t, env, p)
	active := p.TOTPSecret

	// Starting a re-enrollment must not touch the confirmed secret.
	if _, err := env.svc.EnrollmentURL(ctx, token); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.TOTPSecret != active || !p.TOTPConfirmed {
		t.Fatal("active secret must survive a fresh enrollment")
	}

	// A new login still runs against the old secret.
	token, state, err := env.svc.Login(ctx, LoginInput{Mail: "a@x.com", Password: fixturePassword})
	if err != nil {
		t.Fatalf("login after enrollment start must succeed, got %v", err)
	}
	if state != session.StateTwoFactorWaiting {
		t.Fatalf("expected two-factor-waiting, got %s", state)
	}
	if _, err := env.svc.ConfirmMFA(ctx, token, codeNow()); err != nil {
		t.Fatalf("old authenticator must keep working, got %v", err)
	}
}

func TestSwitchMFAType_AppToAppKeepsOldSecretActive(t *testing.T) {
	p, codeNow := appTOTPPrincipal(t)
	env := newTestEnv(t, statefulRepo(p))
	ctx := context.Background()

	token := loginAndConfirmTOTP(t, env, p)
	active := p.TOTPSecret

	enr, err := env.svc.SwitchMFAType(ctx, token, "", mfa.TypeAppTOTP)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if enr == nil || enr.Secret == "" {
		t.Fatal("expected enrollment material")
	}
	if p.TOTPSecret != active || !p.TOTPConfirmed {
		t.Fatal("active secret must survive the switch until the new one is confirmed")
	}

	// Logins keep running against the old secret until the new enrollment
	// is confirmed.
	token, _, err = env.svc.Login(ctx, LoginInput{Mail: "a@x.com", Password: fixturePassword})
	if err != nil {
		t.Fatalf("login during re-enrollment must succeed, got %v", err)
	}
	if _, err := env.svc.ConfirmMFA(ctx, token, codeNow()); err != nil {
		t.Fatalf("old authenticator must keep working, got %v", err)
	}

	// One valid code from the new secret replaces it.
	code, err := totp.GenerateCode(enr.Secret, time.Now().UTC())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.svc.ConfirmMFA(ctx, token, code); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.TOTPSecret != enr.Secret || !p.TOTPConfirmed {
		t.Error("expected the new secret to be active after confirmation")
	}
}

func TestSwitchMFAType_OtherAccountNeedsAdmin(t *testing.T) {
	p := testPrincipal()
	env := newTestEnv(t, statefulRepo(p))
	ctx := context.Background()

	token, _, err := env.svc.Login(ctx, LoginInput{Mail: "a@x.com", Password: fixturePassword})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	_, err = env.svc.SwitchMFAType(ctx, token, "user-2", mfa.TypeNone)
	assertAppError(t, err, 403)
}

// --- Password Change Tests ---

func TestChangePassword_WithCurrentPassword(t *testing.T) {
	p := testPrincipal()
	env := newTestEnv(t, statefulRepo(p))
	ctx := context.Background()

	token, _, err := env.svc.Login(ctx, LoginInput{Mail: "a@x.com", Password: fixturePassword})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	err = env.svc.ChangePassword(ctx, token, ChangePasswordInput{
		OldPassword: fixturePassword,
		NewPassword: "NewPassword1",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !verifyPassword("NewPassword1", p.PasswordHash) {
		t.Error("expected new password to be stored")
	}

	// The login state is untouched.
	info, err := env.svc.CurrentUser(ctx, token)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if info.LoginState != session.StateLoggedIn {
		t.Errorf("password change must not touch the state, got %s", info.LoginState)
	}
}

func TestChangePassword_WrongCurrentPassword(t *testing.T) {
	p := testPrincipal()
	env := newTestEnv(t, statefulRepo(p))
	ctx := context.Background()

	token, _, err := env.svc.Login(ctx, LoginInput{Mail: "a@x.com", Password: fixturePassword})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	err = env.svc.ChangePassword(ctx, token, ChangePasswordInput{
		OldPassword: "WrongPassword1",
		NewPassword: "NewPassword1",
	})
	assertAppError(t, err, 401)
}

func TestChangePassword_WithToken(t *testing.T) {
	p := testPrincipal()
	env := newTestEnv(t, statefulRepo(p))
	ctx := context.Background()

	tokens := NewChangeTokens(redisClientFor(t, env.mr), "test-secret-key")
	oneTime, err := tokens.Issue(ctx, "user-1", time.Hour)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	err = env.svc.ChangePassword(ctx, "", ChangePasswordInput{
		NewPassword: "NewPassword1",
		Token:       oneTime,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !verifyPassword("NewPassword1", p.PasswordHash) {
		t.Error("expected new password to be stored")
	}

	// Single-use: the same token cannot authorize a second change.
	err = env.svc.ChangePassword(ctx, "", ChangePasswordInput{
		NewPassword: "OtherPassword1",
		Token:       oneTime,
	})
	assertAppError(t, err, 400)
}

func TestChangePassword_TokenConsumedEvenOnPolicyFailure(t *testing.T) {
	p := testPrincipal()
	env := newTestEnv(t, statefulRepo(p))
	ctx := context.Background()

	tokens := NewChangeTokens(redisClientFor(t, env.mr), "test-secret-key")
	oneTime, err := tokens.Issue(ctx, "user-1", time.Hour)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// The weak password is rejected, but the token is spent anyway.
	err = env.svc.ChangePassword(ctx, "", ChangePasswordInput{
		NewPassword: "weak",
		Token:       oneTime,
	})
	assertAppError(t, err, 400)

	err = env.svc.ChangePassword(ctx, "", ChangePasswordInput{
		NewPassword: "NewPassword1",
		Token:       oneTime,
	})
	assertAppError(t, err, 400)
	if !verifyPassword(fixturePassword, p.PasswordHash) {
		t.Error("password must be unchanged after two failed attempts")
	}
}

// --- Reset Tests ---

func TestRequestPasswordReset_SendsLink(t *testing.T) {
	p := testPrincipal()
	env := newTestEnv(t, statefulRepo(p))

	if err := env.svc.RequestPasswordReset(context.Background(), "a@x.com"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if env.mail.sendCount != 1 {
		t.Fatalf("expected 1 reset mail, got %d", env.mail.sendCount)
	}
	if !strings.Contains(env.mail.lastBody, "/reset?token=") {
		t.Error("expected reset link in mail body")
	}
}

func TestRequestPasswordReset_UnknownMailStaysSilent(t *testing.T) {
	env := newTestEnv(t, statefulRepo(testPrincipal()))

	if err := env.svc.RequestPasswordReset(context.Background(), "nobody@x.com"); err != nil {
		t.Fatalf("expected silence for unknown mail, got %v", err)
	}
	if env.mail.sendCount != 0 {
		t.Errorf("expected no mail, got %d", env.mail.sendCount)
	}
}

func TestRequestPasswordReset_BlockedStaysSilent(t *testing.T) {
	p := testPrincipal()
	p.Blocked = true
	env := newTestEnv(t, statefulRepo(p))

	if err := env.svc.RequestPasswordReset(context.Background(), "a@x.com"); err != nil {
		t.Fatalf("expected silence for blocked principal, got %v", err)
	}
	if env.mail.sendCount != 0 {
		t.Errorf("expected no mail, got %d", env.mail.sendCount)
	}
}

// --- Logout & Session Hygiene Tests ---

func TestLogout_RevokesAndIsIdempotent(t *testing.T) {
	p := testPrincipal()
	env := newTestEnv(t, statefulRepo(p))
	ctx := context.Background()

	token, _, err := env.svc.Login(ctx, LoginInput{Mail: "a@x.com", Password: fixturePassword})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := env.svc.Logout(ctx, token); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	_, err = env.svc.CurrentUser(ctx, token)
	assertAppError(t, err, 401)

	if err := env.svc.Logout(ctx, token); err != nil {
		t.Errorf("second logout must be a no-op success, got %v", err)
	}
}

func TestBlockedPrincipalLosesSession(t *testing.T) {
	p := testPrincipal()
	env := newTestEnv(t, statefulRepo(p))
	ctx := context.Background()

	token, _, err := env.svc.Login(ctx, LoginInput{Mail: "a@x.com", Password: fixturePassword})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	p.Blocked = true

	_, err = env.svc.CurrentUser(ctx, token)
	assertAppError(t, err, 401)
}

// --- Bootstrap Tests ---

func TestEnsureDefaultAdmin_CreatesOnEmptyStore(t *testing.T) {
	var created *Principal
	repo := &mockPrincipalRepo{
		countPrincipalsFn: func(ctx context.Context) (int, error) { return 0, nil },
		createFn: func(ctx context.Context, p *Principal) error {
			created = p
			return nil
		},
	}
	env := newTestEnv(t, repo)

	if err := env.svc.EnsureDefaultAdmin(context.Background(), "Admin@Localhost", "ChangeMe123"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if created == nil {
		t.Fatal("expected admin to be created")
	}
	if !created.Admin || created.Onboarded || created.Mail != "admin@localhost" {
		t.Errorf("unexpected bootstrap admin: %+v", created)
	}
	if !verifyPassword("ChangeMe123", created.PasswordHash) {
		t.Error("expected bootstrap password to verify")
	}
}

func TestEnsureDefaultAdmin_SkipsWhenStoreHasUsers(t *testing.T) {
	repo := &mockPrincipalRepo{
		countPrincipalsFn: func(ctx context.Context) (int, error) { return 3, nil },
		createFn: func(ctx context.Context, p *Principal) error {
			t.Error("no admin may be created for a populated store")
			return nil
		},
	}
	env := newTestEnv(t, repo)

	if err := env.svc.EnsureDefaultAdmin(context.Background(), "admin@localhost", "ChangeMe123"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

// --- helpers ---

// redisClientFor opens a client against the env's miniredis for helpers that
// need to act on the same store as the service.
func redisClientFor(t *testing.T, mr *miniredis.Miniredis) *redis.Client {
	t.Helper()
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return rdb
}

// loginAndConfirmTOTP runs a full app-totp login and returns the session token.
func loginAndConfirmTOTP(t *testing.T, env *testEnv, p *Principal) string {
	t.Helper()
	ctx := context.Background()

	token, _, err := env.svc.Login(ctx, LoginInput{Mail: p.Mail, Password: fixturePassword})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	code, err := totp.GenerateCode(p.TOTPSecret, time.Now().UTC())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.svc.ConfirmMFA(ctx, token, code); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return token
}
