package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/UditSharma04/Embedder-farm/internal/api/middleware"
	"github.com/UditSharma04/Embedder-farm/internal/model"
	"github.com/UditSharma04/Embedder-farm/internal/pkg/metrics"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

const testSecret = "test_secret"

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	metrics.InitMetrics(1)
	m.Run()
}

// memStore is an in-memory UserStore with the same conditional-update
// semantics as the gorm implementation.
type memStore struct {
	mu    sync.Mutex
	seq   uint
	users map[uint]*model.User
}

func newMemStore() *memStore {
	return &memStore{users: make(map[uint]*model.User)}
}

func (s *memStore) Create(ctx context.Context, user *model.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.users {
		if u.Phone == user.Phone {
			return ErrPhoneTaken
		}
		if u.Email == user.Email {
			return ErrEmailTaken
		}
	}
	s.seq++
	user.ID = s.seq
	user.CreatedAt = time.Now()
	user.UpdatedAt = user.CreatedAt
	clone := *user
	s.users[user.ID] = &clone
	return nil
}

func (s *memStore) FindByEmail(ctx context.Context, email string) (*model.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.users {
		if u.Email == email {
			clone := *u
			return &clone, nil
		}
	}
	return nil, ErrNotFound
}

func (s *memStore) FindByPhone(ctx context.Context, phone string) (*model.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.users {
		if u.Phone == phone {
			clone := *u
			return &clone, nil
		}
	}
	return nil, ErrNotFound
}

func (s *memStore) FindByID(ctx context.Context, id uint) (*model.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u, ok := s.users[id]; ok {
		clone := *u
		return &clone, nil
	}
	return nil, ErrNotFound
}

func (s *memStore) Verify(ctx context.Context, email, code string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.users {
		if u.Email != email || u.VerificationCode == nil || u.VerificationCodeExpires == nil {
			continue
		}
		if *u.VerificationCode != code {
			continue
		}
		if now.After(*u.VerificationCodeExpires) {
			continue
		}
		u.IsVerified = true
		u.VerificationCode = nil
		u.VerificationCodeExpires = nil
		u.VerificationCodeSentAt = nil
		return nil
	}
	return ErrInvalidOrExpiredCode
}

func (s *memStore) SetVerificationCode(ctx context.Context, email, code string, expires, sentAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.users {
		if u.Email != email {
			continue
		}
		if u.IsVerified {
			return ErrAlreadyVerified
		}
		u.VerificationCode = &code
		u.VerificationCodeExpires = &expires
		u.VerificationCodeSentAt = &sentAt
		return nil
	}
	return ErrNotFound
}

// mutate edits a stored user in place, for tests that need to move time
// or flip flags behind the handler's back.
func (s *memStore) mutate(id uint, fn func(u *model.User)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u, ok := s.users[id]; ok {
		fn(u)
	}
}

type mockNotifier struct {
	mu    sync.Mutex
	sends []string // "email:code"
	err   error
}

func (m *mockNotifier) SendVerificationCode(toEmail, fullName, code string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.sends = append(m.sends, toEmail+":"+code)
	return nil
}

func (m *mockNotifier) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sends)
}

func newTestRouter(store UserStore, mailer *mockNotifier) *gin.Engine {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	// nil queue: mail is sent inline, which keeps the tests deterministic
	h := NewHandler(store, testSecret, 60*time.Second, mailer, nil, logger)

	r := gin.New()
	r.POST("/api/auth/register", h.Register)
	r.POST("/api/auth/login", h.Login)
	r.POST("/api/auth/verify-email", h.VerifyEmail)
	r.POST("/api/auth/resend-verification", h.ResendCode)

	authed := r.Group("/api/auth")
	authed.Use(middleware.AuthMiddleware(testSecret))
	authed.GET("/me", h.Me)
	return r
}

func postJSON(t *testing.T, r *gin.Engine, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	payload, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal body: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func validRegistration() map[string]string {
	return map[string]string{
		"fullName": "Ravi Kumar",
		"phone":    "9876543210",
		"email":    "a@b.com",
		"location": "Punjab",
		"password": "Abcd123!",
		"userType": "farmer",
	}
}

func registerUser(t *testing.T, r *gin.Engine) {
	t.Helper()
	if w := postJSON(t, r, "/api/auth/register", validRegistration()); w.Code != http.StatusCreated {
		t.Fatalf("register: expected 201, got %d: %s", w.Code, w.Body.String())
	}
}

func TestRegister_CreatesUnverifiedUserWithFreshCode(t *testing.T) {
	store := newMemStore()
	mailer := &mockNotifier{}
	r := newTestRouter(store, mailer)

	before := time.Now()
	w := postJSON(t, r, "/api/auth/register", validRegistration())
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}

	var resp struct {
		Status string `json:"status"`
		Data   struct {
			User  map[string]interface{} `json:"user"`
			Token string                 `json:"token"`
		} `json:"data"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Status != "success" {
		t.Errorf("expected status success, got %q", resp.Status)
	}
	if resp.Data.Token == "" {
		t.Errorf("expected a session token at registration")
	}
	if got := resp.Data.User["userType"]; got != "farmer" {
		t.Errorf("expected userType farmer, got %v", got)
	}
	if _, present := resp.Data.User["isVerified"]; present {
		t.Errorf("isVerified should be omitted while false")
	}

	user, err := store.FindByEmail(context.Background(), "a@b.com")
	if err != nil {
		t.Fatalf("stored user: %v", err)
	}
	if user.IsVerified {
		t.Errorf("new user must start unverified")
	}
	if user.Password == "Abcd123!" {
		t.Errorf("password must not be stored in plaintext")
	}
	if user.VerificationCode == nil || user.VerificationCodeExpires == nil {
		t.Fatalf("expected code and expiry to be set together")
	}
	if len(*user.VerificationCode) != 6 {
		t.Errorf("expected 6-digit code, got %q", *user.VerificationCode)
	}
	n, err := strconv.Atoi(*user.VerificationCode)
	if err != nil || n < 100000 || n > 999999 {
		t.Errorf("code out of range: %q", *user.VerificationCode)
	}

	// Expiry sits exactly ten minutes after generation.
	earliest := before.Add(codeTTL)
	latest := time.Now().Add(codeTTL)
	if user.VerificationCodeExpires.Before(earliest) || user.VerificationCodeExpires.After(latest) {
		t.Errorf("expiry %v not 10 minutes ahead of generation", user.VerificationCodeExpires)
	}

	if mailer.count() != 1 {
		t.Errorf("expected exactly one verification mail, got %d", mailer.count())
	}
}

func TestRegister_FirstViolatedConstraintWins(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(m map[string]string)
		wantMsg string
	}{
		{
			name:    "missing fields",
			mutate:  func(m map[string]string) { m["phone"] = ""; m["location"] = " " },
			wantMsg: "Missing required fields: phone, location",
		},
		{
			name:    "short full name",
			mutate:  func(m map[string]string) { m["fullName"] = "R" },
			wantMsg: "Full name must be at least 2 characters",
		},
		{
			name:    "phone too short",
			mutate:  func(m map[string]string) { m["phone"] = "12345" },
			wantMsg: "Phone number must be exactly 10 digits",
		},
		{
			name:    "phone with letters",
			mutate:  func(m map[string]string) { m["phone"] = "98765abc10" },
			wantMsg: "Phone number must be exactly 10 digits",
		},
		{
			name:    "bad email",
			mutate:  func(m map[string]string) { m["email"] = "not-an-email" },
			wantMsg: "Please enter a valid email address",
		},
		{
			name:    "short password",
			mutate:  func(m map[string]string) { m["password"] = "abc" },
			wantMsg: "Password must be at least 6 characters long",
		},
		{
			name:    "bad user type",
			mutate:  func(m map[string]string) { m["userType"] = "trader" },
			wantMsg: "Invalid user type",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			store := newMemStore()
			r := newTestRouter(store, &mockNotifier{})

			body := validRegistration()
			tc.mutate(body)

			w := postJSON(t, r, "/api/auth/register", body)
			if w.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d: %s", w.Code, w.Body.String())
			}
			var resp map[string]string
			if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
				t.Fatalf("decode response: %v", err)
			}
			if resp["error"] != tc.wantMsg {
				t.Errorf("expected %q, got %q", tc.wantMsg, resp["error"])
			}
		})
	}
}

func TestRegister_DuplicateIdentifierRejected(t *testing.T) {
	store := newMemStore()
	r := newTestRouter(store, &mockNotifier{})
	registerUser(t, r)

	samePhone := validRegistration()
	samePhone["email"] = "other@b.com"
	samePhone["fullName"] = "Someone Else"
	w := postJSON(t, r, "/api/auth/register", samePhone)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for reused phone, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "Phone number already registered") {
		t.Errorf("unexpected body: %s", w.Body.String())
	}

	sameEmail := validRegistration()
	sameEmail["phone"] = "9876500000"
	w = postJSON(t, r, "/api/auth/register", sameEmail)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for reused email, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "Email already registered") {
		t.Errorf("unexpected body: %s", w.Body.String())
	}
}

func storedCode(t *testing.T, store *memStore, email string) string {
	t.Helper()
	u, err := store.FindByEmail(context.Background(), email)
	if err != nil {
		t.Fatalf("find user: %v", err)
	}
	if u.VerificationCode == nil {
		t.Fatalf("no verification code stored")
	}
	return *u.VerificationCode
}

func TestVerifyEmail_Succeeds(t *testing.T) {
	store := newMemStore()
	r := newTestRouter(store, &mockNotifier{})
	registerUser(t, r)

	w := postJSON(t, r, "/api/auth/verify-email", map[string]string{
		"email": "a@b.com",
		"code":  storedCode(t, store, "a@b.com"),
	})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if !strings.Contains(w.Body.String(), "Email verified successfully") {
		t.Errorf("unexpected body: %s", w.Body.String())
	}

	user, err := store.FindByEmail(context.Background(), "a@b.com")
	if err != nil {
		t.Fatalf("find user: %v", err)
	}
	if !user.IsVerified {
		t.Errorf("expected user to be verified")
	}
	if user.VerificationCode != nil || user.VerificationCodeExpires != nil {
		t.Errorf("expected code fields cleared together on verify")
	}
}

func TestVerifyEmail_UniformRejection(t *testing.T) {
	store := newMemStore()
	r := newTestRouter(store, &mockNotifier{})
	registerUser(t, r)
	code := storedCode(t, store, "a@b.com")

	wrongCode := code[:5] + string('0'+(code[5]-'0'+1)%10)

	// Wrong code, unknown email and expired code must be
	// indistinguishable to the caller.
	reject := func(email, submitted string) {
		t.Helper()
		w := postJSON(t, r, "/api/auth/verify-email", map[string]string{"email": email, "code": submitted})
		if w.Code != http.StatusBadRequest {
			t.Fatalf("expected 400, got %d: %s", w.Code, w.Body.String())
		}
		var resp map[string]string
		if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
			t.Fatalf("decode response: %v", err)
		}
		if resp["error"] != "Invalid or expired verification code" {
			t.Errorf("expected the generic message, got %q", resp["error"])
		}
	}

	reject("a@b.com", wrongCode)
	reject("nobody@b.com", code)

	// Expire the code, then submit the correct one.
	store.mutate(1, func(u *model.User) {
		past := time.Now().Add(-time.Second)
		u.VerificationCodeExpires = &past
	})
	reject("a@b.com", code)
}

func TestVerifyCodeExpiryBoundary(t *testing.T) {
	store := newMemStore()
	now := time.Now()
	code := "123456"
	expires := now.Add(codeTTL)
	user := &model.User{
		FullName: "Ravi Kumar", Phone: "9876543210", Email: "a@b.com",
		Location: "Punjab", Password: "x", UserType: model.UserTypeFarmer,
		Active:           true,
		VerificationCode: &code, VerificationCodeExpires: &expires,
	}
	if err := store.Create(context.Background(), user); err != nil {
		t.Fatalf("create: %v", err)
	}

	// At the exact expiry instant the code is still valid.
	if err := store.Verify(context.Background(), "a@b.com", code, expires); err != nil {
		t.Fatalf("verify at boundary: %v", err)
	}

	// One unit past expiry is rejected.
	store2 := newMemStore()
	user2 := *user
	user2.ID = 0
	user2.IsVerified = false
	user2.VerificationCode = &code
	user2.VerificationCodeExpires = &expires
	if err := store2.Create(context.Background(), &user2); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := store2.Verify(context.Background(), "a@b.com", code, expires.Add(time.Nanosecond)); err != ErrInvalidOrExpiredCode {
		t.Fatalf("expected ErrInvalidOrExpiredCode past expiry, got %v", err)
	}
}

func TestLogin_BeforeVerification(t *testing.T) {
	store := newMemStore()
	r := newTestRouter(store, &mockNotifier{})
	registerUser(t, r)

	w := postJSON(t, r, "/api/auth/login", map[string]string{
		"phone":    "9876543210",
		"password": "Abcd123!",
	})
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d: %s", w.Code, w.Body.String())
	}
	var resp struct {
		Error             string `json:"error"`
		NeedsVerification bool   `json:"needsVerification"`
		Email             string `json:"email"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if !resp.NeedsVerification {
		t.Errorf("expected needsVerification=true")
	}
	if resp.Email != "a@b.com" {
		t.Errorf("expected the account email, got %q", resp.Email)
	}
}

func TestLogin_RoundTripResolvesSameUser(t *testing.T) {
	store := newMemStore()
	r := newTestRouter(store, &mockNotifier{})
	registerUser(t, r)

	if w := postJSON(t, r, "/api/auth/verify-email", map[string]string{
		"email": "a@b.com",
		"code":  storedCode(t, store, "a@b.com"),
	}); w.Code != http.StatusOK {
		t.Fatalf("verify: expected 200, got %d", w.Code)
	}

	// Login by phone.
	w := postJSON(t, r, "/api/auth/login", map[string]string{
		"phone":    "9876543210",
		"password": "Abcd123!",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("login: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp struct {
		Data struct {
			User struct {
				ID         uint `json:"id"`
				IsVerified bool `json:"isVerified"`
			} `json:"user"`
			Token string `json:"token"`
		} `json:"data"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if !resp.Data.User.IsVerified {
		t.Errorf("expected isVerified=true after verification")
	}

	// The token subject resolves back to the same user id.
	claims := &jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(resp.Data.Token, claims, func(t *jwt.Token) (interface{}, error) {
		return []byte(testSecret), nil
	})
	if err != nil || !token.Valid {
		t.Fatalf("parse token: %v", err)
	}
	if claims.Subject != fmt.Sprint(resp.Data.User.ID) {
		t.Errorf("token subject %q does not match user id %d", claims.Subject, resp.Data.User.ID)
	}
	if exp := claims.ExpiresAt.Time; time.Until(exp) > tokenTTL || time.Until(exp) < tokenTTL-time.Minute {
		t.Errorf("expected a 7-day token, expires %v", exp)
	}

	// And /me accepts the token and returns the same account.
	req := httptest.NewRequest(http.MethodGet, "/api/auth/me", nil)
	req.Header.Set("Authorization", "Bearer "+resp.Data.Token)
	me := httptest.NewRecorder()
	r.ServeHTTP(me, req)
	if me.Code != http.StatusOK {
		t.Fatalf("me: expected 200, got %d: %s", me.Code, me.Body.String())
	}
	var meResp struct {
		Data struct {
			User struct {
				ID    uint   `json:"id"`
				Email string `json:"email"`
			} `json:"user"`
		} `json:"data"`
	}
	if err := json.Unmarshal(me.Body.Bytes(), &meResp); err != nil {
		t.Fatalf("decode me response: %v", err)
	}
	if meResp.Data.User.ID != resp.Data.User.ID || meResp.Data.User.Email != "a@b.com" {
		t.Errorf("me returned a different account: %+v", meResp.Data.User)
	}

	// Login by email works the same way.
	if w := postJSON(t, r, "/api/auth/login", map[string]string{
		"phone":    "a@b.com",
		"password": "Abcd123!",
	}); w.Code != http.StatusOK {
		t.Fatalf("email login: expected 200, got %d", w.Code)
	}
}

func TestLogin_GenericFailureHidesCause(t *testing.T) {
	store := newMemStore()
	r := newTestRouter(store, &mockNotifier{})
	registerUser(t, r)
	store.mutate(1, func(u *model.User) { u.IsVerified = true })

	unknown := postJSON(t, r, "/api/auth/login", map[string]string{
		"phone":    "0000000000",
		"password": "Abcd123!",
	})
	wrongPass := postJSON(t, r, "/api/auth/login", map[string]string{
		"phone":    "9876543210",
		"password": "wrong-password",
	})

	for _, w := range []*httptest.ResponseRecorder{unknown, wrongPass} {
		if w.Code != http.StatusUnauthorized {
			t.Fatalf("expected 401, got %d", w.Code)
		}
	}
	// Unknown identifier and bad password must produce identical bodies.
	if unknown.Body.String() != wrongPass.Body.String() {
		t.Errorf("failure bodies differ: %s vs %s", unknown.Body.String(), wrongPass.Body.String())
	}
}

func TestLogin_DeactivatedAccount(t *testing.T) {
	store := newMemStore()
	r := newTestRouter(store, &mockNotifier{})
	registerUser(t, r)
	store.mutate(1, func(u *model.User) {
		u.IsVerified = true
		u.Active = false
	})

	w := postJSON(t, r, "/api/auth/login", map[string]string{
		"phone":    "9876543210",
		"password": "Abcd123!",
	})
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "Account is deactivated") {
		t.Errorf("unexpected body: %s", w.Body.String())
	}
}

func TestResend_NotFound(t *testing.T) {
	r := newTestRouter(newMemStore(), &mockNotifier{})
	w := postJSON(t, r, "/api/auth/resend-verification", map[string]string{"email": "nobody@b.com"})
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "User not found") {
		t.Errorf("unexpected body: %s", w.Body.String())
	}
}

func TestResend_AlreadyVerified(t *testing.T) {
	store := newMemStore()
	r := newTestRouter(store, &mockNotifier{})
	registerUser(t, r)
	store.mutate(1, func(u *model.User) { u.IsVerified = true })

	w := postJSON(t, r, "/api/auth/resend-verification", map[string]string{"email": "a@b.com"})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "Email is already verified") {
		t.Errorf("unexpected body: %s", w.Body.String())
	}
}

func TestResend_CooldownThenSuccess(t *testing.T) {
	store := newMemStore()
	mailer := &mockNotifier{}
	r := newTestRouter(store, mailer)
	registerUser(t, r)

	// Registration just sent a code, so an immediate resend is throttled.
	w := postJSON(t, r, "/api/auth/resend-verification", map[string]string{"email": "a@b.com"})
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 inside cooldown, got %d: %s", w.Code, w.Body.String())
	}
	var throttled struct {
		RetryAfter int `json:"retry_after"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &throttled); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if throttled.RetryAfter < 1 || throttled.RetryAfter > 60 {
		t.Errorf("unreasonable retry_after %d", throttled.RetryAfter)
	}

	oldExpiry := *mustUser(t, store, "a@b.com").VerificationCodeExpires

	// Age the last send beyond the cooldown and try again.
	store.mutate(1, func(u *model.User) {
		past := time.Now().Add(-2 * time.Minute)
		u.VerificationCodeSentAt = &past
	})
	w = postJSON(t, r, "/api/auth/resend-verification", map[string]string{"email": "a@b.com"})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 after cooldown, got %d: %s", w.Code, w.Body.String())
	}

	user := mustUser(t, store, "a@b.com")
	if user.VerificationCode == nil || user.VerificationCodeExpires == nil {
		t.Fatalf("expected fresh code fields after resend")
	}
	if !user.VerificationCodeExpires.After(oldExpiry) {
		t.Errorf("expected a later expiry after resend")
	}
	if mailer.count() != 2 {
		t.Errorf("expected 2 mails (register + resend), got %d", mailer.count())
	}
}

func TestRegister_SucceedsWhenMailFails(t *testing.T) {
	store := newMemStore()
	mailer := &mockNotifier{err: fmt.Errorf("smtp down")}
	r := newTestRouter(store, mailer)

	w := postJSON(t, r, "/api/auth/register", validRegistration())
	if w.Code != http.StatusCreated {
		t.Fatalf("registration must survive a mail failure, got %d: %s", w.Code, w.Body.String())
	}
	if _, err := store.FindByEmail(context.Background(), "a@b.com"); err != nil {
		t.Fatalf("user row must exist before the dispatch attempt: %v", err)
	}
}

func mustUser(t *testing.T, store *memStore, email string) *model.User {
	t.Helper()
	u, err := store.FindByEmail(context.Background(), email)
	if err != nil {
		t.Fatalf("find user: %v", err)
	}
	return u
}
