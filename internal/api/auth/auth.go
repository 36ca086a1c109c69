package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/UditSharma04/Embedder-farm/internal/model"
	"github.com/UditSharma04/Embedder-farm/internal/pkg/metrics"
	"github.com/UditSharma04/Embedder-farm/internal/pkg/notify"
	"github.com/UditSharma04/Embedder-farm/internal/pkg/queue"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

// tokenTTL is the session token validity window.
const tokenTTL = 7 * 24 * time.Hour

var (
	phonePattern = regexp.MustCompile(`^\d{10}$`)
	emailPattern = regexp.MustCompile(`^\S+@\S+\.\S+$`)
)

// Handler serves the account registration, verification and login flow.
type Handler struct {
	store     UserStore
	jwtSecret []byte
	cooldown  time.Duration
	mailer    notify.Notifier
	mailQueue *queue.Queue
	logger    *slog.Logger
}

// NewHandler creates the auth Handler. mailQueue may be nil, in which
// case verification mail is sent inline.
func NewHandler(store UserStore, jwtSecret string, cooldown time.Duration, mailer notify.Notifier, mailQueue *queue.Queue, logger *slog.Logger) *Handler {
	if cooldown <= 0 {
		cooldown = 60 * time.Second
	}
	return &Handler{
		store:     store,
		jwtSecret: []byte(jwtSecret),
		cooldown:  cooldown,
		mailer:    mailer,
		mailQueue: mailQueue,
		logger:    logger,
	}
}

type registerRequest struct {
	FullName string `json:"fullName"`
	Phone    string `json:"phone"`
	Email    string `json:"email"`
	Location string `json:"location"`
	Password string `json:"password"`
	UserType string `json:"userType"`
}

type loginRequest struct {
	Phone    string `json:"phone"` // email or 10-digit phone
	Password string `json:"password"`
}

// userResponse is the user shape returned to clients. isVerified is
// omitted while false, matching the registration response contract.
type userResponse struct {
	ID         uint   `json:"id"`
	FullName   string `json:"fullName"`
	Phone      string `json:"phone"`
	Email      string `json:"email"`
	Location   string `json:"location"`
	UserType   string `json:"userType"`
	IsVerified bool   `json:"isVerified,omitempty"`
}

type sessionClaims struct {
	jwt.RegisteredClaims
	UserType string `json:"user_type"`
}

// Register creates a new account and dispatches the verification code.
//
// POST /api/auth/register
func (h *Handler) Register(c *gin.Context) {
	var req registerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if msg := validateRegistration(&req); msg != "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": msg})
		return
	}

	email := strings.TrimSpace(strings.ToLower(req.Email))
	phone := strings.TrimSpace(req.Phone)

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "An error occurred during registration"})
		return
	}

	now := time.Now()
	code, err := generateVerificationCode()
	if err != nil {
		h.logger.Error("generate verification code failed", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "An error occurred during registration"})
		return
	}
	expires := codeExpiry(now)

	user := model.User{
		FullName:                strings.TrimSpace(req.FullName),
		Phone:                   phone,
		Email:                   email,
		Location:                strings.TrimSpace(req.Location),
		Password:                string(hash),
		UserType:                strings.ToLower(strings.TrimSpace(req.UserType)),
		Active:                  true,
		VerificationCode:        &code,
		VerificationCodeExpires: &expires,
		VerificationCodeSentAt:  &now,
	}

	if err := h.store.Create(c.Request.Context(), &user); err != nil {
		switch {
		case errors.Is(err, ErrPhoneTaken):
			metrics.RegistrationsTotal.WithLabelValues("duplicate").Inc()
			c.JSON(http.StatusBadRequest, gin.H{"error": "Phone number already registered"})
		case errors.Is(err, ErrEmailTaken):
			metrics.RegistrationsTotal.WithLabelValues("duplicate").Inc()
			c.JSON(http.StatusBadRequest, gin.H{"error": "Email already registered"})
		default:
			h.logger.Error("create user failed", slog.String("email", email), slog.String("error", err.Error()))
			metrics.RegistrationsTotal.WithLabelValues("error").Inc()
			c.JSON(http.StatusInternalServerError, gin.H{"error": "An error occurred during registration"})
		}
		return
	}

	// The user row is committed before the mail leaves; a send failure
	// is logged and the resend endpoint is the recovery path.
	h.dispatchCode(user.Email, user.FullName, code)

	token, err := h.issueToken(user.ID, user.UserType)
	if err != nil {
		h.logger.Error("sign token failed", slog.String("email", email), slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "An error occurred during registration"})
		return
	}

	metrics.RegistrationsTotal.WithLabelValues("success").Inc()
	h.logger.Info("user registered", slog.String("email", email), slog.String("user_type", user.UserType))
	c.JSON(http.StatusCreated, gin.H{
		"status": "success",
		"data": gin.H{
			"user":  toUserResponse(&user),
			"token": token,
		},
	})
}

// Login authenticates by email or phone and returns a session token.
//
// POST /api/auth/login
func (h *Handler) Login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	identifier := strings.TrimSpace(req.Phone)
	if identifier == "" || req.Password == "" {
		metrics.LoginsTotal.WithLabelValues("invalid").Inc()
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid credentials"})
		return
	}

	var (
		user *model.User
		err  error
	)
	if emailPattern.MatchString(identifier) {
		user, err = h.store.FindByEmail(c.Request.Context(), strings.ToLower(identifier))
	} else {
		user, err = h.store.FindByPhone(c.Request.Context(), identifier)
	}
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			h.logger.Error("lookup user failed", slog.String("error", err.Error()))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "An error occurred during login"})
			return
		}
		// Unknown identifier and wrong password collapse to one message.
		metrics.LoginsTotal.WithLabelValues("invalid").Inc()
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid credentials"})
		return
	}

	if !user.Active {
		metrics.LoginsTotal.WithLabelValues("deactivated").Inc()
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Account is deactivated"})
		return
	}

	if !user.IsVerified {
		metrics.LoginsTotal.WithLabelValues("unverified").Inc()
		c.JSON(http.StatusUnauthorized, gin.H{
			"error":             "Please verify your email before logging in",
			"needsVerification": true,
			"email":             user.Email,
		})
		return
	}

	if !checkPassword(user.Password, req.Password) {
		metrics.LoginsTotal.WithLabelValues("invalid").Inc()
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid credentials"})
		return
	}

	token, err := h.issueToken(user.ID, user.UserType)
	if err != nil {
		h.logger.Error("sign token failed", slog.String("email", user.Email), slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "An error occurred during login"})
		return
	}

	metrics.LoginsTotal.WithLabelValues("success").Inc()
	h.logger.Info("user logged in", slog.String("email", user.Email), slog.String("user_type", user.UserType))
	c.JSON(http.StatusOK, gin.H{
		"status": "success",
		"data": gin.H{
			"user":  toUserResponse(user),
			"token": token,
		},
	})
}

// VerifyEmail checks the submitted code and marks the account verified.
//
// POST /api/auth/verify-email
func (h *Handler) VerifyEmail(c *gin.Context) {
	var req struct {
		Email string `json:"email"`
		Code  string `json:"code"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	email := strings.TrimSpace(strings.ToLower(req.Email))
	code := strings.TrimSpace(req.Code)

	err := h.store.Verify(c.Request.Context(), email, code, time.Now())
	if err != nil {
		if errors.Is(err, ErrInvalidOrExpiredCode) {
			metrics.VerificationsTotal.WithLabelValues("rejected").Inc()
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid or expired verification code"})
			return
		}
		h.logger.Error("verify email failed", slog.String("email", email), slog.String("error", err.Error()))
		metrics.VerificationsTotal.WithLabelValues("error").Inc()
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Verification failed"})
		return
	}

	metrics.VerificationsTotal.WithLabelValues("success").Inc()
	h.logger.Info("email verified", slog.String("email", email))
	c.JSON(http.StatusOK, gin.H{
		"status":  "success",
		"message": "Email verified successfully",
	})
}

// ResendCode regenerates the verification code for an unverified
// account, throttled per account by the cooldown window.
//
// POST /api/auth/resend-verification
func (h *Handler) ResendCode(c *gin.Context) {
	var req struct {
		Email string `json:"email"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	email := strings.TrimSpace(strings.ToLower(req.Email))
	user, err := h.store.FindByEmail(c.Request.Context(), email)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "User not found"})
			return
		}
		h.logger.Error("lookup user failed", slog.String("email", email), slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to resend verification code"})
		return
	}
	if user.IsVerified {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Email is already verified"})
		return
	}

	if user.VerificationCodeSentAt != nil && time.Since(*user.VerificationCodeSentAt) < h.cooldown {
		remain := int((h.cooldown - time.Since(*user.VerificationCodeSentAt)).Seconds())
		if remain < 1 {
			remain = 1
		}
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "too many requests", "retry_after": remain})
		return
	}

	now := time.Now()
	code, err := generateVerificationCode()
	if err != nil {
		h.logger.Error("generate verification code failed", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to resend verification code"})
		return
	}

	if err := h.store.SetVerificationCode(c.Request.Context(), email, code, codeExpiry(now), now); err != nil {
		if errors.Is(err, ErrAlreadyVerified) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Email is already verified"})
			return
		}
		h.logger.Error("regenerate code failed", slog.String("email", email), slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to resend verification code"})
		return
	}

	h.dispatchCode(email, user.FullName, code)

	h.logger.Info("verification code resent", slog.String("email", email))
	c.JSON(http.StatusOK, gin.H{
		"status":  "success",
		"message": "Verification code resent successfully",
	})
}

// Me returns the account behind the bearer token.
//
// GET /api/auth/me
func (h *Handler) Me(c *gin.Context) {
	userID := c.GetInt("userID")
	user, err := h.store.FindByID(c.Request.Context(), uint(userID))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		h.logger.Error("lookup user failed", slog.Int("user_id", userID), slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "An error occurred"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status": "success",
		"data":   gin.H{"user": toUserResponse(user)},
	})
}

// dispatchCode hands the verification mail to the worker pool. Send
// failures never reach the client; the worker logs and counts them.
func (h *Handler) dispatchCode(email, fullName, code string) {
	if h.mailer == nil {
		return
	}
	send := func() {
		if err := h.mailer.SendVerificationCode(email, fullName, code); err != nil {
			h.logger.Warn("send verification email failed", slog.String("email", email), slog.String("error", err.Error()))
			metrics.VerificationMailTotal.WithLabelValues("failure").Inc()
			return
		}
		metrics.VerificationMailTotal.WithLabelValues("success").Inc()
	}

	if h.mailQueue == nil {
		send()
		return
	}
	ok := h.mailQueue.Enqueue(func(ctx context.Context) error {
		send()
		return nil
	})
	if !ok {
		h.logger.Warn("mail queue rejected job", slog.String("email", email))
		metrics.VerificationMailTotal.WithLabelValues("dropped").Inc()
	}
	metrics.MailQueueDepth.Set(float64(h.mailQueue.Len()))
}

func (h *Handler) issueToken(userID uint, userType string) (string, error) {
	claims := sessionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strconv.FormatUint(uint64(userID), 10),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(tokenTTL)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
		UserType: userType,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(h.jwtSecret)
}

// validateRegistration returns the first violated constraint, or "".
func validateRegistration(req *registerRequest) string {
	missing := make([]string, 0, 6)
	for _, f := range []struct {
		name  string
		value string
	}{
		{"fullName", req.FullName},
		{"phone", req.Phone},
		{"email", req.Email},
		{"location", req.Location},
		{"password", req.Password},
		{"userType", req.UserType},
	} {
		if strings.TrimSpace(f.value) == "" {
			missing = append(missing, f.name)
		}
	}
	if len(missing) > 0 {
		return fmt.Sprintf("Missing required fields: %s", strings.Join(missing, ", "))
	}

	if len(strings.TrimSpace(req.FullName)) < 2 {
		return "Full name must be at least 2 characters"
	}
	if !phonePattern.MatchString(strings.TrimSpace(req.Phone)) {
		return "Phone number must be exactly 10 digits"
	}
	if !emailPattern.MatchString(strings.TrimSpace(req.Email)) {
		return "Please enter a valid email address"
	}
	if len(req.Password) < 6 {
		return "Password must be at least 6 characters long"
	}
	switch strings.ToLower(strings.TrimSpace(req.UserType)) {
	case model.UserTypeFarmer, model.UserTypeBuyer:
	default:
		return "Invalid user type"
	}
	return ""
}

func toUserResponse(u *model.User) userResponse {
	return userResponse{
		ID:         u.ID,
		FullName:   u.FullName,
		Phone:      u.Phone,
		Email:      u.Email,
		Location:   u.Location,
		UserType:   u.UserType,
		IsVerified: u.IsVerified,
	}
}
