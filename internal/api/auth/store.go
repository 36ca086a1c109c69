package auth

import (
	"context"
	"errors"
	"time"

	"github.com/UditSharma04/Embedder-farm/internal/model"

	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

// Domain errors surfaced by the credential store.
var (
	ErrPhoneTaken           = errors.New("phone number already registered")
	ErrEmailTaken           = errors.New("email already registered")
	ErrNotFound             = errors.New("user not found")
	ErrAlreadyVerified      = errors.New("email is already verified")
	ErrInvalidOrExpiredCode = errors.New("invalid or expired verification code")
)

// UserStore is the persistence seam for the auth handlers.
type UserStore interface {
	Create(ctx context.Context, user *model.User) error
	FindByEmail(ctx context.Context, email string) (*model.User, error)
	FindByPhone(ctx context.Context, phone string) (*model.User, error)
	FindByID(ctx context.Context, id uint) (*model.User, error)
	// Verify flips is_verified and clears the code fields in one
	// conditional update; it fails uniformly for a wrong or expired code.
	Verify(ctx context.Context, email, code string, now time.Time) error
	// SetVerificationCode overwrites the code fields, guarded so an
	// already-verified account is never rewound.
	SetVerificationCode(ctx context.Context, email, code string, expires, sentAt time.Time) error
}

// NewUserStore returns the gorm-backed store.
func NewUserStore(db *gorm.DB) UserStore {
	return &gormUserStore{db: db}
}

type gormUserStore struct {
	db *gorm.DB
}

func (s *gormUserStore) Create(ctx context.Context, user *model.User) error {
	var existing model.User
	err := s.db.WithContext(ctx).
		Where("phone = ? OR email = ?", user.Phone, user.Email).
		First(&existing).Error
	if err == nil {
		if existing.Phone == user.Phone {
			return ErrPhoneTaken
		}
		return ErrEmailTaken
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return err
	}

	if err := s.db.WithContext(ctx).Create(user).Error; err != nil {
		// The pre-check can race a concurrent insert; the unique
		// indexes are the source of truth.
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			var byPhone model.User
			if s.db.WithContext(ctx).Where("phone = ?", user.Phone).First(&byPhone).Error == nil {
				return ErrPhoneTaken
			}
			return ErrEmailTaken
		}
		return err
	}
	return nil
}

func (s *gormUserStore) FindByEmail(ctx context.Context, email string) (*model.User, error) {
	return s.findOne(ctx, "email = ?", email)
}

func (s *gormUserStore) FindByPhone(ctx context.Context, phone string) (*model.User, error) {
	return s.findOne(ctx, "phone = ?", phone)
}

func (s *gormUserStore) FindByID(ctx context.Context, id uint) (*model.User, error) {
	return s.findOne(ctx, "id = ?", id)
}

func (s *gormUserStore) findOne(ctx context.Context, query string, arg interface{}) (*model.User, error) {
	var user model.User
	err := s.db.WithContext(ctx).Where(query, arg).First(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &user, nil
}

// Verify is a compare-and-set: two concurrent attempts against the same
// code cannot both succeed, because the first update clears the fields
// the second one matches on. A code submitted at the exact expiry
// instant is still valid.
func (s *gormUserStore) Verify(ctx context.Context, email, code string, now time.Time) error {
	res := s.db.WithContext(ctx).Model(&model.User{}).
		Where("email = ? AND verification_code = ? AND verification_code_expires >= ?", email, code, now).
		Updates(map[string]interface{}{
			"is_verified":               true,
			"verification_code":         nil,
			"verification_code_expires": nil,
			"verification_code_sent_at": nil,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrInvalidOrExpiredCode
	}
	return nil
}

func (s *gormUserStore) SetVerificationCode(ctx context.Context, email, code string, expires, sentAt time.Time) error {
	res := s.db.WithContext(ctx).Model(&model.User{}).
		Where("email = ? AND is_verified = ?", email, false).
		Updates(map[string]interface{}{
			"verification_code":         code,
			"verification_code_expires": expires,
			"verification_code_sent_at": sentAt,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		// The caller saw an unverified user moments ago; losing the
		// race means a concurrent verify won.
		return ErrAlreadyVerified
	}
	return nil
}

// checkPassword compares a bcrypt hash against a candidate password.
// bcrypt's comparison is constant-time; a mismatch is a plain false.
func checkPassword(hash, candidate string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(candidate)) == nil
}
