package api

import (
	"context"
	"errors"

	"github.com/UditSharma04/Embedder-farm/internal/model"

	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

// SeedDemoAccounts creates the pre-verified demo farmer and buyer used
// by the dev environment. Existing rows are normalized back to a
// verified, active state so a restart always leaves them loginable.
func (s *Server) SeedDemoAccounts(ctx context.Context) error {
	hash, err := bcrypt.GenerateFromPassword([]byte("demo-login"), bcrypt.DefaultCost)
	if err != nil {
		return err
	}

	demos := []model.User{
		{
			FullName: "Demo Farmer",
			Phone:    "9000000001",
			Email:    "farmer@demo.farmconnect.in",
			Location: "Ludhiana, Punjab",
			UserType: model.UserTypeFarmer,
		},
		{
			FullName: "Demo Buyer",
			Phone:    "9000000002",
			Email:    "buyer@demo.farmconnect.in",
			Location: "Karnal, Haryana",
			UserType: model.UserTypeBuyer,
		},
	}

	for _, demo := range demos {
		var existing model.User
		err := s.db.WithContext(ctx).Where("email = ?", demo.Email).First(&existing).Error
		if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if errors.Is(err, gorm.ErrRecordNotFound) {
			demo.Password = string(hash)
			demo.IsVerified = true
			demo.Active = true
			if err := s.db.WithContext(ctx).Create(&demo).Error; err != nil {
				return err
			}
			continue
		}
		updates := map[string]interface{}{
			"password":                  string(hash),
			"user_type":                 demo.UserType,
			"is_verified":               true,
			"active":                    true,
			"verification_code":         nil,
			"verification_code_expires": nil,
			"verification_code_sent_at": nil,
		}
		if err := s.db.WithContext(ctx).Model(&model.User{}).Where("id = ?", existing.ID).Updates(updates).Error; err != nil {
			return err
		}
	}
	return nil
}
