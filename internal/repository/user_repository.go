package repository

import (
	"errors"
	"fmt"

	"gorm.io/gorm"

	"queryprism/internal/model"
)

type UserRepository struct {
	db *gorm.DB
}

func NewUserRepository(db *gorm.DB) *UserRepository {
	return &UserRepository{db: db}
}

func (r *UserRepository) Create(user *model.User) error {
	if err := r.db.Create(user).Error; err != nil {
		return fmt.Errorf("create user failed: %w", err)
	}
	return nil
}

func (r *UserRepository) GetByUsername(username string) (*model.User, error) {
	var user model.User
	if err := r.db.Where("username = ?", username).First(&user).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("query user by username failed: %w", err)
	}
	return &user, nil
}

func (r *UserRepository) GetByEmail(email string) (*model.User, error) {
	var user model.User
	if err := r.db.Where("email = ?", email).First(&user).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("query user by email failed: %w", err)
	}
	return &user, nil
}

func (r *UserRepository) GetByID(id uint) (*model.User, error) {
	var user model.User
	if err := r.db.First(&user, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("query user by id failed: %w", err)
	}
	return &user, nil
}

func (r *UserRepository) UpdateDriveFolder(id uint, folderID string) error {
	if err := r.db.Model(&model.User{}).Where("id = ?", id).Update("drive_folder_id", folderID).Error; err != nil {
		return fmt.Errorf("update drive folder failed: %w", err)
	}
	return nil
}

func (r *UserRepository) UpdateDriveRefreshToken(id uint, token string) error {
	if err := r.db.Model(&model.User{}).Where("id = ?", id).Update("drive_refresh_token", token).Error; err != nil {
		return fmt.Errorf("update drive token failed: %w", err)
	}
	return nil
}
