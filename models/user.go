package models

import (
	"context"
	"time"

	"bitbucket.org/mmdatafocus/timeclock_backend/utils"
	"gorm.io/gorm"
)

type User struct {
	ID           int       `gorm:"primary_key" json:"id"`
	CompanyId    string    `gorm:"size:64;not null;index" json:"company_id"`
	Username     string    `gorm:"size:100;not null;uniqueIndex" json:"username" binding:"required"`
	PasswordHash string    `gorm:"size:255;not null" json:"-"`
	Role         UserRole  `gorm:"size:20;not null;default:'Worker'" json:"role"`
	IsActive     *bool     `gorm:"not null;default:true" json:"is_active"`
	CreatedAt    time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt    time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func CreateUser(ctx context.Context, tx *gorm.DB, companyId string, username string, password string, role UserRole) (*User, error) {
	hash, err := utils.HashPassword(password)
	if err != nil {
		return nil, err
	}
	user := User{
		CompanyId:    companyId,
		Username:     username,
		PasswordHash: string(hash),
		Role:         role,
		IsActive:     utils.NewTrue(),
	}
	if err := tx.WithContext(ctx).Create(&user).Error; err != nil {
		return nil, err
	}
	return &user, nil
}

func GetUserByUsername(ctx context.Context, tx *gorm.DB, username string) (*User, error) {
	var user User
	err := tx.WithContext(ctx).Where("username = ?", username).First(&user).Error
	if err == gorm.ErrRecordNotFound {
		return nil, utils.ErrorRecordNotFound
	}
	if err != nil {
		return nil, err
	}
	return &user, nil
}
