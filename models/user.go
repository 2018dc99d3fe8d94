package models

import (
	"context"
	"errors"
	"time"

	"github.com/labstock/labstock_backend/config"
	"github.com/labstock/labstock_backend/utils"
	"gorm.io/gorm"
)

const (
	UserRoleAdmin     = "ADMIN"
	UserRoleStaff     = "STAFF"
	UserRoleRequester = "REQUESTER"
)

type User struct {
	ID         int       `gorm:"primary_key" json:"id"`
	Name       string    `gorm:"size:255;not null" json:"name" binding:"required"`
	UserName   string    `gorm:"size:100;uniqueIndex;not null" json:"user_name" binding:"required"`
	DocumentId string    `gorm:"size:50;uniqueIndex;not null" json:"document_id" binding:"required"`
	Email      string    `gorm:"size:255;not null" json:"email" binding:"required"`
	Password   string    `gorm:"size:255;not null" json:"-"`
	Role       string    `gorm:"size:20;not null;default:'REQUESTER'" json:"role"`
	IsActive   *bool     `gorm:"not null;default:true" json:"is_active"`
	CreatedAt  time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt  time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

type NewUser struct {
	Name       string `json:"name" binding:"required"`
	UserName   string `json:"user_name" binding:"required"`
	DocumentId string `json:"document_id" binding:"required"`
	Email      string `json:"email" binding:"required"`
	Password   string `json:"password" binding:"required"`
	Role       string `json:"role"`
}

func (input *NewUser) validate(ctx context.Context, id int) error {
	if !utils.IsValidEmail(input.Email) {
		return utils.NewValidationError("invalid email address")
	}
	if err := utils.ValidateUnique[User](ctx, "user_name", input.UserName, id); err != nil {
		return utils.NewValidationError("%s", err.Error())
	}
	if err := utils.ValidateUnique[User](ctx, "document_id", input.DocumentId, id); err != nil {
		return utils.NewValidationError("%s", err.Error())
	}
	switch input.Role {
	case "", UserRoleAdmin, UserRoleStaff, UserRoleRequester:
	default:
		return utils.NewValidationError("invalid role %q", input.Role)
	}
	return nil
}

func CreateUser(ctx context.Context, input *NewUser) (*User, error) {
	if err := input.validate(ctx, 0); err != nil {
		return nil, err
	}

	hashed, err := utils.HashPassword(input.Password)
	if err != nil {
		return nil, err
	}

	role := input.Role
	if role == "" {
		role = UserRoleRequester
	}

	db := config.GetDB()
	user := User{
		Name:       input.Name,
		UserName:   input.UserName,
		DocumentId: input.DocumentId,
		Email:      input.Email,
		Password:   string(hashed),
		Role:       role,
		IsActive:   utils.NewTrue(),
	}
	if err := db.WithContext(ctx).Create(&user).Error; err != nil {
		return nil, err
	}

	return &user, nil
}

func GetUser(ctx context.Context, id int) (*User, error) {
	return utils.FetchModel[User](ctx, id)
}

// GetUserByDocument resolves a requester by institutional document id, the
// identifier clearance requests arrive with.
func GetUserByDocument(ctx context.Context, documentId string) (*User, error) {
	db := config.GetDB()
	var user User
	err := db.WithContext(ctx).Where("document_id = ?", documentId).First(&user).Error
	if err != nil {
		return nil, utils.ErrorRecordNotFound
	}
	return &user, nil
}

func GetUserByUserName(ctx context.Context, userName string) (*User, error) {
	db := config.GetDB()
	var user User
	err := db.WithContext(ctx).Where("user_name = ?", userName).First(&user).Error
	if err != nil {
		return nil, utils.ErrorRecordNotFound
	}
	return &user, nil
}

// DeactivateUser flips the account off inside the caller's transaction so it
// commits or rolls back together with the clearance decision.
func DeactivateUser(tx *gorm.DB, userId int) error {
	return tx.Model(&User{}).Where("id = ?", userId).
		Update("is_active", false).Error
}

func SignIn(ctx context.Context, userName string, password string) (string, *User, error) {
	user, err := GetUserByUserName(ctx, userName)
	if err != nil {
		return "", nil, errors.New("invalid credentials")
	}
	if user.IsActive != nil && !*user.IsActive {
		return "", nil, errors.New("account is deactivated")
	}
	if err := utils.ComparePassword(user.Password, password); err != nil {
		return "", nil, errors.New("invalid credentials")
	}

	token, err := utils.JwtGenerate(user.ID, user.UserName, user.Role)
	if err != nil {
		return "", nil, err
	}
	return token, user, nil
}
