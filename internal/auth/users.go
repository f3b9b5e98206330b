package auth

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/suPer8Hu/chat-relay/internal/models"
)

var ErrUserNotFound = errors.New("auth: user not found")

type UserRepo struct {
	db *gorm.DB
}

func NewUserRepo(db *gorm.DB) *UserRepo {
	return &UserRepo{db: db}
}

// UpsertKakaoUser creates the user on first login and refreshes the nickname
// and provider tokens afterwards.
func (r *UserRepo) UpsertKakaoUser(ctx context.Context, kakaoID, nickname string, access, refresh *string) (*models.User, error) {
	u := models.User{
		ID:                uuid.NewString(),
		KakaoID:           kakaoID,
		Nickname:          nickname,
		KakaoAccessToken:  access,
		KakaoRefreshToken: refresh,
	}
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "kakao_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"nickname", "kakao_access_token", "kakao_refresh_token", "updated_at"}),
	}).Create(&u).Error
	if err != nil {
		return nil, err
	}

	var stored models.User
	if err := r.db.WithContext(ctx).Where("kakao_id = ?", kakaoID).First(&stored).Error; err != nil {
		return nil, err
	}
	return &stored, nil
}

func (r *UserRepo) Get(ctx context.Context, id string) (*models.User, error) {
	var u models.User
	if err := r.db.WithContext(ctx).First(&u, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	return &u, nil
}
