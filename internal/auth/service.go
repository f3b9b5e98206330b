package auth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/suPer8Hu/chat-relay/internal/models"
)

var (
	ErrInvalidState  = errors.New("auth: oauth state missing or expired")
	ErrNotConfigured = errors.New("auth: kakao login is not configured")
)

const stateTTL = 10 * time.Minute

// StateStore keeps one-time OAuth state nonces.
type StateStore interface {
	SaveOAuthState(ctx context.Context, state string, ttl time.Duration) error
	ConsumeOAuthState(ctx context.Context, state string) (bool, error)
}

type Service struct {
	kakao  *KakaoClient
	users  *UserRepo
	signer *Signer
	states StateStore
	log    *zap.Logger
}

func NewService(kakao *KakaoClient, users *UserRepo, signer *Signer, states StateStore, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{kakao: kakao, users: users, signer: signer, states: states, log: log.Named("auth")}
}

func (s *Service) Signer() *Signer { return s.signer }

// LoginURL returns the Kakao authorize URL with a fresh state nonce.
func (s *Service) LoginURL(ctx context.Context) (string, error) {
	if s.kakao == nil || s.kakao.conf.ClientID == "" {
		return "", ErrNotConfigured
	}
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	state := base64.RawURLEncoding.EncodeToString(b)
	if s.states != nil {
		if err := s.states.SaveOAuthState(ctx, state, stateTTL); err != nil {
			return "", err
		}
	}
	return s.kakao.AuthCodeURL(state), nil
}

// Login exchanges a Kakao code, upserts the user and signs a session token.
// With a state store configured, state must match a nonce issued by LoginURL.
func (s *Service) Login(ctx context.Context, code, state string) (string, *models.User, error) {
	if s.kakao == nil || s.kakao.conf.ClientID == "" {
		return "", nil, ErrNotConfigured
	}
	if s.states != nil {
		if state == "" {
			return "", nil, ErrInvalidState
		}
		ok, err := s.states.ConsumeOAuthState(ctx, state)
		if err != nil {
			return "", nil, err
		}
		if !ok {
			return "", nil, ErrInvalidState
		}
	}

	tok, profile, err := s.kakao.Exchange(ctx, code)
	if err != nil {
		return "", nil, err
	}
	var refresh *string
	if tok.RefreshToken != "" {
		refresh = &tok.RefreshToken
	}
	user, err := s.users.UpsertKakaoUser(ctx, profile.ID, profile.Nickname, &tok.AccessToken, refresh)
	if err != nil {
		return "", nil, err
	}

	token, err := s.signer.Sign(user.ID)
	if err != nil {
		return "", nil, err
	}
	s.log.Info("kakao login", zap.String("user_id", user.ID))
	return token, user, nil
}

func (s *Service) Me(ctx context.Context, userID string) (*models.User, error) {
	return s.users.Get(ctx, userID)
}
