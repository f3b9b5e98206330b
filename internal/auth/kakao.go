package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"golang.org/x/oauth2"
)

var KakaoEndpoint = oauth2.Endpoint{
	AuthURL:   "https://kauth.kakao.com/oauth/authorize",
	TokenURL:  "https://kauth.kakao.com/oauth/token",
	AuthStyle: oauth2.AuthStyleInParams,
}

// ErrKakaoExchange marks failures talking to Kakao during login.
var ErrKakaoExchange = errors.New("kakao: authorization failed")

const kakaoAPIBase = "https://kapi.kakao.com"

type KakaoProfile struct {
	ID       string
	Nickname string
}

type KakaoClient struct {
	conf    *oauth2.Config
	apiBase string
}

func NewKakaoClient(clientID, clientSecret, redirectURI string) *KakaoClient {
	return &KakaoClient{
		conf: &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			RedirectURL:  redirectURI,
			Endpoint:     KakaoEndpoint,
		},
		apiBase: kakaoAPIBase,
	}
}

func (k *KakaoClient) AuthCodeURL(state string) string {
	return k.conf.AuthCodeURL(state)
}

// Exchange trades an authorization code for tokens and loads the profile.
func (k *KakaoClient) Exchange(ctx context.Context, code string) (*oauth2.Token, *KakaoProfile, error) {
	tok, err := k.conf.Exchange(ctx, code)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: code exchange: %w", ErrKakaoExchange, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, k.apiBase+"/v2/user/me", nil)
	if err != nil {
		return nil, nil, err
	}
	resp, err := k.conf.Client(ctx, tok).Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: user info: %w", ErrKakaoExchange, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
		return nil, nil, fmt.Errorf("%w: user info status %d", ErrKakaoExchange, resp.StatusCode)
	}

	var me struct {
		ID         int64 `json:"id"`
		Properties struct {
			Nickname string `json:"nickname"`
		} `json:"properties"`
		KakaoAccount struct {
			Profile struct {
				Nickname string `json:"nickname"`
			} `json:"profile"`
		} `json:"kakao_account"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&me); err != nil {
		return nil, nil, fmt.Errorf("%w: decode user info: %w", ErrKakaoExchange, err)
	}

	nickname := me.KakaoAccount.Profile.Nickname
	if nickname == "" {
		nickname = me.Properties.Nickname
	}
	if nickname == "" {
		nickname = "user"
	}
	return tok, &KakaoProfile{ID: strconv.FormatInt(me.ID, 10), Nickname: nickname}, nil
}
