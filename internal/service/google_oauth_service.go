package service

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/idbroker/idbroker/internal/config"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/endpoints"
)

var GoogleOAuthScopes = []string{"https://www.googleapis.com/auth/userinfo.email", "https://www.googleapis.com/auth/userinfo.profile"}

var GoogleUserinfoURL = "https://www.googleapis.com/userinfo/v2/me"

type GoogleUserInfoResponse struct {
	ID         string `json:"id"`
	Email      string `json:"email"`
	Name       string `json:"name"`
	GivenName  string `json:"given_name"`
	FamilyName string `json:"family_name"`
	Picture    string `json:"picture"`
}

type GoogleOAuthService struct {
	config     oauth2.Config
	httpClient *http.Client
	name       string
}

func NewGoogleOAuthService(config config.OAuthServiceConfig, timeout time.Duration) *GoogleOAuthService {
	return &GoogleOAuthService{
		config: oauth2.Config{
			ClientID:     config.ClientID,
			ClientSecret: config.ClientSecret,
			RedirectURL:  config.RedirectURL,
			Scopes:       GoogleOAuthScopes,
			Endpoint:     endpoints.Google,
		},
		httpClient: &http.Client{
			Timeout: timeout,
		},
		name: config.Name,
	}
}

func (google *GoogleOAuthService) Init() error {
	return nil
}

func (google *GoogleOAuthService) GetAuthURL(state string, verifier string) string {
	return google.config.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.S256ChallengeOption(verifier))
}

func (google *GoogleOAuthService) VerifyCode(ctx context.Context, code string, verifier string) (*oauth2.Token, error) {
	return google.config.Exchange(oauthContext(ctx, google.httpClient), code, oauth2.VerifierOption(verifier))
}

func (google *GoogleOAuthService) Userinfo(ctx context.Context, token *oauth2.Token) (config.Claims, error) {
	client := google.config.Client(oauthContext(ctx, google.httpClient), token)

	var userInfo GoogleUserInfoResponse

	if err := getJSON(client, GoogleUserinfoURL, "application/json", &userInfo); err != nil {
		return config.Claims{}, err
	}

	return config.Claims{
		Sub:               userInfo.ID,
		Name:              userInfo.Name,
		GivenName:         userInfo.GivenName,
		FamilyName:        userInfo.FamilyName,
		Email:             userInfo.Email,
		PreferredUsername: strings.Split(userInfo.Email, "@")[0],
		Picture:           userInfo.Picture,
	}, nil
}

func (google *GoogleOAuthService) GetName() string {
	return google.name
}
