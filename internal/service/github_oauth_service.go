package service

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/idbroker/idbroker/internal/config"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/endpoints"
)

var GithubOAuthScopes = []string{"user:email", "read:user"}

var GithubAPIURL = "https://api.github.com"

type GithubEmailResponse []struct {
	Email    string `json:"email"`
	Primary  bool   `json:"primary"`
	Verified bool   `json:"verified"`
}

type GithubUserInfoResponse struct {
	Login     string `json:"login"`
	Name      string `json:"name"`
	ID        int    `json:"id"`
	AvatarURL string `json:"avatar_url"`
}

type GithubOAuthService struct {
	config     oauth2.Config
	httpClient *http.Client
	name       string
}

func NewGithubOAuthService(config config.OAuthServiceConfig, timeout time.Duration) *GithubOAuthService {
	return &GithubOAuthService{
		config: oauth2.Config{
			ClientID:     config.ClientID,
			ClientSecret: config.ClientSecret,
			RedirectURL:  config.RedirectURL,
			Scopes:       GithubOAuthScopes,
			Endpoint:     endpoints.GitHub,
		},
		httpClient: &http.Client{
			Timeout: timeout,
		},
		name: config.Name,
	}
}

func (github *GithubOAuthService) Init() error {
	return nil
}

func (github *GithubOAuthService) GetAuthURL(state string, verifier string) string {
	return github.config.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.S256ChallengeOption(verifier))
}

func (github *GithubOAuthService) VerifyCode(ctx context.Context, code string, verifier string) (*oauth2.Token, error) {
	return github.config.Exchange(oauthContext(ctx, github.httpClient), code, oauth2.VerifierOption(verifier))
}

func (github *GithubOAuthService) Userinfo(ctx context.Context, token *oauth2.Token) (config.Claims, error) {
	var user config.Claims

	client := github.config.Client(oauthContext(ctx, github.httpClient), token)

	var userInfo GithubUserInfoResponse

	if err := getJSON(client, GithubAPIURL+"/user", "application/vnd.github+json", &userInfo); err != nil {
		return user, err
	}

	var emails GithubEmailResponse

	if err := getJSON(client, GithubAPIURL+"/user/emails", "application/vnd.github+json", &emails); err != nil {
		return user, err
	}

	if len(emails) == 0 {
		return user, backoff.Permanent(errors.New("no emails found"))
	}

	for _, email := range emails {
		if email.Primary {
			user.Email = email.Email
			break
		}
	}

	// Use first available email if no primary email was found
	if user.Email == "" {
		user.Email = emails[0].Email
	}

	user.PreferredUsername = userInfo.Login
	user.Name = userInfo.Name
	user.Picture = userInfo.AvatarURL
	user.Sub = strconv.Itoa(userInfo.ID)

	return user, nil
}

func (github *GithubOAuthService) GetName() string {
	return github.name
}
