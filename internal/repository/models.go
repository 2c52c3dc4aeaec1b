package repository

import (
	"database/sql"
)

type AuthorizationCode struct {
	Code        string
	UserID      string
	ClientID    string
	RedirectURI string
	Scope       string
	ExpiresAt   int64
	CreatedAt   int64
}

type Client struct {
	ClientID         string
	ClientSecretHash string
	Name             string
	OrganizationID   string
	RedirectURI      string
	Scopes           string
	Status           string
	AccessTokenTtl   int64
	RefreshEnabled   bool
	WebhookURL       string
	WebhookSecret    string
	CreatedAt        int64
	UpdatedAt        int64
}

type FederatedConnection struct {
	ID             string
	UserID         string
	Provider       string
	ProviderUserID string
	Profile        string
	AccessToken    string
	CreatedAt      int64
	UpdatedAt      int64
}

type Organization struct {
	ID        string
	Slug      string
	Name      string
	CreatedAt int64
	UpdatedAt int64
}

type RefreshToken struct {
	ID        string
	Token     string
	UserID    string
	ClientID  string
	Scope     string
	ExpiresAt int64
	Revoked   bool
	CreatedAt int64
	UpdatedAt int64
}

type Session struct {
	ID             string
	UserID         string
	OrganizationID string
	Provider       string
	TotpPending    bool
	ExpiresAt      int64
	CreatedAt      int64
}

type User struct {
	ID                  string
	OrganizationID      string
	Email               sql.NullString
	NationalID          sql.NullString
	Name                string
	GivenName           string
	FamilyName          string
	LocalizedNames      string
	Picture             string
	Attributes          string
	PasswordHash        string
	TotpSecret          string
	EmailVerifiedAt     sql.NullInt64
	PhoneVerifiedAt     sql.NullInt64
	IdentityVerifiedAt  sql.NullInt64
	FailedLoginAttempts int64
	LockedUntil         sql.NullInt64
	LastLoginAt         sql.NullInt64
	LastLoginIp         string
	LastLoginProvider   string
	CreatedAt           int64
	UpdatedAt           int64
}

type WebhookDelivery struct {
	ID          string
	ClientID    string
	Event       string
	Payload     string
	Status      string
	StatusCode  sql.NullInt64
	Attempts    int64
	NextRetryAt sql.NullInt64
	Error       string
	DeliveredAt sql.NullInt64
	CreatedAt   int64
	UpdatedAt   int64
}
