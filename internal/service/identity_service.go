package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"strings"
	"time"

	"github.com/idbroker/idbroker/internal/repository"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// IdentityProfile is what a login source knows about a user. Empty fields
// leave the stored value untouched on update.
type IdentityProfile struct {
	Email            string              `json:"email,omitempty"`
	EmailVerified    bool                `json:"email_verified,omitempty"`
	NationalID       string              `json:"national_id,omitempty"`
	IdentityVerified bool                `json:"identity_verified,omitempty"`
	Name             string              `json:"name,omitempty"`
	GivenName        string              `json:"given_name,omitempty"`
	FamilyName       string              `json:"family_name,omitempty"`
	Picture          string              `json:"picture,omitempty"`
	LocalizedNames   map[string]string   `json:"localized_names,omitempty"`
	Attributes       map[string][]string `json:"attributes,omitempty"`
}

type UserInfo struct {
	Sub            string            `json:"sub"`
	Email          string            `json:"email"`
	EmailVerified  bool              `json:"email_verified"`
	Name           string            `json:"name"`
	GivenName      string            `json:"given_name,omitempty"`
	FamilyName     string            `json:"family_name,omitempty"`
	Picture        string            `json:"picture,omitempty"`
	LocalizedNames map[string]string `json:"localized_names,omitempty"`
	Organization   string            `json:"org,omitempty"`
}

type IdentityServiceConfig struct {
	LoginMaxRetries int
	LoginTimeout    int
	Now             func() time.Time
}

type IdentityService struct {
	config  IdentityServiceConfig
	queries *repository.Queries
	now     func() time.Time
}

func NewIdentityService(config IdentityServiceConfig, queries *repository.Queries) *IdentityService {
	now := config.Now
	if now == nil {
		now = time.Now
	}
	return &IdentityService{
		config:  config,
		queries: queries,
		now:     now,
	}
}

func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func notFound(err error, what string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", ErrNotFound, what)
	}
	return fmt.Errorf("failed to get %s: %w", what, err)
}

func (identity *IdentityService) GetUser(ctx context.Context, id string) (repository.User, error) {
	user, err := identity.queries.GetUser(ctx, id)
	if err != nil {
		return repository.User{}, notFound(err, "user")
	}
	return user, nil
}

func (identity *IdentityService) FindByEmail(ctx context.Context, organizationID string, email string) (repository.User, error) {
	user, err := identity.queries.GetUserByEmail(ctx, repository.GetUserByEmailParams{
		OrganizationID: organizationID,
		Email:          NormalizeEmail(email),
	})
	if err != nil {
		return repository.User{}, notFound(err, "user")
	}
	return user, nil
}

func (identity *IdentityService) FindByNationalID(ctx context.Context, organizationID string, nationalID string) (repository.User, error) {
	user, err := identity.queries.GetUserByNationalID(ctx, repository.GetUserByNationalIDParams{
		OrganizationID: organizationID,
		NationalID:     nationalID,
	})
	if err != nil {
		return repository.User{}, notFound(err, "user")
	}
	return user, nil
}

// Find matches by national id first, then by email
func (identity *IdentityService) Find(ctx context.Context, organizationID string, profile IdentityProfile) (repository.User, error) {
	if profile.NationalID != "" {
		user, err := identity.FindByNationalID(ctx, organizationID, profile.NationalID)
		if !errors.Is(err, ErrNotFound) {
			return user, err
		}
	}

	if profile.Email != "" {
		return identity.FindByEmail(ctx, organizationID, profile.Email)
	}

	return repository.User{}, fmt.Errorf("%w: user", ErrNotFound)
}

func (identity *IdentityService) FindOrCreate(ctx context.Context, organizationID string, profile IdentityProfile) (repository.User, bool, error) {
	user, err := identity.Find(ctx, organizationID, profile)

	if err == nil {
		user, err = identity.UpdateProfile(ctx, user, profile)
		return user, false, err
	}

	if !errors.Is(err, ErrNotFound) {
		return repository.User{}, false, err
	}

	user, err = identity.Create(ctx, organizationID, profile, "")

	// a concurrent first login created the row between our read and insert
	if errors.Is(err, ErrConflict) {
		user, err = identity.Find(ctx, organizationID, profile)
		if err != nil {
			return repository.User{}, false, err
		}
		user, err = identity.UpdateProfile(ctx, user, profile)
		return user, false, err
	}

	return user, err == nil, err
}

func (identity *IdentityService) Create(ctx context.Context, organizationID string, profile IdentityProfile, passwordHash string) (repository.User, error) {
	if profile.Email == "" && profile.NationalID == "" {
		return repository.User{}, fmt.Errorf("%w: an email or national id is required", ErrValidation)
	}

	localized, err := json.Marshal(nonNilMap(profile.LocalizedNames))
	if err != nil {
		return repository.User{}, err
	}

	attributes, err := json.Marshal(nonNilMap(profile.Attributes))
	if err != nil {
		return repository.User{}, err
	}

	now := identity.now().Unix()

	user, err := identity.queries.CreateUser(ctx, repository.CreateUserParams{
		ID:                 uuid.NewString(),
		OrganizationID:     organizationID,
		Email:              nullString(NormalizeEmail(profile.Email)),
		NationalID:         nullString(profile.NationalID),
		Name:               displayName(profile),
		GivenName:          profile.GivenName,
		FamilyName:         profile.FamilyName,
		LocalizedNames:     string(localized),
		Picture:            profile.Picture,
		Attributes:         string(attributes),
		PasswordHash:       passwordHash,
		EmailVerifiedAt:    nullTime(profile.EmailVerified, now),
		IdentityVerifiedAt: nullTime(profile.IdentityVerified, now),
		CreatedAt:          now,
		UpdatedAt:          now,
	})

	if repository.IsUniqueViolation(err) {
		return repository.User{}, fmt.Errorf("%w: user already exists in organization", ErrConflict)
	}

	if err != nil {
		return repository.User{}, fmt.Errorf("failed to create user: %w", err)
	}

	log.Info().Str("user_id", user.ID).Str("organization_id", organizationID).Msg("Created user")
	return user, nil
}

func (identity *IdentityService) UpdateProfile(ctx context.Context, user repository.User, profile IdentityProfile) (repository.User, error) {
	localized := map[string]string{}
	if user.LocalizedNames != "" {
		if err := json.Unmarshal([]byte(user.LocalizedNames), &localized); err != nil {
			log.Warn().Err(err).Str("user_id", user.ID).Msg("Discarding unreadable localized names")
			localized = map[string]string{}
		}
	}
	maps.Copy(localized, profile.LocalizedNames)

	localizedJSON, err := json.Marshal(localized)
	if err != nil {
		return repository.User{}, err
	}

	attributes := user.Attributes
	if len(profile.Attributes) > 0 {
		encoded, err := json.Marshal(profile.Attributes)
		if err != nil {
			return repository.User{}, err
		}
		attributes = string(encoded)
	}

	now := identity.now().Unix()

	updated, err := identity.queries.UpdateUserProfile(ctx, repository.UpdateUserProfileParams{
		Email:              nullString(NormalizeEmail(profile.Email)),
		NationalID:         nullString(profile.NationalID),
		Name:               firstNonEmpty(displayName(profile), user.Name),
		GivenName:          firstNonEmpty(profile.GivenName, user.GivenName),
		FamilyName:         firstNonEmpty(profile.FamilyName, user.FamilyName),
		LocalizedNames:     string(localizedJSON),
		Picture:            firstNonEmpty(profile.Picture, user.Picture),
		Attributes:         attributes,
		EmailVerifiedAt:    nullTime(profile.EmailVerified, now),
		IdentityVerifiedAt: nullTime(profile.IdentityVerified, now),
		UpdatedAt:          now,
		ID:                 user.ID,
	})

	if repository.IsUniqueViolation(err) {
		return repository.User{}, fmt.Errorf("%w: email or national id already used in organization", ErrConflict)
	}

	if err != nil {
		return repository.User{}, fmt.Errorf("failed to update user: %w", err)
	}

	return updated, nil
}

func (identity *IdentityService) lockoutEnabled() bool {
	return identity.config.LoginMaxRetries > 0 && identity.config.LoginTimeout > 0
}

func (identity *IdentityService) CheckLockout(user repository.User) error {
	if !identity.lockoutEnabled() || !user.LockedUntil.Valid {
		return nil
	}

	until := time.Unix(user.LockedUntil.Int64, 0)
	if identity.now().Before(until) {
		return &AccountLockedError{Until: until}
	}

	return nil
}

// RecordLoginFailure bumps the counter and returns an AccountLockedError once
// the account crosses the retry limit
func (identity *IdentityService) RecordLoginFailure(ctx context.Context, user repository.User) error {
	if !identity.lockoutEnabled() {
		return nil
	}

	now := identity.now()
	lockedUntil := now.Add(time.Duration(identity.config.LoginTimeout) * time.Second)

	updated, err := identity.queries.RecordLoginFailure(ctx, repository.RecordLoginFailureParams{
		MaxAttempts: int64(identity.config.LoginMaxRetries),
		LockedUntil: lockedUntil.Unix(),
		UpdatedAt:   now.Unix(),
		ID:          user.ID,
	})
	if err != nil {
		return fmt.Errorf("failed to record login failure: %w", err)
	}

	if updated.LockedUntil.Valid && updated.LockedUntil.Int64 > now.Unix() {
		log.Warn().Str("user_id", user.ID).Int("timeout", identity.config.LoginTimeout).Msg("Account locked due to too many failed login attempts")
		return &AccountLockedError{Until: time.Unix(updated.LockedUntil.Int64, 0)}
	}

	return nil
}

func (identity *IdentityService) RecordLoginSuccess(ctx context.Context, user repository.User, ip string, provider string) error {
	now := identity.now().Unix()
	err := identity.queries.RecordLoginSuccess(ctx, repository.RecordLoginSuccessParams{
		LastLoginAt:       now,
		LastLoginIp:       ip,
		LastLoginProvider: provider,
		UpdatedAt:         now,
		ID:                user.ID,
	})
	if err != nil {
		return fmt.Errorf("failed to record login: %w", err)
	}
	return nil
}

func (identity *IdentityService) SetPasswordHash(ctx context.Context, userID string, hash string) error {
	return identity.queries.SetUserPassword(ctx, repository.SetUserPasswordParams{
		PasswordHash: hash,
		UpdatedAt:    identity.now().Unix(),
		ID:           userID,
	})
}

func (identity *IdentityService) SetTotpSecret(ctx context.Context, userID string, secret string) error {
	return identity.queries.SetUserTotpSecret(ctx, repository.SetUserTotpSecretParams{
		TotpSecret: secret,
		UpdatedAt:  identity.now().Unix(),
		ID:         userID,
	})
}

// UserInfo is the public projection of a user, it never carries credentials
func (identity *IdentityService) UserInfo(user repository.User, organizationSlug string) UserInfo {
	info := UserInfo{
		Sub:           user.ID,
		Email:         user.Email.String,
		EmailVerified: user.EmailVerifiedAt.Valid,
		Name:          user.Name,
		GivenName:     user.GivenName,
		FamilyName:    user.FamilyName,
		Picture:       user.Picture,
		Organization:  organizationSlug,
	}

	if user.LocalizedNames != "" {
		localized := map[string]string{}
		if err := json.Unmarshal([]byte(user.LocalizedNames), &localized); err == nil && len(localized) > 0 {
			info.LocalizedNames = localized
		}
	}

	return info
}

func displayName(profile IdentityProfile) string {
	if profile.Name != "" {
		return profile.Name
	}
	return strings.TrimSpace(profile.GivenName + " " + profile.FamilyName)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(set bool, unix int64) sql.NullInt64 {
	return sql.NullInt64{Int64: unix, Valid: set}
}

func nonNilMap[M ~map[K]V, K comparable, V any](m M) M {
	if m == nil {
		return M{}
	}
	return m
}
