package repository

import (
	"context"
	"database/sql"
)

const userColumns = `id, organization_id, email, national_id, name, given_name, family_name, localized_names, picture, attributes, password_hash, totp_secret, email_verified_at, phone_verified_at, identity_verified_at, failed_login_attempts, locked_until, last_login_at, last_login_ip, last_login_provider, created_at, updated_at`

const createUser = `
INSERT INTO users (id, organization_id, email, national_id, name, given_name, family_name, localized_names, picture, attributes, password_hash, totp_secret, email_verified_at, identity_verified_at, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
RETURNING ` + userColumns

type CreateUserParams struct {
	ID                 string
	OrganizationID     string
	Email              sql.NullString
	NationalID         sql.NullString
	Name               string
	GivenName          string
	FamilyName         string
	LocalizedNames     string
	Picture            string
	Attributes         string
	PasswordHash       string
	TotpSecret         string
	EmailVerifiedAt    sql.NullInt64
	IdentityVerifiedAt sql.NullInt64
	CreatedAt          int64
	UpdatedAt          int64
}

func (q *Queries) CreateUser(ctx context.Context, arg CreateUserParams) (User, error) {
	row := q.db.QueryRowContext(ctx, createUser,
		arg.ID,
		arg.OrganizationID,
		arg.Email,
		arg.NationalID,
		arg.Name,
		arg.GivenName,
		arg.FamilyName,
		arg.LocalizedNames,
		arg.Picture,
		arg.Attributes,
		arg.PasswordHash,
		arg.TotpSecret,
		arg.EmailVerifiedAt,
		arg.IdentityVerifiedAt,
		arg.CreatedAt,
		arg.UpdatedAt,
	)
	return scanUser(row)
}

const getUser = `
SELECT ` + userColumns + ` FROM users
WHERE id = ? LIMIT 1
`

func (q *Queries) GetUser(ctx context.Context, id string) (User, error) {
	row := q.db.QueryRowContext(ctx, getUser, id)
	return scanUser(row)
}

const getUserByEmail = `
SELECT ` + userColumns + ` FROM users
WHERE organization_id = ? AND email = ? LIMIT 1
`

type GetUserByEmailParams struct {
	OrganizationID string
	Email          string
}

func (q *Queries) GetUserByEmail(ctx context.Context, arg GetUserByEmailParams) (User, error) {
	row := q.db.QueryRowContext(ctx, getUserByEmail, arg.OrganizationID, arg.Email)
	return scanUser(row)
}

const getUserByNationalID = `
SELECT ` + userColumns + ` FROM users
WHERE organization_id = ? AND national_id = ? LIMIT 1
`

type GetUserByNationalIDParams struct {
	OrganizationID string
	NationalID     string
}

func (q *Queries) GetUserByNationalID(ctx context.Context, arg GetUserByNationalIDParams) (User, error) {
	row := q.db.QueryRowContext(ctx, getUserByNationalID, arg.OrganizationID, arg.NationalID)
	return scanUser(row)
}

const updateUserProfile = `
UPDATE users SET
    email = COALESCE(?, email),
    national_id = COALESCE(?, national_id),
    name = ?,
    given_name = ?,
    family_name = ?,
    localized_names = ?,
    picture = ?,
    attributes = ?,
    email_verified_at = COALESCE(email_verified_at, ?),
    identity_verified_at = COALESCE(identity_verified_at, ?),
    updated_at = ?
WHERE id = ?
RETURNING ` + userColumns

type UpdateUserProfileParams struct {
	Email              sql.NullString
	NationalID         sql.NullString
	Name               string
	GivenName          string
	FamilyName         string
	LocalizedNames     string
	Picture            string
	Attributes         string
	EmailVerifiedAt    sql.NullInt64
	IdentityVerifiedAt sql.NullInt64
	UpdatedAt          int64
	ID                 string
}

func (q *Queries) UpdateUserProfile(ctx context.Context, arg UpdateUserProfileParams) (User, error) {
	row := q.db.QueryRowContext(ctx, updateUserProfile,
		arg.Email,
		arg.NationalID,
		arg.Name,
		arg.GivenName,
		arg.FamilyName,
		arg.LocalizedNames,
		arg.Picture,
		arg.Attributes,
		arg.EmailVerifiedAt,
		arg.IdentityVerifiedAt,
		arg.UpdatedAt,
		arg.ID,
	)
	return scanUser(row)
}

const setUserPassword = `
UPDATE users SET password_hash = ?, updated_at = ?
WHERE id = ?
`

type SetUserPasswordParams struct {
	PasswordHash string
	UpdatedAt    int64
	ID           string
}

func (q *Queries) SetUserPassword(ctx context.Context, arg SetUserPasswordParams) error {
	_, err := q.db.ExecContext(ctx, setUserPassword, arg.PasswordHash, arg.UpdatedAt, arg.ID)
	return err
}

const setUserTotpSecret = `
UPDATE users SET totp_secret = ?, updated_at = ?
WHERE id = ?
`

type SetUserTotpSecretParams struct {
	TotpSecret string
	UpdatedAt  int64
	ID         string
}

func (q *Queries) SetUserTotpSecret(ctx context.Context, arg SetUserTotpSecretParams) error {
	_, err := q.db.ExecContext(ctx, setUserTotpSecret, arg.TotpSecret, arg.UpdatedAt, arg.ID)
	return err
}

const recordLoginFailure = `
UPDATE users SET
    failed_login_attempts = failed_login_attempts + 1,
    locked_until = CASE WHEN failed_login_attempts + 1 >= ? THEN ? ELSE locked_until END,
    updated_at = ?
WHERE id = ?
RETURNING ` + userColumns

type RecordLoginFailureParams struct {
	MaxAttempts int64
	LockedUntil int64
	UpdatedAt   int64
	ID          string
}

func (q *Queries) RecordLoginFailure(ctx context.Context, arg RecordLoginFailureParams) (User, error) {
	row := q.db.QueryRowContext(ctx, recordLoginFailure,
		arg.MaxAttempts,
		arg.LockedUntil,
		arg.UpdatedAt,
		arg.ID,
	)
	return scanUser(row)
}

const recordLoginSuccess = `
UPDATE users SET
    failed_login_attempts = 0,
    locked_until = NULL,
    last_login_at = ?,
    last_login_ip = ?,
    last_login_provider = ?,
    updated_at = ?
WHERE id = ?
`

type RecordLoginSuccessParams struct {
	LastLoginAt       int64
	LastLoginIp       string
	LastLoginProvider string
	UpdatedAt         int64
	ID                string
}

func (q *Queries) RecordLoginSuccess(ctx context.Context, arg RecordLoginSuccessParams) error {
	_, err := q.db.ExecContext(ctx, recordLoginSuccess,
		arg.LastLoginAt,
		arg.LastLoginIp,
		arg.LastLoginProvider,
		arg.UpdatedAt,
		arg.ID,
	)
	return err
}

func scanUser(row scanner) (User, error) {
	var i User
	err := row.Scan(
		&i.ID,
		&i.OrganizationID,
		&i.Email,
		&i.NationalID,
		&i.Name,
		&i.GivenName,
		&i.FamilyName,
		&i.LocalizedNames,
		&i.Picture,
		&i.Attributes,
		&i.PasswordHash,
		&i.TotpSecret,
		&i.EmailVerifiedAt,
		&i.PhoneVerifiedAt,
		&i.IdentityVerifiedAt,
		&i.FailedLoginAttempts,
		&i.LockedUntil,
		&i.LastLoginAt,
		&i.LastLoginIp,
		&i.LastLoginProvider,
		&i.CreatedAt,
		&i.UpdatedAt,
	)
	return i, err
}
