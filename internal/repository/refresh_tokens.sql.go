package repository

import (
	"context"
)

const refreshTokenColumns = `id, token, user_id, client_id, scope, expires_at, revoked, created_at, updated_at`

const createRefreshToken = `
INSERT INTO refresh_tokens (` + refreshTokenColumns + `)
VALUES (?, ?, ?, ?, ?, ?, 0, ?, ?)
RETURNING ` + refreshTokenColumns

type CreateRefreshTokenParams struct {
	ID        string
	Token     string
	UserID    string
	ClientID  string
	Scope     string
	ExpiresAt int64
	CreatedAt int64
	UpdatedAt int64
}

func (q *Queries) CreateRefreshToken(ctx context.Context, arg CreateRefreshTokenParams) (RefreshToken, error) {
	row := q.db.QueryRowContext(ctx, createRefreshToken,
		arg.ID,
		arg.Token,
		arg.UserID,
		arg.ClientID,
		arg.Scope,
		arg.ExpiresAt,
		arg.CreatedAt,
		arg.UpdatedAt,
	)
	return scanRefreshToken(row)
}

// Swaps the token value in place, the old value stops matching in the same
// statement that makes the new one valid.
const rotateRefreshToken = `
UPDATE refresh_tokens SET token = ?, updated_at = ?
WHERE token = ? AND client_id = ? AND revoked = 0 AND expires_at > ?
RETURNING ` + refreshTokenColumns

type RotateRefreshTokenParams struct {
	NewToken  string
	UpdatedAt int64
	OldToken  string
	ClientID  string
	Now       int64
}

func (q *Queries) RotateRefreshToken(ctx context.Context, arg RotateRefreshTokenParams) (RefreshToken, error) {
	row := q.db.QueryRowContext(ctx, rotateRefreshToken,
		arg.NewToken,
		arg.UpdatedAt,
		arg.OldToken,
		arg.ClientID,
		arg.Now,
	)
	return scanRefreshToken(row)
}

const getRefreshToken = `
SELECT ` + refreshTokenColumns + ` FROM refresh_tokens
WHERE token = ? LIMIT 1
`

func (q *Queries) GetRefreshToken(ctx context.Context, token string) (RefreshToken, error) {
	row := q.db.QueryRowContext(ctx, getRefreshToken, token)
	return scanRefreshToken(row)
}

const deleteRefreshToken = `
DELETE FROM refresh_tokens
WHERE token = ?
`

func (q *Queries) DeleteRefreshToken(ctx context.Context, token string) error {
	_, err := q.db.ExecContext(ctx, deleteRefreshToken, token)
	return err
}

const deleteClientRefreshToken = `
DELETE FROM refresh_tokens
WHERE token = ? AND client_id = ?
`

type DeleteClientRefreshTokenParams struct {
	Token    string
	ClientID string
}

func (q *Queries) DeleteClientRefreshToken(ctx context.Context, arg DeleteClientRefreshTokenParams) (int64, error) {
	result, err := q.db.ExecContext(ctx, deleteClientRefreshToken, arg.Token, arg.ClientID)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

const revokeUserRefreshTokens = `
UPDATE refresh_tokens SET revoked = 1, updated_at = ?
WHERE user_id = ? AND revoked = 0
`

type RevokeUserRefreshTokensParams struct {
	UpdatedAt int64
	UserID    string
}

func (q *Queries) RevokeUserRefreshTokens(ctx context.Context, arg RevokeUserRefreshTokensParams) (int64, error) {
	result, err := q.db.ExecContext(ctx, revokeUserRefreshTokens, arg.UpdatedAt, arg.UserID)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

const deleteExpiredRefreshTokens = `
DELETE FROM refresh_tokens
WHERE expires_at <= ? OR revoked = 1
`

func (q *Queries) DeleteExpiredRefreshTokens(ctx context.Context, now int64) (int64, error) {
	result, err := q.db.ExecContext(ctx, deleteExpiredRefreshTokens, now)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func scanRefreshToken(row scanner) (RefreshToken, error) {
	var i RefreshToken
	err := row.Scan(
		&i.ID,
		&i.Token,
		&i.UserID,
		&i.ClientID,
		&i.Scope,
		&i.ExpiresAt,
		&i.Revoked,
		&i.CreatedAt,
		&i.UpdatedAt,
	)
	return i, err
}
