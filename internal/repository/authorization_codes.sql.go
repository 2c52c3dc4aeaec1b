package repository

import (
	"context"
)

const codeColumns = `code, user_id, client_id, redirect_uri, scope, expires_at, created_at`

const createAuthorizationCode = `
INSERT INTO authorization_codes (` + codeColumns + `)
VALUES (?, ?, ?, ?, ?, ?, ?)
`

type CreateAuthorizationCodeParams struct {
	Code        string
	UserID      string
	ClientID    string
	RedirectURI string
	Scope       string
	ExpiresAt   int64
	CreatedAt   int64
}

func (q *Queries) CreateAuthorizationCode(ctx context.Context, arg CreateAuthorizationCodeParams) error {
	_, err := q.db.ExecContext(ctx, createAuthorizationCode,
		arg.Code,
		arg.UserID,
		arg.ClientID,
		arg.RedirectURI,
		arg.Scope,
		arg.ExpiresAt,
		arg.CreatedAt,
	)
	return err
}

// The row is only removed when every binding matches, so at most one
// concurrent caller gets it back.
const consumeAuthorizationCode = `
DELETE FROM authorization_codes
WHERE code = ? AND client_id = ? AND redirect_uri = ? AND expires_at > ?
RETURNING ` + codeColumns

type ConsumeAuthorizationCodeParams struct {
	Code        string
	ClientID    string
	RedirectURI string
	Now         int64
}

func (q *Queries) ConsumeAuthorizationCode(ctx context.Context, arg ConsumeAuthorizationCodeParams) (AuthorizationCode, error) {
	row := q.db.QueryRowContext(ctx, consumeAuthorizationCode,
		arg.Code,
		arg.ClientID,
		arg.RedirectURI,
		arg.Now,
	)
	return scanAuthorizationCode(row)
}

const getAuthorizationCode = `
SELECT ` + codeColumns + ` FROM authorization_codes
WHERE code = ? LIMIT 1
`

func (q *Queries) GetAuthorizationCode(ctx context.Context, code string) (AuthorizationCode, error) {
	row := q.db.QueryRowContext(ctx, getAuthorizationCode, code)
	return scanAuthorizationCode(row)
}

const deleteAuthorizationCode = `
DELETE FROM authorization_codes
WHERE code = ?
`

func (q *Queries) DeleteAuthorizationCode(ctx context.Context, code string) error {
	_, err := q.db.ExecContext(ctx, deleteAuthorizationCode, code)
	return err
}

const deleteExpiredAuthorizationCodes = `
DELETE FROM authorization_codes
WHERE expires_at <= ?
`

func (q *Queries) DeleteExpiredAuthorizationCodes(ctx context.Context, now int64) (int64, error) {
	result, err := q.db.ExecContext(ctx, deleteExpiredAuthorizationCodes, now)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func scanAuthorizationCode(row scanner) (AuthorizationCode, error) {
	var i AuthorizationCode
	err := row.Scan(
		&i.Code,
		&i.UserID,
		&i.ClientID,
		&i.RedirectURI,
		&i.Scope,
		&i.ExpiresAt,
		&i.CreatedAt,
	)
	return i, err
}
