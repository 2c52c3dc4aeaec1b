package repository

import (
	"context"
)

const sessionColumns = `id, user_id, organization_id, provider, totp_pending, expires_at, created_at`

const createSession = `
INSERT INTO sessions (` + sessionColumns + `)
VALUES (?, ?, ?, ?, ?, ?, ?)
RETURNING ` + sessionColumns

type CreateSessionParams struct {
	ID             string
	UserID         string
	OrganizationID string
	Provider       string
	TotpPending    bool
	ExpiresAt      int64
	CreatedAt      int64
}

func (q *Queries) CreateSession(ctx context.Context, arg CreateSessionParams) (Session, error) {
	row := q.db.QueryRowContext(ctx, createSession,
		arg.ID,
		arg.UserID,
		arg.OrganizationID,
		arg.Provider,
		arg.TotpPending,
		arg.ExpiresAt,
		arg.CreatedAt,
	)
	return scanSession(row)
}

const getSession = `
SELECT ` + sessionColumns + ` FROM sessions
WHERE id = ? LIMIT 1
`

func (q *Queries) GetSession(ctx context.Context, id string) (Session, error) {
	row := q.db.QueryRowContext(ctx, getSession, id)
	return scanSession(row)
}

const deleteSession = `
DELETE FROM sessions
WHERE id = ?
`

func (q *Queries) DeleteSession(ctx context.Context, id string) error {
	_, err := q.db.ExecContext(ctx, deleteSession, id)
	return err
}

const deleteUserSessions = `
DELETE FROM sessions
WHERE user_id = ?
`

func (q *Queries) DeleteUserSessions(ctx context.Context, userID string) error {
	_, err := q.db.ExecContext(ctx, deleteUserSessions, userID)
	return err
}

const deleteExpiredSessions = `
DELETE FROM sessions
WHERE expires_at <= ?
`

func (q *Queries) DeleteExpiredSessions(ctx context.Context, now int64) (int64, error) {
	result, err := q.db.ExecContext(ctx, deleteExpiredSessions, now)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func scanSession(row scanner) (Session, error) {
	var i Session
	err := row.Scan(
		&i.ID,
		&i.UserID,
		&i.OrganizationID,
		&i.Provider,
		&i.TotpPending,
		&i.ExpiresAt,
		&i.CreatedAt,
	)
	return i, err
}
