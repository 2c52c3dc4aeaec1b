package repository

import (
	"context"
)

const federatedConnectionColumns = `id, user_id, provider, provider_user_id, profile, access_token, created_at, updated_at`

const getFederatedConnection = `
SELECT ` + federatedConnectionColumns + ` FROM federated_connections
WHERE provider = ? AND provider_user_id = ? LIMIT 1
`

type GetFederatedConnectionParams struct {
	Provider       string
	ProviderUserID string
}

func (q *Queries) GetFederatedConnection(ctx context.Context, arg GetFederatedConnectionParams) (FederatedConnection, error) {
	row := q.db.QueryRowContext(ctx, getFederatedConnection, arg.Provider, arg.ProviderUserID)
	return scanFederatedConnection(row)
}

const upsertFederatedConnection = `
INSERT INTO federated_connections (` + federatedConnectionColumns + `)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (user_id, provider) DO UPDATE SET
    provider_user_id = excluded.provider_user_id,
    profile = excluded.profile,
    access_token = excluded.access_token,
    updated_at = excluded.updated_at
RETURNING ` + federatedConnectionColumns

type UpsertFederatedConnectionParams struct {
	ID             string
	UserID         string
	Provider       string
	ProviderUserID string
	Profile        string
	AccessToken    string
	CreatedAt      int64
	UpdatedAt      int64
}

func (q *Queries) UpsertFederatedConnection(ctx context.Context, arg UpsertFederatedConnectionParams) (FederatedConnection, error) {
	row := q.db.QueryRowContext(ctx, upsertFederatedConnection,
		arg.ID,
		arg.UserID,
		arg.Provider,
		arg.ProviderUserID,
		arg.Profile,
		arg.AccessToken,
		arg.CreatedAt,
		arg.UpdatedAt,
	)
	return scanFederatedConnection(row)
}

const listUserFederatedConnections = `
SELECT ` + federatedConnectionColumns + ` FROM federated_connections
WHERE user_id = ?
ORDER BY provider
`

func (q *Queries) ListUserFederatedConnections(ctx context.Context, userID string) ([]FederatedConnection, error) {
	rows, err := q.db.QueryContext(ctx, listUserFederatedConnections, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []FederatedConnection
	for rows.Next() {
		i, err := scanFederatedConnection(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, i)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

func scanFederatedConnection(row scanner) (FederatedConnection, error) {
	var i FederatedConnection
	err := row.Scan(
		&i.ID,
		&i.UserID,
		&i.Provider,
		&i.ProviderUserID,
		&i.Profile,
		&i.AccessToken,
		&i.CreatedAt,
		&i.UpdatedAt,
	)
	return i, err
}
