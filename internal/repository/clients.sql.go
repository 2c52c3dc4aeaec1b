package repository

import (
	"context"
)

const clientColumns = `client_id, client_secret_hash, name, organization_id, redirect_uri, scopes, status, access_token_ttl, refresh_enabled, webhook_url, webhook_secret, created_at, updated_at`

const upsertClient = `
INSERT INTO clients (` + clientColumns + `)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (client_id) DO UPDATE SET
    client_secret_hash = excluded.client_secret_hash,
    name = excluded.name,
    organization_id = excluded.organization_id,
    redirect_uri = excluded.redirect_uri,
    scopes = excluded.scopes,
    status = excluded.status,
    access_token_ttl = excluded.access_token_ttl,
    refresh_enabled = excluded.refresh_enabled,
    webhook_url = excluded.webhook_url,
    webhook_secret = excluded.webhook_secret,
    updated_at = excluded.updated_at
RETURNING ` + clientColumns

type UpsertClientParams struct {
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

func (q *Queries) UpsertClient(ctx context.Context, arg UpsertClientParams) (Client, error) {
	row := q.db.QueryRowContext(ctx, upsertClient,
		arg.ClientID,
		arg.ClientSecretHash,
		arg.Name,
		arg.OrganizationID,
		arg.RedirectURI,
		arg.Scopes,
		arg.Status,
		arg.AccessTokenTtl,
		arg.RefreshEnabled,
		arg.WebhookURL,
		arg.WebhookSecret,
		arg.CreatedAt,
		arg.UpdatedAt,
	)
	return scanClient(row)
}

const getClient = `
SELECT ` + clientColumns + ` FROM clients
WHERE client_id = ? LIMIT 1
`

func (q *Queries) GetClient(ctx context.Context, clientID string) (Client, error) {
	row := q.db.QueryRowContext(ctx, getClient, clientID)
	return scanClient(row)
}

const listClients = `
SELECT ` + clientColumns + ` FROM clients
ORDER BY client_id
`

func (q *Queries) ListClients(ctx context.Context) ([]Client, error) {
	rows, err := q.db.QueryContext(ctx, listClients)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []Client
	for rows.Next() {
		i, err := scanClient(rows)
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

const deleteClient = `
DELETE FROM clients
WHERE client_id = ?
`

func (q *Queries) DeleteClient(ctx context.Context, clientID string) error {
	_, err := q.db.ExecContext(ctx, deleteClient, clientID)
	return err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanClient(row scanner) (Client, error) {
	var i Client
	err := row.Scan(
		&i.ClientID,
		&i.ClientSecretHash,
		&i.Name,
		&i.OrganizationID,
		&i.RedirectURI,
		&i.Scopes,
		&i.Status,
		&i.AccessTokenTtl,
		&i.RefreshEnabled,
		&i.WebhookURL,
		&i.WebhookSecret,
		&i.CreatedAt,
		&i.UpdatedAt,
	)
	return i, err
}
