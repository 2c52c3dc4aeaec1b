package repository

import (
	"context"
	"database/sql"
)

const webhookDeliveryColumns = `id, client_id, event, payload, status, status_code, attempts, next_retry_at, error, delivered_at, created_at, updated_at`

const createWebhookDelivery = `
INSERT INTO webhook_deliveries (id, client_id, event, payload, status, attempts, created_at, updated_at)
VALUES (?, ?, ?, ?, 'pending', 0, ?, ?)
RETURNING ` + webhookDeliveryColumns

type CreateWebhookDeliveryParams struct {
	ID        string
	ClientID  string
	Event     string
	Payload   string
	CreatedAt int64
	UpdatedAt int64
}

func (q *Queries) CreateWebhookDelivery(ctx context.Context, arg CreateWebhookDeliveryParams) (WebhookDelivery, error) {
	row := q.db.QueryRowContext(ctx, createWebhookDelivery,
		arg.ID,
		arg.ClientID,
		arg.Event,
		arg.Payload,
		arg.CreatedAt,
		arg.UpdatedAt,
	)
	return scanWebhookDelivery(row)
}

const updateWebhookDelivery = `
UPDATE webhook_deliveries SET
    status = ?,
    status_code = ?,
    attempts = ?,
    next_retry_at = ?,
    error = ?,
    delivered_at = ?,
    updated_at = ?
WHERE id = ?
RETURNING ` + webhookDeliveryColumns

type UpdateWebhookDeliveryParams struct {
	Status      string
	StatusCode  sql.NullInt64
	Attempts    int64
	NextRetryAt sql.NullInt64
	Error       string
	DeliveredAt sql.NullInt64
	UpdatedAt   int64
	ID          string
}

func (q *Queries) UpdateWebhookDelivery(ctx context.Context, arg UpdateWebhookDeliveryParams) (WebhookDelivery, error) {
	row := q.db.QueryRowContext(ctx, updateWebhookDelivery,
		arg.Status,
		arg.StatusCode,
		arg.Attempts,
		arg.NextRetryAt,
		arg.Error,
		arg.DeliveredAt,
		arg.UpdatedAt,
		arg.ID,
	)
	return scanWebhookDelivery(row)
}

const listDueWebhookDeliveries = `
SELECT ` + webhookDeliveryColumns + ` FROM webhook_deliveries
WHERE status = 'failed' AND next_retry_at IS NOT NULL AND next_retry_at <= ? AND attempts < ?
ORDER BY next_retry_at
LIMIT ?
`

type ListDueWebhookDeliveriesParams struct {
	Now         int64
	MaxAttempts int64
	Limit       int64
}

func (q *Queries) ListDueWebhookDeliveries(ctx context.Context, arg ListDueWebhookDeliveriesParams) ([]WebhookDelivery, error) {
	rows, err := q.db.QueryContext(ctx, listDueWebhookDeliveries, arg.Now, arg.MaxAttempts, arg.Limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []WebhookDelivery
	for rows.Next() {
		i, err := scanWebhookDelivery(rows)
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

// Pushes next_retry_at forward only if the row is still due with the attempt
// count the caller saw. A second sweeper loses the race and gets no row.
const claimWebhookDelivery = `
UPDATE webhook_deliveries SET next_retry_at = ?, updated_at = ?
WHERE id = ? AND status = 'failed' AND attempts = ? AND next_retry_at IS NOT NULL AND next_retry_at <= ?
RETURNING ` + webhookDeliveryColumns

type ClaimWebhookDeliveryParams struct {
	LeaseUntil int64
	UpdatedAt  int64
	ID         string
	Attempts   int64
	Now        int64
}

func (q *Queries) ClaimWebhookDelivery(ctx context.Context, arg ClaimWebhookDeliveryParams) (WebhookDelivery, error) {
	row := q.db.QueryRowContext(ctx, claimWebhookDelivery,
		arg.LeaseUntil,
		arg.UpdatedAt,
		arg.ID,
		arg.Attempts,
		arg.Now,
	)
	return scanWebhookDelivery(row)
}

const getWebhookDelivery = `
SELECT ` + webhookDeliveryColumns + ` FROM webhook_deliveries
WHERE id = ? LIMIT 1
`

func (q *Queries) GetWebhookDelivery(ctx context.Context, id string) (WebhookDelivery, error) {
	row := q.db.QueryRowContext(ctx, getWebhookDelivery, id)
	return scanWebhookDelivery(row)
}

const listClientWebhookDeliveries = `
SELECT ` + webhookDeliveryColumns + ` FROM webhook_deliveries
WHERE client_id = ?
ORDER BY created_at, id
`

func (q *Queries) ListClientWebhookDeliveries(ctx context.Context, clientID string) ([]WebhookDelivery, error) {
	rows, err := q.db.QueryContext(ctx, listClientWebhookDeliveries, clientID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []WebhookDelivery
	for rows.Next() {
		i, err := scanWebhookDelivery(rows)
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

func scanWebhookDelivery(row scanner) (WebhookDelivery, error) {
	var i WebhookDelivery
	err := row.Scan(
		&i.ID,
		&i.ClientID,
		&i.Event,
		&i.Payload,
		&i.Status,
		&i.StatusCode,
		&i.Attempts,
		&i.NextRetryAt,
		&i.Error,
		&i.DeliveredAt,
		&i.CreatedAt,
		&i.UpdatedAt,
	)
	return i, err
}
