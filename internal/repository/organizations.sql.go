package repository

import (
	"context"
)

const upsertOrganization = `
INSERT INTO organizations (id, slug, name, created_at, updated_at)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT (slug) DO UPDATE SET name = excluded.name, updated_at = excluded.updated_at
RETURNING id, slug, name, created_at, updated_at
`

type UpsertOrganizationParams struct {
	ID        string
	Slug      string
	Name      string
	CreatedAt int64
	UpdatedAt int64
}

func (q *Queries) UpsertOrganization(ctx context.Context, arg UpsertOrganizationParams) (Organization, error) {
	row := q.db.QueryRowContext(ctx, upsertOrganization,
		arg.ID,
		arg.Slug,
		arg.Name,
		arg.CreatedAt,
		arg.UpdatedAt,
	)
	var i Organization
	err := row.Scan(
		&i.ID,
		&i.Slug,
		&i.Name,
		&i.CreatedAt,
		&i.UpdatedAt,
	)
	return i, err
}

const getOrganizationBySlug = `
SELECT id, slug, name, created_at, updated_at FROM organizations
WHERE slug = ? LIMIT 1
`

func (q *Queries) GetOrganizationBySlug(ctx context.Context, slug string) (Organization, error) {
	row := q.db.QueryRowContext(ctx, getOrganizationBySlug, slug)
	var i Organization
	err := row.Scan(
		&i.ID,
		&i.Slug,
		&i.Name,
		&i.CreatedAt,
		&i.UpdatedAt,
	)
	return i, err
}

const getOrganization = `
SELECT id, slug, name, created_at, updated_at FROM organizations
WHERE id = ? LIMIT 1
`

func (q *Queries) GetOrganization(ctx context.Context, id string) (Organization, error) {
	row := q.db.QueryRowContext(ctx, getOrganization, id)
	var i Organization
	err := row.Scan(
		&i.ID,
		&i.Slug,
		&i.Name,
		&i.CreatedAt,
		&i.UpdatedAt,
	)
	return i, err
}
