package assets

import (
	"embed"
)

// Database migrations
//
//go:embed migrations/*.sql
var Migrations embed.FS
