package migrations

import "embed"

// MigrationsFS embeds the deployment history schema
//
//go:embed *.sql
var MigrationsFS embed.FS
