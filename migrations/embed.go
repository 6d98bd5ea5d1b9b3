// Package migrations embeds the goose SQL migration files for the local
// ritual database.
package migrations

import "embed"

// FS holds the embedded migration files, consumed by store.RunMigrations.
//
//go:embed *.sql
var FS embed.FS
