// Package migrations embeds the SQL files that create the warehouse tables.
package migrations

import "embed"

// FS holds every *.sql file in this directory.
//
//go:embed *.sql
var FS embed.FS
