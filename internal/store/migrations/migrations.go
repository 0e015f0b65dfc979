// Package migrations embeds the SQL migration files for the session
// database.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
