// Package migrations embeds the SQL migration files for use with goose. Each
// dialect has its own directory.
package migrations

import "embed"

// FS contains the goose migrations under postgres/ and sqlite/.
//
//go:embed postgres/*.sql sqlite/*.sql
var FS embed.FS
