// Package migrations embeds the SQL schema for every supported job store backend.
package migrations

import "embed"

// FS holds one directory of goose migrations per dialect.
//
//go:embed postgres/*.sql sqlite/*.sql
var FS embed.FS
