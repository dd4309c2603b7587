// Package migrations embeds the catalog store's goose SQL migrations.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
