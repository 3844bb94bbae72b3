// Package migrations embeds the goose migrations for the media cache and
// play log tables.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
