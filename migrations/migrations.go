// Package migrations embeds the goose SQL migrations for the webhook delivery ledger.
package migrations

import "embed"

//go:embed *.sql
var MigrationsFS embed.FS
