// Package migrations embeds the schema SQL applied by the migrate command.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS

// Files lists migrations in apply order.
var Files = []string{
	"001_create_conversations.sql",
	"002_create_batches.sql",
	"003_create_tasks.sql",
	"004_create_nodes.sql",
	"005_create_dead_letters.sql",
	"006_create_system_logs.sql",
}
