// Package migrations embeds the PostgreSQL schema files in apply order.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS

// Files lists the migrations in the order they must run.
var Files = []string{
	"001_create_job_queue_snapshots.sql",
}
