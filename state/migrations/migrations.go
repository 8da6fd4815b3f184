// Package migrations holds the goose migrations for the durable event store. SQL migrations
// are embedded; Go migrations register themselves on import.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
