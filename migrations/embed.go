// Package migrations embeds the idempotent bootstrap DDL for the pipeline.
// Files run in lexical order on every start, so each statement must be
// safe to re-run.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
