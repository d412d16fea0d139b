// Package dbmigrations exposes embedded SQL migrations for keel binaries.
package dbmigrations

import "embed"

// Files contains the embedded SQL migrations bundled into keel binaries.
//
//go:embed *.sql
var Files embed.FS
