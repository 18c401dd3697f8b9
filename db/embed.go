// Package db provides the embedded migration files for every supported
// database.
package db

import "embed"

// Migrations holds one directory of golang-migrate files per dialect:
// migrations/postgres and migrations/sqlite.
//
//go:embed migrations
var Migrations embed.FS
