package postgres

import "dwsync/internal/storage"

func init() {
	// registers the Postgres backend factory
	storage.Register("postgres", New)
}
