package mssql

import "dwsync/internal/storage"

func init() {
	// registers the SQL Server backend factory
	storage.Register("mssql", New)
}
