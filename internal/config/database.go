// internal/config/database.go
package config

import (
	"fmt"
)

func (d *DatabaseConfig) DSN() string {
	if d.Driver == "sqlite" {
		return d.SQLitePath
	}
	return fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.Database, d.SSLMode,
	)
}

// IsPostgres reports whether LISTEN/NOTIFY and postgres-only DDL are available.
func (d *DatabaseConfig) IsPostgres() bool {
	return d.Driver == "postgres"
}
