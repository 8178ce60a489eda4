// Package sqlstore persists every Errand-Desk entity in one relational database
// through database/sql. MySQL, PostgreSQL (pgx) and SQLite are supported; the
// schema lives in deploy/migrations and is applied on Open.
package sqlstore
