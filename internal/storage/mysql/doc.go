// Package mysql provides the MySQL-backed storage driver. It owns the embedded
// schema migrations and the typed queries for accounts, tools, payment
// transactions and conversation history.
package mysql
