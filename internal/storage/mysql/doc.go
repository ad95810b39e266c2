// Package mysql persists the query journal, either in MySQL or in a local
// JSONL file for development. It also owns the connection settings and the
// embedded schema migrations shared with the task store.
package mysql
