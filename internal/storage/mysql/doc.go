// Package mysql persists workflow run history. The memory driver appends runs
// to a local JSON-lines file; the mysql driver stores them in MySQL with
// schema migrations embedded from deploy/migrations.
package mysql
