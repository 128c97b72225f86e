// Package mysql persists chat history in MySQL or in a local append-only log
// and owns the embedded schema migrations shared with the job store.
package mysql
