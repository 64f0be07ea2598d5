// Package storage provides the SQLite-backed account repository, keeping the
// accounts table and the key-file store consistent across save, update and
// delete, plus embedded schema migrations and the daily backup hook.
package storage
