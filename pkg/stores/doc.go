// Package stores keeps the deploy history journal. Runs and their per-operation
// results are written to SQLite (WAL mode, migrations embedded) after a deploy
// finishes; the reconciliation core never reads them back.
package stores
