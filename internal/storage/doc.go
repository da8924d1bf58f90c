// Package storage persists tasks, event records, notifications and the small
// slice of domain state the subscribers touch.
//
// Drivers: memory, sqlite (modernc.org/sqlite) and postgres (pgx). Event
// records can additionally fan out to JSONL files, Redis streams and Kafka
// through MultiLog.
package storage
