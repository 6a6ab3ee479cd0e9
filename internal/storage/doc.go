// Package storage persists deduplication records across restarts.
//
// Two drivers: a dependency-free file backend (snapshot + journal) and an
// optional SQLite backend behind the "sqlite" build tag. Both are strictly
// best-effort; the dedup filter never blocks on storage and tolerates lost
// records (a lost record means one extra delivery, never a dropped one).
package storage
