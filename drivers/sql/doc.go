// Package sql provides a bun-based SQL Driver implementation for jobq.
//
// # Overview
//
// The SQL backend provides durable persistence, atomic reservation via
// UPDATE ... RETURNING, lease semantics backed by lease_token, and
// retention management through Clean. It is compatible with SQLite,
// PostgreSQL and other bun-supported dialects, subject to their
// transactional guarantees.
//
// # Schema
//
// The backend expects a "jobs" table corresponding to jobModel.
// InitDB (or MustInitDB) creates the table, if missing, and two
// indices required for efficient Reserve and Clean operations:
// (status, delay_time) and (priority DESC, push_time ASC).
//
// InitDB is idempotent and runs inside a transaction. It does not
// perform destructive migrations; schema evolution is the caller's
// responsibility.
//
// # Database Lifecycle
//
// This package does not manage connection pooling or migrations. The
// caller is responsible for configuring *bun.DB (including WAL mode
// and busy_timeout for SQLite) and running InitDB before use.
package sql
