// Package journal records every diagnostic session the daemon serves in a
// SQLite database so operators can audit which tools attached, over which
// port, and how each exchange ended.
//
// The schema is created on first open and versioned; a version mismatch is
// reported as ErrSchemaMismatch rather than migrated in place.
package journal
