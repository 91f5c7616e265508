// Package logs tails the daemon log file for `diagport logs`.
//
// Tail reads the last N lines when given a negative offset and otherwise
// resumes from a byte offset, optionally waiting for new lines. Callers keep
// the returned offset to continue where they left off.
package logs
