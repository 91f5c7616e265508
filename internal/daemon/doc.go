// Package daemon coordinates the long-running diagport process.
//
// It wires configuration, the unix transport, the stream factory, the
// session dispatcher, the journal, and the metrics listener into a single
// lifecycle with flock-based locking to prevent multiple instances. Status,
// port, and session views for the control socket and HTTP API are served
// from here.
//
// Keep orchestration logic here: framing, polling, and persistence live in
// their own packages while the daemon focuses on startup, shutdown, and
// reporting.
package daemon
