// Package main hosts the diagport CLI entrypoint and command graph.
//
// Commands translate terminal invocations into JSON-RPC calls against the
// daemon's control socket, launch and stop the daemon process, tail its log,
// and probe diagnostic ports directly with the framed diagnostics protocol.
// Heavy lifting lives in the internal packages; keep this package declarative.
package main
