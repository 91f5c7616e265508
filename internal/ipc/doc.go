// Package ipc exposes the daemon over JSON-RPC on a Unix domain socket and
// ships the matching client used by the CLI.
//
// It owns control socket lifecycle management and the request/response DTOs.
// Reuse these types when adding new RPC endpoints to keep the protocol stable
// for existing commands.
package ipc
