// Package streamfactory multiplexes a fixed set of diagnostic ports behind a
// single blocking call that returns the next usable stream.
//
// Each configured port is wrapped in a ConnectionState. Connect-mode ports
// dial their peer lazily, send the advertise handshake, and cache the stream
// until a consumer claims it. Listen-mode ports cache nothing; every claim is
// a fresh accept. GetNextAvailableStream polls all ports at once, pacing
// reconnect attempts with an exponential backoff while any connect-mode port
// is unreachable, and hands out exactly one stream per call. Streams that are
// ready but unclaimed stay cached and signal again on the next call.
//
// The registry is append-only. Ports are registered before the loop starts,
// closed by CloseConnections or Shutdown, and never removed.
package streamfactory
