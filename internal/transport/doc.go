// Package transport defines the endpoint, stream, and poll contract the
// stream factory multiplexes over, and ships the unix-domain-socket
// implementation used by the daemon.
//
// An Endpoint is a named socket in one of two modes. Server endpoints listen
// and hand out accepted streams; client endpoints dial outward and announce
// themselves with the advertise handshake before anything else is written.
// Poll blocks on a set of handles (listening endpoints or connected streams)
// and reports one PollEvent per handle.
//
// The unix implementation polls raw descriptors alongside a wake pipe so that
// closing an endpoint or cancelling the poll context interrupts a poll that
// would otherwise block forever.
package transport
