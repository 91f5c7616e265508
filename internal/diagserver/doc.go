// Package diagserver drives the stream factory: it claims one stream at a
// time, serves the diagnostic command the peer sends, and records the
// session.
//
// Run keeps claiming until the context is cancelled, the factory is shut
// down, or no ports remain registered. A failed poll pauses briefly before
// the next attempt so a broken port cannot spin the loop.
package diagserver
