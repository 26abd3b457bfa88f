// Package session holds the conversations served by the router.
//
// A [ContextManager] keeps the messages of one conversation inside a token
// budget, evicting the oldest non-system messages first. The [Registry] maps
// session IDs to their context managers, expires idle sessions and serialises
// turns on the same session.
//
// All exported types are safe for concurrent use.
package session
