package interfaces

import "rollcall/pkg/types"

// Connection represents an authenticated client connection
// ARCHITECTURAL DISCOVERY: The registry and hub only ever need identity and a
// thread-safe write, so websocket details stay behind this boundary
type Connection interface {
	// ID returns the connection's unique identifier
	ID() string

	// Principal returns the identity bound at handshake
	// FUNCTIONAL DISCOVERY: Immutable for the life of the connection
	Principal() types.Principal

	// WriteJSON queues a message for the client (thread-safe)
	// TECHNICAL DISCOVERY: Implementations must serialize writes through a
	// single writer, gorilla/websocket allows one concurrent writer only
	WriteJSON(v any) error

	// Close closes the connection and cleans up resources
	Close() error
}
