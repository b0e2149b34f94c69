package core

import "errors"

var (
	// ErrNoAddress means a peer has no known transport addresses.
	ErrNoAddress = errors.New("peer has no known address")
	// ErrNoRoute means the routing table has no path to one or more
	// destinations.
	ErrNoRoute = errors.New("no route to destination")
	// ErrHandshakeFailure means an expected packet was missing, malformed
	// or of the wrong type.
	ErrHandshakeFailure = errors.New("handshake failure")
	// ErrPartialMulticast means at least one subconnection could not be
	// established or confirmed; the whole composite is torn down.
	ErrPartialMulticast = errors.New("partial multicast failure")
	// ErrTransportClosed means the underlying connection closed mid
	// handshake.
	ErrTransportClosed = errors.New("transport closed")
)
