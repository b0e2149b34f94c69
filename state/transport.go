package state

// Connection is a bidirectional, ordered byte stream. Data and close
// notifications are delivered asynchronously through the registered
// handlers; a handler may be invoked from any goroutine.
type Connection interface {
	Write(data []byte) error
	Close()
	OnData(handler func(data []byte))
	OnClose(handler func(reason error))
}

// UnderlyingConnection is a raw point-to-point stream produced by a
// transport module. It is anonymous: the remote peer is only learned
// through the handshake carried on top of it.
type UnderlyingConnection interface {
	Connection
	Connect() error
}

// Address describes one transport endpoint of a peer. Addresses are
// immutable; Key identifies the endpoint for tie-breaking between
// addresses of equal cost.
type Address interface {
	// Cost is the link metric of this endpoint, lower is better.
	Cost() uint32
	Key() string
	// Dial produces a fresh, unconnected stream to the endpoint.
	Dial() UnderlyingConnection
}

// TransportEvents is how a transport module reports discoveries and
// inbound connections. Implementations must tolerate calls from the
// transport's own goroutines.
type TransportEvents interface {
	AddressDiscovered(peer PeerId, addr Address)
	AddressLost(peer PeerId, addr Address)
	IncomingConnection(conn UnderlyingConnection)
}

// TransportModule is a pluggable substrate (tcp, bluetooth, ...) that
// advertises the local peer and discovers others.
type TransportModule interface {
	Start(e *Env, events TransportEvents) error
	Stop() error
}
