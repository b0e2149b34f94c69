// Package transport provides the built-in tcp substrate. Peers and
// their endpoints come from the central config; discovery protocols
// proper live outside the routing core.
package transport

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"

	"github.com/encodeous/loom/state"
	"github.com/google/uuid"
)

type TCPTransport struct {
	env      *state.Env
	listener net.Listener
}

func NewTCPTransport() *TCPTransport {
	return &TCPTransport{}
}

func (t *TCPTransport) Start(e *state.Env, events state.TransportEvents) error {
	t.env = e
	if e.Bind.IsValid() {
		config := net.ListenConfig{}
		listener, err := config.Listen(e.Context, "tcp", e.Bind.String())
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %w", e.Bind, err)
		}
		t.listener = listener
		e.Log.Info("tcp transport listening", "addr", e.Bind)
		go t.accept(e, events)
	}

	// static endpoints from the central config count as discovered
	for _, peer := range e.CentralCfg.Peers {
		if peer.Id == e.Id {
			continue
		}
		for _, ep := range peer.Endpoints {
			events.AddressDiscovered(peer.Id, NewTCPAddress(ep, peer.LinkCost()))
		}
	}
	return nil
}

func (t *TCPTransport) Stop() error {
	if t.listener != nil {
		return t.listener.Close()
	}
	return nil
}

func (t *TCPTransport) accept(e *state.Env, events state.TransportEvents) {
	for e.Context.Err() == nil {
		conn, err := t.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || e.Context.Err() != nil {
				return
			}
			e.Log.Warn("failed to accept connection", "err", err)
			continue
		}
		events.IncomingConnection(newInboundTCPConn(conn))
	}
}

// TCPAddress is one tcp endpoint of a peer.
type TCPAddress struct {
	addr netip.AddrPort
	cost uint32
}

func NewTCPAddress(addr netip.AddrPort, cost uint32) *TCPAddress {
	return &TCPAddress{addr: addr, cost: cost}
}

func (a *TCPAddress) Cost() uint32 {
	return a.cost
}

func (a *TCPAddress) Key() string {
	return "tcp/" + a.addr.String()
}

func (a *TCPAddress) Dial() state.UnderlyingConnection {
	return &TCPConn{id: uuid.New(), addr: a.addr}
}

// TCPConn adapts a tcp stream to the callback connection shape. Reads
// run on their own goroutine; data arriving before a handler is
// registered is buffered.
type TCPConn struct {
	id   uuid.UUID
	addr netip.AddrPort

	mu     sync.Mutex // guards conn and writes
	conn   net.Conn
	data   state.DataBuffer
	closed state.CloseNotifier
}

func newInboundTCPConn(conn net.Conn) *TCPConn {
	c := &TCPConn{id: uuid.New(), conn: conn}
	go c.readLoop(conn)
	return c
}

func (c *TCPConn) Connect() error {
	conn, err := net.Dial("tcp", c.addr.String())
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	go c.readLoop(conn)
	return nil
}

func (c *TCPConn) readLoop(conn net.Conn) {
	buf := make([]byte, 4096)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			c.data.Deliver(chunk)
		}
		if err != nil {
			conn.Close()
			c.closed.Notify(err)
			return
		}
	}
}

func (c *TCPConn) Write(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return errors.New("tcp connection is not connected")
	}
	_, err := c.conn.Write(data)
	return err
}

func (c *TCPConn) Close() {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		conn.Close()
		return
	}
	c.closed.Notify(nil)
}

func (c *TCPConn) OnData(handler func(data []byte)) {
	c.data.SetHandler(handler)
}

func (c *TCPConn) OnClose(handler func(reason error)) {
	c.closed.SetHandler(handler)
}

func (c *TCPConn) Id() uuid.UUID {
	return c.id
}
