package state

import "time"

const (
	// INF marks an unreachable peer.
	INF = ^(uint32)(0)
)

var (
	// BroadcastDelay is the regular cadence of link-state broadcasts.
	BroadcastDelay = time.Second * 5
	// BroadcastShortDelay coalesces a burst of topology changes into a
	// single early broadcast.
	BroadcastShortDelay = time.Millisecond * 500

	// HandshakeTimeout bounds every await step of connection establishment.
	HandshakeTimeout = time.Second * 10

	// RoutingRetryLimit is the number of consecutive failures to open a
	// routing metadata connection before the neighbour is declared lost.
	RoutingRetryLimit = 5

	// FloodDedupTTL bounds how long out-of-order (origin, seq) pairs are
	// remembered above the contiguous watermark.
	FloodDedupTTL = time.Minute * 5

	DefaultLinkCost = uint32(1)

	// MaxPacketSize is the largest frame the wire codec will accept.
	MaxPacketSize = 65535

	// default port
	DefaultPort = 57190
)
