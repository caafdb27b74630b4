// Package transport defines the framed message transport the overlay core
// depends on rather than dialing sockets itself, so tests can swap in an
// in-memory Loopback transport while production wiring uses the
// ZeroMQ-backed implementation.
package transport

import (
	"errors"
	"time"
)

// MaxReceiveSize bounds an ordinary (non-blob) message frame. Blob transfers
// are allowed up to MaxReceiveSize+1000 to cover the small CBOR framing
// overhead around the raw bytes.
const MaxReceiveSize = 1 << 20

// ErrUnknownPeer describes a lookup that found no connected neighbor at the
// requested endpoint. PeerFormat2Client reports that case with a false
// result; no function in this package returns this error.
var ErrUnknownPeer = errors.New("transport: no connected neighbor at that endpoint")

// Endpoint is the (host, p2p-port) key used throughout the peer registry and
// relay bookkeeping. It is always comparable so it can key a Go map.
type Endpoint struct {
	Host string
	Port int
}

// Header is the small record every node advertises about itself and caches
// about its peers: display name, listening port, and whether it accepts
// inbound connections.
type Header struct {
	Name      string
	P2PPort   int
	P2PAccept bool
	Extra     map[string]string
}

// Neighbor is a currently connected peer. The transport owns its lifecycle;
// the core only ever holds this pointer as a non-owning handle, using
// pointer identity to recognize when a response comes back from the same
// neighbor a relayed request was sent to.
type Neighbor struct {
	// ID is a small stable integer assigned at creation, useful for log
	// lines that must stay meaningful after the neighbor disconnects.
	ID int
	// Host/Port are the observed remote endpoint (not necessarily the
	// advertised P2PPort — CHECK_REACHABLE and GET_PEERS care about this
	// distinction).
	Host string
	Port int
	// Header is the last header this neighbor advertised (via GET_PEER_INFO
	// or a HELLO-equivalent handshake). May be zero-valued until learned.
	Header Header
}

// Traffic records best-effort accounting for a connection; RecordDir, when
// non-empty, enables on-disk capture of raw frames for debugging.
type Traffic struct {
	RecordDir string
	BytesIn   uint64
	BytesOut  uint64
}

// Inbound is one item off the transport's inbound stream. A (nil, nil) value
// is the shutdown sentinel the dispatcher watches for.
type Inbound struct {
	From *Neighbor
	Data []byte
}

// Transport is the framed-message contract the overlay core depends on.
// Implementations are expected to be safe for concurrent use:
// CreateConnection/RemoveConnection/SendMsg/Clients may all be called from
// the dispatcher, the sender, and the stabilizer concurrently.
type Transport interface {
	Start() error
	Close() error

	// CreateConnection dials a peer and registers it as a neighbor. Returns
	// false (no error) if the dial failed for an ordinary reason (peer down,
	// refused); returns an error only for programmer-error-shaped failures.
	CreateConnection(host string, port int) (bool, error)
	RemoveConnection(n *Neighbor)
	SendMsg(data []byte, n *Neighbor) error

	// Clients returns a snapshot of currently connected neighbors. Callers
	// must not mutate the returned slice's backing array expectations across
	// calls; each call returns a fresh slice.
	Clients() []*Neighbor

	// PeerFormat2Client resolves a (host, port) endpoint to the connected
	// neighbor at that endpoint, if any.
	PeerFormat2Client(ep Endpoint) (*Neighbor, bool)

	// Client2PeerFormat converts a connected neighbor into its peer-registry
	// key and record, reusing a prior record's score when one is supplied.
	Client2PeerFormat(n *Neighbor, prior map[Endpoint]PeerRecord) (Endpoint, PeerRecord)

	// Inbound is the single inbound stream the dispatcher consumes.
	Inbound() <-chan Inbound

	// Header is this node's own advertised header.
	Header() Header

	// Traffic exposes best-effort accounting/debug capture.
	Traffic() *Traffic

	MaxReceiveSize() int
}

// PeerRecord is the persisted unit in the peer registry: a cached header and
// a stabilizer-maintained score (lower is more preferred).
type PeerRecord struct {
	Header Header
	Score  int
}

// DialTimeout is an exported default budget for probing a peer in
// CreateConnection. Neither Loopback nor ZMQ4Transport reads it, and the
// overlay package does not use it.
const DialTimeout = 5 * time.Second
