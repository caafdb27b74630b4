package transport

import (
	"fmt"
	"sync"
)

// link is the paired channel endpoints a Loopback transport uses instead of
// a real socket: a single point through which outbound frames for one
// neighbor are sent.
type link struct {
	peer  *Loopback
	neigh *Neighbor // neighbor handle as seen by the *remote* side
}

// loopbackRegistry is a process-wide directory of bound Loopback instances
// keyed by (host, port), the in-memory stand-in for "the address is
// routable" that lets CreateConnection dial by address instead of
// requiring every test topology to be wired by hand with Dial.
var loopbackRegistry = struct {
	mu        sync.Mutex
	instances map[Endpoint]*Loopback
}{instances: make(map[Endpoint]*Loopback)}

func registerLoopback(l *Loopback) {
	loopbackRegistry.mu.Lock()
	defer loopbackRegistry.mu.Unlock()
	loopbackRegistry.instances[Endpoint{Host: l.host, Port: l.port}] = l
}

func unregisterLoopback(l *Loopback) {
	loopbackRegistry.mu.Lock()
	defer loopbackRegistry.mu.Unlock()
	delete(loopbackRegistry.instances, Endpoint{Host: l.host, Port: l.port})
}

func lookupLoopback(host string, port int) (*Loopback, bool) {
	loopbackRegistry.mu.Lock()
	defer loopbackRegistry.mu.Unlock()
	l, ok := loopbackRegistry.instances[Endpoint{Host: host, Port: port}]
	return l, ok
}

// Loopback is an in-memory Transport used by overlay tests to run several
// nodes inside one process without real sockets, using plain Go channels
// for the connect/disconnect/send lifecycle in place of a socket.
type Loopback struct {
	name   string
	host   string
	port   int
	header Header

	mu        sync.Mutex
	nextID    int
	neighbors map[*Neighbor]*link
	byEP      map[Endpoint]*Neighbor

	inbound chan Inbound
	traffic Traffic
	closed  bool
}

// NewLoopback creates an unconnected Loopback transport bound to host:port.
func NewLoopback(host string, port int, header Header) *Loopback {
	return &Loopback{
		name:      header.Name,
		host:      host,
		port:      port,
		header:    header,
		neighbors: make(map[*Neighbor]*link),
		byEP:      make(map[Endpoint]*Neighbor),
		inbound:   make(chan Inbound, 1024),
	}
}

// Start registers this transport in the process-wide address directory so
// other Loopback instances can CreateConnection to it by host:port.
func (l *Loopback) Start() error {
	registerLoopback(l)
	return nil
}

func (l *Loopback) Close() error {
	unregisterLoopback(l)
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	neighbors := make([]*Neighbor, 0, len(l.neighbors))
	for n := range l.neighbors {
		neighbors = append(neighbors, n)
	}
	l.mu.Unlock()

	for _, n := range neighbors {
		l.RemoveConnection(n)
	}
	l.inbound <- Inbound{} // shutdown sentinel: a nil From tells the dispatcher to stop
	return nil
}

// Dial connects two Loopback transports to each other, the test-only
// equivalent of a TCP accept/connect pair. Both sides get a Neighbor handle.
func (a *Loopback) Dial(b *Loopback) (*Neighbor, *Neighbor) {
	a.mu.Lock()
	a.nextID++
	na := &Neighbor{ID: a.nextID, Host: b.host, Port: b.port, Header: b.header}
	a.mu.Unlock()

	b.mu.Lock()
	b.nextID++
	nb := &Neighbor{ID: b.nextID, Host: a.host, Port: a.port, Header: a.header}
	b.mu.Unlock()

	a.mu.Lock()
	a.neighbors[na] = &link{peer: b, neigh: nb}
	a.byEP[Endpoint{Host: b.host, Port: b.header.P2PPort}] = na
	a.mu.Unlock()

	b.mu.Lock()
	b.neighbors[nb] = &link{peer: a, neigh: na}
	b.byEP[Endpoint{Host: a.host, Port: a.header.P2PPort}] = nb
	b.mu.Unlock()

	return na, nb
}

// CreateConnection dials whatever Loopback transport last called Start with
// this (host, port), if any — the in-process stand-in for a real TCP dial
// that lets callers exercise real connection attempts against a multi-node
// Loopback topology. A (host, port) with no registered, started Loopback
// behind it fails the same way a down or unreachable peer would: returns
// false, no error.
func (l *Loopback) CreateConnection(host string, port int) (bool, error) {
	peer, ok := lookupLoopback(host, port)
	if !ok || peer == l {
		return false, nil
	}
	na, _ := l.Dial(peer)
	return na != nil, nil
}

func (l *Loopback) RemoveConnection(n *Neighbor) {
	l.mu.Lock()
	lk, ok := l.neighbors[n]
	if !ok {
		l.mu.Unlock()
		return
	}
	delete(l.neighbors, n)
	for ep, nn := range l.byEP {
		if nn == n {
			delete(l.byEP, ep)
		}
	}
	l.mu.Unlock()

	if lk.peer != nil {
		lk.peer.mu.Lock()
		_, stillThere := lk.peer.neighbors[lk.neigh]
		lk.peer.mu.Unlock()
		if stillThere {
			lk.peer.RemoveConnection(lk.neigh)
		}
	}
}

func (l *Loopback) SendMsg(data []byte, n *Neighbor) error {
	l.mu.Lock()
	lk, ok := l.neighbors[n]
	l.mu.Unlock()
	if !ok {
		return fmt.Errorf("transport: unknown neighbor %v", n)
	}
	l.traffic.BytesOut += uint64(len(data))
	buf := make([]byte, len(data))
	copy(buf, data)
	lk.peer.deliver(lk.neigh, buf)
	return nil
}

func (l *Loopback) deliver(from *Neighbor, data []byte) {
	l.mu.Lock()
	closed := l.closed
	l.mu.Unlock()
	if closed {
		return
	}
	l.traffic.BytesIn += uint64(len(data))
	l.inbound <- Inbound{From: from, Data: data}
}

func (l *Loopback) Clients() []*Neighbor {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]*Neighbor, 0, len(l.neighbors))
	for n := range l.neighbors {
		out = append(out, n)
	}
	return out
}

func (l *Loopback) PeerFormat2Client(ep Endpoint) (*Neighbor, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	n, ok := l.byEP[ep]
	return n, ok
}

func (l *Loopback) Client2PeerFormat(n *Neighbor, prior map[Endpoint]PeerRecord) (Endpoint, PeerRecord) {
	ep := Endpoint{Host: n.Host, Port: n.Header.P2PPort}
	score := 0
	if p, ok := prior[ep]; ok {
		score = p.Score
	}
	return ep, PeerRecord{Header: n.Header, Score: score}
}

func (l *Loopback) Inbound() <-chan Inbound { return l.inbound }

func (l *Loopback) Header() Header { return l.header }

func (l *Loopback) Traffic() *Traffic { return &l.traffic }

func (l *Loopback) MaxReceiveSize() int { return MaxReceiveSize }

var _ Transport = (*Loopback)(nil)
