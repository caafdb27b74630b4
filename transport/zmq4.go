package transport

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	zmq "github.com/pebbe/zmq4"
)

// zmqHighWaterMark bounds how many outstanding messages a DEALER mailbox
// will queue for a single neighbor before further sends start failing.
const zmqHighWaterMark = 1000

// zmq4neighborState is the transport-private bookkeeping kept alongside the
// public *Neighbor handle: the DEALER mailbox socket used to reach that
// neighbor, plus the last time anything was received from it. Mailboxes are
// write-only — replies always arrive on our own ROUTER inbox via the peer's
// mailbox — so every socket here is touched only under the transport mutex.
type zmq4neighborState struct {
	mailbox  *zmq.Socket
	lastSeen time.Time
}

// ZMQ4Transport is a ROUTER/DEALER-based Transport: a single shared ROUTER
// socket accepts all inbound frames, and each neighbor gets its own
// outbound DEALER "mailbox" socket. A mailbox's identity carries our own
// ROUTER endpoint, so a node we dial can dial us back on first contact and
// gain a mailbox of its own to answer on; the protocol has no hello
// command, so the endpoint rides in the identity frame instead.
type ZMQ4Transport struct {
	host          string
	port          int
	advertiseHost string
	header        Header

	log *slog.Logger

	mu         sync.Mutex
	nextID     int
	neighbors  map[*Neighbor]*zmq4neighborState
	byEP       map[Endpoint]*Neighbor
	byIdentity map[string]*Neighbor

	inboxSock *zmq.Socket
	inbound   chan Inbound
	traffic   Traffic

	quit chan struct{}
	wg   sync.WaitGroup
}

// NewZMQ4 builds a ZMQ4Transport bound to host:port. Start() must be called
// before use. When binding a wildcard address, call SetAdvertiseHost with
// the address peers should dial back.
func NewZMQ4(host string, port int, header Header) *ZMQ4Transport {
	return &ZMQ4Transport{
		host:          host,
		port:          port,
		advertiseHost: host,
		header:        header,
		log:           slog.Default().With("component", "zmq4transport"),
		neighbors:     make(map[*Neighbor]*zmq4neighborState),
		byEP:          make(map[Endpoint]*Neighbor),
		byIdentity:    make(map[string]*Neighbor),
		inbound:       make(chan Inbound, 1024),
		quit:          make(chan struct{}),
	}
}

// SetAdvertiseHost overrides the host embedded in mailbox identities, the
// address peers dial back on first contact. Required when the bind host is
// a wildcard like 0.0.0.0, which is not dialable.
func (t *ZMQ4Transport) SetAdvertiseHost(host string) {
	t.advertiseHost = host
}

// Start binds the ROUTER inbox and launches the poller goroutine, the
// equivalent of node.go's `go node.inboxHandler()`.
func (t *ZMQ4Transport) Start() error {
	sock, err := zmq.NewSocket(zmq.ROUTER)
	if err != nil {
		return fmt.Errorf("zmq4transport: new router socket: %w", err)
	}
	if err := sock.Bind(fmt.Sprintf("tcp://%s:%d", t.host, t.port)); err != nil {
		return fmt.Errorf("zmq4transport: bind %s:%d: %w", t.host, t.port, err)
	}
	t.inboxSock = sock

	t.wg.Add(1)
	go t.poll()
	return nil
}

func (t *ZMQ4Transport) poll() {
	defer t.wg.Done()
	poller := zmq.NewPoller()
	poller.Add(t.inboxSock, zmq.POLLIN)

	for {
		select {
		case <-t.quit:
			return
		default:
		}

		sockets, err := poller.Poll(250 * time.Millisecond)
		if err != nil {
			t.log.Warn("poll error", "err", err)
			continue
		}
		for _, s := range sockets {
			frames, err := s.Socket.RecvMessageBytes(0)
			if err != nil || len(frames) < 2 {
				continue
			}
			identity := string(frames[0])
			payload := frames[len(frames)-1]

			from := t.neighborForIdentity(identity)
			if from == nil {
				// Identity carries no dialable endpoint, or the dial-back
				// failed; the core has no Neighbor handle to attach the
				// frame to, so it is dropped.
				continue
			}
			t.traffic.BytesIn += uint64(len(payload))
			t.inbound <- Inbound{From: from, Data: payload}
		}
	}
}

// neighborForIdentity resolves an inbound ROUTER frame's identity to a
// Neighbor, dialing the peer back on first contact so a reply mailbox
// exists before the core ever tries to answer.
func (t *ZMQ4Transport) neighborForIdentity(identity string) *Neighbor {
	t.mu.Lock()
	if n, ok := t.byIdentity[identity]; ok {
		if st := t.neighbors[n]; st != nil {
			st.lastSeen = time.Now()
		}
		t.mu.Unlock()
		return n
	}
	t.mu.Unlock()

	ep, ok := parseMailboxIdentity(identity)
	if !ok {
		return nil
	}

	t.mu.Lock()
	if n, exists := t.byEP[ep]; exists {
		// Already connected to this endpoint outbound; bind the inbound
		// identity to the same handle instead of growing a duplicate.
		t.byIdentity[identity] = n
		t.mu.Unlock()
		return n
	}
	t.mu.Unlock()

	connected, err := t.CreateConnection(ep.Host, ep.Port)
	if err != nil || !connected {
		t.log.Warn("dial-back to new peer failed", "endpoint", ep, "err", err)
		return nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	n, exists := t.byEP[ep]
	if !exists {
		return nil
	}
	t.byIdentity[identity] = n
	return n
}

// mailboxIdentity encodes our dialable ROUTER endpoint plus a local
// connection id, e.g. "192.0.2.1:9400|N3".
func (t *ZMQ4Transport) mailboxIdentity(id int) string {
	return fmt.Sprintf("%s:%d|N%d", t.advertiseHost, t.port, id)
}

func parseMailboxIdentity(identity string) (Endpoint, bool) {
	addr, _, ok := strings.Cut(identity, "|")
	if !ok {
		return Endpoint{}, false
	}
	host, portStr, ok := strings.Cut(addr, ":")
	if !ok || host == "" {
		return Endpoint{}, false
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 {
		return Endpoint{}, false
	}
	return Endpoint{Host: host, Port: port}, true
}

func (t *ZMQ4Transport) Close() error {
	close(t.quit)
	t.wg.Wait()

	t.mu.Lock()
	for _, st := range t.neighbors {
		st.mailbox.Close()
	}
	t.neighbors = make(map[*Neighbor]*zmq4neighborState)
	t.byEP = make(map[Endpoint]*Neighbor)
	t.byIdentity = make(map[string]*Neighbor)
	t.mu.Unlock()

	if t.inboxSock != nil {
		t.inboxSock.Close()
	}
	t.inbound <- Inbound{}
	return nil
}

// CreateConnection dials a peer's ROUTER inbox with a fresh DEALER mailbox,
// the adapted form of peer.connect: a high-water mark is set so a stalled
// neighbor cannot back up the whole process, and sends are non-blocking.
func (t *ZMQ4Transport) CreateConnection(host string, port int) (bool, error) {
	sock, err := zmq.NewSocket(zmq.DEALER)
	if err != nil {
		return false, fmt.Errorf("zmq4transport: new dealer socket: %w", err)
	}
	if err := sock.SetSndhwm(zmqHighWaterMark); err != nil {
		sock.Close()
		return false, err
	}
	if err := sock.SetSndtimeo(0); err != nil {
		sock.Close()
		return false, err
	}

	t.mu.Lock()
	t.nextID++
	id := t.nextID
	t.mu.Unlock()

	if err := sock.SetIdentity(t.mailboxIdentity(id)); err != nil {
		sock.Close()
		return false, err
	}
	if err := sock.Connect(fmt.Sprintf("tcp://%s:%d", host, port)); err != nil {
		sock.Close()
		return false, nil
	}

	n := &Neighbor{ID: id, Host: host, Port: port}
	t.mu.Lock()
	t.neighbors[n] = &zmq4neighborState{mailbox: sock, lastSeen: time.Now()}
	t.byEP[Endpoint{Host: host, Port: port}] = n
	t.mu.Unlock()

	return true, nil
}

func (t *ZMQ4Transport) RemoveConnection(n *Neighbor) {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.neighbors[n]
	if !ok {
		return
	}
	delete(t.neighbors, n)
	for ep, nn := range t.byEP {
		if nn == n {
			delete(t.byEP, ep)
		}
	}
	for id, nn := range t.byIdentity {
		if nn == n {
			delete(t.byIdentity, id)
		}
	}
	st.mailbox.Close()
}

func (t *ZMQ4Transport) SendMsg(data []byte, n *Neighbor) error {
	t.mu.Lock()
	st, ok := t.neighbors[n]
	if !ok {
		t.mu.Unlock()
		return fmt.Errorf("zmq4transport: unknown neighbor %d", n.ID)
	}
	_, err := st.mailbox.SendBytes(data, zmq.DONTWAIT)
	t.mu.Unlock()
	if err != nil {
		t.RemoveConnection(n)
		return fmt.Errorf("zmq4transport: send to neighbor %d: %w", n.ID, err)
	}
	t.traffic.BytesOut += uint64(len(data))
	return nil
}

func (t *ZMQ4Transport) Clients() []*Neighbor {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*Neighbor, 0, len(t.neighbors))
	for n := range t.neighbors {
		out = append(out, n)
	}
	return out
}

func (t *ZMQ4Transport) PeerFormat2Client(ep Endpoint) (*Neighbor, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	n, ok := t.byEP[ep]
	return n, ok
}

func (t *ZMQ4Transport) Client2PeerFormat(n *Neighbor, prior map[Endpoint]PeerRecord) (Endpoint, PeerRecord) {
	ep := Endpoint{Host: n.Host, Port: n.Header.P2PPort}
	score := 0
	if p, ok := prior[ep]; ok {
		score = p.Score
	}
	return ep, PeerRecord{Header: n.Header, Score: score}
}

func (t *ZMQ4Transport) Inbound() <-chan Inbound { return t.inbound }

func (t *ZMQ4Transport) Header() Header { return t.header }

func (t *ZMQ4Transport) Traffic() *Traffic { return &t.traffic }

func (t *ZMQ4Transport) MaxReceiveSize() int { return MaxReceiveSize }

var _ Transport = (*ZMQ4Transport)(nil)
