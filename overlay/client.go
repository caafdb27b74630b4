// Package overlay implements the application-layer overlay client: the
// request/response/ack protocol, broadcast flooding with loop suppression,
// the file-locate-and-fetch walk, the stabilization control loop, and the
// in-memory bookkeeping tying them together. The framed socket transport and
// wire serialization are collaborators (package transport and the
// fxamacker/cbor codec in envelope.go); UPnP port mapping stays external to
// this package entirely.
package overlay

import (
	"crypto/rsa"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/meshward/overlay/overlay/registry"
	"github.com/meshward/overlay/overlay/store"
	"github.com/meshward/overlay/transport"
)

// BroadcastItem is what the broadcast fan-out queue publishes: the neighbor
// a BROADCAST arrived from (for a locally originated one reflected back to
// the caller, the neighbor whose ACK completed the send — see sender.go) and
// its payload.
type BroadcastItem struct {
	Origin *transport.Neighbor
	UUID   uint32
	Data   cbor.RawMessage
}

// DirectCmdItem is what the direct-cmd fan-out queue publishes, and what an
// external filler goroutine answers by depositing a reply in directWaiter.
type DirectCmdItem struct {
	From *transport.Neighbor
	UUID uint32
	Data cbor.RawMessage
}

// Client is the overlay client: the local API plus the protocol machinery
// wired behind it. It is a single owning object constructed once per
// process, whose background goroutines are the dispatcher and the
// stabilizer.
type Client struct {
	cfg       Config
	transport transport.Transport

	registry *registry.Registry
	blobs    *BlobStore

	waiter       *store.Waiter
	directWaiter *store.Waiter
	markers      *store.MarkerSet
	relayPaths   *store.RelayPaths

	broadcastQueue *store.FanOut[BroadcastItem]
	directQueue    *store.FanOut[DirectCmdItem]

	log *slog.Logger

	closeOnce    sync.Once
	stopped      chan struct{}
	dispatchDone chan struct{}
	wg           sync.WaitGroup
}

// New constructs a Client over an already-configured Transport. tmpDir holds
// peer.dat; an empty tmpDir falls back to cfg.TmpDir, then to a directory
// under os.TempDir() named after cfg.NetVersion and the transport's bound
// port. Blobs live in cfg.DataDir when set, else alongside peer.dat.
func New(cfg Config, t transport.Transport, tmpDir string) (*Client, error) {
	if tmpDir == "" {
		tmpDir = cfg.TmpDir
	}
	if tmpDir == "" {
		h := t.Header()
		tmpDir = filepath.Join(os.TempDir(), fmt.Sprintf("p2p_%d_%d", cfg.NetVersion, h.P2PPort))
	}
	if err := os.MkdirAll(tmpDir, 0o755); err != nil {
		return nil, fmt.Errorf("overlay: create tmp dir %s: %w", tmpDir, err)
	}

	reg := registry.New(filepath.Join(tmpDir, "peer.dat"))
	if err := reg.Load(); err != nil {
		return nil, err
	}

	dataDir := cfg.DataDir
	if dataDir == "" {
		dataDir = tmpDir
	}
	blobs, err := NewBlobStore(dataDir)
	if err != nil {
		return nil, err
	}

	c := &Client{
		cfg:            cfg,
		transport:      t,
		registry:       reg,
		blobs:          blobs,
		waiter:         store.NewWaiter(),
		directWaiter:   store.NewWaiter(),
		markers:        store.NewMarkerSet(),
		relayPaths:     store.NewRelayPaths(),
		broadcastQueue: store.NewFanOut[BroadcastItem](),
		directQueue:    store.NewFanOut[DirectCmdItem](),
		log:            slog.Default().With("component", "overlay"),
		stopped:        make(chan struct{}),
		dispatchDone:   make(chan struct{}),
	}
	return c, nil
}

// Start begins serving the transport's inbound stream (serve) and/or the
// stabilization control loop (stabilize).
func (c *Client) Start(serve, stabilize bool) error {
	if err := c.transport.Start(); err != nil {
		return fmt.Errorf("overlay: start transport: %w", err)
	}
	if serve {
		c.wg.Add(1)
		go c.dispatchLoop()
	} else {
		close(c.dispatchDone)
	}
	if stabilize {
		c.wg.Add(1)
		go c.stabilizeLoop()
	}
	return nil
}

// Close stops the transport, drops every connection, and blocks until the
// dispatcher has observed the shutdown sentinel and signaled finished.
func (c *Client) Close() error {
	var closeErr error
	c.closeOnce.Do(func() {
		close(c.stopped)
		for _, n := range c.transport.Clients() {
			c.transport.RemoveConnection(n)
		}
		closeErr = c.transport.Close()
		<-c.dispatchDone
		c.wg.Wait()
	})
	return closeErr
}

// BroadcastFeed subscribes to every BROADCAST this node has accepted and
// propagated.
func (c *Client) BroadcastFeed() *store.Subscription[BroadcastItem] {
	return c.broadcastQueue.Subscribe()
}

// DirectCmdFeed subscribes to inbound DIRECT_CMD requests; a filler
// goroutine should answer by calling AnswerDirectCmd.
func (c *Client) DirectCmdFeed() *store.Subscription[DirectCmdItem] {
	return c.directQueue.Subscribe()
}

// AnswerDirectCmd deposits the reply an external filler computed for a
// DIRECT_CMD uuid, which handleDirectCmd polls for.
func (c *Client) AnswerDirectCmd(uuid uint32, payload any) {
	c.directWaiter.Put(uuid, nil, payload)
}

// ShareFile stores data under its content hash and returns the hex digest.
func (c *Client) ShareFile(data []byte) (string, error) {
	if len(data) > c.transport.MaxReceiveSize()+1000 {
		return "", ErrBlobTooLarge
	}
	return c.blobs.Put(data)
}

// RemoveFile deletes a locally stored blob. It does not propagate the
// deletion; see RemoveFileByMaster for the administrative, network-wide
// form.
func (c *Client) RemoveFile(hash string) (bool, error) {
	had := c.blobs.Has(hash)
	if err := c.blobs.Remove(hash); err != nil {
		return false, err
	}
	return had, nil
}

// GetFile returns the blob locally if we already have it; otherwise it asks
// a shuffled set of neighbors via FILE_CHECK, FILE_GETs from the first one
// found to have it (or a random neighbor if none did), verifies the
// returned bytes hash to the requested digest, and persists and returns
// them. On a local hit, onlyCheck reports presence without reading the
// bytes back.
func (c *Client) GetFile(hash string, onlyCheck bool) ([]byte, bool, error) {
	if data, ok, err := c.blobs.Get(hash); err == nil && ok {
		if onlyCheck {
			return nil, true, nil
		}
		return data, true, nil
	}

	neighbors := c.transport.Clients()
	if len(neighbors) == 0 {
		return nil, false, fmt.Errorf("%w: no neighbors to ask", ErrFileReceive)
	}
	shuffled := append([]*transport.Neighbor(nil), neighbors...)
	rand.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })

	var hopeful *transport.Neighbor
	for _, n := range shuffled {
		result, err := c.SendCommand(CmdFileCheck, FileCheckRequest{Hash: hash}, n, 2*time.Second)
		if err != nil {
			continue
		}
		check, ok := result.Payload.(FileCheckResponse)
		if ok && check.Have {
			hopeful = n
			break
		}
	}
	if hopeful == nil {
		hopeful = shuffled[rand.Intn(len(shuffled))]
	}

	asked := make([]transport.Endpoint, 0, len(neighbors))
	for _, n := range neighbors {
		asked = append(asked, transport.Endpoint{Host: n.Host, Port: n.Header.P2PPort})
	}

	result, err := c.SendCommand(CmdFileGet, FileGetRequest{Hash: hash, Asked: asked}, hopeful, fileGetRelayWait)
	if err != nil {
		return nil, false, fmt.Errorf("%w: %v", ErrFileReceive, err)
	}
	got, ok := result.Payload.(FileGetResponse)
	if !ok || !got.Found {
		return nil, false, fmt.Errorf("%w: peers returned no data", ErrFileReceive)
	}
	if SHA256Hex(got.Data) != hash {
		return nil, false, fmt.Errorf("%w: hash mismatch", ErrFileReceive)
	}
	if err := c.blobs.PutVerified(got.Data, hash); err != nil {
		return nil, false, err
	}
	if onlyCheck {
		return nil, true, nil
	}
	return got.Data, true, nil
}

// RemoveFileByMaster deletes the local blob if present, signs a fresh
// (hash, now) claim with the caller's RSA private key, and floods it as a
// FILE_DELETE so every node holding the blob deletes it too.
func (c *Client) RemoveFileByMaster(key *rsa.PrivateKey, hash, pemName string) error {
	_ = c.blobs.Remove(hash)

	raw, sig, err := SignDeleteClaim(key, hash)
	if err != nil {
		return err
	}
	_, err = c.SendCommand(CmdFileDelete, FileDeleteRequest{Raw: raw, Sig: sig, Pem: pemName}, nil, 5*time.Second)
	return err
}
