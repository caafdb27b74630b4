package overlay

import (
	"math/rand"
	"time"

	"github.com/meshward/overlay/transport"
)

// handleRequest dispatches an incoming REQUEST envelope to its command
// handler. Most commands answer synchronously on the spot (PING_PONG,
// GET_PEER_INFO, GET_PEERS, CHECK_REACHABLE, FILE_CHECK); FILE_GET and
// DIRECT_CMD run in their own goroutine since each can block on a downstream
// round trip before it has an answer to send back.
func (c *Client) handleRequest(from *transport.Neighbor, env Envelope) {
	switch env.Cmd {
	case CmdPingPong:
		c.handlePingPong(from, env)
	case CmdGetPeerInfo:
		c.handleGetPeerInfo(from, env)
	case CmdGetPeers:
		c.handleGetPeers(from, env)
	case CmdCheckReachable:
		c.handleCheckReachable(from, env)
	case CmdFileCheck:
		c.handleFileCheck(from, env)
	case CmdFileGet:
		go c.handleFileGet(from, env)
	case CmdBroadcast:
		c.handleBroadcast(from, env)
	case CmdFileDelete:
		c.handleFileDelete(from, env)
	case CmdDirectCmd:
		go c.handleDirectCmd(from, env)
	default:
		c.log.Debug("unhandled request command", "cmd", env.Cmd, "neighbor", from.ID)
	}
}

func (c *Client) respond(to *transport.Neighbor, cmd Command, uuid uint32, payload any) {
	resp := newResponse(cmd, uuid, payload)
	raw, err := EncodeEnvelope(resp)
	if err != nil {
		c.log.Warn("failed to encode response", "cmd", cmd, "uuid", uuid, "err", err)
		return
	}
	if err := c.transport.SendMsg(raw, to); err != nil {
		c.log.Warn("failed to send response", "cmd", cmd, "uuid", uuid, "neighbor", to.ID, "err", err)
	}
}

func (c *Client) ack(to *transport.Neighbor, cmd Command, uuid uint32, deliveries int) {
	ack := newAck(cmd, uuid, deliveries)
	raw, err := EncodeEnvelope(ack)
	if err != nil {
		c.log.Warn("failed to encode ack", "cmd", cmd, "uuid", uuid, "err", err)
		return
	}
	if err := c.transport.SendMsg(raw, to); err != nil {
		c.log.Warn("failed to send ack", "cmd", cmd, "uuid", uuid, "neighbor", to.ID, "err", err)
	}
}

// forward re-sends a REQUEST envelope verbatim (same uuid, same data) to
// every currently connected neighbor except skip, and returns how many of
// those sends actually succeeded. Used by BROADCAST and FILE_DELETE to flood
// the network while never echoing back to the peer a message just arrived
// from; the returned count is the number of re-propagations, not the size of
// the neighbor set.
func (c *Client) forward(env Envelope, skip *transport.Neighbor) int {
	raw, err := EncodeEnvelope(env)
	if err != nil {
		c.log.Warn("failed to encode forwarded request", "cmd", env.Cmd, "uuid", env.UUID, "err", err)
		return 0
	}
	sent := 0
	for _, n := range c.transport.Clients() {
		if n == skip {
			continue
		}
		if err := c.transport.SendMsg(raw, n); err != nil {
			c.log.Warn("forward send failed", "cmd", env.Cmd, "uuid", env.UUID, "neighbor", n.ID, "err", err)
			continue
		}
		sent++
	}
	return sent
}

func (c *Client) handlePingPong(from *transport.Neighbor, env Envelope) {
	req, err := decodeData[PingRequest](env.Data)
	if err != nil {
		c.log.Warn("malformed ping-pong request", "neighbor", from.ID, "err", err)
		return
	}
	c.respond(from, env.Cmd, env.UUID, PingResponse{Ping: req.Data, Pong: nowSeconds()})
}

func (c *Client) handleGetPeerInfo(from *transport.Neighbor, env Envelope) {
	c.respond(from, env.Cmd, env.UUID, PeerInfoResponse{Header: c.transport.Header()})
}

// handleGetPeers answers with two lists: "near" (the nodes we are currently
// connected to, with their observed host and advertised p2p port) and "peer"
// (everything in our persisted registry, connected or not).
func (c *Client) handleGetPeers(from *transport.Neighbor, env Envelope) {
	neighbors := c.transport.Clients()
	near := make([]PeerEntry, 0, len(neighbors))
	for _, n := range neighbors {
		near = append(near, PeerEntry{
			Endpoint: transport.Endpoint{Host: n.Host, Port: n.Header.P2PPort},
			Header:   n.Header,
		})
	}

	snapshot := c.registry.Snapshot()
	peer := make([]PeerEntry, 0, len(snapshot))
	for ep, rec := range snapshot {
		peer = append(peer, PeerEntry{
			Endpoint: transport.Endpoint{Host: ep.Host, Port: ep.Port},
			Header:   transport.Header(rec.Header),
		})
	}

	c.respond(from, env.Cmd, env.UUID, PeersResponse{Near: near, Peer: peer})
}

// handleCheckReachable performs the blocking TCP probe synchronously: the
// requester waits for our dial attempt, not the other way around.
func (c *Client) handleCheckReachable(from *transport.Neighbor, env Envelope) {
	req, err := decodeData[ReachableRequest](env.Data)
	if err != nil {
		c.log.Warn("malformed check-reachable request", "neighbor", from.ID, "err", err)
		return
	}
	port := req.Port
	if port == 0 {
		port = from.Header.P2PPort
	}
	c.respond(from, env.Cmd, env.UUID, ReachableResponse{Reachable: isReachable(from.Host, port)})
}

// handleFileCheck answers "do we have this blob" and "do we already have a
// relay in flight for the walk asking about it".
func (c *Client) handleFileCheck(from *transport.Neighbor, env Envelope) {
	req, err := decodeData[FileCheckRequest](env.Data)
	if err != nil {
		c.log.Warn("malformed file-check request", "neighbor", from.ID, "err", err)
		return
	}
	_, asked := c.relayPaths.Get(req.WalkUUID)
	c.respond(from, env.Cmd, env.UUID, FileCheckResponse{
		Have:  c.blobs.Has(req.Hash),
		Asked: asked,
	})
}

// handleFileGet implements the relay walk: serve the blob directly if we
// have it, otherwise shuffle our neighbor set, push any
// neighbor the requester says it already asked (`req.Asked`, translated back
// to our own connected-neighbor handles) to the end so fresher candidates
// are tried first, walk the list issuing FILE_CHECK, pick the first
// "have=true" as hopeful or else the first untried candidate, record our hop
// of the relay path before forwarding, and relay the eventual answer back.
// `asked` is reset to our own neighbor endpoints at each hop rather than
// accumulated across hops — each relay node only shields its own immediate
// neighbors from being re-asked, not the whole path so far.
func (c *Client) handleFileGet(from *transport.Neighbor, env Envelope) {
	req, err := decodeData[FileGetRequest](env.Data)
	if err != nil {
		c.log.Warn("malformed file-get request", "neighbor", from.ID, "err", err)
		return
	}

	if data, ok, err := c.blobs.Get(req.Hash); err == nil && ok {
		c.relayPaths.Put(env.UUID, from, from)
		c.respond(from, env.Cmd, env.UUID, FileGetResponse{Found: true, Data: data})
		return
	}

	nears := make(map[*transport.Neighbor]bool, len(req.Asked))
	for _, ep := range req.Asked {
		if n, ok := c.transport.PeerFormat2Client(ep); ok {
			nears[n] = true
		}
	}

	all := c.transport.Clients()
	ordered := make([]*transport.Neighbor, 0, len(all))
	for _, n := range all {
		if !nears[n] {
			ordered = append(ordered, n)
		}
	}
	rand.Shuffle(len(ordered), func(i, j int) { ordered[i], ordered[j] = ordered[j], ordered[i] })
	visited := make([]*transport.Neighbor, 0, len(nears))
	for _, n := range all {
		if nears[n] {
			visited = append(visited, n)
		}
	}
	rand.Shuffle(len(visited), func(i, j int) { visited[i], visited[j] = visited[j], visited[i] })
	ordered = append(ordered, visited...)

	var hopeful *transport.Neighbor
	var firstCandidate *transport.Neighbor
	for _, n := range ordered {
		result, err := c.SendCommand(CmdFileCheck, FileCheckRequest{Hash: req.Hash, WalkUUID: env.UUID}, n, 2*time.Second)
		if err != nil {
			continue
		}
		check, ok := result.Payload.(FileCheckResponse)
		if !ok {
			continue
		}
		if check.Have {
			hopeful = n
			break
		}
		if !check.Asked && firstCandidate == nil {
			firstCandidate = n
		}
	}
	if hopeful == nil {
		hopeful = firstCandidate
	}
	if hopeful == nil {
		c.respond(from, env.Cmd, env.UUID, FileGetResponse{Found: false})
		return
	}

	// Record our hop of the relay path before issuing the downstream request,
	// so a fast-returning response's origin check (dispatcher.go
	// handleResponse) always finds an entry to compare against.
	c.relayPaths.Put(env.UUID, from, hopeful)

	ourEndpoints := make([]transport.Endpoint, 0, len(all))
	for _, n := range all {
		ourEndpoints = append(ourEndpoints, transport.Endpoint{Host: n.Host, Port: n.Header.P2PPort})
	}

	result, err := c.SendCommand(CmdFileGet, FileGetRequest{Hash: req.Hash, Asked: ourEndpoints}, hopeful, fileGetRelayWait)
	if err != nil {
		c.respond(from, env.Cmd, env.UUID, FileGetResponse{Found: false})
		return
	}
	got, ok := result.Payload.(FileGetResponse)
	if !ok {
		c.respond(from, env.Cmd, env.UUID, FileGetResponse{Found: false})
		return
	}
	c.respond(from, env.Cmd, env.UUID, got)
}

// handleBroadcast implements the flood-with-loop-suppression algorithm: a
// uuid already seen (waiter), already ours (marker), or rejected by the
// admission callback is dropped without further action; otherwise it is
// recorded, acked back to the sender with the number of neighbors it was
// just re-propagated to, and re-flooded to every other neighbor.
func (c *Client) handleBroadcast(from *transport.Neighbor, env Envelope) {
	if c.waiter.Contains(env.UUID) || c.markers.Contains(env.UUID) {
		return
	}
	if !c.cfg.broadcastCheck()(env.Data) {
		return
	}

	c.waiter.Put(env.UUID, from, env.Data)
	c.broadcastQueue.Publish(BroadcastItem{Origin: from, UUID: env.UUID, Data: env.Data})
	sent := c.forward(env, from)
	c.ack(from, env.Cmd, env.UUID, sent)
}

// handleFileDelete verifies the signed (hash, time) claim against the named
// trusted key, rejects silently on any failure (bad signer name, skew, bad
// signature) with no ack and no re-propagation, and on success deletes the
// local blob, acks the sender with the re-propagation count (so a local
// RemoveFileByMaster's own send_command round trip can complete), and floods
// the claim onward.
func (c *Client) handleFileDelete(from *transport.Neighbor, env Envelope) {
	if c.waiter.Contains(env.UUID) || c.markers.Contains(env.UUID) {
		return
	}

	req, err := decodeData[FileDeleteRequest](env.Data)
	if err != nil {
		return
	}

	pemBytes, ok := c.cfg.SignerKeys[req.Pem]
	if !ok {
		c.log.Info("file-delete names unknown signer", "pem", req.Pem, "uuid", env.UUID)
		return
	}

	claim, err := verifyDeleteClaim(req.Raw, req.Sig, pemBytes, fileDeleteSkewBudget)
	if err != nil {
		c.log.Info("file-delete signature rejected", "uuid", env.UUID, "err", err)
		return
	}

	c.waiter.Put(env.UUID, from, true)
	if err := c.blobs.Remove(claim.FileHash); err != nil {
		c.log.Warn("failed to remove blob for file-delete", "hash", claim.FileHash, "err", err)
	}
	sent := c.forward(env, from)
	c.ack(from, env.Cmd, env.UUID, sent)
}

// handleDirectCmd publishes the request to an external filler via
// directQueue, polls directWaiter for up to
// directCmdPollAttempts*directCmdPollInterval for that filler's reply, and
// sends back whatever arrived (or a not-found response on timeout).
func (c *Client) handleDirectCmd(from *transport.Neighbor, env Envelope) {
	c.directQueue.Publish(DirectCmdItem{From: from, UUID: env.UUID, Data: env.Data})

	for i := 0; i < directCmdPollAttempts; i++ {
		if entry, ok := c.directWaiter.Get(env.UUID); ok {
			c.respond(from, env.Cmd, env.UUID, entry.Payload)
			return
		}
		select {
		case <-c.stopped:
			return
		case <-time.After(directCmdPollInterval):
		}
	}
	c.respond(from, env.Cmd, env.UUID, nil)
}
