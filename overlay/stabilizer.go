package overlay

import (
	"math/rand"
	"sort"
	"time"

	"github.com/meshward/overlay/overlay/registry"
	"github.com/meshward/overlay/transport"
)

// stabilizeLoop is an autonomous background loop that keeps this node
// connected to roughly ListenCap neighbors, bootstrapping from the persisted
// registry and then continuously rebalancing. There is no passive discovery
// mechanism here (no UDP beacon); discovery is entirely registry- and
// GET_PEERS-driven.
func (c *Client) stabilizeLoop() {
	defer c.wg.Done()

	select {
	case <-time.After(stabilizerInitialDelay):
	case <-c.stopped:
		return
	}

	c.bootstrap()

	tick := 0
	for {
		select {
		case <-c.stopped:
			return
		default:
		}

		connected := len(c.transport.Clients())
		switch {
		case connected < c.cfg.needConnection():
			if !c.sleep(2 * time.Second) {
				return
			}
		case tick%24 == 23:
			if !c.sleep(time.Duration(10+rand.Intn(10)) * time.Second) {
				return
			}
		default:
			// This branch sleeps 5s and skips the rebalance without
			// advancing the counter. Only the other two branches advance it,
			// so while at least NeedConnection neighbors are connected and
			// tick%24 != 23, the loop keeps taking this branch and no
			// rebalance runs.
			if !c.sleep(5 * time.Second) {
				return
			}
			continue
		}

		tick++
		c.rebalance(tick)
	}
}

// sleep blocks for d or until Close is called, reporting whether it slept to
// completion.
func (c *Client) sleep(d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-c.stopped:
		return false
	}
}

// bootstrap tries a shuffled subset of registry entries that advertise
// accepting inbound connections, until at least half of ListenCap (never
// less than 1) are connected.
func (c *Client) bootstrap() {
	target := c.cfg.ListenCap / 2
	if target < 1 {
		target = 1
	}

	snapshot := c.registry.Snapshot()
	candidates := make([]registry.Endpoint, 0, len(snapshot))
	for ep, rec := range snapshot {
		if rec.Header.P2PAccept {
			candidates = append(candidates, ep)
		}
	}
	rand.Shuffle(len(candidates), func(i, j int) { candidates[i], candidates[j] = candidates[j], candidates[i] })

	for _, ep := range candidates {
		if len(c.transport.Clients()) >= target {
			return
		}
		ok, err := c.transport.CreateConnection(ep.Host, ep.Port)
		if err != nil {
			c.log.Warn("bootstrap dial error", "endpoint", ep, "err", err)
		} else if ok {
			c.log.Info("bootstrap connected", "endpoint", ep)
		}
		if !c.sleep(5 * time.Second) {
			return
		}
	}
}

// rebalance is the per-tick body: refresh the registry from our current
// neighbors, pull a peer list from one of them, merge newly learned peers
// into the registry, periodically persist it, score every candidate, then
// shrink, grow, or mutate the neighbor set toward the two-thirds band around
// ListenCap.
func (c *Client) rebalance(tick int) {
	neighbors := c.transport.Clients()
	ignore := c.ignoreSet(neighbors)

	for _, n := range neighbors {
		ep := registry.Endpoint{Host: n.Host, Port: n.Header.P2PPort}
		rec, _ := c.registry.Get(ep)
		rec.Header = registry.Header(n.Header)
		c.registry.Put(ep, rec)
	}

	if len(neighbors) > 0 {
		pick := neighbors[rand.Intn(len(neighbors))]
		if result, err := c.SendCommand(CmdGetPeers, nil, pick, 5*time.Second); err == nil {
			if peers, ok := result.Payload.(PeersResponse); ok {
				c.mergeDiscovered(peers.Near, ignore)
				c.mergeDiscovered(peers.Peer, ignore)
				c.bumpQueriedScore(pick, len(peers.Near), ignore)
			}
		}
	}

	if tick%20 == 0 {
		if err := c.registry.Save(); err != nil {
			c.log.Warn("failed to persist peer registry", "err", err)
		}
	}

	twoThirds := (2 * c.cfg.ListenCap) / 3
	switch {
	case len(neighbors) > twoThirds:
		c.shrinkConnections(neighbors)
	case len(neighbors) < twoThirds:
		c.growConnections(ignore)
	case len(neighbors) > c.cfg.ListenCap/2 && rand.Intn(100) == 0:
		c.mutateOneConnection(neighbors)
	default:
		c.sleep(60 * time.Second)
	}
}

// ignoreSet builds the set of endpoints the stabilizer must never treat as a
// dial candidate: our own global IP, local IP, and loopback, each paired
// with our own advertised p2p_port, plus every endpoint we're currently
// connected to. Discovered peers and grow/shrink candidates are never drawn
// from this set, so the stabilizer never tries to dial itself.
func (c *Client) ignoreSet(neighbors []*transport.Neighbor) map[transport.Endpoint]bool {
	ignore := make(map[transport.Endpoint]bool, len(neighbors)+3)
	ownPort := c.transport.Header().P2PPort
	for _, host := range []string{c.cfg.GlobalIP, c.cfg.LocalIP, "127.0.0.1"} {
		if host != "" {
			ignore[transport.Endpoint{Host: host, Port: ownPort}] = true
		}
	}
	for _, n := range neighbors {
		ignore[transport.Endpoint{Host: n.Host, Port: n.Header.P2PPort}] = true
	}
	return ignore
}

// mergeDiscovered records newly learned peers into the registry without
// overwriting a peer we already know more about: an existing record's Score
// is preserved and incremented across re-discovery rather than reset to
// zero, so a peer already converged toward a stable score doesn't get
// clobbered just because it showed up again in a GET_PEERS reply.
func (c *Client) mergeDiscovered(entries []PeerEntry, ignore map[transport.Endpoint]bool) {
	for _, e := range entries {
		if e.Endpoint.Port == 0 || ignore[e.Endpoint] {
			continue
		}
		ep := registry.Endpoint(e.Endpoint)
		existing, ok := c.registry.Get(ep)
		rec := registry.Record{Header: registry.Header(e.Header)}
		if ok {
			rec.Score = existing.Score + 1
		}
		c.registry.Put(ep, rec)
	}
}

// bumpQueriedScore adds nearCount/2 to the score of the endpoint we just sent
// GET_PEERS to. It adds this every time that endpoint is queried, not only
// the first time. It comes on top of the +1 that mergeDiscovered gives each
// already-known entry in the reply.
func (c *Client) bumpQueriedScore(queried *transport.Neighbor, nearCount int, ignore map[transport.Endpoint]bool) {
	ep := registry.Endpoint{Host: queried.Host, Port: queried.Header.P2PPort}
	if ignore[transport.Endpoint(ep)] {
		return
	}
	rec, ok := c.registry.Get(ep)
	if !ok {
		rec.Header = registry.Header(queried.Header)
	}
	rec.Score += nearCount / 2
	c.registry.Put(ep, rec)
}

// growConnections runs once per rebalance tick: sort every
// p2p_accept-advertising, non-ignored registry candidate by ascending score
// (lower score = higher priority), pick one at random from the lower half,
// and attempt exactly one connection. A dial failure demotes the
// candidate's score and, if that pushes it past ListenCap, evicts it from
// the registry entirely.
func (c *Client) growConnections(ignore map[transport.Endpoint]bool) {
	snapshot := c.registry.Snapshot()
	candidates := make([]registry.Endpoint, 0, len(snapshot))
	for ep, rec := range snapshot {
		if !rec.Header.P2PAccept || ignore[transport.Endpoint(ep)] {
			continue
		}
		candidates = append(candidates, ep)
	}
	if len(candidates) == 0 {
		return
	}
	sort.Slice(candidates, func(i, j int) bool {
		return snapshot[candidates[i]].Score < snapshot[candidates[j]].Score
	})
	lowerHalf := candidates
	if len(candidates) > 1 {
		lowerHalf = candidates[:len(candidates)/2+1]
	}
	pick := lowerHalf[rand.Intn(len(lowerHalf))]

	if ok, err := c.transport.CreateConnection(pick.Host, pick.Port); err == nil && ok {
		return
	}
	rec, _ := c.registry.Get(pick)
	rec.Score++
	if rec.Score > c.cfg.ListenCap {
		c.registry.Delete(pick)
		return
	}
	c.registry.Put(pick, rec)
}

// shrinkConnections picks a candidate uniformly at random from the
// currently connected neighbors — every connected neighbor is treated as
// equally eligible for this decision, regardless of its persisted registry
// score — GET_PEERS it, and drops it only if it already reports at least
// NeedConnection neighbors of its own; otherwise its registry score is
// demoted so it's less likely to be picked for growth again soon.
func (c *Client) shrinkConnections(neighbors []*transport.Neighbor) {
	candidate := neighbors[rand.Intn(len(neighbors))]

	hasEnough := false
	if result, err := c.SendCommand(CmdGetPeers, nil, candidate, 5*time.Second); err == nil {
		if peers, ok := result.Payload.(PeersResponse); ok {
			hasEnough = len(peers.Near) >= c.cfg.needConnection()
		}
	}
	if hasEnough {
		c.transport.RemoveConnection(candidate)
		return
	}
	ep := registry.Endpoint{Host: candidate.Host, Port: candidate.Header.P2PPort}
	rec, _ := c.registry.Get(ep)
	rec.Score++
	c.registry.Put(ep, rec)
}

// mutateOneConnection unconditionally drops one random neighbor, even while
// already inside the target band, so the neighbor set keeps exploring
// instead of freezing on its first stable set. The 1% gate lives in
// rebalance's switch; by the time this runs there is nothing left to decide.
func (c *Client) mutateOneConnection(neighbors []*transport.Neighbor) {
	if len(neighbors) == 0 {
		return
	}
	c.transport.RemoveConnection(neighbors[rand.Intn(len(neighbors))])
}
