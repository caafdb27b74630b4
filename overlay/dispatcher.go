package overlay

import (
	"github.com/meshward/overlay/transport"
)

// dispatchLoop is the single consumer of the transport's inbound stream: it
// decodes each envelope, routes it to the matching REQUEST/RESPONSE/ACK
// handler, and prunes the correlation stores afterward. The stabilizer runs
// as its own goroutine since its cadence is independent of inbound traffic.
func (c *Client) dispatchLoop() {
	defer c.wg.Done()
	defer close(c.dispatchDone)

	capacity := c.cfg.ListenCap * waiterTableCapFactor
	if capacity <= 0 {
		capacity = waiterTableCapFactor
	}

	for item := range c.transport.Inbound() {
		if item.From == nil {
			return
		}

		env, err := DecodeEnvelope(item.Data)
		if err != nil {
			c.log.Warn("decode error, closing neighbor", "neighbor", item.From.ID, "err", err)
			c.transport.RemoveConnection(item.From)
			continue
		}

		switch env.Type {
		case TypeRequest:
			c.handleRequest(item.From, env)
		case TypeResponse:
			c.handleResponse(item.From, env)
		case TypeAck:
			c.handleAck(item.From, env)
		default:
			c.log.Debug("unknown envelope type", "type", env.Type, "neighbor", item.From.ID)
		}

		c.pruneStores(capacity)
	}
}

func (c *Client) pruneStores(capacity int) {
	c.waiter.EvictOldestHalf(capacity)
	c.directWaiter.EvictOldestHalf(capacity)
	c.relayPaths.EvictOldest(capacity)
	c.markers.TrimToNewerHalf(markerSetCap)
}

// handleResponse handles the RESPONSE path, including the origin check: a
// FILE_GET response is only accepted from the neighbor recorded as the
// relay path's ShipTo.
func (c *Client) handleResponse(from *transport.Neighbor, env Envelope) {
	if env.Cmd == CmdFileGet {
		if rp, ok := c.relayPaths.Get(env.UUID); ok {
			if shipTo, _ := rp.ShipTo.(*transport.Neighbor); shipTo != from {
				c.log.Info("dropping file-get response from unexpected origin",
					"uuid", env.UUID, "from", from.ID)
				return
			}
		}
	}

	if c.waiter.Contains(env.UUID) {
		return
	}
	payload, err := decodeResponsePayload(env.Cmd, env.Data)
	if err != nil {
		c.log.Warn("failed to decode response payload", "cmd", env.Cmd, "uuid", env.UUID, "err", err)
		return
	}
	c.waiter.Put(env.UUID, from, payload)
}

// handleAck stores an ACK's delivery count in the same waiter table a
// RESPONSE would land in: the sender polls one table for both, since only
// one of RESPONSE/ACK is ever the real answer for a given uuid.
func (c *Client) handleAck(from *transport.Neighbor, env Envelope) {
	if c.waiter.Contains(env.UUID) {
		return
	}
	count, err := decodeData[int](env.Data)
	if err != nil {
		return
	}
	c.waiter.Put(env.UUID, from, count)
}

func decodeResponsePayload(cmd Command, raw []byte) (any, error) {
	switch cmd {
	case CmdPingPong:
		return decodeData[PingResponse](raw)
	case CmdGetPeerInfo:
		return decodeData[PeerInfoResponse](raw)
	case CmdGetPeers:
		return decodeData[PeersResponse](raw)
	case CmdCheckReachable:
		return decodeData[ReachableResponse](raw)
	case CmdFileCheck:
		return decodeData[FileCheckResponse](raw)
	case CmdFileGet:
		return decodeData[FileGetResponse](raw)
	case CmdDirectCmd:
		return decodeData[any](raw)
	default:
		return decodeData[any](raw)
	}
}
