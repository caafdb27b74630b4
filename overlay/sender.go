package overlay

import (
	"fmt"
	"math/rand"
	"time"

	"github.com/meshward/overlay/transport"
)

// Result is what a synchronous SendCommand returns on success: who the
// reply came from and its decoded payload.
type Result struct {
	Origin  *transport.Neighbor
	Payload any
}

// SendCommand allocates a fresh uuid, picks targets per cmd, sends, then
// polls the waiter table until a match arrives or wait elapses. It backs
// both the local API (direct caller commands) and every handler that needs
// to issue its own synchronous request (GET_PEERS from the stabilizer,
// FILE_CHECK/FILE_GET from the relay walk).
//
// client may be nil to mean "pick a random connected neighbor" for ordinary
// commands; BROADCAST/FILE_DELETE always target every neighbor regardless of
// client, and FILE_GET requires a non-nil, connected client.
func (c *Client) SendCommand(cmd Command, data any, client *transport.Neighbor, wait time.Duration) (Result, error) {
	if wait < time.Second {
		return Result{}, ErrWaitTooShort
	}

	targets, err := c.selectTargets(cmd, client)
	if err != nil {
		return Result{}, err
	}

	uuid := newUUID()
	req := newRequest(cmd, uuid, data)
	raw, err := EncodeEnvelope(req)
	if err != nil {
		return Result{}, err
	}

	switch cmd {
	case CmdBroadcast, CmdFileDelete:
		c.markers.Add(uuid)
	case CmdFileGet:
		c.relayPaths.Put(uuid, "sender", client)
		wait = fileGetRelayWait
	}

	for _, n := range targets {
		if err := c.transport.SendMsg(raw, n); err != nil {
			c.log.Warn("send failed", "cmd", cmd, "neighbor", n.ID, "err", err)
		}
	}

	deadline := time.Now().Add(wait)
	for time.Now().Before(deadline) {
		if entry, ok := c.waiter.Get(uuid); ok {
			origin, _ := entry.Origin.(*transport.Neighbor)
			if cmd == CmdBroadcast {
				c.broadcastQueue.Publish(BroadcastItem{Origin: origin, UUID: uuid, Data: req.Data})
			}
			return Result{Origin: origin, Payload: entry.Payload}, nil
		}
		select {
		case <-c.stopped:
			return Result{}, fmt.Errorf("%w: client closed", ErrTimeout)
		case <-time.After(senderPollInterval):
		}
	}

	// Timeout: the neighbor that failed to answer is presumed dead only when
	// there was exactly one well-defined target. BROADCAST and FILE_DELETE
	// fan out to every neighbor, so no single connection is the culprit;
	// leave them all connected.
	if cmd != CmdBroadcast && cmd != CmdFileDelete && len(targets) == 1 {
		c.transport.RemoveConnection(targets[0])
	}
	name := cmd
	return Result{}, fmt.Errorf("%w: %s uuid=%d", ErrTimeout, name, uuid)
}

func (c *Client) selectTargets(cmd Command, client *transport.Neighbor) ([]*transport.Neighbor, error) {
	all := c.transport.Clients()

	switch cmd {
	case CmdBroadcast, CmdFileDelete:
		if len(all) == 0 {
			return nil, ErrNoConnection
		}
		return all, nil

	case CmdFileGet:
		if client == nil {
			return nil, ErrNoConnection
		}
		if !containsNeighbor(all, client) {
			return nil, ErrNoConnection
		}
		return []*transport.Neighbor{client}, nil

	default:
		if client != nil {
			if !containsNeighbor(all, client) {
				return nil, ErrNoConnection
			}
			return []*transport.Neighbor{client}, nil
		}
		if len(all) == 0 {
			return nil, ErrNoConnection
		}
		return []*transport.Neighbor{all[rand.Intn(len(all))]}, nil
	}
}

func containsNeighbor(list []*transport.Neighbor, n *transport.Neighbor) bool {
	for _, x := range list {
		if x == n {
			return true
		}
	}
	return false
}
