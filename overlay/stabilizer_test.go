package overlay

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/meshward/overlay/overlay/registry"
	"github.com/meshward/overlay/transport"
)

// TestBootstrapConnectsUntilHalfOfListenCap exercises the bootstrap phase
// directly: starting from an empty neighbor set and a registry full of
// p2p_accept-advertising candidates, bootstrap should keep dialing until
// max(1, ListenCap/2) peers are connected.
func TestBootstrapConnectsUntilHalfOfListenCap(t *testing.T) {
	under, lbUnder := newTestClient(t, "under-test", 19201, Config{ListenCap: 2})

	lbPeer := transport.NewLoopback("127.0.0.1", 19202, transport.Header{Name: "peer", P2PPort: 19202, P2PAccept: true})
	require.NoError(t, lbPeer.Start())
	t.Cleanup(func() { _ = lbPeer.Close() })

	under.registry.Put(registry.Endpoint{Host: "127.0.0.1", Port: 19202}, registry.Record{
		Header: registry.Header{Name: "peer", P2PPort: 19202, P2PAccept: true},
	})

	under.bootstrap()

	require.Len(t, lbUnder.Clients(), 1)
}

// TestIgnoreSetExcludesOwnAddressesAndConnectedPeers covers ignoreSet's
// exclusion set construction.
func TestIgnoreSetExcludesOwnAddressesAndConnectedPeers(t *testing.T) {
	under, lbUnder := newTestClient(t, "under-test", 19211, Config{
		GlobalIP: "203.0.113.5",
		LocalIP:  "192.168.1.5",
	})
	_, lbPeer := newTestClient(t, "peer", 19212, Config{})
	lbUnder.Dial(lbPeer)

	ignore := under.ignoreSet(lbUnder.Clients())

	require.True(t, ignore[transport.Endpoint{Host: "203.0.113.5", Port: 19211}])
	require.True(t, ignore[transport.Endpoint{Host: "192.168.1.5", Port: 19211}])
	require.True(t, ignore[transport.Endpoint{Host: "127.0.0.1", Port: 19211}])
	require.True(t, ignore[transport.Endpoint{Host: "127.0.0.1", Port: 19212}])
	require.False(t, ignore[transport.Endpoint{Host: "127.0.0.1", Port: 19999}])
}

// TestGrowConnectionsPrefersLowerScoredCandidates covers the grow branch:
// one candidate is dialed per rebalance tick, drawn from the lower-scored
// half of the registry, so a much-worse-scored candidate is never the one
// picked while better options are available.
func TestGrowConnectionsPrefersLowerScoredCandidates(t *testing.T) {
	under, lbUnder := newTestClient(t, "under-test", 19221, Config{ListenCap: 4})

	candidates := []struct {
		name  string
		port  int
		score int
	}{
		{"good", 19222, 0},
		{"mid", 19223, 10},
		{"meh", 19224, 90},
		{"worst", 19225, 100},
	}
	for _, cand := range candidates {
		lb := transport.NewLoopback("127.0.0.1", cand.port, transport.Header{Name: cand.name, P2PPort: cand.port, P2PAccept: true})
		require.NoError(t, lb.Start())
		t.Cleanup(func() { _ = lb.Close() })
		under.registry.Put(registry.Endpoint{Host: "127.0.0.1", Port: cand.port}, registry.Record{
			Header: registry.Header{Name: cand.name, P2PPort: cand.port, P2PAccept: true},
			Score:  cand.score,
		})
	}

	under.growConnections(map[transport.Endpoint]bool{})

	require.Len(t, lbUnder.Clients(), 1)
	require.NotEqual(t, "worst", lbUnder.Clients()[0].Header.Name,
		"the highest-scored candidate must never be picked from the lower half while better-scored options exist")
}

// TestShrinkConnectionsDropsPeerWithEnoughNeighborsOfItsOwn covers the
// shrink branch: a candidate neighbor that itself already reports at least
// NeedConnection peers is dropped outright rather than merely demoted.
func TestShrinkConnectionsDropsPeerWithEnoughNeighborsOfItsOwn(t *testing.T) {
	under, lbUnder := newTestClient(t, "under-test", 19231, Config{NeedConnection: 1})
	_, lbWellConnected := newTestClient(t, "well-connected", 19232, Config{})
	_, lbFiller := newTestClient(t, "filler", 19233, Config{})
	lbWellConnected.Dial(lbFiller) // gives wellConnected a neighbor of its own

	lbUnder.Dial(lbWellConnected)

	under.shrinkConnections(lbUnder.Clients())

	require.Empty(t, lbUnder.Clients())
}

// TestMergeDiscoveredSkipsIgnoredEndpoints covers the "not in the ignore
// set" filter on newly learned peers.
func TestMergeDiscoveredSkipsIgnoredEndpoints(t *testing.T) {
	under, _ := newTestClient(t, "under-test", 19241, Config{})
	ignore := map[transport.Endpoint]bool{{Host: "10.0.0.1", Port: 9000}: true}

	under.mergeDiscovered([]PeerEntry{
		{Endpoint: transport.Endpoint{Host: "10.0.0.1", Port: 9000}, Header: transport.Header{Name: "ignored"}},
		{Endpoint: transport.Endpoint{Host: "10.0.0.2", Port: 9000}, Header: transport.Header{Name: "kept"}},
	}, ignore)

	_, ok := under.registry.Get(registry.Endpoint{Host: "10.0.0.1", Port: 9000})
	require.False(t, ok)
	rec, ok := under.registry.Get(registry.Endpoint{Host: "10.0.0.2", Port: 9000})
	require.True(t, ok)
	require.Equal(t, "kept", rec.Header.Name)
}
