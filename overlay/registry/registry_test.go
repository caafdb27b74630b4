package registry

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRegistryLoadMissingFileIsEmpty(t *testing.T) {
	r := New(filepath.Join(t.TempDir(), "peer.dat"))
	require.NoError(t, r.Load())
	require.Equal(t, 0, r.Len())
}

func TestRegistryPutGetDelete(t *testing.T) {
	r := New(filepath.Join(t.TempDir(), "peer.dat"))
	ep := Endpoint{Host: "10.0.0.1", Port: 9001}
	rec := Record{Header: Header{Name: "alice", P2PPort: 9001, P2PAccept: true}, Score: 3}

	r.Put(ep, rec)
	got, ok := r.Get(ep)
	require.True(t, ok)
	require.Equal(t, rec, got)

	r.Delete(ep)
	_, ok = r.Get(ep)
	require.False(t, ok)
}

func TestRegistrySaveAndReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "peer.dat")
	r := New(path)
	eps := []Endpoint{
		{Host: "10.0.0.1", Port: 9001},
		{Host: "10.0.0.2", Port: 9002},
	}
	for i, ep := range eps {
		r.Put(ep, Record{Header: Header{Name: "peer", P2PPort: ep.Port, P2PAccept: true}, Score: i})
	}
	require.NoError(t, r.Save())

	r2 := New(path)
	require.NoError(t, r2.Load())
	require.Equal(t, r.Len(), r2.Len())
	for _, ep := range eps {
		want, _ := r.Get(ep)
		got, ok := r2.Get(ep)
		require.True(t, ok)
		require.Equal(t, want, got)
	}
}

func TestRegistrySnapshotIsACopy(t *testing.T) {
	r := New(filepath.Join(t.TempDir(), "peer.dat"))
	ep := Endpoint{Host: "10.0.0.1", Port: 9001}
	r.Put(ep, Record{Header: Header{Name: "alice"}})

	snap := r.Snapshot()
	snap[ep] = Record{Header: Header{Name: "mutated"}}

	got, ok := r.Get(ep)
	require.True(t, ok)
	require.Equal(t, "alice", got.Header.Name)
}

func TestEndpointString(t *testing.T) {
	ep := Endpoint{Host: "192.168.1.1", Port: 9400}
	require.Equal(t, "192.168.1.1:9400", ep.String())
}
