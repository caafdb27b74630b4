package transport

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoopbackDialAndSendMsg(t *testing.T) {
	a := NewLoopback("127.0.0.1", 9001, Header{Name: "a", P2PPort: 9001, P2PAccept: true})
	b := NewLoopback("127.0.0.1", 9002, Header{Name: "b", P2PPort: 9002, P2PAccept: true})
	require.NoError(t, a.Start())
	require.NoError(t, b.Start())

	na, nb := a.Dial(b)
	require.Len(t, a.Clients(), 1)
	require.Len(t, b.Clients(), 1)

	require.NoError(t, a.SendMsg([]byte("hello"), na))

	select {
	case item := <-b.Inbound():
		require.Equal(t, nb, item.From)
		require.Equal(t, []byte("hello"), item.Data)
	case <-time.After(time.Second):
		t.Fatal("b did not receive the message")
	}
}

func TestLoopbackRemoveConnectionIsMutual(t *testing.T) {
	a := NewLoopback("127.0.0.1", 9001, Header{Name: "a"})
	b := NewLoopback("127.0.0.1", 9002, Header{Name: "b"})
	na, _ := a.Dial(b)

	a.RemoveConnection(na)
	require.Empty(t, a.Clients())
	require.Empty(t, b.Clients())
}

func TestLoopbackCloseSendsSentinel(t *testing.T) {
	a := NewLoopback("127.0.0.1", 9001, Header{Name: "a"})
	b := NewLoopback("127.0.0.1", 9002, Header{Name: "b"})
	a.Dial(b)

	require.NoError(t, a.Close())

	select {
	case item := <-a.Inbound():
		require.Nil(t, item.From)
	case <-time.After(time.Second):
		t.Fatal("Close did not enqueue a shutdown sentinel")
	}
	require.Empty(t, a.Clients())
}

func TestLoopbackPeerFormat2Client(t *testing.T) {
	a := NewLoopback("127.0.0.1", 9001, Header{Name: "a"})
	b := NewLoopback("127.0.0.1", 9002, Header{Name: "b", P2PPort: 9002})
	na, _ := a.Dial(b)

	got, ok := a.PeerFormat2Client(Endpoint{Host: "127.0.0.1", Port: 9002})
	require.True(t, ok)
	require.Equal(t, na, got)

	_, ok = a.PeerFormat2Client(Endpoint{Host: "10.0.0.9", Port: 1})
	require.False(t, ok)
}

func TestLoopbackCreateConnectionDialsByAddress(t *testing.T) {
	a := NewLoopback("127.0.0.1", 9001, Header{Name: "a", P2PPort: 9001, P2PAccept: true})
	b := NewLoopback("127.0.0.1", 9002, Header{Name: "b", P2PPort: 9002, P2PAccept: true})
	require.NoError(t, a.Start())
	require.NoError(t, b.Start())
	t.Cleanup(func() { _ = a.Close() })
	t.Cleanup(func() { _ = b.Close() })

	ok, err := a.CreateConnection("127.0.0.1", 9999)
	require.NoError(t, err)
	require.False(t, ok, "dialing an address with no started Loopback behind it must fail, not error")
	require.Empty(t, a.Clients())

	ok, err = a.CreateConnection("127.0.0.1", 9002)
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, a.Clients(), 1)
	require.Len(t, b.Clients(), 1)

	ok, err = a.CreateConnection("127.0.0.1", 9001)
	require.NoError(t, err)
	require.False(t, ok, "dialing our own bound address must not connect to ourselves")
}

var _ Transport = (*Loopback)(nil)
