package transport

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMailboxIdentityRoundTrip(t *testing.T) {
	tr := NewZMQ4("0.0.0.0", 9400, Header{Name: "a", P2PPort: 9400})
	tr.SetAdvertiseHost("192.0.2.1")

	identity := tr.mailboxIdentity(3)
	require.Equal(t, "192.0.2.1:9400|N3", identity)

	ep, ok := parseMailboxIdentity(identity)
	require.True(t, ok)
	require.Equal(t, Endpoint{Host: "192.0.2.1", Port: 9400}, ep)
}

func TestParseMailboxIdentityRejectsMalformed(t *testing.T) {
	for _, identity := range []string{
		"",
		"N3",
		"192.0.2.1|N3",
		":9400|N3",
		"192.0.2.1:notaport|N3",
		"192.0.2.1:0|N3",
	} {
		_, ok := parseMailboxIdentity(identity)
		require.False(t, ok, "identity %q should not parse", identity)
	}
}
