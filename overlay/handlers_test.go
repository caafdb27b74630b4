package overlay

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"
	"testing"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/require"

	"github.com/meshward/overlay/transport"
)

func acceptAllBroadcasts(any) bool { return true }

func pemFromKey(t *testing.T, pub *rsa.PublicKey) []byte {
	t.Helper()
	b, err := x509.MarshalPKIXPublicKey(pub)
	require.NoError(t, err)
	return pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: b})
}

// signStaleClaim signs a (hash, time) claim whose embedded timestamp is
// offset by age, for exercising the skew-budget rejection path directly.
func signStaleClaim(key *rsa.PrivateKey, hash string, age time.Duration) (raw, sig []byte, err error) {
	claim := deleteClaim{FileHash: hash, Time: nowSeconds() + age.Seconds()}
	raw, err = cbor.Marshal(claim)
	if err != nil {
		return nil, nil, err
	}
	digest := sha256.Sum256(raw)
	sig, err = rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA256, digest[:])
	return raw, sig, err
}

func TestHandleBroadcastDedupAcrossTriangle(t *testing.T) {
	cfg := Config{BroadcastCheck: acceptAllBroadcasts}
	a, lbA := newTestClient(t, "a", 19101, cfg)
	b, lbB := newTestClient(t, "b", 19102, cfg)
	c, lbC := newTestClient(t, "c", 19103, cfg)
	lbA.Dial(lbB)
	lbB.Dial(lbC)
	lbA.Dial(lbC)

	subB := b.BroadcastFeed()
	subC := c.BroadcastFeed()
	defer subB.Close()
	defer subC.Close()

	_, err := a.SendCommand(CmdBroadcast, []byte("hello network"), nil, 2*time.Second)
	require.NoError(t, err)

	requireExactlyOneBroadcast(t, subB.C)
	requireExactlyOneBroadcast(t, subC.C)
}

func requireExactlyOneBroadcast(t *testing.T, ch <-chan BroadcastItem) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal("expected a broadcast item, got none")
	}
	select {
	case item := <-ch:
		t.Fatalf("received a duplicate broadcast: %+v", item)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestFileGetRelayWalkFetchesThroughIntermediary(t *testing.T) {
	a, lbA := newTestClient(t, "a", 19111, Config{}) // holds the blob
	_, lbB := newTestClient(t, "b", 19112, Config{}) // relays
	c, lbC := newTestClient(t, "c", 19113, Config{}) // wants it, has no direct link to a
	lbA.Dial(lbB)
	lbB.Dial(lbC)

	data := []byte("the quick brown fox")
	hash, err := a.ShareFile(data)
	require.NoError(t, err)

	got, found, err := c.GetFile(hash, false)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, data, got)
}

func TestFileGetResponseOriginCheckRejectsForgedReply(t *testing.T) {
	b, lbB := newTestClient(t, "b", 19121, Config{})
	d := transport.NewLoopback("127.0.0.1", 19122, transport.Header{Name: "d", P2PPort: 19122, P2PAccept: true})
	nd, _ := lbB.Dial(d)

	uuid := newUUID()
	b.relayPaths.Put(uuid, nd, nd) // b expects the answer to come from d

	forged := newResponse(CmdFileGet, uuid, FileGetResponse{Found: true, Data: []byte("the real blob")})
	b.handleResponse(nd, forged)
	entry, ok := b.waiter.Get(uuid)
	require.True(t, ok)
	resp := entry.Payload.(FileGetResponse)
	require.Equal(t, []byte("the real blob"), resp.Data)

	uuid2 := newUUID()
	b.relayPaths.Put(uuid2, nd, nd)
	impostor := transport.NewLoopback("127.0.0.1", 19123, transport.Header{Name: "impostor"})
	nImpostor, _ := lbB.Dial(impostor)
	forged2 := newResponse(CmdFileGet, uuid2, FileGetResponse{Found: true, Data: []byte("spoofed")})
	b.handleResponse(nImpostor, forged2)
	_, ok = b.waiter.Get(uuid2)
	require.False(t, ok, "response from an unexpected neighbor must be dropped")
}

func TestAdministrativeFileDeletePropagatesNetworkWide(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	pubPEM := pemFromKey(t, &key.PublicKey)

	cfg := Config{SignerKeys: map[string][]byte{"admin.pem": pubPEM}}
	a, lbA := newTestClient(t, "a", 19131, cfg)
	b, lbB := newTestClient(t, "b", 19132, cfg)
	c, lbC := newTestClient(t, "c", 19133, cfg)
	lbA.Dial(lbB)
	lbB.Dial(lbC)

	data := []byte("to be deleted")
	hashB, err := b.ShareFile(data)
	require.NoError(t, err)
	hashC, err := c.ShareFile(data)
	require.NoError(t, err)
	require.Equal(t, hashB, hashC)

	require.NoError(t, a.RemoveFileByMaster(key, hashB, "admin.pem"))

	require.Eventually(t, func() bool { return !b.blobs.Has(hashB) }, time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return !c.blobs.Has(hashC) }, time.Second, 10*time.Millisecond)
}

func TestFileDeleteRejectsStaleSignature(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	pubPEM := pemFromKey(t, &key.PublicKey)

	cfg := Config{SignerKeys: map[string][]byte{"admin.pem": pubPEM}}
	b, _ := newTestClient(t, "b", 19141, cfg)

	data := []byte("stale target")
	hash, err := b.ShareFile(data)
	require.NoError(t, err)

	oldRaw, oldSig, err := signStaleClaim(key, hash, -time.Hour)
	require.NoError(t, err)
	env := newRequest(CmdFileDelete, newUUID(), FileDeleteRequest{Raw: oldRaw, Sig: oldSig, Pem: "admin.pem"})

	neighbor := &transport.Neighbor{ID: 1, Host: "127.0.0.1", Port: 1}
	b.handleFileDelete(neighbor, env)

	require.True(t, b.blobs.Has(hash), "a stale signature must not delete the blob")
}

func TestFileDeleteRejectsWrongKey(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	wrongKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	wrongPubPEM := pemFromKey(t, &wrongKey.PublicKey)

	cfg := Config{SignerKeys: map[string][]byte{"admin.pem": wrongPubPEM}}
	b, _ := newTestClient(t, "b", 19151, cfg)

	data := []byte("wrong key target")
	hash, err := b.ShareFile(data)
	require.NoError(t, err)

	raw, sig, err := SignDeleteClaim(key, hash)
	require.NoError(t, err)
	env := newRequest(CmdFileDelete, newUUID(), FileDeleteRequest{Raw: raw, Sig: sig, Pem: "admin.pem"})

	neighbor := &transport.Neighbor{ID: 1, Host: "127.0.0.1", Port: 1}
	b.handleFileDelete(neighbor, env)

	require.True(t, b.blobs.Has(hash), "a signature from an untrusted key must not delete the blob")
}

func TestDirectCmdWithNoFillerReturnsNilAfterPollExhaustion(t *testing.T) {
	a, lbA := newTestClient(t, "a", 19161, Config{})
	_, lbB := newTestClient(t, "b", 19162, Config{})
	na, _ := lbA.Dial(lbB)
	// b never subscribes to DirectCmdFeed, so no filler ever answers.

	result, err := a.SendCommand(CmdDirectCmd, map[string]string{"op": "ping"}, na, 6*time.Second)
	require.NoError(t, err)
	require.Nil(t, result.Payload)
}
