package overlay

import "github.com/meshward/overlay/transport"

// Payload shapes for each command. These are plain structs CBOR-encoded
// generically by envelope.go's encodeData/decodeData, one type per command.

// PingRequest/PingResponse back CmdPingPong.
type PingRequest struct {
	Data int64 `cbor:"data"`
}

type PingResponse struct {
	Ping int64   `cbor:"ping"`
	Pong float64 `cbor:"pong"`
}

// PeerInfoResponse backs CmdGetPeerInfo: the responder's own header.
type PeerInfoResponse struct {
	Header transport.Header `cbor:"header"`
}

// PeerEntry is one (endpoint, header) pair as seen in GET_PEERS' near/peer
// lists.
type PeerEntry struct {
	Endpoint transport.Endpoint `cbor:"endpoint"`
	Header   transport.Header   `cbor:"header"`
}

// PeersResponse backs CmdGetPeers.
type PeersResponse struct {
	Near []PeerEntry `cbor:"near"`
	Peer []PeerEntry `cbor:"peer"`
}

// ReachableRequest/ReachableResponse back CmdCheckReachable. Port is 0 when
// absent, meaning "use the sender's advertised p2p_port".
type ReachableRequest struct {
	Port int `cbor:"port"`
}

type ReachableResponse struct {
	Reachable bool `cbor:"reachable"`
}

// FileCheckRequest/FileCheckResponse back CmdFileCheck. WalkUUID is the
// uuid of the FILE_GET walk this check is being asked on behalf of (not the
// FILE_CHECK envelope's own uuid) — it lets the responder answer "asked"
// against the right relay-path entry: asked iff a relay path is already
// recorded for this walk's uuid.
type FileCheckRequest struct {
	Hash     string `cbor:"hash"`
	WalkUUID uint32 `cbor:"walk_uuid"`
}

type FileCheckResponse struct {
	Have  bool `cbor:"have"`
	Asked bool `cbor:"asked"`
}

// FileGetRequest backs CmdFileGet. Asked lists the sending hop's own
// neighbor endpoints; each relay replaces it with its own neighbors rather
// than appending, so only the previous hop's neighbors are moved to the end
// of the next walk, not every node visited so far.
type FileGetRequest struct {
	Hash  string               `cbor:"hash"`
	Asked []transport.Endpoint `cbor:"asked"`
}

// FileGetResponse backs the RESPONSE to a FILE_GET: either the blob bytes
// (Found=true) or nothing, when no peer in the walk had it.
type FileGetResponse struct {
	Found bool   `cbor:"found"`
	Data  []byte `cbor:"data"`
}

// FileDeleteRequest backs CmdFileDelete: a signed (hash, time) claim naming
// which installed public key to verify against.
type FileDeleteRequest struct {
	Raw []byte `cbor:"raw"`
	Sig []byte `cbor:"sig"`
	Pem string `cbor:"pem"`
}
