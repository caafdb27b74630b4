package overlay

import "time"

// Command is the closed set of envelope `cmd` values.
type Command string

const (
	CmdPingPong       Command = "cmd/client/ping-pong"
	CmdBroadcast      Command = "cmd/client/broadcast"
	CmdGetPeerInfo    Command = "cmd/client/get-peer-info"
	CmdGetPeers       Command = "cmd/client/get-peers"
	CmdCheckReachable Command = "cmd/client/check-reachable"
	CmdFileCheck      Command = "cmd/client/file-check"
	CmdFileGet        Command = "cmd/client/file-get"
	CmdFileDelete     Command = "cmd/client/file-delete"
	CmdDirectCmd      Command = "cmd/client/direct-cmd"
)

// EnvelopeType is the envelope's `type` field.
type EnvelopeType string

const (
	TypeRequest  EnvelopeType = "type/client/request"
	TypeResponse EnvelopeType = "type/client/response"
	TypeAck      EnvelopeType = "type/client/ack"
)

// Tunable defaults, exposed as Config fields only for the ones callers are
// expected to adjust per deployment (listen_cap, need_connection).
const (
	defaultNeedConnection  = 3
	waiterTableCapFactor   = 100 // waiter/direct-waiter prune threshold = listen_cap * this
	markerSetCap           = 50
	directCmdPollInterval  = 20 * time.Millisecond
	directCmdPollAttempts  = 200
	senderPollInterval     = 10 * time.Millisecond
	fileGetRelayWait       = 20 * time.Second
	fileDeleteSkewBudget   = 30 * time.Second
	stabilizerInitialDelay = 5 * time.Second
)

// Config bundles the construction-time parameters the caller supplies;
// CLI/config-file loading is handled by the caller, not this package.
type Config struct {
	// NetVersion namespaces the tmp/data directories and peer registry from
	// other overlays sharing the same machine (`p2p_<net_ver>_<port>`
	// naming).
	NetVersion int
	// ListenCap is the soft target neighbor count the stabilizer rebalances
	// toward.
	ListenCap int
	// NeedConnection is the minimum neighbor count below which the
	// stabilizer tightens its cadence. Zero defaults to 3.
	NeedConnection int
	// TmpDir holds peer.dat; DataDir holds blob files. Empty strings fall
	// back to a p2p_<net_ver>_<port> directory under os.TempDir(), with
	// blobs colocated alongside peer.dat.
	TmpDir  string
	DataDir string
	// GlobalIP/LocalIP are resolved once at startup by an external
	// UPnP/NAT-discovery collaborator and fed in here rather than discovered
	// by this package.
	GlobalIP string
	LocalIP  string
	// BroadcastCheck gates BROADCAST admission. Defaults to always-false —
	// no payload propagates until the caller opts in.
	BroadcastCheck func(payload any) bool
	// SignerKeys maps a pem filename (as referenced by FILE_DELETE's `pem`
	// field) to the raw PEM bytes of a trusted RSA public key.
	SignerKeys map[string][]byte
}

func (c Config) needConnection() int {
	if c.NeedConnection > 0 {
		return c.NeedConnection
	}
	return defaultNeedConnection
}

func (c Config) broadcastCheck() func(any) bool {
	if c.BroadcastCheck != nil {
		return c.BroadcastCheck
	}
	return func(any) bool { return false }
}
