package overlay

import (
	"fmt"
	"net"
	"time"
)

const reachabilityProbeTimeout = 3 * time.Second

// isReachable performs a bare TCP dial-and-close against (host, port), true
// iff the dial succeeds.
func isReachable(host string, port int) bool {
	addr := fmt.Sprintf("%s:%d", host, port)
	conn, err := net.DialTimeout("tcp", addr, reachabilityProbeTimeout)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}
