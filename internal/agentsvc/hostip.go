package agentsvc

import "net"

// publicProbeAddr is never dialed (UDP "connect" just picks a local route);
// any routable external address works, this one matches the teacher's
// own outbound-IP probe convention.
const publicProbeAddr = "8.8.8.8:80"

// ResolveHost returns the address clients should use to reach this Agent's
// containers: the configured override if set, otherwise a best-effort
// local IP found via a UDP "connect" (no packet is actually sent).
func ResolveHost(publicHostOverride string) string {
	if publicHostOverride != "" {
		return publicHostOverride
	}
	conn, err := net.Dial("udp", publicProbeAddr)
	if err != nil {
		return "127.0.0.1"
	}
	defer conn.Close()
	local, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok {
		return "127.0.0.1"
	}
	return local.IP.String()
}
